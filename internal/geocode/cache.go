package geocode

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// Cache persists geocoder answers, including negative ones, keyed by the
// normalized query so repeated runs never re-hit the external service.
type Cache struct {
	db *sql.DB
}

func OpenCache(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	c := &Cache{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) Close() error { return c.db.Close() }

func (c *Cache) migrate() error {
	_, err := c.db.Exec(`CREATE TABLE IF NOT EXISTS geocode_cache (
		query TEXT PRIMARY KEY,
		resolved INTEGER NOT NULL,
		lat REAL,
		lon REAL,
		city TEXT,
		country TEXT,
		display TEXT,
		created_at TIMESTAMP
	);`)
	return err
}

// Lookup returns the cached place for a normalized query, if any.
func (c *Cache) Lookup(ctx context.Context, query string) (Place, bool, error) {
	row := c.db.QueryRowContext(ctx, `SELECT resolved, lat, lon, city, country, display FROM geocode_cache WHERE query=?`, query)
	var p Place
	var resolved int
	var lat, lon sql.NullFloat64
	var city, country, display sql.NullString
	switch err := row.Scan(&resolved, &lat, &lon, &city, &country, &display); err {
	case nil:
		p.Query = query
		p.Resolved = resolved != 0
		p.Lat = lat.Float64
		p.Lon = lon.Float64
		p.City = city.String
		p.Country = country.String
		p.Display = display.String
		p.Source = SourceCache
		return p, true, nil
	case sql.ErrNoRows:
		return Place{}, false, nil
	default:
		return Place{}, false, err
	}
}

// Save records a geocoder answer. Existing rows are overwritten so a later
// successful resolution replaces a stale negative entry.
func (c *Cache) Save(ctx context.Context, p Place, ts time.Time) error {
	resolved := 0
	if p.Resolved {
		resolved = 1
	}
	_, err := c.db.ExecContext(ctx, `INSERT INTO geocode_cache(query, resolved, lat, lon, city, country, display, created_at)
		VALUES(?,?,?,?,?,?,?,?)
		ON CONFLICT(query) DO UPDATE SET resolved=excluded.resolved, lat=excluded.lat, lon=excluded.lon,
			city=excluded.city, country=excluded.country, display=excluded.display, created_at=excluded.created_at`,
		p.Query, resolved, p.Lat, p.Lon, p.City, p.Country, p.Display, ts)
	return err
}
