// Package geocode resolves free-text place strings from photo backs into
// coordinates. Resolution order is the configured known-place table, then the
// persistent cache, then the external geocoder. A string no source can place
// stays unresolved; coordinates are never guessed.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"backsync/internal/config"
)

const (
	SourceKnown    = "known"
	SourceCache    = "cache"
	SourceGeocoder = "geocoder"
)

// Place is a resolved (or explicitly unresolved) location.
type Place struct {
	Query    string
	City     string
	Country  string
	Lat      float64
	Lon      float64
	Display  string
	Resolved bool
	Source   string
}

// Resolver answers place queries. Safe for concurrent use; external calls are
// serialized and spaced by the configured minimum interval.
type Resolver struct {
	known       map[string]config.KnownLocation
	cache       *Cache
	client      *http.Client
	baseURL     string
	email       string
	enabled     bool
	minInterval time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewResolver builds a Resolver from configuration. cache may be nil, in
// which case every miss of the known table goes to the external service.
func NewResolver(cfg config.Config, cache *Cache, client *http.Client) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	known := make(map[string]config.KnownLocation)
	for _, loc := range cfg.KnownLocations {
		for _, alias := range loc.Aliases {
			known[NormalizeQuery(alias)] = loc
		}
	}
	return &Resolver{
		known:       known,
		cache:       cache,
		client:      client,
		baseURL:     cfg.GeocoderBaseURL,
		email:       cfg.GeocoderEmail,
		enabled:     cfg.GeocoderEnabled,
		minInterval: cfg.GeocodeMinInterval(),
	}
}

// NormalizeQuery lowercases, collapses whitespace, and strips trailing
// punctuation and uncertainty markers so cache keys line up across scans.
func NormalizeQuery(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "[?]", "")
	s = strings.Join(strings.Fields(s), " ")
	return strings.Trim(s, " .,;:?")
}

// Resolve maps a raw place string to a Place. An empty or unplaceable string
// returns an unresolved Place with no error; errors are reserved for cache
// and transport failures.
func (r *Resolver) Resolve(ctx context.Context, raw string) (Place, error) {
	query := NormalizeQuery(raw)
	if query == "" {
		return Place{}, nil
	}

	if loc, ok := r.known[query]; ok {
		return Place{
			Query:    query,
			City:     loc.City,
			Country:  loc.Country,
			Lat:      loc.Lat,
			Lon:      loc.Lon,
			Resolved: true,
			Source:   SourceKnown,
		}, nil
	}

	if r.cache != nil {
		if p, hit, err := r.cache.Lookup(ctx, query); err != nil {
			return Place{Query: query}, fmt.Errorf("geocode cache lookup: %w", err)
		} else if hit {
			return p, nil
		}
	}

	if !r.enabled {
		return Place{Query: query}, nil
	}

	p, err := r.lookup(ctx, query)
	if err != nil {
		// Transport failures stay out of the cache so a retry can succeed.
		return Place{Query: query}, err
	}
	if r.cache != nil {
		if err := r.cache.Save(ctx, p, config.Now()); err != nil {
			log.Printf("geocode: cache save failed for %q: %v", query, err)
		}
	}
	return p, nil
}

func (r *Resolver) lookup(ctx context.Context, query string) (Place, error) {
	if err := r.waitTurn(ctx); err != nil {
		return Place{}, err
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("limit", "1")
	params.Set("addressdetails", "1")
	if r.email != "" {
		params.Set("email", r.email)
	}
	endpoint := r.baseURL + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Place{}, err
	}
	req.Header.Set("User-Agent", "backsync/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return Place{}, fmt.Errorf("geocode %q: %w", query, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return Place{}, fmt.Errorf("geocode %q: status %d", query, resp.StatusCode)
	}

	var data []struct {
		Lat         string `json:"lat"`
		Lon         string `json:"lon"`
		DisplayName string `json:"display_name"`
		Address     struct {
			City    string `json:"city"`
			Town    string `json:"town"`
			Village string `json:"village"`
			County  string `json:"county"`
			Country string `json:"country"`
		} `json:"address"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return Place{}, fmt.Errorf("geocode %q: decode: %w", query, err)
	}
	if len(data) == 0 {
		// A confirmed miss is cacheable; the place stays unresolved.
		return Place{Query: query}, nil
	}

	lat, latErr := strconv.ParseFloat(data[0].Lat, 64)
	lon, lonErr := strconv.ParseFloat(data[0].Lon, 64)
	if latErr != nil || lonErr != nil {
		return Place{}, fmt.Errorf("geocode %q: bad coordinates %q,%q", query, data[0].Lat, data[0].Lon)
	}

	city := firstOf(data[0].Address.City, data[0].Address.Town, data[0].Address.Village, data[0].Address.County)
	return Place{
		Query:    query,
		City:     city,
		Country:  data[0].Address.Country,
		Lat:      lat,
		Lon:      lon,
		Display:  data[0].DisplayName,
		Resolved: true,
		Source:   SourceGeocoder,
	}, nil
}

// waitTurn spaces external requests by the minimum interval.
func (r *Resolver) waitTurn(ctx context.Context) error {
	r.mu.Lock()
	wait := r.minInterval - time.Since(r.last)
	r.last = time.Now().Add(wait)
	r.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
