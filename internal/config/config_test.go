package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("STRICT_CONFIG", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WorkerCount != defaultWorkerCount {
		t.Fatalf("expected default worker count %d, got %d", defaultWorkerCount, cfg.WorkerCount)
	}
	if cfg.MinYear != defaultMinYear || cfg.MaxYear != defaultMaxYear {
		t.Fatalf("unexpected year range %d-%d", cfg.MinYear, cfg.MaxYear)
	}
	if len(cfg.BackSuffixes) == 0 || cfg.BackSuffixes[0] != "_b" {
		t.Fatalf("unexpected back suffixes: %v", cfg.BackSuffixes)
	}
	if cfg.ProposalPath != filepath.Join(cfg.WorkDir, defaultProposalFile) {
		t.Fatalf("unexpected proposal path: %s", cfg.ProposalPath)
	}
}

func TestLoadStrictMissingFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("STRICT_CONFIG", "true")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config in strict mode")
	}
}

func TestFileConfigAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
root_dir: /photos/fastfoto
worker_count: 8
min_year: 1950
max_year: 2010
back_suffixes: ["_rev"]
pollution_denylist: ["nothing here"]
known_locations:
  - aliases: ["lima", "lima, peru"]
    lat: -12.0464
    lon: -77.0428
    city: Lima
    country: Peru
geocoder:
  min_interval_ms: 50
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("STRICT_CONFIG", "true")
	t.Setenv("WORKER_COUNT", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RootDir != "/photos/fastfoto" {
		t.Fatalf("unexpected root dir: %s", cfg.RootDir)
	}
	// Environment beats the file.
	if cfg.WorkerCount != 2 {
		t.Fatalf("expected env override worker_count=2, got %d", cfg.WorkerCount)
	}
	if cfg.MinYear != 1950 || cfg.MaxYear != 2010 {
		t.Fatalf("unexpected year range %d-%d", cfg.MinYear, cfg.MaxYear)
	}
	if len(cfg.BackSuffixes) != 1 || cfg.BackSuffixes[0] != "_rev" {
		t.Fatalf("unexpected back suffixes: %v", cfg.BackSuffixes)
	}
	if len(cfg.KnownLocations) != 1 || cfg.KnownLocations[0].City != "Lima" {
		t.Fatalf("unexpected known locations: %+v", cfg.KnownLocations)
	}
	if cfg.GeocodeMinIntervalMS != 50 {
		t.Fatalf("unexpected geocode interval: %d", cfg.GeocodeMinIntervalMS)
	}
}

func TestWorkerCountClamped(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("WORKER_COUNT", "99")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WorkerCount != maxWorkerCount {
		t.Fatalf("expected clamp to %d, got %d", maxWorkerCount, cfg.WorkerCount)
	}
}

func TestInvalidYearRange(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("MIN_YEAR", "2030")
	t.Setenv("MAX_YEAR", "1966")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for inverted year range")
	}
}
