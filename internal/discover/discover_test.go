package discover

import (
	"os"
	"path/filepath"
	"testing"

	"backsync/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		BackSuffixes:    []string{"_b", "_B"},
		BackInfixes:     []string{"back", "reverse", "rear"},
		BackPrefixes:    []string{"fastfoto_"},
		Extensions:      []string{".jpg", ".jpeg", ".tif", ".tiff"},
		CoverageWarnPct: 40,
	}
}

func touch(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDiscoverPairsAcrossConventions(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "IMG_001.jpg")
	touch(t, dir, "IMG_001_b.jpg")
	touch(t, dir, "photo_002.jpg")
	touch(t, dir, "photo_back_002.jpg")
	touch(t, dir, "0303.jpg")
	touch(t, dir, "fastfoto_0303.jpg")
	// Orphan: matches the suffix rule but no original exists.
	touch(t, dir, "IMG_999_b.jpg")

	res, err := New(testConfig()).Discover(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.TotalOriginals != 3 {
		t.Fatalf("expected 3 originals, got %d: %+v", res.TotalOriginals, res.Pairs)
	}
	if res.WithBacks != 3 {
		t.Fatalf("expected 3 paired backs, got %d", res.WithBacks)
	}
	if len(res.Orphans) != 1 || filepath.Base(res.Orphans[0]) != "IMG_999_b.jpg" {
		t.Fatalf("expected one orphan IMG_999_b.jpg, got %v", res.Orphans)
	}

	want := map[string]string{
		"IMG_001.jpg":   "IMG_001_b.jpg",
		"photo_002.jpg": "photo_back_002.jpg",
		"0303.jpg":      "fastfoto_0303.jpg",
	}
	for _, pair := range res.Pairs {
		back := want[filepath.Base(pair.Original)]
		if back == "" {
			t.Fatalf("unexpected original %s", pair.Original)
		}
		if filepath.Base(pair.Back) != back {
			t.Fatalf("pair %s: expected back %s, got %s", pair.Original, back, pair.Back)
		}
	}

	// No file may be both an original and a back scan.
	backs := map[string]struct{}{}
	for _, pair := range res.Pairs {
		if pair.Back != "" {
			backs[pair.Back] = struct{}{}
		}
	}
	for _, pair := range res.Pairs {
		if _, dup := backs[pair.Original]; dup {
			t.Fatalf("file double-classified: %s", pair.Original)
		}
	}
}

func TestDiscoverCoverageAndSkips(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "a.jpg")
	touch(t, dir, "a_b.jpg")
	touch(t, dir, "b.jpg")
	touch(t, dir, "notes.txt")
	touch(t, dir, "scan.bmp")

	res, err := New(testConfig()).Discover(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := res.CoveragePct(); got != 50 {
		t.Fatalf("expected 50%% coverage, got %.1f", got)
	}
	if res.SkippedExtensions[".txt"] != 1 || res.SkippedExtensions[".bmp"] != 1 {
		t.Fatalf("unexpected skip counts: %v", res.SkippedExtensions)
	}
	if res.PatternCounts["suffix:_b"] != 1 {
		t.Fatalf("unexpected pattern counts: %v", res.PatternCounts)
	}
}

func TestDiscoverMissingRootFatal(t *testing.T) {
	if _, err := New(testConfig()).Discover(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing root")
	}
}

func TestDiscoverSkipsProcessedSubdir(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "a.jpg")
	sub := filepath.Join(dir, "processed")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	touch(t, sub, "a_b.jpg")

	res, err := New(testConfig()).Discover(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.WithBacks != 0 {
		t.Fatalf("processed subdir should be ignored, got %d backs", res.WithBacks)
	}
}

func TestIsBackScan(t *testing.T) {
	d := New(testConfig())
	cases := []struct {
		name string
		want bool
	}{
		{"IMG_001_b.jpg", true},
		{"photo_back_002.jpg", true},
		{"fastfoto_0303.jpg", true},
		{"IMG_001.jpg", false},
		{"vacation.jpg", false},
	}
	for _, tc := range cases {
		if got := d.IsBackScan(tc.name); got != tc.want {
			t.Fatalf("IsBackScan(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestFilterWithBacks(t *testing.T) {
	pairs := []PhotoPair{
		{Original: "a.jpg", Back: "a_b.jpg"},
		{Original: "b.jpg"},
	}
	got := FilterWithBacks(pairs)
	if len(got) != 1 || got[0].Original != "a.jpg" {
		t.Fatalf("unexpected filter result: %+v", got)
	}
}
