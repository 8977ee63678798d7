// Package exifsync writes approved metadata into front images through an
// external exiftool process. Each file gets a single write invocation so a
// failure never leaves partial tags behind.
package exifsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"backsync/internal/config"
	"backsync/internal/proposal"
)

// ErrOriginalMissing marks an entry whose front image disappeared between
// scan and apply.
var ErrOriginalMissing = errors.New("original not found")

// runner executes one exiftool invocation and returns stdout and stderr.
// Swappable in tests.
type runner func(ctx context.Context, name string, args ...string) ([]byte, []byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Synchronizer applies proposal entries with exiftool.
type Synchronizer struct {
	exiftool string
	dryRun   bool
	run      runner
}

func New(cfg config.Config, dryRun bool) *Synchronizer {
	return &Synchronizer{
		exiftool: cfg.ExiftoolPath,
		dryRun:   dryRun,
		run:      execRunner,
	}
}

// Check verifies the exiftool binary responds to -ver. A missing or broken
// binary is fatal for the apply phase.
func (s *Synchronizer) Check(ctx context.Context) error {
	out, stderr, err := s.run(ctx, s.exiftool, "-ver")
	if err != nil {
		return fmt.Errorf("exiftool not usable (%s): %v: %s", s.exiftool, err, strings.TrimSpace(string(stderr)))
	}
	log.Printf("exifsync: exiftool %s", strings.TrimSpace(string(out)))
	return nil
}

// ReadTags fetches current values for the given tags as strings.
func (s *Synchronizer) ReadTags(ctx context.Context, path string, tags []string) (map[string]string, error) {
	args := []string{"-j"}
	for _, tag := range tags {
		args = append(args, "-"+tag)
	}
	args = append(args, path)

	out, stderr, err := s.run(ctx, s.exiftool, args...)
	if err != nil {
		return nil, fmt.Errorf("exiftool read %s: %v: %s", path, err, strings.TrimSpace(string(stderr)))
	}
	var records []map[string]interface{}
	if err := json.Unmarshal(out, &records); err != nil {
		return nil, fmt.Errorf("exiftool read %s: decode: %w", path, err)
	}
	result := make(map[string]string)
	if len(records) == 0 {
		return result, nil
	}
	for key, value := range records[0] {
		switch v := value.(type) {
		case string:
			result[key] = v
		case float64:
			result[key] = strconv.FormatFloat(v, 'f', -1, 64)
		case []interface{}:
			var parts []string
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			result[key] = strings.Join(parts, "; ")
		default:
			result[key] = fmt.Sprint(v)
		}
	}
	return result, nil
}

// Apply writes one entry's proposed fields into its original image. On
// success the back scan is moved to a processed/ subdirectory; a failed move
// is logged but does not demote the apply.
func (s *Synchronizer) Apply(ctx context.Context, e proposal.Entry) error {
	if _, err := os.Stat(e.OriginalPath); err != nil {
		return fmt.Errorf("%w: %s", ErrOriginalMissing, e.OriginalPath)
	}

	args, err := s.argsFor(e)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	args = append([]string{"-overwrite_original"}, args...)
	args = append(args, e.OriginalPath)

	if s.dryRun {
		log.Printf("exifsync: dry-run, would write %d tags to %s", len(args)-2, e.OriginalPath)
		return nil
	}

	_, stderr, err := s.run(ctx, s.exiftool, args...)
	if err != nil {
		return fmt.Errorf("exiftool write %s: %v: %s", e.OriginalPath, err, strings.TrimSpace(string(stderr)))
	}
	if msg := strings.TrimSpace(string(stderr)); msg != "" {
		log.Printf("exifsync: %s: %s", filepath.Base(e.OriginalPath), msg)
	}

	s.moveProcessed(e.BackPath)
	return nil
}

// argsFor renders one -Tag=value argument list from the entry's fields.
func (s *Synchronizer) argsFor(e proposal.Entry) ([]string, error) {
	var args []string
	for _, f := range e.Fields {
		if strings.TrimSpace(f.Proposed) == "" {
			continue
		}
		switch f.Kind {
		case proposal.FieldGPS:
			lat, lon, err := parseLatLon(f.Proposed)
			if err != nil {
				return nil, fmt.Errorf("entry %s: %w", e.OriginalPath, err)
			}
			latDMS, latRef := FormatDMS(lat, true)
			lonDMS, lonRef := FormatDMS(lon, false)
			args = append(args,
				"-GPSLatitude="+latDMS,
				"-GPSLatitudeRef="+latRef,
				"-GPSLongitude="+lonDMS,
				"-GPSLongitudeRef="+lonRef,
			)
		case proposal.FieldKeywords:
			// Full replacement keeps re-applies idempotent.
			args = append(args, "-Keywords=")
			for _, kw := range strings.Split(f.Proposed, ";") {
				kw = strings.TrimSpace(kw)
				if kw != "" {
					args = append(args, "-Keywords="+kw)
				}
			}
		default:
			for _, tag := range proposal.TagsFor(f.Kind) {
				args = append(args, "-"+tag+"="+f.Proposed)
			}
		}
	}
	return args, nil
}

func (s *Synchronizer) moveProcessed(backPath string) {
	if backPath == "" {
		return
	}
	dest := filepath.Join(filepath.Dir(backPath), "processed", filepath.Base(backPath))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		log.Printf("exifsync: processed dir for %s: %v", backPath, err)
		return
	}
	if err := os.Rename(backPath, dest); err != nil {
		log.Printf("exifsync: move %s: %v", backPath, err)
	}
}

// FormatDate renders a timestamp the way exiftool date tags expect.
func FormatDate(t time.Time, hasTime bool) string {
	if hasTime {
		return t.Format("2006:01:02 15:04:05")
	}
	return t.Format("2006:01:02") + " 00:00:00"
}

// FormatLatLon renders coordinates for storage in a proposal field.
func FormatLatLon(lat, lon float64) string {
	return fmt.Sprintf("%.6f,%.6f", lat, lon)
}

func parseLatLon(s string) (float64, float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad coordinate value %q", s)
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lon, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return 0, 0, fmt.Errorf("bad coordinate value %q", s)
	}
	return lat, lon, nil
}

// FormatDMS converts a decimal coordinate to degrees/minutes/seconds plus the
// hemisphere reference.
func FormatDMS(value float64, isLat bool) (string, string) {
	ref := "N"
	if isLat {
		if value < 0 {
			ref = "S"
		}
	} else {
		ref = "E"
		if value < 0 {
			ref = "W"
		}
	}
	abs := math.Abs(value)
	deg := int(abs)
	minFloat := (abs - float64(deg)) * 60
	min := int(minFloat)
	sec := (minFloat - float64(min)) * 60
	return fmt.Sprintf("%d,%d,%.4f", deg, min, sec), ref
}
