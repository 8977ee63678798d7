// Package transcribe turns a back-scan image into structured text. Two
// implementations exist: a vision-model HTTP client and a sidecar-file reader
// for offline runs. Downstream stages only see the Transcript contract.
package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"backsync/internal/config"
)

// Transcript is everything a transcriber recovered from one back scan.
// Zero-value fields mean the corresponding content was not present.
type Transcript struct {
	RawText        string   `json:"raw_text"`
	Language       string   `json:"language"`
	DateText       string   `json:"date_text"`
	LocationText   string   `json:"location_text"`
	People         []string `json:"people"`
	Event          string   `json:"event"`
	UncertainSpans []string `json:"uncertain_spans"`
}

// Empty reports whether nothing at all was extracted.
func (t Transcript) Empty() bool {
	return strings.TrimSpace(t.RawText) == "" &&
		strings.TrimSpace(t.DateText) == "" &&
		strings.TrimSpace(t.LocationText) == "" &&
		len(t.People) == 0 &&
		strings.TrimSpace(t.Event) == ""
}

// Transcriber extracts a Transcript from an image on disk.
type Transcriber interface {
	Transcribe(ctx context.Context, imagePath string) (Transcript, error)
}

// ErrNoSidecar marks a back scan with no transcript file next to it.
var ErrNoSidecar = errors.New("no sidecar transcript")

// Sidecar reads pre-made transcripts stored next to the scan, either a JSON
// file matching the Transcript contract or a plain text file.
type Sidecar struct{}

func (Sidecar) Transcribe(ctx context.Context, imagePath string) (Transcript, error) {
	stem := strings.TrimSuffix(imagePath, filepath.Ext(imagePath))

	if data, err := os.ReadFile(stem + ".json"); err == nil {
		var t Transcript
		if err := json.Unmarshal(data, &t); err != nil {
			return Transcript{}, fmt.Errorf("sidecar %s.json: %w", stem, err)
		}
		return t, nil
	}
	if data, err := os.ReadFile(stem + ".txt"); err == nil {
		return Transcript{RawText: strings.TrimSpace(string(data))}, nil
	}
	return Transcript{}, ErrNoSidecar
}

// New picks the transcriber the configuration asks for.
func New(cfg config.Config) (Transcriber, error) {
	switch cfg.TranscribeMode {
	case "", "sidecar":
		return Sidecar{}, nil
	case "vision":
		return NewVision(cfg, nil)
	default:
		return nil, fmt.Errorf("unknown transcribe mode %q", cfg.TranscribeMode)
	}
}
