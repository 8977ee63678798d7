// Package normalize turns raw transcripts plus date and location candidates
// into the MetadataRecord the proposal and sync stages consume. It filters
// transcription boilerplate, marks uncertain readings, and derives a single
// record confidence.
package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"backsync/internal/config"
	"backsync/internal/dateparse"
	"backsync/internal/geocode"
	"backsync/internal/transcribe"
)

// TechnicalCodes are machine-printed identifiers from the photo-lab zone of a
// back scan.
type TechnicalCodes struct {
	RollID  string
	Frame   int
	LabCode string
}

// MetadataRecord is the normalized output for one photo pair.
type MetadataRecord struct {
	OriginalPath string
	BackPath     string

	Caption  string
	Comment  string
	Keywords []string

	HasDate    bool
	Date       time.Time
	HasTime    bool
	DateSource dateparse.Source

	Place geocode.Place

	Codes      TechnicalCodes
	Confidence float64
}

// Normalizer applies the configured pollution denylist and length caps.
type Normalizer struct {
	denylist   []string
	captionMax int
	commentMax int
}

func New(cfg config.Config) *Normalizer {
	denylist := make([]string, 0, len(cfg.PollutionDenylist))
	for _, entry := range cfg.PollutionDenylist {
		denylist = append(denylist, strings.ToLower(strings.TrimSpace(entry)))
	}
	return &Normalizer{
		denylist:   denylist,
		captionMax: cfg.CaptionMaxLen,
		commentMax: cfg.CommentMaxLen,
	}
}

const truncationNote = " [truncated]"

var (
	rollPattern  = regexp.MustCompile(`\b(\d{3}-\d{3})\b`)
	framePattern = regexp.MustCompile(`<\s*(?:No\.?\s*)?(\d{1,4})\s*>`)
	labPattern   = regexp.MustCompile(`\b([A-Z]{4,8})\b`)
)

// monthWords keeps month abbreviations out of lab-code extraction.
var monthWords = map[string]struct{}{
	"JAN": {}, "FEB": {}, "MAR": {}, "APR": {}, "MAY": {}, "JUN": {},
	"JUL": {}, "AUG": {}, "SEP": {}, "OCT": {}, "NOV": {}, "DEC": {},
}

// Build combines one pair's transcript, selected date candidate, and resolved
// place into a MetadataRecord. date may be nil when no usable date was found.
func (n *Normalizer) Build(originalPath, backPath string, t transcribe.Transcript, date *dateparse.Candidate, place geocode.Place) MetadataRecord {
	rec := MetadataRecord{
		OriginalPath: originalPath,
		BackPath:     backPath,
		Place:        place,
	}

	raw := n.filterField(t.RawText)
	event := n.filterField(t.Event)

	rec.Codes = extractCodes(raw)

	caption := event
	if caption == "" {
		caption = firstLine(raw)
	}
	caption = markUncertain(caption, t.UncertainSpans)
	rec.Caption = capText(caption, n.captionMax)

	comment := markUncertain(raw, t.UncertainSpans)
	rec.Comment = capText(comment, n.commentMax)

	rec.Keywords = buildKeywords(t, place)

	if date != nil {
		rec.HasDate = true
		rec.Date = date.Value
		rec.HasTime = date.HasTime
		rec.DateSource = date.Source
	}

	rec.Confidence = n.confidence(t, date, place, raw)
	return rec
}

// filterField clears a field whose entire normalized content matches a
// denylist entry. Partial matches pass through untouched.
func (n *Normalizer) filterField(text string) string {
	trimmed := strings.TrimSpace(text)
	norm := strings.ToLower(strings.Trim(trimmed, " .,;:!"))
	for _, entry := range n.denylist {
		if norm == entry {
			return ""
		}
	}
	return trimmed
}

// markUncertain appends a [?] marker after each span the transcriber flagged.
// Already-marked spans are left alone so re-normalizing is idempotent.
func markUncertain(text string, spans []string) string {
	for _, span := range spans {
		span = strings.TrimSpace(span)
		if span == "" {
			continue
		}
		idx := strings.Index(text, span)
		if idx < 0 {
			continue
		}
		after := text[idx+len(span):]
		if strings.HasPrefix(after, " [?]") {
			continue
		}
		text = text[:idx+len(span)] + " [?]" + after
	}
	return text
}

func firstLine(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		return strings.TrimSpace(text[:idx])
	}
	return strings.TrimSpace(text)
}

func capText(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	cut := limit - len(truncationNote)
	if cut < 0 {
		cut = 0
	}
	// Back off to a rune boundary so the cut never splits a multi-byte rune.
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return strings.TrimSpace(text[:cut]) + truncationNote
}

// buildKeywords collects people and place names, deduped case-insensitively
// in first-seen order.
func buildKeywords(t transcribe.Transcript, place geocode.Place) []string {
	var raw []string
	raw = append(raw, t.People...)
	if place.Resolved {
		if place.City != "" {
			raw = append(raw, place.City)
		}
		if place.Country != "" {
			raw = append(raw, place.Country)
		}
	}

	seen := make(map[string]struct{})
	var out []string
	for _, kw := range raw {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		key := strings.ToLower(kw)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, kw)
	}
	return out
}

func extractCodes(raw string) TechnicalCodes {
	var codes TechnicalCodes
	if m := rollPattern.FindStringSubmatch(raw); m != nil {
		codes.RollID = m[1]
	}
	if m := framePattern.FindStringSubmatch(raw); m != nil {
		if frame, err := strconv.Atoi(m[1]); err == nil {
			codes.Frame = frame
		}
	}
	for _, m := range labPattern.FindAllStringSubmatch(raw, -1) {
		if _, month := monthWords[m[1]]; month {
			continue
		}
		codes.LabCode = m[1]
		break
	}
	return codes
}

// confidence is min(date, location) when both are present; with only one
// signal it is that signal; with neither it reflects bare transcript quality.
func (n *Normalizer) confidence(t transcribe.Transcript, date *dateparse.Candidate, place geocode.Place, raw string) float64 {
	var dateConf, locConf float64
	if date != nil {
		dateConf = date.Confidence
	}
	if place.Resolved {
		switch place.Source {
		case geocode.SourceKnown:
			locConf = 0.9
		default:
			locConf = 0.7
		}
	}

	switch {
	case dateConf > 0 && locConf > 0:
		if dateConf < locConf {
			return dateConf
		}
		return locConf
	case dateConf > 0:
		return dateConf
	case locConf > 0:
		return locConf
	case strings.TrimSpace(raw) != "":
		return 0.3
	default:
		return 0
	}
}
