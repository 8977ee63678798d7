// Package proposal stores proposed metadata changes in a reviewable text
// file. The format is line-oriented and diff-friendly; a reviewer edits it by
// hand before the apply phase reads it back.
package proposal

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Status is the review/apply state of one entry.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSkip    Status = "SKIP"
	StatusApplied Status = "APPLIED"
	StatusFailed  Status = "FAILED"
)

// FieldKind names one proposed metadata field. The exiftool tags each kind
// writes are fixed in fieldTags; an unmapped kind is a programming error
// caught at package init.
type FieldKind string

const (
	FieldDate     FieldKind = "date"
	FieldCaption  FieldKind = "caption"
	FieldComment  FieldKind = "comment"
	FieldKeywords FieldKind = "keywords"
	FieldGPS      FieldKind = "gps"
	FieldCity     FieldKind = "city"
	FieldCountry  FieldKind = "country"
	FieldRoll     FieldKind = "roll"
	FieldFrame    FieldKind = "frame"
)

var allFieldKinds = []FieldKind{
	FieldDate, FieldCaption, FieldComment, FieldKeywords,
	FieldGPS, FieldCity, FieldCountry, FieldRoll, FieldFrame,
}

var fieldTags = map[FieldKind][]string{
	FieldDate:     {"DateTimeOriginal", "CreateDate"},
	FieldCaption:  {"Caption-Abstract", "Description"},
	FieldComment:  {"UserComment"},
	FieldKeywords: {"Keywords"},
	FieldGPS:      {"GPSLatitude", "GPSLatitudeRef", "GPSLongitude", "GPSLongitudeRef"},
	FieldCity:     {"LocationCreatedCity"},
	FieldCountry:  {"LocationCreatedCountryName"},
	FieldRoll:     {"ImageUniqueID"},
	FieldFrame:    {"ImageNumber"},
}

func init() {
	for _, kind := range allFieldKinds {
		if tags, ok := fieldTags[kind]; !ok || len(tags) == 0 {
			panic(fmt.Sprintf("proposal: field kind %q has no exiftool tags", kind))
		}
	}
}

// TagsFor returns the exiftool tags a field kind writes.
func TagsFor(kind FieldKind) []string { return fieldTags[kind] }

// Field is one current/proposed value pair.
type Field struct {
	Kind     FieldKind
	Current  string
	Proposed string
}

// Entry holds every proposed change for one photo pair, keyed by the
// original's path.
type Entry struct {
	OriginalPath string
	BackPath     string
	Status       Status
	Confidence   float64
	Reason       string
	Fields       []Field
}

// Document is a full proposal file.
type Document struct {
	GeneratedAt time.Time
	RunID       string
	Entries     []Entry
}

// Problem describes a malformed block found while parsing.
type Problem struct {
	Line    int
	Message string
}

func (p Problem) String() string { return fmt.Sprintf("line %d: %s", p.Line, p.Message) }

const emptyValue = "-"

// Serialize renders the document in deterministic order: a statistics header,
// then entries grouped by directory, sorted by path within each group.
func Serialize(doc *Document) []byte {
	var buf bytes.Buffer

	high, medium, low := 0, 0, 0
	for _, e := range doc.Entries {
		switch {
		case e.Confidence >= 0.8:
			high++
		case e.Confidence >= 0.5:
			medium++
		default:
			low++
		}
	}
	fmt.Fprintf(&buf, "# backsync proposal\n")
	fmt.Fprintf(&buf, "# generated: %s\n", doc.GeneratedAt.UTC().Format(time.RFC3339))
	if doc.RunID != "" {
		fmt.Fprintf(&buf, "# run: %s\n", doc.RunID)
	}
	fmt.Fprintf(&buf, "# total: %d  high: %d  medium: %d  low: %d\n", len(doc.Entries), high, medium, low)

	byDir := make(map[string][]Entry)
	for _, e := range doc.Entries {
		dir := filepath.Dir(e.OriginalPath)
		byDir[dir] = append(byDir[dir], e)
	}
	dirs := make([]string, 0, len(byDir))
	for dir := range byDir {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	for _, dir := range dirs {
		entries := byDir[dir]
		sort.Slice(entries, func(i, j int) bool { return entries[i].OriginalPath < entries[j].OriginalPath })
		fmt.Fprintf(&buf, "\n## dir: %s\n", dir)
		for _, e := range entries {
			writeEntry(&buf, e)
		}
	}
	return buf.Bytes()
}

func writeEntry(buf *bytes.Buffer, e Entry) {
	fmt.Fprintf(buf, "\n=== %s\n", e.OriginalPath)
	if e.BackPath != "" {
		fmt.Fprintf(buf, "back: %s\n", e.BackPath)
	}
	status := e.Status
	if status == "" {
		status = StatusPending
	}
	fmt.Fprintf(buf, "status: %s\n", status)
	fmt.Fprintf(buf, "confidence: %.2f\n", e.Confidence)
	if e.Reason != "" {
		fmt.Fprintf(buf, "reason: %s\n", encodeValue(e.Reason))
	}
	for _, f := range e.Fields {
		fmt.Fprintf(buf, "field: %s\n", f.Kind)
		fmt.Fprintf(buf, "  current: %s\n", encodeValue(f.Current))
		fmt.Fprintf(buf, "  proposed: %s\n", encodeValue(f.Proposed))
	}
}

// Parse reads a proposal file back. Malformed blocks are reported with line
// numbers and excluded; parsing continues past them.
func Parse(data []byte) (*Document, []Problem) {
	doc := &Document{}
	var problems []Problem

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var cur *Entry
	var curField *Field
	var curStart int
	bad := false
	skipMarked := false
	lineNo := 0

	flush := func() {
		if cur == nil {
			return
		}
		if curField != nil {
			cur.Fields = append(cur.Fields, *curField)
			curField = nil
		}
		if bad {
			problems = append(problems, Problem{Line: curStart, Message: fmt.Sprintf("malformed block for %s", orDash(cur.OriginalPath))})
		} else if cur.OriginalPath == "" {
			problems = append(problems, Problem{Line: curStart, Message: "block missing original path"})
		} else {
			doc.Entries = append(doc.Entries, *cur)
		}
		cur = nil
		bad = false
		skipMarked = false
	}

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "" || strings.HasPrefix(trimmed, "## "):
			continue
		case strings.HasPrefix(trimmed, "# "):
			if strings.HasPrefix(trimmed, "# run: ") {
				doc.RunID = strings.TrimSpace(strings.TrimPrefix(trimmed, "# run: "))
			}
			if strings.HasPrefix(trimmed, "# generated: ") {
				if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(strings.TrimPrefix(trimmed, "# generated: "))); err == nil {
					doc.GeneratedAt = ts
				}
			}
			continue
		case strings.HasPrefix(trimmed, "=== "):
			flush()
			cur = &Entry{
				OriginalPath: strings.TrimSpace(strings.TrimPrefix(trimmed, "=== ")),
				Status:       StatusPending,
			}
			curStart = lineNo
			continue
		}

		if cur == nil {
			problems = append(problems, Problem{Line: lineNo, Message: fmt.Sprintf("content outside entry block: %q", trimmed)})
			continue
		}

		switch {
		case strings.HasPrefix(trimmed, "back: "):
			cur.BackPath = strings.TrimSpace(strings.TrimPrefix(trimmed, "back: "))
		case strings.HasPrefix(trimmed, "SKIP:"):
			// Reviewer shorthand: a SKIP: line anywhere in the block wins
			// over the block's status line.
			cur.Status = StatusSkip
			skipMarked = true
			if reason := strings.TrimSpace(strings.TrimPrefix(trimmed, "SKIP:")); reason != "" {
				cur.Reason = reason
			}
		case strings.HasPrefix(trimmed, "status: "):
			status := Status(strings.TrimSpace(strings.TrimPrefix(trimmed, "status: ")))
			switch status {
			case StatusPending, StatusSkip, StatusApplied, StatusFailed:
				if !skipMarked {
					cur.Status = status
				}
			default:
				bad = true
			}
		case strings.HasPrefix(trimmed, "confidence: "):
			v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(trimmed, "confidence: ")), 64)
			if err != nil {
				bad = true
			} else {
				cur.Confidence = v
			}
		case strings.HasPrefix(trimmed, "reason: "):
			cur.Reason = decodeValue(strings.TrimPrefix(trimmed, "reason: "))
		case strings.HasPrefix(trimmed, "field: "):
			if curField != nil {
				cur.Fields = append(cur.Fields, *curField)
			}
			kind := FieldKind(strings.TrimSpace(strings.TrimPrefix(trimmed, "field: ")))
			if _, ok := fieldTags[kind]; !ok {
				bad = true
				curField = nil
				continue
			}
			curField = &Field{Kind: kind}
		case strings.HasPrefix(trimmed, "current: "):
			if curField == nil {
				bad = true
				continue
			}
			curField.Current = decodeValue(strings.TrimPrefix(trimmed, "current: "))
		case strings.HasPrefix(trimmed, "proposed: "):
			if curField == nil {
				bad = true
				continue
			}
			curField.Proposed = decodeValue(strings.TrimPrefix(trimmed, "proposed: "))
		default:
			bad = true
		}
	}
	flush()
	return doc, problems
}

// Merge folds a freshly generated document over a previously reviewed one.
// Entries the reviewer marked SKIP, and entries already APPLIED, keep their
// status and reason; everything else takes the fresh content.
func Merge(old, fresh *Document) *Document {
	if old == nil {
		return fresh
	}
	prev := make(map[string]Entry, len(old.Entries))
	for _, e := range old.Entries {
		prev[e.OriginalPath] = e
	}

	out := &Document{GeneratedAt: fresh.GeneratedAt, RunID: fresh.RunID}
	for _, e := range fresh.Entries {
		if p, ok := prev[e.OriginalPath]; ok && (p.Status == StatusSkip || p.Status == StatusApplied) {
			e.Status = p.Status
			e.Reason = p.Reason
		}
		out.Entries = append(out.Entries, e)
	}
	return out
}

// Save writes the document atomically next to its final path.
func Save(path string, doc *Document) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, Serialize(doc), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads and parses an existing proposal file. A missing file returns a
// nil document with no error so first runs need no special casing.
func Load(path string) (*Document, []Problem, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load proposal %s: %w", path, err)
	}
	doc, problems := Parse(data)
	return doc, problems, nil
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return emptyValue
	}
	return s
}

// encodeValue keeps serialized values on a single line. Newlines and
// backslashes are escaped so transcript text round-trips through the file.
func encodeValue(s string) string {
	if strings.TrimSpace(s) == "" {
		return emptyValue
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "\r", `\r`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}

func decodeValue(s string) string {
	s = strings.TrimSpace(s)
	if s == emptyValue {
		return ""
	}
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
