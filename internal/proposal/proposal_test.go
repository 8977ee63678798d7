package proposal

import (
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func sampleDoc() *Document {
	return &Document{
		GeneratedAt: time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC),
		RunID:       "4c1d9f52-0000-4000-8000-000000000000",
		Entries: []Entry{
			{
				OriginalPath: "/photos/1999/IMG_001.jpg",
				BackPath:     "/photos/1999/IMG_001_b.jpg",
				Status:       StatusPending,
				Confidence:   0.85,
				Fields: []Field{
					{Kind: FieldDate, Current: "", Proposed: "1999:03:15 00:00:00"},
					{Kind: FieldCaption, Current: "", Proposed: "At the lake"},
				},
			},
			{
				OriginalPath: "/photos/2001/IMG_050.jpg",
				BackPath:     "/photos/2001/IMG_050_b.jpg",
				Status:       StatusPending,
				Confidence:   0.40,
				Fields: []Field{
					{Kind: FieldKeywords, Current: "old tag", Proposed: "Maria; Lima; Peru"},
				},
			},
		},
	}
}

func TestRoundTrip(t *testing.T) {
	doc := sampleDoc()
	parsed, problems := Parse(Serialize(doc))
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %v", problems)
	}
	if parsed.RunID != doc.RunID {
		t.Fatalf("run id lost: %q", parsed.RunID)
	}
	if !parsed.GeneratedAt.Equal(doc.GeneratedAt) {
		t.Fatalf("timestamp lost: %v", parsed.GeneratedAt)
	}
	if !reflect.DeepEqual(parsed.Entries, doc.Entries) {
		t.Fatalf("entries did not round-trip:\n got %+v\nwant %+v", parsed.Entries, doc.Entries)
	}
}

func TestSerializeGroupsAndSorts(t *testing.T) {
	text := string(Serialize(sampleDoc()))
	i1999 := strings.Index(text, "## dir: /photos/1999")
	i2001 := strings.Index(text, "## dir: /photos/2001")
	if i1999 < 0 || i2001 < 0 || i1999 > i2001 {
		t.Fatalf("directories not grouped in order:\n%s", text)
	}
	if !strings.Contains(text, "# total: 2  high: 1  medium: 0  low: 1") {
		t.Fatalf("missing statistics header:\n%s", text)
	}
}

func TestMultiLineValuesRoundTrip(t *testing.T) {
	doc := sampleDoc()
	doc.Entries[0].Reason = "operator note\nsecond line"
	doc.Entries[0].Fields = append(doc.Entries[0].Fields, Field{
		Kind:     FieldComment,
		Current:  `C:\scans\old`,
		Proposed: "Lima trip\nwith Maria at the coast\r\nsecond roll",
	})

	data := Serialize(doc)
	for i, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if strings.ContainsAny(line, "\r") {
			t.Fatalf("serialized line %d not single-line: %q", i+1, line)
		}
	}

	parsed, problems := Parse(data)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %v", problems)
	}
	if !reflect.DeepEqual(parsed.Entries, doc.Entries) {
		t.Fatalf("multi-line values did not round-trip:\n got %+v\nwant %+v", parsed.Entries, doc.Entries)
	}
}

func TestSkipMarkerRecognized(t *testing.T) {
	text := string(Serialize(sampleDoc()))
	text = strings.Replace(text, "=== /photos/1999/IMG_001.jpg\n", "=== /photos/1999/IMG_001.jpg\nSKIP: wrong person\n", 1)

	doc, problems := Parse([]byte(text))
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %v", problems)
	}
	var entry *Entry
	for i := range doc.Entries {
		if doc.Entries[i].OriginalPath == "/photos/1999/IMG_001.jpg" {
			entry = &doc.Entries[i]
		}
	}
	if entry == nil || entry.Status != StatusSkip || entry.Reason != "wrong person" {
		t.Fatalf("SKIP marker not honored: %+v", entry)
	}
}

func TestMalformedBlockExcludedWithLineNumber(t *testing.T) {
	text := string(Serialize(sampleDoc()))
	text = strings.Replace(text, "confidence: 0.85", "confidence: not-a-number", 1)

	doc, problems := Parse([]byte(text))
	if len(doc.Entries) != 1 {
		t.Fatalf("malformed block must be excluded, got %d entries", len(doc.Entries))
	}
	if len(problems) != 1 || problems[0].Line == 0 {
		t.Fatalf("expected one line-numbered problem, got %v", problems)
	}
	if doc.Entries[0].OriginalPath != "/photos/2001/IMG_050.jpg" {
		t.Fatalf("wrong surviving entry: %+v", doc.Entries[0])
	}
}

func TestMergePreservesReviewedStatuses(t *testing.T) {
	old := sampleDoc()
	old.Entries[0].Status = StatusSkip
	old.Entries[0].Reason = "not my photo"
	old.Entries[1].Status = StatusApplied

	fresh := sampleDoc()
	fresh.RunID = "11111111-0000-4000-8000-000000000000"
	fresh.Entries[0].Confidence = 0.95
	fresh.Entries = append(fresh.Entries, Entry{
		OriginalPath: "/photos/2001/IMG_051.jpg",
		Status:       StatusPending,
		Confidence:   0.6,
	})

	merged := Merge(old, fresh)
	if len(merged.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(merged.Entries))
	}
	if merged.Entries[0].Status != StatusSkip || merged.Entries[0].Reason != "not my photo" {
		t.Fatalf("SKIP lost in merge: %+v", merged.Entries[0])
	}
	if merged.Entries[0].Confidence != 0.95 {
		t.Fatalf("fresh content lost in merge: %+v", merged.Entries[0])
	}
	if merged.Entries[1].Status != StatusApplied {
		t.Fatalf("APPLIED lost in merge: %+v", merged.Entries[1])
	}
	if merged.Entries[2].Status != StatusPending {
		t.Fatalf("new entry mangled: %+v", merged.Entries[2])
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "work", "proposal.txt")

	loaded, problems, err := Load(path)
	if err != nil || loaded != nil || problems != nil {
		t.Fatalf("missing file should load as nil: %v %v %v", loaded, problems, err)
	}

	doc := sampleDoc()
	if err := Save(path, doc); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, problems, err = Load(path)
	if err != nil || len(problems) != 0 {
		t.Fatalf("load: %v %v", err, problems)
	}
	if len(loaded.Entries) != 2 {
		t.Fatalf("unexpected entries: %+v", loaded.Entries)
	}
}

func TestTagsForEveryKind(t *testing.T) {
	for _, kind := range allFieldKinds {
		if len(TagsFor(kind)) == 0 {
			t.Fatalf("field kind %q has no tags", kind)
		}
	}
}
