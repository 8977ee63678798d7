package normalize

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"backsync/internal/config"
	"backsync/internal/dateparse"
	"backsync/internal/geocode"
	"backsync/internal/transcribe"
)

func testNormalizer() *Normalizer {
	return New(config.Config{
		PollutionDenylist: []string{"no useful metadata", "blank", "photo paper markings only"},
		CaptionMaxLen:     1000,
		CommentMaxLen:     2000,
	})
}

func TestPollutionClearsWholeFieldOnly(t *testing.T) {
	n := testNormalizer()

	polluted := n.Build("a.jpg", "a_b.jpg", transcribe.Transcript{RawText: "No useful metadata."}, nil, geocode.Place{})
	if polluted.Comment != "" || polluted.Caption != "" {
		t.Fatalf("whole-field pollution must clear the field: %+v", polluted)
	}
	if polluted.Confidence != 0 {
		t.Fatalf("cleared transcript should carry zero confidence, got %f", polluted.Confidence)
	}

	partial := n.Build("a.jpg", "a_b.jpg", transcribe.Transcript{RawText: "blank space on the left, Maria on the right"}, nil, geocode.Place{})
	if partial.Comment != "blank space on the left, Maria on the right" {
		t.Fatalf("partial denylist match must pass through untouched: %q", partial.Comment)
	}
}

func TestUncertainSpansMarked(t *testing.T) {
	n := testNormalizer()
	tr := transcribe.Transcript{
		RawText:        "Maria and Jose at the beach",
		UncertainSpans: []string{"Jose"},
	}
	rec := n.Build("a.jpg", "a_b.jpg", tr, nil, geocode.Place{})
	if rec.Comment != "Maria and Jose [?] at the beach" {
		t.Fatalf("unexpected comment %q", rec.Comment)
	}

	// Re-marking is idempotent.
	again := markUncertain(rec.Comment, tr.UncertainSpans)
	if again != rec.Comment {
		t.Fatalf("double marking: %q", again)
	}
}

func TestKeywordDedupe(t *testing.T) {
	n := testNormalizer()
	tr := transcribe.Transcript{
		RawText: "family photo",
		People:  []string{"Maria", "maria", " Jose ", ""},
	}
	place := geocode.Place{Resolved: true, City: "Lima", Country: "Peru", Source: geocode.SourceKnown}
	rec := n.Build("a.jpg", "a_b.jpg", tr, nil, place)

	want := []string{"Maria", "Jose", "Lima", "Peru"}
	if len(rec.Keywords) != len(want) {
		t.Fatalf("unexpected keywords %v", rec.Keywords)
	}
	for i, kw := range want {
		if rec.Keywords[i] != kw {
			t.Fatalf("keyword %d: expected %q, got %q (%v)", i, kw, rec.Keywords[i], rec.Keywords)
		}
	}
}

func TestCaptionAndCommentCaps(t *testing.T) {
	n := New(config.Config{CaptionMaxLen: 30, CommentMaxLen: 40})
	long := strings.Repeat("beach trip with everyone ", 10)
	rec := n.Build("a.jpg", "a_b.jpg", transcribe.Transcript{RawText: long}, nil, geocode.Place{})

	if len(rec.Caption) > 30 {
		t.Fatalf("caption over cap: %d", len(rec.Caption))
	}
	if len(rec.Comment) > 40 {
		t.Fatalf("comment over cap: %d", len(rec.Comment))
	}
	if !strings.HasSuffix(rec.Comment, "[truncated]") {
		t.Fatalf("expected truncation note, got %q", rec.Comment)
	}
}

func TestCapKeepsRuneBoundaries(t *testing.T) {
	n := New(config.Config{CaptionMaxLen: 20, CommentMaxLen: 20})
	rec := n.Build("a.jpg", "a_b.jpg", transcribe.Transcript{RawText: "playa día bonita con toda la familia"}, nil, geocode.Place{})

	for _, text := range []string{rec.Caption, rec.Comment} {
		if !utf8.ValidString(text) {
			t.Fatalf("truncation produced invalid UTF-8: %q", text)
		}
		if len(text) > 20 {
			t.Fatalf("text over cap: %q", text)
		}
		if !strings.HasSuffix(text, "[truncated]") {
			t.Fatalf("expected truncation note, got %q", text)
		}
	}
}

func TestTechnicalCodes(t *testing.T) {
	n := testNormalizer()
	tr := transcribe.Transcript{RawText: "352-417 <No. 12> 02.11.17 08:34PM CHIOM"}
	rec := n.Build("a.jpg", "a_b.jpg", tr, nil, geocode.Place{})

	if rec.Codes.RollID != "352-417" {
		t.Fatalf("unexpected roll id %q", rec.Codes.RollID)
	}
	if rec.Codes.Frame != 12 {
		t.Fatalf("unexpected frame %d", rec.Codes.Frame)
	}
	if rec.Codes.LabCode != "CHIOM" {
		t.Fatalf("unexpected lab code %q", rec.Codes.LabCode)
	}
}

func TestConfidenceIsMinOfSignals(t *testing.T) {
	n := testNormalizer()
	date := &dateparse.Candidate{
		Value:      time.Date(1999, 3, 15, 0, 0, 0, 0, time.UTC),
		Source:     dateparse.SourceHandwritten,
		Confidence: 0.9,
	}
	place := geocode.Place{Resolved: true, Source: geocode.SourceGeocoder}

	both := n.Build("a.jpg", "a_b.jpg", transcribe.Transcript{RawText: "x"}, date, place)
	if both.Confidence != 0.7 {
		t.Fatalf("expected min(0.9, 0.7)=0.7, got %f", both.Confidence)
	}

	dateOnly := n.Build("a.jpg", "a_b.jpg", transcribe.Transcript{RawText: "x"}, date, geocode.Place{})
	if dateOnly.Confidence != 0.9 {
		t.Fatalf("expected date confidence 0.9, got %f", dateOnly.Confidence)
	}

	bare := n.Build("a.jpg", "a_b.jpg", transcribe.Transcript{RawText: "just words"}, nil, geocode.Place{})
	if bare.Confidence != 0.3 {
		t.Fatalf("expected transcript-quality confidence, got %f", bare.Confidence)
	}
}

func TestDateFieldsCarriedOver(t *testing.T) {
	n := testNormalizer()
	date := &dateparse.Candidate{
		Value:      time.Date(1999, 6, 7, 11, 32, 0, 0, time.UTC),
		HasTime:    true,
		Source:     dateparse.SourceMachine,
		Confidence: 0.85,
	}
	rec := n.Build("a.jpg", "a_b.jpg", transcribe.Transcript{RawText: "99/JUN/7 11:32AM"}, date, geocode.Place{})
	if !rec.HasDate || !rec.HasTime || rec.DateSource != dateparse.SourceMachine {
		t.Fatalf("date fields lost: %+v", rec)
	}
	if rec.Date.Hour() != 11 || rec.Date.Minute() != 32 {
		t.Fatalf("unexpected time %v", rec.Date)
	}
}
