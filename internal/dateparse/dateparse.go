// Package dateparse extracts calendar dates from back-scan transcripts,
// machine-printed lab timestamps, and scanner filenames.
package dateparse

import (
	"log"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Source ranks where a date candidate came from. Lower wins.
type Source int

const (
	SourceHandwritten Source = 1
	SourceMachine     Source = 2
	SourceFilename    Source = 3
)

func (s Source) String() string {
	switch s {
	case SourceHandwritten:
		return "handwritten"
	case SourceMachine:
		return "machine"
	case SourceFilename:
		return "filename"
	}
	return "unknown"
}

// Candidate is one parsed date together with its provenance.
type Candidate struct {
	Text       string
	Value      time.Time
	HasTime    bool
	Source     Source
	Confidence float64

	// offset preserves reading order for deterministic tie-breaks.
	offset int
}

// Parser turns free text into date candidates. The year range bounds
// two-digit year expansion; candidates outside it are discarded.
type Parser struct {
	minYear int
	maxYear int
}

func New(minYear, maxYear int) *Parser {
	return &Parser{minYear: minYear, maxYear: maxYear}
}

var monthNames = map[string]time.Month{
	// English full and three-letter forms.
	"january": time.January, "february": time.February, "march": time.March,
	"april": time.April, "may": time.May, "june": time.June, "july": time.July,
	"august": time.August, "september": time.September, "october": time.October,
	"november": time.November, "december": time.December,
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"jun": time.June, "jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
	// Spanish full forms.
	"enero": time.January, "febrero": time.February, "marzo": time.March,
	"abril": time.April, "mayo": time.May, "junio": time.June, "julio": time.July,
	"agosto": time.August, "septiembre": time.September, "octubre": time.October,
	"noviembre": time.November, "diciembre": time.December,
}

func monthAlternation() string {
	keys := make([]string, 0, len(monthNames))
	for k := range monthNames {
		keys = append(keys, k)
	}
	// Longest first so "march" is not cut short by "mar".
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	return strings.Join(keys, "|")
}

var (
	// "15 March 1999", "27 de Noviembre de 1983"
	dayMonthYearPattern = regexp.MustCompile(`(?i)\b(\d{1,2})(?:\s+de)?\s+(` + monthAlternation() + `)(?:\s+de)?[,\s]+(\d{2,4})\b`)
	// "March 15, 1999", "December 25 1999"
	monthDayYearPattern = regexp.MustCompile(`(?i)\b(` + monthAlternation() + `)\s+(\d{1,2})[,\s]+(\d{2,4})\b`)
	// "Marzo 1981", "Noviembre, 1998"
	monthYearPattern = regexp.MustCompile(`(?i)\b(` + monthAlternation() + `)[,\s]+(\d{4})\b`)
	// "1999-12-25", unambiguous year-first form.
	isoPattern = regexp.MustCompile(`\b((?:19|20)\d{2})-(\d{1,2})-(\d{1,2})\b`)
	// "25/12/1999", "25-12-99", day first by default.
	numericPattern = regexp.MustCompile(`\b(\d{1,2})[./-](\d{1,2})[./-](\d{2,4})\b`)
	// Bare four-digit year.
	yearOnlyPattern = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)

	// Machine-printed formats carry their own pattern set.
	// APS equipment stamp: "99/JUN/7 11:32AM", "99-MAR-15 10:02AM".
	apsPattern = regexp.MustCompile(`(?i)\b(\d{2})[/-]([A-Z]{3})[/-](\d{1,2})\s+(\d{1,2}):(\d{2})\s?(AM|PM)\b`)
	// Consumer lab stamp, year first: "02.11.17 08:34PM".
	labPattern = regexp.MustCompile(`(?i)\b(\d{2})[./](\d{2})[./](\d{2})\s+(\d{1,2}):(\d{2})\s?(AM|PM)\b`)

	// Scanner filename timestamps: "2001_11_27" or "20011127".
	filenamePattern = regexp.MustCompile(`\b((?:19|20)\d{2})[-_.]?(\d{2})[-_.]?(\d{2})\b`)
)

// ExtractFromTranscript returns handwritten and machine candidates found in
// transcript text, in reading order.
func (p *Parser) ExtractFromTranscript(text string) []Candidate {
	var out []Candidate
	claimed := make([]span, 0, 8)

	// Machine stamps first so their digit runs are not re-read as
	// handwritten numeric dates.
	for _, m := range apsPattern.FindAllStringSubmatchIndex(text, -1) {
		g := groups(text, m)
		c, ok := p.machineAPS(g, m[0])
		if ok {
			out = append(out, c)
			claimed = append(claimed, span{m[0], m[1]})
		}
	}
	for _, m := range labPattern.FindAllStringSubmatchIndex(text, -1) {
		if overlapsAny(claimed, m[0], m[1]) {
			continue
		}
		g := groups(text, m)
		c, ok := p.machineLab(g, m[0])
		if ok {
			out = append(out, c)
			claimed = append(claimed, span{m[0], m[1]})
		}
	}

	for _, m := range dayMonthYearPattern.FindAllStringSubmatchIndex(text, -1) {
		if overlapsAny(claimed, m[0], m[1]) {
			continue
		}
		g := groups(text, m)
		day, _ := strconv.Atoi(g[1])
		month := monthNames[strings.ToLower(g[2])]
		year := p.expandYear(g[3])
		if c, ok := p.candidate(g[0], year, month, day, 0, 0, false, SourceHandwritten, 0.9, m[0]); ok {
			out = append(out, c)
			claimed = append(claimed, span{m[0], m[1]})
		}
	}
	for _, m := range monthDayYearPattern.FindAllStringSubmatchIndex(text, -1) {
		if overlapsAny(claimed, m[0], m[1]) {
			continue
		}
		g := groups(text, m)
		month := monthNames[strings.ToLower(g[1])]
		day, _ := strconv.Atoi(g[2])
		year := p.expandYear(g[3])
		if c, ok := p.candidate(g[0], year, month, day, 0, 0, false, SourceHandwritten, 0.9, m[0]); ok {
			out = append(out, c)
			claimed = append(claimed, span{m[0], m[1]})
		}
	}
	for _, m := range monthYearPattern.FindAllStringSubmatchIndex(text, -1) {
		if overlapsAny(claimed, m[0], m[1]) {
			continue
		}
		g := groups(text, m)
		month := monthNames[strings.ToLower(g[1])]
		year := p.expandYear(g[2])
		if c, ok := p.candidate(g[0], year, month, 1, 0, 0, false, SourceHandwritten, 0.8, m[0]); ok {
			out = append(out, c)
			claimed = append(claimed, span{m[0], m[1]})
		}
	}
	for _, m := range isoPattern.FindAllStringSubmatchIndex(text, -1) {
		if overlapsAny(claimed, m[0], m[1]) {
			continue
		}
		g := groups(text, m)
		year := p.expandYear(g[1])
		month, _ := strconv.Atoi(g[2])
		day, _ := strconv.Atoi(g[3])
		if c, ok := p.candidate(g[0], year, time.Month(month), day, 0, 0, false, SourceHandwritten, 0.8, m[0]); ok {
			out = append(out, c)
			claimed = append(claimed, span{m[0], m[1]})
		}
	}
	for _, m := range numericPattern.FindAllStringSubmatchIndex(text, -1) {
		if overlapsAny(claimed, m[0], m[1]) {
			continue
		}
		g := groups(text, m)
		day, _ := strconv.Atoi(g[1])
		month, _ := strconv.Atoi(g[2])
		year := p.expandYear(g[3])
		if c, ok := p.candidate(g[0], year, time.Month(month), day, 0, 0, false, SourceHandwritten, 0.7, m[0]); ok {
			out = append(out, c)
			claimed = append(claimed, span{m[0], m[1]})
		}
	}
	for _, m := range yearOnlyPattern.FindAllStringSubmatchIndex(text, -1) {
		if overlapsAny(claimed, m[0], m[1]) {
			continue
		}
		g := groups(text, m)
		year := p.expandYear(g[1])
		if c, ok := p.candidate(g[0], year, time.January, 1, 0, 0, false, SourceHandwritten, 0.4, m[0]); ok {
			out = append(out, c)
			claimed = append(claimed, span{m[0], m[1]})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].offset < out[j].offset })
	return out
}

func (p *Parser) machineAPS(g []string, offset int) (Candidate, bool) {
	year := p.expandYear(g[1])
	month, ok := monthNames[strings.ToLower(g[2])]
	if !ok {
		log.Printf("dateparse: unknown month code %q in %q", g[2], g[0])
		return Candidate{}, false
	}
	day, _ := strconv.Atoi(g[3])
	hour, minute := clockFrom(g[4], g[5], g[6])
	return p.candidate(g[0], year, month, day, hour, minute, true, SourceMachine, 0.85, offset)
}

func (p *Parser) machineLab(g []string, offset int) (Candidate, bool) {
	// Lab stamps are year-first; the trailing clock marker is what
	// disambiguates them from handwritten day-first numerics.
	year := p.expandYear(g[1])
	month, _ := strconv.Atoi(g[2])
	day, _ := strconv.Atoi(g[3])
	hour, minute := clockFrom(g[4], g[5], g[6])
	return p.candidate(g[0], year, time.Month(month), day, hour, minute, true, SourceMachine, 0.75, offset)
}

// ExtractFromFilename pulls scanner-style timestamps out of a filename.
func (p *Parser) ExtractFromFilename(name string) []Candidate {
	var out []Candidate
	for _, m := range filenamePattern.FindAllStringSubmatchIndex(name, -1) {
		g := groups(name, m)
		year := p.expandYear(g[1])
		month, _ := strconv.Atoi(g[2])
		day, _ := strconv.Atoi(g[3])
		if c, ok := p.candidate(g[0], year, time.Month(month), day, 0, 0, false, SourceFilename, 0.5, m[0]); ok {
			out = append(out, c)
		}
	}
	return out
}

// Select picks exactly one candidate: source priority first, then parser
// confidence, then reading order. Deterministic for identical input.
func Select(cands []Candidate) (Candidate, bool) {
	if len(cands) == 0 {
		return Candidate{}, false
	}
	sorted := append([]Candidate(nil), cands...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Source != sorted[j].Source {
			return sorted[i].Source < sorted[j].Source
		}
		if sorted[i].Confidence != sorted[j].Confidence {
			return sorted[i].Confidence > sorted[j].Confidence
		}
		return sorted[i].offset < sorted[j].offset
	})
	return sorted[0], true
}

// candidate validates calendar components; an impossible date is a logged
// parse anomaly, never a user-facing error.
func (p *Parser) candidate(text string, year int, month time.Month, day, hour, minute int, hasTime bool, src Source, conf float64, offset int) (Candidate, bool) {
	if year == 0 {
		log.Printf("dateparse: year outside %d-%d in %q, discarded", p.minYear, p.maxYear, text)
		return Candidate{}, false
	}
	if month < time.January || month > time.December {
		log.Printf("dateparse: invalid month in %q, discarded", text)
		return Candidate{}, false
	}
	value := time.Date(year, month, day, hour, minute, 0, 0, time.UTC)
	if value.Year() != year || value.Month() != month || value.Day() != day {
		log.Printf("dateparse: impossible calendar date in %q, discarded", text)
		return Candidate{}, false
	}
	return Candidate{
		Text:       strings.TrimSpace(text),
		Value:      value,
		HasTime:    hasTime,
		Source:     src,
		Confidence: conf,
		offset:     offset,
	}, true
}

// expandYear resolves two- and four-digit year strings against the collection
// range. Returns 0 when no century lands inside the range.
func (p *Parser) expandYear(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	if n >= 100 {
		if n < p.minYear || n > p.maxYear {
			return 0
		}
		return n
	}
	if y := 1900 + n; y >= p.minYear && y <= p.maxYear {
		return y
	}
	if y := 2000 + n; y >= p.minYear && y <= p.maxYear {
		return y
	}
	return 0
}

func clockFrom(hh, mm, ampm string) (int, int) {
	hour, _ := strconv.Atoi(hh)
	minute, _ := strconv.Atoi(mm)
	switch strings.ToUpper(ampm) {
	case "PM":
		if hour != 12 {
			hour += 12
		}
	case "AM":
		if hour == 12 {
			hour = 0
		}
	}
	return hour, minute
}

type span struct{ start, end int }

func overlapsAny(spans []span, start, end int) bool {
	for _, s := range spans {
		if start < s.end && end > s.start {
			return true
		}
	}
	return false
}

func groups(text string, idx []int) []string {
	out := make([]string, 0, len(idx)/2)
	for i := 0; i < len(idx); i += 2 {
		if idx[i] < 0 {
			out = append(out, "")
			continue
		}
		out = append(out, text[idx[i]:idx[i+1]])
	}
	return out
}
