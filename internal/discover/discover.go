// Package discover enumerates a photo collection and pairs each front image
// with its back-side scan using an ordered set of naming rules.
package discover

import (
	"fmt"
	"io/fs"
	"log"
	"path/filepath"
	"sort"
	"strings"

	"backsync/internal/config"
)

// PhotoPair joins a front image with its optional back scan. Original paths
// are unique across a run and pairs are immutable once discovery finishes.
type PhotoPair struct {
	Original string
	Back     string
	Dir      string
}

// HasBack reports whether a back scan was paired with the original.
func (p PhotoPair) HasBack() bool { return p.Back != "" }

// RuleKind identifies how a naming rule matches a filename.
type RuleKind string

const (
	KindSuffix RuleKind = "suffix"
	KindInfix  RuleKind = "infix"
	KindPrefix RuleKind = "prefix"
)

// Rule is one back-scan naming convention. Rules are tried in order; the
// first rule that both matches the name and yields an original that exists
// on disk wins the pairing.
type Rule struct {
	Kind  RuleKind
	Token string
}

func (r Rule) label() string { return string(r.Kind) + ":" + r.Token }

// Result carries everything discovery learned about a directory tree.
type Result struct {
	Pairs             []PhotoPair
	Orphans           []string
	PatternCounts     map[string]int
	SkippedExtensions map[string]int
	TotalOriginals    int
	WithBacks         int
}

// CoveragePct is back scans found over total originals, as a percentage.
func (r *Result) CoveragePct() float64 {
	if r.TotalOriginals == 0 {
		return 0
	}
	return 100 * float64(r.WithBacks) / float64(r.TotalOriginals)
}

// Discovery scans a root directory for photo pairs.
type Discovery struct {
	rules   []Rule
	exts    map[string]struct{}
	warnPct float64
}

// New builds a Discovery from configuration. Suffix rules come first, then
// infix keywords, then prefix conventions.
func New(cfg config.Config) *Discovery {
	var rules []Rule
	for _, s := range cfg.BackSuffixes {
		rules = append(rules, Rule{Kind: KindSuffix, Token: s})
	}
	for _, s := range cfg.BackInfixes {
		rules = append(rules, Rule{Kind: KindInfix, Token: strings.ToLower(s)})
	}
	for _, s := range cfg.BackPrefixes {
		rules = append(rules, Rule{Kind: KindPrefix, Token: strings.ToLower(s)})
	}
	exts := make(map[string]struct{}, len(cfg.Extensions))
	for _, e := range cfg.Extensions {
		exts[strings.ToLower(e)] = struct{}{}
	}
	return &Discovery{rules: rules, exts: exts, warnPct: cfg.CoverageWarnPct}
}

// Discover walks root and returns paired photos, orphan back scans, and
// per-pattern statistics. An unreadable root is a fatal error.
func (d *Discovery) Discover(root string) (*Result, error) {
	res := &Result{
		PatternCounts:     make(map[string]int),
		SkippedExtensions: make(map[string]int),
	}

	present := make(map[string]struct{})
	var files []string
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			// Previously processed back scans are out of scope.
			if entry.Name() == "processed" && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if _, ok := d.exts[ext]; !ok {
			if ext != "" && !strings.HasPrefix(entry.Name(), ".") {
				res.SkippedExtensions[ext]++
			}
			return nil
		}
		files = append(files, path)
		present[path] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan root %s: %w", root, err)
	}
	sort.Strings(files)

	backOf := make(map[string]string)    // original path -> back path
	isBack := make(map[string]struct{})  // files classified as back scans
	ruleFor := make(map[string]string)   // back path -> winning rule label
	var textualOnly []string             // matched a rule but no original on disk

	for _, path := range files {
		matched := false
		for _, rule := range d.rules {
			candidate, ok := d.originalFor(path, rule)
			if !ok {
				continue
			}
			matched = true
			if _, exists := present[candidate]; exists && candidate != path {
				isBack[path] = struct{}{}
				backOf[candidate] = path
				ruleFor[path] = rule.label()
				res.PatternCounts[rule.label()]++
				break
			}
		}
		if matched {
			if _, ok := isBack[path]; !ok {
				isBack[path] = struct{}{}
				textualOnly = append(textualOnly, path)
			}
		}
	}

	for _, path := range files {
		if _, back := isBack[path]; back {
			continue
		}
		pair := PhotoPair{Original: path, Dir: filepath.Dir(path)}
		if b, ok := backOf[path]; ok {
			pair.Back = b
			res.WithBacks++
		}
		res.Pairs = append(res.Pairs, pair)
	}
	res.TotalOriginals = len(res.Pairs)
	res.Orphans = textualOnly

	if len(res.Orphans) > 0 {
		log.Printf("discover: %d orphan back scans without originals", len(res.Orphans))
	}
	if pct := res.CoveragePct(); res.TotalOriginals > 0 && pct < d.warnPct {
		log.Printf("discover: low back-scan coverage %.1f%% (threshold %.1f%%) - naming patterns may be missing", pct, d.warnPct)
	}
	return res, nil
}

// IsBackScan reports whether a filename matches any back-scan naming rule,
// without consulting the filesystem.
func (d *Discovery) IsBackScan(path string) bool {
	for _, rule := range d.rules {
		if _, ok := d.originalFor(path, rule); ok {
			return true
		}
	}
	return false
}

// originalFor applies one rule to a filename and returns the original path
// the rule implies, or false when the rule does not match at all.
func (d *Discovery) originalFor(path string, rule Rule) (string, bool) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	lower := strings.ToLower(stem)

	switch rule.Kind {
	case KindSuffix:
		if strings.HasSuffix(stem, rule.Token) && len(stem) > len(rule.Token) {
			return filepath.Join(dir, stem[:len(stem)-len(rule.Token)]+ext), true
		}
	case KindInfix:
		if !strings.Contains(lower, rule.Token) {
			return "", false
		}
		trimmed := removeInfix(stem, rule.Token)
		if trimmed != "" && trimmed != stem {
			return filepath.Join(dir, trimmed+ext), true
		}
	case KindPrefix:
		if strings.HasPrefix(lower, rule.Token) && len(stem) > len(rule.Token) {
			return filepath.Join(dir, stem[len(rule.Token):]+ext), true
		}
	}
	return "", false
}

// removeInfix strips the keyword plus an adjacent separator, preserving the
// remaining name: photo_back_001 -> photo_001.
func removeInfix(stem, token string) string {
	lower := strings.ToLower(stem)
	for _, variant := range []string{"_" + token, token + "_", token} {
		idx := strings.Index(lower, variant)
		if idx < 0 {
			continue
		}
		out := stem[:idx] + stem[idx+len(variant):]
		out = strings.Trim(out, "_-")
		out = strings.ReplaceAll(out, "__", "_")
		if out != "" {
			return out
		}
	}
	return ""
}

// FilterWithBacks returns only the pairs carrying a back scan.
func FilterWithBacks(pairs []PhotoPair) []PhotoPair {
	var out []PhotoPair
	for _, p := range pairs {
		if p.HasBack() {
			out = append(out, p)
		}
	}
	return out
}
