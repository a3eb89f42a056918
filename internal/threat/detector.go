// Package threat classifies requests against a table of attack signatures.
// Only the URL and headers are inspected.
package threat

import (
	"net/url"
	"strings"

	"github.com/raakeshmj/gatewarden/internal/access"
	"github.com/raakeshmj/gatewarden/internal/db"
)

// maxScanLen bounds how much of each field is scanned.
const maxScanLen = 8 << 10

type Match struct {
	Category  string      `json:"category"`
	Severity  db.Severity `json:"severity"`
	Signature string      `json:"signature"`
	Field     Target      `json:"field"`
}

// Detector is immutable after construction and safe for concurrent use.
type Detector struct {
	rules []Rule
}

func NewDetector(rules []Rule) *Detector {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Detector{rules: rules}
}

func (d *Detector) Rules() []Rule {
	return d.rules
}

// Classify returns at most one match per category, in rule table order. The
// result depends only on req.
func (d *Detector) Classify(req access.Request) []Match {
	fields := map[Target][]string{
		TargetPath:      variants(req.Path, url.PathUnescape),
		TargetQuery:     variants(req.Query, url.QueryUnescape),
		TargetUserAgent: {clip(req.UserAgent())},
		TargetReferer:   variants(req.Referer(), url.QueryUnescape),
	}

	var matches []Match
	for _, rule := range d.rules {
		if m, ok := matchRule(rule, fields); ok {
			matches = append(matches, m)
		}
	}
	return matches
}

func matchRule(rule Rule, fields map[Target][]string) (Match, bool) {
	for _, p := range rule.Patterns {
		for _, target := range rule.Targets {
			for _, v := range fields[target] {
				if v != "" && p.re.MatchString(v) {
					return Match{Category: rule.Category, Severity: rule.Severity, Signature: p.Source, Field: target}, true
				}
			}
		}
	}
	return Match{}, false
}

// variants returns the raw value plus up to two successive decodings, so
// double-encoded payloads are seen in clear.
func variants(raw string, unescape func(string) (string, error)) []string {
	raw = clip(raw)
	out := []string{raw}
	cur := raw
	for i := 0; i < 2 && strings.ContainsAny(cur, "%+"); i++ {
		dec, err := unescape(cur)
		if err != nil || dec == cur {
			break
		}
		out = append(out, dec)
		cur = dec
	}
	return out
}

func clip(s string) string {
	if len(s) > maxScanLen {
		return s[:maxScanLen]
	}
	return s
}

// Highest returns the most severe match, or false when there is none.
func Highest(matches []Match) (Match, bool) {
	var best Match
	found := false
	for _, m := range matches {
		if !found || m.Severity > best.Severity {
			best, found = m, true
		}
	}
	return best, found
}
