package threat

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/raakeshmj/gatewarden/internal/db"
)

// Target is a request field a rule is evaluated against.
type Target string

const (
	TargetPath      Target = "path"
	TargetQuery     Target = "query"
	TargetUserAgent Target = "user_agent"
	TargetReferer   Target = "referer"
)

const (
	CategorySQLInjection     = "injection-sql"
	CategoryCommandInjection = "injection-command"
	CategoryXSS              = "xss"
	CategoryPathTraversal    = "path-traversal"
	CategorySensitiveProbe   = "sensitive-path-probe"
	CategoryScannerUA        = "scanner-useragent"
)

const maxPatternLen = 512

var ErrInvalidRules = errors.New("invalid threat rules")

// Pattern is one compiled signature. Go regexps are RE2, so matching is
// linear in the input.
type Pattern struct {
	Source string
	re     *regexp.Regexp
}

// Rule is one category of the table: its severity, the fields it inspects
// and its ordered signatures.
type Rule struct {
	Category string
	Severity db.Severity
	Targets  []Target
	Patterns []Pattern
}

type ruleFile struct {
	Rules []struct {
		Category string      `yaml:"category"`
		Severity db.Severity `yaml:"severity"`
		Targets  []Target    `yaml:"targets"`
		Patterns []string    `yaml:"patterns"`
	} `yaml:"rules"`
}

var injectionTargets = []Target{TargetPath, TargetQuery, TargetReferer}

// DefaultRules returns the built-in table in evaluation order.
func DefaultRules() []Rule {
	return mustCompile([]ruleSpec{
		{CategorySQLInjection, db.SeverityCritical, injectionTargets, []string{
			`(?i)\bunion\b[\s/*+]+(?:all[\s/*+]+)?select\b`,
			`(?i)'\s*(?:or|and)\s+'?\w+'?\s*=\s*'?\w+`,
			`(?i)\b(?:or|and)\s+\d+\s*=\s*\d+`,
			`(?i);\s*(?:drop|truncate|alter|delete|insert|update)\s`,
			`(?i)\b(?:drop|truncate)\s+table\b`,
			`(?i)\b(?:sleep|benchmark|pg_sleep)\s*\(`,
			`(?i)\bwaitfor\s+delay\b`,
			`(?i)'\s*(?:--|#|/\*)`,
			`(?i)\binformation_schema\b`,
		}},
		{CategoryCommandInjection, db.SeverityCritical, injectionTargets, []string{
			`(?i)[;&|]\s*(?:cat|ls|id|whoami|uname|wget|curl|nc|ncat|bash|sh|python|perl|ping|rm)(?:\s|$|[;&|<>])`,
			`\$\([^)]*\)`,
			"`[^`]+`",
			`(?i)/bin/(?:ba|z|da)?sh\b`,
			`(?i)\bcmd(?:\.exe)?\s+/c\b`,
		}},
		{CategoryXSS, db.SeverityHigh, injectionTargets, []string{
			`(?i)<\s*script\b`,
			`(?i)javascript\s*:`,
			`(?i)\bon(?:error|load|click|mouseover|focus|submit)\s*=`,
			`(?i)<\s*(?:iframe|object|embed|svg|img)\b[^>]*(?:src|data|on\w+)\s*=`,
			`(?i)\bdocument\.(?:cookie|location|write)\b`,
			`(?i)\balert\s*\(`,
		}},
		{CategoryPathTraversal, db.SeverityHigh, injectionTargets, []string{
			`\.\.[/\\]`,
			`[/\\]\.\.(?:$|[/\\?])`,
			`(?i)/etc/(?:passwd|shadow|hosts|group)\b`,
			`(?i)\b(?:c:|%systemroot%)[/\\]windows\b`,
			`(?i)\bboot\.ini\b`,
		}},
		{CategorySensitiveProbe, db.SeverityMedium, []Target{TargetPath}, []string{
			`(?i)/\.(?:env|git|svn|hg|htaccess|htpasswd|aws|ssh|docker|ds_store)(?:/|$)`,
			`(?i)/(?:wp-admin|wp-login\.php|xmlrpc\.php|phpmyadmin|pma|adminer\.php)(?:/|$)`,
			`(?i)/(?:server-status|server-info|actuator(?:/\w+)?|debug/pprof)(?:/|$)`,
			`(?i)\.(?:bak|old|orig|swp|sql)$`,
			`(?i)/(?:config|configuration|settings|credentials)\.(?:php|json|ya?ml|ini|xml)$`,
		}},
		{CategoryScannerUA, db.SeverityMedium, []Target{TargetUserAgent}, []string{
			`(?i)\b(?:sqlmap|nikto|nmap|masscan|zgrab|nuclei|acunetix|nessus|openvas|wpscan|dirbuster|gobuster|ffuf|feroxbuster|hydra|w3af|arachni|havij)\b`,
		}},
	})
}

type ruleSpec struct {
	category string
	severity db.Severity
	targets  []Target
	patterns []string
}

func mustCompile(specs []ruleSpec) []Rule {
	rules, err := compile(specs)
	if err != nil {
		panic(err)
	}
	return rules
}

func compile(specs []ruleSpec) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if s.category == "" {
			return nil, fmt.Errorf("%w: rule without category", ErrInvalidRules)
		}
		if seen[s.category] {
			return nil, fmt.Errorf("%w: duplicate category %q", ErrInvalidRules, s.category)
		}
		seen[s.category] = true
		if s.severity < db.SeverityLow || s.severity > db.SeverityCritical {
			return nil, fmt.Errorf("%w: category %q has no valid severity", ErrInvalidRules, s.category)
		}
		if len(s.targets) == 0 {
			return nil, fmt.Errorf("%w: category %q has no targets", ErrInvalidRules, s.category)
		}
		for _, t := range s.targets {
			switch t {
			case TargetPath, TargetQuery, TargetUserAgent, TargetReferer:
			default:
				return nil, fmt.Errorf("%w: category %q has unknown target %q", ErrInvalidRules, s.category, t)
			}
		}
		if len(s.patterns) == 0 {
			return nil, fmt.Errorf("%w: category %q has no patterns", ErrInvalidRules, s.category)
		}

		r := Rule{Category: s.category, Severity: s.severity, Targets: append([]Target(nil), s.targets...)}
		for _, src := range s.patterns {
			if src == "" || len(src) > maxPatternLen {
				return nil, fmt.Errorf("%w: category %q pattern must be 1..%d bytes", ErrInvalidRules, s.category, maxPatternLen)
			}
			re, err := regexp.Compile(src)
			if err != nil {
				return nil, fmt.Errorf("%w: category %q: %v", ErrInvalidRules, s.category, err)
			}
			r.Patterns = append(r.Patterns, Pattern{Source: src, re: re})
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// ParseRules reads a YAML rule table:
//
//	rules:
//	  - category: injection-sql
//	    severity: critical
//	    targets: [path, query, referer]
//	    patterns: ['(?i)\bunion\b\s+select\b']
func ParseRules(data []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("%w: no rules", ErrInvalidRules)
	}
	specs := make([]ruleSpec, 0, len(f.Rules))
	for _, r := range f.Rules {
		specs = append(specs, ruleSpec{r.Category, r.Severity, r.Targets, r.Patterns})
	}
	return compile(specs)
}

// LoadRules reads and compiles the rule table at path.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read threat rules: %w", err)
	}
	return ParseRules(data)
}
