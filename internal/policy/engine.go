package policy

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var ErrInvalidPolicy = errors.New("invalid route policy")

// Matcher defines criteria to apply a policy
type Matcher struct {
	Method string `json:"method,omitempty" yaml:"method,omitempty"` // "*" or specific
	Path   string `json:"path" yaml:"path"`                         // Prefix match
}

// Rules defines what to enforce
type Rules struct {
	AuthRequired  bool   `json:"auth_required" yaml:"auth_required"`
	RequiredScope string `json:"required_scope,omitempty" yaml:"required_scope,omitempty"`
}

// Policy is a named set of rules
type Policy struct {
	ID      string  `json:"id" yaml:"id"`
	Matcher Matcher `json:"matcher" yaml:"matcher"`
	Rules   Rules   `json:"rules" yaml:"rules"`
}

// Default applies when no policy matches: every unknown route needs a token.
var Default = Policy{ID: "default", Rules: Rules{AuthRequired: true}}

// Engine evaluates requests against policies
type Engine struct {
	mu       sync.RWMutex
	policies []Policy
}

func NewEngine() *Engine {
	return &Engine{
		policies: []Policy{},
	}
}

// LoadPolicies validates and replaces the current set
func (e *Engine) LoadPolicies(newPolicies []Policy) error {
	seen := make(map[string]bool, len(newPolicies))
	for _, p := range newPolicies {
		if p.ID == "" {
			return fmt.Errorf("%w: policy without id", ErrInvalidPolicy)
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidPolicy, p.ID)
		}
		seen[p.ID] = true
		if !strings.HasPrefix(p.Matcher.Path, "/") {
			return fmt.Errorf("%w: %s: path must start with /", ErrInvalidPolicy, p.ID)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies = append([]Policy(nil), newPolicies...)
	return nil
}

func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Policy(nil), e.policies...)
}

// Evaluate returns the matching policy with the longest path prefix. Ties go
// to the earlier policy. Without a match it returns Default.
func (e *Engine) Evaluate(r *http.Request) Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	best := -1
	for i := range e.policies {
		p := &e.policies[i]
		if !match(p.Matcher, r) {
			continue
		}
		if best < 0 || len(p.Matcher.Path) > len(e.policies[best].Matcher.Path) {
			best = i
		}
	}
	if best < 0 {
		return Default
	}
	return e.policies[best]
}

func match(m Matcher, r *http.Request) bool {
	// Method Match
	if m.Method != "" && m.Method != "*" && !strings.EqualFold(m.Method, r.Method) {
		return false
	}

	// Path Match (Prefix)
	return strings.HasPrefix(r.URL.Path, m.Path)
}

// LoadFile reads policies from a YAML file of the form
//
//	policies:
//	  - id: public
//	    matcher: {path: /api/public}
//	    rules: {auth_required: false}
func LoadFile(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policies: %w", err)
	}
	var f struct {
		Policies []Policy `yaml:"policies"`
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	return f.Policies, nil
}

// Defaults is the route table used when none is configured.
func Defaults() []Policy {
	return []Policy{
		{ID: "health", Matcher: Matcher{Path: "/health"}, Rules: Rules{AuthRequired: false}},
		{ID: "ready", Matcher: Matcher{Path: "/ready"}, Rules: Rules{AuthRequired: false}},
		{ID: "public", Matcher: Matcher{Path: "/api/public"}, Rules: Rules{AuthRequired: false}},
		{ID: "api-read", Matcher: Matcher{Method: http.MethodGet, Path: "/api"}, Rules: Rules{AuthRequired: true, RequiredScope: "read"}},
		{ID: "api-write", Matcher: Matcher{Method: "*", Path: "/api"}, Rules: Rules{AuthRequired: true, RequiredScope: "write"}},
	}
}
