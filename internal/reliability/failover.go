package reliability

import (
	"fmt"
	"strings"
)

// FailureStrategy is the explicit degrade policy applied when the quota read
// against the store fails or times out. It has no default; an unset strategy
// is a configuration error.
type FailureStrategy string

const (
	FailOpen   FailureStrategy = "fail_open"
	FailClosed FailureStrategy = "fail_closed"
)

func ParseStrategy(s string) (FailureStrategy, error) {
	switch FailureStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case FailOpen:
		return FailOpen, nil
	case FailClosed:
		return FailClosed, nil
	case "":
		return "", fmt.Errorf("degrade policy must be set to %q or %q", FailOpen, FailClosed)
	}
	return "", fmt.Errorf("unknown degrade policy %q", s)
}

func (s FailureStrategy) Valid() bool {
	return s == FailOpen || s == FailClosed
}

// ShouldAllow determines if we should proceed given an error and a strategy.
// An unrecognized strategy fails closed.
func ShouldAllow(strategy FailureStrategy, err error) bool {
	if err == nil {
		return true
	}
	return strategy == FailOpen
}
