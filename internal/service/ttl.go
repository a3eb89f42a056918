package service

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var ttlPattern = regexp.MustCompile(`^(\d+)([smhdwy])$`)

var ttlUnits = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
	"w": 7 * 24 * time.Hour,
	"y": 365 * 24 * time.Hour,
}

// ParseTTL parses token lifetimes such as "30d", "1h" or "2w".
func ParseTTL(s string) (time.Duration, error) {
	m := ttlPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: ttl %q must look like 30d, 12h, 2w", ErrInvalidArgument, s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: ttl %q must be positive", ErrInvalidArgument, s)
	}
	unit := ttlUnits[m[2]]
	if n > int64((100*365*24*time.Hour)/unit) {
		return 0, fmt.Errorf("%w: ttl %q is too long", ErrInvalidArgument, s)
	}
	return time.Duration(n) * unit, nil
}
