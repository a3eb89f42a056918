package db

import (
	"strings"
	"time"
)

// Severity orders alerts and threat categories.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity maps a severity name to its value. Unknown names return 0, false.
func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return SeverityLow, true
	case "medium":
		return SeverityMedium, true
	case "high":
		return SeverityHigh, true
	case "critical":
		return SeverityCritical, true
	}
	return 0, false
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, ok := ParseSeverity(string(b))
	if !ok {
		*s = 0
		return nil
	}
	*s = v
	return nil
}

type AccessToken struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	TokenHash   string    `json:"-" db:"token_hash"` // SHA256 of the signed credential
	Scopes      []string  `json:"scopes" db:"scopes"`
	HourlyLimit int64     `json:"hourly_limit" db:"hourly_limit"`
	DailyLimit  int64     `json:"daily_limit" db:"daily_limit"`
	UsageCount  int64     `json:"usage_count" db:"usage_count"`
	LastUsedAt  time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	ExpiresAt   time.Time `json:"expires_at" db:"expires_at"`
	IsActive    bool      `json:"is_active" db:"is_active"`
	RevokedAt   time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	RevokeNote  string    `json:"revoke_reason,omitempty" db:"revoke_reason"`
}

// Expired reports whether the token is past its expiry. The boundary is
// exclusive: a token expiring exactly at now is expired.
func (t *AccessToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// HasScope reports whether scope was granted to the token.
func (t *AccessToken) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// UsageRecord is an append-only ledger entry for one authorized request.
type UsageRecord struct {
	TokenID        string    `json:"token_id,omitempty" db:"token_id"`
	Endpoint       string    `json:"endpoint" db:"endpoint"`
	Method         string    `json:"method" db:"method"`
	StatusCode     int       `json:"status_code" db:"status_code"`
	ResponseTimeMs int64     `json:"response_time_ms" db:"response_time_ms"`
	IP             string    `json:"ip" db:"ip"`
	UserAgent      string    `json:"user_agent" db:"user_agent"`
	Timestamp      time.Time `json:"timestamp" db:"timestamp"`
}

// BlockedIP is a ban record. A zero ExpiresAt marks a permanent, manually
// placed ban.
type BlockedIP struct {
	IP        string    `json:"ip" db:"ip"`
	Reason    string    `json:"reason" db:"reason"`
	BlockedAt time.Time `json:"blocked_at" db:"blocked_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty" db:"expires_at"`
	BlockedBy string    `json:"blocked_by" db:"blocked_by"` // "auto" or an admin identity
}

func (b *BlockedIP) Permanent() bool {
	return b.ExpiresAt.IsZero()
}

// Active reports whether the ban still applies at now.
func (b *BlockedIP) Active(now time.Time) bool {
	return b.Permanent() || now.Before(b.ExpiresAt)
}

type SecurityAlert struct {
	ID         string            `json:"id" db:"id"`
	EventType  string            `json:"event_type" db:"event_type"`
	Severity   Severity          `json:"severity" db:"severity"`
	Title      string            `json:"title" db:"title"`
	IP         string            `json:"ip,omitempty" db:"ip"`
	Details    map[string]string `json:"details,omitempty" db:"details"`
	Timestamp  time.Time         `json:"timestamp" db:"timestamp"`
	Delivered  bool              `json:"delivered" db:"delivered"`
	Suppressed string            `json:"suppressed,omitempty" db:"suppressed"` // cooldown, hourly_cap, queue_full
	Resolved   bool              `json:"resolved" db:"resolved"`
}
