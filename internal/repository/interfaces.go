package repository

import (
	"context"
	"errors"
	"time"

	"github.com/raakeshmj/gatewarden/internal/db"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate record")
)

type TokenRepository interface {
	CreateToken(ctx context.Context, token *db.AccessToken) error
	GetTokenByHash(ctx context.Context, tokenHash string) (*db.AccessToken, error)
	GetToken(ctx context.Context, id string) (*db.AccessToken, error)
	ListTokens(ctx context.Context) ([]*db.AccessToken, error)
	// DeactivateToken marks the token inactive. Deactivating an inactive token
	// is not an error.
	DeactivateToken(ctx context.Context, id, reason string, at time.Time) error
	UpdateTokenExpiry(ctx context.Context, id string, expiresAt time.Time) error
	IncrementUsage(ctx context.Context, id string, delta int64, lastUsed time.Time) error
}

type UsageRepository interface {
	AppendUsageRecord(ctx context.Context, rec *db.UsageRecord) error
	// CountUsageSince counts ledger entries for tokenID with Timestamp >= since.
	CountUsageSince(ctx context.Context, tokenID string, since time.Time) (int64, error)
}

// UsageRetention is how long ledger entries are kept: the daily window plus
// slack.
const UsageRetention = 25 * time.Hour

// Pruner is implemented by stores whose usage ledger does not expire on its
// own.
type Pruner interface {
	PruneUsage(ctx context.Context, before time.Time) (int64, error)
}

type BanRepository interface {
	// IsIPBlocked returns the active ban for ip, or nil when none applies at now.
	IsIPBlocked(ctx context.Context, ip string, now time.Time) (*db.BlockedIP, error)
	BlockIP(ctx context.Context, ban *db.BlockedIP) error
	UnblockIP(ctx context.Context, ip string) error
	ListBlockedIPs(ctx context.Context, now time.Time) ([]*db.BlockedIP, error)
}

type AlertRepository interface {
	CreateSecurityAlert(ctx context.Context, alert *db.SecurityAlert) error
	ListSecurityAlerts(ctx context.Context, limit int) ([]*db.SecurityAlert, error)
}

// Store is the full persistence collaborator.
type Store interface {
	TokenRepository
	UsageRepository
	BanRepository
	AlertRepository
}

type combined struct {
	TokenRepository
	UsageRepository
	BanRepository
	AlertRepository
}

// Combine assembles a Store from independent backends, e.g. tokens in SQLite
// with the usage ledger and ban list on Redis.
func Combine(t TokenRepository, u UsageRepository, b BanRepository, a AlertRepository) Store {
	return combined{TokenRepository: t, UsageRepository: u, BanRepository: b, AlertRepository: a}
}
