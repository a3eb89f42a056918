package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raakeshmj/gatewarden/internal/db"
	"github.com/raakeshmj/gatewarden/internal/repository"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "gatewarden.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleToken(id, hash string, now time.Time) *db.AccessToken {
	return &db.AccessToken{
		ID:          id,
		Name:        "ci-bot",
		TokenHash:   hash,
		Scopes:      []string{"read", "write"},
		HourlyLimit: 1000,
		DailyLimit:  10000,
		CreatedAt:   now,
		ExpiresAt:   now.Add(30 * 24 * time.Hour),
		IsActive:    true,
	}
}

func TestTokenLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli())

	require.NoError(t, s.CreateToken(ctx, sampleToken("tok-1", "hash-1", now)))
	assert.ErrorIs(t, s.CreateToken(ctx, sampleToken("tok-2", "hash-1", now)), repository.ErrDuplicate)

	got, err := s.GetTokenByHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got.ID)
	assert.Equal(t, []string{"read", "write"}, got.Scopes)
	assert.True(t, got.IsActive)
	assert.True(t, got.LastUsedAt.IsZero())
	assert.True(t, got.ExpiresAt.Equal(now.Add(30*24*time.Hour)))

	_, err = s.GetTokenByHash(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, s.IncrementUsage(ctx, "tok-1", 2, now.Add(time.Minute)))
	require.NoError(t, s.IncrementUsage(ctx, "tok-1", 1, now))
	got, err = s.GetToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, got.UsageCount)
	assert.True(t, got.LastUsedAt.Equal(now.Add(time.Minute)), "last used never moves backwards")

	require.NoError(t, s.DeactivateToken(ctx, "tok-1", "leaked", now))
	require.NoError(t, s.DeactivateToken(ctx, "tok-1", "again", now.Add(time.Hour)))
	got, err = s.GetToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Equal(t, "leaked", got.RevokeNote)

	assert.ErrorIs(t, s.DeactivateToken(ctx, "nope", "", now), repository.ErrNotFound)
	assert.ErrorIs(t, s.UpdateTokenExpiry(ctx, "nope", now), repository.ErrNotFound)

	list, err := s.ListTokens(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestUsageCounting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendUsageRecord(ctx, &db.UsageRecord{
			TokenID:   "tok-1",
			Endpoint:  "/api/data",
			Method:    "GET",
			IP:        "1.2.3.4",
			Timestamp: now.Add(-time.Duration(i) * 20 * time.Minute),
		}))
	}
	// Unauthenticated traffic is logged without a token.
	require.NoError(t, s.AppendUsageRecord(ctx, &db.UsageRecord{Endpoint: "/", Method: "GET", IP: "5.6.7.8", Timestamp: now}))

	n, err := s.CountUsageSince(ctx, "tok-1", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)

	n, err = s.CountUsageSince(ctx, "tok-1", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	pruned, err := s.PruneUsage(ctx, now.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 3, pruned)
}

func TestBans(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli())

	require.NoError(t, s.BlockIP(ctx, &db.BlockedIP{
		IP: "10.0.0.5", Reason: "injection-sql", BlockedAt: now,
		ExpiresAt: now.Add(30 * time.Minute), BlockedBy: "auto",
	}))
	require.NoError(t, s.BlockIP(ctx, &db.BlockedIP{
		IP: "10.0.0.6", Reason: "manual", BlockedAt: now, BlockedBy: "admin",
	}))

	b, err := s.IsIPBlocked(ctx, "10.0.0.5", now)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "auto", b.BlockedBy)

	b, err = s.IsIPBlocked(ctx, "10.0.0.5", now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, b, "ban lapses at its expiry")

	b, err = s.IsIPBlocked(ctx, "10.0.0.6", now.Add(365*24*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.True(t, b.Permanent())

	// Re-blocking replaces the record.
	require.NoError(t, s.BlockIP(ctx, &db.BlockedIP{
		IP: "10.0.0.5", Reason: "renewed", BlockedAt: now.Add(time.Minute),
		ExpiresAt: now.Add(time.Hour), BlockedBy: "auto",
	}))
	list, err := s.ListBlockedIPs(ctx, now.Add(40*time.Minute))
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, s.UnblockIP(ctx, "10.0.0.6"))
	assert.ErrorIs(t, s.UnblockIP(ctx, "10.0.0.6"), repository.ErrNotFound)
}

func TestSecurityAlerts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli())

	for i, id := range []string{"a-1", "a-2", "a-3"} {
		a := &db.SecurityAlert{
			ID:        id,
			EventType: "ip_blocked",
			Severity:  db.SeverityHigh,
			Title:     "IP blocked",
			IP:        "10.0.0.5",
			Details:   map[string]string{"reason": "injection-sql"},
			Timestamp: now.Add(time.Duration(i) * time.Second),
		}
		if i == 0 {
			a.Delivered = true
		} else {
			a.Suppressed = "cooldown"
		}
		require.NoError(t, s.CreateSecurityAlert(ctx, a))
	}
	assert.ErrorIs(t, s.CreateSecurityAlert(ctx, &db.SecurityAlert{ID: "a-1", Timestamp: now}), repository.ErrDuplicate)

	list, err := s.ListSecurityAlerts(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a-3", list[0].ID)
	assert.Equal(t, db.SeverityHigh, list[0].Severity)
	assert.Equal(t, "cooldown", list[0].Suppressed)
	assert.Equal(t, "injection-sql", list[0].Details["reason"])

	all, err := s.ListSecurityAlerts(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.True(t, all[2].Delivered)
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gatewarden.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(context.Background()))
}
