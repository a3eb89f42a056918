package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/raakeshmj/gatewarden/internal/db"
	"github.com/raakeshmj/gatewarden/internal/repository"
)

const tokenColumns = `id, name, description, token_hash, scopes, hourly_limit, daily_limit,
	usage_count, last_used_at, created_at, expires_at, is_active, revoked_at, revoke_reason`

func (s *Store) CreateToken(ctx context.Context, t *db.AccessToken) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO access_tokens (`+tokenColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Description, t.TokenHash, strings.Join(t.Scopes, ","),
		t.HourlyLimit, t.DailyLimit, t.UsageCount, toMillis(t.LastUsedAt),
		t.CreatedAt.UnixMilli(), t.ExpiresAt.UnixMilli(), t.IsActive,
		toMillis(t.RevokedAt), t.RevokeNote,
	)
	if err != nil && isUniqueViolation(err) {
		return repository.ErrDuplicate
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*db.AccessToken, error) {
	var (
		t                  db.AccessToken
		scopes             string
		lastUsed, revoked  sql.NullInt64
		createdAt, expires int64
	)
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.TokenHash, &scopes,
		&t.HourlyLimit, &t.DailyLimit, &t.UsageCount, &lastUsed, &createdAt,
		&expires, &t.IsActive, &revoked, &t.RevokeNote)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if scopes != "" {
		t.Scopes = strings.Split(scopes, ",")
	}
	t.LastUsedAt = fromMillis(lastUsed)
	t.RevokedAt = fromMillis(revoked)
	t.CreatedAt = time.UnixMilli(createdAt)
	t.ExpiresAt = time.UnixMilli(expires)
	return &t, nil
}

func (s *Store) GetTokenByHash(ctx context.Context, tokenHash string) (*db.AccessToken, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+tokenColumns+" FROM access_tokens WHERE token_hash = ?", tokenHash)
	return scanToken(row)
}

func (s *Store) GetToken(ctx context.Context, id string) (*db.AccessToken, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+tokenColumns+" FROM access_tokens WHERE id = ?", id)
	return scanToken(row)
}

func (s *Store) ListTokens(ctx context.Context) ([]*db.AccessToken, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+tokenColumns+" FROM access_tokens ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*db.AccessToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (s *Store) DeactivateToken(ctx context.Context, id, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE access_tokens SET is_active = 0, revoked_at = ?, revoke_reason = ? WHERE id = ? AND is_active = 1",
		at.UnixMilli(), reason, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either unknown or already inactive; only the former is an error.
		var exists int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM access_tokens WHERE id = ?", id).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			return repository.ErrNotFound
		}
	}
	return nil
}

func (s *Store) UpdateTokenExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	return s.execOne(ctx, "UPDATE access_tokens SET expires_at = ? WHERE id = ?", expiresAt.UnixMilli(), id)
}

func (s *Store) IncrementUsage(ctx context.Context, id string, delta int64, lastUsed time.Time) error {
	return s.execOne(ctx,
		"UPDATE access_tokens SET usage_count = usage_count + ?, last_used_at = MAX(COALESCE(last_used_at, 0), ?) WHERE id = ?",
		delta, lastUsed.UnixMilli(), id)
}

func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}
