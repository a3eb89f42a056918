package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/raakeshmj/gatewarden/internal/db"
	"github.com/raakeshmj/gatewarden/internal/repository"
)

func (s *Store) AppendUsageRecord(ctx context.Context, rec *db.UsageRecord) error {
	var tokenID sql.NullString
	if rec.TokenID != "" {
		tokenID = sql.NullString{String: rec.TokenID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO usage_records
		(token_id, endpoint, method, status_code, response_time_ms, ip, user_agent, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tokenID, rec.Endpoint, rec.Method, rec.StatusCode, rec.ResponseTimeMs,
		rec.IP, rec.UserAgent, rec.Timestamp.UnixMilli())
	return err
}

func (s *Store) CountUsageSince(ctx context.Context, tokenID string, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM usage_records WHERE token_id = ? AND ts >= ?",
		tokenID, since.UnixMilli()).Scan(&n)
	return n, err
}

// PruneUsage deletes ledger rows older than before.
func (s *Store) PruneUsage(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM usage_records WHERE ts < ?", before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const banColumns = "ip, reason, blocked_at, expires_at, blocked_by"

func scanBan(row rowScanner) (*db.BlockedIP, error) {
	var (
		b         db.BlockedIP
		blockedAt int64
		expiresAt sql.NullInt64
	)
	if err := row.Scan(&b.IP, &b.Reason, &blockedAt, &expiresAt, &b.BlockedBy); err != nil {
		return nil, err
	}
	b.BlockedAt = time.UnixMilli(blockedAt)
	b.ExpiresAt = fromMillis(expiresAt)
	return &b, nil
}

func (s *Store) IsIPBlocked(ctx context.Context, ip string, now time.Time) (*db.BlockedIP, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+banColumns+" FROM blocked_ips WHERE ip = ? AND (expires_at IS NULL OR expires_at > ?)",
		ip, now.UnixMilli())
	b, err := scanBan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func (s *Store) BlockIP(ctx context.Context, ban *db.BlockedIP) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO blocked_ips (`+banColumns+`) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET reason = excluded.reason, blocked_at = excluded.blocked_at,
			expires_at = excluded.expires_at, blocked_by = excluded.blocked_by`,
		ban.IP, ban.Reason, ban.BlockedAt.UnixMilli(), toMillis(ban.ExpiresAt), ban.BlockedBy)
	return err
}

func (s *Store) UnblockIP(ctx context.Context, ip string) error {
	return s.execOne(ctx, "DELETE FROM blocked_ips WHERE ip = ?", ip)
}

func (s *Store) ListBlockedIPs(ctx context.Context, now time.Time) ([]*db.BlockedIP, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+banColumns+" FROM blocked_ips WHERE expires_at IS NULL OR expires_at > ? ORDER BY blocked_at DESC",
		now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*db.BlockedIP
	for rows.Next() {
		b, err := scanBan(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, b)
	}
	return list, rows.Err()
}

func (s *Store) CreateSecurityAlert(ctx context.Context, a *db.SecurityAlert) error {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO security_alerts
		(id, event_type, severity, title, ip, details, ts, delivered, suppressed, resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.EventType, a.Severity.String(), a.Title, a.IP, string(details),
		a.Timestamp.UnixMilli(), a.Delivered, a.Suppressed, a.Resolved)
	if err != nil && isUniqueViolation(err) {
		return repository.ErrDuplicate
	}
	return err
}

func (s *Store) ListSecurityAlerts(ctx context.Context, limit int) ([]*db.SecurityAlert, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, event_type, severity, title, ip, details, ts,
		delivered, suppressed, resolved FROM security_alerts ORDER BY ts DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*db.SecurityAlert
	for rows.Next() {
		var (
			a        db.SecurityAlert
			severity string
			details  string
			ts       int64
		)
		if err := rows.Scan(&a.ID, &a.EventType, &severity, &a.Title, &a.IP, &details, &ts,
			&a.Delivered, &a.Suppressed, &a.Resolved); err != nil {
			return nil, err
		}
		a.Severity, _ = db.ParseSeverity(severity)
		a.Timestamp = time.UnixMilli(ts)
		if details != "" {
			if err := json.Unmarshal([]byte(details), &a.Details); err != nil {
				return nil, err
			}
		}
		list = append(list, &a)
	}
	return list, rows.Err()
}
