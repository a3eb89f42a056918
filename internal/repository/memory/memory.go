package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/raakeshmj/gatewarden/internal/db"
	"github.com/raakeshmj/gatewarden/internal/repository"
)

// maxAlerts bounds the alert log; the oldest entries go first.
const maxAlerts = 10000

type MemoryRepository struct {
	mu       sync.RWMutex
	tokens   map[string]*db.AccessToken // id -> token
	byHash   map[string]string          // tokenHash -> id
	usage    map[string][]*db.UsageRecord
	anon     []*db.UsageRecord
	bans     map[string]*db.BlockedIP
	alerts   []*db.SecurityAlert
	usageMax time.Duration
	alertMax int
}

func New() *MemoryRepository {
	return &MemoryRepository{
		tokens:   make(map[string]*db.AccessToken),
		byHash:   make(map[string]string),
		usage:    make(map[string][]*db.UsageRecord),
		bans:     make(map[string]*db.BlockedIP),
		usageMax: repository.UsageRetention,
		alertMax: maxAlerts,
	}
}

func copyToken(t *db.AccessToken) *db.AccessToken {
	c := *t
	c.Scopes = append([]string(nil), t.Scopes...)
	return &c
}

// Token Repo Implementation
func (r *MemoryRepository) CreateToken(ctx context.Context, token *db.AccessToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tokens[token.ID]; ok {
		return repository.ErrDuplicate
	}
	if _, ok := r.byHash[token.TokenHash]; ok {
		return repository.ErrDuplicate
	}
	r.tokens[token.ID] = copyToken(token)
	r.byHash[token.TokenHash] = token.ID
	return nil
}

func (r *MemoryRepository) GetTokenByHash(ctx context.Context, tokenHash string) (*db.AccessToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.byHash[tokenHash]; ok {
		return copyToken(r.tokens[id]), nil
	}
	return nil, repository.ErrNotFound
}

func (r *MemoryRepository) GetToken(ctx context.Context, id string) (*db.AccessToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tokens[id]; ok {
		return copyToken(t), nil
	}
	return nil, repository.ErrNotFound
}

func (r *MemoryRepository) ListTokens(ctx context.Context) ([]*db.AccessToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]*db.AccessToken, 0, len(r.tokens))
	for _, t := range r.tokens {
		list = append(list, copyToken(t))
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

func (r *MemoryRepository) DeactivateToken(ctx context.Context, id, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[id]
	if !ok {
		return repository.ErrNotFound
	}
	if !t.IsActive {
		return nil
	}
	t.IsActive = false
	t.RevokedAt = at
	t.RevokeNote = reason
	return nil
}

func (r *MemoryRepository) UpdateTokenExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[id]
	if !ok {
		return repository.ErrNotFound
	}
	t.ExpiresAt = expiresAt
	return nil
}

func (r *MemoryRepository) IncrementUsage(ctx context.Context, id string, delta int64, lastUsed time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[id]
	if !ok {
		return repository.ErrNotFound
	}
	t.UsageCount += delta
	if lastUsed.After(t.LastUsedAt) {
		t.LastUsedAt = lastUsed
	}
	return nil
}

// Usage Repo Implementation
func (r *MemoryRepository) AppendUsageRecord(ctx context.Context, rec *db.UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *rec
	if rec.TokenID == "" {
		r.anon = append(r.anon, &c)
		r.anon = trimRecords(r.anon, c.Timestamp.Add(-r.usageMax))
		return nil
	}
	list := append(r.usage[rec.TokenID], &c)
	r.usage[rec.TokenID] = trimRecords(list, c.Timestamp.Add(-r.usageMax))
	return nil
}

func trimRecords(list []*db.UsageRecord, cutoff time.Time) []*db.UsageRecord {
	i := 0
	for i < len(list) && list[i].Timestamp.Before(cutoff) {
		i++
	}
	if i == 0 {
		return list
	}
	return append(list[:0:0], list[i:]...)
}

func (r *MemoryRepository) CountUsageSince(ctx context.Context, tokenID string, since time.Time) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, rec := range r.usage[tokenID] {
		if !rec.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

// Ban Repo Implementation
func (r *MemoryRepository) IsIPBlocked(ctx context.Context, ip string, now time.Time) (*db.BlockedIP, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bans[ip]
	if !ok || !b.Active(now) {
		return nil, nil
	}
	c := *b
	return &c, nil
}

// BlockIP also drops bans that lapsed before the new one was placed.
func (r *MemoryRepository) BlockIP(ctx context.Context, ban *db.BlockedIP) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ip, b := range r.bans {
		if !b.Active(ban.BlockedAt) {
			delete(r.bans, ip)
		}
	}
	c := *ban
	r.bans[ban.IP] = &c
	return nil
}

func (r *MemoryRepository) UnblockIP(ctx context.Context, ip string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bans[ip]; !ok {
		return repository.ErrNotFound
	}
	delete(r.bans, ip)
	return nil
}

func (r *MemoryRepository) ListBlockedIPs(ctx context.Context, now time.Time) ([]*db.BlockedIP, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var list []*db.BlockedIP
	for _, b := range r.bans {
		if b.Active(now) {
			c := *b
			list = append(list, &c)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].BlockedAt.After(list[j].BlockedAt) })
	return list, nil
}

// Alert Repo Implementation
func (r *MemoryRepository) CreateSecurityAlert(ctx context.Context, alert *db.SecurityAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *alert
	if len(r.alerts) >= r.alertMax {
		r.alerts = append(r.alerts[:0], r.alerts[len(r.alerts)-r.alertMax+1:]...)
	}
	r.alerts = append(r.alerts, &c)
	return nil
}

// ListSecurityAlerts returns the newest alerts first.
func (r *MemoryRepository) ListSecurityAlerts(ctx context.Context, limit int) ([]*db.SecurityAlert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.alerts)
	if limit <= 0 || limit > n {
		limit = n
	}
	list := make([]*db.SecurityAlert, 0, limit)
	for i := n - 1; i >= 0 && len(list) < limit; i-- {
		c := *r.alerts[i]
		list = append(list, &c)
	}
	return list, nil
}

// Interface check
var _ repository.Store = (*MemoryRepository)(nil)
