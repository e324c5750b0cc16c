package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/threadline/threadline/errors"
)

// Limiter enforces quotas with a sliding window of consumption events.
// Each consumed unit is one row; the window count is the number of rows
// newer than now-window. Check and consume happen in one transaction so
// no request is partially consumed and concurrent requests from the same
// identifier cannot undercount.
type Limiter struct {
	db         *sql.DB
	proWallets map[string]bool
	timeNow    func() time.Time // Injectable for testing
}

// NewLimiter creates a rate limiter with real time
func NewLimiter(db *sql.DB, proWallets []string) *Limiter {
	return NewLimiterWithClock(db, proWallets, time.Now)
}

// NewLimiterWithClock creates a rate limiter with injectable clock (for testing)
func NewLimiterWithClock(db *sql.DB, proWallets []string, timeNow func() time.Time) *Limiter {
	pro := make(map[string]bool, len(proWallets))
	for _, w := range proWallets {
		pro[w] = true
	}
	return &Limiter{
		db:         db,
		proWallets: pro,
		timeNow:    timeNow,
	}
}

// ResolveIdentifier picks the quota key for a request: the authenticated
// wallet address when present, else the client IP.
func ResolveIdentifier(walletAddress, clientIP string) string {
	if walletAddress != "" {
		return walletAddress
	}
	return clientIP
}

// ResolveTier maps a wallet address to its usage tier. Allowlisted
// wallets are pro, any other wallet is free, no wallet is anonymous.
func (l *Limiter) ResolveTier(walletAddress string) Tier {
	if walletAddress == "" {
		return TierAnonymous
	}
	if l.proWallets[walletAddress] {
		return TierPro
	}
	return TierFree
}

// CheckAndConsume consumes one unit of quota for (identifier, category)
// if capacity remains. At the cap it returns the current Status alongside
// ErrQuotaExceeded without consuming anything, so callers can hand the
// remaining/reset metadata to clients.
func (l *Limiter) CheckAndConsume(ctx context.Context, identifier string, tier Tier, category Category) (*Status, error) {
	quota := QuotaFor(tier, category)
	now := l.timeNow().UTC()
	cutoff := now.Add(-quota.Window)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin rate limit transaction")
	}
	defer tx.Rollback()

	// Prune expired events while we hold the write lock
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rate_limit_events WHERE identifier = ? AND category = ? AND consumed_at <= ?`,
		identifier, string(category), cutoff.Format(time.RFC3339Nano)); err != nil {
		return nil, errors.Wrap(err, "failed to prune rate limit events")
	}

	status, err := windowStatus(ctx, tx, identifier, category, quota, now)
	if err != nil {
		return nil, err
	}

	if status.Current >= quota.Max {
		status.Remaining = 0
		if err := tx.Commit(); err != nil {
			return nil, errors.Wrap(err, "failed to commit rate limit prune")
		}
		rejection := errors.Newf("rate limit exceeded for %s: %d requests (limit: %d)",
			category, status.Current, quota.Max)
		rejection = errors.WithDetail(rejection, fmt.Sprintf("Resets at %s", status.ResetTime.Format(time.RFC3339)))
		return status, errors.Wrap(errors.ErrQuotaExceeded, rejection.Error())
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rate_limit_events (identifier, category, consumed_at) VALUES (?, ?, ?)`,
		identifier, string(category), now.Format(time.RFC3339Nano)); err != nil {
		return nil, errors.Wrap(err, "failed to record rate limit event")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit rate limit consume")
	}

	status.Current++
	status.Remaining = quota.Max - status.Current
	if status.Current == 1 {
		status.ResetTime = now.Add(quota.Window)
	}
	return status, nil
}

// StatusAll reports every category's window for an identifier without
// consuming quota. Used by the status endpoint for display.
func (l *Limiter) StatusAll(ctx context.Context, identifier string, tier Tier) ([]*Status, error) {
	now := l.timeNow().UTC()
	statuses := make([]*Status, 0, len(Categories))
	for _, category := range Categories {
		quota := QuotaFor(tier, category)
		status, err := windowStatus(ctx, l.db, identifier, category, quota, now)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func windowStatus(ctx context.Context, q querier, identifier string, category Category, quota Quota, now time.Time) (*Status, error) {
	cutoff := now.Add(-quota.Window)

	var current int
	var oldest sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(consumed_at)
		FROM rate_limit_events
		WHERE identifier = ? AND category = ? AND consumed_at > ?`,
		identifier, string(category), cutoff.Format(time.RFC3339Nano)).Scan(&current, &oldest)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to count rate limit events for %s/%s", identifier, category)
	}

	status := &Status{
		Category:  category,
		Current:   current,
		Max:       quota.Max,
		Remaining: quota.Max - current,
		ResetTime: now.Add(quota.Window),
	}
	if status.Remaining < 0 {
		status.Remaining = 0
	}
	if oldest.Valid {
		t, err := time.Parse(time.RFC3339Nano, oldest.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse rate limit window start for %s/%s", identifier, category)
		}
		// Window frees capacity when the oldest event in it expires
		status.ResetTime = t.Add(quota.Window)
	}
	return status, nil
}
