package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wedding-dispatch/internal/models"
)

// ReserveQuota adds n to the counter's used total if, and only if, the result
// stays within limit. The check and the increment are one UPDATE statement.
func (s *Storage) ReserveQuota(ctx context.Context, tenantID string, ch models.Channel, periodStart time.Time, n, limit int) (bool, error) {
	period := toMillis(periodStart)
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO quota_counters (tenant_id, channel, period_start, used, committed, limit_count)
		 VALUES (?, ?, ?, 0, 0, ?)
		 ON CONFLICT(tenant_id, channel, period_start) DO UPDATE SET limit_count = excluded.limit_count`,
		tenantID, ch, period, limit); err != nil {
		return false, fmt.Errorf("failed to upsert quota counter: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE quota_counters SET used = used + ?
		 WHERE tenant_id = ? AND channel = ? AND period_start = ? AND used + ? <= limit_count`,
		n, tenantID, ch, period, n)
	if err != nil {
		return false, fmt.Errorf("failed to reserve quota: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ReleaseQuota returns n reserved units to the counter.
func (s *Storage) ReleaseQuota(ctx context.Context, tenantID string, ch models.Channel, periodStart time.Time, n int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE quota_counters SET used = MAX(used - ?, 0) WHERE tenant_id = ? AND channel = ? AND period_start = ?`,
		n, tenantID, ch, toMillis(periodStart))
	if err != nil {
		return fmt.Errorf("failed to release quota: %w", err)
	}
	return nil
}

// CommitQuota records n reserved units as confirmed sends.
func (s *Storage) CommitQuota(ctx context.Context, tenantID string, ch models.Channel, periodStart time.Time, n int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE quota_counters SET committed = MIN(committed + ?, used) WHERE tenant_id = ? AND channel = ? AND period_start = ?`,
		n, tenantID, ch, toMillis(periodStart))
	if err != nil {
		return fmt.Errorf("failed to commit quota: %w", err)
	}
	return nil
}

// GetQuotaCounter returns the counter for a period, ErrNotFound when nothing
// was reserved yet.
func (s *Storage) GetQuotaCounter(ctx context.Context, tenantID string, ch models.Channel, periodStart time.Time) (*models.QuotaCounter, error) {
	var (
		c      models.QuotaCounter
		period int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, channel, period_start, used, committed, limit_count FROM quota_counters
		 WHERE tenant_id = ? AND channel = ? AND period_start = ?`, tenantID, ch, toMillis(periodStart)).
		Scan(&c.TenantID, &c.Channel, &period, &c.Used, &c.Committed, &c.Limit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load quota counter: %w", err)
	}
	c.PeriodStart = fromMillis(period)
	return &c, nil
}
