package quota

import (
	"context"
	"errors"
	"time"

	"wedding-dispatch/internal/models"
	"wedding-dispatch/internal/storage"
)

// SQLCounter keeps counters in the relational store.
type SQLCounter struct {
	store *storage.Storage
}

func NewSQLCounter(store *storage.Storage) *SQLCounter {
	return &SQLCounter{store: store}
}

func (c *SQLCounter) Reserve(ctx context.Context, tenantID string, ch models.Channel, period time.Time, n, limit int) (bool, error) {
	return c.store.ReserveQuota(ctx, tenantID, ch, period, n, limit)
}

func (c *SQLCounter) Release(ctx context.Context, tenantID string, ch models.Channel, period time.Time, n int) error {
	return c.store.ReleaseQuota(ctx, tenantID, ch, period, n)
}

func (c *SQLCounter) Commit(ctx context.Context, tenantID string, ch models.Channel, period time.Time, n int) error {
	return c.store.CommitQuota(ctx, tenantID, ch, period, n)
}

func (c *SQLCounter) Get(ctx context.Context, tenantID string, ch models.Channel, period time.Time) (models.QuotaCounter, error) {
	counter, err := c.store.GetQuotaCounter(ctx, tenantID, ch, period)
	if errors.Is(err, storage.ErrNotFound) {
		return models.QuotaCounter{TenantID: tenantID, Channel: ch, PeriodStart: period}, nil
	}
	if err != nil {
		return models.QuotaCounter{}, err
	}
	return *counter, nil
}
