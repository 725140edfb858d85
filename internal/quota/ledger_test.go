package quota

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wedding-dispatch/internal/models"
	"wedding-dispatch/internal/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticLimits map[models.Channel]int

func (s staticLimits) LimitFor(ctx context.Context, tenantID string, ch models.Channel) (int, error) {
	return s[ch], nil
}

func newSQLCounter(t *testing.T) (*SQLCounter, *storage.Storage) {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "quota.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewSQLCounter(store), store
}

func newRedisCounter(t *testing.T) *RedisCounter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCounter(client, "test-quota", time.Hour)
}

// backends runs fn against every counter implementation.
func backends(t *testing.T, fn func(t *testing.T, counter Counter)) {
	t.Run("sql", func(t *testing.T) {
		counter, _ := newSQLCounter(t)
		fn(t, counter)
	})
	t.Run("redis", func(t *testing.T) {
		fn(t, newRedisCounter(t))
	})
}

func TestMonthlyPeriod(t *testing.T) {
	got := MonthlyPeriod(time.Date(2026, time.March, 17, 22, 30, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestLedger_AuthorizeCommitRelease(t *testing.T) {
	backends(t, func(t *testing.T, counter Counter) {
		ctx := context.Background()
		ledger := NewLedger(staticLimits{models.ChannelSMS: 2}, counter, zerolog.Nop())

		first, err := ledger.Authorize(ctx, "tenant-1", models.ChannelSMS, 1)
		require.NoError(t, err)
		second, err := ledger.Authorize(ctx, "tenant-1", models.ChannelSMS, 1)
		require.NoError(t, err)

		_, err = ledger.Authorize(ctx, "tenant-1", models.ChannelSMS, 1)
		var denied *Denied
		require.True(t, errors.As(err, &denied))
		assert.Equal(t, ReasonLimitExceeded, denied.Reason)
		assert.Equal(t, 2, denied.Limit)

		require.NoError(t, ledger.Commit(ctx, first))
		require.NoError(t, ledger.Release(ctx, second))
		assert.ErrorIs(t, ledger.Release(ctx, second), ErrSettled)
		assert.ErrorIs(t, ledger.Commit(ctx, first), ErrSettled)

		usage, err := ledger.Usage(ctx, "tenant-1", models.ChannelSMS)
		require.NoError(t, err)
		assert.Equal(t, 1, usage.Used)
		assert.Equal(t, 1, usage.Committed)
		assert.Equal(t, 2, usage.Limit)

		// Released units are available again.
		_, err = ledger.Authorize(ctx, "tenant-1", models.ChannelSMS, 1)
		assert.NoError(t, err)
	})
}

func TestLedger_ReleaseRestoresUsed(t *testing.T) {
	backends(t, func(t *testing.T, counter Counter) {
		ctx := context.Background()
		ledger := NewLedger(staticLimits{models.ChannelVoice: 10}, counter, zerolog.Nop())

		r, err := ledger.Authorize(ctx, "tenant-1", models.ChannelVoice, 1)
		require.NoError(t, err)
		require.NoError(t, ledger.Commit(ctx, r))

		before, err := ledger.Usage(ctx, "tenant-1", models.ChannelVoice)
		require.NoError(t, err)

		r, err = ledger.Authorize(ctx, "tenant-1", models.ChannelVoice, 1)
		require.NoError(t, err)
		require.NoError(t, ledger.Release(ctx, r))

		after, err := ledger.Usage(ctx, "tenant-1", models.ChannelVoice)
		require.NoError(t, err)
		assert.Equal(t, before.Used, after.Used)
	})
}

func TestLedger_UnlimitedAndDisabled(t *testing.T) {
	backends(t, func(t *testing.T, counter Counter) {
		ctx := context.Background()
		ledger := NewLedger(staticLimits{models.ChannelWhatsApp: Unlimited}, counter, zerolog.Nop())

		for i := 0; i < 5; i++ {
			r, err := ledger.Authorize(ctx, "tenant-1", models.ChannelWhatsApp, 1)
			require.NoError(t, err)
			assert.True(t, r.Unlimited)
			require.NoError(t, ledger.Commit(ctx, r))
		}
		usage, err := ledger.Usage(ctx, "tenant-1", models.ChannelWhatsApp)
		require.NoError(t, err)
		assert.Zero(t, usage.Used)
		assert.Equal(t, Unlimited, usage.Limit)

		_, err = ledger.Authorize(ctx, "tenant-1", models.ChannelVoice, 1)
		var denied *Denied
		require.True(t, errors.As(err, &denied))
		assert.Equal(t, ReasonChannelDisabled, denied.Reason)
	})
}

func TestLedger_PeriodRollover(t *testing.T) {
	backends(t, func(t *testing.T, counter Counter) {
		ctx := context.Background()
		ledger := NewLedger(staticLimits{models.ChannelSMS: 1}, counter, zerolog.Nop())
		now := time.Date(2026, time.January, 31, 23, 0, 0, 0, time.UTC)
		ledger.SetClock(func() time.Time { return now })

		_, err := ledger.Authorize(ctx, "tenant-1", models.ChannelSMS, 1)
		require.NoError(t, err)
		_, err = ledger.Authorize(ctx, "tenant-1", models.ChannelSMS, 1)
		require.Error(t, err)

		now = now.Add(2 * time.Hour)
		_, err = ledger.Authorize(ctx, "tenant-1", models.ChannelSMS, 1)
		assert.NoError(t, err)
	})
}

func TestLedger_ConcurrentAuthorizeNeverOvercommits(t *testing.T) {
	const limit = 25

	backends(t, func(t *testing.T, counter Counter) {
		ledger := NewLedger(staticLimits{models.ChannelSMS: limit}, counter, zerolog.Nop())

		var (
			wg      sync.WaitGroup
			granted atomic.Int32
			denied  atomic.Int32
		)
		for i := 0; i < limit+1; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := ledger.Authorize(context.Background(), "tenant-1", models.ChannelSMS, 1)
				var d *Denied
				switch {
				case err == nil:
					granted.Add(1)
				case errors.As(err, &d):
					denied.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(limit), granted.Load())
		assert.Equal(t, int32(1), denied.Load())
	})
}

func TestPlanTiers_LimitFor(t *testing.T) {
	_, store := newSQLCounter(t)
	ctx := context.Background()
	require.NoError(t, store.CreateTenant(ctx, models.Tenant{ID: "basic-tenant", Plan: "basic"}))
	require.NoError(t, store.CreateTenant(ctx, models.Tenant{ID: "legacy-tenant", Plan: "legacy"}))

	tiers := &PlanTiers{
		Tenants: store,
		Plans: map[string]map[models.Channel]int{
			"basic":   {models.ChannelWhatsApp: 200, models.ChannelSMS: 50},
			"premium": {models.ChannelWhatsApp: Unlimited},
		},
		DefaultPlan: "basic",
	}

	limit, err := tiers.LimitFor(ctx, "basic-tenant", models.ChannelSMS)
	require.NoError(t, err)
	assert.Equal(t, 50, limit)

	limit, err = tiers.LimitFor(ctx, "basic-tenant", models.ChannelVoice)
	require.NoError(t, err)
	assert.Zero(t, limit)

	limit, err = tiers.LimitFor(ctx, "legacy-tenant", models.ChannelWhatsApp)
	require.NoError(t, err)
	assert.Equal(t, 200, limit)

	_, err = tiers.LimitFor(ctx, "missing", models.ChannelSMS)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
