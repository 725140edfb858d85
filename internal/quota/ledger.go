// Package quota enforces per-tenant, per-channel send allowances over a
// billing period with a reserve, commit or release protocol.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wedding-dispatch/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DeniedReason explains why Authorize refused a reservation.
type DeniedReason string

const (
	ReasonLimitExceeded   DeniedReason = "LIMIT_EXCEEDED"
	ReasonChannelDisabled DeniedReason = "CHANNEL_DISABLED"
)

// Unlimited is the plan limit that disables counting for a channel.
const Unlimited = -1

// Denied is returned by Authorize when the tenant may not send.
type Denied struct {
	Reason   DeniedReason
	TenantID string
	Channel  models.Channel
	Limit    int
}

func (d *Denied) Error() string {
	return fmt.Sprintf("quota denied for tenant %s on %s: %s (limit %d)", d.TenantID, d.Channel, d.Reason, d.Limit)
}

// ErrSettled is returned when a reservation is committed or released twice.
var ErrSettled = errors.New("reservation already settled")

// Reservation is a provisional quota decrement. It must be committed after a
// confirmed send or released when the send fails.
type Reservation struct {
	ID          string
	TenantID    string
	Channel     models.Channel
	PeriodStart time.Time
	N           int
	Unlimited   bool

	settled bool
}

// Limits maps a tenant to its per-period limit on a channel. Unlimited means
// no counting, zero means the channel is not part of the plan.
type Limits interface {
	LimitFor(ctx context.Context, tenantID string, ch models.Channel) (int, error)
}

// Counter is the atomic counter backend.
type Counter interface {
	// Reserve adds n to used iff used+n stays within limit, in one atomic step.
	Reserve(ctx context.Context, tenantID string, ch models.Channel, period time.Time, n, limit int) (bool, error)
	Release(ctx context.Context, tenantID string, ch models.Channel, period time.Time, n int) error
	Commit(ctx context.Context, tenantID string, ch models.Channel, period time.Time, n int) error
	Get(ctx context.Context, tenantID string, ch models.Channel, period time.Time) (models.QuotaCounter, error)
}

// MonthlyPeriod returns the start of the calendar month (UTC) containing t.
func MonthlyPeriod(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

type Ledger struct {
	limits  Limits
	counter Counter
	period  func(time.Time) time.Time
	now     func() time.Time
	log     zerolog.Logger
}

// NewLedger creates a ledger over the given limits and counter backend using
// monthly billing periods.
func NewLedger(limits Limits, counter Counter, log zerolog.Logger) *Ledger {
	return &Ledger{
		limits:  limits,
		counter: counter,
		period:  MonthlyPeriod,
		now:     time.Now,
		log:     log.With().Str("component", "quota").Logger(),
	}
}

// SetClock overrides the time source.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// SetPeriod overrides the billing period definition.
func (l *Ledger) SetPeriod(period func(time.Time) time.Time) { l.period = period }

// Authorize reserves n sends for the tenant on the channel. A refusal is
// returned as *Denied.
func (l *Ledger) Authorize(ctx context.Context, tenantID string, ch models.Channel, n int) (*Reservation, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid reservation size %d", n)
	}
	limit, err := l.limits.LimitFor(ctx, tenantID, ch)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve quota limit: %w", err)
	}

	r := &Reservation{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Channel:     ch,
		PeriodStart: l.period(l.now()),
		N:           n,
	}

	switch {
	case limit < 0:
		r.Unlimited = true
		return r, nil
	case limit == 0:
		return nil, &Denied{Reason: ReasonChannelDisabled, TenantID: tenantID, Channel: ch}
	}

	ok, err := l.counter.Reserve(ctx, tenantID, ch, r.PeriodStart, n, limit)
	if err != nil {
		return nil, err
	}
	if !ok {
		l.log.Warn().Str("tenant", tenantID).Str("channel", string(ch)).Int("limit", limit).Msg("Quota exhausted")
		return nil, &Denied{Reason: ReasonLimitExceeded, TenantID: tenantID, Channel: ch, Limit: limit}
	}
	return r, nil
}

// Commit finalizes a reservation after a confirmed send.
func (l *Ledger) Commit(ctx context.Context, r *Reservation) error {
	if r.settled {
		return ErrSettled
	}
	r.settled = true
	if r.Unlimited {
		return nil
	}
	return l.counter.Commit(ctx, r.TenantID, r.Channel, r.PeriodStart, r.N)
}

// Release returns a reservation's units to the allowance.
func (l *Ledger) Release(ctx context.Context, r *Reservation) error {
	if r.settled {
		return ErrSettled
	}
	r.settled = true
	if r.Unlimited {
		return nil
	}
	return l.counter.Release(ctx, r.TenantID, r.Channel, r.PeriodStart, r.N)
}

// Usage reports the tenant's counter for the current period. Limit carries
// the plan limit, -1 for unlimited.
func (l *Ledger) Usage(ctx context.Context, tenantID string, ch models.Channel) (models.QuotaCounter, error) {
	limit, err := l.limits.LimitFor(ctx, tenantID, ch)
	if err != nil {
		return models.QuotaCounter{}, fmt.Errorf("failed to resolve quota limit: %w", err)
	}
	c, err := l.counter.Get(ctx, tenantID, ch, l.period(l.now()))
	if err != nil {
		return models.QuotaCounter{}, err
	}
	c.Limit = limit
	return c, nil
}
