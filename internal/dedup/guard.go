// Package dedup decides whether a message to a guest would duplicate one
// already sent or in flight, and owns the attempt log transitions.
package dedup

import (
	"context"
	"errors"
	"time"

	"wedding-dispatch/internal/models"
	"wedding-dispatch/internal/storage"

	"github.com/rs/zerolog"
)

// Store is the attempt log persistence the guard needs.
type Store interface {
	FindBlockingAttempt(ctx context.Context, guestID, msgType string, staleBefore time.Time) (*models.NotificationAttempt, error)
	ClaimAttempt(ctx context.Context, a *models.NotificationAttempt, staleBefore time.Time) (string, error)
	MarkAttemptSent(ctx context.Context, id, providerMessageID string, sentAt time.Time) error
	MarkAttemptFailed(ctx context.Context, id string, kind models.ErrorKind, message string) error
}

// Decision is the guard's verdict. When Allow is false, ExistingAttemptID
// names the attempt that makes the send a duplicate.
type Decision struct {
	Allow             bool
	ExistingAttemptID string
}

// Guard dedupes by (guest, message type). The channel is recorded on the
// attempt but does not separate identities: a guest invited over WhatsApp is
// not invited again over SMS.
type Guard struct {
	store    Store
	liveness time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewGuard creates a guard. PENDING attempts older than liveness are treated
// as abandoned and may be superseded.
func NewGuard(store Store, liveness time.Duration, log zerolog.Logger) *Guard {
	return &Guard{
		store:    store,
		liveness: liveness,
		now:      time.Now,
		log:      log.With().Str("component", "dedup").Logger(),
	}
}

// SetClock overrides the time source.
func (g *Guard) SetClock(now func() time.Time) { g.now = now }

func (g *Guard) staleBefore() time.Time {
	return g.now().Add(-g.liveness)
}

// ShouldSend is the read-only check. It is advisory; Claim is the atomic
// decision.
func (g *Guard) ShouldSend(ctx context.Context, guestID, msgType string, ch models.Channel) (Decision, error) {
	existing, err := g.store.FindBlockingAttempt(ctx, guestID, msgType, g.staleBefore())
	if errors.Is(err, storage.ErrNotFound) {
		return Decision{Allow: true}, nil
	}
	if err != nil {
		return Decision{}, err
	}
	return Decision{ExistingAttemptID: existing.ID}, nil
}

// Claim atomically checks for a blocking attempt and records a as a new
// PENDING attempt when there is none. On Allow, a carries the new id.
func (g *Guard) Claim(ctx context.Context, a *models.NotificationAttempt) (Decision, error) {
	a.CreatedAt = g.now().UTC()
	existing, err := g.store.ClaimAttempt(ctx, a, g.staleBefore())
	if err != nil {
		return Decision{}, err
	}
	if existing != "" {
		g.log.Debug().
			Str("guest", a.GuestID).
			Str("type", a.Type).
			Str("existing", existing).
			Msg("Duplicate send skipped")
		return Decision{ExistingAttemptID: existing}, nil
	}
	return Decision{Allow: true}, nil
}

// MarkSent records the provider-confirmed outcome.
func (g *Guard) MarkSent(ctx context.Context, attemptID, providerMessageID string) error {
	return g.store.MarkAttemptSent(ctx, attemptID, providerMessageID, g.now().UTC())
}

// MarkFailed records a failed outcome with its normalized kind.
func (g *Guard) MarkFailed(ctx context.Context, attemptID string, kind models.ErrorKind, message string) error {
	return g.store.MarkAttemptFailed(ctx, attemptID, kind, message)
}
