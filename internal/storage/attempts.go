package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wedding-dispatch/internal/models"

	"github.com/google/uuid"
)

const attemptSelect = `SELECT id, guest_id, event_id, type, channel, template_id, status, error_kind, error_message,
	provider_message_id, created_at, sent_at FROM attempts`

// blockingClause matches attempts that make a new send a duplicate: anything
// SENT, or a PENDING attempt younger than the liveness cutoff.
const blockingClause = ` WHERE guest_id = ? AND type = ? AND (status = 'SENT' OR (status = 'PENDING' AND created_at > ?))`

// FindBlockingAttempt returns the attempt that currently blocks a send of
// msgType to the guest, or ErrNotFound when a send is allowed.
func (s *Storage) FindBlockingAttempt(ctx context.Context, guestID, msgType string, staleBefore time.Time) (*models.NotificationAttempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx,
		attemptSelect+blockingClause+` ORDER BY created_at DESC LIMIT 1`, guestID, msgType, toMillis(staleBefore)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	return a, nil
}

// ClaimAttempt atomically checks for a blocking attempt and, when there is
// none, inserts a as a new PENDING attempt. PENDING attempts older than
// staleBefore are marked FAILED in the same transaction. The returned id is
// the blocking attempt's id when the claim was refused, empty on success.
func (s *Storage) ClaimAttempt(ctx context.Context, a *models.NotificationAttempt, staleBefore time.Time) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT id FROM attempts`+blockingClause+` ORDER BY created_at DESC LIMIT 1`,
		a.GuestID, a.Type, toMillis(staleBefore)).Scan(&existing)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("failed to query attempts: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE attempts SET status = 'FAILED', error_kind = ?, error_message = ?
		 WHERE guest_id = ? AND type = ? AND status = 'PENDING' AND created_at <= ?`,
		models.KindTransient, "abandoned after liveness threshold", a.GuestID, a.Type, toMillis(staleBefore)); err != nil {
		return "", fmt.Errorf("failed to expire stale attempts: %w", err)
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Status = models.AttemptPending
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO attempts (id, guest_id, event_id, type, channel, template_id, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.GuestID, a.EventID, a.Type, a.Channel, a.TemplateID, a.Status, toMillis(a.CreatedAt)); err != nil {
		return "", fmt.Errorf("failed to insert attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit claim: %w", err)
	}
	return "", nil
}

// MarkAttemptSent performs the PENDING -> SENT transition.
func (s *Storage) MarkAttemptSent(ctx context.Context, id, providerMessageID string, sentAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET status = 'SENT', provider_message_id = ?, sent_at = ? WHERE id = ? AND status = 'PENDING'`,
		providerMessageID, toMillis(sentAt), id)
	if err != nil {
		return fmt.Errorf("failed to mark attempt sent: %w", err)
	}
	return expectOne(res, fmt.Errorf("attempt %s: %w", id, ErrInvalidTransition))
}

// MarkAttemptFailed performs the PENDING -> FAILED transition.
func (s *Storage) MarkAttemptFailed(ctx context.Context, id string, kind models.ErrorKind, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET status = 'FAILED', error_kind = ?, error_message = ? WHERE id = ? AND status = 'PENDING'`,
		kind, message, id)
	if err != nil {
		return fmt.Errorf("failed to mark attempt failed: %w", err)
	}
	return expectOne(res, fmt.Errorf("attempt %s: %w", id, ErrInvalidTransition))
}

// ListHeldGuests returns the guests of the event whose latest attempt of
// msgType failed with a kind that needs operator intervention, mapped to that
// kind.
func (s *Storage) ListHeldGuests(ctx context.Context, eventID, msgType string) (map[string]models.ErrorKind, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT guest_id, status, error_kind FROM attempts WHERE event_id = ? AND type = ? ORDER BY created_at, rowid`,
		eventID, msgType)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	type latest struct {
		status models.AttemptStatus
		kind   models.ErrorKind
	}
	last := make(map[string]latest)
	for rows.Next() {
		var (
			guestID string
			l       latest
		)
		if err := rows.Scan(&guestID, &l.status, &l.kind); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		last[guestID] = l
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	held := make(map[string]models.ErrorKind)
	for guestID, l := range last {
		if l.status == models.AttemptFailed && !l.kind.Retryable() {
			held[guestID] = l.kind
		}
	}
	return held, nil
}

// GetAttempt retrieves an attempt by id.
func (s *Storage) GetAttempt(ctx context.Context, id string) (*models.NotificationAttempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx, attemptSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attempt %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load attempt: %w", err)
	}
	return a, nil
}

// ListAttempts returns a guest's notification history, oldest first.
func (s *Storage) ListAttempts(ctx context.Context, guestID string) ([]models.NotificationAttempt, error) {
	rows, err := s.db.QueryContext(ctx, attemptSelect+` WHERE guest_id = ? ORDER BY created_at, id`, guestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var out []models.NotificationAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAttempt(row scanner) (*models.NotificationAttempt, error) {
	var (
		a       models.NotificationAttempt
		created int64
		sentAt  sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.GuestID, &a.EventID, &a.Type, &a.Channel, &a.TemplateID, &a.Status,
		&a.ErrorKind, &a.ErrorMessage, &a.ProviderMessageID, &created, &sentAt); err != nil {
		return nil, err
	}
	a.CreatedAt = fromMillis(created)
	if sentAt.Valid {
		t := fromMillis(sentAt.Int64)
		a.SentAt = &t
	}
	return &a, nil
}
