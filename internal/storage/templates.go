package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"wedding-dispatch/internal/models"

	"github.com/google/uuid"
)

const templateSelect = `SELECT id, event_id, channel, type, style, locale, name, body, content_sid, status, active,
	rejection_reason, created_at, updated_at FROM templates`

// CreateTemplate inserts a template, assigning an id when empty.
func (s *Storage) CreateTemplate(ctx context.Context, t *models.MessageTemplate) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := s.now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO templates (id, event_id, channel, type, style, locale, name, body, content_sid, status, active,
		 rejection_reason, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.EventID, t.Channel, t.Type, t.Style, t.Locale, t.Name, t.Body, t.ContentSID, t.Status,
		boolInt(t.Active), t.RejectionReason, toMillis(now), toMillis(now))
	if err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

// GetTemplate retrieves a template by id.
func (s *Storage) GetTemplate(ctx context.Context, id string) (*models.MessageTemplate, error) {
	t, err := scanTemplate(s.db.QueryRowContext(ctx, templateSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load template: %w", err)
	}
	return t, nil
}

// ListActiveTemplates returns the active templates bound to (channel, type,
// style) in the given scope. An empty eventID selects global defaults.
func (s *Storage) ListActiveTemplates(ctx context.Context, channel models.Channel, msgType, style, eventID string) ([]models.MessageTemplate, error) {
	rows, err := s.db.QueryContext(ctx,
		templateSelect+` WHERE channel = ? AND type = ? AND style = ? AND event_id = ? AND active = 1 ORDER BY locale, id`,
		channel, msgType, style, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	var out []models.MessageTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ListTemplatesByStatus returns every template in the given approval state.
func (s *Storage) ListTemplatesByStatus(ctx context.Context, status models.TemplateStatus) ([]models.MessageTemplate, error) {
	rows, err := s.db.QueryContext(ctx, templateSelect+` WHERE status = ? ORDER BY id`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	var out []models.MessageTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// TransitionTemplate moves a template from one approval state to another as a
// single conditional update. contentSID and reason are written when non-empty.
// ErrInvalidTransition is returned when the template is no longer in from.
func (s *Storage) TransitionTemplate(ctx context.Context, id string, from, to models.TemplateStatus, contentSID, reason string) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("template %s %s -> %s: %w", id, from, to, ErrInvalidTransition)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE templates SET status = ?,
			content_sid = CASE WHEN ? <> '' THEN ? ELSE content_sid END,
			rejection_reason = ?,
			updated_at = ?
		 WHERE id = ? AND status = ?`,
		to, contentSID, contentSID, reason, toMillis(s.now().UTC()), id, from)
	if err != nil {
		return fmt.Errorf("failed to update template status: %w", err)
	}
	return expectOne(res, fmt.Errorf("template %s not in %s: %w", id, from, ErrInvalidTransition))
}

// ActivateTemplate marks the template active and clears the flag on every
// other template with the same binding and scope, in one transaction.
func (s *Storage) ActivateTemplate(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	t, err := scanTemplate(tx.QueryRowContext(ctx, templateSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load template: %w", err)
	}

	now := toMillis(s.now().UTC())
	if _, err := tx.ExecContext(ctx,
		`UPDATE templates SET active = 0, updated_at = ?
		 WHERE channel = ? AND type = ? AND style = ? AND locale = ? AND event_id = ? AND id <> ? AND active = 1`,
		now, t.Channel, t.Type, t.Style, t.Locale, t.EventID, t.ID); err != nil {
		return fmt.Errorf("failed to clear active templates: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE templates SET active = 1, updated_at = ? WHERE id = ?`, now, t.ID); err != nil {
		return fmt.Errorf("failed to activate template: %w", err)
	}
	return tx.Commit()
}

// RebindTemplate moves a template to a new (type, style) binding and
// deactivates it. Attempts already logged keep the type they were sent under.
func (s *Storage) RebindTemplate(ctx context.Context, id, msgType, style string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE templates SET type = ?, style = ?, active = 0, updated_at = ? WHERE id = ?`,
		msgType, style, toMillis(s.now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to rebind template: %w", err)
	}
	return expectOne(res, fmt.Errorf("template %s: %w", id, ErrNotFound))
}

func scanTemplate(row scanner) (*models.MessageTemplate, error) {
	var (
		t                  models.MessageTemplate
		active             int
		created, updatedAt int64
	)
	if err := row.Scan(&t.ID, &t.EventID, &t.Channel, &t.Type, &t.Style, &t.Locale, &t.Name, &t.Body,
		&t.ContentSID, &t.Status, &active, &t.RejectionReason, &created, &updatedAt); err != nil {
		return nil, err
	}
	t.Active = active == 1
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updatedAt)
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
