package storage

import (
	"context"
	"database/sql"
	"fmt"

	"wedding-dispatch/internal/models"

	"github.com/google/uuid"
)

// CreateFlow validates and inserts an automation flow. An active flow whose
// trigger is already used by another active flow of the event is rejected
// with ErrTriggerInUse.
func (s *Storage) CreateFlow(ctx context.Context, f *models.AutomationFlow) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid flow: %w", err)
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Status == "" {
		f.Status = models.FlowActive
	}
	f.CreatedAt = s.now().UTC()

	var delay sql.NullInt64
	if f.DelayHours != nil {
		delay = sql.NullInt64{Int64: int64(*f.DelayHours), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flows (id, event_id, trigger_kind, action, channel, audience, delay_hours, custom_message, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.EventID, f.Trigger, f.Action, f.Channel, f.Audience, delay, f.CustomMessage, f.Status, toMillis(f.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("flow %s on %s: %w", f.Trigger, f.EventID, ErrTriggerInUse)
	}
	if err != nil {
		return fmt.Errorf("failed to create flow: %w", err)
	}
	return nil
}

// SetFlowStatus activates or deactivates a flow.
func (s *Storage) SetFlowStatus(ctx context.Context, id string, status models.FlowStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE flows SET status = ? WHERE id = ?`, status, id)
	if isUniqueViolation(err) {
		return fmt.Errorf("flow %s: %w", id, ErrTriggerInUse)
	}
	if err != nil {
		return fmt.Errorf("failed to update flow: %w", err)
	}
	return expectOne(res, fmt.Errorf("flow %s: %w", id, ErrNotFound))
}

// ListActiveFlows returns the active flows of an event.
func (s *Storage) ListActiveFlows(ctx context.Context, eventID string) ([]models.AutomationFlow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, trigger_kind, action, channel, audience, delay_hours, custom_message, status, created_at
		 FROM flows WHERE event_id = ? AND status = ? ORDER BY created_at, id`, eventID, models.FlowActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()

	var flows []models.AutomationFlow
	for rows.Next() {
		var (
			f       models.AutomationFlow
			delay   sql.NullInt64
			created int64
		)
		if err := rows.Scan(&f.ID, &f.EventID, &f.Trigger, &f.Action, &f.Channel, &f.Audience, &delay,
			&f.CustomMessage, &f.Status, &created); err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}
		if delay.Valid {
			h := int(delay.Int64)
			f.DelayHours = &h
		}
		f.CreatedAt = fromMillis(created)
		flows = append(flows, f)
	}
	return flows, rows.Err()
}
