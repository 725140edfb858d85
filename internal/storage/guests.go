package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"wedding-dispatch/internal/models"

	"github.com/google/uuid"
)

// CreateTenant inserts or updates a tenant's plan.
func (s *Storage) CreateTenant(ctx context.Context, t models.Tenant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, plan) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET plan = excluded.plan`,
		t.ID, t.Plan)
	if err != nil {
		return fmt.Errorf("failed to save tenant: %w", err)
	}
	return nil
}

// GetTenant retrieves a tenant by id.
func (s *Storage) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	var t models.Tenant
	err := s.db.QueryRowContext(ctx, `SELECT id, plan FROM tenants WHERE id = ?`, id).Scan(&t.ID, &t.Plan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant: %w", err)
	}
	return &t, nil
}

// CreateEvent inserts an event, assigning an id when empty.
func (s *Storage) CreateEvent(ctx context.Context, e *models.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, tenant_id, name, starts_at, location, hosts, channels) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.Name, toMillis(e.StartsAt), e.Location, e.Hosts, joinChannels(e.EnabledChannels))
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}
	return nil
}

// GetEvent retrieves an event by id.
func (s *Storage) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, starts_at, location, hosts, channels FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event: %w", err)
	}
	return e, nil
}

// SetEventChannels replaces the event's enabled channel flags.
func (s *Storage) SetEventChannels(ctx context.Context, eventID string, channels []models.Channel) error {
	res, err := s.db.ExecContext(ctx, `UPDATE events SET channels = ? WHERE id = ?`, joinChannels(channels), eventID)
	if err != nil {
		return fmt.Errorf("failed to update event channels: %w", err)
	}
	return expectOne(res, fmt.Errorf("event %s: %w", eventID, ErrNotFound))
}

// ListEventsWithActiveFlows returns the ids of events that have at least one
// active automation flow.
func (s *Storage) ListEventsWithActiveFlows(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT event_id FROM flows WHERE status = ? ORDER BY event_id`, models.FlowActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddGuest adds a new guest. The phone number must already be normalized;
// a second guest of the same event with the same number is rejected with
// ErrDuplicatePhone rather than merged.
func (s *Storage) AddGuest(ctx context.Context, guest *models.Guest) error {
	if guest.ID == "" {
		guest.ID = uuid.NewString()
	}
	if guest.InvitedDate.IsZero() {
		guest.InvitedDate = s.now().UTC()
	}
	if guest.RSVPStatus == "" {
		guest.RSVPStatus = models.RSVPPending
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guests (id, event_id, name, phone, email, locale, rsvp_status, rsvp_date, invited_date, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		guest.ID, guest.EventID, guest.Name, guest.PhoneNumber, guest.Email, guest.Locale,
		guest.RSVPStatus, toMillis(guest.RSVPDate), toMillis(guest.InvitedDate), guest.Notes)
	if isUniqueViolation(err) {
		return fmt.Errorf("guest %s (%s): %w", guest.Name, guest.PhoneNumber, ErrDuplicatePhone)
	}
	if err != nil {
		return fmt.Errorf("failed to add guest: %w", err)
	}
	return nil
}

// GetGuest retrieves a guest by id
func (s *Storage) GetGuest(ctx context.Context, id string) (*models.Guest, error) {
	row := s.db.QueryRowContext(ctx, guestSelect+` WHERE id = ?`, id)
	g, err := scanGuest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("guest %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load guest: %w", err)
	}
	return g, nil
}

// GetGuestsByPhone returns every guest, across events, with the normalized
// number. Most recent invitation first.
func (s *Storage) GetGuestsByPhone(ctx context.Context, phoneNumber string) ([]models.Guest, error) {
	return s.queryGuests(ctx, guestSelect+` WHERE phone = ? ORDER BY invited_date DESC`, phoneNumber)
}

// ListGuests returns all guests of an event
func (s *Storage) ListGuests(ctx context.Context, eventID string) ([]models.Guest, error) {
	return s.queryGuests(ctx, guestSelect+` WHERE event_id = ? ORDER BY invited_date, id`, eventID)
}

// ListGuestsByStatus returns the event's guests filtered by RSVP status
func (s *Storage) ListGuestsByStatus(ctx context.Context, eventID string, status models.RSVPStatus) ([]models.Guest, error) {
	return s.queryGuests(ctx, guestSelect+` WHERE event_id = ? AND rsvp_status = ? ORDER BY invited_date, id`, eventID, status)
}

// RecordRSVP updates the RSVP status for a guest
func (s *Storage) RecordRSVP(ctx context.Context, guestID string, status models.RSVPStatus, notes string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE guests SET rsvp_status = ?, rsvp_date = ?, notes = CASE WHEN ? <> '' THEN ? ELSE notes END WHERE id = ?`,
		status, toMillis(s.now().UTC()), notes, notes, guestID)
	if err != nil {
		return fmt.Errorf("failed to update RSVP: %w", err)
	}
	return expectOne(res, fmt.Errorf("guest %s: %w", guestID, ErrNotFound))
}

// DeleteGuest removes a guest together with its notification history.
func (s *Storage) DeleteGuest(ctx context.Context, guestID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM guests WHERE id = ?`, guestID)
	if err != nil {
		return fmt.Errorf("failed to delete guest: %w", err)
	}
	return expectOne(res, fmt.Errorf("guest %s: %w", guestID, ErrNotFound))
}

const guestSelect = `SELECT id, event_id, name, phone, email, locale, rsvp_status, rsvp_date, invited_date, notes FROM guests`

type scanner interface {
	Scan(dest ...any) error
}

func scanGuest(row scanner) (*models.Guest, error) {
	var (
		g                 models.Guest
		rsvpAt, invitedAt int64
	)
	if err := row.Scan(&g.ID, &g.EventID, &g.Name, &g.PhoneNumber, &g.Email, &g.Locale,
		&g.RSVPStatus, &rsvpAt, &invitedAt, &g.Notes); err != nil {
		return nil, err
	}
	g.RSVPDate = fromMillis(rsvpAt)
	g.InvitedDate = fromMillis(invitedAt)
	return &g, nil
}

func (s *Storage) queryGuests(ctx context.Context, query string, args ...any) ([]models.Guest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query guests: %w", err)
	}
	defer rows.Close()

	var guests []models.Guest
	for rows.Next() {
		g, err := scanGuest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan guest: %w", err)
		}
		guests = append(guests, *g)
	}
	return guests, rows.Err()
}

func scanEvent(row scanner) (*models.Event, error) {
	var (
		e        models.Event
		startsAt int64
		channels string
	)
	if err := row.Scan(&e.ID, &e.TenantID, &e.Name, &startsAt, &e.Location, &e.Hosts, &channels); err != nil {
		return nil, err
	}
	e.StartsAt = fromMillis(startsAt)
	e.EnabledChannels = splitChannels(channels)
	return &e, nil
}

func joinChannels(chs []models.Channel) string {
	parts := make([]string, len(chs))
	for i, c := range chs {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func splitChannels(s string) []models.Channel {
	if s == "" {
		return nil
	}
	var chs []models.Channel
	for _, p := range strings.Split(s, ",") {
		chs = append(chs, models.Channel(p))
	}
	return chs
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
