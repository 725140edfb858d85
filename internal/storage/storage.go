package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicatePhone    = errors.New("another guest of this event already uses this phone number")
	ErrTriggerInUse      = errors.New("an active flow already uses this trigger for the event")
	ErrInvalidTransition = errors.New("invalid status transition")
)

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id   TEXT PRIMARY KEY,
	plan TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id        TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL REFERENCES tenants(id),
	name      TEXT NOT NULL,
	starts_at INTEGER NOT NULL,
	location  TEXT NOT NULL DEFAULT '',
	hosts     TEXT NOT NULL DEFAULT '',
	channels  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS guests (
	id           TEXT PRIMARY KEY,
	event_id     TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
	name         TEXT NOT NULL,
	phone        TEXT NOT NULL DEFAULT '',
	email        TEXT NOT NULL DEFAULT '',
	locale       TEXT NOT NULL DEFAULT '',
	rsvp_status  TEXT NOT NULL,
	rsvp_date    INTEGER NOT NULL DEFAULT 0,
	invited_date INTEGER NOT NULL,
	notes        TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS guests_event_phone ON guests(event_id, phone) WHERE phone <> '';
CREATE INDEX IF NOT EXISTS guests_phone ON guests(phone);

CREATE TABLE IF NOT EXISTS templates (
	id               TEXT PRIMARY KEY,
	event_id         TEXT NOT NULL DEFAULT '',
	channel          TEXT NOT NULL,
	type             TEXT NOT NULL,
	style            TEXT NOT NULL,
	locale           TEXT NOT NULL,
	name             TEXT NOT NULL DEFAULT '',
	body             TEXT NOT NULL,
	content_sid      TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	active           INTEGER NOT NULL DEFAULT 0,
	rejection_reason TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS templates_binding ON templates(channel, type, style, event_id);

CREATE TABLE IF NOT EXISTS flows (
	id             TEXT PRIMARY KEY,
	event_id       TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
	trigger_kind   TEXT NOT NULL,
	action         TEXT NOT NULL,
	channel        TEXT NOT NULL DEFAULT '',
	audience       TEXT NOT NULL DEFAULT '',
	delay_hours    INTEGER,
	custom_message TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	created_at     INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS flows_active_trigger ON flows(event_id, trigger_kind) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS attempts (
	id                  TEXT PRIMARY KEY,
	guest_id            TEXT NOT NULL REFERENCES guests(id) ON DELETE CASCADE,
	event_id            TEXT NOT NULL,
	type                TEXT NOT NULL,
	channel             TEXT NOT NULL,
	template_id         TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	error_kind          TEXT NOT NULL DEFAULT '',
	error_message       TEXT NOT NULL DEFAULT '',
	provider_message_id TEXT NOT NULL DEFAULT '',
	created_at          INTEGER NOT NULL,
	sent_at             INTEGER
);
CREATE INDEX IF NOT EXISTS attempts_guest_type ON attempts(guest_id, type, status);

CREATE TABLE IF NOT EXISTS quota_counters (
	tenant_id    TEXT NOT NULL,
	channel      TEXT NOT NULL,
	period_start INTEGER NOT NULL,
	used         INTEGER NOT NULL DEFAULT 0,
	committed    INTEGER NOT NULL DEFAULT 0,
	limit_count  INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, channel, period_start)
);
`

// Storage is the SQLite-backed persistence for guests, events, templates,
// flows, the attempt log and quota counters.
type Storage struct {
	db  *sql.DB
	now func() time.Time
}

// NewStorage opens (and migrates) the database at filePath.
func NewStorage(filePath string) (*Storage, error) {
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", filePath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection turns every statement and
	// transaction into a serialized unit.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// SetClock overrides the time source, for tests.
func (s *Storage) SetClock(now func() time.Time) {
	s.now = now
}

// Ping checks the database connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
