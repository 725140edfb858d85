package models

import "time"

// AttemptStatus is the lifecycle of a NotificationAttempt
type AttemptStatus string

const (
	AttemptPending AttemptStatus = "PENDING"
	AttemptSent    AttemptStatus = "SENT"
	AttemptFailed  AttemptStatus = "FAILED"
)

// NotificationAttempt is one row of the append-only send audit log.
type NotificationAttempt struct {
	ID                string        `json:"id"`
	GuestID           string        `json:"guest_id"`
	EventID           string        `json:"event_id"`
	Type              string        `json:"type"`
	Channel           Channel       `json:"channel"`
	TemplateID        string        `json:"template_id,omitempty"`
	Status            AttemptStatus `json:"status"`
	ErrorKind         ErrorKind     `json:"error_kind,omitempty"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	SentAt            *time.Time    `json:"sent_at,omitempty"`
}

// QuotaCounter is a tenant's consumption of one channel in one billing period.
// Used counts reserved and committed sends; Committed only confirmed ones.
type QuotaCounter struct {
	TenantID    string    `json:"tenant_id"`
	Channel     Channel   `json:"channel"`
	PeriodStart time.Time `json:"period_start"`
	Used        int       `json:"used"`
	Committed   int       `json:"committed"`
	Limit       int       `json:"limit"`
}
