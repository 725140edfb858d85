package models

import "time"

// TemplateStatus is the approval lifecycle state of a message template
type TemplateStatus string

const (
	TemplateDraft    TemplateStatus = "DRAFT"
	TemplatePending  TemplateStatus = "PENDING"
	TemplateApproved TemplateStatus = "APPROVED"
	TemplateRejected TemplateStatus = "REJECTED"
	TemplatePaused   TemplateStatus = "PAUSED"
)

var templateTransitions = map[TemplateStatus][]TemplateStatus{
	TemplateDraft:    {TemplatePending},
	TemplatePending:  {TemplateApproved, TemplateRejected},
	TemplateApproved: {TemplatePaused, TemplateRejected},
	TemplatePaused:   {TemplateApproved},
	TemplateRejected: {TemplateDraft, TemplatePending},
}

// CanTransition reports whether the approval state machine allows from -> to.
func (from TemplateStatus) CanTransition(to TemplateStatus) bool {
	for _, s := range templateTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// MessageTemplate is a per-channel message body. An empty EventID marks the
// global default; a non-empty one is an event-level override.
type MessageTemplate struct {
	ID              string         `json:"id"`
	EventID         string         `json:"event_id,omitempty"`
	Channel         Channel        `json:"channel"`
	Type            string         `json:"type"`
	Style           string         `json:"style"`
	Locale          string         `json:"locale"`
	Name            string         `json:"name"`
	Body            string         `json:"body"`
	ContentSID      string         `json:"content_sid,omitempty"`
	Status          TemplateStatus `json:"status"`
	Active          bool           `json:"active"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Sendable reports whether the template may be used for a send. Templates on
// approval channels also need the provider-assigned content id.
func (t *MessageTemplate) Sendable() bool {
	if t.Status != TemplateApproved {
		return false
	}
	if t.Channel.RequiresApproval() && t.ContentSID == "" {
		return false
	}
	return true
}
