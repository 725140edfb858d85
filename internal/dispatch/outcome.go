package dispatch

import (
	"fmt"

	"wedding-dispatch/internal/models"
)

// Status is the result class of one guest's dispatch.
type Status string

const (
	StatusSent    Status = "SENT"
	StatusSkipped Status = "SKIPPED"
	StatusFailed  Status = "FAILED"
)

// Outcome is the typed result of a dispatch for one guest. Kind is set for
// skipped and failed outcomes.
type Outcome struct {
	GuestID           string           `json:"guest_id"`
	GuestName         string           `json:"guest_name,omitempty"`
	Type              string           `json:"type"`
	Channel           models.Channel   `json:"channel,omitempty"`
	Status            Status           `json:"status"`
	Kind              models.ErrorKind `json:"kind,omitempty"`
	Message           string           `json:"message,omitempty"`
	AttemptID         string           `json:"attempt_id,omitempty"`
	ExistingAttemptID string           `json:"existing_attempt_id,omitempty"`
	ProviderMessageID string           `json:"provider_message_id,omitempty"`
}

// Retryable reports whether a later poll may retry this outcome.
func (o Outcome) Retryable() bool {
	return o.Status == StatusFailed && o.Kind.Retryable()
}

func (o Outcome) summary() string {
	if o.Message == "" {
		return string(o.Kind)
	}
	return fmt.Sprintf("%s: %s", o.Kind, o.Message)
}

// BulkResult summarizes a bulk run. Errors holds distinct failure messages,
// at most Config.MaxErrors of them.
type BulkResult struct {
	Total    int       `json:"total"`
	Sent     int       `json:"sent"`
	Failed   int       `json:"failed"`
	Skipped  int       `json:"skipped"`
	Errors   []string  `json:"errors"`
	Outcomes []Outcome `json:"outcomes"`

	seen map[string]bool
	max  int
}

func newBulkResult(total, maxErrors int) *BulkResult {
	return &BulkResult{
		Total:    total,
		Errors:   []string{},
		Outcomes: make([]Outcome, 0, total),
		seen:     make(map[string]bool),
		max:      maxErrors,
	}
}

func (b *BulkResult) add(o Outcome) {
	b.Outcomes = append(b.Outcomes, o)
	switch o.Status {
	case StatusSent:
		b.Sent++
	case StatusSkipped:
		b.Skipped++
	case StatusFailed:
		b.Failed++
		msg := o.summary()
		if !b.seen[msg] && len(b.Errors) < b.max {
			b.seen[msg] = true
			b.Errors = append(b.Errors, msg)
		}
	}
}

// ProgressFunc receives incremental progress of a bulk run.
type ProgressFunc func(done, total int)

// Percent converts progress to a whole percentage.
func Percent(done, total int) int {
	if total == 0 {
		return 100
	}
	return done * 100 / total
}
