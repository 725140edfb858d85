// Package providers defines the per-channel send capability and its vendor
// implementations. Every implementation maps vendor status and error codes
// into models.ErrorKind so callers never branch on vendor specifics.
package providers

import (
	"context"
	"fmt"

	"wedding-dispatch/internal/models"
)

// Message is one rendered message for one recipient.
type Message struct {
	// Recipient is the normalized phone number (digits, country code first).
	Recipient string
	Body      string
	// TemplateRef is the provider content id for channels with template
	// approval; empty otherwise.
	TemplateRef string
	Variables   map[string]string
	// Reference is the attempt id, passed through as an idempotency key where
	// the vendor supports one.
	Reference string
}

// Result is the normalized outcome of a send.
type Result struct {
	Success           bool
	ProviderMessageID string
	ErrorKind         models.ErrorKind
	ErrorCode         string
	ErrorMessage      string
}

// Sent builds a successful result.
func Sent(providerMessageID string) Result {
	return Result{Success: true, ProviderMessageID: providerMessageID}
}

// Failure builds a failed result.
func Failure(kind models.ErrorKind, code, message string) Result {
	return Result{ErrorKind: kind, ErrorCode: code, ErrorMessage: message}
}

// Err returns the failure as a DispatchError, nil on success.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	msg := r.ErrorMessage
	if r.ErrorCode != "" {
		msg = fmt.Sprintf("%s (%s)", msg, r.ErrorCode)
	}
	return models.NewError(r.ErrorKind, msg, nil)
}

// ConnectionInfo reports a provider's health and account details.
type ConnectionInfo struct {
	Success     bool   `json:"success"`
	AccountInfo string `json:"account_info,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Provider sends messages on one channel.
type Provider interface {
	Channel() models.Channel
	Send(ctx context.Context, msg Message) Result
	TestConnection(ctx context.Context) ConnectionInfo
}

// BatchSender is implemented by providers that can create several messages
// in one vendor call. Results are positional.
type BatchSender interface {
	SendBatch(ctx context.Context, msgs []Message) []Result
}

// Set holds the configured provider of each channel.
type Set struct {
	byChannel map[models.Channel]Provider
}

// NewSet builds a provider set. A later provider for the same channel
// replaces an earlier one.
func NewSet(providers ...Provider) *Set {
	s := &Set{byChannel: make(map[models.Channel]Provider)}
	for _, p := range providers {
		if p != nil {
			s.byChannel[p.Channel()] = p
		}
	}
	return s
}

// Get returns the channel's provider.
func (s *Set) Get(ch models.Channel) (Provider, bool) {
	p, ok := s.byChannel[ch]
	return p, ok
}

// Channels lists configured channels in preference order.
func (s *Set) Channels() []models.Channel {
	var out []models.Channel
	for _, ch := range models.Channels {
		if _, ok := s.byChannel[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}
