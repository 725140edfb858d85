package models

import "time"

// Guest represents an invited guest of an event
type Guest struct {
	ID          string     `json:"id"`
	EventID     string     `json:"event_id"`
	Name        string     `json:"name"`
	PhoneNumber string     `json:"phone_number,omitempty"`
	Email       string     `json:"email,omitempty"`
	Locale      string     `json:"locale,omitempty"`
	RSVPStatus  RSVPStatus `json:"rsvp_status"`
	RSVPDate    time.Time  `json:"rsvp_date,omitempty"`
	InvitedDate time.Time  `json:"invited_date"`
	Notes       string     `json:"notes,omitempty"`
}

// RSVPStatus represents the attendance confirmation status
type RSVPStatus string

const (
	RSVPPending    RSVPStatus = "pending"
	RSVPAccepted   RSVPStatus = "accepted"
	RSVPDeclined   RSVPStatus = "declined"
	RSVPNotInvited RSVPStatus = "not_invited"
)

// HasContact reports whether the guest can be reached on the channel.
func (g *Guest) HasContact(ch Channel) bool {
	switch ch {
	case ChannelWhatsApp, ChannelSMS, ChannelVoice:
		return g.PhoneNumber != ""
	}
	return false
}

// Event is the occasion guests are invited to
type Event struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	Name            string    `json:"name"`
	StartsAt        time.Time `json:"starts_at"`
	Location        string    `json:"location"`
	Hosts           string    `json:"hosts,omitempty"`
	EnabledChannels []Channel `json:"enabled_channels"`
}

// ChannelEnabled reports whether the event's feature flags allow ch.
func (e *Event) ChannelEnabled(ch Channel) bool {
	for _, c := range e.EnabledChannels {
		if c == ch {
			return true
		}
	}
	return false
}

// Tenant owns events and carries the subscription plan
type Tenant struct {
	ID   string `json:"id"`
	Plan string `json:"plan"`
}

// ContactID implements phone.Contact.
func (g Guest) ContactID() string { return g.ID }

// ContactPhone implements phone.Contact.
func (g Guest) ContactPhone() string { return g.PhoneNumber }
