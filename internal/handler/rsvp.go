package handler

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"wedding-dispatch/internal/dispatch"
	"wedding-dispatch/internal/models"
	"wedding-dispatch/internal/phone"
	"wedding-dispatch/internal/scheduler"
	"wedding-dispatch/internal/whatsapp"

	"github.com/rs/zerolog"
)

// GuestStore is the guest directory the handler reads and updates.
type GuestStore interface {
	AddGuest(ctx context.Context, guest *models.Guest) error
	GetGuestsByPhone(ctx context.Context, phoneNumber string) ([]models.Guest, error)
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	RecordRSVP(ctx context.Context, guestID string, status models.RSVPStatus, notes string) error
}

// Notifier fires automation flows for domain events.
type Notifier interface {
	Notify(ctx context.Context, eventID string, trigger models.Trigger, guestID string) (*scheduler.PollResult, error)
}

// Replier answers a contact on the channel the message came in on.
type Replier interface {
	Reply(ctx context.Context, phone, text string) error
}

// Sender is the single-guest dispatch entrypoint.
type Sender interface {
	Send(ctx context.Context, guestID string, req dispatch.Request) dispatch.Outcome
}

type Config struct {
	CountryCode string
	// InvitationType is the message type sent by Invite.
	InvitationType string
}

type RSVPHandler struct {
	guests   GuestStore
	notifier Notifier
	replier  Replier
	sender   Sender
	config   Config
	log      zerolog.Logger
}

// NewRSVPHandler creates a new RSVP handler
func NewRSVPHandler(guests GuestStore, notifier Notifier, replier Replier, sender Sender, cfg Config, log zerolog.Logger) *RSVPHandler {
	if cfg.InvitationType == "" {
		cfg.InvitationType = "invitation"
	}
	return &RSVPHandler{
		guests:   guests,
		notifier: notifier,
		replier:  replier,
		sender:   sender,
		config:   cfg,
		log:      log.With().Str("component", "rsvp").Logger(),
	}
}

var (
	declinePhrases = []string{
		"not coming", "can't come", "cannot come", "won't come", "can't make it", "not attending",
		"לא מגיע", "לא מגיעה", "לא מגיעים", "לא נגיע", "לא אגיע", "לא נוכל", "לא אוכל",
	}
	declineWords = []string{"no", "nope", "decline", "declining", "לא", "❌"}

	acceptPhrases = []string{"will come", "will be there", "see you"}
	acceptWords   = []string{
		"yes", "yep", "yeah", "accept", "accepting", "attending", "coming",
		"כן", "מגיע", "מגיעה", "מגיעים", "נגיע", "אגיע", "בטח", "✅",
	}
)

// ParseReply interprets a free-text answer to an invitation. Decline
// phrases are checked first so that "not coming" does not read as "coming".
func ParseReply(text string) (models.RSVPStatus, bool) {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return "", false
	}
	words := tokenize(text)

	if containsAny(text, declinePhrases...) || hasWord(words, declineWords...) {
		return models.RSVPDeclined, true
	}
	if containsAny(text, acceptPhrases...) || hasWord(words, acceptWords...) {
		return models.RSVPAccepted, true
	}
	return "", false
}

// HandleMessage processes an inbound reply. Messages from unknown numbers or
// without a recognizable answer are ignored.
func (h *RSVPHandler) HandleMessage(ctx context.Context, msg whatsapp.Inbound) error {
	number := phone.Normalize(msg.SenderPhone, h.config.CountryCode)
	if number == "" {
		return nil
	}

	// Only guests that were invited can RSVP. The most recent invitation
	// wins when the number is on several guest lists.
	guests, err := h.guests.GetGuestsByPhone(ctx, number)
	if err != nil {
		return fmt.Errorf("failed to look up guest: %w", err)
	}
	if len(guests) == 0 {
		h.log.Debug().Str("sender", number).Msg("Message from unknown number")
		return nil
	}
	guest := guests[0]

	status, ok := ParseReply(msg.Text)
	if !ok {
		return nil
	}

	if err := h.guests.RecordRSVP(ctx, guest.ID, status, ""); err != nil {
		return fmt.Errorf("failed to update RSVP: %w", err)
	}
	h.log.Info().Str("guest", guest.ID).Str("event", guest.EventID).Str("status", string(status)).Msg("RSVP recorded")

	if _, err := h.notifier.Notify(ctx, guest.EventID, models.TriggerRSVPReceived, guest.ID); err != nil {
		h.log.Error().Err(err).Str("guest", guest.ID).Msg("Failed to run RSVP flows")
	}

	event, err := h.guests.GetEvent(ctx, guest.EventID)
	if err != nil {
		return fmt.Errorf("failed to load event: %w", err)
	}
	if err := h.replier.Reply(ctx, number, confirmation(status, &guest, event)); err != nil {
		return fmt.Errorf("failed to send confirmation: %w", err)
	}
	return nil
}

func confirmation(status models.RSVPStatus, guest *models.Guest, event *models.Event) string {
	english := strings.HasPrefix(guest.Locale, "en")
	switch {
	case status == models.RSVPAccepted && english:
		return fmt.Sprintf("🎉 Wonderful, %s! We've confirmed your attendance at %s. See you there! 💕", guest.Name, event.Name)
	case status == models.RSVPAccepted:
		return fmt.Sprintf("🎉 איזה כיף, %s! אישרנו את הגעתך ל%s. נתראה! 💕", guest.Name, event.Name)
	case english:
		return fmt.Sprintf("Thank you for letting us know, %s. We'll miss you at %s! 💕", guest.Name, event.Name)
	default:
		return fmt.Sprintf("תודה שעדכנת, %s. נתגעגע אליך ב%s! 💕", guest.Name, event.Name)
	}
}

// Invite adds a guest to the event's list and sends the invitation through
// the dispatch pipeline.
func (h *RSVPHandler) Invite(ctx context.Context, eventID, name, phoneNumber string) (*models.Guest, dispatch.Outcome, error) {
	number := phone.Normalize(phoneNumber, h.config.CountryCode)
	if number == "" {
		return nil, dispatch.Outcome{}, fmt.Errorf("invalid phone number %q", phoneNumber)
	}

	guest := &models.Guest{EventID: eventID, Name: name, PhoneNumber: number, RSVPStatus: models.RSVPPending}
	if err := h.guests.AddGuest(ctx, guest); err != nil {
		return nil, dispatch.Outcome{}, fmt.Errorf("failed to add guest: %w", err)
	}

	out := h.sender.Send(ctx, guest.ID, dispatch.Request{Type: h.config.InvitationType})
	return guest, out, nil
}

// containsAny checks if the text contains any of the given keywords
func containsAny(text string, keywords ...string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}

func tokenize(text string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || (unicode.IsPunct(r) && r != '\'')
	}) {
		words[w] = true
	}
	return words
}

func hasWord(words map[string]bool, keywords ...string) bool {
	for _, k := range keywords {
		if words[k] {
			return true
		}
	}
	return false
}
