package handler

import (
	"context"
	"errors"
	"testing"

	"wedding-dispatch/internal/dispatch"
	"wedding-dispatch/internal/models"
	"wedding-dispatch/internal/scheduler"
	"wedding-dispatch/internal/whatsapp"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memGuests struct {
	guests []models.Guest
	events map[string]*models.Event
	rsvps  map[string]models.RSVPStatus
	addErr error
}

func (m *memGuests) AddGuest(ctx context.Context, g *models.Guest) error {
	if m.addErr != nil {
		return m.addErr
	}
	g.ID = "g-new"
	m.guests = append(m.guests, *g)
	return nil
}

func (m *memGuests) GetGuestsByPhone(ctx context.Context, number string) ([]models.Guest, error) {
	var out []models.Guest
	for _, g := range m.guests {
		if g.PhoneNumber == number {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *memGuests) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	e, ok := m.events[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return e, nil
}

func (m *memGuests) RecordRSVP(ctx context.Context, guestID string, status models.RSVPStatus, notes string) error {
	m.rsvps[guestID] = status
	return nil
}

type notifyCall struct {
	eventID string
	trigger models.Trigger
	guestID string
}

type recordingNotifier struct {
	calls []notifyCall
	err   error
}

func (n *recordingNotifier) Notify(ctx context.Context, eventID string, trigger models.Trigger, guestID string) (*scheduler.PollResult, error) {
	n.calls = append(n.calls, notifyCall{eventID, trigger, guestID})
	return &scheduler.PollResult{EventID: eventID}, n.err
}

type recordingReplier struct {
	to    []string
	texts []string
}

func (r *recordingReplier) Reply(ctx context.Context, phone, text string) error {
	r.to = append(r.to, phone)
	r.texts = append(r.texts, text)
	return nil
}

type stubSender struct {
	guestIDs []string
	reqs     []dispatch.Request
}

func (s *stubSender) Send(ctx context.Context, guestID string, req dispatch.Request) dispatch.Outcome {
	s.guestIDs = append(s.guestIDs, guestID)
	s.reqs = append(s.reqs, req)
	return dispatch.Outcome{GuestID: guestID, Status: dispatch.StatusSent}
}

type harness struct {
	guests   *memGuests
	notifier *recordingNotifier
	replier  *recordingReplier
	sender   *stubSender
	handler  *RSVPHandler
}

func newHarness() *harness {
	h := &harness{
		guests: &memGuests{
			guests: []models.Guest{
				{ID: "g-recent", EventID: "ev-2", Name: "Dana", PhoneNumber: "972501234567"},
				{ID: "g-old", EventID: "ev-1", Name: "Dana", PhoneNumber: "972501234567"},
				{ID: "g-en", EventID: "ev-1", Name: "Sam", PhoneNumber: "972529999999", Locale: "en"},
			},
			events: map[string]*models.Event{
				"ev-1": {ID: "ev-1", Name: "Noa & Avi"},
				"ev-2": {ID: "ev-2", Name: "Maya & Tom"},
			},
			rsvps: make(map[string]models.RSVPStatus),
		},
		notifier: &recordingNotifier{},
		replier:  &recordingReplier{},
		sender:   &stubSender{},
	}
	h.handler = NewRSVPHandler(h.guests, h.notifier, h.replier, h.sender, Config{CountryCode: "972"}, zerolog.Nop())
	return h
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		text   string
		status models.RSVPStatus
		ok     bool
	}{
		{"Yes!", models.RSVPAccepted, true},
		{"we will be there", models.RSVPAccepted, true},
		{"כן, מגיעים", models.RSVPAccepted, true},
		{"✅", models.RSVPAccepted, true},
		{"No, sorry", models.RSVPDeclined, true},
		{"sadly not coming", models.RSVPDeclined, true},
		{"I can't make it", models.RSVPDeclined, true},
		{"לא מגיעים, מצטערים", models.RSVPDeclined, true},
		{"❌", models.RSVPDeclined, true},
		{"what time does it start?", "", false},
		{"I know the venue", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			status, ok := ParseReply(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestHandleMessage_RecordsAndNotifies(t *testing.T) {
	h := newHarness()

	err := h.handler.HandleMessage(context.Background(), whatsapp.Inbound{SenderPhone: "0501234567", Text: "כן"})
	require.NoError(t, err)

	assert.Equal(t, models.RSVPAccepted, h.guests.rsvps["g-recent"])
	assert.NotContains(t, h.guests.rsvps, "g-old")
	assert.Equal(t, []notifyCall{{"ev-2", models.TriggerRSVPReceived, "g-recent"}}, h.notifier.calls)
	require.Len(t, h.replier.texts, 1)
	assert.Equal(t, "972501234567", h.replier.to[0])
	assert.Contains(t, h.replier.texts[0], "Maya & Tom")
}

func TestHandleMessage_EnglishDecline(t *testing.T) {
	h := newHarness()

	require.NoError(t, h.handler.HandleMessage(context.Background(), whatsapp.Inbound{SenderPhone: "972529999999", Text: "No"}))
	assert.Equal(t, models.RSVPDeclined, h.guests.rsvps["g-en"])
	require.Len(t, h.replier.texts, 1)
	assert.Contains(t, h.replier.texts[0], "We'll miss you")
}

func TestHandleMessage_Ignored(t *testing.T) {
	tests := []struct {
		name string
		msg  whatsapp.Inbound
	}{
		{"unknown number", whatsapp.Inbound{SenderPhone: "972540000000", Text: "yes"}},
		{"no answer", whatsapp.Inbound{SenderPhone: "972501234567", Text: "thanks for the invite"}},
		{"no number", whatsapp.Inbound{SenderPhone: "", Text: "yes"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			require.NoError(t, h.handler.HandleMessage(context.Background(), tt.msg))
			assert.Empty(t, h.guests.rsvps)
			assert.Empty(t, h.notifier.calls)
			assert.Empty(t, h.replier.texts)
		})
	}
}

func TestHandleMessage_FlowFailureStillReplies(t *testing.T) {
	h := newHarness()
	h.notifier.err = errors.New("flows unavailable")

	require.NoError(t, h.handler.HandleMessage(context.Background(), whatsapp.Inbound{SenderPhone: "972501234567", Text: "yes"}))
	assert.Equal(t, models.RSVPAccepted, h.guests.rsvps["g-recent"])
	assert.Len(t, h.replier.texts, 1)
}

func TestInvite(t *testing.T) {
	h := newHarness()

	guest, out, err := h.handler.Invite(context.Background(), "ev-1", "Lior", "+972 52-111-2222")
	require.NoError(t, err)
	assert.Equal(t, "972521112222", guest.PhoneNumber)
	assert.Equal(t, models.RSVPPending, guest.RSVPStatus)
	assert.Equal(t, dispatch.StatusSent, out.Status)
	assert.Equal(t, []string{"g-new"}, h.sender.guestIDs)
	assert.Equal(t, "invitation", h.sender.reqs[0].Type)

	_, _, err = h.handler.Invite(context.Background(), "ev-1", "Nobody", "---")
	assert.Error(t, err)

	h.guests.addErr = errors.New("duplicate phone")
	_, _, err = h.handler.Invite(context.Background(), "ev-1", "Lior", "0521112222")
	assert.Error(t, err)
	assert.Len(t, h.sender.guestIDs, 1)
}
