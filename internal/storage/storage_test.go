package storage

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wedding-dispatch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage(filepath.Join(t.TempDir(), "dispatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedEvent(t *testing.T, s *Storage) *models.Event {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateTenant(ctx, models.Tenant{ID: "tenant-1", Plan: "basic"}))
	e := &models.Event{
		TenantID:        "tenant-1",
		Name:            "Anat & David",
		StartsAt:        time.Date(2026, 1, 5, 19, 0, 0, 0, time.UTC),
		Location:        "Ness Ziona",
		EnabledChannels: []models.Channel{models.ChannelWhatsApp, models.ChannelSMS},
	}
	require.NoError(t, s.CreateEvent(ctx, e))
	return e
}

func seedGuest(t *testing.T, s *Storage, eventID, name, phone string) *models.Guest {
	t.Helper()
	g := &models.Guest{EventID: eventID, Name: name, PhoneNumber: phone}
	require.NoError(t, s.AddGuest(context.Background(), g))
	return g
}

// ==========================
// Guests & Events
// ==========================

func TestStorage_Events(t *testing.T) {
	s := newTestStorage(t)
	e := seedEvent(t, s)

	got, err := s.GetEvent(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Name, got.Name)
	assert.True(t, got.StartsAt.Equal(e.StartsAt))
	assert.True(t, got.ChannelEnabled(models.ChannelSMS))
	assert.False(t, got.ChannelEnabled(models.ChannelVoice))

	_, err = s.GetEvent(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStorage_AddGuest_DuplicatePhone(t *testing.T) {
	s := newTestStorage(t)
	e := seedEvent(t, s)
	seedGuest(t, s, e.ID, "Dana", "972501234567")

	err := s.AddGuest(context.Background(), &models.Guest{EventID: e.ID, Name: "Dana's partner", PhoneNumber: "972501234567"})
	assert.ErrorIs(t, err, ErrDuplicatePhone)

	// Guests without a phone never collide.
	seedGuest(t, s, e.ID, "No phone 1", "")
	seedGuest(t, s, e.ID, "No phone 2", "")

	guests, err := s.ListGuests(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Len(t, guests, 3)
}

func TestStorage_RecordRSVP(t *testing.T) {
	s := newTestStorage(t)
	e := seedEvent(t, s)
	g := seedGuest(t, s, e.ID, "Dana", "972501234567")
	at := time.Date(2025, 12, 1, 10, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return at })

	require.NoError(t, s.RecordRSVP(context.Background(), g.ID, models.RSVPAccepted, ""))

	got, err := s.GetGuest(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RSVPAccepted, got.RSVPStatus)
	assert.True(t, got.RSVPDate.Equal(at))

	accepted, err := s.ListGuestsByStatus(context.Background(), e.ID, models.RSVPAccepted)
	require.NoError(t, err)
	assert.Len(t, accepted, 1)

	byPhone, err := s.GetGuestsByPhone(context.Background(), "972501234567")
	require.NoError(t, err)
	assert.Len(t, byPhone, 1)

	assert.ErrorIs(t, s.RecordRSVP(context.Background(), "missing", models.RSVPDeclined, ""), ErrNotFound)
}

func TestStorage_DeleteGuest_CascadesAttempts(t *testing.T) {
	s := newTestStorage(t)
	e := seedEvent(t, s)
	g := seedGuest(t, s, e.ID, "Dana", "972501234567")
	ctx := context.Background()

	a := &models.NotificationAttempt{GuestID: g.ID, EventID: e.ID, Type: "invitation", Channel: models.ChannelWhatsApp}
	_, err := s.ClaimAttempt(ctx, a, time.Time{})
	require.NoError(t, err)

	require.NoError(t, s.DeleteGuest(ctx, g.ID))

	_, err = s.GetAttempt(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

// ==========================
// Attempts
// ==========================

func TestStorage_ClaimAttempt(t *testing.T) {
	s := newTestStorage(t)
	e := seedEvent(t, s)
	g := seedGuest(t, s, e.ID, "Dana", "972501234567")
	ctx := context.Background()
	now := time.Date(2025, 12, 1, 10, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	staleBefore := now.Add(-10 * time.Minute)

	first := &models.NotificationAttempt{GuestID: g.ID, EventID: e.ID, Type: "invitation", Channel: models.ChannelWhatsApp}
	existing, err := s.ClaimAttempt(ctx, first, staleBefore)
	require.NoError(t, err)
	assert.Empty(t, existing)
	assert.Equal(t, models.AttemptPending, first.Status)

	// A fresh PENDING attempt blocks.
	second := &models.NotificationAttempt{GuestID: g.ID, EventID: e.ID, Type: "invitation", Channel: models.ChannelSMS}
	existing, err = s.ClaimAttempt(ctx, second, staleBefore)
	require.NoError(t, err)
	assert.Equal(t, first.ID, existing)

	// A different type is independent.
	other := &models.NotificationAttempt{GuestID: g.ID, EventID: e.ID, Type: "reminder", Channel: models.ChannelWhatsApp}
	existing, err = s.ClaimAttempt(ctx, other, staleBefore)
	require.NoError(t, err)
	assert.Empty(t, existing)

	// FAILED does not block.
	require.NoError(t, s.MarkAttemptFailed(ctx, first.ID, models.KindTransient, "timeout"))
	retry := &models.NotificationAttempt{GuestID: g.ID, EventID: e.ID, Type: "invitation", Channel: models.ChannelWhatsApp}
	existing, err = s.ClaimAttempt(ctx, retry, staleBefore)
	require.NoError(t, err)
	assert.Empty(t, existing)

	// SENT blocks forever.
	require.NoError(t, s.MarkAttemptSent(ctx, retry.ID, "msg-1", now))
	again := &models.NotificationAttempt{GuestID: g.ID, EventID: e.ID, Type: "invitation", Channel: models.ChannelWhatsApp}
	existing, err = s.ClaimAttempt(ctx, again, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, retry.ID, existing)

	history, err := s.ListAttempts(ctx, g.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestStorage_ClaimAttempt_StalePendingTakeover(t *testing.T) {
	s := newTestStorage(t)
	e := seedEvent(t, s)
	g := seedGuest(t, s, e.ID, "Dana", "972501234567")
	ctx := context.Background()
	start := time.Date(2025, 12, 1, 10, 0, 0, 0, time.UTC)

	stuck := &models.NotificationAttempt{GuestID: g.ID, EventID: e.ID, Type: "invitation", Channel: models.ChannelWhatsApp, CreatedAt: start}
	_, err := s.ClaimAttempt(ctx, stuck, time.Time{})
	require.NoError(t, err)

	later := start.Add(30 * time.Minute)
	fresh := &models.NotificationAttempt{GuestID: g.ID, EventID: e.ID, Type: "invitation", Channel: models.ChannelWhatsApp, CreatedAt: later}
	existing, err := s.ClaimAttempt(ctx, fresh, later.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, existing)

	old, err := s.GetAttempt(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptFailed, old.Status)
	assert.Equal(t, models.KindTransient, old.ErrorKind)
}

func TestStorage_AttemptTerminalStates(t *testing.T) {
	s := newTestStorage(t)
	e := seedEvent(t, s)
	g := seedGuest(t, s, e.ID, "Dana", "972501234567")
	ctx := context.Background()

	a := &models.NotificationAttempt{GuestID: g.ID, EventID: e.ID, Type: "invitation", Channel: models.ChannelWhatsApp}
	_, err := s.ClaimAttempt(ctx, a, time.Time{})
	require.NoError(t, err)
	require.NoError(t, s.MarkAttemptSent(ctx, a.ID, "wamid-1", time.Now()))

	assert.ErrorIs(t, s.MarkAttemptFailed(ctx, a.ID, models.KindTransient, "late"), ErrInvalidTransition)
	assert.ErrorIs(t, s.MarkAttemptSent(ctx, a.ID, "wamid-2", time.Now()), ErrInvalidTransition)

	got, err := s.GetAttempt(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptSent, got.Status)
	assert.Equal(t, "wamid-1", got.ProviderMessageID)
	assert.NotNil(t, got.SentAt)
}

func TestStorage_ListHeldGuests(t *testing.T) {
	s := newTestStorage(t)
	e := seedEvent(t, s)
	rejected := seedGuest(t, s, e.ID, "Dana", "972501234567")
	retried := seedGuest(t, s, e.ID, "Noa", "972501234568")
	transient := seedGuest(t, s, e.ID, "Omer", "972501234569")
	ctx := context.Background()
	start := time.Date(2025, 12, 1, 10, 0, 0, 0, time.UTC)

	fail := func(g *models.Guest, msgType string, kind models.ErrorKind, at time.Time) {
		t.Helper()
		a := &models.NotificationAttempt{GuestID: g.ID, EventID: e.ID, Type: msgType, Channel: models.ChannelSMS, CreatedAt: at}
		_, err := s.ClaimAttempt(ctx, a, time.Time{})
		require.NoError(t, err)
		require.NoError(t, s.MarkAttemptFailed(ctx, a.ID, kind, "failed"))
	}
	fail(rejected, "reminder", models.KindRejectedByProvider, start)
	fail(retried, "reminder", models.KindNotApproved, start)
	fail(retried, "reminder", models.KindTransient, start.Add(time.Minute))
	fail(transient, "reminder", models.KindTransient, start)
	fail(transient, "thank_you", models.KindRejectedByProvider, start)

	held, err := s.ListHeldGuests(ctx, e.ID, "reminder")
	require.NoError(t, err)
	assert.Equal(t, map[string]models.ErrorKind{rejected.ID: models.KindRejectedByProvider}, held)

	held, err = s.ListHeldGuests(ctx, e.ID, "thank_you")
	require.NoError(t, err)
	assert.Equal(t, map[string]models.ErrorKind{transient.ID: models.KindRejectedByProvider}, held)
}

func TestStorage_ClaimAttempt_Concurrent(t *testing.T) {
	s := newTestStorage(t)
	e := seedEvent(t, s)
	g := seedGuest(t, s, e.ID, "Dana", "972501234567")

	var (
		wg      sync.WaitGroup
		claimed atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a := &models.NotificationAttempt{GuestID: g.ID, EventID: e.ID, Type: "invitation", Channel: models.ChannelWhatsApp}
			existing, err := s.ClaimAttempt(context.Background(), a, time.Now().Add(-time.Hour))
			if assert.NoError(t, err) && existing == "" {
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), claimed.Load())
}

// ==========================
// Templates & Flows
// ==========================

func TestStorage_TemplateTransitions(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	tmpl := &models.MessageTemplate{Channel: models.ChannelWhatsApp, Type: "invitation", Style: "classic", Locale: "he",
		Body: "Hi {{1}}", Status: models.TemplateDraft}
	require.NoError(t, s.CreateTemplate(ctx, tmpl))

	assert.ErrorIs(t, s.TransitionTemplate(ctx, tmpl.ID, models.TemplateDraft, models.TemplateApproved, "", ""), ErrInvalidTransition)
	require.NoError(t, s.TransitionTemplate(ctx, tmpl.ID, models.TemplateDraft, models.TemplatePending, "HX123", ""))
	// Stale caller loses the race.
	assert.ErrorIs(t, s.TransitionTemplate(ctx, tmpl.ID, models.TemplateDraft, models.TemplatePending, "", ""), ErrInvalidTransition)
	require.NoError(t, s.TransitionTemplate(ctx, tmpl.ID, models.TemplatePending, models.TemplateApproved, "", ""))

	got, err := s.GetTemplate(ctx, tmpl.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TemplateApproved, got.Status)
	assert.Equal(t, "HX123", got.ContentSID)
}

func TestStorage_ActivateTemplate_ClearsOthers(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	mk := func(body string) *models.MessageTemplate {
		tmpl := &models.MessageTemplate{Channel: models.ChannelSMS, Type: "reminder", Style: "classic", Locale: "he",
			Body: body, Status: models.TemplateApproved}
		require.NoError(t, s.CreateTemplate(ctx, tmpl))
		return tmpl
	}
	a, b := mk("first"), mk("second")

	require.NoError(t, s.ActivateTemplate(ctx, a.ID))
	require.NoError(t, s.ActivateTemplate(ctx, b.ID))

	active, err := s.ListActiveTemplates(ctx, models.ChannelSMS, "reminder", "classic", "")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, b.ID, active[0].ID)

	// Each locale variant keeps its own active template.
	en := &models.MessageTemplate{Channel: models.ChannelSMS, Type: "reminder", Style: "classic", Locale: "en",
		Body: "english", Status: models.TemplateApproved}
	require.NoError(t, s.CreateTemplate(ctx, en))
	require.NoError(t, s.ActivateTemplate(ctx, en.ID))
	active, err = s.ListActiveTemplates(ctx, models.ChannelSMS, "reminder", "classic", "")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.ElementsMatch(t, []string{b.ID, en.ID}, []string{active[0].ID, active[1].ID})

	require.NoError(t, s.RebindTemplate(ctx, b.ID, "thank_you", "classic"))
	require.NoError(t, s.RebindTemplate(ctx, en.ID, "thank_you", "classic"))
	active, err = s.ListActiveTemplates(ctx, models.ChannelSMS, "reminder", "classic", "")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestStorage_Flows_TriggerUniqueness(t *testing.T) {
	s := newTestStorage(t)
	e := seedEvent(t, s)
	ctx := context.Background()
	delay := 24

	first := &models.AutomationFlow{EventID: e.ID, Trigger: models.TriggerEventDayBefore, Action: "reminder", DelayHours: &delay}
	require.NoError(t, s.CreateFlow(ctx, first))

	dup := &models.AutomationFlow{EventID: e.ID, Trigger: models.TriggerEventDayBefore, Action: "reminder_2", DelayHours: &delay}
	assert.ErrorIs(t, s.CreateFlow(ctx, dup), ErrTriggerInUse)

	// Inactive duplicates are allowed but cannot be activated alongside.
	dup.ID = ""
	dup.Status = models.FlowInactive
	require.NoError(t, s.CreateFlow(ctx, dup))
	assert.ErrorIs(t, s.SetFlowStatus(ctx, dup.ID, models.FlowActive), ErrTriggerInUse)

	bad := &models.AutomationFlow{EventID: e.ID, Trigger: models.TriggerRSVPReceived, Action: "thanks", DelayHours: &delay}
	assert.Error(t, s.CreateFlow(ctx, bad))

	flows, err := s.ListActiveFlows(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, flows, 1)
	require.NotNil(t, flows[0].DelayHours)
	assert.Equal(t, 24, *flows[0].DelayHours)

	ids, err := s.ListEventsWithActiveFlows(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{e.ID}, ids)
}

// ==========================
// Quota
// ==========================

func TestStorage_ReserveQuota_NeverOverCommits(t *testing.T) {
	s := newTestStorage(t)
	period := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	const limit = 5

	var (
		wg      sync.WaitGroup
		granted atomic.Int32
	)
	for i := 0; i < limit+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ReserveQuota(context.Background(), "tenant-1", models.ChannelSMS, period, 1, limit)
			if assert.NoError(t, err) && ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(limit), granted.Load())
	c, err := s.GetQuotaCounter(context.Background(), "tenant-1", models.ChannelSMS, period)
	require.NoError(t, err)
	assert.Equal(t, limit, c.Used)
}

func TestStorage_ReleaseAndCommitQuota(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	period := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)

	ok, err := s.ReserveQuota(ctx, "tenant-1", models.ChannelWhatsApp, period, 2, 10)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.CommitQuota(ctx, "tenant-1", models.ChannelWhatsApp, period, 1))
	require.NoError(t, s.ReleaseQuota(ctx, "tenant-1", models.ChannelWhatsApp, period, 1))

	c, err := s.GetQuotaCounter(ctx, "tenant-1", models.ChannelWhatsApp, period)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Used)
	assert.Equal(t, 1, c.Committed)
}
