package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"wedding-dispatch/internal/dispatch"
	"wedding-dispatch/internal/models"
	"wedding-dispatch/internal/storage"
	"wedding-dispatch/internal/templates"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

type handlers struct {
	deps Deps
	log  zerolog.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps collaborator errors onto HTTP statuses.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrDuplicatePhone), errors.Is(err, storage.ErrInvalidTransition),
		errors.Is(err, storage.ErrTriggerInUse):
		status = http.StatusConflict
	case models.KindOf(err) == models.KindNotApproved:
		status = http.StatusNotFound
	case models.KindOf(err) == models.KindConfigMissing:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeError(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Directory.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) listGuests(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	var (
		guests []models.Guest
		err    error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		guests, err = h.deps.Directory.ListGuestsByStatus(r.Context(), eventID, models.RSVPStatus(status))
	} else {
		guests, err = h.deps.Directory.ListGuests(r.Context(), eventID)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if guests == nil {
		guests = []models.Guest{}
	}
	writeJSON(w, http.StatusOK, guests)
}

func (h *handlers) inviteGuest(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	var body struct {
		Name  string `json:"name"`
		Phone string `json:"phone"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Name == "" || body.Phone == "" {
		writeError(w, http.StatusBadRequest, "name and phone are required")
		return
	}
	if _, err := h.deps.Directory.GetEvent(r.Context(), eventID); err != nil {
		h.fail(w, r, err)
		return
	}

	guest, outcome, err := h.deps.Inviter.Invite(r.Context(), eventID, body.Name, body.Phone)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"guest": guest, "outcome": outcome})
}

// eventGuest loads the guest named in the path and checks it belongs to the
// path's event. It writes the error response itself.
func (h *handlers) eventGuest(w http.ResponseWriter, r *http.Request) (*models.Guest, bool) {
	guest, err := h.deps.Directory.GetGuest(r.Context(), chi.URLParam(r, "guestID"))
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	if guest.EventID != chi.URLParam(r, "eventID") {
		writeError(w, http.StatusNotFound, "guest not found in event")
		return nil, false
	}
	return guest, true
}

func (h *handlers) deleteGuest(w http.ResponseWriter, r *http.Request) {
	guest, ok := h.eventGuest(w, r)
	if !ok {
		return
	}
	if err := h.deps.Directory.DeleteGuest(r.Context(), guest.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) guestAttempts(w http.ResponseWriter, r *http.Request) {
	guest, ok := h.eventGuest(w, r)
	if !ok {
		return
	}
	attempts, err := h.deps.Directory.ListAttempts(r.Context(), guest.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []models.NotificationAttempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (h *handlers) setChannels(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Channels []string `json:"channels"`
	}
	if !decode(w, r, &body) {
		return
	}
	channels := make([]models.Channel, 0, len(body.Channels))
	for _, name := range body.Channels {
		ch, err := models.ParseChannel(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		channels = append(channels, ch)
	}
	if err := h.deps.Directory.SetEventChannels(r.Context(), chi.URLParam(r, "eventID"), channels); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) sendOne(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	if !decode(w, r, &req) {
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	guest, ok := h.eventGuest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Dispatcher.Send(r.Context(), guest.ID, req))
}

type bulkRequest struct {
	dispatch.Request
	GuestIDs []string          `json:"guest_ids,omitempty"`
	Audience models.RSVPStatus `json:"audience,omitempty"`
}

func (h *handlers) sendBulk(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	var body bulkRequest
	if !decode(w, r, &body) {
		return
	}
	if body.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	var (
		guests []models.Guest
		err    error
	)
	if body.Audience != "" {
		guests, err = h.deps.Directory.ListGuestsByStatus(r.Context(), eventID, body.Audience)
	} else {
		guests, err = h.deps.Directory.ListGuests(r.Context(), eventID)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var ids []string
	if len(body.GuestIDs) == 0 {
		for _, g := range guests {
			ids = append(ids, g.ID)
		}
	} else {
		// Explicit ids must name guests of this event and audience.
		inEvent := make(map[string]bool, len(guests))
		for _, g := range guests {
			inEvent[g.ID] = true
		}
		for _, id := range body.GuestIDs {
			if !inEvent[id] {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("guest %s is not a guest of event %s", id, eventID))
				return
			}
		}
		ids = body.GuestIDs
	}

	writeJSON(w, http.StatusOK, h.deps.Dispatcher.SendBulk(r.Context(), ids, body.Request, nil))
}

func (h *handlers) recordRSVP(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	guestID := chi.URLParam(r, "guestID")

	var body struct {
		Status models.RSVPStatus `json:"status"`
		Notes  string            `json:"notes"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Status != models.RSVPAccepted && body.Status != models.RSVPDeclined {
		writeError(w, http.StatusBadRequest, "status must be accepted or declined")
		return
	}

	if _, ok := h.eventGuest(w, r); !ok {
		return
	}
	if err := h.deps.Directory.RecordRSVP(r.Context(), guestID, body.Status, body.Notes); err != nil {
		h.fail(w, r, err)
		return
	}

	result, err := h.deps.Scheduler.Notify(r.Context(), eventID, models.TriggerRSVPReceived, guestID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) poll(w http.ResponseWriter, r *http.Request) {
	result, err := h.deps.Scheduler.PollDue(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) resolveTemplate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ch, err := models.ParseChannel(q.Get("channel"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if q.Get("type") == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	tmpl, err := h.deps.Templates.Resolve(r.Context(), templates.Query{
		Type:    q.Get("type"),
		Style:   q.Get("style"),
		Locale:  q.Get("locale"),
		Channel: ch,
		EventID: q.Get("event"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

func (h *handlers) submitTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := h.deps.Templates.SubmitForApproval(r.Context(), chi.URLParam(r, "templateID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

func (h *handlers) syncTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := h.deps.Templates.SyncApprovalStatus(r.Context(), chi.URLParam(r, "templateID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

func (h *handlers) createTemplate(w http.ResponseWriter, r *http.Request) {
	var tmpl models.MessageTemplate
	if !decode(w, r, &tmpl) {
		return
	}
	if _, err := models.ParseChannel(string(tmpl.Channel)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.deps.Templates.Create(r.Context(), &tmpl); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, tmpl)
}

// templateAction adapts a registry state change to a handler.
func (h *handlers) templateAction(action func(Templates, context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := action(h.deps.Templates, r.Context(), chi.URLParam(r, "templateID")); err != nil {
			h.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *handlers) rebindTemplate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type  string `json:"type"`
		Style string `json:"style"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if err := h.deps.Templates.Rebind(r.Context(), chi.URLParam(r, "templateID"), body.Type, body.Style); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) createFlow(w http.ResponseWriter, r *http.Request) {
	var flow models.AutomationFlow
	if !decode(w, r, &flow) {
		return
	}
	flow.EventID = chi.URLParam(r, "eventID")
	if err := flow.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.deps.Directory.GetEvent(r.Context(), flow.EventID); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.deps.Flows.CreateFlow(r.Context(), &flow); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, flow)
}

func (h *handlers) setFlowStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.FlowStatus `json:"status"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Status != models.FlowActive && body.Status != models.FlowInactive {
		writeError(w, http.StatusBadRequest, "status must be active or inactive")
		return
	}
	if err := h.deps.Flows.SetFlowStatus(r.Context(), chi.URLParam(r, "flowID"), body.Status); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) quotaUsage(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	usage := make([]models.QuotaCounter, 0, len(models.Channels))
	for _, ch := range models.Channels {
		c, err := h.deps.Quota.Usage(r.Context(), tenantID, ch)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		usage = append(usage, c)
	}
	writeJSON(w, http.StatusOK, usage)
}

func (h *handlers) testProvider(w http.ResponseWriter, r *http.Request) {
	ch, err := models.ParseChannel(chi.URLParam(r, "channel"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, ok := h.deps.Providers.Get(ch)
	if !ok {
		writeError(w, http.StatusNotFound, "channel not configured")
		return
	}

	info := p.TestConnection(r.Context())
	status := http.StatusOK
	if !info.Success {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, info)
}
