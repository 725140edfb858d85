// Package scheduler evaluates automation flows against their triggers and
// hands due guests to the dispatch pipeline. Exactly-once delivery per
// (flow, guest) rests on the dedup claim, so overlapping polls are safe.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"wedding-dispatch/internal/dispatch"
	"wedding-dispatch/internal/metrics"
	"wedding-dispatch/internal/models"
	"wedding-dispatch/internal/phone"

	"github.com/rs/zerolog"
)

// Store is the event, guest and flow lookup.
type Store interface {
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	GetGuest(ctx context.Context, id string) (*models.Guest, error)
	ListGuests(ctx context.Context, eventID string) ([]models.Guest, error)
	ListActiveFlows(ctx context.Context, eventID string) ([]models.AutomationFlow, error)
	ListEventsWithActiveFlows(ctx context.Context) ([]string, error)
	// ListHeldGuests returns guests whose last attempt of msgType failed
	// permanently. Polls leave them to the operator.
	ListHeldGuests(ctx context.Context, eventID, msgType string) (map[string]models.ErrorKind, error)
}

// Sender is the dispatch pipeline.
type Sender interface {
	SendBulk(ctx context.Context, guestIDs []string, req dispatch.Request, progress dispatch.ProgressFunc) *dispatch.BulkResult
}

type Config struct {
	// Interval between background polls.
	Interval time.Duration
	// Lateness bounds how long after its due time a flow may still fire.
	Lateness time.Duration
	// CountryCode normalizes phone numbers for duplicate detection.
	CountryCode string
	// Location is the zone event days are computed in.
	Location *time.Location
}

type Scheduler struct {
	store  Store
	sender Sender
	cfg    Config
	now    func() time.Time
	log    zerolog.Logger
}

// New creates a scheduler.
func New(store Store, sender Sender, cfg Config, log zerolog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Lateness <= 0 {
		cfg.Lateness = 72 * time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Scheduler{
		store:  store,
		sender: sender,
		cfg:    cfg,
		now:    time.Now,
		log:    log.With().Str("component", "scheduler").Logger(),
	}
}

// SetClock overrides the time source.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// FlowResult is the dispatch summary of one flow in one evaluation.
type FlowResult struct {
	FlowID  string               `json:"flow_id"`
	Trigger models.Trigger       `json:"trigger"`
	Action  string               `json:"action"`
	Due     int                  `json:"due"`
	Result  *dispatch.BulkResult `json:"result,omitempty"`

	// Held lists due guests not dispatched because their previous attempt
	// was rejected permanently, with the failure kind.
	Held map[string]models.ErrorKind `json:"held,omitempty"`
}

// PollResult summarizes one evaluation of an event's flows.
type PollResult struct {
	EventID string       `json:"event_id"`
	Flows   []FlowResult `json:"flows"`
	// DuplicatePhones lists guests sharing one normalized number. Only the
	// first guest of each group is messaged.
	DuplicatePhones map[string][]string `json:"duplicate_phones,omitempty"`
}

// Sent totals the sends of all flows.
func (p *PollResult) Sent() int {
	n := 0
	for _, f := range p.Flows {
		if f.Result != nil {
			n += f.Result.Sent
		}
	}
	return n
}

// PollDue fires every active flow of the event that is due now.
func (s *Scheduler) PollDue(ctx context.Context, eventID string) (*PollResult, error) {
	return s.evaluate(ctx, eventID, "", "")
}

// Notify is the trigger point for domain events. It evaluates the event's
// flows on trigger, restricted to guestID when given. Delay-required flows
// that are not yet due are left to the poll.
func (s *Scheduler) Notify(ctx context.Context, eventID string, trigger models.Trigger, guestID string) (*PollResult, error) {
	if !trigger.Valid() {
		return nil, fmt.Errorf("unknown trigger %q", trigger)
	}
	return s.evaluate(ctx, eventID, trigger, guestID)
}

func (s *Scheduler) evaluate(ctx context.Context, eventID string, trigger models.Trigger, guestID string) (*PollResult, error) {
	event, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	flows, err := s.store.ListActiveFlows(ctx, eventID)
	if err != nil {
		return nil, err
	}

	var guests []models.Guest
	if guestID != "" {
		g, err := s.store.GetGuest(ctx, guestID)
		if err != nil {
			return nil, err
		}
		if g.EventID != eventID {
			return nil, fmt.Errorf("guest %s does not belong to event %s", guestID, eventID)
		}
		guests = []models.Guest{*g}
	} else {
		guests, err = s.store.ListGuests(ctx, eventID)
		if err != nil {
			return nil, err
		}
	}

	result := &PollResult{EventID: eventID, Flows: []FlowResult{}}
	guests, result.DuplicatePhones = s.resolveDuplicates(eventID, guests)

	now := s.now()
	for i := range flows {
		flow := &flows[i]
		if trigger != "" && flow.Trigger != trigger {
			continue
		}

		var due []string
		for j := range guests {
			g := &guests[j]
			if !inAudience(flow, g) {
				continue
			}
			window, ok := DueWindow(flow, event, g, s.cfg.Lateness, s.cfg.Location)
			if ok && window.Open(now) {
				due = append(due, g.ID)
			}
		}
		if len(due) == 0 {
			continue
		}

		held, err := s.store.ListHeldGuests(ctx, eventID, flow.Action)
		if err != nil {
			return nil, err
		}
		fr := FlowResult{FlowID: flow.ID, Trigger: flow.Trigger, Action: flow.Action, Due: len(due)}
		if len(held) > 0 {
			ready := due[:0:0]
			for _, id := range due {
				if kind, ok := held[id]; ok {
					if fr.Held == nil {
						fr.Held = make(map[string]models.ErrorKind)
					}
					fr.Held[id] = kind
					continue
				}
				ready = append(ready, id)
			}
			due = ready
			for id, kind := range fr.Held {
				s.log.Warn().Str("event", eventID).Str("flow", flow.ID).Str("guest", id).
					Str("kind", string(kind)).Msg("Guest held after permanent failure")
			}
		}
		if len(due) == 0 {
			result.Flows = append(result.Flows, fr)
			continue
		}

		req := dispatch.Request{Type: flow.Action, Channel: flow.Channel}
		if flow.CustomMessage != "" {
			req.Vars = map[string]string{"custom_message": flow.CustomMessage}
		}
		bulk := s.sender.SendBulk(ctx, due, req, nil)
		metrics.FlowsFired.WithLabelValues(string(flow.Trigger)).Add(float64(bulk.Sent))

		s.log.Info().
			Str("event", eventID).
			Str("flow", flow.ID).
			Str("trigger", string(flow.Trigger)).
			Int("due", fr.Due).
			Int("held", len(fr.Held)).
			Int("sent", bulk.Sent).
			Int("skipped", bulk.Skipped).
			Int("failed", bulk.Failed).
			Msg("Flow evaluated")
		fr.Result = bulk
		result.Flows = append(result.Flows, fr)
	}
	return result, nil
}

// resolveDuplicates keeps the first guest of every group sharing a
// normalized number and reports the groups.
func (s *Scheduler) resolveDuplicates(eventID string, guests []models.Guest) ([]models.Guest, map[string][]string) {
	dups := phone.Duplicates(guests, s.cfg.CountryCode)
	if len(dups) == 0 {
		return guests, nil
	}

	drop := make(map[string]bool)
	numbers := make([]string, 0, len(dups))
	for n, ids := range dups {
		numbers = append(numbers, n)
		for _, id := range ids[1:] {
			drop[id] = true
		}
	}
	sort.Strings(numbers)
	for _, n := range numbers {
		s.log.Warn().Str("event", eventID).Str("phone", n).Strs("guests", dups[n]).Msg("Guests share a phone number")
	}

	kept := guests[:0:0]
	for _, g := range guests {
		if !drop[g.ID] {
			kept = append(kept, g)
		}
	}
	return kept, dups
}

// PollAll polls every event with active flows. Per-event failures are
// logged and do not stop the sweep.
func (s *Scheduler) PollAll(ctx context.Context) {
	ids, err := s.store.ListEventsWithActiveFlows(ctx)
	if err != nil {
		metrics.SchedulerPolls.WithLabelValues("error").Inc()
		s.log.Error().Err(err).Msg("Failed to list events")
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.PollDue(ctx, id); err != nil {
			metrics.SchedulerPolls.WithLabelValues("error").Inc()
			s.log.Error().Err(err).Str("event", id).Msg("Poll failed")
			continue
		}
		metrics.SchedulerPolls.WithLabelValues("ok").Inc()
	}
}

// Run polls immediately and then on every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info().Dur("interval", s.cfg.Interval).Msg("Scheduler started")
	s.PollAll(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Scheduler stopped")
			return
		case <-ticker.C:
			s.PollAll(ctx)
		}
	}
}
