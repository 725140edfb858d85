// Package dispatch is the send pipeline: channel eligibility, template
// resolution, dedup claim, quota reservation, rendering, provider call and
// outcome recording, for one guest or a bulk batch.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wedding-dispatch/internal/dedup"
	"wedding-dispatch/internal/metrics"
	"wedding-dispatch/internal/models"
	"wedding-dispatch/internal/providers"
	"wedding-dispatch/internal/quota"
	"wedding-dispatch/internal/render"
	"wedding-dispatch/internal/templates"

	"github.com/rs/zerolog"
)

// Directory is the guest and event lookup.
type Directory interface {
	GetGuest(ctx context.Context, id string) (*models.Guest, error)
	GetEvent(ctx context.Context, id string) (*models.Event, error)
}

type TemplateResolver interface {
	Resolve(ctx context.Context, q templates.Query) (*models.MessageTemplate, error)
}

type QuotaLedger interface {
	Authorize(ctx context.Context, tenantID string, ch models.Channel, n int) (*quota.Reservation, error)
	Commit(ctx context.Context, r *quota.Reservation) error
	Release(ctx context.Context, r *quota.Reservation) error
}

type Deduper interface {
	Claim(ctx context.Context, a *models.NotificationAttempt) (dedup.Decision, error)
	MarkSent(ctx context.Context, attemptID, providerMessageID string) error
	MarkFailed(ctx context.Context, attemptID string, kind models.ErrorKind, message string) error
}

type ProviderSource interface {
	Get(ch models.Channel) (providers.Provider, bool)
	Channels() []models.Channel
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Directory Directory
	Templates TemplateResolver
	Quota     QuotaLedger
	Dedup     Deduper
	Providers ProviderSource
}

type Config struct {
	// Workers bounds concurrent guest preparation and provider calls.
	Workers int
	// BatchSize is how many guests a bulk run prepares and sends at once.
	BatchSize int
	// ProviderTimeout bounds a single provider call (or batch call).
	ProviderTimeout time.Duration
	// MaxErrors bounds the distinct error messages a bulk result reports.
	MaxErrors int
	// Location is the zone event times are rendered in.
	Location *time.Location
}

type Dispatcher struct {
	deps Deps
	cfg  Config
	log  zerolog.Logger
}

// New creates a dispatcher.
func New(deps Deps, cfg Config, log zerolog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 15 * time.Second
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = 10
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Dispatcher{deps: deps, cfg: cfg, log: log.With().Str("component", "dispatch").Logger()}
}

// Request describes what to send.
type Request struct {
	Type string `json:"type"`
	// Channel is the preferred channel; empty picks the first configured
	// channel the event allows and the guest can be reached on.
	Channel models.Channel    `json:"channel,omitempty"`
	Style   string            `json:"style,omitempty"`
	Locale  string            `json:"locale,omitempty"`
	Vars    map[string]string `json:"vars,omitempty"`
}

// Send dispatches one message to one guest. Expected conditions are reported
// in the Outcome, never as a panic or error.
func (d *Dispatcher) Send(ctx context.Context, guestID string, req Request) Outcome {
	r := newRun()
	j := d.prepare(ctx, r, guestID, req)
	if !j.done {
		d.deliver(ctx, []*job{j})
		d.finish(ctx, r, j)
	}
	return j.outcome
}

// run is the state shared by the guests of one Send or SendBulk call.
type run struct {
	mu        sync.Mutex
	exhausted map[models.Channel]bool
}

func newRun() *run {
	return &run{exhausted: make(map[models.Channel]bool)}
}

func (r *run) isExhausted(ch models.Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exhausted[ch]
}

func (r *run) markExhausted(ch models.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exhausted[ch] = true
}

// job carries one guest through the pipeline. done marks an outcome decided
// before the provider call.
type job struct {
	outcome     Outcome
	done        bool
	attempt     *models.NotificationAttempt
	reservation *quota.Reservation
	provider    providers.Provider
	msg         providers.Message
	result      providers.Result
}

func (j *job) stop(status Status, kind models.ErrorKind, msg string) *job {
	j.outcome.Status = status
	j.outcome.Kind = kind
	j.outcome.Message = msg
	j.done = true
	return j
}

func (d *Dispatcher) prepare(ctx context.Context, r *run, guestID string, req Request) *job {
	j := &job{outcome: Outcome{GuestID: guestID, Type: req.Type}}

	guest, err := d.deps.Directory.GetGuest(ctx, guestID)
	if err != nil {
		return d.record(j.stop(StatusFailed, models.KindInternal, fmt.Sprintf("load guest: %v", err)))
	}
	event, err := d.deps.Directory.GetEvent(ctx, guest.EventID)
	if err != nil {
		return d.record(j.stop(StatusFailed, models.KindInternal, fmt.Sprintf("load event: %v", err)))
	}
	j.outcome.GuestName = guest.Name

	ch, provider, kind, msg := d.selectChannel(guest, event, req.Channel)
	j.outcome.Channel = ch
	switch kind {
	case "":
	case models.KindNoContact:
		return d.record(j.stop(StatusSkipped, kind, msg))
	default:
		return d.record(j.stop(StatusFailed, kind, msg))
	}

	if r.isExhausted(ch) {
		return d.record(j.stop(StatusFailed, models.KindQuotaExceeded, fmt.Sprintf("%s quota exhausted earlier in this run", ch)))
	}

	locale := req.Locale
	if locale == "" {
		locale = guest.Locale
	}
	tmpl, err := d.deps.Templates.Resolve(ctx, templates.Query{
		Type: req.Type, Style: req.Style, Locale: locale, Channel: ch, EventID: event.ID,
	})
	if err != nil {
		return d.record(j.stop(StatusFailed, models.KindOf(err), errMessage(err)))
	}

	attempt := &models.NotificationAttempt{
		GuestID:    guest.ID,
		EventID:    event.ID,
		Type:       req.Type,
		Channel:    ch,
		TemplateID: tmpl.ID,
	}
	decision, err := d.deps.Dedup.Claim(ctx, attempt)
	if err != nil {
		return d.record(j.stop(StatusFailed, models.KindOf(err), errMessage(err)))
	}
	if !decision.Allow {
		j.outcome.ExistingAttemptID = decision.ExistingAttemptID
		return d.record(j.stop(StatusSkipped, models.KindDuplicate, "already sent or in flight"))
	}
	j.attempt = attempt
	j.outcome.AttemptID = attempt.ID

	reservation, err := d.deps.Quota.Authorize(ctx, event.TenantID, ch, 1)
	if err != nil {
		kind := models.KindOf(err)
		var denied *quota.Denied
		if errors.As(err, &denied) {
			metrics.QuotaDenials.WithLabelValues(string(ch), string(denied.Reason)).Inc()
			kind = models.KindQuotaExceeded
			if denied.Reason == quota.ReasonChannelDisabled {
				kind = models.KindConfigMissing
			} else {
				r.markExhausted(ch)
			}
		}
		d.markFailed(ctx, attempt.ID, kind, err.Error())
		return d.record(j.stop(StatusFailed, kind, err.Error()))
	}
	j.reservation = reservation

	vars := d.variables(guest, event, req.Vars)
	j.provider = provider
	j.msg = providers.Message{
		Recipient:   guest.PhoneNumber,
		Body:        render.Render(tmpl.Body, vars),
		TemplateRef: tmpl.ContentSID,
		Variables:   vars,
		Reference:   attempt.ID,
	}
	return j
}

// selectChannel picks the channel and provider for a guest. A returned kind
// explains why no channel is usable.
func (d *Dispatcher) selectChannel(guest *models.Guest, event *models.Event, preferred models.Channel) (models.Channel, providers.Provider, models.ErrorKind, string) {
	if preferred != "" {
		p, ok := d.deps.Providers.Get(preferred)
		switch {
		case !ok:
			return preferred, nil, models.KindConfigMissing, fmt.Sprintf("no provider configured for %s", preferred)
		case !channelAllowed(event, preferred):
			return preferred, nil, models.KindConfigMissing, fmt.Sprintf("%s is not enabled for this event", preferred)
		case !guest.HasContact(preferred):
			return preferred, nil, models.KindNoContact, fmt.Sprintf("guest has no %s contact", preferred)
		}
		return preferred, p, "", ""
	}

	configured := false
	for _, ch := range d.deps.Providers.Channels() {
		if !channelAllowed(event, ch) {
			continue
		}
		configured = true
		if guest.HasContact(ch) {
			p, _ := d.deps.Providers.Get(ch)
			return ch, p, "", ""
		}
	}
	if !configured {
		return "", nil, models.KindConfigMissing, "no channel is both configured and enabled for this event"
	}
	return "", nil, models.KindNoContact, "guest has no usable contact method"
}

// channelAllowed treats an event without channel flags as allowing every
// channel.
func channelAllowed(event *models.Event, ch models.Channel) bool {
	return len(event.EnabledChannels) == 0 || event.ChannelEnabled(ch)
}

func (d *Dispatcher) variables(guest *models.Guest, event *models.Event, extra map[string]string) map[string]string {
	starts := event.StartsAt.In(d.cfg.Location)
	date := starts.Format("02.01.2006")
	vars := map[string]string{
		"1":          guest.Name,
		"2":          event.Name,
		"3":          date,
		"4":          event.Location,
		"5":          event.Hosts,
		"name":       guest.Name,
		"guest_name": guest.Name,
		"event_name": event.Name,
		"event_date": date,
		"event_time": starts.Format("15:04"),
		"location":   event.Location,
		"hosts":      event.Hosts,
	}
	for k, v := range extra {
		vars[k] = v
	}
	return vars
}

// sendOne calls the provider with the configured timeout. A call still
// running at the deadline is reported TRANSIENT.
func (d *Dispatcher) sendOne(ctx context.Context, p providers.Provider, msg providers.Message) providers.Result {
	started := time.Now()
	defer func() {
		metrics.ProviderCallDuration.WithLabelValues(string(p.Channel()), "single").Observe(time.Since(started).Seconds())
	}()
	return withTimeout(ctx, d.cfg.ProviderTimeout, func(ctx context.Context) providers.Result {
		return p.Send(ctx, msg)
	}, func(err error) providers.Result {
		return providers.Failure(models.KindTransient, "TIMEOUT", fmt.Sprintf("provider call aborted: %v", err))
	})
}

func (d *Dispatcher) sendBatch(ctx context.Context, p providers.Provider, sender providers.BatchSender, msgs []providers.Message) []providers.Result {
	started := time.Now()
	defer func() {
		metrics.ProviderCallDuration.WithLabelValues(string(p.Channel()), "batch").Observe(time.Since(started).Seconds())
	}()
	results := withTimeout(ctx, d.cfg.ProviderTimeout, func(ctx context.Context) []providers.Result {
		return sender.SendBatch(ctx, msgs)
	}, func(err error) []providers.Result {
		return nil
	})

	out := make([]providers.Result, len(msgs))
	for i := range out {
		switch {
		case results == nil:
			out[i] = providers.Failure(models.KindTransient, "TIMEOUT", "batch provider call timed out")
		case i < len(results):
			out[i] = results[i]
		default:
			out[i] = providers.Failure(models.KindInternal, "", "provider returned fewer results than messages")
		}
	}
	return out
}

func withTimeout[T any](ctx context.Context, timeout time.Duration, call func(context.Context) T, onTimeout func(error) T) T {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan T, 1)
	go func() { done <- call(ctx) }()

	select {
	case v := <-done:
		return v
	case <-ctx.Done():
		select {
		case v := <-done:
			return v
		default:
		}
		return onTimeout(ctx.Err())
	}
}

// finish settles quota and the attempt after the provider call. Bookkeeping
// runs even when ctx was cancelled meanwhile.
func (d *Dispatcher) finish(ctx context.Context, r *run, j *job) {
	ctx = context.WithoutCancel(ctx)
	res := j.result

	if res.Success {
		if err := d.deps.Quota.Commit(ctx, j.reservation); err != nil {
			d.log.Error().Err(err).Str("attempt", j.attempt.ID).Msg("Failed to commit quota")
		}
		if err := d.deps.Dedup.MarkSent(ctx, j.attempt.ID, res.ProviderMessageID); err != nil {
			d.log.Error().Err(err).Str("attempt", j.attempt.ID).Msg("Failed to mark attempt sent")
		}
		j.outcome.Status = StatusSent
		j.outcome.ProviderMessageID = res.ProviderMessageID
		d.record(j)
		return
	}

	kind := res.ErrorKind
	if kind == "" {
		kind = models.KindInternal
	}
	if kind == models.KindQuotaExceeded {
		r.markExhausted(j.outcome.Channel)
	}
	if err := d.deps.Quota.Release(ctx, j.reservation); err != nil {
		d.log.Error().Err(err).Str("attempt", j.attempt.ID).Msg("Failed to release quota")
	}
	msg := res.Err().Error()
	var de *models.DispatchError
	if errors.As(res.Err(), &de) {
		msg = de.Message
	}
	d.markFailed(ctx, j.attempt.ID, kind, msg)
	j.stop(StatusFailed, kind, msg)
	d.record(j)
}

func (d *Dispatcher) markFailed(ctx context.Context, attemptID string, kind models.ErrorKind, msg string) {
	if err := d.deps.Dedup.MarkFailed(context.WithoutCancel(ctx), attemptID, kind, msg); err != nil {
		d.log.Error().Err(err).Str("attempt", attemptID).Msg("Failed to mark attempt failed")
	}
}

func (d *Dispatcher) record(j *job) *job {
	o := j.outcome
	metrics.DispatchOutcomes.WithLabelValues(string(o.Channel), string(o.Status), string(o.Kind)).Inc()

	evt := d.log.Debug()
	if o.Status == StatusFailed {
		evt = d.log.Warn()
	}
	evt.Str("guest", o.GuestID).
		Str("type", o.Type).
		Str("channel", string(o.Channel)).
		Str("status", string(o.Status)).
		Str("kind", string(o.Kind)).
		Str("attempt", o.AttemptID).
		Str("detail", o.Message).
		Msg("Dispatch outcome")
	return j
}

func errMessage(err error) string {
	var de *models.DispatchError
	if errors.As(err, &de) {
		if de.Err != nil {
			return fmt.Sprintf("%s: %v", de.Message, de.Err)
		}
		return de.Message
	}
	return err.Error()
}
