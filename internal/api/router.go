// Package api exposes the dispatch engine over HTTP.
package api

import (
	"context"
	"net/http"

	"wedding-dispatch/internal/dispatch"
	"wedding-dispatch/internal/models"
	"wedding-dispatch/internal/providers"
	"wedding-dispatch/internal/scheduler"
	"wedding-dispatch/internal/templates"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Directory is the guest and event lookup behind the API.
type Directory interface {
	Ping(ctx context.Context) error
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	GetGuest(ctx context.Context, id string) (*models.Guest, error)
	ListGuests(ctx context.Context, eventID string) ([]models.Guest, error)
	ListGuestsByStatus(ctx context.Context, eventID string, status models.RSVPStatus) ([]models.Guest, error)
	RecordRSVP(ctx context.Context, guestID string, status models.RSVPStatus, notes string) error
	DeleteGuest(ctx context.Context, guestID string) error
	ListAttempts(ctx context.Context, guestID string) ([]models.NotificationAttempt, error)
	SetEventChannels(ctx context.Context, eventID string, channels []models.Channel) error
}

type Dispatcher interface {
	Send(ctx context.Context, guestID string, req dispatch.Request) dispatch.Outcome
	SendBulk(ctx context.Context, guestIDs []string, req dispatch.Request, progress dispatch.ProgressFunc) *dispatch.BulkResult
}

type Scheduler interface {
	PollDue(ctx context.Context, eventID string) (*scheduler.PollResult, error)
	Notify(ctx context.Context, eventID string, trigger models.Trigger, guestID string) (*scheduler.PollResult, error)
}

type Templates interface {
	Create(ctx context.Context, t *models.MessageTemplate) error
	Activate(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Rebind(ctx context.Context, id, msgType, style string) error
	Resolve(ctx context.Context, q templates.Query) (*models.MessageTemplate, error)
	SubmitForApproval(ctx context.Context, id string) (*models.MessageTemplate, error)
	SyncApprovalStatus(ctx context.Context, id string) (*models.MessageTemplate, error)
}

type Flows interface {
	CreateFlow(ctx context.Context, f *models.AutomationFlow) error
	SetFlowStatus(ctx context.Context, id string, status models.FlowStatus) error
}

type Quota interface {
	Usage(ctx context.Context, tenantID string, ch models.Channel) (models.QuotaCounter, error)
}

type Inviter interface {
	Invite(ctx context.Context, eventID, name, phoneNumber string) (*models.Guest, dispatch.Outcome, error)
}

type Providers interface {
	Get(ch models.Channel) (providers.Provider, bool)
}

// Deps are the collaborators the handlers call.
type Deps struct {
	Directory  Directory
	Dispatcher Dispatcher
	Scheduler  Scheduler
	Templates  Templates
	Flows      Flows
	Quota      Quota
	Inviter    Inviter
	Providers  Providers
}

// NewRouter builds the HTTP surface. Everything except /healthz and
// /metrics requires "Authorization: Bearer <token>".
func NewRouter(deps Deps, token string, log zerolog.Logger) http.Handler {
	h := &handlers{deps: deps, log: log.With().Str("component", "api").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)

	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(token))

		r.Route("/events/{eventID}", func(r chi.Router) {
			r.Get("/guests", h.listGuests)
			r.Post("/guests", h.inviteGuest)
			r.Delete("/guests/{guestID}", h.deleteGuest)
			r.Get("/guests/{guestID}/attempts", h.guestAttempts)
			r.Post("/guests/{guestID}/send", h.sendOne)
			r.Post("/guests/{guestID}/rsvp", h.recordRSVP)
			r.Post("/send-bulk", h.sendBulk)
			r.Put("/channels", h.setChannels)
			r.Post("/poll", h.poll)
			r.Post("/flows", h.createFlow)
		})

		r.Put("/flows/{flowID}/status", h.setFlowStatus)

		r.Route("/templates", func(r chi.Router) {
			r.Post("/", h.createTemplate)
			r.Get("/resolve", h.resolveTemplate)
			r.Post("/{templateID}/submit", h.submitTemplate)
			r.Post("/{templateID}/sync", h.syncTemplate)
			r.Post("/{templateID}/activate", h.templateAction((Templates).Activate))
			r.Post("/{templateID}/pause", h.templateAction((Templates).Pause))
			r.Post("/{templateID}/resume", h.templateAction((Templates).Resume))
			r.Put("/{templateID}/binding", h.rebindTemplate)
		})

		r.Get("/tenants/{tenantID}/quota", h.quotaUsage)

		r.Get("/providers/{channel}/test", h.testProvider)
	})
	return r
}
