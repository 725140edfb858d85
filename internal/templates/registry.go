// Package templates holds the per-channel message templates, their approval
// lifecycle, and resolution of a (type, style, locale) request to a sendable
// template.
package templates

import (
	"context"
	"fmt"

	"wedding-dispatch/internal/models"

	"github.com/rs/zerolog"
)

// Store is the persistence the registry needs.
type Store interface {
	CreateTemplate(ctx context.Context, t *models.MessageTemplate) error
	GetTemplate(ctx context.Context, id string) (*models.MessageTemplate, error)
	ListActiveTemplates(ctx context.Context, channel models.Channel, msgType, style, eventID string) ([]models.MessageTemplate, error)
	ListTemplatesByStatus(ctx context.Context, status models.TemplateStatus) ([]models.MessageTemplate, error)
	TransitionTemplate(ctx context.Context, id string, from, to models.TemplateStatus, contentSID, reason string) error
	ActivateTemplate(ctx context.Context, id string) error
	RebindTemplate(ctx context.Context, id, msgType, style string) error
}

// ApprovalState is what the provider reports for a submitted template.
type ApprovalState struct {
	Status models.TemplateStatus
	Reason string
}

// ApprovalClient talks to the provider's out-of-band approval workflow.
type ApprovalClient interface {
	// Submit registers the template with the provider (when needed) and
	// requests approval, returning the provider content id.
	Submit(ctx context.Context, t *models.MessageTemplate) (string, error)
	// Status fetches the provider's current approval decision.
	Status(ctx context.Context, contentSID string) (ApprovalState, error)
}

// Query selects a template.
type Query struct {
	Type    string
	Style   string
	Locale  string
	Channel models.Channel
	EventID string
}

type Registry struct {
	store         Store
	approvals     ApprovalClient
	defaultStyle  string
	defaultLocale string
	log           zerolog.Logger
}

// NewRegistry creates a template registry. approvals may be nil when no
// approval channel is configured.
func NewRegistry(store Store, approvals ApprovalClient, defaultStyle, defaultLocale string, log zerolog.Logger) *Registry {
	return &Registry{
		store:         store,
		approvals:     approvals,
		defaultStyle:  defaultStyle,
		defaultLocale: defaultLocale,
		log:           log.With().Str("component", "templates").Logger(),
	}
}

// Resolve returns the sendable template for q. The event-level override is
// preferred, then the global default. Within a scope the requested locale
// wins over the default locale. When nothing is usable a NOT_APPROVED
// DispatchError explains why.
func (r *Registry) Resolve(ctx context.Context, q Query) (*models.MessageTemplate, error) {
	style := q.Style
	if style == "" {
		style = r.defaultStyle
	}

	scopes := []string{""}
	if q.EventID != "" {
		scopes = []string{q.EventID, ""}
	}

	reason := "no approved template"
	for _, scope := range scopes {
		candidates, err := r.store.ListActiveTemplates(ctx, q.Channel, q.Type, style, scope)
		if err != nil {
			return nil, models.NewError(models.KindInternal, "template lookup failed", err)
		}

		for _, locale := range r.localeOrder(q.Locale) {
			for i := range candidates {
				t := &candidates[i]
				if t.Locale != locale {
					continue
				}
				if t.Sendable() {
					return t, nil
				}
				reason = unusableReason(t)
			}
		}
	}

	return nil, models.NewError(models.KindNotApproved,
		fmt.Sprintf("%s/%s/%s on %s: %s", q.Type, style, q.Locale, q.Channel, reason), nil)
}

func (r *Registry) localeOrder(requested string) []string {
	switch {
	case requested == "":
		return []string{r.defaultLocale}
	case requested == r.defaultLocale:
		return []string{requested}
	default:
		return []string{requested, r.defaultLocale}
	}
}

func unusableReason(t *models.MessageTemplate) string {
	if t.Status == models.TemplateApproved {
		return fmt.Sprintf("template %s approved locally but not confirmed by the provider", t.ID)
	}
	return fmt.Sprintf("template %s is %s", t.ID, t.Status)
}

// Create stores a new template. Templates on channels without a provider
// approval workflow start APPROVED; the rest start as DRAFT.
func (r *Registry) Create(ctx context.Context, t *models.MessageTemplate) error {
	if t.Type == "" || t.Body == "" {
		return fmt.Errorf("template type and body are required")
	}
	if t.Style == "" {
		t.Style = r.defaultStyle
	}
	if t.Locale == "" {
		t.Locale = r.defaultLocale
	}
	if t.Channel.RequiresApproval() {
		t.Status = models.TemplateDraft
	} else {
		t.Status = models.TemplateApproved
	}
	return r.store.CreateTemplate(ctx, t)
}

// SubmitForApproval sends a DRAFT or REJECTED template to the provider and
// moves it to PENDING.
func (r *Registry) SubmitForApproval(ctx context.Context, id string) (*models.MessageTemplate, error) {
	t, err := r.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.Channel.RequiresApproval() {
		return nil, fmt.Errorf("channel %s has no approval workflow", t.Channel)
	}
	if !t.Status.CanTransition(models.TemplatePending) {
		return nil, fmt.Errorf("template %s is %s and cannot be submitted", id, t.Status)
	}
	if r.approvals == nil {
		return nil, models.NewError(models.KindConfigMissing, "no approval client configured", nil)
	}

	sid, err := r.approvals.Submit(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("failed to submit template %s: %w", id, err)
	}
	if err := r.store.TransitionTemplate(ctx, id, t.Status, models.TemplatePending, sid, ""); err != nil {
		return nil, err
	}

	r.log.Info().Str("template", id).Str("content_sid", sid).Msg("Template submitted for approval")
	return r.store.GetTemplate(ctx, id)
}

// SyncApprovalStatus pulls the provider's decision for a template and applies
// it locally when the state machine allows the move.
func (r *Registry) SyncApprovalStatus(ctx context.Context, id string) (*models.MessageTemplate, error) {
	t, err := r.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.Channel.RequiresApproval() {
		return t, nil
	}
	if t.ContentSID == "" {
		return nil, fmt.Errorf("template %s was never submitted", id)
	}
	if r.approvals == nil {
		return nil, models.NewError(models.KindConfigMissing, "no approval client configured", nil)
	}

	state, err := r.approvals.Status(ctx, t.ContentSID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch approval status for %s: %w", id, err)
	}
	if state.Status == t.Status {
		return t, nil
	}
	// Leaving PAUSED is administrative, only Resume does it.
	if !t.Status.CanTransition(state.Status) || t.Status == models.TemplatePaused {
		r.log.Warn().
			Str("template", id).
			Str("local", string(t.Status)).
			Str("provider", string(state.Status)).
			Msg("Ignoring provider approval state")
		return t, nil
	}

	if err := r.store.TransitionTemplate(ctx, id, t.Status, state.Status, "", state.Reason); err != nil {
		return nil, err
	}
	r.log.Info().
		Str("template", id).
		Str("from", string(t.Status)).
		Str("to", string(state.Status)).
		Msg("Template approval state synced")
	return r.store.GetTemplate(ctx, id)
}

// SyncAll reconciles every PENDING and APPROVED approval-channel template,
// returning how many changed state. Per-template failures are logged and
// skipped.
func (r *Registry) SyncAll(ctx context.Context) (int, error) {
	changed := 0
	for _, status := range []models.TemplateStatus{models.TemplatePending, models.TemplateApproved} {
		list, err := r.store.ListTemplatesByStatus(ctx, status)
		if err != nil {
			return changed, err
		}
		for _, t := range list {
			if !t.Channel.RequiresApproval() || t.ContentSID == "" {
				continue
			}
			updated, err := r.SyncApprovalStatus(ctx, t.ID)
			if err != nil {
				r.log.Error().Err(err).Str("template", t.ID).Msg("Approval sync failed")
				continue
			}
			if updated.Status != t.Status {
				changed++
			}
		}
	}
	return changed, nil
}

// Pause takes an APPROVED template out of rotation.
func (r *Registry) Pause(ctx context.Context, id string) error {
	return r.store.TransitionTemplate(ctx, id, models.TemplateApproved, models.TemplatePaused, "", "")
}

// Resume returns a PAUSED template to APPROVED.
func (r *Registry) Resume(ctx context.Context, id string) error {
	return r.store.TransitionTemplate(ctx, id, models.TemplatePaused, models.TemplateApproved, "", "")
}

// Activate makes the template the active one for its binding and scope.
func (r *Registry) Activate(ctx context.Context, id string) error {
	return r.store.ActivateTemplate(ctx, id)
}

// Rebind reassigns the template's (type, style) binding.
func (r *Registry) Rebind(ctx context.Context, id, msgType, style string) error {
	return r.store.RebindTemplate(ctx, id, msgType, style)
}
