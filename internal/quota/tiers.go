package quota

import (
	"context"
	"fmt"

	"wedding-dispatch/internal/models"
)

// TenantDirectory looks up a tenant's subscription plan.
type TenantDirectory interface {
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
}

// PlanTiers resolves limits from a static plan table. Channels missing from a
// plan are disabled; unknown plans fall back to DefaultPlan.
type PlanTiers struct {
	Tenants     TenantDirectory
	Plans       map[string]map[models.Channel]int
	DefaultPlan string
}

// LimitFor implements Limits.
func (p *PlanTiers) LimitFor(ctx context.Context, tenantID string, ch models.Channel) (int, error) {
	tenant, err := p.Tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	plan, ok := p.Plans[tenant.Plan]
	if !ok {
		plan, ok = p.Plans[p.DefaultPlan]
		if !ok {
			return 0, fmt.Errorf("tenant %s has unknown plan %q", tenantID, tenant.Plan)
		}
	}
	return plan[ch], nil
}
