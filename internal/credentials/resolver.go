package credentials

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/pulsebet/ledgersync/internal/domain"
	"github.com/pulsebet/ledgersync/internal/persistence"
)

// Resolver finds the credential bundle authorizing external ledger calls on
// a tenant's behalf, walking the ownership tree upward when the tenant holds
// none itself. Resolution is a pure read; errors are returned so a shared
// loop can skip one tenant without crashing the rest.
type Resolver struct {
	tenants  persistence.TenantRepo
	maxDepth int
}

// NewResolver creates a resolver. maxDepth bounds the parent walk as a guard
// against corrupt or cyclic ownership data.
func NewResolver(tenants persistence.TenantRepo, maxDepth int) *Resolver {
	return &Resolver{tenants: tenants, maxDepth: maxDepth}
}

// Resolve returns the credentials for tenant.
//
// Root tier: a fan-out of the root's own complete bundle (if any) plus every
// top-level tenant's complete bundle, supporting supervise-everything mode.
// Any other tier: the tenant's own complete bundle, else the first complete
// bundle found walking parent references, within maxDepth hops.
func (r *Resolver) Resolve(ctx context.Context, tenant *domain.Tenant) (domain.Resolution, error) {
	if tenant == nil {
		return domain.Resolution{}, fmt.Errorf("%w: nil tenant", domain.ErrCredentialNotFound)
	}

	if tenant.Tier == domain.RootTier {
		return r.resolveRoot(ctx, tenant)
	}

	if b, ok := tenant.Bundle(); ok {
		return domain.Single(b), nil
	}

	current := tenant
	for hop := 0; hop < r.maxDepth; hop++ {
		if !current.ParentID.Valid {
			return domain.Resolution{}, fmt.Errorf("%w: tenant %d chain exhausted at tenant %d",
				domain.ErrCredentialNotFound, tenant.ID, current.ID)
		}

		parent, err := r.tenants.GetByID(ctx, current.ParentID.Int64)
		if err != nil {
			return domain.Resolution{}, fmt.Errorf("credential walk for tenant %d: %w", tenant.ID, err)
		}
		if parent == nil {
			return domain.Resolution{}, fmt.Errorf("%w: tenant %d references missing parent %d",
				domain.ErrCredentialNotFound, tenant.ID, current.ParentID.Int64)
		}

		if b, ok := parent.Bundle(); ok {
			return domain.Single(b), nil
		}
		current = parent
	}

	log.Warn().Int64("tenant", tenant.ID).Int("max_depth", r.maxDepth).
		Msg("credential walk hit depth limit")
	return domain.Resolution{}, fmt.Errorf("%w: tenant %d exceeded max chain depth %d",
		domain.ErrCredentialNotFound, tenant.ID, r.maxDepth)
}

func (r *Resolver) resolveRoot(ctx context.Context, root *domain.Tenant) (domain.Resolution, error) {
	var bundles []domain.CredentialBundle

	if b, ok := root.Bundle(); ok {
		bundles = append(bundles, b)
	}

	tops, err := r.tenants.ListTopLevel(ctx)
	if err != nil {
		return domain.Resolution{}, fmt.Errorf("credential fan-out for root %d: %w", root.ID, err)
	}
	for _, t := range tops {
		if b, ok := t.Bundle(); ok {
			bundles = append(bundles, b)
		}
	}

	if len(bundles) == 0 {
		return domain.Resolution{}, fmt.Errorf("%w: root %d has no credentialed tenants",
			domain.ErrCredentialNotFound, root.ID)
	}
	return domain.FanoutOf(bundles), nil
}
