package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

// activeLookup is the store dependency of the resolver, narrowed for testing
type activeLookup interface {
	GetActive(ctx context.Context, tenantID uuid.UUID) (Policy, bool, error)
}

// Resolver answers "which policy governs this tenant right now" with a short
// TTL cache in front of the store. A lookup failure is propagated, never
// silently replaced with defaults: only a confirmed absence falls back.
type Resolver struct {
	store  activeLookup
	cache  *gocache.Cache
	logger *slog.Logger
}

// NewResolver creates a resolver with the given cache TTL
func NewResolver(store activeLookup, ttl time.Duration, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		cache:  gocache.New(ttl, 2*ttl),
		logger: logger,
	}
}

// Active returns the tenant's governing policy, using documented defaults
// when the tenant has no active policy of its own
func (r *Resolver) Active(ctx context.Context, tenantID uuid.UUID) (Policy, error) {
	key := tenantID.String()

	if cached, ok := r.cache.Get(key); ok {
		return cached.(Policy), nil
	}

	p, found, err := r.store.GetActive(ctx, tenantID)
	if err != nil {
		return Policy{}, fmt.Errorf("policy lookup failed: %w", err)
	}
	if !found {
		p = Default()
		p.TenantID = tenantID
		r.logger.Debug("No active policy for tenant, using defaults", "tenant_id", tenantID)
	}

	r.cache.SetDefault(key, p)
	return p, nil
}

// Invalidate drops the cached policy for a tenant, forcing the next lookup
// to hit the store. Called after a policy activation.
func (r *Resolver) Invalidate(tenantID uuid.UUID) {
	r.cache.Delete(tenantID.String())
}
