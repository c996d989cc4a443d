package tenant

import (
	"context"
	"sync"
	"time"

	"github.com/helioworks/syncore/internal/identity"
	"github.com/helioworks/syncore/internal/platform"
	"go.uber.org/zap"
)

const defaultResolveTimeout = 10 * time.Second

// Platform is the subset of platform capabilities the resolver consumes.
type Platform interface {
	ResolveTenantFromHost(ctx context.Context, host string) (string, error)
	PlatformTenant(ctx context.Context) (string, error)
	QueryClientProfile(ctx context.Context, filter platform.ClientProfileFilter) (*platform.ClientProfile, error)
	LinkClientProfileByEmail(ctx context.Context, userID, email, tenantID string) (string, error)
}

// Resolution is the outcome of one run of the fallback chain. TenantID is
// empty only in the degraded null-tenant fallback.
type Resolution struct {
	TenantID         string
	PlatformFallback bool
}

// ResolverConfig describes the dependencies of a Resolver.
type ResolverConfig struct {
	Platform Platform
	Timeout  time.Duration
	Logger   *zap.Logger
}

// Resolver runs the prioritized tenant fallback chain. A resolver is built
// once per identity lifecycle; an identity change triggers a fresh Resolve
// call, never a mutation of an already-published resolution. Concurrent
// Resolve calls are coalesced by generation: only the most recently
// requested resolution may publish, so a slow stale run cannot overwrite a
// newer result.
type Resolver struct {
	platform Platform
	timeout  time.Duration
	logger   *zap.Logger

	mu         sync.Mutex
	generation uint64
	resolved   bool
	current    Resolution
}

// NewResolver constructs a resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultResolveTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		platform: cfg.Platform,
		timeout:  timeout,
		logger:   logger,
	}
}

// Resolved reports whether at least one resolution has been published. The
// flag latches true exactly once per resolver lifetime.
func (r *Resolver) Resolved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved
}

// Current returns the most recently published resolution.
func (r *Resolver) Current() Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Resolve runs the chain for the host and identity and returns its outcome.
// The chain never fails: each lookup error degrades to the next step and
// the terminal platform-fallback step degrades to a null tenant. The
// outcome is published as Current only when no newer Resolve has been
// requested in the meantime.
func (r *Resolver) Resolve(ctx context.Context, host string, id identity.Identity) Resolution {
	r.mu.Lock()
	r.generation++
	generation := r.generation
	r.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resolution := r.evaluate(runCtx, host, id)

	r.mu.Lock()
	if generation == r.generation {
		r.current = resolution
		r.resolved = true
	} else {
		r.logger.Debug("discarding stale tenant resolution",
			zap.Uint64("generation", generation),
			zap.Uint64("latest", r.generation))
	}
	r.mu.Unlock()
	return resolution
}

func (r *Resolver) evaluate(ctx context.Context, host string, id identity.Identity) Resolution {
	hostLookup := &hostTenantLookup{resolver: r, host: host}

	// 1. Admins carry their tenant binding on the identity itself.
	if id.Role == identity.RoleAdmin && id.TenantID != "" {
		return Resolution{TenantID: id.TenantID}
	}

	if id.Role == identity.RoleClient {
		hostTenant := hostLookup.tenantID(ctx)

		// 2. A profile already bound to both this user and the host's
		// tenant wins; this prevents accidental cross-tenant linking.
		if hostTenant != "" {
			profile, err := r.platform.QueryClientProfile(ctx, platform.ClientProfileFilter{
				UserID:   id.UserID,
				TenantID: hostTenant,
			})
			if err != nil {
				r.logStep("bound_profile_lookup", err)
			} else if profile != nil {
				return Resolution{TenantID: hostTenant}
			}
		}

		// 3. Link an invited profile in the host's tenant by email. The
		// only mutating step; it is idempotent on re-runs.
		if hostTenant != "" && id.Email != "" {
			profileID, err := r.platform.LinkClientProfileByEmail(ctx, id.UserID, id.Email, hostTenant)
			if err != nil {
				r.logStep("link_by_email", err)
			} else if profileID != "" {
				return Resolution{TenantID: hostTenant}
			}
		}

		// 4. A profile bound to this user in any tenant.
		if id.UserID != "" {
			profile, err := r.platform.QueryClientProfile(ctx, platform.ClientProfileFilter{UserID: id.UserID})
			if err != nil {
				r.logStep("any_tenant_profile_lookup", err)
			} else if profile != nil {
				return Resolution{TenantID: profile.TenantID}
			}
		}

		// 5. A profile matching the identity's email covers deferred-link
		// scenarios such as passwordless sign-in before binding.
		if id.Email != "" {
			profile, err := r.platform.QueryClientProfile(ctx, platform.ClientProfileFilter{Email: id.Email})
			if err != nil {
				r.logStep("email_profile_lookup", err)
			} else if profile != nil {
				return Resolution{TenantID: profile.TenantID}
			}
		}
	}

	// 6. The host alone, for anonymous users or identities with no binding.
	if hostTenant := hostLookup.tenantID(ctx); hostTenant != "" {
		return Resolution{TenantID: hostTenant}
	}

	// 7. The designated platform tenant; degrade to a null tenant rather
	// than failing startup when even that lookup misses.
	platformTenant, err := r.platform.PlatformTenant(ctx)
	if err != nil {
		r.logStep("platform_tenant_lookup", err)
		return Resolution{PlatformFallback: true}
	}
	return Resolution{TenantID: platformTenant, PlatformFallback: true}
}

func (r *Resolver) logStep(step string, err error) {
	r.logger.Debug("tenant resolution step degraded", zap.String("step", step), zap.Error(err))
}

// hostTenantLookup memoizes the host RPC so the chain performs it at most
// once per evaluation, and only when a step needs it.
type hostTenantLookup struct {
	resolver *Resolver
	host     string
	done     bool
	tenant   string
}

func (l *hostTenantLookup) tenantID(ctx context.Context) string {
	if l.done {
		return l.tenant
	}
	l.done = true
	if l.host == "" {
		return ""
	}
	tenantID, err := l.resolver.platform.ResolveTenantFromHost(ctx, l.host)
	if err != nil {
		l.resolver.logStep("host_lookup", err)
		return ""
	}
	l.tenant = tenantID
	return l.tenant
}
