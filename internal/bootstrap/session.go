package bootstrap

import (
	"context"
	"sync"
	"time"

	"github.com/helioworks/syncore/internal/identity"
	"github.com/helioworks/syncore/internal/platform"
	"github.com/helioworks/syncore/internal/tenant"
	"go.uber.org/zap"
)

// Platform is the subset of platform capabilities the session consumes on
// top of what the tenant resolver already uses.
type Platform interface {
	tenant.Platform
	QueryAdminProfile(ctx context.Context, filter platform.AdminProfileFilter) (*platform.AdminProfile, error)
}

// SessionConfig describes a bootstrap session.
type SessionConfig struct {
	Host           string
	Identities     *identity.Source
	Platform       Platform
	ResolveTimeout time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Session drives one bootstrap pipeline: identity changes flow into tenant
// resolution, tenant resolution gates authentication and profile loading,
// and the state machine publishes how far the sequence has come. Signal
// flow is strictly one way; an identity change starts a fresh resolution
// cycle instead of mutating anything downstream in place, and a machine
// that already reached Ready stays Ready while the cycle recomputes the
// resolution and profile underneath it.
type Session struct {
	host     string
	source   *identity.Source
	platform Platform
	resolver *tenant.Resolver
	machine  *Machine
	logger   *zap.Logger

	mu      sync.Mutex
	profile identity.Identity

	unsubscribe  func()
	timeoutTimer *time.Timer
}

// StartSession constructs the pipeline and runs the first cycle with the
// identity current at the time of the call. Later identity changes re-run
// the cycle on the subscriber's goroutine.
func StartSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.ResolveTimeout
	if timeout <= 0 {
		timeout = defaultResolveTimeout
	}

	session := &Session{
		host:     cfg.Host,
		source:   cfg.Identities,
		platform: cfg.Platform,
		resolver: tenant.NewResolver(tenant.ResolverConfig{
			Platform: cfg.Platform,
			Timeout:  timeout,
			Logger:   logger,
		}),
		machine: NewMachine(MachineConfig{
			ResolveTimeout: timeout,
			Clock:          cfg.Clock,
			Logger:         logger,
		}),
		logger:  logger,
		profile: identity.Anonymous(),
	}

	session.machine.Evaluate(Inputs{})
	// The machine only observes time when evaluated; make sure it is
	// evaluated at least once after the resolving deadline passes.
	session.timeoutTimer = time.AfterFunc(timeout+time.Second, func() {
		session.machine.Evaluate(Inputs{TenantResolved: session.resolver.Resolved()})
	})

	session.runCycle(ctx, session.source.Current())

	session.unsubscribe = session.source.Subscribe(func(next identity.Identity) {
		session.runCycle(context.Background(), next)
	})
	return session, nil
}

// State returns the machine state.
func (s *Session) State() State {
	return s.machine.State()
}

// Reason returns the machine's error reason, empty outside Error.
func (s *Session) Reason() string {
	return s.machine.Reason()
}

// ReadyReached reports the machine's ready latch.
func (s *Session) ReadyReached() bool {
	return s.machine.ReadyReached()
}

// Resolution returns the most recently published tenant resolution.
func (s *Session) Resolution() tenant.Resolution {
	return s.resolver.Current()
}

// Profile returns the identity as resolved against the profile tables,
// anonymous when no session or no profile exists.
func (s *Session) Profile() identity.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// Retry restarts a failed bootstrap from Init. Only meaningful from the
// Error state.
func (s *Session) Retry(ctx context.Context) {
	if s.machine.State() != StateError {
		return
	}
	s.machine.Retry()
	s.machine.Evaluate(Inputs{})
	s.runCycle(ctx, s.source.Current())
}

// Close detaches the session from the identity source.
func (s *Session) Close() {
	if s.timeoutTimer != nil {
		s.timeoutTimer.Stop()
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

func (s *Session) runCycle(ctx context.Context, current identity.Identity) {
	s.resolver.Resolve(ctx, s.host, current)

	inputs := Inputs{
		TenantResolved: s.resolver.Resolved(),
		AuthChecked:    true,
		SessionPresent: !current.IsAnonymous(),
	}

	if current.IsAnonymous() {
		s.setProfile(identity.Anonymous())
		s.machine.Evaluate(inputs)
		return
	}

	resolution := s.resolver.Current()
	profile, err := s.loadProfile(ctx, current, resolution)
	if err != nil {
		inputs.ProfileFailed = true
		inputs.ProfileReason = err.Error()
		s.logger.Error("profile load failed",
			zap.String("user_id", current.UserID),
			zap.Error(err))
		s.machine.Evaluate(inputs)
		return
	}
	s.setProfile(profile)
	inputs.ProfileFinished = true
	inputs.ProfileLoaded = !profile.IsAnonymous()
	s.machine.Evaluate(inputs)
}

// loadProfile restores the role binding for the signed-in user: admin
// first, then client inside the resolved tenant. A missing profile is not
// an error; the session stays usable with the raw identity.
func (s *Session) loadProfile(ctx context.Context, current identity.Identity, resolution tenant.Resolution) (identity.Identity, error) {
	admin, err := s.platform.QueryAdminProfile(ctx, platform.AdminProfileFilter{UserID: current.UserID})
	if err != nil {
		return identity.Anonymous(), err
	}
	if admin != nil {
		return identity.Admin(admin.UserID, admin.TenantID), nil
	}

	filter := platform.ClientProfileFilter{UserID: current.UserID}
	if resolution.TenantID != "" {
		filter.TenantID = resolution.TenantID
	}
	client, err := s.platform.QueryClientProfile(ctx, filter)
	if err != nil {
		return identity.Anonymous(), err
	}
	if client != nil {
		return identity.Client(client.UserID, client.TenantID, client.Email), nil
	}
	return identity.Anonymous(), nil
}

func (s *Session) setProfile(profile identity.Identity) {
	s.mu.Lock()
	s.profile = profile
	s.mu.Unlock()
}
