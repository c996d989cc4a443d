package bootstrap

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultResolveTimeout = 10 * time.Second

// State is one stage of the session bootstrap sequence.
type State string

const (
	StateInit            State = "init"
	StateResolvingTenant State = "resolving_tenant"
	StateAuthenticating  State = "authenticating"
	StateLoadingProfile  State = "loading_profile"
	StateReady           State = "ready"
	StateError           State = "error"
)

const (
	reasonResolveTimeout = "tenant resolution timed out"
)

// Inputs are the observed booleans the guard table evaluates. Evaluate is
// called on every upstream signal change, not only on edges, so the same
// Inputs value may be seen many times.
type Inputs struct {
	TenantResolved bool
	TenantFailed   bool
	TenantReason   string

	AuthChecked    bool
	SessionPresent bool

	ProfileLoaded   bool
	ProfileFinished bool
	ProfileFailed   bool
	ProfileReason   string
}

// MachineConfig describes machine construction parameters.
type MachineConfig struct {
	ResolveTimeout time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Machine gates dependent data loading behind a linear bootstrap sequence.
// Ready and Error are the only terminal states; once Ready is reached the
// machine never leaves it automatically, and a separate latch records that
// Ready was reached so remounting observers cannot reset it.
type Machine struct {
	clock          func() time.Time
	resolveTimeout time.Duration
	logger         *zap.Logger

	mu              sync.Mutex
	state           State
	reason          string
	readyLatched    bool
	resolveDeadline time.Time
}

// NewMachine constructs a machine in the Init state.
func NewMachine(cfg MachineConfig) *Machine {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	timeout := cfg.ResolveTimeout
	if timeout <= 0 {
		timeout = defaultResolveTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		clock:          clock,
		resolveTimeout: timeout,
		logger:         logger,
		state:          StateInit,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reason returns the error reason, empty outside the Error state.
func (m *Machine) Reason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// ReadyReached reports whether the machine has ever reached Ready. The
// latch survives later Evaluate calls and is independent of observer
// lifecycles.
func (m *Machine) ReadyReached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readyLatched
}

// Evaluate advances the machine as far as the guard table allows for the
// given inputs and returns the resulting state. It is a pure function of
// current state plus inputs and is safe to invoke redundantly.
func (m *Machine) Evaluate(in Inputs) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		next, reason, moved := m.step(in)
		if !moved {
			return m.state
		}
		m.transition(next, reason)
	}
}

// Retry restarts the sequence from Init. Only meaningful from Error; in
// any other state it is a no-op.
func (m *Machine) Retry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateError {
		return
	}
	m.reason = ""
	m.resolveDeadline = time.Time{}
	m.transition(StateInit, "")
}

func (m *Machine) step(in Inputs) (State, string, bool) {
	switch m.state {
	case StateInit:
		return StateResolvingTenant, "", true
	case StateResolvingTenant:
		if in.TenantFailed {
			return StateError, nonEmpty(in.TenantReason, "tenant resolution failed"), true
		}
		if in.TenantResolved {
			return StateAuthenticating, "", true
		}
		if !m.resolveDeadline.IsZero() && m.clock().After(m.resolveDeadline) {
			return StateError, reasonResolveTimeout, true
		}
		return m.state, "", false
	case StateAuthenticating:
		if in.AuthChecked && !in.SessionPresent {
			return StateReady, "", true
		}
		if in.AuthChecked && in.SessionPresent {
			return StateLoadingProfile, "", true
		}
		return m.state, "", false
	case StateLoadingProfile:
		if in.ProfileFailed {
			return StateError, nonEmpty(in.ProfileReason, "profile load failed"), true
		}
		if in.ProfileLoaded || in.ProfileFinished {
			return StateReady, "", true
		}
		return m.state, "", false
	default:
		// Ready and Error are terminal; only Retry leaves Error.
		return m.state, "", false
	}
}

func (m *Machine) transition(next State, reason string) {
	previous := m.state
	m.state = next
	m.reason = reason
	switch next {
	case StateResolvingTenant:
		m.resolveDeadline = m.clock().Add(m.resolveTimeout)
	case StateReady:
		m.readyLatched = true
	}
	m.logger.Debug("bootstrap transition",
		zap.String("from", string(previous)),
		zap.String("to", string(next)),
		zap.String("reason", reason))
}

func nonEmpty(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
