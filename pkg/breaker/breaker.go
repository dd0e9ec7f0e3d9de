// Package breaker implements a per-instance circuit breaker with a sliding
// failure window and half-open trial requests, plus a registry keyed by
// instance key.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/cuemby/agentpool/pkg/poolerr"
	"github.com/cuemby/agentpool/pkg/types"
)

// Config tunes a breaker's thresholds.
type Config struct {
	FailureThreshold  int
	RecoveryTimeout   time.Duration
	HalfOpenRequests  int
	SuccessThreshold  int
	WindowSeconds      time.Duration

	// ExcludedErrorKinds are poolerr.Kinds that never count as a breaker
	// failure — e.g. a caller hitting its own quota isn't the backend's
	// fault and shouldn't trip the circuit. An excluded error is recorded
	// as a success, matching the Python breaker's "excluded exceptions
	// count as success" behavior.
	ExcludedErrorKinds []poolerr.Kind
}

// DefaultConfig matches the pool's built-in breaker defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   5,
		RecoveryTimeout:    60 * time.Second,
		HalfOpenRequests:   3,
		SuccessThreshold:   2,
		WindowSeconds:      60 * time.Second,
		ExcludedErrorKinds: []poolerr.Kind{poolerr.KindQuotaExceeded, poolerr.KindInvalidTransition},
	}
}

// Stats is a snapshot of a breaker's counters.
type Stats struct {
	State           types.CircuitState
	TotalCalls      int64
	TotalFailures   int64
	TotalSuccesses  int64
	ConsecutiveFailures int
	ConsecutiveSuccesses int
	LastFailureAt   time.Time
	LastStateChange time.Time
}

// FailureRate returns TotalFailures/TotalCalls, or 0 with no calls yet.
func (s Stats) FailureRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.TotalFailures) / float64(s.TotalCalls)
}

// Breaker guards calls to a single unreliable dependency.
type Breaker struct {
	mu     sync.Mutex
	cfg    Config
	state  types.CircuitState
	stats  Stats
	failureTimes []time.Time
	halfOpenInFlight int
	stateHistory     []stateChange
}

type stateChange struct {
	from, to types.CircuitState
	at       time.Time
}

// New creates a closed breaker with cfg.
func New(cfg Config) *Breaker {
	return &Breaker{
		cfg:   cfg,
		state: types.CircuitClosed,
		stats: Stats{State: types.CircuitClosed, LastStateChange: time.Now()},
	}
}

// Allow reports whether a call may proceed, transitioning open->half_open
// once the recovery timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case types.CircuitClosed:
		return true
	case types.CircuitOpen:
		if time.Since(b.stats.LastStateChange) >= b.cfg.RecoveryTimeout {
			b.transitionTo(types.CircuitHalfOpen)
			b.halfOpenInFlight = 1
			return true
		}
		return false
	case types.CircuitHalfOpen:
		if b.halfOpenInFlight < b.cfg.HalfOpenRequests {
			b.halfOpenInFlight++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess registers a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.TotalCalls++
	b.stats.TotalSuccesses++
	b.stats.ConsecutiveSuccesses++
	b.stats.ConsecutiveFailures = 0

	if b.state == types.CircuitHalfOpen && b.stats.ConsecutiveSuccesses >= b.cfg.SuccessThreshold {
		b.transitionTo(types.CircuitClosed)
		b.failureTimes = nil
	}
}

// RecordFailure registers a failed call, possibly tripping the breaker.
// If err's poolerr.Kind is in the breaker's ExcludedErrorKinds, it is
// recorded as a success instead: the breaker only trips on failures of
// the dependency it guards, not on errors the caller caused itself.
func (b *Breaker) RecordFailure(err error) {
	if b.isExcluded(err) {
		b.RecordSuccess()
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.stats.TotalCalls++
	b.stats.TotalFailures++
	b.stats.ConsecutiveFailures++
	b.stats.ConsecutiveSuccesses = 0
	b.stats.LastFailureAt = now

	if b.state == types.CircuitHalfOpen {
		b.transitionTo(types.CircuitOpen)
		return
	}

	b.failureTimes = append(b.failureTimes, now)
	b.pruneFailuresLocked(now)
	if len(b.failureTimes) >= b.cfg.FailureThreshold {
		b.transitionTo(types.CircuitOpen)
	}
}

func (b *Breaker) isExcluded(err error) bool {
	if err == nil || len(b.cfg.ExcludedErrorKinds) == 0 {
		return false
	}
	var perr *poolerr.Error
	if !errors.As(err, &perr) {
		return false
	}
	for _, kind := range b.cfg.ExcludedErrorKinds {
		if perr.Kind == kind {
			return true
		}
	}
	return false
}

func (b *Breaker) pruneFailuresLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.WindowSeconds)
	i := 0
	for ; i < len(b.failureTimes); i++ {
		if b.failureTimes[i].After(cutoff) {
			break
		}
	}
	b.failureTimes = b.failureTimes[i:]
}

func (b *Breaker) transitionTo(to types.CircuitState) {
	from := b.state
	b.state = to
	b.stats.State = to
	b.stats.LastStateChange = time.Now()
	b.stats.ConsecutiveFailures = 0
	b.stats.ConsecutiveSuccesses = 0
	b.halfOpenInFlight = 0
	b.stateHistory = append(b.stateHistory, stateChange{from, to, b.stats.LastStateChange})
	if len(b.stateHistory) > 100 {
		b.stateHistory = b.stateHistory[len(b.stateHistory)-100:]
	}
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(types.CircuitClosed)
	b.failureTimes = nil
}

// Trip forces the breaker open.
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(types.CircuitOpen)
}

// TimeUntilReset returns how long until an open breaker may try half-open,
// or zero if not open.
func (b *Breaker) TimeUntilReset() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != types.CircuitOpen {
		return 0
	}
	remaining := b.cfg.RecoveryTimeout - time.Since(b.stats.LastStateChange)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// State returns the current circuit state.
func (b *Breaker) State() types.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ErrOpen is returned by Call when the breaker rejects the call.
var ErrOpen = poolerr.New(poolerr.KindCircuitOpen, poolerr.ErrCircuitOpen, "circuit breaker open")

// Call runs fn if Allow permits it, recording the outcome.
func (b *Breaker) Call(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure(err)
		return err
	}
	b.RecordSuccess()
	return nil
}

// Registry manages one Breaker per instance key.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers all share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// GetOrCreate returns the breaker for key, creating it if absent.
func (r *Registry) GetOrCreate(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = New(r.cfg)
		r.breakers[key] = b
	}
	return b
}

// Get returns the breaker for key, or nil if none exists.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.breakers[key]
}

// Remove discards the breaker for key.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, key)
}

// ListAll returns every tracked key and its breaker.
func (r *Registry) ListAll() map[string]*Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*Breaker, len(r.breakers))
	for k, v := range r.breakers {
		out[k] = v
	}
	return out
}

// ResetAll forces every tracked breaker closed.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
