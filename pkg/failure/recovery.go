// Package failure detects recurring instance failures and drives recovery
// with exponential backoff, escalating to an alert when a failure pattern
// exceeds the configured rate.
package failure

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cuemby/agentpool/pkg/log"
	"github.com/cuemby/agentpool/pkg/types"
)

// Strategy is how the service attempts to recover from a failure.
type Strategy string

const (
	StrategyRestart  Strategy = "restart"
	StrategyRecover  Strategy = "recover"
	StrategyMigrate  Strategy = "migrate"
	StrategyEscalate Strategy = "escalate"
)

// Status tracks an in-flight recovery attempt.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Action is the recovery recipe for one failure type.
type Action struct {
	Strategy        Strategy
	MaxRetries      int
	RetryDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay        time.Duration
}

// actionTable is the exact per-failure-type recovery recipe from the
// Python reference's FailureRecoveryService.
var actionTable = map[types.FailureType]Action{
	types.FailureHealthCheckFailed:    {StrategyRestart, 3, 10 * time.Second, 2.0, 300 * time.Second},
	types.FailureInitializationFailed: {StrategyRestart, 2, 30 * time.Second, 2.0, 300 * time.Second},
	types.FailureExecutionError:       {StrategyRecover, 2, 5 * time.Second, 2.0, 300 * time.Second},
	types.FailureResourceExhausted:    {StrategyMigrate, 1, 60 * time.Second, 2.0, 300 * time.Second},
	types.FailureTimeout:              {StrategyRestart, 2, 10 * time.Second, 2.0, 300 * time.Second},
	types.FailureConnectionLost:       {StrategyRestart, 5, 5 * time.Second, 2.0, 300 * time.Second},
	types.FailureContainerCrashed:     {StrategyRecover, 3, 30 * time.Second, 2.0, 300 * time.Second},
	types.FailureUnknown:              {StrategyEscalate, 1, 60 * time.Second, 2.0, 300 * time.Second},
}

// Event is one reported failure occurrence.
type Event struct {
	InstanceKey string
	Type        types.FailureType
	Message     string
	At          time.Time
}

// Config tunes pattern detection.
type Config struct {
	MaxFailuresPerHour     int
	PatternDetectionWindow time.Duration
	AutoRecover            bool
}

// DefaultConfig matches the Python service's defaults.
func DefaultConfig() Config {
	return Config{MaxFailuresPerHour: 10, PatternDetectionWindow: 60 * time.Minute, AutoRecover: true}
}

// Recoverer is what the service needs from the pool manager to actually
// carry out a recovery strategy.
type Recoverer interface {
	Restart(ctx context.Context, instanceKey string) error
	RecoverFromCheckpoint(ctx context.Context, instanceKey string) error
	DowngradeTier(ctx context.Context, instanceKey string) error
}

// Callbacks notify on the three outcomes the orchestrator cares about.
type Callbacks struct {
	OnFailure   func(Event)
	OnRecovery  func(instanceKey string, strategy Strategy, success bool)
	OnEscalation func(instanceKey string, occurrences int)
}

// Service tracks failure history per instance and drives recovery.
type Service struct {
	cfg       Config
	recoverer Recoverer
	callbacks Callbacks

	mu              sync.Mutex
	history         map[string][]Event
	activeRecoveries map[string]bool
}

// New builds a Service.
func New(cfg Config, recoverer Recoverer, callbacks Callbacks) *Service {
	return &Service{
		cfg:              cfg,
		recoverer:        recoverer,
		callbacks:        callbacks,
		history:          make(map[string][]Event),
		activeRecoveries: make(map[string]bool),
	}
}

// ReportFailure records ev, prunes the detection window, checks for a
// recurring pattern, and (if AutoRecover) spawns recovery asynchronously.
func (s *Service) ReportFailure(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if s.callbacks.OnFailure != nil {
		s.callbacks.OnFailure(ev)
	}

	s.mu.Lock()
	s.history[ev.InstanceKey] = append(s.history[ev.InstanceKey], ev)
	s.history[ev.InstanceKey] = pruneWindow(s.history[ev.InstanceKey], s.cfg.PatternDetectionWindow)
	count := len(s.history[ev.InstanceKey])
	alreadyRecovering := s.activeRecoveries[ev.InstanceKey]
	s.mu.Unlock()

	isRecurring := count >= 3
	if isRecurring && count >= s.cfg.MaxFailuresPerHour {
		if s.callbacks.OnEscalation != nil {
			s.callbacks.OnEscalation(ev.InstanceKey, count)
		}
		return
	}

	if s.cfg.AutoRecover && !alreadyRecovering {
		go s.attemptRecovery(ctx, ev)
	}
}

func pruneWindow(events []Event, window time.Duration) []Event {
	cutoff := time.Now().Add(-window)
	i := 0
	for ; i < len(events); i++ {
		if events[i].At.After(cutoff) {
			break
		}
	}
	return events[i:]
}

func (s *Service) attemptRecovery(ctx context.Context, ev Event) {
	s.mu.Lock()
	if s.activeRecoveries[ev.InstanceKey] {
		s.mu.Unlock()
		return
	}
	s.activeRecoveries[ev.InstanceKey] = true
	attempts := len(s.history[ev.InstanceKey])
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.activeRecoveries, ev.InstanceKey)
		s.mu.Unlock()
	}()

	action, ok := actionTable[ev.Type]
	if !ok {
		action = actionTable[types.FailureUnknown]
	}

	if attempts > action.MaxRetries {
		if s.callbacks.OnEscalation != nil {
			s.callbacks.OnEscalation(ev.InstanceKey, attempts)
		}
		return
	}

	delay := time.Duration(float64(action.RetryDelay) * math.Pow(action.BackoffMultiplier, float64(attempts-1)))
	if delay > action.MaxDelay {
		delay = action.MaxDelay
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}

	var err error
	switch action.Strategy {
	case StrategyRestart:
		err = s.recoverer.Restart(ctx, ev.InstanceKey)
	case StrategyRecover:
		err = s.recoverer.RecoverFromCheckpoint(ctx, ev.InstanceKey)
		if err == nil {
			err = s.recoverer.Restart(ctx, ev.InstanceKey)
		}
	case StrategyMigrate:
		err = s.recoverer.DowngradeTier(ctx, ev.InstanceKey)
		if err == nil {
			err = s.recoverer.Restart(ctx, ev.InstanceKey)
		}
	case StrategyEscalate:
		if s.callbacks.OnEscalation != nil {
			s.callbacks.OnEscalation(ev.InstanceKey, attempts)
		}
		return
	}

	success := err == nil
	if !success {
		log.WithInstanceKey(ev.InstanceKey).Error().Err(err).Str("strategy", string(action.Strategy)).Msg("recovery attempt failed")
	}
	if s.callbacks.OnRecovery != nil {
		s.callbacks.OnRecovery(ev.InstanceKey, action.Strategy, success)
	}
}
