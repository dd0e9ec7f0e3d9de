// Package instance wraps a single conversational agent worker: its
// configuration, lifecycle state machine, live metrics, and the request
// semaphore that bounds its concurrency.
package instance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/agentpool/pkg/lifecycle"
	"github.com/cuemby/agentpool/pkg/poolerr"
	"github.com/cuemby/agentpool/pkg/types"
)

// Config is the immutable-by-convention configuration an instance was
// created with. Callers that need to change tier or quota use WithTier /
// WithQuota, which return a copy — the original is never mutated in
// place, matching the Python config's deep-copy helpers.
type Config struct {
	TenantID     string
	ProjectID    string
	AgentMode    string
	Tier         types.ProjectTier
	Quota        types.ResourceQuota
	TierOverride bool
	Params       map[string]string
}

// InstanceKey derives the canonical instance key from the config.
func (c Config) InstanceKey() types.InstanceKey {
	return types.InstanceKey{TenantID: c.TenantID, ProjectID: c.ProjectID, AgentMode: c.AgentMode}
}

// WithTier returns a copy of c with Tier replaced and TierOverride set,
// so the pool manager's lazy-migration path can flag an explicit pin.
func (c Config) WithTier(tier types.ProjectTier, quota types.ResourceQuota) Config {
	cp := c
	cp.Tier = tier
	cp.Quota = quota
	cp.TierOverride = true
	cp.Params = copyParams(c.Params)
	return cp
}

// WithQuota returns a copy of c with Quota replaced.
func (c Config) WithQuota(quota types.ResourceQuota) Config {
	cp := c
	cp.Quota = quota
	cp.Params = copyParams(c.Params)
	return cp
}

func copyParams(p map[string]string) map[string]string {
	if p == nil {
		return nil
	}
	cp := make(map[string]string, len(p))
	for k, v := range p {
		cp[k] = v
	}
	return cp
}

// ChatEvent is one item streamed back from Agent.Stream.
type ChatEvent struct {
	Kind    string // "token", "tool_call", "final", "error"
	Content string
	Err     error
}

// Agent is the contract every backend-provided worker must satisfy —
// the "Agent contract" external interface.
type Agent interface {
	Stream(ctx context.Context, prompt string) (<-chan ChatEvent, error)
	Health(ctx context.Context) (types.HealthCheckResult, error)
	Shutdown(ctx context.Context) error
}

// Instance is a single pool-managed agent worker.
type Instance struct {
	Config Config
	Agent  Agent

	sm *lifecycle.StateMachine

	mu            sync.RWMutex
	metrics       types.InstanceMetrics
	lastUsedAt    time.Time
	createdAt     time.Time
	requestSem    chan struct{}
	activeCount   int
	executeOrigin types.InstanceStatus
}

// New creates an instance in the StatusCreated state. Agent is nil until
// Initialize assigns one (the backend constructs it).
func New(cfg Config) *Instance {
	key := cfg.InstanceKey().String()
	maxConcurrent := cfg.Quota.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Instance{
		Config:     cfg,
		sm:         lifecycle.New(key),
		createdAt:  time.Now(),
		lastUsedAt: time.Now(),
		requestSem: make(chan struct{}, maxConcurrent),
	}
}

// StateMachine exposes the lifecycle machine for wiring listeners.
func (i *Instance) StateMachine() *lifecycle.StateMachine { return i.sm }

// Status is a shorthand for StateMachine().Status().
func (i *Instance) Status() types.InstanceStatus { return i.sm.Status() }

// Initialize transitions created->initializing->ready (or
// initialization_failed), assigning the backend-constructed Agent.
func (i *Instance) Initialize(ctx context.Context, agent Agent) error {
	if err := i.sm.Transition(lifecycle.TriggerInitialize, "initialize requested", nil); err != nil {
		return err
	}
	i.mu.Lock()
	i.Agent = agent
	i.mu.Unlock()

	if agent == nil {
		_ = i.sm.Transition(lifecycle.TriggerInitFailed, "backend returned nil agent", nil)
		return poolerr.New(poolerr.KindBackendUnavailable, poolerr.ErrBackendUnavailable, "instance: backend returned nil agent")
	}
	if _, err := agent.Health(ctx); err != nil {
		_ = i.sm.Transition(lifecycle.TriggerInitFailed, "initial health probe failed", map[string]any{"error": err.Error()})
		return fmt.Errorf("instance: initial health probe failed: %w", err)
	}
	return i.sm.Transition(lifecycle.TriggerInitComplete, "initial health probe passed", nil)
}

// Execute runs one request through the instance's agent, acquiring a
// concurrency slot bounded by the instance's quota. Only the request that
// takes the active-request count from 0 to 1 drives the ready/degraded ->
// executing transition; later concurrent requests ride along on the same
// executing state. The request that brings the count back to 0 restores
// the instance to whichever state it was executing from (ready or
// degraded), matching IsActive's documented contract that a degraded
// instance keeps serving requests.
func (i *Instance) Execute(ctx context.Context, prompt string) (<-chan ChatEvent, error) {
	select {
	case i.requestSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if !i.sm.IsActive() {
		<-i.requestSem
		return nil, poolerr.New(poolerr.KindInvalidTransition, poolerr.ErrInvalidTransition,
			"instance: not active (status %s)", i.sm.Status())
	}

	i.mu.Lock()
	i.activeCount++
	first := i.activeCount == 1
	if first {
		i.executeOrigin = i.sm.Status()
	}
	i.lastUsedAt = time.Now()
	agent := i.Agent
	i.mu.Unlock()

	if first {
		if err := i.sm.Transition(lifecycle.TriggerExecute, "first concurrent request admitted", nil); err != nil {
			i.mu.Lock()
			i.activeCount--
			i.mu.Unlock()
			<-i.requestSem
			return nil, err
		}
	}

	events, err := agent.Stream(ctx, prompt)
	if err != nil {
		i.completeRequest("stream start failed")
		return nil, err
	}

	out := make(chan ChatEvent, 8)
	go func() {
		defer close(out)
		defer i.completeRequest("request completed")
		for ev := range events {
			out <- ev
		}
	}()
	return out, nil
}

// completeRequest releases one request's concurrency slot, restoring the
// instance's pre-execution status once the last concurrent request drains.
func (i *Instance) completeRequest(reason string) {
	i.mu.Lock()
	i.activeCount--
	last := i.activeCount == 0
	origin := i.executeOrigin
	i.mu.Unlock()
	<-i.requestSem

	if !last {
		return
	}
	trigger := lifecycle.TriggerComplete
	if origin == types.StatusDegraded {
		trigger = lifecycle.TriggerCompleteDegraded
	}
	_ = i.sm.Transition(trigger, reason, nil)
}

// MarkRecovered transitions an unhealthy/degraded instance back to ready.
func (i *Instance) MarkRecovered() error {
	return i.sm.Transition(lifecycle.TriggerRecover, "recovered", nil)
}

// MarkUnhealthy records a failed health check.
func (i *Instance) MarkUnhealthy() error {
	return i.sm.Transition(lifecycle.TriggerHealthCheckFailed, "health check failed", nil)
}

// MarkDegraded moves an unhealthy instance into degraded service.
func (i *Instance) MarkDegraded() error {
	return i.sm.Transition(lifecycle.TriggerDegrade, "degraded after repeated health failures", nil)
}

// Pause / Resume toggle between ready and paused.
func (i *Instance) Pause() error {
	return i.sm.Transition(lifecycle.TriggerPause, "paused", nil)
}

func (i *Instance) Resume() error {
	return i.sm.Transition(lifecycle.TriggerResume, "resumed", nil)
}

// Stop terminates the instance, shutting down its backend agent. Stopping
// an instance that is already terminated returns nil.
func (i *Instance) Stop(ctx context.Context) error {
	if i.sm.Status() != types.StatusTerminated {
		if i.sm.CanTransition(lifecycle.TriggerTerminate) {
			if err := i.sm.Transition(lifecycle.TriggerTerminate, "shutdown requested", nil); err != nil {
				return err
			}
		} else if i.sm.CanTransition(lifecycle.TriggerForceTerminate) {
			if err := i.sm.Transition(lifecycle.TriggerForceTerminate, "shutdown requested while executing", nil); err != nil {
				return err
			}
		}
	}
	i.mu.RLock()
	agent := i.Agent
	i.mu.RUnlock()
	if agent != nil {
		if err := agent.Shutdown(ctx); err != nil {
			return fmt.Errorf("instance: shutdown: %w", err)
		}
	}
	if i.sm.Status() != types.StatusTerminating {
		return nil
	}
	return i.sm.Transition(lifecycle.TriggerTerminated, "agent shutdown complete", nil)
}

// UpdateMetrics records the latest reported metrics for the instance.
func (i *Instance) UpdateMetrics(m types.InstanceMetrics) {
	m.LastUpdated = time.Now()
	i.mu.Lock()
	i.metrics = m
	i.mu.Unlock()
}

// Metrics returns the last reported metrics.
func (i *Instance) Metrics() types.InstanceMetrics {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.metrics
}

// IsIdleExpired reports whether the instance has been unused longer than
// its tier's eviction threshold.
func (i *Instance) IsIdleExpired() bool {
	i.mu.RLock()
	lastUsed := i.lastUsedAt
	busy := i.activeCount > 0
	i.mu.RUnlock()
	if busy {
		return false
	}
	idle := time.Since(lastUsed)
	return idle > time.Duration(i.Config.Quota.EvictionIdleSecs)*time.Second
}

// Touch marks the instance as used right now, without running a request.
func (i *Instance) Touch() {
	i.mu.Lock()
	i.lastUsedAt = time.Now()
	i.mu.Unlock()
}
