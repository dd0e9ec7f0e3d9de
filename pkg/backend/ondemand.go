package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/agentpool/pkg/instance"
	"github.com/cuemby/agentpool/pkg/log"
	"github.com/cuemby/agentpool/pkg/poolerr"
	"github.com/cuemby/agentpool/pkg/types"
)

// OnDemandConfig tunes the cold-tier backend.
type OnDemandConfig struct {
	MaxInstances        int
	IdleTimeout         time.Duration
	CreationTimeout     time.Duration
	WorkerURLTemplate   string // e.g. "http://localhost:%d" keyed by a port allocator in a real deployment
}

// DefaultOnDemandConfig matches the Python cold-tier defaults.
func DefaultOnDemandConfig() OnDemandConfig {
	return OnDemandConfig{
		MaxInstances:    10,
		IdleTimeout:     300 * time.Second,
		CreationTimeout: 60 * time.Second,
	}
}

// OnDemandBackend creates an instance the first time a project is seen
// and tears it down after IdleTimeout of inactivity.
type OnDemandBackend struct {
	cfg OnDemandConfig

	mu        sync.Mutex
	instances map[string]*instance.Instance

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewOnDemandBackend builds a backend bound to cfg.
func NewOnDemandBackend(cfg OnDemandConfig) *OnDemandBackend {
	return &OnDemandBackend{cfg: cfg, instances: make(map[string]*instance.Instance)}
}

func (b *OnDemandBackend) Type() Type { return TypeOnDemand }

// Start launches the idle-cleanup loop.
func (b *OnDemandBackend) Start(ctx context.Context) error {
	b.stopCh = make(chan struct{})
	b.wg.Add(1)
	go b.cleanupLoop(ctx)
	return nil
}

// Stop halts the cleanup loop and leaves live instances for the caller
// (pool manager) to terminate explicitly.
func (b *OnDemandBackend) Stop(ctx context.Context) error {
	if b.stopCh != nil {
		close(b.stopCh)
	}
	b.wg.Wait()
	return nil
}

func (b *OnDemandBackend) cleanupLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.cleanupIdleInstances(ctx)
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (b *OnDemandBackend) cleanupIdleInstances(ctx context.Context) {
	b.mu.Lock()
	var idle []string
	for key, inst := range b.instances {
		if inst.IsIdleExpired() {
			idle = append(idle, key)
		}
	}
	b.mu.Unlock()

	for _, key := range idle {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		b.mu.Lock()
		inst := b.instances[key]
		delete(b.instances, key)
		b.mu.Unlock()
		if inst != nil {
			if err := inst.Stop(shutdownCtx); err != nil {
				log.WithComponent("backend.ondemand").Warn().Err(err).Str("instance_key", key).Msg("idle instance shutdown failed")
			}
		}
		cancel()
	}
}

// CreateInstance returns the cached active instance for cfg's key, or
// creates one, enforcing MaxInstances after trying to reclaim idle slots.
func (b *OnDemandBackend) CreateInstance(ctx context.Context, cfg instance.Config) (*instance.Instance, error) {
	key := cfg.InstanceKey().String()

	b.mu.Lock()
	if existing, ok := b.instances[key]; ok && existing.StateMachine().IsActive() {
		b.mu.Unlock()
		return existing, nil
	}
	if len(b.instances) >= b.cfg.MaxInstances {
		b.mu.Unlock()
		b.cleanupIdleInstances(ctx)
		b.mu.Lock()
		if len(b.instances) >= b.cfg.MaxInstances {
			b.mu.Unlock()
			return nil, poolerr.New(poolerr.KindQuotaExceeded, poolerr.ErrQuotaExceeded, "backend: on-demand pool at max instances (%d)", b.cfg.MaxInstances)
		}
	}
	b.mu.Unlock()

	inst := instance.New(cfg)
	createCtx, cancel := context.WithTimeout(ctx, b.cfg.CreationTimeout)
	defer cancel()

	agent := newHTTPAgent(fmt.Sprintf("http://localhost:0/%s", key))
	if err := inst.Initialize(createCtx, agent); err != nil {
		if createCtx.Err() != nil {
			return nil, poolerr.New(poolerr.KindTimeout, poolerr.ErrTimeout, "backend: instance creation timed out")
		}
		return nil, fmt.Errorf("backend: create instance: %w", err)
	}

	b.mu.Lock()
	b.instances[key] = inst
	b.mu.Unlock()
	return inst, nil
}

// DestroyInstance stops and removes the instance for key.
func (b *OnDemandBackend) DestroyInstance(ctx context.Context, key types.InstanceKey) error {
	k := key.String()
	b.mu.Lock()
	inst, ok := b.instances[k]
	delete(b.instances, k)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return inst.Stop(ctx)
}

// GetInstance returns the instance for key, if any.
func (b *OnDemandBackend) GetInstance(key types.InstanceKey) (*instance.Instance, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.instances[key.String()]
	return inst, ok
}

// GetInstanceByProject returns the first instance matching projectID.
func (b *OnDemandBackend) GetInstanceByProject(projectID string) (*instance.Instance, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, inst := range b.instances {
		if inst.Config.ProjectID == projectID {
			return inst, true
		}
	}
	return nil, false
}

// ListInstances returns every live instance.
func (b *OnDemandBackend) ListInstances() []*instance.Instance {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*instance.Instance, 0, len(b.instances))
	for _, inst := range b.instances {
		out = append(out, inst)
	}
	return out
}

// Execute runs prompt through the instance for key.
func (b *OnDemandBackend) Execute(ctx context.Context, key types.InstanceKey, prompt string) (<-chan instance.ChatEvent, error) {
	inst, ok := b.GetInstance(key)
	if !ok {
		return nil, poolerr.New(poolerr.KindNotFound, poolerr.ErrNotFound, "backend: no instance for key %s", key)
	}
	return inst.Execute(ctx, prompt)
}

// HealthCheck probes the instance for key.
func (b *OnDemandBackend) HealthCheck(ctx context.Context, key types.InstanceKey) (types.HealthCheckResult, error) {
	inst, ok := b.GetInstance(key)
	if !ok {
		return types.HealthCheckResult{}, poolerr.New(poolerr.KindNotFound, poolerr.ErrNotFound, "backend: no instance for key %s", key)
	}
	if inst.Agent == nil {
		return types.HealthCheckResult{Healthy: false, Error: "agent not initialized"}, nil
	}
	return inst.Agent.Health(ctx)
}

// Stats reports current utilization.
func (b *OnDemandBackend) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.instances)
	util := 0.0
	if b.cfg.MaxInstances > 0 {
		util = float64(n) / float64(b.cfg.MaxInstances) * 100
	}
	return Stats{Type: TypeOnDemand, ActiveInstances: n, Capacity: b.cfg.MaxInstances, UtilizationPct: util}
}
