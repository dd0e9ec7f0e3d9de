package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/agentpool/pkg/instance"
	"github.com/cuemby/agentpool/pkg/poolerr"
	"github.com/cuemby/agentpool/pkg/types"
)

// ContainerConfig tunes the hot-tier backend, which gives each project a
// dedicated long-lived worker.
type ContainerConfig struct {
	MaxInstances    int
	CreationTimeout time.Duration
}

// DefaultContainerConfig matches the hot tier's instance ceiling.
func DefaultContainerConfig() ContainerConfig {
	return ContainerConfig{MaxInstances: 4, CreationTimeout: 60 * time.Second}
}

// ContainerBackend provisions one dedicated worker per project and keeps
// it running regardless of idle time — hot-tier projects pay for
// standing capacity in exchange for no cold-start latency.
//
// A production deployment would drive this through a container runtime
// client (the pack's containerd bindings are the obvious fit); here the
// worker process is addressed over the same HTTP contract the other
// backends use, with the container lifecycle left to whatever launches
// the pool (systemd unit, k8s pod, local process supervisor).
type ContainerBackend struct {
	cfg ContainerConfig

	mu        sync.Mutex
	instances map[string]*instance.Instance
}

// NewContainerBackend builds a backend bound to cfg.
func NewContainerBackend(cfg ContainerConfig) *ContainerBackend {
	return &ContainerBackend{cfg: cfg, instances: make(map[string]*instance.Instance)}
}

func (b *ContainerBackend) Type() Type                         { return TypeContainer }
func (b *ContainerBackend) Start(ctx context.Context) error    { return nil }
func (b *ContainerBackend) Stop(ctx context.Context) error     { return nil }

// CreateInstance provisions (or returns the existing) dedicated instance
// for cfg's project.
func (b *ContainerBackend) CreateInstance(ctx context.Context, cfg instance.Config) (*instance.Instance, error) {
	key := cfg.InstanceKey().String()

	b.mu.Lock()
	if existing, ok := b.instances[key]; ok && existing.StateMachine().IsActive() {
		b.mu.Unlock()
		return existing, nil
	}
	if len(b.instances) >= b.cfg.MaxInstances {
		b.mu.Unlock()
		return nil, poolerr.New(poolerr.KindQuotaExceeded, poolerr.ErrQuotaExceeded, "backend: container pool at max instances (%d)", b.cfg.MaxInstances)
	}
	b.mu.Unlock()

	inst := instance.New(cfg)
	createCtx, cancel := context.WithTimeout(ctx, b.cfg.CreationTimeout)
	defer cancel()

	agent := newHTTPAgent(fmt.Sprintf("http://localhost:0/%s", key))
	if err := inst.Initialize(createCtx, agent); err != nil {
		return nil, fmt.Errorf("backend: create container instance: %w", err)
	}

	b.mu.Lock()
	b.instances[key] = inst
	b.mu.Unlock()
	return inst, nil
}

// DestroyInstance stops and removes the dedicated instance for key.
func (b *ContainerBackend) DestroyInstance(ctx context.Context, key types.InstanceKey) error {
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
func (b *ContainerBackend) GetInstance(key types.InstanceKey) (*instance.Instance, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.instances[key.String()]
	return inst, ok
}

// GetInstanceByProject returns the first instance matching projectID.
func (b *ContainerBackend) GetInstanceByProject(projectID string) (*instance.Instance, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, inst := range b.instances {
		if inst.Config.ProjectID == projectID {
			return inst, true
		}
	}
	return nil, false
}

// ListInstances returns every provisioned instance.
func (b *ContainerBackend) ListInstances() []*instance.Instance {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*instance.Instance, 0, len(b.instances))
	for _, inst := range b.instances {
		out = append(out, inst)
	}
	return out
}

// Execute runs prompt through the instance for key.
func (b *ContainerBackend) Execute(ctx context.Context, key types.InstanceKey, prompt string) (<-chan instance.ChatEvent, error) {
	inst, ok := b.GetInstance(key)
	if !ok {
		return nil, poolerr.New(poolerr.KindNotFound, poolerr.ErrNotFound, "backend: no instance for key %s", key)
	}
	return inst.Execute(ctx, prompt)
}

// HealthCheck probes the instance for key.
func (b *ContainerBackend) HealthCheck(ctx context.Context, key types.InstanceKey) (types.HealthCheckResult, error) {
	inst, ok := b.GetInstance(key)
	if !ok {
		return types.HealthCheckResult{}, poolerr.New(poolerr.KindNotFound, poolerr.ErrNotFound, "backend: no instance for key %s", key)
	}
	return inst.Agent.Health(ctx)
}

// Stats reports current utilization.
func (b *ContainerBackend) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.instances)
	util := 0.0
	if b.cfg.MaxInstances > 0 {
		util = float64(n) / float64(b.cfg.MaxInstances) * 100
	}
	return Stats{Type: TypeContainer, ActiveInstances: n, Capacity: b.cfg.MaxInstances, UtilizationPct: util}
}
