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

// EvictionPolicy selects which slot to reclaim when the shared pool is
// full and a new project needs a slot.
type EvictionPolicy string

const (
	EvictLRU  EvictionPolicy = "lru"
	EvictLFU  EvictionPolicy = "lfu"
	EvictFIFO EvictionPolicy = "fifo"
)

// SharedPoolConfig tunes the warm-tier backend.
type SharedPoolConfig struct {
	PoolSize        int
	EvictionPolicy  EvictionPolicy
	EvictionIdle    time.Duration
}

// DefaultSharedPoolConfig matches the Python warm-tier defaults.
func DefaultSharedPoolConfig() SharedPoolConfig {
	return SharedPoolConfig{PoolSize: 4, EvictionPolicy: EvictLRU, EvictionIdle: 1800 * time.Second}
}

type workerSlot struct {
	slotID      int
	instance    *instance.Instance
	projectKey  string
	assignedAt  time.Time
	lastUsedAt  time.Time
	requestCount int64
}

func (s *workerSlot) isFree() bool { return s.instance == nil }

// SharedPoolBackend multiplexes a fixed number of worker slots across
// many warm-tier projects, evicting the least-valuable slot when full.
type SharedPoolBackend struct {
	cfg SharedPoolConfig

	mu           sync.Mutex
	slots        []*workerSlot
	projectSlots map[string]int // instance key -> slot index
}

// NewSharedPoolBackend builds a backend with cfg.PoolSize fixed slots.
func NewSharedPoolBackend(cfg SharedPoolConfig) *SharedPoolBackend {
	slots := make([]*workerSlot, cfg.PoolSize)
	for i := range slots {
		slots[i] = &workerSlot{slotID: i}
	}
	return &SharedPoolBackend{cfg: cfg, slots: slots, projectSlots: make(map[string]int)}
}

func (b *SharedPoolBackend) Type() Type { return TypeSharedPool }

func (b *SharedPoolBackend) Start(ctx context.Context) error { return nil }
func (b *SharedPoolBackend) Stop(ctx context.Context) error  { return nil }

func (b *SharedPoolBackend) selectEvictionTarget() *workerSlot {
	var target *workerSlot
	for _, s := range b.slots {
		if s.isFree() {
			continue
		}
		if target == nil {
			target = s
			continue
		}
		switch b.cfg.EvictionPolicy {
		case EvictLFU:
			if s.requestCount < target.requestCount {
				target = s
			}
		case EvictFIFO:
			if s.assignedAt.Before(target.assignedAt) {
				target = s
			}
		default: // LRU
			if s.lastUsedAt.Before(target.lastUsedAt) {
				target = s
			}
		}
	}
	return target
}

func (b *SharedPoolBackend) evictSlot(ctx context.Context, s *workerSlot) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if s.instance != nil {
		if err := s.instance.Stop(shutdownCtx); err != nil {
			log.WithComponent("backend.sharedpool").Warn().Err(err).Int("slot", s.slotID).Msg("evicted instance shutdown failed")
		}
		delete(b.projectSlots, s.projectKey)
	}
	s.instance = nil
	s.projectKey = ""
	s.requestCount = 0
}

func (b *SharedPoolBackend) getAvailableSlot(ctx context.Context) (*workerSlot, error) {
	for _, s := range b.slots {
		if s.isFree() {
			return s, nil
		}
	}
	target := b.selectEvictionTarget()
	if target == nil {
		return nil, poolerr.New(poolerr.KindQuotaExceeded, poolerr.ErrQuotaExceeded, "backend: shared pool has no slots and none evictable")
	}
	b.evictSlot(ctx, target)
	return target, nil
}

// CreateInstance assigns cfg's project a slot, reusing one already
// assigned if present.
func (b *SharedPoolBackend) CreateInstance(ctx context.Context, cfg instance.Config) (*instance.Instance, error) {
	key := cfg.InstanceKey().String()

	b.mu.Lock()
	defer b.mu.Unlock()
	if idx, ok := b.projectSlots[key]; ok {
		return b.slots[idx].instance, nil
	}
	slot, err := b.getAvailableSlot(ctx)
	if err != nil {
		return nil, err
	}

	inst := instance.New(cfg)
	agent := newHTTPAgent(fmt.Sprintf("http://localhost:0/%s", key))
	if err := inst.Initialize(ctx, agent); err != nil {
		return nil, fmt.Errorf("backend: create shared-pool instance: %w", err)
	}

	slot.instance = inst
	slot.projectKey = key
	slot.assignedAt = time.Now()
	slot.lastUsedAt = time.Now()
	b.projectSlots[key] = slot.slotID
	return inst, nil
}

// DestroyInstance releases the slot assigned to key, if any.
func (b *SharedPoolBackend) DestroyInstance(ctx context.Context, key types.InstanceKey) error {
	k := key.String()
	b.mu.Lock()
	idx, ok := b.projectSlots[k]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	b.mu.Lock()
	slot := b.slots[idx]
	b.mu.Unlock()
	inst := slot.instance

	b.mu.Lock()
	b.evictSlot(ctx, slot)
	b.mu.Unlock()

	if inst != nil {
		return inst.Stop(ctx)
	}
	return nil
}

// GetInstance returns the instance assigned to key, if any.
func (b *SharedPoolBackend) GetInstance(key types.InstanceKey) (*instance.Instance, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.projectSlots[key.String()]
	if !ok {
		return nil, false
	}
	return b.slots[idx].instance, true
}

// GetInstanceByProject returns the first instance matching projectID.
func (b *SharedPoolBackend) GetInstanceByProject(projectID string) (*instance.Instance, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.slots {
		if s.instance != nil && s.instance.Config.ProjectID == projectID {
			return s.instance, true
		}
	}
	return nil, false
}

// ListInstances returns every assigned instance.
func (b *SharedPoolBackend) ListInstances() []*instance.Instance {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*instance.Instance
	for _, s := range b.slots {
		if s.instance != nil {
			out = append(out, s.instance)
		}
	}
	return out
}

// Execute touches the slot's usage counters and delegates to the
// instance.
func (b *SharedPoolBackend) Execute(ctx context.Context, key types.InstanceKey, prompt string) (<-chan instance.ChatEvent, error) {
	k := key.String()
	b.mu.Lock()
	idx, ok := b.projectSlots[k]
	if !ok {
		b.mu.Unlock()
		return nil, poolerr.New(poolerr.KindNotFound, poolerr.ErrNotFound, "backend: no slot for key %s", k)
	}
	slot := b.slots[idx]
	slot.lastUsedAt = time.Now()
	slot.requestCount++
	inst := slot.instance
	b.mu.Unlock()
	return inst.Execute(ctx, prompt)
}

// HealthCheck probes the instance assigned to key.
func (b *SharedPoolBackend) HealthCheck(ctx context.Context, key types.InstanceKey) (types.HealthCheckResult, error) {
	inst, ok := b.GetInstance(key)
	if !ok {
		return types.HealthCheckResult{}, poolerr.New(poolerr.KindNotFound, poolerr.ErrNotFound, "backend: no slot for key %s", key)
	}
	return inst.Agent.Health(ctx)
}

// Stats reports slot utilization.
func (b *SharedPoolBackend) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	used := 0
	for _, s := range b.slots {
		if !s.isFree() {
			used++
		}
	}
	util := 0.0
	if len(b.slots) > 0 {
		util = float64(used) / float64(len(b.slots)) * 100
	}
	return Stats{Type: TypeSharedPool, ActiveInstances: used, Capacity: len(b.slots), UtilizationPct: util}
}
