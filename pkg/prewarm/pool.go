// Package prewarm maintains a tiered cache of ready-to-assign instances
// (L1: fully initialized, L2: constructed but not LLM/MCP-initialized, L3:
// config templates only) so a new project can skip all or part of cold
// start.
package prewarm

import (
	"sync"
	"time"

	"github.com/cuemby/agentpool/pkg/instance"
	"github.com/cuemby/agentpool/pkg/log"
	"github.com/cuemby/agentpool/pkg/types"
)

// Level names which prewarm tier an instance or template came from.
type Level int

const (
	LevelL1 Level = iota // fully initialized, ready instance
	LevelL2              // instance constructed, caller must finish init
	LevelL3              // config template only, caller must construct
)

// Config tunes per-level pool sizes and TTLs.
type Config struct {
	L1Size, L2Size, L3Size          int
	L1TTL, L2TTL, L3TTL             time.Duration
	MaintenanceInterval             time.Duration
	LowWatermarkPct                 float64
}

// DefaultConfig matches the Python prewarm pool's defaults.
func DefaultConfig() Config {
	return Config{
		L1Size: 2, L2Size: 5, L3Size: 10,
		L1TTL: time.Hour, L2TTL: 2 * time.Hour, L3TTL: 24 * time.Hour,
		MaintenanceInterval: 60 * time.Second,
		LowWatermarkPct:     0.3,
	}
}

type prewarmedInstance struct {
	inst      *instance.Instance
	tier      types.ProjectTier
	level     Level
	createdAt time.Time
	ttl       time.Duration
}

func (p *prewarmedInstance) isExpired() bool {
	return time.Since(p.createdAt) > p.ttl
}

// Template is an L3 recipe: enough to construct (but not initialize) an
// instance for a given tier.
type Template struct {
	Tier      types.ProjectTier
	Quota     types.ResourceQuota
	CreatedAt time.Time
}

// Stats reports hit/miss counts per level.
type Stats struct {
	L1Hits, L2Hits, L3Hits, Misses int64
}

// Pool is the tiered prewarm cache.
type Pool struct {
	cfg Config

	mu    sync.Mutex
	l1    map[types.ProjectTier][]*prewarmedInstance
	l2    map[types.ProjectTier][]*prewarmedInstance
	l3    []Template
	stats Stats

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Pool with cfg.
func New(cfg Config) *Pool {
	return &Pool{
		cfg: cfg,
		l1:  make(map[types.ProjectTier][]*prewarmedInstance),
		l2:  make(map[types.ProjectTier][]*prewarmedInstance),
	}
}

// Start launches the maintenance loop.
func (p *Pool) Start() {
	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go p.maintenanceLoop()
}

// Stop halts the maintenance loop.
func (p *Pool) Stop() {
	if p.stopCh != nil {
		close(p.stopCh)
	}
	p.wg.Wait()
}

func (p *Pool) maintenanceLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.cleanupExpired()
			p.checkLowWatermark()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) cleanupExpired() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for tier, list := range p.l1 {
		p.l1[tier] = filterExpired(list)
	}
	for tier, list := range p.l2 {
		p.l2[tier] = filterExpired(list)
	}
}

func filterExpired(list []*prewarmedInstance) []*prewarmedInstance {
	out := list[:0]
	for _, pi := range list {
		if !pi.isExpired() {
			out = append(out, pi)
		}
	}
	return out
}

// checkLowWatermark only logs today — the Python reference never
// implemented automatic replenishment either; an external warmer process
// is expected to call ReturnInstance to keep the pools stocked.
func (p *Pool) checkLowWatermark() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for tier, list := range p.l1 {
		if p.cfg.L1Size > 0 && float64(len(list))/float64(p.cfg.L1Size) < p.cfg.LowWatermarkPct {
			log.WithComponent("prewarm").Warn().Str("tier", string(tier)).Int("available", len(list)).Msg("l1 prewarm pool below low watermark")
		}
	}
}

// GetPrewarmedInstance tries L1, then L2, then L3 in order for tier.
func (p *Pool) GetPrewarmedInstance(tier types.ProjectTier, cfg instance.Config) (*instance.Instance, Level, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if inst, ok := p.takeFromLevel(p.l1, tier); ok {
		p.stats.L1Hits++
		inst.Config = cfg
		return inst, LevelL1, true
	}
	if inst, ok := p.takeFromLevel(p.l2, tier); ok {
		p.stats.L2Hits++
		inst.Config = cfg
		return inst, LevelL2, true
	}
	for i, tmpl := range p.l3 {
		if tmpl.Tier == tier {
			p.l3 = append(p.l3[:i], p.l3[i+1:]...)
			p.stats.L3Hits++
			return instance.New(cfg), LevelL3, true
		}
	}
	p.stats.Misses++
	return nil, 0, false
}

func (p *Pool) takeFromLevel(level map[types.ProjectTier][]*prewarmedInstance, tier types.ProjectTier) (*instance.Instance, bool) {
	list := level[tier]
	for i, pi := range list {
		if pi.isExpired() {
			continue
		}
		level[tier] = append(list[:i], list[i+1:]...)
		return pi.inst, true
	}
	return nil, false
}

// ReturnInstance puts inst back into the L1 or L2 pool for tier if there
// is room; L3 never accepts live instances.
func (p *Pool) ReturnInstance(inst *instance.Instance, tier types.ProjectTier, level Level) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch level {
	case LevelL1:
		if len(p.l1[tier]) >= p.cfg.L1Size {
			return false
		}
		p.l1[tier] = append(p.l1[tier], &prewarmedInstance{inst: inst, tier: tier, level: LevelL1, createdAt: time.Now(), ttl: p.cfg.L1TTL})
		return true
	case LevelL2:
		if len(p.l2[tier]) >= p.cfg.L2Size {
			return false
		}
		p.l2[tier] = append(p.l2[tier], &prewarmedInstance{inst: inst, tier: tier, level: LevelL2, createdAt: time.Now(), ttl: p.cfg.L2TTL})
		return true
	default:
		return false
	}
}

// AddTemplate seeds the L3 template pool.
func (p *Pool) AddTemplate(tmpl Template) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.l3) >= p.cfg.L3Size {
		return false
	}
	tmpl.CreatedAt = time.Now()
	p.l3 = append(p.l3, tmpl)
	return true
}

// Stats returns a snapshot of hit/miss counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
