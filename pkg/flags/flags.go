// Package flags implements a process-wide feature-flag gate with
// percentage rollouts, allow/deny lists, and gradual linear rollouts,
// keyed by tenant/project the way the rest of the pool addresses work.
package flags

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// RolloutStrategy selects how IsEnabled decides for a given tenant/project.
type RolloutStrategy string

const (
	StrategyAll        RolloutStrategy = "all"
	StrategyNone       RolloutStrategy = "none"
	StrategyPercentage RolloutStrategy = "percentage"
	StrategyAllowlist  RolloutStrategy = "allowlist"
	StrategyDenylist   RolloutStrategy = "denylist"
	StrategyGradual    RolloutStrategy = "gradual"
)

// Flag is one feature flag's configuration.
type Flag struct {
	Name        string
	Description string
	Enabled     bool
	Strategy    RolloutStrategy
	Percentage  float64

	TenantAllowlist  map[string]bool
	TenantDenylist   map[string]bool
	ProjectAllowlist map[string]bool // "tenant:project" keys
	ProjectDenylist  map[string]bool

	StartDate, EndDate             time.Time
	StartPercentage, EndPercentage float64
}

// defaultFlags is the pool's built-in flag set, matching the Python
// reference's DEFAULT_FLAGS.
func defaultFlags() map[string]*Flag {
	mk := func(name string, enabled bool, strategy RolloutStrategy) *Flag {
		return &Flag{Name: name, Enabled: enabled, Strategy: strategy, EndPercentage: 100,
			TenantAllowlist: map[string]bool{}, TenantDenylist: map[string]bool{},
			ProjectAllowlist: map[string]bool{}, ProjectDenylist: map[string]bool{}}
	}
	return map[string]*Flag{
		"agent_pool_enabled":          mk("agent_pool_enabled", true, StrategyAll),
		"agent_pool_hot_tier":         mk("agent_pool_hot_tier", true, StrategyAll),
		"agent_pool_warm_tier":        mk("agent_pool_warm_tier", true, StrategyAll),
		"agent_pool_cold_tier":        mk("agent_pool_cold_tier", true, StrategyAll),
		"agent_pool_health_monitor":   mk("agent_pool_health_monitor", true, StrategyAll),
		"agent_pool_failure_recovery": mk("agent_pool_failure_recovery", true, StrategyAll),
		"agent_pool_auto_scaling":     mk("agent_pool_auto_scaling", false, StrategyNone),
		"agent_pool_state_recovery":   mk("agent_pool_state_recovery", true, StrategyAll),
		"agent_pool_metrics":          mk("agent_pool_metrics", true, StrategyAll),
	}
}

// Gate is the process-wide flag registry.
type Gate struct {
	mu    sync.RWMutex
	flags map[string]*Flag
}

// New builds a Gate seeded with the pool's default flags.
func New() *Gate {
	return &Gate{flags: defaultFlags()}
}

// projectKey builds the "tenant:project" key used by project allow/deny
// lists.
func projectKey(tenantID, projectID string) string {
	return fmt.Sprintf("%s:%s", tenantID, projectID)
}

// IsEnabled reports whether name is enabled for tenantID/projectID.
func (g *Gate) IsEnabled(name, tenantID, projectID string) bool {
	g.mu.RLock()
	f, ok := g.flags[name]
	g.mu.RUnlock()
	if !ok || !f.Enabled {
		return false
	}
	switch f.Strategy {
	case StrategyAll:
		return true
	case StrategyNone:
		return false
	case StrategyAllowlist:
		return checkAllowlist(f, tenantID, projectID)
	case StrategyDenylist:
		return checkDenylist(f, tenantID, projectID)
	case StrategyPercentage:
		return checkPercentage(f, f.Percentage, tenantID, projectID)
	case StrategyGradual:
		return checkGradual(f, tenantID, projectID)
	default:
		return false
	}
}

func checkAllowlist(f *Flag, tenantID, projectID string) bool {
	if f.TenantAllowlist[tenantID] {
		return true
	}
	return f.ProjectAllowlist[projectKey(tenantID, projectID)]
}

func checkDenylist(f *Flag, tenantID, projectID string) bool {
	if f.TenantDenylist[tenantID] {
		return false
	}
	if f.ProjectDenylist[projectKey(tenantID, projectID)] {
		return false
	}
	return true
}

func checkPercentage(f *Flag, pct float64, tenantID, projectID string) bool {
	bucket := hashBucket(f.Name, tenantID, projectID)
	return bucket < pct
}

func checkGradual(f *Flag, tenantID, projectID string) bool {
	now := time.Now()
	var pct float64
	switch {
	case f.StartDate.IsZero() || now.Before(f.StartDate):
		pct = f.StartPercentage
	case !f.EndDate.IsZero() && now.After(f.EndDate):
		pct = f.EndPercentage
	default:
		total := f.EndDate.Sub(f.StartDate)
		elapsed := now.Sub(f.StartDate)
		ratio := 0.0
		if total > 0 {
			ratio = float64(elapsed) / float64(total)
		}
		if ratio < 0 {
			ratio = 0
		}
		if ratio > 1 {
			ratio = 1
		}
		pct = f.StartPercentage + (f.EndPercentage-f.StartPercentage)*ratio
	}
	return checkPercentage(f, pct, tenantID, projectID)
}

// hashBucket returns a consistent 0-99 bucket for (name, tenant, project),
// matching the Python reference's md5-based bucketing.
func hashBucket(name, tenantID, projectID string) float64 {
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%s:%s", name, tenantID, projectID)))
	n := binary.BigEndian.Uint32(sum[:4])
	return float64(n % 100)
}

// SetFlag replaces or inserts a flag definition.
func (g *Gate) SetFlag(f *Flag) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.flags[f.Name] = f
}

// EnableForTenant adds tenantID to name's allowlist.
func (g *Gate) EnableForTenant(name, tenantID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.flags[name]; ok {
		f.TenantAllowlist[tenantID] = true
	}
}

// DisableForTenant adds tenantID to name's denylist.
func (g *Gate) DisableForTenant(name, tenantID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.flags[name]; ok {
		f.TenantDenylist[tenantID] = true
	}
}

// EnableForProject adds tenantID:projectID to name's allowlist.
func (g *Gate) EnableForProject(name, tenantID, projectID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.flags[name]; ok {
		f.ProjectAllowlist[projectKey(tenantID, projectID)] = true
	}
}

// SetPercentage sets name's rollout percentage, clamped to [0, 100].
func (g *Gate) SetPercentage(name string, pct float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if f, ok := g.flags[name]; ok {
		f.Percentage = pct
		f.Strategy = StrategyPercentage
	}
}

// StartGradualRollout configures name for a linear percentage ramp
// between start and end.
func (g *Gate) StartGradualRollout(name string, start, end time.Time, startPct, endPct float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.flags[name]; ok {
		f.Strategy = StrategyGradual
		f.StartDate, f.EndDate = start, end
		f.StartPercentage, f.EndPercentage = startPct, endPct
	}
}

// Get returns a copy of name's configuration, if present.
func (g *Gate) Get(name string) (Flag, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	f, ok := g.flags[name]
	if !ok {
		return Flag{}, false
	}
	return *f, true
}
