// Package resource tracks per-project and pool-wide resource usage against
// tier quotas, and keeps the tier-evaluation and activity history a
// downgrade decision or a tier classification needs.
package resource

import (
	"sync"

	"github.com/cuemby/agentpool/pkg/config"
	"github.com/cuemby/agentpool/pkg/poolerr"
	"github.com/cuemby/agentpool/pkg/types"
)

// TierEvaluationHistory records the outcome of recent classifier
// evaluations for a project, so the accountant can require several
// consecutive qualifying evaluations before permitting a downgrade instead
// of acting on a single transient dip.
type TierEvaluationHistory struct {
	evaluations []types.ProjectTier
	maxLen      int
}

func newTierEvaluationHistory(maxLen int) *TierEvaluationHistory {
	return &TierEvaluationHistory{maxLen: maxLen}
}

// Record appends the latest classifier outcome, evicting the oldest entry
// once the ring is full.
func (h *TierEvaluationHistory) Record(tier types.ProjectTier) {
	h.evaluations = append(h.evaluations, tier)
	if len(h.evaluations) > h.maxLen {
		h.evaluations = h.evaluations[len(h.evaluations)-h.maxLen:]
	}
}

// ConsecutiveBelow reports whether the last n evaluations were all at or
// below belowOrEqual in severity (cold < warm < hot), meaning a downgrade
// to belowOrEqual can safely proceed.
func (h *TierEvaluationHistory) ConsecutiveBelow(belowOrEqual types.ProjectTier, n int) bool {
	if len(h.evaluations) < n {
		return false
	}
	rank := map[types.ProjectTier]int{types.TierCold: 0, types.TierWarm: 1, types.TierHot: 2}
	tail := h.evaluations[len(h.evaluations)-n:]
	for _, t := range tail {
		if rank[t] > rank[belowOrEqual] {
			return false
		}
	}
	return true
}

// activityStats tracks lifetime request volume for a project, independent
// of its current quota allocation, so a classifier pass run after the
// project's instances have all been released still has something to
// score.
type activityStats struct {
	totalRequests  int64
	peakConcurrent int
}

// Accountant tracks resource allocations for every active project. Every
// project is scoped by (tenantID, projectID) together, since two tenants
// may otherwise reuse the same projectID.
type Accountant struct {
	mu          sync.Mutex
	cfg         *config.PoolConfig
	allocations map[string]*types.ProjectResourceAllocation
	history     map[string]*TierEvaluationHistory
	activity    map[string]*activityStats

	totalInstances int
	totalMemoryMB  int
	totalCPUCores  float64
}

// New builds an Accountant bound to the pool-wide limits in cfg.
func New(cfg *config.PoolConfig) *Accountant {
	return &Accountant{
		cfg:         cfg,
		allocations: make(map[string]*types.ProjectResourceAllocation),
		history:     make(map[string]*TierEvaluationHistory),
		activity:    make(map[string]*activityStats),
	}
}

// allocationKey scopes a project by its owning tenant, matching the
// original resource manager's "tenant_id:project_id" allocation key.
func allocationKey(tenantID, projectID string) string {
	return tenantID + ":" + projectID
}

func (a *Accountant) allocationLocked(key, projectID string, tier types.ProjectTier) *types.ProjectResourceAllocation {
	alloc, ok := a.allocations[key]
	if !ok {
		tc := a.cfg.Tiers[tier]
		alloc = &types.ProjectResourceAllocation{
			ProjectID: projectID,
			Tier:      tier,
			Quota:     tc.Quota,
		}
		a.allocations[key] = alloc
	}
	return alloc
}

// Allocate reserves a tier's quota for a project, replacing any prior tier
// assignment. It does not itself count an instance; call AcquireInstance
// for that.
func (a *Accountant) Allocate(tenantID, projectID string, tier types.ProjectTier) *types.ProjectResourceAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := allocationKey(tenantID, projectID)
	alloc := a.allocationLocked(key, projectID, tier)
	tc := a.cfg.Tiers[tier]
	alloc.Tier = tier
	alloc.Quota = tc.Quota
	return alloc
}

// UpdateQuota replaces a project's quota in place without changing its
// tier, for callers adjusting limits independent of a tier migration.
func (a *Accountant) UpdateQuota(tenantID, projectID string, quota types.ResourceQuota) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := allocationKey(tenantID, projectID)
	alloc, ok := a.allocations[key]
	if !ok {
		return poolerr.New(poolerr.KindNotFound, poolerr.ErrNotFound, "resource: no allocation for project %s", key)
	}
	alloc.Quota = quota
	return nil
}

// Release drops a project's quota allocation entirely. It refuses while
// instances are still active, since dropping the allocation out from
// under a live instance would leave AcquireRequest/ReleaseInstance
// operating on a resurrected, zeroed allocation.
func (a *Accountant) Release(tenantID, projectID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := allocationKey(tenantID, projectID)
	alloc, ok := a.allocations[key]
	if !ok {
		return nil
	}
	if alloc.ActiveInstances > 0 {
		return poolerr.New(poolerr.KindInvalidTransition, poolerr.ErrInvalidTransition,
			"resource: project %s still has %d active instances", key, alloc.ActiveInstances)
	}
	delete(a.allocations, key)
	return nil
}

// AcquireInstance reserves capacity for one more instance of (tenantID,
// projectID), checking both the project's per-tier ceiling and the
// pool-wide ceilings.
func (a *Accountant) AcquireInstance(tenantID, projectID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := allocationKey(tenantID, projectID)
	alloc, ok := a.allocations[key]
	if !ok {
		return poolerr.New(poolerr.KindNotFound, poolerr.ErrNotFound, "resource: no allocation for project %s", key)
	}
	if alloc.ActiveInstances >= alloc.Quota.MaxInstances {
		return poolerr.New(poolerr.KindQuotaExceeded, poolerr.ErrQuotaExceeded,
			"resource: project %s at max instances (%d)", key, alloc.Quota.MaxInstances)
	}
	if a.totalInstances >= a.cfg.MaxTotalInstances {
		return poolerr.New(poolerr.KindQuotaExceeded, poolerr.ErrQuotaExceeded, "resource: pool at max total instances (%d)", a.cfg.MaxTotalInstances)
	}
	nextMemory := a.totalMemoryMB + alloc.Quota.MemoryReservedMB
	nextCPU := a.totalCPUCores + alloc.Quota.CPUReservedCores
	if nextMemory > a.cfg.MaxTotalMemoryMB {
		return poolerr.New(poolerr.KindQuotaExceeded, poolerr.ErrQuotaExceeded, "resource: pool at max total memory (%dMB)", a.cfg.MaxTotalMemoryMB)
	}
	if nextCPU > a.cfg.MaxTotalCPUCores {
		return poolerr.New(poolerr.KindQuotaExceeded, poolerr.ErrQuotaExceeded, "resource: pool at max total cpu (%.1f cores)", a.cfg.MaxTotalCPUCores)
	}
	alloc.ActiveInstances++
	a.totalInstances++
	a.totalMemoryMB = nextMemory
	a.totalCPUCores = nextCPU
	return nil
}

// ReleaseInstance frees the capacity held by one instance of (tenantID,
// projectID).
func (a *Accountant) ReleaseInstance(tenantID, projectID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.allocations[allocationKey(tenantID, projectID)]
	if !ok || alloc.ActiveInstances == 0 {
		return
	}
	alloc.ActiveInstances--
	a.totalInstances--
	a.totalMemoryMB -= alloc.Quota.MemoryReservedMB
	a.totalCPUCores -= alloc.Quota.CPUReservedCores
}

// AcquireRequest reserves a concurrent-request slot for (tenantID,
// projectID), and records the request against the project's lifetime
// activity stats that feed the tier classifier.
func (a *Accountant) AcquireRequest(tenantID, projectID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := allocationKey(tenantID, projectID)
	alloc, ok := a.allocations[key]
	if !ok {
		return poolerr.New(poolerr.KindNotFound, poolerr.ErrNotFound, "resource: no allocation for project %s", key)
	}
	maxConcurrent := alloc.Quota.MaxConcurrent * maxInt(alloc.ActiveInstances, 1)
	if alloc.ActiveRequests >= maxConcurrent {
		return poolerr.New(poolerr.KindQuotaExceeded, poolerr.ErrQuotaExceeded,
			"resource: project %s at max concurrent requests (%d)", key, maxConcurrent)
	}
	alloc.ActiveRequests++
	alloc.TotalRequests++

	act, ok := a.activity[key]
	if !ok {
		act = &activityStats{}
		a.activity[key] = act
	}
	act.totalRequests++
	if alloc.ActiveRequests > act.peakConcurrent {
		act.peakConcurrent = alloc.ActiveRequests
	}
	return nil
}

// ReleaseRequest frees a concurrent-request slot for (tenantID, projectID).
func (a *Accountant) ReleaseRequest(tenantID, projectID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if alloc, ok := a.allocations[allocationKey(tenantID, projectID)]; ok && alloc.ActiveRequests > 0 {
		alloc.ActiveRequests--
	}
}

// ActivitySignals returns the lifetime request count and peak observed
// concurrency for a project — the raw inputs the tier classifier scores
// alongside subscription and SLA data the pool doesn't itself track.
// It survives Release, so a classification pass run against a
// never-instantiated-today project still reflects its history.
func (a *Accountant) ActivitySignals(tenantID, projectID string) (dailyRequests int64, peakConcurrent int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	act, ok := a.activity[allocationKey(tenantID, projectID)]
	if !ok {
		return 0, 0
	}
	return act.totalRequests, act.peakConcurrent
}

// Usage returns a copy of the project's allocation, or nil if unknown.
func (a *Accountant) Usage(tenantID, projectID string) *types.ProjectResourceAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.allocations[allocationKey(tenantID, projectID)]
	if !ok {
		return nil
	}
	cp := *alloc
	return &cp
}

// GlobalUsage reports pool-wide consumption.
func (a *Accountant) GlobalUsage() (instances int, memoryMB int, cpuCores float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalInstances, a.totalMemoryMB, a.totalCPUCores
}

// ListAllocations returns a snapshot of every tracked project.
func (a *Accountant) ListAllocations() []*types.ProjectResourceAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*types.ProjectResourceAllocation, 0, len(a.allocations))
	for _, alloc := range a.allocations {
		cp := *alloc
		out = append(out, &cp)
	}
	return out
}

// RecordTierEvaluation stores the outcome of a classifier pass for
// (tenantID, projectID), feeding CanDowngrade.
func (a *Accountant) RecordTierEvaluation(tenantID, projectID string, tier types.ProjectTier) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := allocationKey(tenantID, projectID)
	h, ok := a.history[key]
	if !ok {
		h = newTierEvaluationHistory(a.cfg.TierDowngradeThresholdDays)
		a.history[key] = h
	}
	h.Record(tier)
}

// CanDowngrade reports whether (tenantID, projectID) has evaluated at or
// below targetTier consistently enough to permit a downgrade to it.
func (a *Accountant) CanDowngrade(tenantID, projectID string, targetTier types.ProjectTier) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.history[allocationKey(tenantID, projectID)]
	if !ok {
		return false
	}
	return h.ConsecutiveBelow(targetTier, a.cfg.TierDowngradeThresholdDays)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
