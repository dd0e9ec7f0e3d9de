// Package pool implements the pool manager: the component that owns every
// live agent instance, decides which tier and backend a project gets, and
// wires the health monitor's verdicts into actual recovery actions.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/agentpool/pkg/backend"
	"github.com/cuemby/agentpool/pkg/checkpoint"
	"github.com/cuemby/agentpool/pkg/classifier"
	"github.com/cuemby/agentpool/pkg/config"
	"github.com/cuemby/agentpool/pkg/health"
	"github.com/cuemby/agentpool/pkg/instance"
	"github.com/cuemby/agentpool/pkg/log"
	"github.com/cuemby/agentpool/pkg/poolerr"
	"github.com/cuemby/agentpool/pkg/resource"
	"github.com/cuemby/agentpool/pkg/types"
)

// Stats summarizes the pool's current composition.
type Stats struct {
	TotalInstances     int
	HotInstances       int
	WarmInstances      int
	ColdInstances      int
	ReadyInstances     int
	ExecutingInstances int
	UnhealthyInstances int
	ActiveRequests     int
	TotalRequests      int64
}

// InstanceSummary is a JSON-friendly snapshot of one instance, for the
// admin surface and ListInstances callers.
type InstanceSummary struct {
	InstanceKey string
	TenantID    string
	ProjectID   string
	AgentMode   string
	Tier        types.ProjectTier
	Status      types.InstanceStatus
	Metrics     types.InstanceMetrics
}

// Callbacks notify external subscribers (the orchestrator's event broker)
// of instance lifecycle events.
type Callbacks struct {
	OnInstanceCreated   func(*instance.Instance)
	OnInstanceTerminated func(*instance.Instance)
}

// Manager owns every live instance across every project and tier.
type Manager struct {
	cfg          *config.PoolConfig
	accountant   *resource.Accountant
	classifier   *classifier.Classifier
	healthMon    *health.Monitor
	checkpoints  *checkpoint.Service
	backends     map[types.ProjectTier]backend.Backend
	callbacks    Callbacks

	mu        sync.Mutex
	instances map[string]*instance.Instance
	keyBackend map[string]backend.Backend
	projectInstances map[string]map[string]bool
	projectMeta      map[string]projectMetadata

	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// projectMetadata holds the business facts about a project that the
// accountant has no way to observe on its own (billing plan, contractual
// SLA). It's registered out-of-band via SetProjectMetadata.
type projectMetadata struct {
	subscriptionTier string
	slaTarget        float64
}

// projectKey scopes a project-level map entry to its tenant, since project
// IDs are only unique within a tenant.
func projectKey(tenantID, projectID string) string {
	return tenantID + ":" + projectID
}

// New builds a Manager. backends must have an entry for every tier in
// cfg.Tiers; checkpoints may be nil if state recovery is disabled.
func New(cfg *config.PoolConfig, accountant *resource.Accountant, cls *classifier.Classifier, healthMon *health.Monitor, checkpoints *checkpoint.Service, backends map[types.ProjectTier]backend.Backend, callbacks Callbacks) *Manager {
	return &Manager{
		cfg:              cfg,
		accountant:       accountant,
		classifier:       cls,
		healthMon:        healthMon,
		checkpoints:      checkpoints,
		backends:         backends,
		callbacks:        callbacks,
		instances:        make(map[string]*instance.Instance),
		keyBackend:       make(map[string]backend.Backend),
		projectInstances: make(map[string]map[string]bool),
		projectMeta:      make(map[string]projectMetadata),
	}
}

// Start launches the periodic cleanup loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.cleanupLoop(runCtx)
	log.WithComponent("pool.manager").Info().Msg("pool manager started")
	return nil
}

// Stop halts the cleanup loop, stops all health monitoring, and stops every
// live instance gracefully.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	m.healthMon.StopAllMonitoring()

	m.mu.Lock()
	insts := make([]*instance.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		insts = append(insts, inst)
	}
	m.mu.Unlock()

	for _, inst := range insts {
		if err := inst.Stop(ctx); err != nil {
			log.WithInstanceKey(inst.Config.InstanceKey().String()).Warn().Err(err).Msg("error stopping instance during shutdown")
		}
	}

	log.WithComponent("pool.manager").Info().Msg("pool manager stopped")
	return nil
}

// GetOrCreateInstance returns the active instance for (tenantID, projectID,
// agentMode), creating one if none exists or the cached one is no longer
// active.
func (m *Manager) GetOrCreateInstance(ctx context.Context, tenantID, projectID, agentMode string, override *instance.Config) (*instance.Instance, error) {
	key := types.InstanceKey{TenantID: tenantID, ProjectID: projectID, AgentMode: agentMode}.String()

	m.mu.Lock()
	if existing, ok := m.instances[key]; ok {
		if existing.StateMachine().IsActive() {
			m.mu.Unlock()
			return existing, nil
		}
		m.mu.Unlock()
		if err := m.removeInstance(ctx, existing); err != nil {
			log.WithInstanceKey(key).Warn().Err(err).Msg("error removing stale instance")
		}
	} else {
		m.mu.Unlock()
	}

	return m.createInstance(ctx, tenantID, projectID, agentMode, override)
}

func (m *Manager) createInstance(ctx context.Context, tenantID, projectID, agentMode string, override *instance.Config) (*instance.Instance, error) {
	var cfg instance.Config
	if override != nil {
		cfg = *override
	} else {
		signals := m.buildProjectSignals(tenantID, projectID)
		tier := m.ClassifyProject(ctx, tenantID, projectID, signals)
		tierCfg := m.cfg.Tiers[tier]
		cfg = instance.Config{
			TenantID:  tenantID,
			ProjectID: projectID,
			AgentMode: agentMode,
			Tier:      tier,
			Quota:     tierCfg.Quota,
		}
	}

	alloc := m.accountant.Allocate(tenantID, projectID, cfg.Tier)
	cfg.Quota = alloc.Quota
	if err := m.accountant.AcquireInstance(tenantID, projectID); err != nil {
		return nil, err
	}

	be, ok := m.backends[cfg.Tier]
	if !ok {
		m.accountant.ReleaseInstance(tenantID, projectID)
		return nil, poolerr.New(poolerr.KindBackendUnavailable, poolerr.ErrBackendUnavailable, "pool: no backend registered for tier %s", cfg.Tier)
	}

	inst, err := be.CreateInstance(ctx, cfg)
	if err != nil {
		m.accountant.ReleaseInstance(tenantID, projectID)
		return nil, fmt.Errorf("pool: create instance: %w", err)
	}

	key := cfg.InstanceKey().String()
	pKey := projectKey(tenantID, projectID)
	m.mu.Lock()
	m.instances[key] = inst
	m.keyBackend[key] = be
	if m.projectInstances[pKey] == nil {
		m.projectInstances[pKey] = make(map[string]bool)
	}
	m.projectInstances[pKey][key] = true
	m.mu.Unlock()

	m.healthMon.StartMonitoring(ctx, key, inst)

	if m.callbacks.OnInstanceCreated != nil {
		m.callbacks.OnInstanceCreated(inst)
	}

	log.WithInstanceKey(key).Info().Str("tier", string(cfg.Tier)).Msg("instance created")
	return inst, nil
}

func (m *Manager) removeInstance(ctx context.Context, inst *instance.Instance) error {
	key := inst.Config.InstanceKey().String()
	tenantID, projectID := inst.Config.TenantID, inst.Config.ProjectID
	pKey := projectKey(tenantID, projectID)

	m.healthMon.StopMonitoring(key)

	if !inst.StateMachine().IsTerminal() {
		if err := inst.Stop(ctx); err != nil {
			log.WithInstanceKey(key).Warn().Err(err).Msg("error stopping instance")
		}
	}

	m.accountant.ReleaseInstance(tenantID, projectID)

	m.mu.Lock()
	delete(m.instances, key)
	delete(m.keyBackend, key)
	remaining := -1
	if set, ok := m.projectInstances[pKey]; ok {
		delete(set, key)
		remaining = len(set)
	}
	m.mu.Unlock()

	if remaining == 0 {
		if err := m.accountant.Release(tenantID, projectID); err != nil {
			log.WithInstanceKey(key).Warn().Err(err).Msg("error releasing project allocation")
		}
	}

	if m.callbacks.OnInstanceTerminated != nil {
		m.callbacks.OnInstanceTerminated(inst)
	}
	log.WithInstanceKey(key).Info().Msg("instance removed")
	return nil
}

// ClassifyProject scores and classifies a project. With signals nil, it
// returns the pool's default tier for a never-before-seen project (warm),
// matching the Python manager's placeholder until historical metrics are
// wired up.
func (m *Manager) ClassifyProject(ctx context.Context, tenantID, projectID string, signals *classifier.ProjectSignals) types.ProjectTier {
	if signals == nil {
		return types.TierWarm
	}
	tier := m.classifier.Classify(*signals)
	m.accountant.RecordTierEvaluation(tenantID, projectID, tier)
	return tier
}

// buildProjectSignals assembles the classifier's input from whatever this
// project has told the pool about its business plan (SetProjectMetadata)
// plus the usage history the accountant has observed on its own. A project
// with neither registered metadata nor any recorded activity yet classifies
// as nil, falling back to ClassifyProject's default tier.
func (m *Manager) buildProjectSignals(tenantID, projectID string) *classifier.ProjectSignals {
	daily, peak := m.accountant.ActivitySignals(tenantID, projectID)

	m.mu.Lock()
	meta, hasMeta := m.projectMeta[projectKey(tenantID, projectID)]
	m.mu.Unlock()

	if daily == 0 && peak == 0 && !hasMeta {
		return nil
	}
	return &classifier.ProjectSignals{
		DailyRequests:      int(daily),
		SubscriptionTier:   meta.subscriptionTier,
		SLATarget:          meta.slaTarget,
		MaxConcurrentUsage: peak,
	}
}

// SetProjectMetadata records the subscription tier and SLA target a
// project's classification should weigh. Callers that know a project's
// billing plan (an admin API, a provisioning hook) should set this before
// or while its instances are created; projects with no metadata registered
// classify on observed activity alone.
func (m *Manager) SetProjectMetadata(tenantID, projectID, subscriptionTier string, slaTarget float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projectMeta[projectKey(tenantID, projectID)] = projectMetadata{
		subscriptionTier: subscriptionTier,
		slaTarget:        slaTarget,
	}
}

// UpdateProjectQuota replaces a project's resource quota in the accountant.
// A live instance keeps the quota it was created with until it is next
// recreated, matching SetProjectTier's lazy-migration strategy.
func (m *Manager) UpdateProjectQuota(tenantID, projectID string, quota types.ResourceQuota) error {
	return m.accountant.UpdateQuota(tenantID, projectID, quota)
}

// GetInstance returns the instance for the given identity without creating
// one.
func (m *Manager) GetInstance(tenantID, projectID, agentMode string) (*instance.Instance, bool) {
	key := types.InstanceKey{TenantID: tenantID, ProjectID: projectID, AgentMode: agentMode}.String()
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[key]
	return inst, ok
}

// TerminateInstance removes the instance for the given identity, if any.
func (m *Manager) TerminateInstance(ctx context.Context, tenantID, projectID, agentMode string) bool {
	inst, ok := m.GetInstance(tenantID, projectID, agentMode)
	if !ok {
		return false
	}
	if err := m.removeInstance(ctx, inst); err != nil {
		log.WithInstanceKey(inst.Config.InstanceKey().String()).Warn().Err(err).Msg("error terminating instance")
	}
	return true
}

// PauseInstance / ResumeInstance toggle an instance between ready and
// paused.
func (m *Manager) PauseInstance(tenantID, projectID, agentMode string) bool {
	inst, ok := m.GetInstance(tenantID, projectID, agentMode)
	if !ok {
		return false
	}
	return inst.Pause() == nil
}

func (m *Manager) ResumeInstance(tenantID, projectID, agentMode string) bool {
	inst, ok := m.GetInstance(tenantID, projectID, agentMode)
	if !ok {
		return false
	}
	return inst.Resume() == nil
}

// HealthCheckInstance runs an on-demand probe against the given identity.
func (m *Manager) HealthCheckInstance(ctx context.Context, tenantID, projectID, agentMode string) (types.HealthCheckResult, bool) {
	inst, ok := m.GetInstance(tenantID, projectID, agentMode)
	if !ok {
		return types.HealthCheckResult{}, false
	}
	key := inst.Config.InstanceKey().String()
	return m.healthMon.CheckInstance(ctx, key, inst), true
}

// OnInstanceUnhealthy is the health.Callbacks.OnUnhealthy hook: it executes
// the recommended recovery action asynchronously, mirroring the Python
// manager's fire-and-forget recovery task.
func (m *Manager) OnInstanceUnhealthy(key string, inst *instance.Instance, action health.RecoveryAction) {
	go m.executeRecovery(context.Background(), key, inst, action)
}

// OnInstanceRecovered is the health.Callbacks.OnRecovered hook.
func (m *Manager) OnInstanceRecovered(key string, inst *instance.Instance) {
	log.WithInstanceKey(key).Info().Msg("instance recovered")
}

func (m *Manager) executeRecovery(ctx context.Context, key string, inst *instance.Instance, action health.RecoveryAction) {
	switch action {
	case health.ActionRestart:
		if err := m.Restart(ctx, key); err != nil {
			log.WithInstanceKey(key).Error().Err(err).Msg("restart recovery failed")
		}
	case health.ActionTerminate:
		if err := m.removeInstance(ctx, inst); err != nil {
			log.WithInstanceKey(key).Error().Err(err).Msg("terminate recovery failed")
		}
	case health.ActionDegrade:
		_ = inst.MarkDegraded()
	case health.ActionMigrate:
		if err := m.DowngradeTier(ctx, key); err != nil {
			log.WithInstanceKey(key).Error().Err(err).Msg("migrate recovery failed")
		}
	}
}

// Restart implements failure.Recoverer: it destroys and recreates the
// instance's backend worker in place, under the same instance key.
func (m *Manager) Restart(ctx context.Context, instanceKey string) error {
	m.mu.Lock()
	inst, ok := m.instances[instanceKey]
	be := m.keyBackend[instanceKey]
	m.mu.Unlock()
	if !ok {
		return poolerr.New(poolerr.KindNotFound, poolerr.ErrNotFound, "pool: no instance for key %s", instanceKey)
	}

	cfg := inst.Config
	ik := cfg.InstanceKey()
	m.healthMon.StopMonitoring(instanceKey)
	_ = be.DestroyInstance(ctx, ik)

	newInst, err := be.CreateInstance(ctx, cfg)
	if err != nil {
		return fmt.Errorf("pool: restart: %w", err)
	}

	m.mu.Lock()
	m.instances[instanceKey] = newInst
	m.mu.Unlock()

	m.healthMon.StartMonitoring(ctx, instanceKey, newInst)
	log.WithInstanceKey(instanceKey).Info().Msg("instance restarted")
	return nil
}

// RecoverFromCheckpoint implements failure.Recoverer: it loads the latest
// checkpoint for instanceKey, if a checkpoint service is wired, and logs
// the outcome. The actual state rehydration is an Agent-contract concern
// outside this package's scope.
func (m *Manager) RecoverFromCheckpoint(ctx context.Context, instanceKey string) error {
	if m.checkpoints == nil {
		return nil
	}
	result := m.checkpoints.RecoverInstance(ctx, instanceKey, "")
	if !result.Success {
		return poolerr.New(poolerr.KindNotFound, poolerr.ErrNotFound, "pool: no checkpoint to recover for %s: %s", instanceKey, result.ErrorMessage)
	}
	log.WithInstanceKey(instanceKey).Info().Str("checkpoint_id", result.CheckpointID).Msg("recovered checkpoint state")
	return nil
}

// DowngradeTier implements failure.Recoverer: it steps the instance's
// project down one tier (hot->warm->cold) via the lazy-migration path.
func (m *Manager) DowngradeTier(ctx context.Context, instanceKey string) error {
	ik, err := types.ParseInstanceKey(instanceKey)
	if err != nil {
		return err
	}
	m.mu.Lock()
	inst, ok := m.instances[instanceKey]
	m.mu.Unlock()
	if !ok {
		return poolerr.New(poolerr.KindNotFound, poolerr.ErrNotFound, "pool: no instance for key %s", instanceKey)
	}

	next := types.TierCold
	switch inst.Config.Tier {
	case types.TierHot:
		next = types.TierWarm
	case types.TierWarm:
		next = types.TierCold
	case types.TierCold:
		return nil
	}
	m.SetProjectTier(ik.TenantID, ik.ProjectID, ik.AgentMode, next)
	return nil
}

// SetProjectTier overrides a project's tier. If an instance already exists
// it is lazily migrated: the config is updated now, and the change takes
// effect the next time the instance is recreated, matching the Python
// manager's documented "simple strategy" over an immediate live migration.
func (m *Manager) SetProjectTier(tenantID, projectID, agentMode string, tier types.ProjectTier) bool {
	key := types.InstanceKey{TenantID: tenantID, ProjectID: projectID, AgentMode: agentMode}.String()

	m.mu.Lock()
	inst, ok := m.instances[key]
	m.mu.Unlock()

	if ok && inst.Config.Tier != tier {
		previousTier := inst.Config.Tier
		tierCfg := m.cfg.Tiers[tier]
		inst.Config = inst.Config.WithTier(tier, tierCfg.Quota)
		log.WithInstanceKey(key).Info().Str("from", string(previousTier)).Str("to", string(tier)).Msg("tier migration scheduled")
	}
	return true
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()
	interval := m.cfg.CleanupInterval
	if interval <= 0 {
		interval = 300 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.cleanupExpiredInstances(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) cleanupExpiredInstances(ctx context.Context) {
	m.mu.Lock()
	var expired []*instance.Instance
	for _, inst := range m.instances {
		if inst.IsIdleExpired() || inst.Status() == types.StatusTerminated {
			expired = append(expired, inst)
		}
	}
	m.mu.Unlock()

	for _, inst := range expired {
		log.WithInstanceKey(inst.Config.InstanceKey().String()).Info().Msg("cleaning up expired instance")
		if err := m.removeInstance(ctx, inst); err != nil {
			log.WithComponent("pool.manager").Warn().Err(err).Msg("cleanup: error removing instance")
		}
	}
}

// GetStats computes aggregate pool statistics.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Stats
	for _, inst := range m.instances {
		s.TotalInstances++
		switch inst.Config.Tier {
		case types.TierHot:
			s.HotInstances++
		case types.TierWarm:
			s.WarmInstances++
		case types.TierCold:
			s.ColdInstances++
		}
		switch inst.Status() {
		case types.StatusReady:
			s.ReadyInstances++
		case types.StatusExecuting:
			s.ExecutingInstances++
		case types.StatusUnhealthy:
			s.UnhealthyInstances++
		}
		metrics := inst.Metrics()
		s.ActiveRequests += metrics.ActiveRequests
	}
	for _, alloc := range m.accountant.ListAllocations() {
		s.TotalRequests += alloc.TotalRequests
	}
	return s
}

// ListInstances returns a snapshot summary of every live instance.
func (m *Manager) ListInstances() []InstanceSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]InstanceSummary, 0, len(m.instances))
	for key, inst := range m.instances {
		out = append(out, InstanceSummary{
			InstanceKey: key,
			TenantID:    inst.Config.TenantID,
			ProjectID:   inst.Config.ProjectID,
			AgentMode:   inst.Config.AgentMode,
			Tier:        inst.Config.Tier,
			Status:      inst.Status(),
			Metrics:     inst.Metrics(),
		})
	}
	return out
}

// InstanceCountsByTierStatus implements metrics.PoolSource.
func (m *Manager) InstanceCountsByTierStatus() map[types.ProjectTier]map[types.InstanceStatus]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[types.ProjectTier]map[types.InstanceStatus]int{
		types.TierHot:  {},
		types.TierWarm: {},
		types.TierCold: {},
	}
	for _, inst := range m.instances {
		tierCounts := out[inst.Config.Tier]
		if tierCounts == nil {
			tierCounts = map[types.InstanceStatus]int{}
			out[inst.Config.Tier] = tierCounts
		}
		tierCounts[inst.Status()]++
	}
	return out
}

// GlobalResourceUsage implements metrics.PoolSource.
func (m *Manager) GlobalResourceUsage() (instances int, memoryMB int, cpuCores float64, maxMemoryMB int, maxCPUCores float64) {
	instances, memoryMB, cpuCores = m.accountant.GlobalUsage()
	return instances, memoryMB, cpuCores, m.cfg.MaxTotalMemoryMB, m.cfg.MaxTotalCPUCores
}
