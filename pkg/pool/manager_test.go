package pool

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/agentpool/pkg/backend"
	"github.com/cuemby/agentpool/pkg/classifier"
	"github.com/cuemby/agentpool/pkg/config"
	"github.com/cuemby/agentpool/pkg/health"
	"github.com/cuemby/agentpool/pkg/instance"
	"github.com/cuemby/agentpool/pkg/resource"
	"github.com/cuemby/agentpool/pkg/types"
)

type fakeAgent struct{}

func (fakeAgent) Stream(ctx context.Context, prompt string) (<-chan instance.ChatEvent, error) {
	ch := make(chan instance.ChatEvent)
	close(ch)
	return ch, nil
}
func (fakeAgent) Health(ctx context.Context) (types.HealthCheckResult, error) {
	return types.HealthCheckResult{Healthy: true}, nil
}
func (fakeAgent) Shutdown(ctx context.Context) error { return nil }

// fakeBackend is an in-memory backend.Backend for exercising the manager
// without talking over HTTP.
type fakeBackend struct {
	mu        sync.Mutex
	instances map[string]*instance.Instance
	failNext  bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{instances: make(map[string]*instance.Instance)}
}

func (b *fakeBackend) Type() backend.Type            { return backend.TypeOnDemand }
func (b *fakeBackend) Start(ctx context.Context) error { return nil }
func (b *fakeBackend) Stop(ctx context.Context) error  { return nil }

func (b *fakeBackend) CreateInstance(ctx context.Context, cfg instance.Config) (*instance.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext {
		b.failNext = false
		return nil, assert.AnError
	}
	inst := instance.New(cfg)
	if err := inst.Initialize(ctx, fakeAgent{}); err != nil {
		return nil, err
	}
	b.instances[cfg.InstanceKey().String()] = inst
	return inst, nil
}

func (b *fakeBackend) DestroyInstance(ctx context.Context, key types.InstanceKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.instances, key.String())
	return nil
}

func (b *fakeBackend) GetInstance(key types.InstanceKey) (*instance.Instance, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.instances[key.String()]
	return inst, ok
}

func (b *fakeBackend) GetInstanceByProject(projectID string) (*instance.Instance, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, inst := range b.instances {
		if inst.Config.ProjectID == projectID {
			return inst, true
		}
	}
	return nil, false
}

func (b *fakeBackend) ListInstances() []*instance.Instance {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*instance.Instance, 0, len(b.instances))
	for _, inst := range b.instances {
		out = append(out, inst)
	}
	return out
}

func (b *fakeBackend) Execute(ctx context.Context, key types.InstanceKey, prompt string) (<-chan instance.ChatEvent, error) {
	inst, ok := b.GetInstance(key)
	if !ok {
		return nil, assert.AnError
	}
	return inst.Execute(ctx, prompt)
}

func (b *fakeBackend) HealthCheck(ctx context.Context, key types.InstanceKey) (types.HealthCheckResult, error) {
	return types.HealthCheckResult{Healthy: true}, nil
}

func (b *fakeBackend) Stats() backend.Stats { return backend.Stats{} }

func testManager(t *testing.T) (*Manager, *fakeBackend) {
	t.Helper()
	cfg := config.Default()
	acct := resource.New(cfg)
	cls := classifier.New(cfg.Classification)
	mon := health.New(health.DefaultConfig(), health.Callbacks{})
	be := newFakeBackend()
	backends := map[types.ProjectTier]backend.Backend{
		types.TierHot:  be,
		types.TierWarm: be,
		types.TierCold: be,
	}
	return New(cfg, acct, cls, mon, nil, backends, Callbacks{}), be
}

func TestGetOrCreateInstanceCreatesOnce(t *testing.T) {
	m, _ := testManager(t)
	inst1, err := m.GetOrCreateInstance(context.Background(), "t1", "p1", "default", nil)
	require.NoError(t, err)
	inst2, err := m.GetOrCreateInstance(context.Background(), "t1", "p1", "default", nil)
	require.NoError(t, err)
	assert.Same(t, inst1, inst2)
}

func TestGetOrCreateInstanceWithOverrideUsesGivenConfig(t *testing.T) {
	m, _ := testManager(t)
	override := &instance.Config{TenantID: "t1", ProjectID: "p1", AgentMode: "custom", Tier: types.TierHot}
	inst, err := m.GetOrCreateInstance(context.Background(), "t1", "p1", "custom", override)
	require.NoError(t, err)
	assert.Equal(t, types.TierHot, inst.Config.Tier)
}

func TestCreateInstanceFailureReleasesAccountantSlot(t *testing.T) {
	m, be := testManager(t)
	be.failNext = true
	_, err := m.GetOrCreateInstance(context.Background(), "t1", "p1", "default", nil)
	assert.Error(t, err)

	_, err = m.GetOrCreateInstance(context.Background(), "t1", "p1", "default", nil)
	assert.NoError(t, err)
}

func TestTerminateInstanceRemovesIt(t *testing.T) {
	m, _ := testManager(t)
	_, err := m.GetOrCreateInstance(context.Background(), "t1", "p1", "default", nil)
	require.NoError(t, err)

	ok := m.TerminateInstance(context.Background(), "t1", "p1", "default")
	assert.True(t, ok)
	_, found := m.GetInstance("t1", "p1", "default")
	assert.False(t, found)
}

func TestTerminateInstanceMissingReturnsFalse(t *testing.T) {
	m, _ := testManager(t)
	assert.False(t, m.TerminateInstance(context.Background(), "t1", "none", "default"))
}

func TestPauseAndResumeInstance(t *testing.T) {
	m, _ := testManager(t)
	_, err := m.GetOrCreateInstance(context.Background(), "t1", "p1", "default", nil)
	require.NoError(t, err)

	assert.True(t, m.PauseInstance("t1", "p1", "default"))
	inst, _ := m.GetInstance("t1", "p1", "default")
	assert.Equal(t, types.StatusPaused, inst.Status())

	assert.True(t, m.ResumeInstance("t1", "p1", "default"))
	assert.Equal(t, types.StatusReady, inst.Status())
}

func TestSetProjectTierSchedulesLazyMigration(t *testing.T) {
	m, _ := testManager(t)
	override := &instance.Config{TenantID: "t1", ProjectID: "p1", AgentMode: "default", Tier: types.TierWarm}
	_, err := m.GetOrCreateInstance(context.Background(), "t1", "p1", "default", override)
	require.NoError(t, err)

	assert.True(t, m.SetProjectTier("t1", "p1", "default", types.TierHot))
	inst, _ := m.GetInstance("t1", "p1", "default")
	assert.Equal(t, types.TierHot, inst.Config.Tier)
}

func TestDowngradeTierStepsDownOneLevel(t *testing.T) {
	m, _ := testManager(t)
	override := &instance.Config{TenantID: "t1", ProjectID: "p1", AgentMode: "default", Tier: types.TierHot}
	_, err := m.GetOrCreateInstance(context.Background(), "t1", "p1", "default", override)
	require.NoError(t, err)

	key := types.InstanceKey{TenantID: "t1", ProjectID: "p1", AgentMode: "default"}.String()
	require.NoError(t, m.DowngradeTier(context.Background(), key))

	inst, _ := m.GetInstance("t1", "p1", "default")
	assert.Equal(t, types.TierWarm, inst.Config.Tier)
}

func TestGetStatsCountsByTierAndStatus(t *testing.T) {
	m, _ := testManager(t)
	override := &instance.Config{TenantID: "t1", ProjectID: "p1", AgentMode: "default", Tier: types.TierHot}
	_, err := m.GetOrCreateInstance(context.Background(), "t1", "p1", "default", override)
	require.NoError(t, err)

	stats := m.GetStats()
	assert.Equal(t, 1, stats.TotalInstances)
	assert.Equal(t, 1, stats.HotInstances)
	assert.Equal(t, 1, stats.ReadyInstances)
}

func TestListInstancesReturnsSummaries(t *testing.T) {
	m, _ := testManager(t)
	_, err := m.GetOrCreateInstance(context.Background(), "t1", "p1", "default", nil)
	require.NoError(t, err)

	summaries := m.ListInstances()
	require.Len(t, summaries, 1)
	assert.Equal(t, "p1", summaries[0].ProjectID)
}

func TestBuildProjectSignalsNilWithoutActivityOrMetadata(t *testing.T) {
	m, _ := testManager(t)
	assert.Nil(t, m.buildProjectSignals("t1", "p1"))
}

func TestBuildProjectSignalsReflectsMetadata(t *testing.T) {
	m, _ := testManager(t)
	m.SetProjectMetadata("t1", "p1", "enterprise", 0.999)

	signals := m.buildProjectSignals("t1", "p1")
	require.NotNil(t, signals)
	assert.Equal(t, "enterprise", signals.SubscriptionTier)
	assert.Equal(t, 0.999, signals.SLATarget)
}

func TestBuildProjectSignalsReflectsAccountantActivity(t *testing.T) {
	m, _ := testManager(t)
	m.accountant.Allocate("t1", "p1", types.TierWarm)
	require.NoError(t, m.accountant.AcquireInstance("t1", "p1"))
	require.NoError(t, m.accountant.AcquireRequest("t1", "p1"))
	require.NoError(t, m.accountant.AcquireRequest("t1", "p1"))

	signals := m.buildProjectSignals("t1", "p1")
	require.NotNil(t, signals)
	assert.Equal(t, 2, signals.DailyRequests)
	assert.Equal(t, 2, signals.MaxConcurrentUsage)
}

func TestClassifyProjectFallsBackToWarmWithoutSignals(t *testing.T) {
	m, _ := testManager(t)
	_, err := m.GetOrCreateInstance(context.Background(), "t1", "p1", "default", nil)
	require.NoError(t, err)

	inst, _ := m.GetInstance("t1", "p1", "default")
	assert.Equal(t, types.TierWarm, inst.Config.Tier)
}

func TestUpdateProjectQuotaReachesAccountant(t *testing.T) {
	m, _ := testManager(t)
	_, err := m.GetOrCreateInstance(context.Background(), "t1", "p1", "default", nil)
	require.NoError(t, err)

	newQuota := types.ResourceQuota{MaxInstances: 9, MaxConcurrent: 99}
	require.NoError(t, m.UpdateProjectQuota("t1", "p1", newQuota))
	assert.Equal(t, newQuota, m.accountant.Usage("t1", "p1").Quota)
}

func TestTerminateInstanceReleasesProjectAllocation(t *testing.T) {
	m, _ := testManager(t)
	_, err := m.GetOrCreateInstance(context.Background(), "t1", "p1", "default", nil)
	require.NoError(t, err)

	assert.True(t, m.TerminateInstance(context.Background(), "t1", "p1", "default"))
	assert.Nil(t, m.accountant.Usage("t1", "p1"))
}

func TestStartStop(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Stop(ctx))
}
