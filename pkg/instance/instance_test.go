package instance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/agentpool/pkg/types"
)

type fakeAgent struct {
	healthErr  error
	streamErr  error
	shutdownErr error
	events     []ChatEvent
}

func (a *fakeAgent) Stream(ctx context.Context, prompt string) (<-chan ChatEvent, error) {
	if a.streamErr != nil {
		return nil, a.streamErr
	}
	out := make(chan ChatEvent, len(a.events))
	for _, ev := range a.events {
		out <- ev
	}
	close(out)
	return out, nil
}

func (a *fakeAgent) Health(ctx context.Context) (types.HealthCheckResult, error) {
	if a.healthErr != nil {
		return types.HealthCheckResult{}, a.healthErr
	}
	return types.HealthCheckResult{Healthy: true}, nil
}

func (a *fakeAgent) Shutdown(ctx context.Context) error { return a.shutdownErr }

func testConfig() Config {
	return Config{
		TenantID: "tenant-1", ProjectID: "project-1", AgentMode: "default",
		Tier:  types.TierWarm,
		Quota: types.ResourceQuota{MaxConcurrent: 2, EvictionIdleSecs: 1},
	}
}

func TestNewInstanceStartsCreated(t *testing.T) {
	inst := New(testConfig())
	assert.Equal(t, types.StatusCreated, inst.Status())
}

func TestInitializeSucceedsAndReachesReady(t *testing.T) {
	inst := New(testConfig())
	err := inst.Initialize(context.Background(), &fakeAgent{})
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, inst.Status())
}

func TestInitializeFailsOnNilAgent(t *testing.T) {
	inst := New(testConfig())
	err := inst.Initialize(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, types.StatusInitializationFailed, inst.Status())
}

func TestInitializeFailsOnUnhealthyProbe(t *testing.T) {
	inst := New(testConfig())
	err := inst.Initialize(context.Background(), &fakeAgent{healthErr: errors.New("boom")})
	require.Error(t, err)
	assert.Equal(t, types.StatusInitializationFailed, inst.Status())
}

func TestExecuteStreamsEventsAndReturnsToReady(t *testing.T) {
	inst := New(testConfig())
	require.NoError(t, inst.Initialize(context.Background(), &fakeAgent{
		events: []ChatEvent{{Kind: "token", Content: "hi"}, {Kind: "final"}},
	}))

	ch, err := inst.Execute(context.Background(), "hello")
	require.NoError(t, err)

	var received []ChatEvent
	for ev := range ch {
		received = append(received, ev)
	}
	require.Len(t, received, 2)
	assert.Equal(t, "hi", received[0].Content)

	assert.Eventually(t, func() bool { return inst.Status() == types.StatusReady }, time.Second, 10*time.Millisecond)
}

func TestExecuteFailsWhenNotReady(t *testing.T) {
	inst := New(testConfig())
	_, err := inst.Execute(context.Background(), "hello")
	require.Error(t, err)
}

// blockingAgent streams nothing until release is closed, letting a test
// hold two Execute calls open at once to exercise concurrency gating.
type blockingAgent struct {
	release chan struct{}
}

func (a *blockingAgent) Stream(ctx context.Context, prompt string) (<-chan ChatEvent, error) {
	out := make(chan ChatEvent, 1)
	go func() {
		<-a.release
		out <- ChatEvent{Kind: "final"}
		close(out)
	}()
	return out, nil
}

func (a *blockingAgent) Health(ctx context.Context) (types.HealthCheckResult, error) {
	return types.HealthCheckResult{Healthy: true}, nil
}

func (a *blockingAgent) Shutdown(ctx context.Context) error { return nil }

func TestExecuteAllowsConcurrentRequestsWithinQuota(t *testing.T) {
	inst := New(testConfig()) // MaxConcurrent: 2
	release := make(chan struct{})
	agent := &blockingAgent{release: release}
	require.NoError(t, inst.Initialize(context.Background(), agent))

	type result struct {
		ch  <-chan ChatEvent
		err error
	}
	results := make(chan result, 2)
	for n := 0; n < 2; n++ {
		go func() {
			ch, err := inst.Execute(context.Background(), "hello")
			results <- result{ch, err}
		}()
	}

	assert.Eventually(t, func() bool { return inst.Status() == types.StatusExecuting }, time.Second, 5*time.Millisecond)

	r1 := <-results
	r2 := <-results
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.Equal(t, types.StatusExecuting, inst.Status())

	close(release)
	for range r1.ch {
	}
	for range r2.ch {
	}

	assert.Eventually(t, func() bool { return inst.Status() == types.StatusReady }, time.Second, 5*time.Millisecond)
}

func TestExecuteOnDegradedInstanceReturnsToDegraded(t *testing.T) {
	inst := New(testConfig())
	require.NoError(t, inst.Initialize(context.Background(), &fakeAgent{
		events: []ChatEvent{{Kind: "final"}},
	}))
	require.NoError(t, inst.MarkUnhealthy())
	require.NoError(t, inst.MarkDegraded())
	require.Equal(t, types.StatusDegraded, inst.Status())

	ch, err := inst.Execute(context.Background(), "hello")
	require.NoError(t, err)
	for range ch {
	}

	assert.Eventually(t, func() bool { return inst.Status() == types.StatusDegraded }, time.Second, 10*time.Millisecond)
}

func TestMarkUnhealthyDegradeAndRecover(t *testing.T) {
	inst := New(testConfig())
	require.NoError(t, inst.Initialize(context.Background(), &fakeAgent{}))

	require.NoError(t, inst.MarkUnhealthy())
	assert.Equal(t, types.StatusUnhealthy, inst.Status())

	require.NoError(t, inst.MarkDegraded())
	assert.Equal(t, types.StatusDegraded, inst.Status())

	require.NoError(t, inst.MarkRecovered())
	assert.Equal(t, types.StatusReady, inst.Status())
}

func TestPauseAndResume(t *testing.T) {
	inst := New(testConfig())
	require.NoError(t, inst.Initialize(context.Background(), &fakeAgent{}))

	require.NoError(t, inst.Pause())
	assert.Equal(t, types.StatusPaused, inst.Status())
	require.NoError(t, inst.Resume())
	assert.Equal(t, types.StatusReady, inst.Status())
}

func TestStopShutsDownAgentAndReachesTerminated(t *testing.T) {
	inst := New(testConfig())
	agent := &fakeAgent{}
	require.NoError(t, inst.Initialize(context.Background(), agent))

	require.NoError(t, inst.Stop(context.Background()))
	assert.Equal(t, types.StatusTerminated, inst.Status())
}

func TestIsIdleExpiredRespectsQuota(t *testing.T) {
	inst := New(testConfig())
	assert.False(t, inst.IsIdleExpired())

	inst.Touch()
	assert.False(t, inst.IsIdleExpired())
}

func TestUpdateMetricsAndMetrics(t *testing.T) {
	inst := New(testConfig())
	inst.UpdateMetrics(types.InstanceMetrics{CPUPercent: 42})
	assert.Equal(t, 42.0, inst.Metrics().CPUPercent)
	assert.False(t, inst.Metrics().LastUpdated.IsZero())
}

func TestConfigWithTierAndWithQuotaDoNotMutateOriginal(t *testing.T) {
	cfg := testConfig()
	cfg.Params = map[string]string{"k": "v"}

	withTier := cfg.WithTier(types.TierHot, types.ResourceQuota{MaxInstances: 9})
	assert.Equal(t, types.TierWarm, cfg.Tier)
	assert.Equal(t, types.TierHot, withTier.Tier)
	assert.True(t, withTier.TierOverride)

	withTier.Params["k"] = "changed"
	assert.Equal(t, "v", cfg.Params["k"])
}
