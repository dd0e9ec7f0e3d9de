package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/agentpool/pkg/alert"
	"github.com/cuemby/agentpool/pkg/breaker"
	"github.com/cuemby/agentpool/pkg/config"
)

func testConfig(t *testing.T) *config.PoolConfig {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.RedisURL = ""
	cfg.EnableAutoScaling = false
	cfg.CircuitBreakerFailureThreshold = 2
	return cfg
}

func TestNewWiresAllEnabledSubsystems(t *testing.T) {
	o, err := New(testConfig(t), nil)
	require.NoError(t, err)
	assert.NotNil(t, o.manager)
	assert.NotNil(t, o.healthMon)
	assert.NotNil(t, o.failureSvc)
	assert.NotNil(t, o.checkpoints)
	assert.NotNil(t, o.metricsReg)
	assert.Nil(t, o.autoScaler)
	assert.IsType(t, alert.NullSink{}, o.alertSink)
}

func TestNewDisablesOptionalSubsystemsPerConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.EnableFailureRecovery = false
	cfg.EnableStateRecovery = false
	cfg.EnableMetrics = false

	o, err := New(cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, o.failureSvc)
	assert.Nil(t, o.checkpoints)
	assert.Nil(t, o.metricsReg)
}

func TestGetStatusBeforeStartReportsNotRunning(t *testing.T) {
	o, err := New(testConfig(t), nil)
	require.NoError(t, err)
	status := o.GetStatus()
	assert.False(t, status.Running)
	assert.True(t, status.Services["pool_manager"])
	assert.True(t, status.Services["failure_recovery"])
}

func TestStartStopBringsSubsystemsUpAndDown(t *testing.T) {
	o, err := New(testConfig(t), nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, o.Start(ctx))
	assert.True(t, o.GetStatus().Running)

	require.NoError(t, o.Stop(ctx))
	assert.False(t, o.GetStatus().Running)
}

func TestStartIsIdempotent(t *testing.T) {
	o, err := New(testConfig(t), nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, o.Start(ctx))
	require.NoError(t, o.Start(ctx))
	require.NoError(t, o.Stop(ctx))
}

func TestGetInstanceOpensBreakerAfterRepeatedBackendFailures(t *testing.T) {
	o, err := New(testConfig(t), nil)
	require.NoError(t, err)

	var lastErr error
	for i := 0; i < 3; i++ {
		_, lastErr = o.GetInstance(context.Background(), "t1", "p1", "default")
	}
	assert.Error(t, lastErr)

	_, err = o.GetInstance(context.Background(), "t1", "p1", "default")
	assert.ErrorIs(t, err, breaker.ErrOpen)
}

func TestSubscribeUnsubscribeRoundTrip(t *testing.T) {
	o, err := New(testConfig(t), nil)
	require.NoError(t, err)
	sub := o.Subscribe()
	o.Unsubscribe(sub)
}

func TestFlagsAndRegistryAccessors(t *testing.T) {
	o, err := New(testConfig(t), nil)
	require.NoError(t, err)
	assert.NotNil(t, o.Flags())
	assert.NotNil(t, o.Registry())
}
