package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/agentpool/pkg/instance"
	"github.com/cuemby/agentpool/pkg/types"
)

func TestOnDemandBackendCreateInstanceFailsWithUnreachableAgent(t *testing.T) {
	b := NewOnDemandBackend(OnDemandConfig{MaxInstances: 2, CreationTimeout: time.Second})
	_, err := b.CreateInstance(context.Background(), instance.Config{TenantID: "t1", ProjectID: "p1"})
	assert.Error(t, err)
}

func TestOnDemandBackendRejectsBeyondMaxInstances(t *testing.T) {
	b := NewOnDemandBackend(OnDemandConfig{MaxInstances: 0, CreationTimeout: time.Second})
	_, err := b.CreateInstance(context.Background(), instance.Config{TenantID: "t1", ProjectID: "p1"})
	require.Error(t, err)
}

func TestOnDemandBackendGetInstanceByProjectAndList(t *testing.T) {
	b := NewOnDemandBackend(DefaultOnDemandConfig())
	cfg := instance.Config{TenantID: "t1", ProjectID: "p1"}
	inst := instance.New(cfg)
	b.instances[cfg.InstanceKey().String()] = inst

	got, ok := b.GetInstanceByProject("p1")
	require.True(t, ok)
	assert.Same(t, inst, got)

	_, ok = b.GetInstanceByProject("missing")
	assert.False(t, ok)

	assert.Len(t, b.ListInstances(), 1)
}

func TestOnDemandBackendDestroyInstanceRemovesAndStops(t *testing.T) {
	b := NewOnDemandBackend(DefaultOnDemandConfig())
	cfg := instance.Config{TenantID: "t1", ProjectID: "p1"}
	inst := instance.New(cfg)
	key := cfg.InstanceKey()
	b.instances[key.String()] = inst

	require.NoError(t, b.DestroyInstance(context.Background(), key))
	_, ok := b.GetInstance(key)
	assert.False(t, ok)
}

func TestOnDemandBackendDestroyInstanceMissingIsNoop(t *testing.T) {
	b := NewOnDemandBackend(DefaultOnDemandConfig())
	err := b.DestroyInstance(context.Background(), types.InstanceKey{TenantID: "x", ProjectID: "y"})
	assert.NoError(t, err)
}

func TestOnDemandBackendHealthCheckMissingInstance(t *testing.T) {
	b := NewOnDemandBackend(DefaultOnDemandConfig())
	_, err := b.HealthCheck(context.Background(), types.InstanceKey{TenantID: "x", ProjectID: "y"})
	assert.Error(t, err)
}

func TestOnDemandBackendStatsReflectsUtilization(t *testing.T) {
	b := NewOnDemandBackend(OnDemandConfig{MaxInstances: 4})
	cfg := instance.Config{TenantID: "t1", ProjectID: "p1"}
	b.instances[cfg.InstanceKey().String()] = instance.New(cfg)

	stats := b.Stats()
	assert.Equal(t, TypeOnDemand, stats.Type)
	assert.Equal(t, 1, stats.ActiveInstances)
	assert.Equal(t, 25.0, stats.UtilizationPct)
}

func TestOnDemandBackendStartStop(t *testing.T) {
	b := NewOnDemandBackend(DefaultOnDemandConfig())
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.Stop(ctx))
}
