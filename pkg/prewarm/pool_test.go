package prewarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/agentpool/pkg/instance"
	"github.com/cuemby/agentpool/pkg/types"
)

func testCfg() Config {
	cfg := DefaultConfig()
	cfg.L1Size = 1
	cfg.L2Size = 1
	cfg.L3Size = 1
	return cfg
}

func TestGetPrewarmedInstanceMissesWhenEmpty(t *testing.T) {
	p := New(testCfg())
	inst, level, ok := p.GetPrewarmedInstance(types.TierHot, instance.Config{})
	assert.False(t, ok)
	assert.Nil(t, inst)
	assert.Equal(t, Level(0), level)
	assert.Equal(t, int64(1), p.Stats().Misses)
}

func TestReturnAndGetL1Instance(t *testing.T) {
	p := New(testCfg())
	inst := instance.New(instance.Config{Tier: types.TierHot})
	require.True(t, p.ReturnInstance(inst, types.TierHot, LevelL1))

	got, level, ok := p.GetPrewarmedInstance(types.TierHot, instance.Config{AgentMode: "reassigned"})
	require.True(t, ok)
	assert.Equal(t, LevelL1, level)
	assert.Same(t, inst, got)
	assert.Equal(t, "reassigned", got.Config.AgentMode)
	assert.Equal(t, int64(1), p.Stats().L1Hits)
}

func TestReturnInstanceRespectsLevelCapacity(t *testing.T) {
	p := New(testCfg())
	inst1 := instance.New(instance.Config{Tier: types.TierHot})
	inst2 := instance.New(instance.Config{Tier: types.TierHot})

	assert.True(t, p.ReturnInstance(inst1, types.TierHot, LevelL1))
	assert.False(t, p.ReturnInstance(inst2, types.TierHot, LevelL1))
}

func TestGetPrewarmedInstancePrefersL1OverL2(t *testing.T) {
	p := New(testCfg())
	l1Inst := instance.New(instance.Config{Tier: types.TierWarm})
	l2Inst := instance.New(instance.Config{Tier: types.TierWarm})
	require.True(t, p.ReturnInstance(l1Inst, types.TierWarm, LevelL1))
	require.True(t, p.ReturnInstance(l2Inst, types.TierWarm, LevelL2))

	got, level, ok := p.GetPrewarmedInstance(types.TierWarm, instance.Config{})
	require.True(t, ok)
	assert.Equal(t, LevelL1, level)
	assert.Same(t, l1Inst, got)
}

func TestAddTemplateAndL3Hit(t *testing.T) {
	p := New(testCfg())
	require.True(t, p.AddTemplate(Template{Tier: types.TierCold, Quota: types.ResourceQuota{MaxInstances: 1}}))
	assert.False(t, p.AddTemplate(Template{Tier: types.TierCold}), "L3Size is 1, second template should be rejected")

	got, level, ok := p.GetPrewarmedInstance(types.TierCold, instance.Config{})
	require.True(t, ok)
	assert.Equal(t, LevelL3, level)
	assert.NotNil(t, got)
	assert.Equal(t, int64(1), p.Stats().L3Hits)
}

func TestReturnInstanceRejectsL3(t *testing.T) {
	p := New(testCfg())
	inst := instance.New(instance.Config{})
	assert.False(t, p.ReturnInstance(inst, types.TierHot, LevelL3))
}

func TestCleanupExpiredRemovesStaleEntries(t *testing.T) {
	cfg := testCfg()
	cfg.L1TTL = time.Millisecond
	p := New(cfg)
	inst := instance.New(instance.Config{Tier: types.TierHot})
	require.True(t, p.ReturnInstance(inst, types.TierHot, LevelL1))

	time.Sleep(5 * time.Millisecond)
	p.cleanupExpired()

	_, _, ok := p.GetPrewarmedInstance(types.TierHot, instance.Config{})
	assert.False(t, ok)
}

func TestStartStopMaintenanceLoop(t *testing.T) {
	cfg := testCfg()
	cfg.MaintenanceInterval = time.Millisecond
	p := New(cfg)
	p.Start()
	time.Sleep(5 * time.Millisecond)
	p.Stop()
}
