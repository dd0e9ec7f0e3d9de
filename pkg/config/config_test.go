package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/agentpool/pkg/types"
)

func TestDefaultPopulatesAllTiers(t *testing.T) {
	cfg := Default()
	for _, tier := range []types.ProjectTier{types.TierHot, types.TierWarm, types.TierCold} {
		tc, ok := cfg.Tiers[tier]
		require.True(t, ok, "missing tier %s", tier)
		assert.Greater(t, tc.Quota.MaxInstances, 0)
	}
}

func TestLoadWithEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().MaxTotalInstances, cfg.MaxTotalInstances)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().MaxTotalInstances, cfg.MaxTotalInstances)
}

func TestLoadMergesYAMLOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_total_instances: 7\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxTotalInstances)
	assert.Equal(t, Default().MaxTotalMemoryMB, cfg.MaxTotalMemoryMB)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("::not yaml::"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
