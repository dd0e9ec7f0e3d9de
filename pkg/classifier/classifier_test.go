package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/agentpool/pkg/config"
	"github.com/cuemby/agentpool/pkg/types"
)

func testCfg() config.ClassificationConfig {
	return config.Default().Classification
}

func TestClassifyHotProject(t *testing.T) {
	c := New(testCfg())
	signals := ProjectSignals{
		DailyRequests:      5000,
		SubscriptionTier:   "enterprise",
		SLATarget:          0.999,
		MaxConcurrentUsage: 50,
	}
	assert.Equal(t, types.TierHot, c.Classify(signals))
}

func TestClassifyColdProject(t *testing.T) {
	c := New(testCfg())
	signals := ProjectSignals{
		DailyRequests:      1,
		SubscriptionTier:   "free",
		SLATarget:          0.9,
		MaxConcurrentUsage: 1,
	}
	assert.Equal(t, types.TierCold, c.Classify(signals))
}

func TestClassifyWarmProject(t *testing.T) {
	c := New(testCfg())
	signals := ProjectSignals{
		DailyRequests:      500,
		SubscriptionTier:   "professional",
		SLATarget:          0.995,
		MaxConcurrentUsage: 5,
	}
	tier := c.Classify(signals)
	assert.Equal(t, types.TierWarm, tier)
}

func TestScoreIsMonotonicWithRequestVolume(t *testing.T) {
	c := New(testCfg())
	low := c.Score(ProjectSignals{DailyRequests: 1})
	high := c.Score(ProjectSignals{DailyRequests: 10000})
	assert.Less(t, low, high)
}

func TestUnknownSubscriptionTierFallsBackToFreeScore(t *testing.T) {
	c := New(testCfg())
	known := c.Score(ProjectSignals{SubscriptionTier: "free"})
	unknown := c.Score(ProjectSignals{SubscriptionTier: "not-a-real-tier"})
	assert.Equal(t, known, unknown)
}
