// Package classifier scores a project's recent activity against the
// configured weights and returns the tier it qualifies for.
//
// The Python reference carried two scoring paths that disagreed on
// per-dimension point values while sharing the same 80/50 thresholds: a
// weighted-percentage version in classification/classifier.py, and an
// inline point-accumulation version inside AgentPoolManager. This package
// keeps only the weighted-percentage version — it is the one documented
// with named weights and is what the spec's tier thresholds describe; the
// inline duplicate was dead weight once unified here.
package classifier

import (
	"github.com/cuemby/agentpool/pkg/config"
	"github.com/cuemby/agentpool/pkg/types"
)

// ProjectSignals is the raw activity the classifier scores.
type ProjectSignals struct {
	DailyRequests      int
	SubscriptionTier    string // "enterprise", "professional", "basic", "free"
	SLATarget          float64
	MaxConcurrentUsage int
}

// Classifier scores projects into tiers using the configured weights.
type Classifier struct {
	cfg config.ClassificationConfig
}

// New builds a Classifier from cfg.
func New(cfg config.ClassificationConfig) *Classifier {
	return &Classifier{cfg: cfg}
}

// Score computes the weighted 0-100 score for signals.
func (c *Classifier) Score(signals ProjectSignals) float64 {
	return c.requestScore(signals.DailyRequests)*c.cfg.RequestWeight +
		c.subscriptionScore(signals.SubscriptionTier)*c.cfg.SubscriptionWeight +
		c.slaScore(signals.SLATarget)*c.cfg.SLAWeight +
		c.concurrentScore(signals.MaxConcurrentUsage)*c.cfg.ConcurrentWeight
}

func (c *Classifier) requestScore(daily int) float64 {
	switch {
	case daily >= c.cfg.HotRequestThreshold:
		return 100
	case daily >= c.cfg.WarmRequestThreshold:
		return 50
	default:
		return 10
	}
}

func (c *Classifier) subscriptionScore(tier string) float64 {
	switch tier {
	case "enterprise":
		return c.cfg.EnterpriseScore
	case "professional":
		return c.cfg.ProfessionalScore
	case "basic":
		return c.cfg.BasicScore
	default:
		return c.cfg.FreeScore
	}
}

func (c *Classifier) slaScore(sla float64) float64 {
	switch {
	case sla >= c.cfg.HighSLA:
		return 100
	case sla >= c.cfg.MediumSLA:
		return 60
	default:
		return 20
	}
}

func (c *Classifier) concurrentScore(n int) float64 {
	switch {
	case n >= c.cfg.HighConcurrentThresh:
		return 100
	case n >= c.cfg.MediumConcurrentThresh:
		return 60
	default:
		return 20
	}
}

// Classify returns the tier signals qualifies for.
func (c *Classifier) Classify(signals ProjectSignals) types.ProjectTier {
	score := c.Score(signals)
	switch {
	case score >= c.cfg.HotScoreThreshold:
		return types.TierHot
	case score >= c.cfg.WarmScoreThreshold:
		return types.TierWarm
	default:
		return types.TierCold
	}
}
