// Package config loads the agent pool's configuration from YAML, merged
// on top of built-in defaults; environment variables are not read —
// following the pattern cuemby-warren's pkg/* Config structs
// use of "construct with defaults, then merge a loaded file on top".
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/agentpool/pkg/types"
	"gopkg.in/yaml.v3"
)

// TierConfig is the resource quota and operational knobs for one project
// tier.
type TierConfig struct {
	Quota              types.ResourceQuota `yaml:"quota"`
	DefaultConcurrency int                 `yaml:"default_concurrency"`
}

// ClassificationConfig weights the dimensions the tier classifier scores a
// project on.
type ClassificationConfig struct {
	RequestWeight      float64 `yaml:"request_weight"`
	HotRequestThreshold int    `yaml:"hot_request_threshold"`
	WarmRequestThreshold int   `yaml:"warm_request_threshold"`

	SubscriptionWeight float64 `yaml:"subscription_weight"`
	EnterpriseScore    float64 `yaml:"enterprise_score"`
	ProfessionalScore  float64 `yaml:"professional_score"`
	BasicScore         float64 `yaml:"basic_score"`
	FreeScore          float64 `yaml:"free_score"`

	SLAWeight      float64 `yaml:"sla_weight"`
	HighSLA        float64 `yaml:"high_sla"`
	MediumSLA      float64 `yaml:"medium_sla"`

	ConcurrentWeight      float64 `yaml:"concurrent_weight"`
	HighConcurrentThresh  int     `yaml:"high_concurrent_threshold"`
	MediumConcurrentThresh int    `yaml:"medium_concurrent_threshold"`

	HotScoreThreshold  float64 `yaml:"hot_score_threshold"`
	WarmScoreThreshold float64 `yaml:"warm_score_threshold"`

	// DowngradeConsecutiveDays is how many consecutive classifier
	// evaluations below the current tier's threshold are required before
	// a project is allowed to downgrade.
	DowngradeConsecutiveDays int `yaml:"downgrade_consecutive_days"`
}

// PoolConfig is the pool-wide configuration consumed by the orchestrator
// and pool manager.
type PoolConfig struct {
	MaxTotalInstances  int     `yaml:"max_total_instances"`
	MaxTotalMemoryMB   int     `yaml:"max_total_memory_mb"`
	MaxTotalCPUCores   float64 `yaml:"max_total_cpu_cores"`

	PrewarmPoolSize     int           `yaml:"prewarm_pool_size"`
	PrewarmInterval     time.Duration `yaml:"prewarm_interval"`

	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthCheckTimeout  time.Duration `yaml:"health_check_timeout"`
	UnhealthyThreshold  int           `yaml:"unhealthy_threshold"`
	HealthyThreshold    int           `yaml:"healthy_threshold"`

	CircuitBreakerFailureThreshold int           `yaml:"circuit_breaker_failure_threshold"`
	CircuitBreakerRecoveryTimeout  time.Duration `yaml:"circuit_breaker_recovery_timeout"`
	CircuitBreakerHalfOpenRequests int           `yaml:"circuit_breaker_half_open_requests"`

	TierUpgradeThresholdDays   int           `yaml:"tier_upgrade_threshold_days"`
	TierDowngradeThresholdDays int           `yaml:"tier_downgrade_threshold_days"`
	TierMigrationCooldown      time.Duration `yaml:"tier_migration_cooldown"`

	CleanupInterval               time.Duration `yaml:"cleanup_interval"`
	TerminatedInstanceRetention   time.Duration `yaml:"terminated_instance_retention"`

	CheckpointKeyPrefix     string        `yaml:"checkpoint_key_prefix"`
	CheckpointStateTTL      time.Duration `yaml:"checkpoint_state_ttl"`
	CheckpointInterval      time.Duration `yaml:"checkpoint_interval"`
	MaxCheckpointsPerType   int           `yaml:"max_checkpoints_per_type"`

	MaxFailuresPerHour          int           `yaml:"max_failures_per_hour"`
	PatternDetectionWindow      time.Duration `yaml:"pattern_detection_window"`

	ScalingEvaluationInterval time.Duration `yaml:"scaling_evaluation_interval"`

	EnableHealthMonitor   bool `yaml:"enable_health_monitor"`
	EnableFailureRecovery bool `yaml:"enable_failure_recovery"`
	EnableAutoScaling     bool `yaml:"enable_auto_scaling"`
	EnableStateRecovery   bool `yaml:"enable_state_recovery"`
	EnableMetrics         bool `yaml:"enable_metrics"`

	RedisURL string `yaml:"redis_url"`
	DataDir  string `yaml:"data_dir"`

	Tiers          map[types.ProjectTier]TierConfig `yaml:"tiers"`
	Classification ClassificationConfig             `yaml:"classification"`
}

// Default returns the pool's built-in configuration, matching the values
// the Python reference implementation shipped with.
func Default() *PoolConfig {
	return &PoolConfig{
		MaxTotalInstances: 100,
		MaxTotalMemoryMB:  32768,
		MaxTotalCPUCores:  16.0,

		PrewarmPoolSize: 5,
		PrewarmInterval: 60 * time.Second,

		HealthCheckInterval: 30 * time.Second,
		HealthCheckTimeout:  10 * time.Second,
		UnhealthyThreshold:  3,
		HealthyThreshold:    2,

		CircuitBreakerFailureThreshold: 5,
		CircuitBreakerRecoveryTimeout:  60 * time.Second,
		CircuitBreakerHalfOpenRequests: 3,

		TierUpgradeThresholdDays:   3,
		TierDowngradeThresholdDays: 7,
		TierMigrationCooldown:      7 * 24 * time.Hour,

		CleanupInterval:             300 * time.Second,
		TerminatedInstanceRetention: 3600 * time.Second,

		CheckpointKeyPrefix:   "agent_pool:",
		CheckpointStateTTL:    86400 * time.Second,
		CheckpointInterval:    60 * time.Second,
		MaxCheckpointsPerType: 10,

		MaxFailuresPerHour:     10,
		PatternDetectionWindow: 60 * time.Minute,

		ScalingEvaluationInterval: 30 * time.Second,

		EnableHealthMonitor:   true,
		EnableFailureRecovery: true,
		EnableAutoScaling:     false,
		EnableStateRecovery:   true,
		EnableMetrics:         true,

		Tiers: map[types.ProjectTier]TierConfig{
			types.TierHot: {
				Quota: types.ResourceQuota{
					MemoryLimitMB: 2048, MemoryReservedMB: 1024,
					CPULimitCores: 2.0, CPUReservedCores: 1.0,
					MaxInstances: 4, MaxConcurrent: 50, MinInstances: 1,
					EvictionIdleSecs: 7200,
				},
				DefaultConcurrency: 50,
			},
			types.TierWarm: {
				Quota: types.ResourceQuota{
					MemoryLimitMB: 512, MemoryReservedMB: 256,
					CPULimitCores: 0.5, CPUReservedCores: 0.25,
					MaxInstances: 2, MaxConcurrent: 10, MinInstances: 0,
					EvictionIdleSecs: 1800,
				},
				DefaultConcurrency: 10,
			},
			types.TierCold: {
				Quota: types.ResourceQuota{
					MemoryLimitMB: 256, MemoryReservedMB: 128,
					CPULimitCores: 0.25, CPUReservedCores: 0.1,
					MaxInstances: 1, MaxConcurrent: 3, MinInstances: 0,
					EvictionIdleSecs: 300,
				},
				DefaultConcurrency: 3,
			},
		},

		Classification: ClassificationConfig{
			RequestWeight: 0.4, HotRequestThreshold: 1000, WarmRequestThreshold: 100,
			SubscriptionWeight: 0.3, EnterpriseScore: 100, ProfessionalScore: 70, BasicScore: 40, FreeScore: 10,
			SLAWeight: 0.2, HighSLA: 0.999, MediumSLA: 0.995,
			ConcurrentWeight: 0.1, HighConcurrentThresh: 10, MediumConcurrentThresh: 3,
			HotScoreThreshold: 80, WarmScoreThreshold: 50,
			DowngradeConsecutiveDays: 7,
		},
	}
}

// Load reads a YAML file and merges it onto the defaults. A missing file
// is not an error; Load returns the defaults unchanged.
func Load(path string) (*PoolConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
