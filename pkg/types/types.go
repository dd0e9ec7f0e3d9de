package types

import (
	"fmt"
	"time"
)

// ProjectTier classifies a project's expected load and determines which
// resource quota and backend an instance is assigned.
type ProjectTier string

const (
	TierHot  ProjectTier = "hot"
	TierWarm ProjectTier = "warm"
	TierCold ProjectTier = "cold"
)

// InstanceStatus is the lifecycle state of an agent instance.
type InstanceStatus string

const (
	StatusCreated              InstanceStatus = "created"
	StatusInitializing         InstanceStatus = "initializing"
	StatusReady                InstanceStatus = "ready"
	StatusExecuting            InstanceStatus = "executing"
	StatusPaused               InstanceStatus = "paused"
	StatusUnhealthy            InstanceStatus = "unhealthy"
	StatusDegraded             InstanceStatus = "degraded"
	StatusInitializationFailed InstanceStatus = "initialization_failed"
	StatusTerminating          InstanceStatus = "terminating"
	StatusTerminated           InstanceStatus = "terminated"
)

// InstanceKey uniquely identifies an agent instance within the pool.
type InstanceKey struct {
	TenantID  string
	ProjectID string
	AgentMode string
}

// String renders the key as "tenant:project:mode", the canonical form used
// as map keys and checkpoint-store key fragments.
func (k InstanceKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.TenantID, k.ProjectID, k.AgentMode)
}

// ParseInstanceKey parses the "tenant:project:mode" canonical form.
func ParseInstanceKey(s string) (InstanceKey, error) {
	var k InstanceKey
	parts := splitN3(s)
	if len(parts) != 3 {
		return k, fmt.Errorf("types: malformed instance key %q", s)
	}
	k.TenantID, k.ProjectID, k.AgentMode = parts[0], parts[1], parts[2]
	return k, nil
}

func splitN3(s string) []string {
	out := make([]string, 0, 3)
	start := 0
	count := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ':' && count < 2 {
			out = append(out, s[start:i])
			start = i + 1
			count++
		}
	}
	out = append(out, s[start:])
	return out
}

// ResourceQuota bounds what a single instance may consume.
type ResourceQuota struct {
	MemoryLimitMB    int
	MemoryReservedMB int
	CPULimitCores    float64
	CPUReservedCores float64
	MaxInstances     int
	MaxConcurrent    int
	MinInstances     int
	EvictionIdleSecs int
}

// ProjectResourceAllocation tracks live usage for a project against its
// tier's quota.
type ProjectResourceAllocation struct {
	ProjectID       string
	Tier            ProjectTier
	Quota           ResourceQuota
	ActiveInstances int
	ActiveRequests  int
	TotalRequests   int64
}

// InstanceMetrics are the point-in-time stats reported by a running
// instance, consumed by the health monitor and auto-scaler.
type InstanceMetrics struct {
	CPUPercent      float64
	MemoryPercent   float64
	PendingRequests int
	ActiveRequests  int
	ErrorRate       float64
	LatencyMS       float64
	LastUpdated     time.Time
}

// HealthCheckResult is the outcome of a single health probe.
type HealthCheckResult struct {
	Healthy   bool
	LatencyMS float64
	Error     string
	CheckedAt time.Time
}

// CircuitState is the state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CheckpointType classifies the kind of state a checkpoint captures.
type CheckpointType string

const (
	CheckpointLifecycle    CheckpointType = "lifecycle"
	CheckpointConversation CheckpointType = "conversation"
	CheckpointExecution    CheckpointType = "execution"
	CheckpointResource     CheckpointType = "resource"
	CheckpointFull         CheckpointType = "full"
)

// FailureType classifies why an instance failed, driving the recovery
// strategy lookup in pkg/failure.
type FailureType string

const (
	FailureHealthCheckFailed    FailureType = "health_check_failed"
	FailureInitializationFailed FailureType = "initialization_failed"
	FailureExecutionError       FailureType = "execution_error"
	FailureResourceExhausted    FailureType = "resource_exhausted"
	FailureTimeout              FailureType = "timeout"
	FailureConnectionLost       FailureType = "connection_lost"
	FailureContainerCrashed     FailureType = "container_crashed"
	FailureUnknown              FailureType = "unknown"
)

// ScalingDirection is the outcome of an auto-scaling evaluation.
type ScalingDirection string

const (
	ScaleUp   ScalingDirection = "up"
	ScaleDown ScalingDirection = "down"
	ScaleNone ScalingDirection = "none"
)

// ScalingReason explains why a scaling decision was made.
type ScalingReason string

const (
	ReasonHighCPU        ScalingReason = "high_cpu"
	ReasonHighMemory     ScalingReason = "high_memory"
	ReasonHighQueueDepth ScalingReason = "high_queue_depth"
	ReasonHighLatency    ScalingReason = "high_latency"
	ReasonLowUtilization ScalingReason = "low_utilization"
	ReasonHealthIssues   ScalingReason = "health_issues"
	ReasonScheduled      ScalingReason = "scheduled"
	ReasonManual         ScalingReason = "manual"
)
