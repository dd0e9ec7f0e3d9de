// Package backend provides the three instance-provisioning strategies the
// pool can use per tier: a dedicated container per instance (hot tier), a
// fixed pool of shared worker slots (warm tier), and on-demand creation
// with idle eviction (cold tier).
package backend

import (
	"context"

	"github.com/cuemby/agentpool/pkg/instance"
	"github.com/cuemby/agentpool/pkg/types"
)

// Type names a backend implementation.
type Type string

const (
	TypeContainer  Type = "container"
	TypeSharedPool Type = "shared_pool"
	TypeOnDemand   Type = "on_demand"
)

// Stats is a backend's self-reported utilization snapshot.
type Stats struct {
	Type              Type
	ActiveInstances   int
	Capacity          int
	UtilizationPct    float64
}

// Backend provisions and tears down agent instances for one tier.
type Backend interface {
	Type() Type
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	CreateInstance(ctx context.Context, cfg instance.Config) (*instance.Instance, error)
	DestroyInstance(ctx context.Context, key types.InstanceKey) error
	GetInstance(key types.InstanceKey) (*instance.Instance, bool)
	GetInstanceByProject(projectID string) (*instance.Instance, bool)
	ListInstances() []*instance.Instance

	Execute(ctx context.Context, key types.InstanceKey, prompt string) (<-chan instance.ChatEvent, error)
	HealthCheck(ctx context.Context, key types.InstanceKey) (types.HealthCheckResult, error)

	Stats() Stats
}
