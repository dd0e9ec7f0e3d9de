// Package checkpoint persists and recovers point-in-time instance state.
// A Store is a newest-first list per (instance key, checkpoint type),
// capped at a max count and aged out by TTL — Redis is the primary
// backend, with an embedded bbolt store as the durable fallback when no
// Redis URL is configured.
package checkpoint

import (
	"context"
	"time"

	"github.com/cuemby/agentpool/pkg/types"
)

// Checkpoint is one saved snapshot of instance state.
type Checkpoint struct {
	CheckpointID string
	InstanceKey  string
	Type         types.CheckpointType
	Timestamp    time.Time
	StateData    map[string]any
	Metadata     map[string]string
}

// Store is the checkpoint persistence contract.
type Store interface {
	// Push inserts checkpoint at the head of its (instance key, type)
	// list, trimming to maxCount and setting ttl.
	Push(ctx context.Context, ck Checkpoint, maxCount int, ttl time.Duration) error
	// Latest returns the most recent checkpoint for (instanceKey, type),
	// or the most recent across all types if cType is empty.
	Latest(ctx context.Context, instanceKey string, cType types.CheckpointType) (*Checkpoint, error)
	// List returns up to limit checkpoints for (instanceKey, type),
	// newest first.
	List(ctx context.Context, instanceKey string, cType types.CheckpointType, limit int) ([]Checkpoint, error)
	// Delete removes every checkpoint for instanceKey, across all types.
	Delete(ctx context.Context, instanceKey string) error
	// AllInstanceKeys returns every instance key with at least one
	// checkpoint.
	AllInstanceKeys(ctx context.Context) ([]string, error)
	Close() error
}
