package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/agentpool/pkg/log"
	"github.com/cuemby/agentpool/pkg/types"
	"github.com/google/uuid"
)

// ServiceConfig tunes checkpoint lifetime and retention.
type ServiceConfig struct {
	TTL           time.Duration
	MaxPerType    int
}

// DefaultServiceConfig matches the Python state-recovery service's
// defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{TTL: 86400 * time.Second, MaxPerType: 10}
}

// RecoveryResult is the outcome of attempting to recover one instance.
type RecoveryResult struct {
	Success       bool
	InstanceKey   string
	CheckpointID  string
	RecoveredState map[string]any
	ErrorMessage  string
	RecoveryTimeMS float64
}

// Stats summarizes checkpoint activity.
type Stats struct {
	TotalInstances   int
	TotalCheckpoints int
}

// Service is the state-recovery layer: create/list/recover/delete
// checkpoints on top of a Store.
type Service struct {
	store Store
	cfg   ServiceConfig
}

// NewService builds a Service bound to store.
func NewService(store Store, cfg ServiceConfig) *Service {
	return &Service{store: store, cfg: cfg}
}

// CreateCheckpoint snapshots stateData for instanceKey under cType.
func (s *Service) CreateCheckpoint(ctx context.Context, instanceKey string, cType types.CheckpointType, stateData map[string]any, metadata map[string]string) (string, error) {
	ck := Checkpoint{
		CheckpointID: uuid.NewString(),
		InstanceKey:  instanceKey,
		Type:         cType,
		Timestamp:    time.Now(),
		StateData:    stateData,
		Metadata:     metadata,
	}
	if err := s.store.Push(ctx, ck, s.cfg.MaxPerType, s.cfg.TTL); err != nil {
		return "", fmt.Errorf("checkpoint: create: %w", err)
	}
	return ck.CheckpointID, nil
}

// RecoverInstance loads the latest checkpoint for instanceKey (any type,
// unless cType is given) and returns it as a RecoveryResult.
func (s *Service) RecoverInstance(ctx context.Context, instanceKey string, cType types.CheckpointType) RecoveryResult {
	start := time.Now()
	ck, err := s.store.Latest(ctx, instanceKey, cType)
	elapsed := time.Since(start).Seconds() * 1000
	if err != nil {
		return RecoveryResult{Success: false, InstanceKey: instanceKey, ErrorMessage: err.Error(), RecoveryTimeMS: elapsed}
	}
	if ck == nil {
		return RecoveryResult{Success: false, InstanceKey: instanceKey, ErrorMessage: "no checkpoint found", RecoveryTimeMS: elapsed}
	}
	return RecoveryResult{
		Success:        true,
		InstanceKey:    instanceKey,
		CheckpointID:   ck.CheckpointID,
		RecoveredState: ck.StateData,
		RecoveryTimeMS: elapsed,
	}
}

// RecoverAllInstances attempts recovery for every instance key the store
// knows about, returning counts of successes and failures.
func (s *Service) RecoverAllInstances(ctx context.Context) (recovered, failed int, results []RecoveryResult) {
	keys, err := s.store.AllInstanceKeys(ctx)
	if err != nil {
		log.WithComponent("checkpoint").Error().Err(err).Msg("failed to list instance keys for recovery")
		return 0, 0, nil
	}
	for _, key := range keys {
		result := s.RecoverInstance(ctx, key, "")
		results = append(results, result)
		if result.Success {
			recovered++
		} else {
			failed++
		}
	}
	return recovered, failed, results
}

// ListCheckpoints returns up to limit checkpoints for instanceKey/cType.
func (s *Service) ListCheckpoints(ctx context.Context, instanceKey string, cType types.CheckpointType, limit int) ([]Checkpoint, error) {
	return s.store.List(ctx, instanceKey, cType, limit)
}

// DeleteCheckpoints removes all checkpoints for instanceKey.
func (s *Service) DeleteCheckpoints(ctx context.Context, instanceKey string) error {
	return s.store.Delete(ctx, instanceKey)
}

// GetStats reports how many instances have checkpoints.
func (s *Service) GetStats(ctx context.Context) (Stats, error) {
	keys, err := s.store.AllInstanceKeys(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{TotalInstances: len(keys)}, nil
}

// Close releases the underlying store.
func (s *Service) Close() error {
	return s.store.Close()
}
