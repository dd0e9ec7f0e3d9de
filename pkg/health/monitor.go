// Package health runs periodic probes against pool instances, tracks
// consecutive pass/fail counts, and decides what recovery action an
// unhealthy instance needs.
package health

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/agentpool/pkg/instance"
	"github.com/cuemby/agentpool/pkg/log"
	"github.com/cuemby/agentpool/pkg/types"
)

// RecoveryAction is what the health monitor recommends for an unhealthy
// instance.
type RecoveryAction string

const (
	ActionRestart RecoveryAction = "restart"
	ActionMigrate RecoveryAction = "migrate"
	ActionDegrade RecoveryAction = "degrade"
	ActionTerminate RecoveryAction = "terminate"
)

// Config tunes the monitor's thresholds.
type Config struct {
	CheckInterval            time.Duration
	CheckTimeout             time.Duration
	UnhealthyThreshold       int
	HealthyThreshold         int
	DegradedErrorRateThresh  float64
	UnhealthyErrorRateThresh float64
	LatencyWarningMS         float64
	LatencyCriticalMS        float64
	MemoryWarningPct         float64
	MemoryCriticalPct        float64
	MaxRecoveryAttempts      int
	RecoveryCooldown         time.Duration
}

// DefaultConfig matches the Python health monitor's defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:            30 * time.Second,
		CheckTimeout:             10 * time.Second,
		UnhealthyThreshold:       3,
		HealthyThreshold:         2,
		DegradedErrorRateThresh:  0.1,
		UnhealthyErrorRateThresh: 0.5,
		LatencyWarningMS:         1000,
		LatencyCriticalMS:        5000,
		MemoryWarningPct:         80,
		MemoryCriticalPct:        95,
		MaxRecoveryAttempts:      3,
		RecoveryCooldown:         60 * time.Second,
	}
}

// instanceState tracks consecutive check outcomes and recovery attempts
// for one instance.
type instanceState struct {
	mu                   sync.Mutex
	consecutiveFailures  int
	consecutiveSuccesses int
	history              []types.HealthCheckResult
	recoveryAttempts     int
	lastRecoveryAt       time.Time
}

const historyCap = 100

func (s *instanceState) recordCheck(result types.HealthCheckResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if result.Healthy {
		s.consecutiveSuccesses++
		s.consecutiveFailures = 0
	} else {
		s.consecutiveFailures++
		s.consecutiveSuccesses = 0
	}
	s.history = append(s.history, result)
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
}

func (s *instanceState) canAttemptRecovery(maxAttempts int, cooldown time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recoveryAttempts >= maxAttempts {
		return false
	}
	return time.Since(s.lastRecoveryAt) >= cooldown
}

func (s *instanceState) recordRecoveryAttempt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recoveryAttempts++
	s.lastRecoveryAt = time.Now()
}

func (s *instanceState) resetRecoveryState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recoveryAttempts = 0
}

// Callbacks are invoked on health transitions.
type Callbacks struct {
	OnUnhealthy func(key string, inst *instance.Instance, action RecoveryAction)
	OnRecovered func(key string, inst *instance.Instance)
}

// Monitor runs periodic health checks for a set of registered instances.
type Monitor struct {
	cfg       Config
	callbacks Callbacks

	mu      sync.Mutex
	states  map[string]*instanceState
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Monitor.
func New(cfg Config, callbacks Callbacks) *Monitor {
	return &Monitor{
		cfg:       cfg,
		callbacks: callbacks,
		states:    make(map[string]*instanceState),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// StartMonitoring begins a per-instance goroutine that probes inst every
// CheckInterval until StopMonitoring or StopAll is called.
func (m *Monitor) StartMonitoring(ctx context.Context, key string, inst *instance.Instance) {
	m.mu.Lock()
	if _, exists := m.cancels[key]; exists {
		m.mu.Unlock()
		return
	}
	childCtx, cancel := context.WithCancel(ctx)
	m.states[key] = &instanceState{}
	m.cancels[key] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.checkInstance(childCtx, key, inst)
			case <-childCtx.Done():
				return
			}
		}
	}()
}

// StopMonitoring halts the goroutine for key.
func (m *Monitor) StopMonitoring(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancels[key]; ok {
		cancel()
		delete(m.cancels, key)
		delete(m.states, key)
	}
}

// StopAllMonitoring halts every goroutine and waits for them to exit.
func (m *Monitor) StopAllMonitoring() {
	m.mu.Lock()
	for _, cancel := range m.cancels {
		cancel()
	}
	m.cancels = make(map[string]context.CancelFunc)
	m.mu.Unlock()
	m.wg.Wait()
}

// CheckInstance runs one probe against inst, immediately, outside the
// periodic loop — used by callers that want an on-demand check.
func (m *Monitor) CheckInstance(ctx context.Context, key string, inst *instance.Instance) types.HealthCheckResult {
	return m.checkInstance(ctx, key, inst)
}

func (m *Monitor) checkInstance(ctx context.Context, key string, inst *instance.Instance) types.HealthCheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	defer cancel()

	var result types.HealthCheckResult
	start := time.Now()
	if inst.Agent == nil {
		result = types.HealthCheckResult{Healthy: false, Error: "agent not initialized", CheckedAt: time.Now()}
	} else {
		res, err := inst.Agent.Health(checkCtx)
		if checkCtx.Err() != nil {
			result = types.HealthCheckResult{Healthy: false, Error: "health check timed out", LatencyMS: time.Since(start).Seconds() * 1000, CheckedAt: time.Now()}
		} else if err != nil {
			result = types.HealthCheckResult{Healthy: false, Error: err.Error(), LatencyMS: time.Since(start).Seconds() * 1000, CheckedAt: time.Now()}
		} else {
			result = res
		}
	}

	m.mu.Lock()
	state, ok := m.states[key]
	m.mu.Unlock()
	if !ok {
		return result
	}
	state.recordCheck(result)

	wasHealthy := inst.StateMachine().IsHealthy()
	if !result.Healthy && state.consecutiveFailures >= m.cfg.UnhealthyThreshold {
		m.handleUnhealthy(key, inst, state)
	} else if result.Healthy && state.consecutiveSuccesses >= m.cfg.HealthyThreshold && !wasHealthy {
		if err := inst.MarkRecovered(); err == nil {
			state.resetRecoveryState()
			if m.callbacks.OnRecovered != nil {
				m.callbacks.OnRecovered(key, inst)
			}
		}
	}
	return result
}

func (m *Monitor) handleUnhealthy(key string, inst *instance.Instance, state *instanceState) {
	if inst.StateMachine().IsHealthy() {
		_ = inst.MarkUnhealthy()
	}
	action := m.determineRecoveryAction(inst, state)
	if m.callbacks.OnUnhealthy != nil {
		m.callbacks.OnUnhealthy(key, inst, action)
	}
	log.WithInstanceKey(key).Warn().Str("action", string(action)).Msg("instance unhealthy")
}

// determineRecoveryAction mirrors the Python precedence order exactly:
// exhausted recovery budget always terminates; connection/timeout/network
// errors restart; high memory migrates; moderate error rate degrades;
// otherwise restart.
func (m *Monitor) determineRecoveryAction(inst *instance.Instance, state *instanceState) RecoveryAction {
	if !state.canAttemptRecovery(m.cfg.MaxRecoveryAttempts, m.cfg.RecoveryCooldown) {
		return ActionTerminate
	}

	lastErr := ""
	state.mu.Lock()
	if len(state.history) > 0 {
		lastErr = strings.ToLower(state.history[len(state.history)-1].Error)
	}
	state.mu.Unlock()
	for _, substr := range []string{"connection", "timeout", "network"} {
		if strings.Contains(lastErr, substr) {
			state.recordRecoveryAttempt()
			return ActionRestart
		}
	}

	metrics := inst.Metrics()
	if metrics.MemoryPercent > m.cfg.MemoryCriticalPct {
		state.recordRecoveryAttempt()
		return ActionMigrate
	}
	if metrics.ErrorRate >= m.cfg.DegradedErrorRateThresh && metrics.ErrorRate < m.cfg.UnhealthyErrorRateThresh {
		return ActionDegrade
	}

	state.recordRecoveryAttempt()
	return ActionRestart
}

// GetMonitoredKeys lists every instance currently being probed.
func (m *Monitor) GetMonitoredKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.cancels))
	for k := range m.cancels {
		keys = append(keys, k)
	}
	return keys
}
