// Package orchestrator wires every pool subsystem together in the
// dependency order they need to start and stop in, and exposes the small
// surface a caller (the admin HTTP server, the CLI) needs against a
// running pool.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/agentpool/pkg/alert"
	"github.com/cuemby/agentpool/pkg/backend"
	"github.com/cuemby/agentpool/pkg/breaker"
	"github.com/cuemby/agentpool/pkg/checkpoint"
	"github.com/cuemby/agentpool/pkg/classifier"
	"github.com/cuemby/agentpool/pkg/config"
	"github.com/cuemby/agentpool/pkg/events"
	"github.com/cuemby/agentpool/pkg/failure"
	"github.com/cuemby/agentpool/pkg/flags"
	"github.com/cuemby/agentpool/pkg/health"
	"github.com/cuemby/agentpool/pkg/instance"
	"github.com/cuemby/agentpool/pkg/log"
	"github.com/cuemby/agentpool/pkg/metrics"
	"github.com/cuemby/agentpool/pkg/pool"
	"github.com/cuemby/agentpool/pkg/poolerr"
	"github.com/cuemby/agentpool/pkg/resource"
	"github.com/cuemby/agentpool/pkg/scaler"
	"github.com/cuemby/agentpool/pkg/types"
)

// Status is the JSON-friendly snapshot GetStatus returns.
type Status struct {
	Running  bool            `json:"running"`
	Services map[string]bool `json:"services"`
	PoolStats pool.Stats     `json:"pool_stats,omitempty"`
}

// Orchestrator owns the full subsystem graph: pool manager, health
// monitor, failure recovery, auto-scaler, state recovery and metrics.
type Orchestrator struct {
	cfg *config.PoolConfig

	manager      *pool.Manager
	healthMon    *health.Monitor
	failureSvc   *failure.Service
	autoScaler   *scaler.AutoScaler
	checkpoints  *checkpoint.Service
	metricsReg   *metrics.Registry
	metricsColl  *metrics.Collector
	breakers     *breaker.Registry
	flags        *flags.Gate
	alertSink    alert.Sink
	events       *events.Broker

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs every subsystem from cfg but does not start anything;
// call Start to bring the orchestrator up.
func New(cfg *config.PoolConfig, alertSink alert.Sink) (*Orchestrator, error) {
	if alertSink == nil {
		alertSink = alert.NullSink{}
	}

	o := &Orchestrator{
		cfg:       cfg,
		flags:     flags.New(),
		breakers: breaker.NewRegistry(breaker.Config{
			FailureThreshold:   cfg.CircuitBreakerFailureThreshold,
			RecoveryTimeout:    cfg.CircuitBreakerRecoveryTimeout,
			HalfOpenRequests:   cfg.CircuitBreakerHalfOpenRequests,
			SuccessThreshold:   2,
			WindowSeconds:      60 * time.Second,
			ExcludedErrorKinds: []poolerr.Kind{poolerr.KindQuotaExceeded, poolerr.KindInvalidTransition},
		}),
		alertSink: alertSink,
		events:    events.NewBroker(),
	}

	accountant := resource.New(cfg)
	cls := classifier.New(cfg.Classification)

	backends := map[types.ProjectTier]backend.Backend{
		types.TierHot:  backend.NewContainerBackend(backend.DefaultContainerConfig()),
		types.TierWarm: backend.NewSharedPoolBackend(backend.DefaultSharedPoolConfig()),
		types.TierCold: backend.NewOnDemandBackend(backend.DefaultOnDemandConfig()),
	}

	var mgr *pool.Manager
	healthMon := health.New(health.Config{
		CheckInterval:            cfg.HealthCheckInterval,
		CheckTimeout:             cfg.HealthCheckTimeout,
		UnhealthyThreshold:       cfg.UnhealthyThreshold,
		HealthyThreshold:         cfg.HealthyThreshold,
		DegradedErrorRateThresh:  0.1,
		UnhealthyErrorRateThresh: 0.5,
		LatencyWarningMS:         1000,
		LatencyCriticalMS:        5000,
		MemoryWarningPct:         80,
		MemoryCriticalPct:        95,
		MaxRecoveryAttempts:      3,
		RecoveryCooldown:         60 * time.Second,
	}, health.Callbacks{
		OnUnhealthy: func(key string, inst *instance.Instance, action health.RecoveryAction) {
			mgr.OnInstanceUnhealthy(key, inst, action)
			o.events.Publish(&events.Event{Type: events.InstanceUnhealthy, InstanceKey: key, Message: string(action)})
			if o.failureSvc != nil {
				o.failureSvc.ReportFailure(context.Background(), failure.Event{
					InstanceKey: key,
					Type:        types.FailureHealthCheckFailed,
					Message:     "health check failed",
				})
			}
		},
		OnRecovered: func(key string, inst *instance.Instance) {
			mgr.OnInstanceRecovered(key, inst)
			o.events.Publish(&events.Event{Type: events.InstanceRecovered, InstanceKey: key})
		},
	})

	var checkpointSvc *checkpoint.Service
	if cfg.EnableStateRecovery {
		store, err := newCheckpointStore(cfg)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: checkpoint store: %w", err)
		}
		checkpointSvc = checkpoint.NewService(store, checkpoint.ServiceConfig{
			TTL:        cfg.CheckpointStateTTL,
			MaxPerType: cfg.MaxCheckpointsPerType,
		})
	}

	mgr = pool.New(cfg, accountant, cls, healthMon, checkpointSvc, backends, pool.Callbacks{
		OnInstanceCreated: func(inst *instance.Instance) {
			o.events.Publish(&events.Event{Type: events.InstanceCreated, InstanceKey: inst.Config.InstanceKey().String()})
		},
		OnInstanceTerminated: func(inst *instance.Instance) {
			o.events.Publish(&events.Event{Type: events.InstanceTerminated, InstanceKey: inst.Config.InstanceKey().String()})
		},
	})

	var failureSvc *failure.Service
	if cfg.EnableFailureRecovery {
		failureSvc = failure.New(failure.Config{
			MaxFailuresPerHour:     cfg.MaxFailuresPerHour,
			PatternDetectionWindow: cfg.PatternDetectionWindow,
			AutoRecover:            true,
		}, mgr, failure.Callbacks{
			OnFailure: func(ev failure.Event) {
				log.WithInstanceKey(ev.InstanceKey).Warn().Str("type", string(ev.Type)).Msg("failure reported")
			},
			OnRecovery: func(instanceKey string, strategy failure.Strategy, success bool) {
				log.WithInstanceKey(instanceKey).Info().Str("strategy", string(strategy)).Bool("success", success).Msg("recovery attempt")
			},
			OnEscalation: o.onEscalation,
		})
	}

	var autoScaler *scaler.AutoScaler
	if cfg.EnableAutoScaling {
		autoScaler = scaler.New(scaler.DefaultPolicy(), o.onScale)
	}

	var metricsReg *metrics.Registry
	var metricsColl *metrics.Collector
	if cfg.EnableMetrics {
		metricsReg = metrics.NewRegistry()
		metricsColl = metrics.NewCollector(mgr)
	}

	o.manager = mgr
	o.healthMon = healthMon
	o.failureSvc = failureSvc
	o.autoScaler = autoScaler
	o.checkpoints = checkpointSvc
	o.metricsReg = metricsReg
	o.metricsColl = metricsColl

	return o, nil
}

func newCheckpointStore(cfg *config.PoolConfig) (checkpoint.Store, error) {
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client, err := checkpoint.NewRedisClient(ctx, cfg.RedisURL)
		if err == nil {
			return checkpoint.NewRedisStore(client), nil
		}
		log.WithComponent("orchestrator").Warn().Err(err).Msg("redis checkpoint store unavailable, falling back to bbolt")
	}
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}
	return checkpoint.NewBoltStore(dataDir)
}

// Start brings every enabled subsystem up in dependency order: metrics,
// state recovery, pool manager, instance recovery, health monitor (already
// constructed; started per-instance), failure recovery, auto-scaler, then
// the orchestrator's own background loops.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	o.events.Start()

	if o.metricsColl != nil {
		o.metricsColl.Start()
	}

	if err := o.manager.Start(runCtx); err != nil {
		return fmt.Errorf("orchestrator: start pool manager: %w", err)
	}

	if o.checkpoints != nil {
		o.recoverInstances(runCtx)
	}

	if o.autoScaler != nil {
		// AutoScaler has no background loop of its own; metrics are pushed
		// to it from reportScalingMetricsLoop below.
	}

	if o.checkpoints != nil {
		o.wg.Add(1)
		go o.checkpointLoop(runCtx)
	}
	if o.autoScaler != nil {
		o.wg.Add(1)
		go o.scalingMetricsLoop(runCtx)
	}

	o.mu.Lock()
	o.running = true
	o.mu.Unlock()

	log.WithComponent("orchestrator").Info().Msg("pool orchestrator started")
	return nil
}

// Stop brings every subsystem down in the reverse of Start's order.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.wg.Wait()

	if o.autoScaler != nil {
		log.WithComponent("orchestrator").Info().Msg("auto-scaler stopped")
	}
	if o.failureSvc != nil {
		log.WithComponent("orchestrator").Info().Msg("failure recovery stopped")
	}

	o.healthMon.StopAllMonitoring()

	if o.checkpoints != nil {
		o.checkpointAllInstances(ctx)
	}

	if err := o.manager.Stop(ctx); err != nil {
		return fmt.Errorf("orchestrator: stop pool manager: %w", err)
	}

	if o.checkpoints != nil {
		if err := o.checkpoints.Close(); err != nil {
			log.WithComponent("orchestrator").Warn().Err(err).Msg("error closing checkpoint store")
		}
	}
	if o.metricsColl != nil {
		o.metricsColl.Stop()
	}
	o.events.Stop()

	log.WithComponent("orchestrator").Info().Msg("pool orchestrator stopped")
	return nil
}

// GetInstance returns or creates the instance for the given identity,
// guarded by that instance's circuit breaker.
func (o *Orchestrator) GetInstance(ctx context.Context, tenantID, projectID, agentMode string) (*instance.Instance, error) {
	key := types.InstanceKey{TenantID: tenantID, ProjectID: projectID, AgentMode: agentMode}.String()
	br := o.breakers.GetOrCreate(key)
	if !br.Allow() {
		return nil, breaker.ErrOpen
	}

	inst, err := o.manager.GetOrCreateInstance(ctx, tenantID, projectID, agentMode, nil)
	if err != nil {
		br.RecordFailure(err)
		return nil, err
	}
	br.RecordSuccess()
	return inst, nil
}

// Execute runs prompt through the instance for the given identity,
// reporting stream-level errors to the failure recovery service.
func (o *Orchestrator) Execute(ctx context.Context, tenantID, projectID, agentMode, prompt string) (<-chan instance.ChatEvent, error) {
	inst, err := o.GetInstance(ctx, tenantID, projectID, agentMode)
	if err != nil {
		return nil, err
	}
	events, err := inst.Execute(ctx, prompt)
	if err != nil {
		return nil, err
	}

	key := inst.Config.InstanceKey().String()
	out := make(chan instance.ChatEvent, 8)
	go func() {
		defer close(out)
		for ev := range events {
			if ev.Kind == "error" && o.failureSvc != nil {
				o.failureSvc.ReportFailure(context.Background(), failure.Event{
					InstanceKey: key,
					Type:        types.FailureExecutionError,
					Message:     ev.Content,
				})
			}
			out <- ev
		}
	}()
	return out, nil
}

// TerminateInstance checkpoints (if enabled) and removes the instance for
// instanceKey.
func (o *Orchestrator) TerminateInstance(ctx context.Context, instanceKey string, graceful bool) (bool, error) {
	ik, err := types.ParseInstanceKey(instanceKey)
	if err != nil {
		return false, err
	}
	if o.checkpoints != nil && graceful {
		if _, err := o.checkpoints.CreateCheckpoint(ctx, instanceKey, types.CheckpointFull, map[string]any{"reason": "termination"}, nil); err != nil {
			log.WithInstanceKey(instanceKey).Warn().Err(err).Msg("pre-termination checkpoint failed")
		}
	}
	o.healthMon.StopMonitoring(instanceKey)
	return o.manager.TerminateInstance(ctx, ik.TenantID, ik.ProjectID, ik.AgentMode), nil
}

// SetProjectTier overrides a project's tier via the pool manager.
func (o *Orchestrator) SetProjectTier(tenantID, projectID, agentMode string, tier types.ProjectTier) {
	o.manager.SetProjectTier(tenantID, projectID, agentMode, tier)
}

// SetProjectMetadata records a project's subscription tier and SLA target,
// feeding the tier classifier the next time the project's instance is
// (re)created via the pool manager.
func (o *Orchestrator) SetProjectMetadata(tenantID, projectID, subscriptionTier string, slaTarget float64) {
	o.manager.SetProjectMetadata(tenantID, projectID, subscriptionTier, slaTarget)
}

// UpdateProjectQuota replaces a project's resource quota via the pool
// manager.
func (o *Orchestrator) UpdateProjectQuota(tenantID, projectID string, quota types.ResourceQuota) error {
	return o.manager.UpdateProjectQuota(tenantID, projectID, quota)
}

// PauseInstance / ResumeInstance proxy to the pool manager by instance key.
func (o *Orchestrator) PauseInstance(instanceKey string) (bool, error) {
	ik, err := types.ParseInstanceKey(instanceKey)
	if err != nil {
		return false, err
	}
	return o.manager.PauseInstance(ik.TenantID, ik.ProjectID, ik.AgentMode), nil
}

func (o *Orchestrator) ResumeInstance(instanceKey string) (bool, error) {
	ik, err := types.ParseInstanceKey(instanceKey)
	if err != nil {
		return false, err
	}
	return o.manager.ResumeInstance(ik.TenantID, ik.ProjectID, ik.AgentMode), nil
}

// Registry returns the metrics registry, or nil if metrics are disabled.
func (o *Orchestrator) Registry() *metrics.Registry { return o.metricsReg }

// Flags returns the feature-flag gate, for the admin surface to read or
// override rollout state.
func (o *Orchestrator) Flags() *flags.Gate { return o.flags }

// GetStatus reports the orchestrator's running state and subsystem
// presence, plus pool statistics.
func (o *Orchestrator) GetStatus() Status {
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()

	return Status{
		Running: running,
		Services: map[string]bool{
			"pool_manager":      o.manager != nil,
			"health_monitor":    o.healthMon != nil,
			"failure_recovery":  o.failureSvc != nil,
			"auto_scaling":      o.autoScaler != nil,
			"state_recovery":    o.checkpoints != nil,
			"metrics_collector": o.metricsColl != nil,
		},
		PoolStats: o.manager.GetStats(),
	}
}

func (o *Orchestrator) onEscalation(instanceKey string, occurrences int) {
	log.WithInstanceKey(instanceKey).Error().Int("occurrences", occurrences).Msg("escalation: human intervention required")
	o.events.Publish(&events.Event{Type: events.Escalated, InstanceKey: instanceKey, Message: fmt.Sprintf("%d occurrences", occurrences)})
	a := alert.Alert{
		Title:    fmt.Sprintf("Agent pool escalation: %s", instanceKey),
		Message:  fmt.Sprintf("recovery attempts exhausted after %d occurrences", occurrences),
		Severity: alert.SeverityCritical,
		Source:   "agent_pool_orchestrator",
		Metadata: map[string]string{"instance_key": instanceKey},
		At:       time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.alertSink.SendAlert(ctx, a); err != nil {
		log.WithComponent("orchestrator").Error().Err(err).Msg("failed to send escalation alert")
	}
}

func (o *Orchestrator) onScale(decision scaler.Decision) {
	log.WithComponent("orchestrator").Info().
		Str("project_id", decision.ProjectID).
		Str("direction", string(decision.Direction)).
		Str("reason", string(decision.Reason)).
		Msg("scaling decision")
	o.events.Publish(&events.Event{
		Type:    events.ScalingDecided,
		Message: fmt.Sprintf("%s: %s (%s)", decision.ProjectID, decision.Direction, decision.Reason),
	})
}

// Subscribe registers a new lifecycle event subscriber.
func (o *Orchestrator) Subscribe() events.Subscriber { return o.events.Subscribe() }

// Unsubscribe removes a previously registered subscriber.
func (o *Orchestrator) Unsubscribe(sub events.Subscriber) { o.events.Unsubscribe(sub) }

func (o *Orchestrator) recoverInstances(ctx context.Context) {
	log.WithComponent("orchestrator").Info().Msg("recovering instances from checkpoints")
	recovered, failed, _ := o.checkpoints.RecoverAllInstances(ctx)
	log.WithComponent("orchestrator").Info().Int("recovered", recovered).Int("failed", failed).Msg("recovery complete")
}

func (o *Orchestrator) checkpointLoop(ctx context.Context) {
	defer o.wg.Done()
	interval := o.cfg.CheckpointInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.checkpointAllInstances(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) checkpointAllInstances(ctx context.Context) {
	for _, summary := range o.manager.ListInstances() {
		_, err := o.checkpoints.CreateCheckpoint(ctx, summary.InstanceKey, types.CheckpointLifecycle, map[string]any{
			"status": string(summary.Status),
			"tier":   string(summary.Tier),
		}, nil)
		if err != nil {
			log.WithInstanceKey(summary.InstanceKey).Error().Err(err).Msg("checkpoint failed")
			continue
		}
		o.events.Publish(&events.Event{Type: events.CheckpointWritten, InstanceKey: summary.InstanceKey})
	}
}

func (o *Orchestrator) scalingMetricsLoop(ctx context.Context) {
	defer o.wg.Done()
	interval := o.cfg.ScalingEvaluationInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.reportScalingMetrics()
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) reportScalingMetrics() {
	for _, summary := range o.manager.ListInstances() {
		m := summary.Metrics
		o.autoScaler.ReportMetrics(summary.ProjectID, 1, scaler.Metrics{
			CPUUtilization:    m.CPUPercent / 100.0,
			MemoryUtilization: m.MemoryPercent / 100.0,
			QueueDepth:        m.PendingRequests,
			LatencyMS:         m.LatencyMS,
			At:                time.Now(),
		})
	}
}
