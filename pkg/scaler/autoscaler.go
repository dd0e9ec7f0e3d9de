// Package scaler evaluates per-project metric history against scale-up
// and scale-down thresholds and emits scaling decisions, independent
// cooldowns per direction.
package scaler

import (
	"sync"
	"time"

	"github.com/cuemby/agentpool/pkg/types"
)

// Policy tunes the scaler's thresholds and cooldowns.
type Policy struct {
	CPUScaleUp, CPUScaleDown           float64
	MemoryScaleUp, MemoryScaleDown     float64
	QueueDepthScaleUp, QueueDepthScaleDown float64
	LatencyScaleUpMS, LatencyScaleDownMS float64
	ScaleUpIncrement, ScaleDownIncrement int
	MinInstances, MaxInstances          int
	ScaleUpCooldown, ScaleDownCooldown  time.Duration
	EvaluationPeriods                   int
	EvaluationInterval                  time.Duration
}

// DefaultPolicy matches the Python auto-scaler's defaults.
func DefaultPolicy() Policy {
	return Policy{
		CPUScaleUp: 0.8, CPUScaleDown: 0.3,
		MemoryScaleUp: 0.85, MemoryScaleDown: 0.4,
		QueueDepthScaleUp: 100, QueueDepthScaleDown: 10,
		LatencyScaleUpMS: 5000, LatencyScaleDownMS: 500,
		ScaleUpIncrement: 1, ScaleDownIncrement: 1,
		MinInstances: 0, MaxInstances: 10,
		ScaleUpCooldown: 60 * time.Second, ScaleDownCooldown: 300 * time.Second,
		EvaluationPeriods: 3, EvaluationInterval: 30 * time.Second,
	}
}

// Metrics is one sample reported for a project.
type Metrics struct {
	CPUUtilization    float64
	MemoryUtilization float64
	QueueDepth        int
	LatencyMS         float64
	At                time.Time
}

// Decision is the outcome of an evaluation.
type Decision struct {
	ProjectID  string
	Direction  types.ScalingDirection
	Reason     types.ScalingReason
	Confidence float64
	Increment  int
	At         time.Time
}

type projectHistory struct {
	samples           []Metrics
	lastScaleUpAt     time.Time
	lastScaleDownAt   time.Time
	currentInstances  int
}

// AutoScaler evaluates per-project metric windows against Policy.
type AutoScaler struct {
	mu       sync.Mutex
	policy   Policy
	projects map[string]*projectHistory
	onScale  func(Decision)
}

// New builds an AutoScaler with policy and an optional onScale callback.
func New(policy Policy, onScale func(Decision)) *AutoScaler {
	return &AutoScaler{policy: policy, projects: make(map[string]*projectHistory), onScale: onScale}
}

func (a *AutoScaler) history(projectID string) *projectHistory {
	h, ok := a.projects[projectID]
	if !ok {
		h = &projectHistory{}
		a.projects[projectID] = h
	}
	return h
}

// ReportMetrics stores m for projectID and evaluates scaling.
func (a *AutoScaler) ReportMetrics(projectID string, currentInstances int, m Metrics) *Decision {
	if m.At.IsZero() {
		m.At = time.Now()
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	h := a.history(projectID)
	h.currentInstances = currentInstances
	h.samples = append(h.samples, m)
	cap := a.policy.EvaluationPeriods * 2
	if len(h.samples) > cap {
		h.samples = h.samples[len(h.samples)-cap:]
	}

	decision := a.evaluateLocked(projectID, h)
	if decision != nil && a.onScale != nil {
		a.onScale(*decision)
	}
	return decision
}

func (a *AutoScaler) evaluateLocked(projectID string, h *projectHistory) *Decision {
	if len(h.samples) < a.policy.EvaluationPeriods {
		return nil
	}
	window := h.samples[len(h.samples)-a.policy.EvaluationPeriods:]

	avgCPU, avgMem, avgQueue, avgLatency := averages(window)

	if h.currentInstances < a.policy.MaxInstances && time.Since(h.lastScaleUpAt) >= a.policy.ScaleUpCooldown {
		if reason, confidence, ok := scaleUpCheck(a.policy, avgCPU, avgMem, avgQueue, avgLatency); ok {
			h.lastScaleUpAt = time.Now()
			return &Decision{ProjectID: projectID, Direction: types.ScaleUp, Reason: reason, Confidence: confidence, Increment: a.policy.ScaleUpIncrement, At: time.Now()}
		}
	}

	if h.currentInstances > a.policy.MinInstances && time.Since(h.lastScaleDownAt) >= a.policy.ScaleDownCooldown {
		if avgCPU < a.policy.CPUScaleDown && avgMem < a.policy.MemoryScaleDown &&
			avgQueue < a.policy.QueueDepthScaleDown && avgLatency < a.policy.LatencyScaleDownMS {
			h.lastScaleDownAt = time.Now()
			return &Decision{ProjectID: projectID, Direction: types.ScaleDown, Reason: types.ReasonLowUtilization, Confidence: 1.0, Increment: a.policy.ScaleDownIncrement, At: time.Now()}
		}
	}
	return nil
}

func averages(window []Metrics) (cpu, mem, queue, latency float64) {
	n := float64(len(window))
	for _, m := range window {
		cpu += m.CPUUtilization
		mem += m.MemoryUtilization
		queue += float64(m.QueueDepth)
		latency += m.LatencyMS
	}
	return cpu / n, mem / n, queue / n, latency / n
}

func scaleUpCheck(p Policy, cpu, mem, queue, latency float64) (types.ScalingReason, float64, bool) {
	type check struct {
		reason    types.ScalingReason
		value, threshold float64
	}
	checks := []check{
		{types.ReasonHighCPU, cpu, p.CPUScaleUp},
		{types.ReasonHighMemory, mem, p.MemoryScaleUp},
		{types.ReasonHighQueueDepth, queue, p.QueueDepthScaleUp},
		{types.ReasonHighLatency, latency, p.LatencyScaleUpMS},
	}
	for _, c := range checks {
		if c.value > c.threshold {
			confidence := c.value / c.threshold
			if confidence > 1.0 {
				confidence = 1.0
			}
			return c.reason, confidence, true
		}
	}
	return "", 0, false
}

// Scale forces a manual scaling decision regardless of cooldowns.
func (a *AutoScaler) Scale(projectID string, direction types.ScalingDirection, increment int) Decision {
	decision := Decision{ProjectID: projectID, Direction: direction, Reason: types.ReasonManual, Confidence: 1.0, Increment: increment, At: time.Now()}
	if a.onScale != nil {
		a.onScale(decision)
	}
	return decision
}
