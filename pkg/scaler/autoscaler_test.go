package scaler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/agentpool/pkg/types"
)

func testPolicy() Policy {
	p := DefaultPolicy()
	p.EvaluationPeriods = 2
	p.ScaleUpCooldown = 0
	p.ScaleDownCooldown = 0
	p.MaxInstances = 5
	p.MinInstances = 0
	return p
}

func TestReportMetricsNoDecisionBelowEvaluationWindow(t *testing.T) {
	a := New(testPolicy(), nil)
	d := a.ReportMetrics("proj-1", 1, Metrics{CPUUtilization: 0.9})
	assert.Nil(t, d)
}

func TestReportMetricsScalesUpOnHighCPU(t *testing.T) {
	var got []Decision
	a := New(testPolicy(), func(d Decision) { got = append(got, d) })

	a.ReportMetrics("proj-1", 1, Metrics{CPUUtilization: 0.95})
	d := a.ReportMetrics("proj-1", 1, Metrics{CPUUtilization: 0.95})

	require.NotNil(t, d)
	assert.Equal(t, types.ScaleUp, d.Direction)
	assert.Equal(t, types.ReasonHighCPU, d.Reason)
	require.Len(t, got, 1)
}

func TestReportMetricsScalesDownOnLowUtilization(t *testing.T) {
	a := New(testPolicy(), nil)
	a.ReportMetrics("proj-1", 2, Metrics{CPUUtilization: 0.05, MemoryUtilization: 0.05})
	d := a.ReportMetrics("proj-1", 2, Metrics{CPUUtilization: 0.05, MemoryUtilization: 0.05})

	require.NotNil(t, d)
	assert.Equal(t, types.ScaleDown, d.Direction)
	assert.Equal(t, types.ReasonLowUtilization, d.Reason)
}

func TestReportMetricsRespectsMaxInstances(t *testing.T) {
	policy := testPolicy()
	policy.MaxInstances = 1
	a := New(policy, nil)

	a.ReportMetrics("proj-1", 1, Metrics{CPUUtilization: 0.95})
	d := a.ReportMetrics("proj-1", 1, Metrics{CPUUtilization: 0.95})
	assert.Nil(t, d)
}

func TestReportMetricsRespectsCooldown(t *testing.T) {
	policy := testPolicy()
	policy.ScaleUpCooldown = time.Hour
	a := New(policy, nil)

	a.ReportMetrics("proj-1", 1, Metrics{CPUUtilization: 0.95})
	first := a.ReportMetrics("proj-1", 1, Metrics{CPUUtilization: 0.95})
	require.NotNil(t, first)

	second := a.ReportMetrics("proj-1", 1, Metrics{CPUUtilization: 0.95})
	assert.Nil(t, second)
}

func TestScaleEmitsManualDecisionImmediately(t *testing.T) {
	var got *Decision
	a := New(testPolicy(), func(d Decision) { got = &d })

	d := a.Scale("proj-1", types.ScaleUp, 3)
	assert.Equal(t, types.ReasonManual, d.Reason)
	assert.Equal(t, 3, d.Increment)
	require.NotNil(t, got)
	assert.Equal(t, d, *got)
}
