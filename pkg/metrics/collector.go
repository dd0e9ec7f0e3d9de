package metrics

import (
	"time"

	"github.com/cuemby/agentpool/pkg/types"
)

// PoolSource is the narrow view of the pool manager the collector polls.
// Defined here (rather than importing pkg/pool) to avoid a cycle, since
// pkg/pool in turn reports into this package's gauges and counters.
type PoolSource interface {
	InstanceCountsByTierStatus() map[types.ProjectTier]map[types.InstanceStatus]int
	GlobalResourceUsage() (instances int, memoryMB int, cpuCores float64, maxMemoryMB int, maxCPUCores float64)
}

// Collector polls a PoolSource on an interval and updates the package's
// Prometheus gauges.
type Collector struct {
	source PoolSource
	stopCh chan struct{}
}

// NewCollector builds a Collector over source.
func NewCollector(source PoolSource) *Collector {
	return &Collector{source: source, stopCh: make(chan struct{})}
}

// Start begins polling every 15 seconds, collecting immediately first.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the polling loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	counts := c.source.InstanceCountsByTierStatus()
	for tier, byStatus := range counts {
		for status, n := range byStatus {
			InstancesTotal.WithLabelValues(string(tier), string(status)).Set(float64(n))
		}
	}

	_, memoryMB, cpuCores, maxMemoryMB, maxCPUCores := c.source.GlobalResourceUsage()
	if maxMemoryMB > 0 {
		ResourceUtilization.WithLabelValues("memory").Set(float64(memoryMB) / float64(maxMemoryMB))
	}
	if maxCPUCores > 0 {
		ResourceUtilization.WithLabelValues("cpu").Set(cpuCores / maxCPUCores)
	}
}
