// Package metrics defines and registers the agent pool's Prometheus
// metrics, plus small health/readiness/liveness HTTP handlers for the
// admin surface.
//
// Metrics are grouped by the subsystem they describe:
//
//   - instances_total{tier,status}: live instance counts
//   - requests_total{tier,outcome}, request_duration_seconds{tier}: traffic
//   - circuit_breaker_state{instance_key}: breaker state per instance
//   - health_checks_total{result}, failures_total{failure_type}: health/failure
//   - scaling_decisions_total{direction,reason}: auto-scaler activity
//   - checkpoints_total{checkpoint_type}: state-recovery activity
//   - resource_utilization_ratio{resource}: pool-wide quota pressure
//
// Collector (collector.go) polls a PoolSource on an interval and keeps
// the gauges current; the counters and histograms are updated directly
// by the subsystems that own the events they describe. Registry bundles
// registration and an HTTP handler for the admin server to mount.
package metrics
