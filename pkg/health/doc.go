// Package health is the pool's instance health monitor: Monitor polls
// each live instance's Agent.Health on an interval, applies a hysteresis
// threshold (N consecutive bad checks before acting, M good ones before
// clearing), and invokes Callbacks so the pool manager can restart,
// migrate, or degrade the instance.
//
// HTTPChecker is the one reusable probe strategy: the backend package's
// httpAgent uses it to implement Agent.Health over the worker's /health
// endpoint, so every HTTP-speaking backend probes identically. A
// bespoke TCP or exec-command checker was considered and dropped - every
// backend in this pool speaks the same HTTP contract, so there is
// nothing else to check.
package health
