/*
Package types defines the shared data model for the agent instance pool:
instance identity and lifecycle, resource quotas and allocations, and the
small value types (health results, circuit state, checkpoint kind, failure
and scaling reasons) that the pool's subsystems pass between each other.

These types carry no behavior of their own; the state machines and
services in the sibling packages (pkg/lifecycle, pkg/resource, pkg/breaker,
pkg/health, pkg/checkpoint, pkg/failure, pkg/scaler) own the logic that
interprets them.
*/
package types
