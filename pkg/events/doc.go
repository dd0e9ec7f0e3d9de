// Package events documents the lifecycle event catalog.
//
// Events are fire-and-forget: Publish never waits on a subscriber (it waits
// only while the broker's own 100-event queue is full), and a subscriber
// whose buffer fills simply misses events rather than stalling the publisher.
// This trades guaranteed delivery for throughput, which is acceptable
// here since events.Broker feeds an admin dashboard and audit log, not
// the recovery path itself - the pool manager, health monitor and failure
// service make their decisions directly, without waiting on subscribers.
package events
