// Package lifecycle implements the agent instance state machine: the set
// of valid status transitions, their triggers, and listener notification.
package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/agentpool/pkg/log"
	"github.com/cuemby/agentpool/pkg/types"
)

// Trigger names the event that causes a transition.
type Trigger string

const (
	TriggerInitialize             Trigger = "initialize"
	TriggerInitComplete           Trigger = "initialization_complete"
	TriggerInitFailed             Trigger = "initialization_failed"
	TriggerRetry                  Trigger = "retry"
	TriggerExecute                Trigger = "execute"
	TriggerComplete               Trigger = "complete"
	TriggerPause                  Trigger = "pause"
	TriggerResume                 Trigger = "resume"
	TriggerHealthCheckFailed      Trigger = "health_check_failed"
	TriggerRecover                Trigger = "recover"
	TriggerDegrade                Trigger = "degrade"
	TriggerCompleteDegraded       Trigger = "complete_degraded"
	TriggerTerminate              Trigger = "terminate"
	TriggerTerminated             Trigger = "terminated"
	TriggerForceTerminate         Trigger = "force_terminate"
)

// Transition describes one edge in the state machine.
type Transition struct {
	From    types.InstanceStatus
	To      types.InstanceStatus
	Trigger Trigger
}

// validTransitions is the exhaustive transition table. Order matters only
// for readability; lookup is by (from, trigger) key.
var validTransitions = []Transition{
	{types.StatusCreated, types.StatusInitializing, TriggerInitialize},
	{types.StatusInitializing, types.StatusReady, TriggerInitComplete},
	{types.StatusInitializing, types.StatusInitializationFailed, TriggerInitFailed},
	{types.StatusInitializationFailed, types.StatusInitializing, TriggerRetry},

	{types.StatusReady, types.StatusExecuting, TriggerExecute},
	{types.StatusDegraded, types.StatusExecuting, TriggerExecute},
	{types.StatusExecuting, types.StatusReady, TriggerComplete},
	{types.StatusExecuting, types.StatusDegraded, TriggerCompleteDegraded},

	{types.StatusReady, types.StatusPaused, TriggerPause},
	{types.StatusPaused, types.StatusReady, TriggerResume},
	{types.StatusExecuting, types.StatusPaused, TriggerPause},

	{types.StatusReady, types.StatusUnhealthy, TriggerHealthCheckFailed},
	{types.StatusExecuting, types.StatusUnhealthy, TriggerHealthCheckFailed},
	{types.StatusPaused, types.StatusUnhealthy, TriggerHealthCheckFailed},
	{types.StatusUnhealthy, types.StatusReady, TriggerRecover},
	{types.StatusUnhealthy, types.StatusDegraded, TriggerDegrade},
	{types.StatusDegraded, types.StatusReady, TriggerRecover},
	{types.StatusDegraded, types.StatusUnhealthy, TriggerHealthCheckFailed},

	{types.StatusReady, types.StatusTerminating, TriggerTerminate},
	{types.StatusPaused, types.StatusTerminating, TriggerTerminate},
	{types.StatusUnhealthy, types.StatusTerminating, TriggerTerminate},
	{types.StatusDegraded, types.StatusTerminating, TriggerTerminate},
	{types.StatusInitializationFailed, types.StatusTerminating, TriggerTerminate},
	{types.StatusTerminating, types.StatusTerminated, TriggerTerminated},

	{types.StatusExecuting, types.StatusTerminating, TriggerForceTerminate},
	{types.StatusCreated, types.StatusTerminated, TriggerForceTerminate},
	{types.StatusInitializing, types.StatusTerminated, TriggerForceTerminate},
}

// Event is delivered to listeners on every successful transition.
type Event struct {
	InstanceKey string
	From        types.InstanceStatus
	To          types.InstanceStatus
	Trigger     Trigger
	Reason      string
	Details     map[string]any
	At          time.Time
}

// Listener is notified after a transition commits. Panics inside a
// listener are recovered and logged, never propagated to the caller that
// triggered the transition — matching the Python state machine's bare
// except around listener notification.
type Listener func(Event)

// maxHistory bounds the in-memory event history so a long-lived instance
// doesn't grow it without bound.
const maxHistory = 200

// StateMachine tracks one instance's lifecycle status and history.
type StateMachine struct {
	mu          sync.RWMutex
	instanceKey string
	status      types.InstanceStatus
	createdAt   time.Time
	lastEvent   *Event
	history     []Event
	listeners   []Listener

	transitionMap map[types.InstanceStatus]map[Trigger]types.InstanceStatus
}

// New creates a state machine for instanceKey, starting in StatusCreated.
func New(instanceKey string) *StateMachine {
	sm := &StateMachine{
		instanceKey:   instanceKey,
		status:        types.StatusCreated,
		createdAt:     time.Now(),
		transitionMap: buildTransitionMap(),
	}
	return sm
}

func buildTransitionMap() map[types.InstanceStatus]map[Trigger]types.InstanceStatus {
	m := make(map[types.InstanceStatus]map[Trigger]types.InstanceStatus)
	for _, t := range validTransitions {
		if m[t.From] == nil {
			m[t.From] = make(map[Trigger]types.InstanceStatus)
		}
		m[t.From][t.Trigger] = t.To
	}
	return m
}

// Status returns the current status.
func (sm *StateMachine) Status() types.InstanceStatus {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.status
}

// CanTransition reports whether trigger is valid from the current state.
func (sm *StateMachine) CanTransition(trigger Trigger) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, ok := sm.transitionMap[sm.status][trigger]
	return ok
}

// AllowedTriggers lists the triggers valid from the current state.
func (sm *StateMachine) AllowedTriggers() []Trigger {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	triggers := make([]Trigger, 0, len(sm.transitionMap[sm.status]))
	for trigger := range sm.transitionMap[sm.status] {
		triggers = append(triggers, trigger)
	}
	return triggers
}

// Transition applies trigger, moving to the resulting state and notifying
// listeners. reason and details are recorded on the event and in history
// for later diagnosis; either may be left zero-valued. Transition returns
// an error if the transition is not valid from the current state.
func (sm *StateMachine) Transition(trigger Trigger, reason string, details map[string]any) error {
	sm.mu.Lock()
	to, ok := sm.transitionMap[sm.status][trigger]
	if !ok {
		from := sm.status
		sm.mu.Unlock()
		return fmt.Errorf("lifecycle: cannot trigger %q from state %q", trigger, from)
	}
	from := sm.status
	sm.status = to
	event := Event{
		InstanceKey: sm.instanceKey,
		From:        from,
		To:          to,
		Trigger:     trigger,
		Reason:      reason,
		Details:     details,
		At:          time.Now(),
	}
	sm.lastEvent = &event
	sm.history = append(sm.history, event)
	if len(sm.history) > maxHistory {
		sm.history = sm.history[len(sm.history)-maxHistory:]
	}
	listeners := append([]Listener(nil), sm.listeners...)
	sm.mu.Unlock()

	for _, l := range listeners {
		notify(sm.instanceKey, l, event)
	}
	return nil
}

func notify(instanceKey string, l Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.WithInstanceKey(instanceKey).Warn().
				Interface("panic", r).
				Msg("lifecycle listener panicked")
		}
	}()
	l(event)
}

// AddListener registers a listener for future transitions.
func (sm *StateMachine) AddListener(l Listener) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, l)
}

// IsActive reports whether the instance is in a state that can serve
// requests (ready, executing, or degraded).
func (sm *StateMachine) IsActive() bool {
	switch sm.Status() {
	case types.StatusReady, types.StatusExecuting, types.StatusDegraded:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the instance is terminated or failed
// initialization. An initialization_failed instance can still be retried
// or terminated.
func (sm *StateMachine) IsTerminal() bool {
	switch sm.Status() {
	case types.StatusTerminated, types.StatusInitializationFailed:
		return true
	default:
		return false
	}
}

// IsHealthy reports whether the instance is not in an unhealthy, degraded,
// or failed state.
func (sm *StateMachine) IsHealthy() bool {
	switch sm.Status() {
	case types.StatusUnhealthy, types.StatusDegraded, types.StatusInitializationFailed:
		return false
	default:
		return true
	}
}

// UptimeSeconds returns how long the instance has existed.
func (sm *StateMachine) UptimeSeconds() float64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return time.Since(sm.createdAt).Seconds()
}

// LastEvent returns the most recent transition, or nil if none occurred.
func (sm *StateMachine) LastEvent() *Event {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.lastEvent
}

// History returns every transition recorded so far, oldest first, capped
// at the last maxHistory events. The slice is a copy; callers may not
// mutate the machine's internal history by modifying it.
func (sm *StateMachine) History() []Event {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]Event, len(sm.history))
	copy(out, sm.history)
	return out
}
