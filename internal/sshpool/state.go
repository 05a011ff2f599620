// state.go implements connection state tracking for the sshpool package.
//
// Each pooled connection has a ConnectionState (disconnected, connecting,
// connected, failed, timeout) mutated only by the pool and its health monitor,
// plus a coarser derived ConnectionHealth used for reuse and eviction
// decisions. State transitions are recorded in a per-host ring buffer
// (50 entries) for debugging, and registered callbacks are invoked on every
// state change for UI updates or alerting.

package sshpool

import (
	"sync"
	"time"
)

// ConnectionState represents the current state of a pooled connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateFailed
	StateTimeout
)

// String returns the human-readable name of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ConnectionHealth is the coarse classification used for reuse and eviction
// decisions. It is derived from the connection state and the consecutive
// failure streak, never stored.
type ConnectionHealth int

const (
	HealthDisconnected ConnectionHealth = iota
	HealthHealthy
	HealthUnhealthy
	HealthFailed
	HealthUnrecoverable
)

// String returns the human-readable name of the health classification.
func (h ConnectionHealth) String() string {
	switch h {
	case HealthDisconnected:
		return "disconnected"
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthFailed:
		return "failed"
	case HealthUnrecoverable:
		return "unrecoverable"
	default:
		return "unknown"
	}
}

// healthFor derives the health classification from a connection state and the
// consecutive failure streak. Reaching maxStreak failures is terminal: the
// entry must be evicted and rebuilt from scratch.
func healthFor(state ConnectionState, streak, maxStreak int) ConnectionHealth {
	if maxStreak > 0 && streak >= maxStreak {
		return HealthUnrecoverable
	}
	switch state {
	case StateConnected:
		if streak > 0 {
			return HealthUnhealthy
		}
		return HealthHealthy
	case StateFailed, StateTimeout:
		return HealthFailed
	default:
		return HealthDisconnected
	}
}

// stateTransitionBufferSize is the maximum number of state transitions stored
// per host for debugging.
const stateTransitionBufferSize = 50

// StateTransition records a single state change for debugging.
type StateTransition struct {
	From      ConnectionState `json:"from"`
	To        ConnectionState `json:"to"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason"`
}

// StateChangeCallback is called when a connection state changes.
// Callbacks are invoked synchronously; long-running handlers should spawn
// goroutines, and callbacks must not call back into the pool.
type StateChangeCallback func(hostID uint, from, to ConnectionState)

// stateEntry tracks the current state and transition history for one host.
type stateEntry struct {
	current     ConnectionState
	transitions [stateTransitionBufferSize]StateTransition // fixed-size ring buffer
	head        int                                        // next write position
	count       int                                        // total entries written (capped at buffer size for reads)
}

// record adds a state transition to the ring buffer.
func (e *stateEntry) record(from, to ConnectionState, reason string) {
	e.transitions[e.head] = StateTransition{
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	e.head = (e.head + 1) % stateTransitionBufferSize
	if e.count < stateTransitionBufferSize {
		e.count++
	}
}

// history returns the state transitions in chronological order.
func (e *stateEntry) history() []StateTransition {
	if e.count == 0 {
		return nil
	}

	result := make([]StateTransition, e.count)
	if e.count < stateTransitionBufferSize {
		// Buffer not yet full, entries start at index 0.
		copy(result, e.transitions[:e.count])
	} else {
		// Buffer is full, head is the oldest entry.
		n := copy(result, e.transitions[e.head:])
		copy(result[n:], e.transitions[:e.head])
	}
	return result
}

// stateTracker manages per-host connection state history and state change
// callbacks. It has its own lock and must never be called while holding the
// pool mutex, since callbacks run synchronously.
type stateTracker struct {
	mu        sync.RWMutex
	states    map[uint]*stateEntry
	callbacks []StateChangeCallback
}

func newStateTracker() *stateTracker {
	return &stateTracker{
		states: make(map[uint]*stateEntry),
	}
}

// setState records a state transition for a host and invokes callbacks.
// If the state is unchanged, this is a no-op.
func (st *stateTracker) setState(hostID uint, state ConnectionState, reason string) {
	st.mu.Lock()
	entry, ok := st.states[hostID]
	if !ok {
		entry = &stateEntry{current: StateDisconnected}
		st.states[hostID] = entry
	}
	from := entry.current
	if from == state {
		st.mu.Unlock()
		return
	}
	entry.current = state
	entry.record(from, state, reason)

	// Copy callbacks under lock, invoke outside lock.
	cbs := make([]StateChangeCallback, len(st.callbacks))
	copy(cbs, st.callbacks)
	st.mu.Unlock()

	for _, cb := range cbs {
		cb(hostID, from, state)
	}
}

// getTransitions returns the state transition history for a host in
// chronological order (oldest first).
func (st *stateTracker) getTransitions(hostID uint) []StateTransition {
	st.mu.RLock()
	defer st.mu.RUnlock()
	entry, ok := st.states[hostID]
	if !ok {
		return nil
	}
	return entry.history()
}

// onStateChange registers a callback for state changes.
func (st *stateTracker) onStateChange(cb StateChangeCallback) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.callbacks = append(st.callbacks, cb)
}

// remove deletes all state tracking for a host.
func (st *stateTracker) remove(hostID uint) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.states, hostID)
}
