// events.go implements the connection event log for the sshpool package.
//
// Lifecycle events (connected, disconnected, reconnecting, evicted, ...) are
// recorded in a bounded in-memory ring buffer and fanned out to registered
// listeners so the API layer can stream them to clients.

package sshpool

import (
	"sync"
	"time"
)

// Connection event types.
const (
	EventConnected         = "connected"
	EventConnectFailed     = "connect_failed"
	EventDisconnected      = "disconnected"
	EventReconnecting      = "reconnecting"
	EventReconnected       = "reconnected"
	EventReconnectFailed   = "reconnect_failed"
	EventHealthCheckFailed = "health_check_failed"
	EventEvicted           = "evicted"
)

// ConnectionEvent records a single connection lifecycle event.
type ConnectionEvent struct {
	HostID    uint      `json:"host_id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details,omitempty"`
}

// EventListener receives connection events as they happen. Listeners are
// invoked synchronously and must not call back into the pool.
type EventListener func(ConnectionEvent)

// eventLogSize is the maximum number of events kept in memory.
const eventLogSize = 100

// eventLog is a fixed-size ring buffer of connection events.
type eventLog struct {
	mu     sync.RWMutex
	events [eventLogSize]ConnectionEvent
	head   int
	count  int
}

// record appends an event to the ring buffer, overwriting the oldest entry
// when full.
func (l *eventLog) record(ev ConnectionEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[l.head] = ev
	l.head = (l.head + 1) % eventLogSize
	if l.count < eventLogSize {
		l.count++
	}
}

// recent returns up to limit events in reverse chronological order (newest
// first). A limit <= 0 returns all buffered events.
func (l *eventLog) recent(limit int) []ConnectionEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 || limit > l.count {
		limit = l.count
	}
	result := make([]ConnectionEvent, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (l.head - 1 - i + eventLogSize + eventLogSize) % eventLogSize
		result = append(result, l.events[idx])
	}
	return result
}

// recentForHost returns up to limit events for one host, newest first.
func (l *eventLog) recentForHost(hostID uint, limit int) []ConnectionEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 {
		limit = l.count
	}
	result := make([]ConnectionEvent, 0, limit)
	for i := 0; i < l.count && len(result) < limit; i++ {
		idx := (l.head - 1 - i + eventLogSize + eventLogSize) % eventLogSize
		if l.events[idx].HostID == hostID {
			result = append(result, l.events[idx])
		}
	}
	return result
}
