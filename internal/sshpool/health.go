// health.go implements health monitoring for pooled connections: periodic
// liveness probes over idle entries, per-host metrics, protocol keepalives,
// and automatic reconnection with exponential backoff. An entry that
// exhausts its consecutive failure budget is evicted so the next acquire
// starts over with a fresh connection.

package sshpool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/vesselhq/vessel/internal/errdefs"
)

// healthCheckCommand is the cheap remote command used as a liveness probe.
const healthCheckCommand = "echo ping"

// healthProbeTimeout bounds a single probe, independent of the dial and
// command timeouts, so one dead host cannot stall the monitor sweep.
const healthProbeTimeout = 5 * time.Second

// Reconnection backoff parameters. Variables so tests can shorten them.
var (
	reconnectInitialBackoff = 1 * time.Second
	reconnectMaxBackoff     = 16 * time.Second
)

// connMetrics accumulates per-host connection counters. It has its own lock
// so probes and dials can record without holding the pool mutex.
type connMetrics struct {
	mu                 sync.Mutex
	totalAttempts      int64
	successfulAttempts int64
	failedAttempts     int64
	successfulChecks   int64
	failedChecks       int64
	lastError          string
	avgResponseMs      float64
	connectedAt        time.Time
	lastHealthCheck    time.Time
}

// ConnectionMetrics is a point-in-time copy of one host's accumulated
// connection statistics. Attempt counters cover connection dials; check
// counters cover liveness probes.
type ConnectionMetrics struct {
	TotalAttempts         int64     `json:"total_attempts"`
	SuccessfulAttempts    int64     `json:"successful_attempts"`
	FailedAttempts        int64     `json:"failed_attempts"`
	SuccessfulChecks      int64     `json:"successful_checks"`
	FailedChecks          int64     `json:"failed_checks"`
	LastError             string    `json:"last_error,omitempty"`
	AverageResponseTimeMs float64   `json:"average_response_time_ms"`
	ConnectedAt           time.Time `json:"connected_at"`
	LastHealthCheck       time.Time `json:"last_health_check"`
}

// SuccessRate returns the fraction of connection attempts that succeeded,
// in [0,1]. A host with no attempts reports 0.
func (s ConnectionMetrics) SuccessRate() float64 {
	if s.TotalAttempts == 0 {
		return 0
	}
	return float64(s.SuccessfulAttempts) / float64(s.TotalAttempts)
}

func (m *connMetrics) recordAttemptSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalAttempts++
	m.successfulAttempts++
	m.connectedAt = time.Now()
	m.lastError = ""
}

func (m *connMetrics) recordAttemptFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalAttempts++
	m.failedAttempts++
	m.lastError = err.Error()
}

func (m *connMetrics) recordCheckSuccess(rtt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successfulChecks++
	m.lastHealthCheck = time.Now()
	// Running average over successful probes.
	ms := float64(rtt) / float64(time.Millisecond)
	m.avgResponseMs += (ms - m.avgResponseMs) / float64(m.successfulChecks)
}

func (m *connMetrics) recordCheckFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedChecks++
	m.lastHealthCheck = time.Now()
	m.lastError = err.Error()
}

func (m *connMetrics) noteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastError = err.Error()
}

func (m *connMetrics) snapshot() ConnectionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnectionMetrics{
		TotalAttempts:         m.totalAttempts,
		SuccessfulAttempts:    m.successfulAttempts,
		FailedAttempts:        m.failedAttempts,
		SuccessfulChecks:      m.successfulChecks,
		FailedChecks:          m.failedChecks,
		LastError:             m.lastError,
		AverageResponseTimeMs: m.avgResponseMs,
		ConnectedAt:           m.connectedAt,
		LastHealthCheck:       m.lastHealthCheck,
	}
}

// Start launches the periodic health monitor. Safe to call once; subsequent
// calls are no-ops until Stop.
func (p *Pool) Start(ctx context.Context) {
	p.monitorMu.Lock()
	defer p.monitorMu.Unlock()
	if p.monitorCancel != nil {
		return
	}
	mctx, cancel := context.WithCancel(ctx)
	p.monitorCancel = cancel
	go p.monitorLoop(mctx)
	log.Printf("[sshpool] health monitor started (interval %s)", p.cfg.HealthCheckInterval)
}

// Stop halts the health monitor. Pooled connections stay open.
func (p *Pool) Stop() {
	p.monitorMu.Lock()
	defer p.monitorMu.Unlock()
	if p.monitorCancel != nil {
		p.monitorCancel()
		p.monitorCancel = nil
	}
}

func (p *Pool) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkAll(ctx)
		}
	}
}

// checkAll probes every idle entry once, sequentially.
func (p *Pool) checkAll(ctx context.Context) {
	p.mu.Lock()
	ids := make([]uint, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		p.HealthCheck(ctx, id)
	}
}

// HealthCheck probes one host's pooled connection and updates its health
// accounting. Entries that are in use, reconnecting, or absent are skipped:
// a held connection is exercised by the holder's own commands.
func (p *Pool) HealthCheck(ctx context.Context, hostID uint) error {
	p.mu.Lock()
	e := p.entries[hostID]
	if e == nil || e.inUse || e.doomed || e.conn == nil || p.reconnecting[hostID] != nil {
		p.mu.Unlock()
		return nil
	}
	c := e.conn
	p.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	rtt, err := c.Ping(probeCtx)
	cancel()

	m := p.metricsFor(hostID)
	if err == nil {
		m.recordCheckSuccess(rtt)
		p.mu.Lock()
		if p.entries[hostID] == e && e.conn == c {
			e.failureStreak = 0
		}
		p.mu.Unlock()
		return nil
	}

	m.recordCheckFailure(err)
	p.mu.Lock()
	if p.entries[hostID] != e || e.conn != c || e.inUse {
		// Replaced or acquired mid-probe; leave it to the holder.
		p.mu.Unlock()
		return err
	}
	e.failureStreak++
	streak := e.failureStreak
	budget := p.cfg.MaxReconnectAttempts
	p.mu.Unlock()

	log.Printf("[sshpool] health check failed for host %d (streak %d/%d): %v", hostID, streak, budget, err)
	p.emit(ConnectionEvent{HostID: hostID, Type: EventHealthCheckFailed, Timestamp: time.Now(), Details: err.Error()})
	if streak >= budget {
		p.markUnrecoverable(hostID, fmt.Sprintf("%d consecutive failures, last: %v", streak, err))
	} else {
		p.triggerReconnect(hostID, err.Error())
	}
	return err
}

// markUnrecoverable evicts an entry that exhausted its failure budget. The
// terminal condition is never stored: it manifests as the eviction plus a
// brand-new entry on the host's next acquire. If the entry is held, the
// eviction completes on release.
func (p *Pool) markUnrecoverable(hostID uint, reason string) {
	p.mu.Lock()
	e := p.entries[hostID]
	if e == nil {
		p.mu.Unlock()
		return
	}
	if e.inUse {
		e.doomed = true
		p.mu.Unlock()
		log.Printf("[sshpool] host %d connection unrecoverable, eviction deferred until release: %s", hostID, reason)
		return
	}
	p.removeEntryLocked(e)
	p.dispatchLocked()
	p.mu.Unlock()

	p.flushPending()
	log.Printf("[sshpool] host %d connection unrecoverable, evicted: %s", hostID, reason)
	p.states.setState(hostID, StateDisconnected, "unrecoverable: "+reason)
	p.emit(ConnectionEvent{HostID: hostID, Type: EventEvicted, Timestamp: time.Now(), Details: "unrecoverable: " + reason})
}

// triggerReconnect starts a background reconnect for a host unless one is
// already running. The entry counts as busy until the reconnect finishes, so
// acquires queue behind it and get dispatched when it resolves.
func (p *Pool) triggerReconnect(hostID uint, reason string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	e := p.entries[hostID]
	if e == nil || e.inUse || e.doomed {
		p.mu.Unlock()
		return
	}
	if _, inProgress := p.reconnecting[hostID]; inProgress {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.reconnecting[hostID] = cancel
	p.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			p.mu.Lock()
			delete(p.reconnecting, hostID)
			p.dispatchLocked()
			p.mu.Unlock()
			p.flushPending()
		}()
		p.reconnectWithBackoff(ctx, hostID, reason)
	}()
}

// reconnectWithBackoff redials the host until it succeeds, the failure
// budget is exhausted, or ctx is cancelled by an eviction or shutdown. Dial
// failures share the probe failure streak, so probes and reconnect attempts
// together count toward MaxReconnectAttempts.
func (p *Pool) reconnectWithBackoff(ctx context.Context, hostID uint, reason string) {
	p.states.setState(hostID, StateConnecting, "reconnecting: "+reason)
	p.emit(ConnectionEvent{HostID: hostID, Type: EventReconnecting, Timestamp: time.Now(), Details: reason})

	backoff := reconnectInitialBackoff
	for {
		p.mu.Lock()
		e := p.entries[hostID]
		if e == nil || e.doomed || p.closed {
			p.mu.Unlock()
			return
		}
		if e.failureStreak >= p.cfg.MaxReconnectAttempts {
			p.mu.Unlock()
			p.markUnrecoverable(hostID, fmt.Sprintf("failure budget exhausted (%d)", p.cfg.MaxReconnectAttempts))
			return
		}
		stale := e.conn
		e.conn = nil
		if e.keepCancel != nil {
			e.keepCancel()
			e.keepCancel = nil
		}
		e.state = StateConnecting
		p.mu.Unlock()
		if stale != nil {
			stale.Close()
		}

		err := p.redial(ctx, hostID, e)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		failState := StateFailed
		if errors.Is(err, errdefs.ErrConnectTimeout) {
			failState = StateTimeout
		}
		p.mu.Lock()
		if p.entries[hostID] != e {
			p.mu.Unlock()
			return
		}
		e.failureStreak++
		e.state = failState
		streak := e.failureStreak
		budget := p.cfg.MaxReconnectAttempts
		p.mu.Unlock()
		p.states.setState(hostID, failState, err.Error())

		if streak >= budget {
			p.emit(ConnectionEvent{HostID: hostID, Type: EventReconnectFailed, Timestamp: time.Now(), Details: err.Error()})
			p.markUnrecoverable(hostID, fmt.Sprintf("reconnect gave up after %d consecutive failures, last: %v", streak, err))
			return
		}

		log.Printf("[sshpool] reconnect to host %d failed (streak %d/%d), retrying in %s: %v", hostID, streak, budget, backoff, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMaxBackoff {
			backoff = reconnectMaxBackoff
		}
	}
}

// redial makes one connection attempt for a reconnecting entry.
func (p *Pool) redial(ctx context.Context, hostID uint, e *entry) error {
	target, err := p.dialer.DialTarget(ctx, hostID)
	if err != nil {
		p.metricsFor(hostID).recordAttemptFailure(err)
		return err
	}

	select {
	case p.dialSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	c, fingerprint, err := dialFunc(ctx, target, p.cfg.ConnectTimeout)
	<-p.dialSem

	m := p.metricsFor(hostID)
	if err != nil {
		m.recordAttemptFailure(err)
		return err
	}
	m.recordAttemptSuccess()

	keepCtx, keepCancel := context.WithCancel(context.Background())
	p.mu.Lock()
	if p.closed || p.entries[hostID] != e || e.doomed {
		p.mu.Unlock()
		keepCancel()
		c.Close()
		return nil
	}
	e.conn = c
	e.state = StateConnected
	e.failureStreak = 0
	e.keepCancel = keepCancel
	p.mu.Unlock()

	go p.keepaliveLoop(keepCtx, hostID, c)

	log.Printf("[sshpool] reconnected to host %d", hostID)
	p.states.setState(hostID, StateConnected, "reconnected")
	p.emit(ConnectionEvent{HostID: hostID, Type: EventReconnected, Timestamp: time.Now()})
	if fingerprint != "" && target.HostKeyFingerprint == "" {
		p.dialer.RecordHostKey(hostID, fingerprint)
	}
	return nil
}

// keepaliveLoop sends protocol-level keepalives for one transport while it
// remains the entry's connection, skipping ticks where the connection is
// held or was recently used. A failed keepalive marks the entry failed and
// hands it to the reconnect path.
func (p *Pool) keepaliveLoop(ctx context.Context, hostID uint, c conn) {
	ticker := time.NewTicker(p.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		e := p.entries[hostID]
		if e == nil || e.conn != c {
			p.mu.Unlock()
			return
		}
		if e.inUse || time.Since(e.lastUsedAt) < p.cfg.KeepAliveInterval {
			p.mu.Unlock()
			continue
		}
		p.mu.Unlock()

		err := c.Keepalive()
		if err == nil {
			continue
		}

		p.mu.Lock()
		if p.entries[hostID] != e || e.conn != c || e.inUse {
			p.mu.Unlock()
			return
		}
		e.failureStreak++
		e.state = StateFailed
		streak := e.failureStreak
		budget := p.cfg.MaxReconnectAttempts
		p.mu.Unlock()

		log.Printf("[sshpool] keepalive failed for host %d: %v", hostID, err)
		p.metricsFor(hostID).noteError(err)
		p.states.setState(hostID, StateFailed, "keepalive failed: "+err.Error())
		p.emit(ConnectionEvent{HostID: hostID, Type: EventDisconnected, Timestamp: time.Now(), Details: "keepalive failed: " + err.Error()})
		if streak >= budget {
			p.markUnrecoverable(hostID, "keepalive: "+err.Error())
		} else {
			p.triggerReconnect(hostID, "keepalive failed")
		}
		return
	}
}
