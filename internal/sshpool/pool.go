// Package sshpool maintains a bounded pool of health-monitored SSH
// connections, one per host. Tasks acquire a host's connection through a
// Handle, run commands over it, and release it back; the pool reuses healthy
// connections, queues acquires FIFO when a host is busy or the pool is full,
// and evicts connections the health monitor declares unrecoverable. Eviction
// of an in-use connection is deferred until the holder releases it, so a
// running command is never yanked mid-session.
package sshpool

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/vesselhq/vessel/internal/errdefs"
)

// Config controls pool sizing and timeouts. Zero values fall back to
// defaults, so an empty Config is usable.
type Config struct {
	// MaxPoolSize bounds the number of pooled entries (one per host).
	MaxPoolSize int
	// MaxConcurrentConnections bounds in-flight dial attempts.
	MaxConcurrentConnections int
	// ConnectTimeout covers TCP connect plus SSH handshake.
	ConnectTimeout time.Duration
	// CommandTimeout bounds a single remote command. Zero disables it.
	CommandTimeout time.Duration
	// KeepAliveInterval is how often idle connections are pinged at the
	// protocol level.
	KeepAliveInterval time.Duration
	// HealthCheckInterval is how often the monitor probes idle entries.
	HealthCheckInterval time.Duration
	// MaxReconnectAttempts is the consecutive failure budget before an
	// entry is declared unrecoverable and evicted.
	MaxReconnectAttempts int
	// FailFast makes Acquire return ErrPoolExhausted immediately instead
	// of queueing when no entry or slot is available.
	FailFast bool
}

func (c Config) withDefaults() Config {
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = 10
	}
	if c.MaxConcurrentConnections <= 0 {
		c.MaxConcurrentConnections = 5
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 30 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 3
	}
	return c
}

// entry is one pooled connection slot. All fields are guarded by Pool.mu.
type entry struct {
	hostID        uint
	conn          conn
	state         ConnectionState
	createdAt     time.Time
	lastUsedAt    time.Time
	useCount      int64
	inUse         bool
	doomed        bool // evict deferred until release
	failureStreak int  // consecutive probe/dial/keepalive failures
	keepCancel    context.CancelFunc
}

// waiter is one blocked Acquire call. Dispatch scans the queue in arrival
// order after every release, eviction, or failed dial and hands each waiter
// either its host's idle entry or a free slot to dial into.
type waiter struct {
	hostID   uint
	ready    chan struct{} // closed exactly once, when granted or the pool closes
	entry    *entry        // set before ready is closed
	needDial bool          // granted entry needs a fresh dial before use
}

// ConnectionEntry is a read-only snapshot of one pooled connection.
type ConnectionEntry struct {
	HostID     uint      `json:"host_id"`
	State      string    `json:"state"`
	Health     string    `json:"health"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	UseCount   int64     `json:"use_count"`
	InUse      bool      `json:"in_use"`
}

// PoolStats is a point-in-time summary of pool occupancy and health.
// InUseConnections plus IdleConnections always equals TotalConnections, and
// TotalConnections never exceeds MaxPoolSize.
type PoolStats struct {
	TotalConnections  int     `json:"total_connections"`
	ActiveConnections int     `json:"active_connections"`
	InUseConnections  int     `json:"in_use_connections"`
	IdleConnections   int     `json:"idle_connections"`
	UtilizationRate   float64 `json:"utilization_rate"`
	HealthRate        float64 `json:"health_rate"`
}

// Pool manages SSH connections keyed by host ID.
type Pool struct {
	cfg    Config
	dialer HostDialer

	mu           sync.Mutex
	entries      map[uint]*entry
	waiters      []*waiter
	metrics      map[uint]*connMetrics // survives eviction, dropped only by Forget
	reconnecting map[uint]context.CancelFunc
	pending      []ConnectionEvent // evictions decided under mu, emitted by flushPending
	closed       bool

	dialSem chan struct{}

	states *stateTracker
	events *eventLog

	listenerMu sync.RWMutex
	listeners  []EventListener

	monitorMu     sync.Mutex
	monitorCancel context.CancelFunc
}

// New creates a pool using dialer to resolve host IDs into SSH targets.
// Call Start to run the health monitor and Close to shut down.
func New(cfg Config, dialer HostDialer) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:          cfg,
		dialer:       dialer,
		entries:      make(map[uint]*entry),
		metrics:      make(map[uint]*connMetrics),
		reconnecting: make(map[uint]context.CancelFunc),
		dialSem:      make(chan struct{}, cfg.MaxConcurrentConnections),
		states:       newStateTracker(),
		events:       &eventLog{},
	}
}

// Acquire returns a handle to the host's pooled connection, dialing one if
// needed. A host without an entry displaces the least recently used idle
// connection when the pool is full. While the host's connection is held by
// another caller, or every slot is busy, Acquire queues FIFO until ctx
// expires; with FailFast set it returns ErrPoolExhausted immediately
// instead. A deadline on ctx bounds the wait, and expiry surfaces as
// ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context, hostID uint) (*Handle, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errdefs.Connection(hostID, "pool", errdefs.ErrPoolClosed)
		}

		e := p.entries[hostID]
		idle := e != nil && !e.inUse && !e.doomed && p.reconnecting[hostID] == nil
		if idle && !p.hasWaiterLocked(hostID) {
			if p.healthLocked(e) == HealthHealthy {
				e.inUse = true
				e.useCount++
				e.lastUsedAt = time.Now()
				p.mu.Unlock()
				return &Handle{pool: p, entry: e, hostID: hostID}, nil
			}
			// Dead or degraded idle entry: redial it in place.
			e.inUse = true
			e.state = StateConnecting
			p.mu.Unlock()
			return p.dialEntry(ctx, e)
		}
		if e == nil && len(p.waiters) == 0 && (len(p.entries) < p.cfg.MaxPoolSize || p.reclaimIdleLocked()) {
			e = &entry{hostID: hostID, state: StateConnecting, createdAt: time.Now(), inUse: true}
			p.entries[hostID] = e
			p.mu.Unlock()
			p.flushPending()
			return p.dialEntry(ctx, e)
		}

		if p.cfg.FailFast {
			p.mu.Unlock()
			return nil, errdefs.Connection(hostID, "pool", errdefs.ErrPoolExhausted)
		}

		w := &waiter{hostID: hostID, ready: make(chan struct{})}
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()

		select {
		case <-w.ready:
			p.mu.Lock()
			if p.closed {
				p.abandonGrantLocked(w)
				p.mu.Unlock()
				return nil, errdefs.Connection(hostID, "pool", errdefs.ErrPoolClosed)
			}
			granted, needDial := w.entry, w.needDial
			p.mu.Unlock()
			if granted == nil {
				continue
			}
			if needDial {
				return p.dialEntry(ctx, granted)
			}
			return &Handle{pool: p, entry: granted, hostID: hostID}, nil
		case <-ctx.Done():
			p.mu.Lock()
			if stillQueued := p.removeWaiterLocked(w); !stillQueued {
				// Granted concurrently with the timeout: give it back.
				p.abandonGrantLocked(w)
			}
			p.mu.Unlock()
			p.flushPending()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, errdefs.Connection(hostID, "pool", errdefs.ErrPoolExhausted)
			}
			return nil, errdefs.Connection(hostID, "pool", ctx.Err())
		}
	}
}

// dialEntry connects an entry the caller owns (marked connecting and in use).
// On failure the entry is removed so the slot frees up for waiters.
func (p *Pool) dialEntry(ctx context.Context, e *entry) (*Handle, error) {
	hostID := e.hostID
	p.states.setState(hostID, StateConnecting, "dialing")

	select {
	case p.dialSem <- struct{}{}:
	case <-ctx.Done():
		p.failDial(e, ctx.Err())
		return nil, errdefs.Connection(hostID, "dial", ctx.Err())
	}
	defer func() { <-p.dialSem }()

	target, err := p.dialer.DialTarget(ctx, hostID)
	if err != nil {
		p.metricsFor(hostID).recordAttemptFailure(err)
		p.failDial(e, err)
		return nil, errdefs.Connection(hostID, "dial", err)
	}

	// Drop any dead transport left over from a previous failure.
	p.mu.Lock()
	stale := e.conn
	e.conn = nil
	if e.keepCancel != nil {
		e.keepCancel()
		e.keepCancel = nil
	}
	p.mu.Unlock()
	if stale != nil {
		stale.Close()
	}

	c, fingerprint, err := dialFunc(ctx, target, p.cfg.ConnectTimeout)
	m := p.metricsFor(hostID)
	if err != nil {
		m.recordAttemptFailure(err)
		p.failDial(e, err)
		return nil, errdefs.Connection(hostID, "dial", err)
	}
	m.recordAttemptSuccess()

	keepCtx, keepCancel := context.WithCancel(context.Background())
	now := time.Now()
	p.mu.Lock()
	if p.closed || p.entries[hostID] != e {
		wasClosed := p.closed
		p.mu.Unlock()
		keepCancel()
		c.Close()
		if wasClosed {
			return nil, errdefs.Connection(hostID, "pool", errdefs.ErrPoolClosed)
		}
		return nil, errdefs.Connection(hostID, "pool", errors.New("host removed during dial"))
	}
	e.conn = c
	e.state = StateConnected
	e.failureStreak = 0
	e.useCount++
	e.lastUsedAt = now
	e.keepCancel = keepCancel
	p.mu.Unlock()

	go p.keepaliveLoop(keepCtx, hostID, c)

	p.states.setState(hostID, StateConnected, "connected")
	p.emit(ConnectionEvent{HostID: hostID, Type: EventConnected, Timestamp: now})
	if fingerprint != "" && target.HostKeyFingerprint == "" {
		p.dialer.RecordHostKey(hostID, fingerprint)
	}
	return &Handle{pool: p, entry: e, hostID: hostID}, nil
}

// failDial tears down an owned entry after a failed connection attempt and
// wakes waiters, since the slot is free again. Accumulated metrics for the
// host are kept.
func (p *Pool) failDial(e *entry, err error) {
	hostID := e.hostID
	failState := StateFailed
	if errors.Is(err, errdefs.ErrConnectTimeout) || errors.Is(err, context.DeadlineExceeded) {
		failState = StateTimeout
	}

	p.mu.Lock()
	if p.entries[hostID] == e {
		delete(p.entries, hostID)
	}
	if e.keepCancel != nil {
		e.keepCancel()
		e.keepCancel = nil
	}
	stale := e.conn
	e.conn = nil
	e.state = failState
	e.inUse = false
	p.dispatchLocked()
	p.mu.Unlock()

	if stale != nil {
		stale.Close()
	}
	p.flushPending()
	log.Printf("[sshpool] connect to host %d failed: %v", hostID, err)
	p.states.setState(hostID, failState, err.Error())
	p.emit(ConnectionEvent{HostID: hostID, Type: EventConnectFailed, Timestamp: time.Now(), Details: err.Error()})
}

// dispatchLocked grants queued waiters whatever became available. Waiters
// that cannot be satisfied yet keep their position. Caller holds p.mu.
func (p *Pool) dispatchLocked() {
	if p.closed || len(p.waiters) == 0 {
		return
	}
	remaining := p.waiters[:0]
	for _, w := range p.waiters {
		if !p.tryGrantLocked(w) {
			remaining = append(remaining, w)
		}
	}
	p.waiters = remaining
}

func (p *Pool) tryGrantLocked(w *waiter) bool {
	e := p.entries[w.hostID]
	if e != nil {
		if e.inUse || e.doomed || p.reconnecting[w.hostID] != nil {
			return false
		}
		e.inUse = true
		if p.healthLocked(e) == HealthHealthy {
			e.useCount++
			e.lastUsedAt = time.Now()
			w.entry, w.needDial = e, false
		} else {
			e.state = StateConnecting
			w.entry, w.needDial = e, true
		}
		close(w.ready)
		return true
	}
	if len(p.entries) >= p.cfg.MaxPoolSize && !p.reclaimIdleLocked() {
		return false
	}
	e = &entry{hostID: w.hostID, state: StateConnecting, createdAt: time.Now(), inUse: true}
	p.entries[w.hostID] = e
	w.entry, w.needDial = e, true
	close(w.ready)
	return true
}

// reclaimIdleLocked evicts the least recently used idle entry to make room
// for another host. Returns false when every entry is busy. The eviction
// event is queued for flushPending since p.mu is held.
func (p *Pool) reclaimIdleLocked() bool {
	var victim *entry
	for _, e := range p.entries {
		if e.inUse || e.doomed || p.reconnecting[e.hostID] != nil {
			continue
		}
		if victim == nil || e.lastUsedAt.Before(victim.lastUsedAt) {
			victim = e
		}
	}
	if victim == nil {
		return false
	}
	hostID := victim.hostID
	p.removeEntryLocked(victim)
	p.pending = append(p.pending, ConnectionEvent{
		HostID:    hostID,
		Type:      EventEvicted,
		Timestamp: time.Now(),
		Details:   "idle connection reclaimed for another host",
	})
	return true
}

// flushPending emits eviction events queued while the pool lock was held.
// Every path that dispatches waiters calls it after unlocking.
func (p *Pool) flushPending() {
	p.mu.Lock()
	evs := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, ev := range evs {
		p.states.setState(ev.HostID, StateDisconnected, ev.Details)
		p.emit(ev)
	}
}

// abandonGrantLocked returns a granted-but-unused resource to the pool after
// the waiter's context expired or the pool closed.
func (p *Pool) abandonGrantLocked(w *waiter) {
	e := w.entry
	if e == nil {
		return
	}
	w.entry = nil
	if w.needDial {
		if e.conn == nil && e.useCount == 0 {
			// Placeholder that never connected: free the slot.
			if p.entries[e.hostID] == e {
				delete(p.entries, e.hostID)
			}
		} else {
			e.inUse = false
			e.state = StateFailed
		}
	} else {
		e.inUse = false
		e.useCount--
	}
	p.dispatchLocked()
}

// removeWaiterLocked drops w from the queue, reporting whether it was still
// queued. A waiter not in the queue has already been granted.
func (p *Pool) removeWaiterLocked(w *waiter) bool {
	for i, q := range p.waiters {
		if q == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) hasWaiterLocked(hostID uint) bool {
	for _, w := range p.waiters {
		if w.hostID == hostID {
			return true
		}
	}
	return false
}

// removeEntryLocked drops an entry from the pool and closes its transport.
// Caller holds p.mu and records state/events after unlocking.
func (p *Pool) removeEntryLocked(e *entry) {
	if p.entries[e.hostID] == e {
		delete(p.entries, e.hostID)
	}
	if e.keepCancel != nil {
		e.keepCancel()
		e.keepCancel = nil
	}
	if c := e.conn; c != nil {
		e.conn = nil
		go c.Close()
	}
	e.state = StateDisconnected
	e.inUse = false
}

// Evict force-closes a host's pooled connection. If the connection is
// currently held, eviction is deferred until release so the in-flight
// command finishes first. Metrics and history are kept.
func (p *Pool) Evict(hostID uint, reason string) {
	p.mu.Lock()
	if cancel := p.reconnecting[hostID]; cancel != nil {
		cancel()
	}
	e := p.entries[hostID]
	if e == nil {
		p.mu.Unlock()
		return
	}
	if e.inUse {
		e.doomed = true
		p.mu.Unlock()
		return
	}
	p.removeEntryLocked(e)
	p.dispatchLocked()
	p.mu.Unlock()

	p.flushPending()
	p.states.setState(hostID, StateDisconnected, "evicted: "+reason)
	p.emit(ConnectionEvent{HostID: hostID, Type: EventEvicted, Timestamp: time.Now(), Details: reason})
}

// Forget evicts a host's connection and drops its metrics and state history.
// Used when a host is deleted from the registry.
func (p *Pool) Forget(hostID uint) {
	p.Evict(hostID, "host removed")
	p.mu.Lock()
	delete(p.metrics, hostID)
	p.mu.Unlock()
	p.states.remove(hostID)
}

// Stats returns a snapshot of pool occupancy and health. Rates are
// percentages in [0,100]; an empty pool reports zeros.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := PoolStats{TotalConnections: len(p.entries)}
	for _, e := range p.entries {
		if e.inUse {
			s.InUseConnections++
		}
		if e.state == StateConnected && p.healthLocked(e) == HealthHealthy {
			s.ActiveConnections++
		}
	}
	s.IdleConnections = s.TotalConnections - s.InUseConnections
	if s.TotalConnections > 0 {
		s.UtilizationRate = float64(s.InUseConnections) / float64(s.TotalConnections) * 100
		s.HealthRate = float64(s.ActiveConnections) / float64(s.TotalConnections) * 100
	}
	return s
}

// Entries returns snapshots of all pooled connections, ordered by host ID.
func (p *Pool) Entries() []ConnectionEntry {
	p.mu.Lock()
	out := make([]ConnectionEntry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, p.entryViewLocked(e))
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].HostID < out[j].HostID })
	return out
}

// Entry returns a snapshot of one host's pooled connection.
func (p *Pool) Entry(hostID uint) (ConnectionEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[hostID]
	if !ok {
		return ConnectionEntry{}, false
	}
	return p.entryViewLocked(e), true
}

func (p *Pool) entryViewLocked(e *entry) ConnectionEntry {
	return ConnectionEntry{
		HostID:     e.hostID,
		State:      e.state.String(),
		Health:     p.healthLocked(e).String(),
		CreatedAt:  e.createdAt,
		LastUsedAt: e.lastUsedAt,
		UseCount:   e.useCount,
		InUse:      e.inUse,
	}
}

func (p *Pool) healthLocked(e *entry) ConnectionHealth {
	return healthFor(e.state, e.failureStreak, p.cfg.MaxReconnectAttempts)
}

// Metrics returns accumulated connection metrics for a host. Metrics survive
// eviction and reset only when the host is forgotten.
func (p *Pool) Metrics(hostID uint) (ConnectionMetrics, bool) {
	p.mu.Lock()
	m, ok := p.metrics[hostID]
	p.mu.Unlock()
	if !ok {
		return ConnectionMetrics{}, false
	}
	return m.snapshot(), true
}

// AllMetrics returns metric snapshots for every host the pool has dialed.
func (p *Pool) AllMetrics() map[uint]ConnectionMetrics {
	p.mu.Lock()
	refs := make(map[uint]*connMetrics, len(p.metrics))
	for id, m := range p.metrics {
		refs[id] = m
	}
	p.mu.Unlock()

	out := make(map[uint]ConnectionMetrics, len(refs))
	for id, m := range refs {
		out[id] = m.snapshot()
	}
	return out
}

func (p *Pool) metricsFor(hostID uint) *connMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.metrics[hostID]
	if !ok {
		m = &connMetrics{}
		p.metrics[hostID] = m
	}
	return m
}

// TransitionHistory returns the recorded state transitions for a host,
// oldest first.
func (p *Pool) TransitionHistory(hostID uint) []StateTransition {
	return p.states.getTransitions(hostID)
}

// Events returns up to limit recent connection events, newest first.
func (p *Pool) Events(limit int) []ConnectionEvent {
	return p.events.recent(limit)
}

// HostEvents returns up to limit recent events for one host, newest first.
func (p *Pool) HostEvents(hostID uint, limit int) []ConnectionEvent {
	return p.events.recentForHost(hostID, limit)
}

// OnStateChange registers a callback invoked on every connection state
// change.
func (p *Pool) OnStateChange(cb StateChangeCallback) {
	p.states.onStateChange(cb)
}

// OnEvent registers a listener for connection lifecycle events.
func (p *Pool) OnEvent(l EventListener) {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()
	p.listeners = append(p.listeners, l)
}

func (p *Pool) emit(ev ConnectionEvent) {
	p.events.record(ev)
	p.listenerMu.RLock()
	ls := make([]EventListener, len(p.listeners))
	copy(ls, p.listeners)
	p.listenerMu.RUnlock()
	for _, l := range ls {
		l(ev)
	}
}

// Close stops the health monitor, fails all queued acquires, and closes every
// pooled connection, including ones still in use. The pool cannot be reused.
func (p *Pool) Close() {
	p.Stop()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	for _, cancel := range p.reconnecting {
		cancel()
	}
	var conns []conn
	hostIDs := make([]uint, 0, len(p.entries))
	for id, e := range p.entries {
		hostIDs = append(hostIDs, id)
		if e.keepCancel != nil {
			e.keepCancel()
			e.keepCancel = nil
		}
		if e.conn != nil {
			conns = append(conns, e.conn)
			e.conn = nil
		}
		e.state = StateDisconnected
		e.inUse = false
	}
	p.entries = make(map[uint]*entry)
	p.mu.Unlock()

	for _, w := range waiters {
		close(w.ready)
	}
	for _, c := range conns {
		c.Close()
	}
	for _, id := range hostIDs {
		p.states.setState(id, StateDisconnected, "pool closed")
	}
}

// Handle is exclusive access to one host's pooled connection. Exactly one
// handle per host exists at a time; callers must Release when done. Release
// is idempotent.
type Handle struct {
	pool     *Pool
	entry    *entry
	hostID   uint
	released bool // guarded by pool.mu
}

// HostID returns the host this handle is connected to.
func (h *Handle) HostID() uint {
	return h.hostID
}

// Run executes a command in its own session on the held connection. A
// non-zero exit status returns the populated result alongside a
// CommandError; transport failures return a ConnectionError and mark the
// connection for replacement on the next acquire.
func (h *Handle) Run(ctx context.Context, command string) (*ExecResult, error) {
	p := h.pool
	p.mu.Lock()
	if h.released {
		p.mu.Unlock()
		return nil, errdefs.Connection(h.hostID, "session", errors.New("handle already released"))
	}
	c := h.entry.conn
	h.entry.lastUsedAt = time.Now()
	p.mu.Unlock()
	if c == nil {
		return nil, errdefs.Connection(h.hostID, "session", errors.New("connection closed"))
	}

	runCtx := ctx
	if p.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.cfg.CommandTimeout)
		defer cancel()
	}

	result, err := c.Exec(runCtx, command)
	if err != nil {
		if runCtx.Err() != nil && ctx.Err() == nil {
			return nil, &errdefs.CommandError{Command: command, ExitCode: -1, Err: errdefs.ErrCommandTimeout}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.mu.Lock()
		h.entry.failureStreak++
		h.entry.state = StateFailed
		p.mu.Unlock()
		p.metricsFor(h.hostID).noteError(err)
		p.states.setState(h.hostID, StateFailed, "session failure: "+err.Error())
		return nil, errdefs.Connection(h.hostID, "session", err)
	}

	p.mu.Lock()
	h.entry.failureStreak = 0
	h.entry.lastUsedAt = time.Now()
	p.mu.Unlock()

	if result.ExitCode != 0 {
		return result, &errdefs.CommandError{Command: command, ExitCode: result.ExitCode, Stderr: result.Stderr}
	}
	return result, nil
}

// Release returns the connection to the pool for reuse. If an eviction was
// deferred while the handle was held, it completes now.
func (h *Handle) Release() {
	p := h.pool
	p.mu.Lock()
	if h.released {
		p.mu.Unlock()
		return
	}
	h.released = true
	e := h.entry
	e.lastUsedAt = time.Now()
	if e.doomed {
		p.removeEntryLocked(e)
		p.dispatchLocked()
		p.mu.Unlock()
		p.flushPending()
		p.states.setState(e.hostID, StateDisconnected, "evicted after release")
		p.emit(ConnectionEvent{HostID: e.hostID, Type: EventEvicted, Timestamp: time.Now(), Details: "deferred eviction completed on release"})
		return
	}
	e.inUse = false
	p.dispatchLocked()
	p.mu.Unlock()
	p.flushPending()
}
