package sshpool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/vesselhq/vessel/internal/errdefs"
)

// fakeConn is a scriptable transport standing in for a real SSH connection.
type fakeConn struct {
	mu      sync.Mutex
	id      int
	pingErr error
	keepErr error
	execFn  func(ctx context.Context, command string) (*ExecResult, error)
	closed  bool
}

func (c *fakeConn) Exec(ctx context.Context, command string) (*ExecResult, error) {
	c.mu.Lock()
	fn := c.execFn
	c.mu.Unlock()
	if fn != nil {
		return fn(ctx, command)
	}
	return &ExecResult{Command: command, Stdout: "ok\n", Duration: time.Millisecond}, nil
}

func (c *fakeConn) Ping(ctx context.Context) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pingErr != nil {
		return 0, c.pingErr
	}
	return 2 * time.Millisecond, nil
}

func (c *fakeConn) Keepalive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepErr
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) setPingErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

func (c *fakeConn) setKeepErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keepErr = err
}

func (c *fakeConn) setExecFn(fn func(ctx context.Context, command string) (*ExecResult, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execFn = fn
}

// fakeDialer hands out targets and records pinned fingerprints.
type fakeDialer struct {
	mu           sync.Mutex
	err          error
	records      int
	fingerprints map[uint]string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{fingerprints: make(map[uint]string)}
}

func (d *fakeDialer) DialTarget(ctx context.Context, hostID uint) (Target, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return Target{}, d.err
	}
	return Target{
		Address:            fmt.Sprintf("10.0.0.%d", hostID),
		Port:               22,
		Username:           "root",
		HostKeyFingerprint: d.fingerprints[hostID],
	}, nil
}

func (d *fakeDialer) RecordHostKey(hostID uint, fingerprint string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records++
	d.fingerprints[hostID] = fingerprint
}

func (d *fakeDialer) fingerprint(hostID uint) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fingerprints[hostID]
}

func (d *fakeDialer) recordCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.records
}

// stubDial installs a transport dialer for the duration of a test.
func stubDial(t *testing.T, fn func(ctx context.Context, target Target, timeout time.Duration) (conn, string, error)) {
	t.Helper()
	orig := dialFunc
	dialFunc = fn
	t.Cleanup(func() { dialFunc = orig })
}

// countingDial always succeeds, handing out fresh fakeConns and counting
// attempts.
type countingDial struct {
	mu    sync.Mutex
	dials int
	conns []*fakeConn
}

func (cd *countingDial) fn(ctx context.Context, target Target, timeout time.Duration) (conn, string, error) {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	cd.dials++
	c := &fakeConn{id: cd.dials}
	cd.conns = append(cd.conns, c)
	return c, "SHA256:fake-" + target.Address, nil
}

func (cd *countingDial) count() int {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	return cd.dials
}

func (cd *countingDial) last() *fakeConn {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	if len(cd.conns) == 0 {
		return nil
	}
	return cd.conns[len(cd.conns)-1]
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *fakeDialer, *countingDial) {
	t.Helper()
	cd := &countingDial{}
	stubDial(t, cd.fn)
	d := newFakeDialer()
	p := New(cfg, d)
	t.Cleanup(p.Close)
	return p, d, cd
}

func mustAcquire(t *testing.T, p *Pool, hostID uint) *Handle {
	t.Helper()
	h, err := p.Acquire(context.Background(), hostID)
	if err != nil {
		t.Fatalf("acquire host %d: %v", hostID, err)
	}
	return h
}

func waiterCount(p *Pool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", d, msg)
}

// shortBackoff shrinks reconnect delays so tests converge quickly.
func shortBackoff(t *testing.T) {
	t.Helper()
	origInitial, origMax := reconnectInitialBackoff, reconnectMaxBackoff
	reconnectInitialBackoff = time.Millisecond
	reconnectMaxBackoff = 4 * time.Millisecond
	t.Cleanup(func() {
		reconnectInitialBackoff, reconnectMaxBackoff = origInitial, origMax
	})
}

func TestAcquireReusesHealthyConnection(t *testing.T) {
	p, _, cd := newTestPool(t, Config{})

	h1 := mustAcquire(t, p, 1)
	h1.Release()
	h2 := mustAcquire(t, p, 1)
	defer h2.Release()

	if cd.count() != 1 {
		t.Errorf("expected 1 dial, got %d", cd.count())
	}
	e, ok := p.Entry(1)
	if !ok {
		t.Fatal("no entry for host 1")
	}
	if e.UseCount != 2 {
		t.Errorf("use count = %d, want 2", e.UseCount)
	}
	if e.State != "connected" || e.Health != "healthy" {
		t.Errorf("entry %s/%s, want connected/healthy", e.State, e.Health)
	}
	if !e.InUse {
		t.Error("entry should be marked in use")
	}
}

func TestAcquireRecordsHostKeyOnFirstUseOnly(t *testing.T) {
	p, d, _ := newTestPool(t, Config{})

	h := mustAcquire(t, p, 4)
	h.Release()
	if fp := d.fingerprint(4); fp != "SHA256:fake-10.0.0.4" {
		t.Errorf("recorded fingerprint %q", fp)
	}
	if d.recordCalls() != 1 {
		t.Fatalf("expected 1 fingerprint record, got %d", d.recordCalls())
	}

	// A redial with a pinned fingerprint must not re-record.
	p.Evict(4, "test")
	h2 := mustAcquire(t, p, 4)
	h2.Release()
	if d.recordCalls() != 1 {
		t.Errorf("fingerprint re-recorded on pinned host: %d calls", d.recordCalls())
	}
}

func TestAcquireDialFailure(t *testing.T) {
	p, _, _ := newTestPool(t, Config{})
	dialErr := errors.New("connection refused")
	stubDial(t, func(ctx context.Context, target Target, timeout time.Duration) (conn, string, error) {
		return nil, "", dialErr
	})

	_, err := p.Acquire(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error from failed dial")
	}
	if !errdefs.IsConnection(err) {
		t.Errorf("expected connection error, got %v", err)
	}
	if !errors.Is(err, dialErr) {
		t.Errorf("cause not preserved: %v", err)
	}

	if stats := p.Stats(); stats.TotalConnections != 0 {
		t.Errorf("failed dial left %d entries in the pool", stats.TotalConnections)
	}
	m, ok := p.Metrics(1)
	if !ok {
		t.Fatal("expected metrics for host 1")
	}
	if m.TotalAttempts != 1 || m.FailedAttempts != 1 || m.SuccessfulAttempts != 0 {
		t.Errorf("metrics after failed dial: %+v", m)
	}
	if m.LastError == "" {
		t.Error("last error not recorded")
	}
}

func TestAcquireConnectTimeout(t *testing.T) {
	p, _, _ := newTestPool(t, Config{})
	stubDial(t, func(ctx context.Context, target Target, timeout time.Duration) (conn, string, error) {
		return nil, "", fmt.Errorf("dial 10.0.0.1:22: %w", errdefs.ErrConnectTimeout)
	})

	_, err := p.Acquire(context.Background(), 1)
	if !errors.Is(err, errdefs.ErrConnectTimeout) {
		t.Fatalf("expected connect timeout, got %v", err)
	}
	trs := p.TransitionHistory(1)
	if len(trs) == 0 || trs[len(trs)-1].To != StateTimeout {
		t.Errorf("expected last transition to timeout, got %+v", trs)
	}
}

func TestSameHostAcquireWaitsForRelease(t *testing.T) {
	p, _, cd := newTestPool(t, Config{MaxPoolSize: 1})

	h1 := mustAcquire(t, p, 1)

	got := make(chan *Handle, 1)
	go func() {
		h, err := p.Acquire(context.Background(), 1)
		if err != nil {
			t.Errorf("queued acquire: %v", err)
			got <- nil
			return
		}
		got <- h
	}()

	waitFor(t, time.Second, func() bool { return waiterCount(p) == 1 }, "second acquire queued")

	select {
	case <-got:
		t.Fatal("second acquire completed while the connection was held")
	case <-time.After(50 * time.Millisecond):
	}

	h1.Release()
	var h2 *Handle
	select {
	case h2 = <-got:
	case <-time.After(time.Second):
		t.Fatal("second acquire did not complete after release")
	}
	if h2 == nil {
		t.Fatal("nil handle from queued acquire")
	}
	defer h2.Release()

	if cd.count() != 1 {
		t.Errorf("expected connection reuse, got %d dials", cd.count())
	}
	stats := p.Stats()
	if stats.TotalConnections != 1 || stats.InUseConnections != 1 {
		t.Errorf("stats %+v", stats)
	}
}

func TestAcquireGrantsFIFO(t *testing.T) {
	p, _, _ := newTestPool(t, Config{MaxPoolSize: 1})

	h := mustAcquire(t, p, 1)

	var mu sync.Mutex
	var order []int
	start := func(tag int) chan *Handle {
		ch := make(chan *Handle, 1)
		go func() {
			h, err := p.Acquire(context.Background(), 1)
			if err != nil {
				t.Errorf("waiter %d: %v", tag, err)
				ch <- nil
				return
			}
			mu.Lock()
			order = append(order, tag)
			mu.Unlock()
			ch <- h
		}()
		return ch
	}
	recv := func(ch chan *Handle, msg string) *Handle {
		t.Helper()
		select {
		case h := <-ch:
			if h == nil {
				t.Fatalf("acquire failed: %s", msg)
			}
			return h
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", msg)
		}
		return nil
	}

	ch1 := start(1)
	waitFor(t, time.Second, func() bool { return waiterCount(p) == 1 }, "first waiter queued")
	ch2 := start(2)
	waitFor(t, time.Second, func() bool { return waiterCount(p) == 2 }, "second waiter queued")

	h.Release()
	h1 := recv(ch1, "first waiter")

	select {
	case <-ch2:
		t.Fatal("second waiter granted while first held the connection")
	case <-time.After(30 * time.Millisecond):
	}

	h1.Release()
	h2 := recv(ch2, "second waiter")
	h2.Release()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("grant order %v, want [1 2]", order)
	}
}

func TestAcquireFailFast(t *testing.T) {
	p, _, _ := newTestPool(t, Config{MaxPoolSize: 1, FailFast: true})

	h := mustAcquire(t, p, 1)
	defer h.Release()

	if _, err := p.Acquire(context.Background(), 1); !errors.Is(err, errdefs.ErrPoolExhausted) {
		t.Fatalf("same-host acquire: expected ErrPoolExhausted, got %v", err)
	}
	// A different host is also out of luck: the only slot is busy.
	if _, err := p.Acquire(context.Background(), 2); !errors.Is(err, errdefs.ErrPoolExhausted) {
		t.Fatalf("cross-host acquire: expected ErrPoolExhausted, got %v", err)
	}
}

func TestAcquireDeadlineSurfacesAsPoolExhausted(t *testing.T) {
	p, _, _ := newTestPool(t, Config{MaxPoolSize: 1})

	h := mustAcquire(t, p, 1)
	defer h.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx, 1); !errors.Is(err, errdefs.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	waitFor(t, time.Second, func() bool { return waiterCount(p) == 0 }, "expired waiter removed from queue")
}

func TestAcquireReclaimsIdleEntryForNewHost(t *testing.T) {
	p, _, cd := newTestPool(t, Config{MaxPoolSize: 1})

	h1 := mustAcquire(t, p, 1)
	h1.Release()
	first := cd.last()

	h2 := mustAcquire(t, p, 2)
	defer h2.Release()

	waitFor(t, time.Second, func() bool { return first.isClosed() }, "displaced connection closed")
	if _, ok := p.Entry(1); ok {
		t.Error("host 1 entry should have been reclaimed")
	}
	if stats := p.Stats(); stats.TotalConnections != 1 {
		t.Errorf("stats %+v", stats)
	}
	if cd.count() != 2 {
		t.Errorf("expected 2 dials, got %d", cd.count())
	}

	// The displaced host keeps its accumulated metrics.
	if m, ok := p.Metrics(1); !ok || m.SuccessfulAttempts != 1 {
		t.Errorf("host 1 metrics after reclaim: %+v (ok=%v)", m, ok)
	}
	var sawEvicted bool
	for _, ev := range p.HostEvents(1, 10) {
		if ev.Type == EventEvicted {
			sawEvicted = true
		}
	}
	if !sawEvicted {
		t.Error("expected evicted event for the displaced host")
	}
}

func TestEvictWhileHeldDefersUntilRelease(t *testing.T) {
	p, _, cd := newTestPool(t, Config{})
	ctx := context.Background()

	h := mustAcquire(t, p, 1)
	c := cd.last()

	p.Evict(1, "credentials rotated")

	if _, ok := p.Entry(1); !ok {
		t.Fatal("entry disappeared while held")
	}
	if c.isClosed() {
		t.Fatal("connection closed while a command could be running")
	}
	if _, err := h.Run(ctx, "uptime"); err != nil {
		t.Fatalf("run on doomed connection: %v", err)
	}

	h.Release()
	if _, ok := p.Entry(1); ok {
		t.Error("entry should be gone after release")
	}
	waitFor(t, time.Second, func() bool { return c.isClosed() }, "connection closed after release")

	// The next acquire starts from a brand-new entry.
	h2 := mustAcquire(t, p, 1)
	defer h2.Release()
	if cd.count() != 2 {
		t.Errorf("expected fresh dial after eviction, got %d dials", cd.count())
	}
	if e, _ := p.Entry(1); e.UseCount != 1 {
		t.Errorf("fresh entry use count = %d, want 1", e.UseCount)
	}
}

func TestEvictIdleClosesImmediately(t *testing.T) {
	p, _, cd := newTestPool(t, Config{})

	h := mustAcquire(t, p, 1)
	h.Release()
	c := cd.last()

	p.Evict(1, "manual disconnect")

	if _, ok := p.Entry(1); ok {
		t.Error("entry still present after evict")
	}
	waitFor(t, time.Second, func() bool { return c.isClosed() }, "connection closed")

	var sawEvicted bool
	for _, ev := range p.HostEvents(1, 10) {
		if ev.Type == EventEvicted && ev.Details == "manual disconnect" {
			sawEvicted = true
		}
	}
	if !sawEvicted {
		t.Error("expected evicted event with reason")
	}
}

func TestForgetDropsMetricsAndHistory(t *testing.T) {
	p, _, _ := newTestPool(t, Config{})

	h := mustAcquire(t, p, 1)
	h.Release()
	p.Forget(1)

	if _, ok := p.Entry(1); ok {
		t.Error("entry still present after forget")
	}
	if _, ok := p.Metrics(1); ok {
		t.Error("metrics should be dropped")
	}
	if trs := p.TransitionHistory(1); trs != nil {
		t.Errorf("history should be dropped, got %d transitions", len(trs))
	}
}

func TestStatsIdentities(t *testing.T) {
	p, _, _ := newTestPool(t, Config{MaxPoolSize: 3})

	if s := p.Stats(); s != (PoolStats{}) {
		t.Fatalf("empty pool stats %+v", s)
	}

	h1 := mustAcquire(t, p, 1)
	h2 := mustAcquire(t, p, 2)
	h2.Release()
	h3 := mustAcquire(t, p, 3)
	defer h1.Release()
	defer h3.Release()

	s := p.Stats()
	if s.TotalConnections != 3 || s.InUseConnections != 2 || s.IdleConnections != 1 {
		t.Fatalf("stats %+v", s)
	}
	if s.InUseConnections+s.IdleConnections != s.TotalConnections {
		t.Error("in-use plus idle does not equal total")
	}
	if s.ActiveConnections != 3 {
		t.Errorf("active = %d, want 3", s.ActiveConnections)
	}
	wantUtil := float64(2) / 3 * 100
	if math.Abs(s.UtilizationRate-wantUtil) > 1e-9 {
		t.Errorf("utilization %.4f, want %.4f", s.UtilizationRate, wantUtil)
	}
	if math.Abs(s.HealthRate-100) > 1e-9 {
		t.Errorf("health rate %.4f, want 100", s.HealthRate)
	}
	if s.UtilizationRate < 0 || s.UtilizationRate > 100 || s.HealthRate < 0 || s.HealthRate > 100 {
		t.Error("rates out of range")
	}
}

func TestHandleRunCommandResults(t *testing.T) {
	p, _, cd := newTestPool(t, Config{})
	ctx := context.Background()

	h := mustAcquire(t, p, 1)
	defer h.Release()
	c := cd.last()

	res, err := h.Run(ctx, "echo hello")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 0 || res.Stdout != "ok\n" {
		t.Errorf("result %+v", res)
	}

	c.setExecFn(func(ctx context.Context, command string) (*ExecResult, error) {
		return &ExecResult{Command: command, ExitCode: 2, Stderr: "no such file"}, nil
	})
	res, err = h.Run(ctx, "cat /missing")
	if res == nil || res.ExitCode != 2 {
		t.Fatalf("expected populated result for non-zero exit, got %+v", res)
	}
	var cmdErr *errdefs.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if cmdErr.ExitCode != 2 || cmdErr.Stderr != "no such file" {
		t.Errorf("command error %+v", cmdErr)
	}
}

func TestHandleRunTransportFailure(t *testing.T) {
	p, _, cd := newTestPool(t, Config{})

	h := mustAcquire(t, p, 1)
	c := cd.last()
	c.setExecFn(func(ctx context.Context, command string) (*ExecResult, error) {
		return nil, errors.New("broken pipe")
	})

	_, err := h.Run(context.Background(), "uptime")
	if !errdefs.IsConnection(err) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if e, _ := p.Entry(1); e.Health != "failed" {
		t.Errorf("entry health %q after transport failure, want failed", e.Health)
	}
	h.Release()

	// The degraded entry is redialed in place on the next acquire.
	h2 := mustAcquire(t, p, 1)
	defer h2.Release()
	if cd.count() != 2 {
		t.Errorf("expected redial after transport failure, got %d dials", cd.count())
	}
	if e, _ := p.Entry(1); e.Health != "healthy" {
		t.Errorf("entry health %q after redial", e.Health)
	}
}

func TestHandleRunCommandTimeout(t *testing.T) {
	p, _, cd := newTestPool(t, Config{CommandTimeout: 30 * time.Millisecond})

	h := mustAcquire(t, p, 1)
	defer h.Release()
	cd.last().setExecFn(func(ctx context.Context, command string) (*ExecResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := h.Run(context.Background(), "sleep 600")
	if !errors.Is(err, errdefs.ErrCommandTimeout) {
		t.Fatalf("expected command timeout, got %v", err)
	}
	var cmdErr *errdefs.CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Command != "sleep 600" {
		t.Errorf("timeout error %v", err)
	}
}

func TestHandleRunCallerCancel(t *testing.T) {
	p, _, cd := newTestPool(t, Config{})

	h := mustAcquire(t, p, 1)
	defer h.Release()
	cd.last().setExecFn(func(ctx context.Context, command string) (*ExecResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := h.Run(ctx, "sleep 600")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestHandleReleaseIdempotent(t *testing.T) {
	p, _, _ := newTestPool(t, Config{})

	h := mustAcquire(t, p, 1)
	h.Release()
	h.Release()

	if e, ok := p.Entry(1); !ok || e.InUse {
		t.Errorf("entry %+v (ok=%v) after double release", e, ok)
	}
	if _, err := h.Run(context.Background(), "uptime"); !errdefs.IsConnection(err) {
		t.Errorf("run on released handle: %v", err)
	}

	h2 := mustAcquire(t, p, 1)
	defer h2.Release()
	if e, _ := p.Entry(1); e.UseCount != 2 {
		t.Errorf("use count %d, want 2", e.UseCount)
	}
}

func TestPoolCloseFailsWaitersAndClosesConnections(t *testing.T) {
	p, _, cd := newTestPool(t, Config{MaxPoolSize: 1})

	mustAcquire(t, p, 1)
	c := cd.last()

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), 1)
		errCh <- err
	}()
	waitFor(t, time.Second, func() bool { return waiterCount(p) == 1 }, "waiter queued")

	p.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, errdefs.ErrPoolClosed) {
			t.Errorf("waiter error %v, want ErrPoolClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued acquire did not fail on close")
	}
	waitFor(t, time.Second, func() bool { return c.isClosed() }, "connection closed on shutdown")

	if _, err := p.Acquire(context.Background(), 2); !errors.Is(err, errdefs.ErrPoolClosed) {
		t.Errorf("acquire after close: %v", err)
	}
}

func TestEntriesSortedSnapshot(t *testing.T) {
	p, _, _ := newTestPool(t, Config{MaxPoolSize: 5})

	for _, id := range []uint{3, 1, 2} {
		h := mustAcquire(t, p, id)
		h.Release()
	}

	entries := p.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []uint{1, 2, 3} {
		if entries[i].HostID != want {
			t.Errorf("entries[%d].HostID = %d, want %d", i, entries[i].HostID, want)
		}
	}
}

func TestConcurrentAcquireReleaseStress(t *testing.T) {
	p, _, _ := newTestPool(t, Config{MaxPoolSize: 3})

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 8; i++ {
				hostID := uint(g%5 + 1)
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				h, err := p.Acquire(ctx, hostID)
				if err != nil {
					cancel()
					errs <- fmt.Errorf("goroutine %d acquire host %d: %w", g, hostID, err)
					return
				}
				if _, err := h.Run(ctx, "true"); err != nil {
					errs <- fmt.Errorf("goroutine %d run: %w", g, err)
				}
				h.Release()
				cancel()
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	s := p.Stats()
	if s.InUseConnections != 0 {
		t.Errorf("connections leaked in-use: %+v", s)
	}
	if s.TotalConnections > 3 {
		t.Errorf("pool over capacity: %+v", s)
	}
	if waiterCount(p) != 0 {
		t.Errorf("waiters leaked: %d", waiterCount(p))
	}
}
