package pairing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// --- virtual clock ---

type fakeTimer struct {
	clock   *fakeClock
	when    time.Time
	fn      func()
	fired   bool
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// fakeClock drives timers on virtual time. Advance fires due callbacks
// synchronously, earliest first.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, when: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		var next *fakeTimer
		for _, t := range c.timers {
			if t.fired || t.stopped || t.when.After(target) {
				continue
			}
			if next == nil || t.when.Before(next.when) {
				next = t
			}
		}
		if next == nil {
			break
		}
		if next.when.After(c.now) {
			c.now = next.when
		}
		next.fired = true
		fn := next.fn
		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// countingClock wraps a Clock and records the duration of every scheduled
// timer, so tests can assert a delay went through the clock at all.
type countingClock struct {
	Clock
	mu        sync.Mutex
	scheduled []time.Duration
}

func (c *countingClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	c.scheduled = append(c.scheduled, d)
	c.mu.Unlock()
	return c.Clock.AfterFunc(d, fn)
}

func (c *countingClock) scheduledCount(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.scheduled {
		if s == d {
			n++
		}
	}
	return n
}

// --- fake connector ---

type fakeConn struct {
	events chan ConnEvent

	mu    sync.Mutex
	ended bool
	sent  []string

	creds   []byte
	credErr error

	code     string
	codeErr  error
	codeGate chan struct{} // when non-nil, RequestPairingCode blocks until closed
	sendErr  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events: make(chan ConnEvent, 16),
		creds:  []byte("fake-credential-material"),
		code:   "ABCDEFGH",
	}
}

func (c *fakeConn) Events() <-chan ConnEvent { return c.events }

func (c *fakeConn) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	if c.codeGate != nil {
		<-c.codeGate
	}
	return c.code, c.codeErr
}

func (c *fakeConn) SendText(ctx context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, text)
	return nil
}

func (c *fakeConn) SelfID() string { return "15551234567@s.whatsapp.net" }

func (c *fakeConn) Credentials() ([]byte, error) {
	if c.credErr != nil {
		return nil, c.credErr
	}
	return c.creds, nil
}

// End marks the connection ended. The channel stays open: like the real
// adapter's buffered channel, events queued before End remain deliverable.
func (c *fakeConn) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ended = true
}

func (c *fakeConn) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

func (c *fakeConn) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	copy(out, c.sent)
	return out
}

// close pushes a disconnect event.
func (c *fakeConn) close(reason string) {
	c.events <- ConnEvent{Kind: ConnClosed, Reason: reason}
}

type fakeConnector struct {
	mu      sync.Mutex
	conns   []*fakeConn
	dialErr error

	// overlap records a Dial that happened while another conn was live,
	// which would violate the one-connection invariant.
	overlap bool

	dialed chan *fakeConn
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{dialed: make(chan *fakeConn, 16)}
}

func (f *fakeConnector) Dial(ctx context.Context, dir string, method Method) (Conn, error) {
	f.mu.Lock()
	if f.dialErr != nil {
		err := f.dialErr
		f.mu.Unlock()
		return nil, err
	}
	for _, c := range f.conns {
		if !c.Ended() {
			f.overlap = true
		}
	}
	c := newFakeConn()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	f.dialed <- c
	return c, nil
}

func (f *fakeConnector) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeConnector) hadOverlap() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlap
}

// --- event recorder ---

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) last(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return Event{}, false
}

// --- harness ---

type stubExporter struct {
	tokens []string
	err    error
}

func (e stubExporter) Export(creds []byte) ([]string, error) {
	if e.err != nil {
		return nil, e.err
	}
	if e.tokens != nil {
		return e.tokens, nil
	}
	return []string{"WA_CREDS:" + string(creds)}, nil
}

func testConfig(t *testing.T) Config {
	return Config{
		DataDir:       t.TempDir(),
		SessionTTL:    10 * time.Minute,
		IdleTTL:       2 * time.Minute,
		SweepInterval: 30 * time.Second,
		SettleDelay:   time.Second,
		SendDelay:     0,
		GraceDelay:    time.Second,
	}
}

func newTestRegistry(t *testing.T, clock *fakeClock, fc *fakeConnector) *Registry {
	t.Helper()
	r := NewRegistry(Deps{
		Clock:     clock,
		Connector: fc,
		Exporter:  stubExporter{},
		Policy:    RetryPolicy{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 15 * time.Second},
		Config:    testConfig(t),
	})
	t.Cleanup(r.Shutdown)
	return r
}

// waitFor polls cond until it holds or the test deadline passes. Used to
// bridge the session's internal goroutines; virtual time is still advanced
// explicitly.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// settle gives in-flight goroutines a moment to register their timers
// before virtual time advances.
func settle() { time.Sleep(20 * time.Millisecond) }

func waitDialed(t *testing.T, fc *fakeConnector) *fakeConn {
	t.Helper()
	select {
	case c := <-fc.dialed:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

var errBoom = errors.New("boom")
