package pairing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// CodeTTLSeconds is the expiry hint sent with code events. WhatsApp keeps a
// phone-pairing code valid for about 160 seconds.
const CodeTTLSeconds = 160

const exportInstructions = "Session credentials delivered. Import the token(s) above " +
	"into your client to restore this WhatsApp session. Keep them private: anyone " +
	"holding them can act as your account. This pairing session will now close."

// TokenExporter turns raw credential bytes into transport-safe tokens.
type TokenExporter interface {
	Export(creds []byte) ([]string, error)
}

// Snapshot is a point-in-time view of a session, used by late event-stream
// subscribers to catch up before live events start flowing.
type Snapshot struct {
	Status Status
	Retry  int
	Code   string
	QR     string
}

// Session is one ephemeral pairing attempt: it owns at most one live
// protocol connection at a time and walks the lifecycle
// created → starting → (requesting_code | waiting_qr) → connected →
// exported, retrying transient disconnects along the way. failed and
// terminated are absorbing.
//
// All mutation happens under mu. Continuations scheduled across a
// suspension point (backoff waits, settle delays, the pairing-code request)
// capture the current attempt generation and abort if it changed, so a slow
// continuation can never act on a connection it no longer owns.
type Session struct {
	ID        string
	Method    Method
	Phone     string
	StreamKey string

	reg *Registry
	dir string

	ctx    context.Context
	cancel context.CancelFunc

	events *emitter

	mu          sync.Mutex
	status      Status
	retryCount  int
	createdAt   time.Time
	lastEventAt time.Time
	lastCode    string
	lastQR      string
	conn        Conn
	gen         int
	ttlTimer    Timer
	idleTimer   Timer

	cleanupOnce sync.Once
}

func newSession(reg *Registry, id string, method Method, phone, streamKey, dir string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := reg.clock.Now()
	return &Session{
		ID:          id,
		Method:      method,
		Phone:       phone,
		StreamKey:   streamKey,
		reg:         reg,
		dir:         dir,
		ctx:         ctx,
		cancel:      cancel,
		events:      newEmitter(),
		status:      StatusCreated,
		createdAt:   now,
		lastEventAt: now,
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// CreatedAt returns the session's creation time.
func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// Snapshot returns the replay state for a new event-stream subscriber.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Status: s.status, Retry: s.retryCount, Code: s.lastCode, QR: s.lastQR}
}

// Subscribe registers an event handler under the given subscriber id.
// Handlers run on session goroutines and must not block or call back into
// the session.
func (s *Session) Subscribe(id string, fn Subscriber) {
	s.events.subscribe(id, fn)
}

// Unsubscribe removes a subscriber. The session itself is unaffected.
func (s *Session) Unsubscribe(id string) {
	s.events.unsubscribe(id)
}

// start materializes the working directory, arms the timers and dials the
// first connection attempt. Run asynchronously by the registry.
func (s *Session) start() {
	s.mu.Lock()
	if s.status.terminal() {
		s.mu.Unlock()
		return
	}
	s.setStatusLocked(StatusStarting, 0)
	s.armTTLLocked()
	s.touchLocked()
	s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		s.fail(fmt.Sprintf("could not prepare session storage: %v", err))
		return
	}
	s.dial()
}

// dial opens a fresh connection attempt under a new generation. Any prior
// connection must already be ended; a session never holds two live handles.
func (s *Session) dial() {
	s.mu.Lock()
	if s.status.terminal() {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	if s.status != StatusStarting {
		s.setStatusLocked(StatusStarting, s.retryCount)
	}
	s.mu.Unlock()

	conn, err := s.reg.connector.Dial(s.ctx, s.dir, s.Method)
	if err != nil {
		// Dial failures are unclassified; let the retry policy decide.
		s.handleDisconnect(gen, "")
		return
	}

	s.mu.Lock()
	if s.status.terminal() || gen != s.gen {
		// Destroyed (or superseded) while dialing.
		s.mu.Unlock()
		conn.End()
		return
	}
	s.conn = conn
	s.touchLocked()
	s.mu.Unlock()

	go s.pump(gen, conn)

	switch s.Method {
	case MethodCode:
		s.scheduleCodeRequest(gen, conn)
	case MethodQR:
		s.mu.Lock()
		if gen == s.gen && !s.status.terminal() {
			s.setStatusLocked(StatusWaitingQR, 0)
		}
		s.mu.Unlock()
	}
}

// pump forwards connection events to the session until the connection's
// event channel closes or the session is torn down. Events arrive and are
// handled strictly in emission order.
func (s *Session) pump(gen int, conn Conn) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-conn.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case ConnQR:
				s.handleQR(gen, ev.QR)
			case ConnOpen:
				s.handleOpen(gen, conn)
			case ConnClosed:
				s.handleDisconnect(gen, ev.Reason)
			case ConnCreds:
				s.touch()
			}
		}
	}
}

// scheduleCodeRequest asks the server for a pairing code after a short
// settle delay. The generation is re-checked after the request returns: a
// slow request can race a disconnect-triggered retry, and the stale result
// must be dropped rather than emitted against the wrong connection.
func (s *Session) scheduleCodeRequest(gen int, conn Conn) {
	s.mu.Lock()
	if gen != s.gen || s.status.terminal() {
		s.mu.Unlock()
		return
	}
	s.setStatusLocked(StatusRequestingCode, s.retryCount)
	s.mu.Unlock()

	s.reg.clock.AfterFunc(s.reg.cfg.SettleDelay, func() {
		s.mu.Lock()
		if gen != s.gen || s.status.terminal() {
			s.mu.Unlock()
			return
		}
		phone := s.Phone
		s.mu.Unlock()

		code, err := conn.RequestPairingCode(s.ctx, phone)
		if err != nil {
			s.handleDisconnect(gen, "")
			return
		}

		s.mu.Lock()
		// The request may have raced a disconnect-triggered retry: the
		// generation check catches a completed redial, the handle check
		// catches a retry still waiting out its backoff.
		if gen != s.gen || s.conn != conn || s.status.terminal() {
			s.mu.Unlock()
			return
		}
		s.lastCode = formatPairCode(code)
		s.touchLocked()
		s.emitLocked(Event{Kind: EventCode, Payload: CodePayload{Code: s.lastCode, ExpiresIn: CodeTTLSeconds}})
		s.mu.Unlock()
		slog.Info("pairing code issued", "session", s.ID)
	})
}

// handleQR renders a pushed QR payload and emits it. WhatsApp rotates QRs
// periodically, so this fires repeatedly; each rotation counts as activity
// and re-arms the idle timer.
func (s *Session) handleQR(gen int, raw string) {
	img, err := s.reg.renderQR(raw)
	if err != nil {
		slog.Warn("qr render failed", "session", s.ID, "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.status.terminal() {
		return
	}
	s.lastQR = img
	s.touchLocked()
	s.emitLocked(Event{Kind: EventQR, Payload: QRPayload{QR: img}})
}

// handleOpen marks the session connected and schedules the export once the
// credential material has had a moment to flush to disk.
func (s *Session) handleOpen(gen int, conn Conn) {
	s.mu.Lock()
	if gen != s.gen || s.status.terminal() {
		s.mu.Unlock()
		return
	}
	if s.status == StatusConnected || s.status == StatusExported {
		// Duplicate open on the same connection; the export is already
		// scheduled or done.
		s.mu.Unlock()
		return
	}
	s.retryCount = 0
	s.setStatusLocked(StatusConnected, 0)
	s.touchLocked()
	s.emitLocked(Event{Kind: EventConnected, Payload: ConnectedPayload{JID: conn.SelfID()}})
	s.mu.Unlock()
	slog.Info("pairing connected", "session", s.ID, "jid", conn.SelfID())

	s.reg.clock.AfterFunc(s.reg.cfg.SettleDelay, func() {
		s.export(gen, conn)
	})
}

// export reads the credential material, turns it into tokens and delivers
// them to the paired account's own chat, strictly in order. Failures here
// are terminal: the connection stays up long enough to attempt delivery and
// is always torn down afterwards.
func (s *Session) export(gen int, conn Conn) {
	s.mu.Lock()
	if gen != s.gen || s.conn != conn || s.status.terminal() {
		// The connection dropped while the settle delay was pending.
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	creds, err := conn.Credentials()
	if err != nil {
		s.failAfter(fmt.Sprintf("pairing succeeded but the credential material could not be read: %v", err), s.reg.cfg.GraceDelay)
		return
	}
	tokens, err := s.reg.exporter.Export(creds)
	if err != nil {
		s.failAfter(fmt.Sprintf("credential export failed: %v", err), s.reg.cfg.GraceDelay)
		return
	}

	for i, tok := range tokens {
		if i > 0 {
			s.pause(s.reg.cfg.SendDelay)
		}
		if err := conn.SendText(s.ctx, tok); err != nil {
			s.failAfter(fmt.Sprintf("could not deliver credentials to your chat: %v", err), s.reg.cfg.GraceDelay)
			return
		}
	}
	s.pause(s.reg.cfg.SendDelay)
	if err := conn.SendText(s.ctx, exportInstructions); err != nil {
		s.failAfter(fmt.Sprintf("could not deliver credentials to your chat: %v", err), s.reg.cfg.GraceDelay)
		return
	}

	s.mu.Lock()
	if gen != s.gen || s.conn != conn || s.status.terminal() {
		s.mu.Unlock()
		return
	}
	s.setStatusLocked(StatusExported, 0)
	s.emitLocked(Event{Kind: EventExported, Payload: ExportedPayload{Tokens: len(tokens)}})
	s.mu.Unlock()
	slog.Info("credentials exported", "session", s.ID, "tokens", len(tokens))

	s.reg.clock.AfterFunc(s.reg.cfg.GraceDelay, s.cleanup)
}

// handleDisconnect routes a connection loss through the retry policy. A
// logout is always terminal. Retryable failures end the stale handle, wait
// out the backoff and dial again under a fresh generation; if the session
// was destroyed while the backoff was pending, the continuation notices and
// aborts without re-arming anything.
func (s *Session) handleDisconnect(gen int, reason string) {
	s.mu.Lock()
	if gen != s.gen || s.status.terminal() {
		s.mu.Unlock()
		return
	}
	if reason == ReasonLoggedOut {
		s.mu.Unlock()
		s.fail("WhatsApp logged this session out; start a new pairing")
		return
	}
	next := s.retryCount + 1
	if !s.reg.policy.ShouldRetry(next, reason) {
		attempts := s.retryCount
		s.mu.Unlock()
		s.fail(terminalDisconnectMessage(reason, attempts))
		return
	}
	s.retryCount = next
	s.setStatusLocked(StatusRetrying, next)
	conn := s.conn
	s.conn = nil
	// One physical drop can surface as several queued close events (the
	// protocol layer emits a stream error and a disconnect for the same
	// loss). Bumping the generation voids the rest of the old connection's
	// events so a single loss spends a single retry.
	s.gen++
	retryGen := s.gen
	s.touchLocked()
	delay := s.reg.policy.BackoffDelay(next)
	s.mu.Unlock()

	if conn != nil {
		conn.End()
	}
	slog.Info("pairing connection lost, retrying",
		"session", s.ID,
		"attempt", next,
		"reason", reason,
		"backoff", delay,
	)

	s.reg.clock.AfterFunc(delay, func() {
		if _, ok := s.reg.Get(s.ID); !ok {
			return
		}
		s.mu.Lock()
		if retryGen != s.gen || s.status.terminal() {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.dial()
	})
}

func terminalDisconnectMessage(reason string, attempts int) string {
	switch reason {
	case ReasonServiceUnavailable:
		return "WhatsApp is temporarily unavailable for this pairing method; try again in a few minutes or switch to the other method"
	case "":
		return fmt.Sprintf("connection kept dropping; gave up after %d attempts", attempts)
	}
	if attempts > 0 {
		return fmt.Sprintf("connection kept dropping (%s); gave up after %d attempts", reason, attempts)
	}
	return fmt.Sprintf("connection failed: %s", reason)
}

// fail moves the session to the absorbing failed state, emits the error and
// runs cleanup. Safe to call from any goroutine; later callers are no-ops.
func (s *Session) fail(msg string) {
	s.failAfter(msg, 0)
}

func (s *Session) failAfter(msg string, delay time.Duration) {
	s.mu.Lock()
	if s.status.terminal() {
		s.mu.Unlock()
		return
	}
	s.status = StatusFailed
	s.emitLocked(Event{Kind: EventError, Payload: ErrorPayload{Message: msg}})
	s.mu.Unlock()
	slog.Warn("pairing session failed", "session", s.ID, "reason", msg)
	if delay > 0 {
		s.reg.clock.AfterFunc(delay, s.cleanup)
		return
	}
	s.cleanup()
}

// cleanup is the single teardown path: deregister, cancel timers, end the
// connection, remove the working directory. Guarded so a timeout racing a
// natural completion cannot double-run it.
func (s *Session) cleanup() {
	s.cleanupOnce.Do(func() {
		// Deregister first: the session must be unreachable the moment
		// cleanup begins.
		s.reg.remove(s.ID)

		s.mu.Lock()
		if !s.status.terminal() {
			s.status = StatusTerminated
		}
		if s.ttlTimer != nil {
			s.ttlTimer.Stop()
		}
		if s.idleTimer != nil {
			s.idleTimer.Stop()
		}
		conn := s.conn
		s.conn = nil
		s.gen++ // invalidate in-flight continuations
		s.mu.Unlock()

		s.cancel()
		if conn != nil {
			conn.End()
		}
		if err := os.RemoveAll(s.dir); err != nil {
			slog.Warn("could not remove session directory", "session", s.ID, "error", err)
		}
		slog.Info("pairing session closed", "session", s.ID)
	})
}

// --- Locked helpers ---

func (s *Session) setStatusLocked(st Status, retry int) {
	s.status = st
	s.emitLocked(Event{Kind: EventStatus, Payload: StatusPayload{Status: st, Retry: retry}})
}

func (s *Session) emitLocked(ev Event) {
	s.events.emit(ev)
}

// touchLocked records activity and re-arms the idle timer.
func (s *Session) touchLocked() {
	s.lastEventAt = s.reg.clock.Now()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = s.reg.clock.AfterFunc(s.reg.cfg.IdleTTL, func() {
		s.fail("session expired due to inactivity")
	})
}

// pause blocks for d on the session clock, returning early if the session
// is torn down. Used to pace token delivery.
func (s *Session) pause(d time.Duration) {
	if d <= 0 {
		return
	}
	done := make(chan struct{})
	t := s.reg.clock.AfterFunc(d, func() { close(done) })
	select {
	case <-done:
	case <-s.ctx.Done():
		t.Stop()
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.terminal() {
		return
	}
	s.touchLocked()
}

func (s *Session) armTTLLocked() {
	s.ttlTimer = s.reg.clock.AfterFunc(s.reg.cfg.SessionTTL, func() {
		s.fail("session expired before pairing completed")
	})
}

// formatPairCode groups a pairing code into 4-character blocks joined by
// hyphens, e.g. "ABCDEFGH" → "ABCD-EFGH".
func formatPairCode(code string) string {
	cleaned := strings.ReplaceAll(code, "-", "")
	if len(cleaned) <= 4 {
		return cleaned
	}
	groups := make([]string, 0, (len(cleaned)+3)/4)
	for i := 0; i < len(cleaned); i += 4 {
		end := i + 4
		if end > len(cleaned) {
			end = len(cleaned)
		}
		groups = append(groups, cleaned[i:end])
	}
	return strings.Join(groups, "-")
}
