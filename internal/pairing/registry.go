package pairing

import (
	"crypto/rand"
	"errors"
	"log/slog"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidMethod is returned for a pairing method other than code/qr.
	ErrInvalidMethod = errors.New(`method must be "code" or "qr"`)
	// ErrInvalidPhone is returned when the phone number does not contain
	// 10 to 15 digits.
	ErrInvalidPhone = errors.New("phone must contain 10 to 15 digits")
	// ErrShuttingDown is returned by Create after Shutdown.
	ErrShuttingDown = errors.New("registry is shutting down")
)

var nonDigit = regexp.MustCompile(`\D+`)

// NormalizePhone strips everything but digits and validates the result is a
// plausible international number (10-15 digits).
func NormalizePhone(raw string) (string, error) {
	digits := nonDigit.ReplaceAllString(raw, "")
	if len(digits) < 10 || len(digits) > 15 {
		return "", ErrInvalidPhone
	}
	return digits, nil
}

// Config holds the lifecycle tuning knobs shared by all sessions.
type Config struct {
	DataDir       string        // per-session working dirs live under here
	SessionTTL    time.Duration // absolute lifetime from creation
	IdleTTL       time.Duration // max quiet time between events
	SweepInterval time.Duration // backstop sweep period
	SettleDelay   time.Duration // pause between connection phases
	SendDelay     time.Duration // pause between exported-token messages
	GraceDelay    time.Duration // pause before cleanup after export
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:       "data/sessions",
		SessionTTL:    10 * time.Minute,
		IdleTTL:       2 * time.Minute,
		SweepInterval: 30 * time.Second,
		SettleDelay:   2 * time.Second,
		SendDelay:     750 * time.Millisecond,
		GraceDelay:    3 * time.Second,
	}
}

// Deps wires a Registry's collaborators. Connector and Exporter are
// required; Clock and RenderQR default to the system clock and an identity
// renderer.
type Deps struct {
	Clock     Clock
	Connector Connector
	Exporter  TokenExporter
	Policy    RetryPolicy
	RenderQR  func(raw string) (string, error)
	Config    Config
}

// Registry owns every active pairing session: creation, lookup, the TTL
// backstop sweep and destruction. Sessions remove themselves through the
// same map on cleanup, so a destroyed session is unreachable immediately.
type Registry struct {
	clock     Clock
	connector Connector
	exporter  TokenExporter
	policy    RetryPolicy
	renderQR  func(string) (string, error)
	cfg       Config

	mu         sync.RWMutex
	sessions   map[string]*Session
	closed     bool
	sweepTimer Timer
}

// NewRegistry builds a registry and starts its background sweep.
func NewRegistry(deps Deps) *Registry {
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}
	if deps.RenderQR == nil {
		deps.RenderQR = func(raw string) (string, error) { return raw, nil }
	}
	r := &Registry{
		clock:     deps.Clock,
		connector: deps.Connector,
		exporter:  deps.Exporter,
		policy:    deps.Policy,
		renderQR:  deps.RenderQR,
		cfg:       deps.Config,
		sessions:  make(map[string]*Session),
	}
	r.scheduleSweep()
	return r
}

// Create validates the request, allocates a session and starts its state
// machine asynchronously. It returns as soon as the session is registered,
// without waiting for any protocol milestone.
func (r *Registry) Create(method Method, phone string) (*Session, error) {
	switch method {
	case MethodCode:
		p, err := NormalizePhone(phone)
		if err != nil {
			return nil, err
		}
		phone = p
	case MethodQR:
		phone = ""
	default:
		return nil, ErrInvalidMethod
	}

	id := uuid.NewString()
	s := newSession(r, id, method, phone, newStreamKey(), filepath.Join(r.cfg.DataDir, id))

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrShuttingDown
	}
	r.sessions[id] = s
	active := len(r.sessions)
	r.mu.Unlock()

	slog.Info("pairing session created", "session", id, "method", method, "active", active)
	go s.start()
	return s, nil
}

// Get looks up a live session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Destroy tears a session down through its normal cleanup path. Returns
// false if the id is unknown.
func (r *Registry) Destroy(id string) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	s.cleanup()
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown stops the sweeper and destroys every remaining session.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	if r.sweepTimer != nil {
		r.sweepTimer.Stop()
	}
	r.mu.Unlock()

	for _, s := range r.snapshot() {
		s.cleanup()
	}
}

// remove deregisters a session. Called by Session.cleanup only.
func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// snapshot returns a stable copy of the current sessions, so sweeps never
// iterate the live map while it is being mutated.
func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// scheduleSweep chains the periodic TTL backstop on the injected clock.
func (r *Registry) scheduleSweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.sweepTimer = r.clock.AfterFunc(r.cfg.SweepInterval, func() {
		r.sweep()
		r.scheduleSweep()
	})
}

// sweep force-expires sessions whose absolute age exceeds the TTL. Each
// session's own TTL timer normally fires first; the sweep is a backstop
// against timer drift or leaked timers.
func (r *Registry) sweep() {
	now := r.clock.Now()
	for _, s := range r.snapshot() {
		if now.Sub(s.CreatedAt()) > r.cfg.SessionTTL {
			slog.Warn("sweeping expired pairing session", "session", s.ID)
			s.fail("session expired before pairing completed")
		}
	}
}

// newStreamKey generates the per-session secret that authorizes access to
// the session's event stream. rand.Text crashes the process on an entropy
// failure rather than returning a weak key.
func newStreamKey() string {
	return rand.Text()
}
