package pairing

import "sync"

// Status is a session's lifecycle state.
type Status string

const (
	StatusCreated        Status = "created"
	StatusStarting       Status = "starting"
	StatusRequestingCode Status = "requesting_code"
	StatusWaitingQR      Status = "waiting_qr"
	StatusRetrying       Status = "retrying"
	StatusConnected      Status = "connected"
	StatusExported       Status = "exported"
	StatusFailed         Status = "failed"
	StatusTerminated     Status = "terminated"
)

// terminal reports whether no further transition can leave the state.
func (s Status) terminal() bool {
	return s == StatusFailed || s == StatusTerminated
}

// EventKind names a session event. The values double as SSE event names.
type EventKind string

const (
	EventStatus    EventKind = "status"
	EventCode      EventKind = "code"
	EventQR        EventKind = "qr"
	EventConnected EventKind = "connected"
	EventExported  EventKind = "exported"
	EventError     EventKind = "error"
)

// Event is a typed session event. Payload is JSON-marshalable and is one of
// the *Payload structs below, keyed by Kind.
type Event struct {
	Kind    EventKind
	Payload any
}

// StatusPayload accompanies EventStatus.
type StatusPayload struct {
	Status Status `json:"status"`
	Retry  int    `json:"retry,omitempty"`
}

// CodePayload accompanies EventCode. Code is hyphen-grouped.
type CodePayload struct {
	Code      string `json:"code"`
	ExpiresIn int    `json:"expiresIn"` // seconds
}

// QRPayload accompanies EventQR. QR is an image-embeddable data URI.
type QRPayload struct {
	QR string `json:"qr"`
}

// ConnectedPayload accompanies EventConnected.
type ConnectedPayload struct {
	JID string `json:"jid,omitempty"`
}

// ExportedPayload accompanies EventExported.
type ExportedPayload struct {
	Tokens int `json:"tokens"`
}

// ErrorPayload accompanies EventError.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Subscriber receives session events. Handlers must not block.
type Subscriber func(Event)

// emitter fans a session's events out to registered subscribers.
type emitter struct {
	mu   sync.RWMutex
	subs map[string]Subscriber
}

func newEmitter() *emitter {
	return &emitter{subs: make(map[string]Subscriber)}
}

func (e *emitter) subscribe(id string, fn Subscriber) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs[id] = fn
}

func (e *emitter) unsubscribe(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, id)
}

func (e *emitter) emit(ev Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, fn := range e.subs {
		fn(ev)
	}
}
