package pairing

import "context"

// Method selects the pairing modality negotiated with WhatsApp.
type Method string

const (
	// MethodCode pairs via an 8-character code typed into the phone.
	MethodCode Method = "code"
	// MethodQR pairs via a QR scanned from the linked-devices screen.
	MethodQR Method = "qr"
)

// Disconnect reasons reported by ConnEvent. The connector maps whatever the
// underlying protocol library emits onto these; anything else (including "")
// is treated as unknown.
const (
	ReasonLoggedOut          = "logged_out"
	ReasonConnectionClosed   = "connection_closed"
	ReasonConnectionLost     = "connection_lost"
	ReasonTimedOut           = "timed_out"
	ReasonRestartRequired    = "restart_required"
	ReasonServiceUnavailable = "service_unavailable"
)

// ConnEventKind discriminates ConnEvent variants.
type ConnEventKind int

const (
	// ConnQR carries a raw QR payload string. WhatsApp rotates these
	// periodically, so repeated ConnQR events are normal.
	ConnQR ConnEventKind = iota
	// ConnOpen fires once the connection is authenticated.
	ConnOpen
	// ConnClosed fires when the connection drops; Reason may be empty.
	ConnClosed
	// ConnCreds fires when the on-disk credential material was updated.
	ConnCreds
)

// ConnEvent is a lifecycle event from a live protocol connection.
type ConnEvent struct {
	Kind   ConnEventKind
	QR     string // ConnQR only
	Reason string // ConnClosed only
}

// Conn is one live connection attempt. A session owns at most one Conn at a
// time; on retry the old Conn is ended and a new one dialed.
type Conn interface {
	// Events returns the connection's event stream. The channel is closed
	// after End.
	Events() <-chan ConnEvent
	// RequestPairingCode asks the server for a phone-pairing code.
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	// SendText delivers a text message to the paired account's own chat.
	SendText(ctx context.Context, text string) error
	// SelfID returns the paired account's own address, or "" before the
	// connection has authenticated.
	SelfID() string
	// Credentials reads the persisted credential material for this
	// connection's device store.
	Credentials() ([]byte, error)
	// End tears the connection down. Idempotent.
	End()
}

// Connector dials new protocol connections. It is the only seam between the
// session core and the underlying WhatsApp library, so tests substitute a
// fake.
type Connector interface {
	// Dial opens a connection whose device store lives under dir.
	Dial(ctx context.Context, dir string, method Method) (Conn, error)
}
