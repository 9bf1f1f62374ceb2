// Package wa adapts whatsmeow to the narrow connector interface the session
// core runs against. Each connection gets its own sqlite-backed device store
// inside the session's working directory; the raw store file doubles as the
// exported credential material.
package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/wapair/internal/pairing"
)

const storeFile = "session.db"

// Connector dials real WhatsApp connections.
type Connector struct{}

// NewConnector returns a whatsmeow-backed pairing.Connector.
func NewConnector() *Connector { return &Connector{} }

// Dial opens a device store under dir and connects to WhatsApp. For the QR
// method the QR channel is attached before connecting, as whatsmeow
// requires.
func (c *Connector) Dial(ctx context.Context, dir string, method pairing.Method) (pairing.Conn, error) {
	dbPath := filepath.Join(dir, storeFile)
	container, err := sqlstore.New(ctx, "sqlite",
		"file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)", waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}

	client := whatsmeow.NewClient(container.NewDevice(), waLog.Noop)
	// The session state machine owns reconnection; whatsmeow must not
	// race it with its own attempts.
	client.EnableAutoReconnect = false

	cn := &conn{
		client:    client,
		container: container,
		dbPath:    dbPath,
		events:    make(chan pairing.ConnEvent, 32),
	}
	cn.handlerID = client.AddEventHandler(cn.handleEvent)

	if method == pairing.MethodQR {
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			cn.End()
			return nil, fmt.Errorf("open qr channel: %w", err)
		}
		go cn.pumpQR(qrChan)
	}

	if err := client.Connect(); err != nil {
		cn.End()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return cn, nil
}

// conn is one live whatsmeow connection.
type conn struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	dbPath    string
	handlerID uint32

	events chan pairing.ConnEvent

	mu     sync.Mutex
	closed bool
}

func (c *conn) Events() <-chan pairing.ConnEvent { return c.events }

func (c *conn) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	return c.client.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
}

func (c *conn) SendText(ctx context.Context, text string) error {
	self := c.client.Store.ID
	if self == nil {
		return errors.New("connection has no identity yet")
	}
	_, err := c.client.SendMessage(ctx, self.ToNonAD(), &waE2E.Message{
		Conversation: proto.String(text),
	})
	return err
}

func (c *conn) SelfID() string {
	if id := c.client.Store.ID; id != nil {
		return id.ToNonAD().String()
	}
	return ""
}

func (c *conn) Credentials() ([]byte, error) {
	return os.ReadFile(c.dbPath)
}

func (c *conn) End() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.client.RemoveEventHandler(c.handlerID)
	c.client.Disconnect()
	if err := c.container.Close(); err != nil {
		slog.Debug("device store close failed", "error", err)
	}
	close(c.events)
}

// push forwards an event unless the connection is ended. The channel is
// buffered well past anything whatsmeow emits per attempt; a full buffer
// means the session stopped consuming, so dropping is safe.
func (c *conn) push(ev pairing.ConnEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		slog.Warn("dropping connection event, buffer full", "kind", ev.Kind)
	}
}

func (c *conn) handleEvent(evt any) {
	switch e := evt.(type) {
	case *events.Connected:
		c.push(pairing.ConnEvent{Kind: pairing.ConnOpen})
	case *events.PairSuccess:
		c.push(pairing.ConnEvent{Kind: pairing.ConnCreds})
	case *events.LoggedOut:
		c.push(pairing.ConnEvent{Kind: pairing.ConnClosed, Reason: pairing.ReasonLoggedOut})
	case *events.Disconnected:
		c.push(pairing.ConnEvent{Kind: pairing.ConnClosed, Reason: pairing.ReasonConnectionLost})
	case *events.StreamError:
		// 515 tells a freshly paired client to reconnect.
		reason := pairing.ReasonConnectionClosed
		if e.Code == "515" {
			reason = pairing.ReasonRestartRequired
		}
		c.push(pairing.ConnEvent{Kind: pairing.ConnClosed, Reason: reason})
	case *events.ConnectFailure:
		c.push(pairing.ConnEvent{Kind: pairing.ConnClosed, Reason: connectFailureReason(e)})
	case *events.TemporaryBan:
		c.push(pairing.ConnEvent{Kind: pairing.ConnClosed, Reason: "temporary_ban"})
	case *events.ClientOutdated:
		c.push(pairing.ConnEvent{Kind: pairing.ConnClosed, Reason: "client_outdated"})
	}
}

func connectFailureReason(e *events.ConnectFailure) string {
	switch e.Reason {
	case events.ConnectFailureLoggedOut:
		return pairing.ReasonLoggedOut
	case events.ConnectFailureServiceUnavailable:
		return pairing.ReasonServiceUnavailable
	default:
		return pairing.ReasonConnectionClosed
	}
}

// pumpQR forwards rotated QR payloads from whatsmeow's QR channel.
func (c *conn) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			c.push(pairing.ConnEvent{Kind: pairing.ConnQR, QR: item.Code})
		case "timeout":
			c.push(pairing.ConnEvent{Kind: pairing.ConnClosed, Reason: pairing.ReasonTimedOut})
		}
	}
}
