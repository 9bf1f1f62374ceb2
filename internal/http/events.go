package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/wapair/internal/pairing"
)

// pingInterval keeps intermediaries from reaping idle SSE connections.
const pingInterval = 15 * time.Second

// handleEvents streams a session's lifecycle events as server-sent events.
// A late subscriber first receives the current status plus any cached code
// or QR, then live events. The viewer is decoupled from the session: closing
// the stream never affects the pairing flow.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	// The global API key gates session creation only; the stream requires
	// the session's own key.
	if s.cfg.APIKey != "" && !keyMatch(r.URL.Query().Get("key"), sess.StreamKey) {
		writeError(w, http.StatusUnauthorized, "invalid stream key")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan pairing.Event, 32)
	subID := uuid.NewString()
	sess.Subscribe(subID, func(ev pairing.Event) {
		select {
		case events <- ev:
		default:
			// Slow consumer; it will catch up from later events.
		}
	})
	defer sess.Unsubscribe(subID)

	snap := sess.Snapshot()
	writeSSE(w, flusher, pairing.EventStatus, pairing.StatusPayload{Status: snap.Status, Retry: snap.Retry})
	if snap.Code != "" {
		writeSSE(w, flusher, pairing.EventCode, pairing.CodePayload{Code: snap.Code, ExpiresIn: pairing.CodeTTLSeconds})
	}
	if snap.QR != "" {
		writeSSE(w, flusher, pairing.EventQR, pairing.QRPayload{QR: snap.QR})
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			writeSSE(w, flusher, ev.Kind, ev.Payload)
		case <-ping.C:
			if _, alive := s.registry.Get(id); !alive {
				// Session cleaned up; nothing more will ever arrive.
				return
			}
			writeSSE(w, flusher, "ping", nil)
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event pairing.EventKind, payload any) {
	data := []byte("{}")
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			slog.Debug("sse marshal failed", "event", event, "error", err)
			return
		}
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
