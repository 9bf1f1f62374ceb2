package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/wapair/internal/pairing"
)

type pairRequest struct {
	Method string `json:"method"`
	Phone  string `json:"phone,omitempty"`
}

type pairResponse struct {
	OK        bool   `json:"ok"`
	ID        string `json:"id"`
	Method    string `json:"method"`
	StreamKey string `json:"streamKey,omitempty"`
}

// handlePair creates a new pairing session. The response is fire-and-forget
// with respect to the protocol: everything after creation is reported
// through the session's event stream.
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, "too many pairing requests, slow down")
		return
	}
	if !tokenMatch(extractBearerToken(r), s.cfg.APIKey) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	const maxRequestBodySize = 64 << 10
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req pairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	method := pairing.Method(strings.ToLower(strings.TrimSpace(req.Method)))
	sess, err := s.registry.Create(method, req.Phone)
	if err != nil {
		switch {
		case errors.Is(err, pairing.ErrInvalidMethod), errors.Is(err, pairing.ErrInvalidPhone):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, pairing.ErrShuttingDown):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "could not create session")
		}
		return
	}

	resp := pairResponse{OK: true, ID: sess.ID, Method: string(sess.Method)}
	if s.cfg.APIKey != "" {
		// The stream key, not the API key, authorizes the event stream.
		resp.StreamKey = sess.StreamKey
	}
	writeJSON(w, http.StatusOK, resp)
}
