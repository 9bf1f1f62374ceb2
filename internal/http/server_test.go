package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/wapair/internal/config"
	"github.com/nextlevelbuilder/wapair/internal/pairing"
)

// fakeConn/fakeConnector mirror the pairing package's test doubles; the
// HTTP tests drive real goroutines with short real timeouts instead of a
// virtual clock.
type fakeConn struct {
	events chan pairing.ConnEvent
	mu     sync.Mutex
	ended  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan pairing.ConnEvent, 16)}
}

func (c *fakeConn) Events() <-chan pairing.ConnEvent { return c.events }

func (c *fakeConn) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	return "WXYZ1234", nil
}

func (c *fakeConn) SendText(ctx context.Context, text string) error { return nil }

func (c *fakeConn) SelfID() string { return "15551234567@s.whatsapp.net" }

func (c *fakeConn) Credentials() ([]byte, error) { return []byte("creds"), nil }

func (c *fakeConn) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.ended = true
	close(c.events)
}

type fakeConnector struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeConnector) Dial(ctx context.Context, dir string, method pairing.Method) (pairing.Conn, error) {
	c := newFakeConn()
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

type stubExporter struct{}

func (stubExporter) Export(creds []byte) ([]string, error) {
	return []string{"WA_CREDS:" + string(creds)}, nil
}

func testServer(t *testing.T, cfg config.Config) (*httptest.Server, *pairing.Registry) {
	t.Helper()
	pcfg := pairing.Config{
		DataDir:       t.TempDir(),
		SessionTTL:    2 * time.Second,
		IdleTTL:       300 * time.Millisecond,
		SweepInterval: 100 * time.Millisecond,
		SettleDelay:   10 * time.Millisecond,
		SendDelay:     0,
		GraceDelay:    10 * time.Millisecond,
	}
	reg := pairing.NewRegistry(pairing.Deps{
		Connector: &fakeConnector{},
		Exporter:  stubExporter{},
		Policy:    pairing.RetryPolicy{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
		Config:    pcfg,
	})
	t.Cleanup(reg.Shutdown)

	srv := NewServer(cfg, reg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, reg
}

func postPair(t *testing.T, ts *httptest.Server, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/pair", bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

// readSSE collects events from an open SSE stream until want is seen or the
// timeout passes. Returns event name → last data payload.
func readSSE(t *testing.T, url string, want string, timeout time.Duration) map[string]string {
	t.Helper()
	client := &http.Client{Timeout: 0}
	resp, err := client.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d, want 200", resp.StatusCode)
	}

	got := make(map[string]string)
	deadline := time.After(timeout)
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	var event string
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %q event; saw %v", want, got)
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed before %q event; saw %v", want, got)
			}
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				got[event] = strings.TrimPrefix(line, "data: ")
				if event == want {
					return got
				}
			}
		}
	}
}

func TestPair_CodeSessionEmitsCodeOverStream(t *testing.T) {
	ts, _ := testServer(t, config.Default())

	resp, body := postPair(t, ts, `{"method":"code","phone":"15551234567"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["ok"] != true || body["method"] != "code" {
		t.Fatalf("body = %v", body)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatal("missing session id")
	}
	if _, ok := body["streamKey"]; ok {
		t.Error("streamKey should not be issued when no API key is configured")
	}

	events := readSSE(t, ts.URL+"/pair/events/"+id, "code", 3*time.Second)
	var payload struct {
		Code string `json:"code"`
	}
	json.Unmarshal([]byte(events["code"]), &payload)
	if payload.Code != "WXYZ-1234" {
		t.Errorf("code = %q, want hyphen-grouped WXYZ-1234", payload.Code)
	}
}

func TestPair_MissingPhoneRejected(t *testing.T) {
	ts, reg := testServer(t, config.Default())

	resp, body := postPair(t, ts, `{"method":"code"}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if _, ok := body["id"]; ok {
		t.Error("validation failure must not return a session id")
	}
	if reg.Len() != 0 {
		t.Errorf("registry len = %d, want 0", reg.Len())
	}
}

func TestPair_InvalidMethodRejected(t *testing.T) {
	ts, _ := testServer(t, config.Default())

	resp, _ := postPair(t, ts, `{"method":"smoke-signal"}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestPair_APIKeyRequired(t *testing.T) {
	cfg := config.Default()
	cfg.APIKey = "sekrit"
	ts, _ := testServer(t, cfg)

	resp, _ := postPair(t, ts, `{"method":"qr"}`, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without key = %d, want 401", resp.StatusCode)
	}

	resp, body := postPair(t, ts, `{"method":"qr"}`, map[string]string{"Authorization": "Bearer sekrit"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status with key = %d, want 200", resp.StatusCode)
	}
	if key, _ := body["streamKey"].(string); key == "" {
		t.Error("streamKey must be issued when an API key is configured")
	}
}

func TestEvents_StreamKeyEnforced(t *testing.T) {
	cfg := config.Default()
	cfg.APIKey = "sekrit"
	ts, _ := testServer(t, cfg)

	_, body := postPair(t, ts, `{"method":"qr"}`, map[string]string{"Authorization": "Bearer sekrit"})
	id := body["id"].(string)
	streamKey := body["streamKey"].(string)

	// No key, wrong key, and notably the global API key are all rejected.
	for _, key := range []string{"", "wrong", "sekrit"} {
		url := fmt.Sprintf("%s/pair/events/%s?key=%s", ts.URL, id, key)
		resp, err := ts.Client().Get(url)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("key %q: status = %d, want 401", key, resp.StatusCode)
		}
	}

	events := readSSE(t, fmt.Sprintf("%s/pair/events/%s?key=%s", ts.URL, id, streamKey), "status", 2*time.Second)
	if events["status"] == "" {
		t.Error("expected an initial status replay")
	}
}

func TestEvents_UnknownSession(t *testing.T) {
	ts, _ := testServer(t, config.Default())

	resp, err := ts.Client().Get(ts.URL + "/pair/events/no-such-id")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestEvents_IdleTimeoutThen404(t *testing.T) {
	ts, reg := testServer(t, config.Default())

	_, body := postPair(t, ts, `{"method":"qr"}`, nil)
	id := body["id"].(string)

	events := readSSE(t, ts.URL+"/pair/events/"+id, "error", 3*time.Second)
	if !strings.Contains(events["error"], "inactivity") {
		t.Errorf("error payload %q should mention inactivity", events["error"])
	}

	deadline := time.Now().Add(2 * time.Second)
	for reg.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := ts.Client().Get(ts.URL + "/pair/events/" + id)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status after expiry = %d, want 404", resp.StatusCode)
	}
}

func TestPair_RateLimited(t *testing.T) {
	cfg := config.Default()
	cfg.RateMax = 2
	cfg.RateWindow = time.Minute
	ts, _ := testServer(t, cfg)

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, _ := postPair(t, ts, `{"method":"qr"}`, nil)
		statuses = append(statuses, resp.StatusCode)
	}
	if statuses[0] != http.StatusOK || statuses[1] != http.StatusOK {
		t.Fatalf("first two requests = %v, want 200s", statuses)
	}
	if statuses[2] != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", statuses[2])
	}
}

func TestHealth(t *testing.T) {
	ts, _ := testServer(t, config.Default())

	postPair(t, ts, `{"method":"qr"}`, nil)

	resp, err := ts.Client().Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status         string `json:"status"`
		ActiveSessions int    `json:"activeSessions"`
		Uptime         int64  `json:"uptime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.ActiveSessions != 1 {
		t.Errorf("activeSessions = %d, want 1", body.ActiveSessions)
	}
}
