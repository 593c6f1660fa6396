package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicebridge/voicebridge/internal/ailive"
	"github.com/voicebridge/voicebridge/internal/bridge"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/telephony"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// providerRequest records one request the fake provider API received.
type providerRequest struct {
	Method string
	Path   string
	Form   url.Values
}

// fakeProvider is an httptest stand-in for the telephony REST API.
type fakeProvider struct {
	srv *httptest.Server

	mu       sync.Mutex
	requests []providerRequest
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	fp := &fakeProvider{}
	fp.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("provider: parse form: %v", err)
		}
		fp.mu.Lock()
		fp.requests = append(fp.requests, providerRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Form:   r.PostForm,
		})
		fp.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"sid":    "CA123",
			"status": "queued",
		})
	}))
	t.Cleanup(fp.srv.Close)
	return fp
}

func (fp *fakeProvider) recorded() []providerRequest {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return append([]providerRequest(nil), fp.requests...)
}

// fakeAIEndpoint satisfies bridge.Endpoint for stream handler tests.
// Read blocks until the context is canceled; Write records chunks.
type fakeAIEndpoint struct {
	mu     sync.Mutex
	chunks [][]byte
	closed atomic.Bool
}

func (f *fakeAIEndpoint) Read(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeAIEndpoint) Write(ctx context.Context, chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, append([]byte(nil), chunk...))
	return nil
}

func (f *fakeAIEndpoint) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeAIEndpoint) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.chunks...)
}

func testConfig() *config.Config {
	return &config.Config{
		HTTPPort:          8080,
		PublicURL:         "https://bridge.example.com",
		AIURL:             "wss://ai.example.com/live",
		AIModel:           "live-audio-1",
		AIVoice:           "aria",
		Codec:             "ulaw",
		MaxCallDuration:   time.Hour,
		InactivityTimeout: 30 * time.Second,
		AIConnectTimeout:  2 * time.Second,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

func newTestServer(t *testing.T, fp *fakeProvider) (*Server, *fakeAIEndpoint) {
	t.Helper()
	logger := testLogger()
	registry := bridge.NewRegistry(logger)
	orch := bridge.NewOrchestrator(registry, logger)
	providerBase := "http://unconfigured.invalid"
	account := ""
	if fp != nil {
		providerBase = fp.srv.URL
		account = "AC1"
	}
	provider := telephony.NewClient(providerBase, account, "token", "+15550001111")

	srv, err := NewServer(testConfig(), registry, orch, provider, prometheus.NewRegistry(), logger)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(srv.Close)

	ai := &fakeAIEndpoint{}
	srv.dialAI = func(ctx context.Context, cfg ailive.Config, logger *slog.Logger) (bridge.Endpoint, error) {
		return ai, nil
	}
	return srv, ai
}

func decodeData(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var env struct {
		Data  map[string]any `json:"data"`
		Error string         `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return env.Data
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	data := decodeData(t, rr.Body.Bytes())
	if data["status"] != "ok" {
		t.Errorf("expected status ok, got %v", data["status"])
	}
	if data["active_sessions"] != float64(0) {
		t.Errorf("expected 0 active sessions, got %v", data["active_sessions"])
	}
}

func TestInitiateCall(t *testing.T) {
	fp := newFakeProvider(t)
	srv, _ := newTestServer(t, fp)

	body := bytes.NewBufferString(`{"to": "+15551234567"}`)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/calls", body))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	data := decodeData(t, rr.Body.Bytes())
	callID, _ := data["call_id"].(string)
	if callID == "" {
		t.Fatal("expected a call_id")
	}
	if data["provider_sid"] != "CA123" {
		t.Errorf("expected provider_sid CA123, got %v", data["provider_sid"])
	}
	if data["state"] != "dialing" {
		t.Errorf("expected state dialing, got %v", data["state"])
	}

	reqs := fp.recorded()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 provider request, got %d", len(reqs))
	}
	if reqs[0].Path != "/Accounts/AC1/Calls.json" {
		t.Errorf("unexpected provider path %q", reqs[0].Path)
	}
	connectURL := reqs[0].Form.Get("Url")
	if !strings.Contains(connectURL, "/api/v1/telephony/connect?token=") {
		t.Errorf("connect URL missing stream token: %q", connectURL)
	}
	if to := reqs[0].Form.Get("To"); to != "+15551234567" {
		t.Errorf("expected To +15551234567, got %q", to)
	}
}

func TestInitiateCallProviderNotConfigured(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	body := bytes.NewBufferString(`{"to": "+15551234567"}`)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/calls", body))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestInitiateCallMissingTo(t *testing.T) {
	fp := newFakeProvider(t)
	srv, _ := newTestServer(t, fp)

	body := bytes.NewBufferString(`{}`)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/calls", body))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestGetCallNotFound(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/calls/nope", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestGetPendingCall(t *testing.T) {
	fp := newFakeProvider(t)
	srv, _ := newTestServer(t, fp)

	body := bytes.NewBufferString(`{"to": "+15551234567"}`)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/calls", body))
	callID := decodeData(t, rr.Body.Bytes())["call_id"].(string)

	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/calls/"+callID, nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	data := decodeData(t, rr.Body.Bytes())
	if data["state"] != "dialing" {
		t.Errorf("expected state dialing, got %v", data["state"])
	}
	if data["direction"] != "outbound" {
		t.Errorf("expected direction outbound, got %v", data["direction"])
	}
}

func TestHangupPendingCallCancelsAtProvider(t *testing.T) {
	fp := newFakeProvider(t)
	srv, _ := newTestServer(t, fp)

	body := bytes.NewBufferString(`{"to": "+15551234567"}`)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/calls", body))
	callID := decodeData(t, rr.Body.Bytes())["call_id"].(string)

	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/calls/"+callID+"/hangup", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	data := decodeData(t, rr.Body.Bytes())
	if data["state"] != "canceled" {
		t.Errorf("expected state canceled, got %v", data["state"])
	}

	reqs := fp.recorded()
	last := reqs[len(reqs)-1]
	if last.Path != "/Accounts/AC1/Calls/CA123.json" {
		t.Errorf("unexpected hangup path %q", last.Path)
	}
	if st := last.Form.Get("Status"); st != "completed" {
		t.Errorf("expected Status completed, got %q", st)
	}

	// Canceled calls are gone.
	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/calls/"+callID, nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after cancel, got %d", rr.Code)
	}
}

func TestHangupUnknownCall(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/calls/nope/hangup", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestConnectWithToken(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	token, err := telephony.MintStreamToken(srv.tokenSecret, "call-1")
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/telephony/connect?token="+token, nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("expected text/xml, got %q", ct)
	}
	want := "wss://bridge.example.com/api/v1/telephony/stream?token=" + token
	if !strings.Contains(rr.Body.String(), want) {
		t.Errorf("connect document missing stream URL %q:\n%s", want, rr.Body.String())
	}
}

func TestConnectInvalidToken(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/telephony/connect?token=garbage", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestConnectInboundMintsCall(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	form := url.Values{"From": {"+15559990000"}, "To": {"+15550001111"}, "CallSid": {"CAinbound"}}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/telephony/connect", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	// Pull the minted token out of the stream URL and resolve it to the
	// pending inbound call.
	bodyStr := rr.Body.String()
	idx := strings.Index(bodyStr, "token=")
	if idx < 0 {
		t.Fatalf("connect document missing token:\n%s", bodyStr)
	}
	token := bodyStr[idx+len("token="):]
	token = token[:strings.IndexAny(token, "\"&")]

	callID, err := telephony.VerifyStreamToken(srv.tokenSecret, token)
	if err != nil {
		t.Fatalf("minted token does not verify: %v", err)
	}
	pc, ok := srv.pending.get(callID)
	if !ok {
		t.Fatal("expected a pending inbound call")
	}
	if pc.Direction != bridge.DirectionInbound {
		t.Errorf("expected inbound direction, got %v", pc.Direction)
	}
	if pc.From != "+15559990000" {
		t.Errorf("expected From +15559990000, got %q", pc.From)
	}
}

func TestStreamRejectsInvalidToken(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/telephony/stream?token=bad"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		conn.Close()
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %+v", resp)
	}
}

func TestStreamBridgesCall(t *testing.T) {
	srv, ai := newTestServer(t, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	callID := "call-bridge-1"
	srv.pending.put(&pendingCall{
		CallID:       callID,
		VoiceProfile: "aria",
		Direction:    bridge.DirectionOutbound,
		CreatedAt:    time.Now(),
	})
	token, err := telephony.MintStreamToken(srv.tokenSecret, callID)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/telephony/stream?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close()

	start := map[string]any{
		"event": "start",
		"start": map[string]any{"streamSid": "MZ1", "callSid": "CAwire"},
	}
	if err := conn.WriteJSON(start); err != nil {
		t.Fatalf("send start: %v", err)
	}

	// One 20ms frame of mu-law silence.
	frame := bytes.Repeat([]byte{0xFF}, 160)
	media := map[string]any{
		"event": "media",
		"media": map[string]any{"track": "inbound", "payload": base64.StdEncoding.EncodeToString(frame)},
	}
	if err := conn.WriteJSON(media); err != nil {
		t.Fatalf("send media: %v", err)
	}

	// Wait for the frame to cross the bridge.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if chunks := ai.written(); len(chunks) > 0 {
			if len(chunks[0]) != 640 {
				t.Fatalf("expected 640-byte PCM chunk, got %d bytes", len(chunks[0]))
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for audio to reach the ai endpoint")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Provider hangs up; the session should fully tear down.
	conn.Close()
	for {
		if srv.registry.Count() == 0 && ai.closed.Load() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for teardown, sessions=%d", srv.registry.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamClosesWhenAIDialFails(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	srv.dialAI = func(ctx context.Context, cfg ailive.Config, logger *slog.Logger) (bridge.Endpoint, error) {
		return nil, context.DeadlineExceeded
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	token, err := telephony.MintStreamToken(srv.tokenSecret, "call-fail-1")
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/telephony/stream?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close()

	start := map[string]any{
		"event": "start",
		"start": map[string]any{"streamSid": "MZ1", "callSid": "CAwire"},
	}
	if err := conn.WriteJSON(start); err != nil {
		t.Fatalf("send start: %v", err)
	}

	// The server closes the socket once the AI dial fails.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
