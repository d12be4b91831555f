package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/coachlive/internal/health"
	"github.com/MrWong99/coachlive/internal/mastering"
	"github.com/MrWong99/coachlive/internal/observe"
	"github.com/MrWong99/coachlive/internal/protocol"
	"github.com/MrWong99/coachlive/internal/session"
)

// fakeController records calls and returns canned results.
type fakeController struct {
	mu          sync.Mutex
	connectErr  error
	connects    []session.Config
	disconnects int
	status      session.Status
	tips        []protocol.PronunciationTip
	artifact    *mastering.Artifact
}

func (f *fakeController) Connect(_ context.Context, cfg session.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, cfg)
	if f.connectErr != nil {
		return f.connectErr
	}
	f.status.State = session.StateConnected
	f.status.Voice = cfg.Voice
	return nil
}

func (f *fakeController) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.status.State = session.StateDisconnected
	return nil
}

func (f *fakeController) Status() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeController) Tips() []protocol.PronunciationTip { return f.tips }

func (f *fakeController) Recording() (*mastering.Artifact, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.artifact, f.artifact != nil
}

func (f *fakeController) setArtifact(a *mastering.Artifact) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifact = a
}

func (f *fakeController) calls() ([]session.Config, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Config(nil), f.connects...), f.disconnects
}

func newTestServer(t *testing.T, ctrl *fakeController, opts ...Option) (*httptest.Server, *Hub) {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	hub := NewHub(16)
	opts = append([]Option{WithMetrics(m)}, opts...)
	srv := httptest.NewServer(New(ctrl, hub, opts...).Handler())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return srv, hub
}

func post(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestServer_Connect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		want     session.Config
		wantCode int
	}{
		{
			name:     "empty body uses defaults",
			want:     session.Config{Instruction: "be kind", Voice: "Puck", Quality: "standard"},
			wantCode: http.StatusOK,
		},
		{
			name:     "request overrides defaults",
			body:     `{"voice":"Kore","quality":"studio"}`,
			want:     session.Config{Instruction: "be kind", Voice: "Kore", Quality: "studio"},
			wantCode: http.StatusOK,
		},
		{
			name:     "unknown field",
			body:     `{"volume":11}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "malformed",
			body:     `{"voice":`,
			wantCode: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := &fakeController{}
			srv, _ := newTestServer(t, ctrl, WithDefaults(func() session.Config {
				return session.Config{Instruction: "be kind", Voice: "Puck", Quality: "standard"}
			}))

			resp, body := post(t, srv.URL+"/session/connect", tt.body)
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, tt.wantCode, body)
			}
			connects, _ := ctrl.calls()
			if tt.wantCode != http.StatusOK {
				if len(connects) != 0 {
					t.Error("Connect called for a rejected request")
				}
				return
			}
			if len(connects) != 1 || connects[0] != tt.want {
				t.Errorf("Connect calls = %+v, want [%+v]", connects, tt.want)
			}
			var st session.Status
			if err := json.Unmarshal(body, &st); err != nil {
				t.Fatalf("decode status: %v", err)
			}
		})
	}
}

func TestConnectStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("session: connect: %w", mastering.ErrUnknownQuality), http.StatusBadRequest},
		{session.ErrAlreadyConnected, http.StatusConflict},
		{session.ErrClosed, http.StatusServiceUnavailable},
		{fmt.Errorf("session: connect: %w: open input: nope", session.ErrDeviceAccess), http.StatusBadGateway},
		{fmt.Errorf("session: connect: %w: refused", session.ErrTransport), http.StatusBadGateway},
		{fmt.Errorf("session: connect: %w", context.Canceled), http.StatusGatewayTimeout},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := connectStatus(tt.err); got != tt.want {
			t.Errorf("connectStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestServer_ConnectError(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{connectErr: session.ErrAlreadyConnected}
	srv, _ := newTestServer(t, ctrl)

	resp, body := post(t, srv.URL+"/session/connect", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
	var e errorBody
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		t.Errorf("error body = %s (%v)", body, err)
	}
}

func TestServer_StatusAndDisconnect(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{status: session.Status{ID: "abc", State: session.StateConnected}}
	srv, _ := newTestServer(t, ctrl)

	resp, body := get(t, srv.URL+"/session")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"state":"connected"`) {
		t.Errorf("GET /session = %d %s", resp.StatusCode, body)
	}

	resp, body = post(t, srv.URL+"/session/disconnect", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"state":"disconnected"`) {
		t.Errorf("POST /session/disconnect = %d %s", resp.StatusCode, body)
	}
	if _, n := ctrl.calls(); n != 1 {
		t.Errorf("disconnects = %d, want 1", n)
	}
}

func TestServer_Tips(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{tips: []protocol.PronunciationTip{{Word: "often", Correction: "OFF-en", Phonetic: "AFN"}}}
	srv, _ := newTestServer(t, ctrl)

	_, body := get(t, srv.URL+"/session/tips")
	var tips []protocolPayload
	if err := json.Unmarshal(body, &tips); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tips) != 1 || tips[0].Value != "often" || tips[0].Correction != "OFF-en" {
		t.Errorf("tips = %+v", tips)
	}
}

func TestServer_Recording(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{}
	srv, _ := newTestServer(t, ctrl)

	if resp, _ := get(t, srv.URL+"/session/recording"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("status without recording = %d, want 404", resp.StatusCode)
	}

	ctrl.setArtifact(&mastering.Artifact{Name: "coachlive-20261019-140305.wav", Data: []byte("RIFFdata")})
	resp, body := get(t, srv.URL+"/session/recording")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "coachlive-20261019-140305.wav") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if string(body) != "RIFFdata" {
		t.Errorf("body = %q", body)
	}
}

func TestServer_HealthAndMetrics(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "# metrics\n")
	})
	srv, _ := newTestServer(t, &fakeController{},
		WithHealth(health.New()),
		WithMetricsHandler(metrics),
	)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		if resp, body := get(t, srv.URL+path); resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d %s", path, resp.StatusCode, body)
		}
	}
}

func TestServer_Events(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{status: session.Status{State: session.StateIdle}}
	srv, hub := newTestServer(t, ctrl)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/session/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var first map[string]any
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if first["type"] != EventStatus {
		t.Errorf("first event = %v, want status", first)
	}

	// The subscription is registered before the snapshot is written.
	hub.Callbacks(nil).OnSpeaking(true)

	var next Event
	if err := wsjson.Read(ctx, conn, &next); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if next.Type != EventSpeaking || next.Data != true {
		t.Errorf("event = %+v, want speaking true", next)
	}

	hub.Close()
	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("close status = %v, want going away", websocket.CloseStatus(err))
	}
}
