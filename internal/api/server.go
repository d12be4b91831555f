// Package api exposes the session client over HTTP: a small JSON control
// surface, the recording download and a websocket feed of session events.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrWong99/coachlive/internal/health"
	"github.com/MrWong99/coachlive/internal/mastering"
	"github.com/MrWong99/coachlive/internal/observe"
	"github.com/MrWong99/coachlive/internal/protocol"
	"github.com/MrWong99/coachlive/internal/session"
)

// writeTimeout bounds a single event feed write.
const writeTimeout = 5 * time.Second

// maxConnectBody limits the connect request body.
const maxConnectBody = 64 << 10

// Controller is the part of [session.Client] the API drives.
type Controller interface {
	Connect(ctx context.Context, cfg session.Config) error
	Disconnect(ctx context.Context) error
	Status() session.Status
	Tips() []protocol.PronunciationTip
	Recording() (*mastering.Artifact, bool)
}

// Option configures a [Server].
type Option func(*Server)

// WithDefaults sets the source of per-session defaults. Fields present in a
// connect request override them. It is called on every connect so a
// reloaded config applies to the next session.
func WithDefaults(fn func() session.Config) Option {
	return func(s *Server) { s.defaults = fn }
}

// WithHealth mounts the liveness and readiness probes.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics sets the instruments used by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithOriginPatterns allows cross-origin event feed connections from the
// given host patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// Server serves the control API.
type Server struct {
	ctrl           Controller
	hub            *Hub
	defaults       func() session.Config
	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics
	origins        []string
}

// New returns a server driving ctrl and streaming events from hub.
func New(ctrl Controller, hub *Hub, opts ...Option) *Server {
	s := &Server{
		ctrl:     ctrl,
		hub:      hub,
		defaults: func() session.Config { return session.Config{} },
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(s.metrics))

	if s.health != nil {
		s.health.Register(r)
	}
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}

	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.handleStatus)
		r.Post("/connect", s.handleConnect)
		r.Post("/disconnect", s.handleDisconnect)
		r.Get("/tips", s.handleTips)
		r.Get("/recording", s.handleRecording)
		r.Get("/events", s.handleEvents)
	})
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	cfg := s.defaults()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConnectBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid connect request: "+err.Error())
		return
	}

	if err := s.ctrl.Connect(r.Context(), cfg); err != nil {
		observe.Logger(r.Context()).Warn("connect request failed", "error", err)
		writeError(w, connectStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

// connectStatus maps a Connect error to an HTTP status code.
func connectStatus(err error) int {
	switch {
	case errors.Is(err, mastering.ErrUnknownQuality):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrAlreadyConnected):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrDeviceAccess), errors.Is(err, session.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Disconnect(r.Context()); err != nil {
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleTips(w http.ResponseWriter, _ *http.Request) {
	tips := s.ctrl.Tips()
	out := make([]protocolPayload, 0, len(tips))
	for _, t := range tips {
		out = append(out, protocolData(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	art, ok := s.ctrl.Recording()
	if !ok {
		writeError(w, http.StatusNotFound, "no recording available")
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", `attachment; filename="`+art.Name+`"`)
	http.ServeContent(w, r, art.Name, time.Time{}, bytes.NewReader(art.Data))
}

// handleEvents streams hub events to a websocket client until either side
// goes away. The first message is a status snapshot.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		slog.Debug("event feed upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()

	events, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	// Incoming messages are not expected; CloseRead handles control frames
	// and cancels ctx when the peer closes.
	ctx := conn.CloseRead(r.Context())

	if err := s.send(ctx, conn, Event{Type: EventStatus, Time: time.Now(), Data: s.ctrl.Status()}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := s.send(ctx, conn, e); err != nil {
				slog.Debug("event feed write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, e Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, e)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}
