// Package openai implements the live.Provider interface for OpenAI's Realtime
// API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Microphone audio is resampled to 24 kHz and appended to the input audio
// buffer as base64 PCM16; server VAD decides when a user turn ends. Server
// events (audio deltas, transcripts, barge-in, response completion) are mapped
// to [live.Message] values in arrival order.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/MrWong99/coachlive/pkg/audio"
	"github.com/MrWong99/coachlive/pkg/provider/live"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// wireSampleRate is the rate of pcm16 audio in both directions.
	wireSampleRate = 24000

	transcriptionModel = "whisper-1"

	defaultHandshakeTimeout = 15 * time.Second
	keepaliveInterval       = 20 * time.Second
	keepaliveTimeout        = 5 * time.Second

	messageBuffer = 128
	readLimit     = 8 << 20
)

var (
	// ErrSetup is returned by Connect when the endpoint rejects the
	// session.update or closes before confirming it.
	ErrSetup = errors.New("openai: session setup rejected")

	// ErrSessionExpired ends a session that reached the endpoint's maximum
	// duration.
	ErrSessionExpired = errors.New("openai: session expired")
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithHandshakeTimeout bounds how long Connect waits for session.updated.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.handshakeTimeout = d
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey           string
	model            string
	baseURL          string
	handshakeTimeout time.Duration
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:           apiKey,
		model:            defaultModel,
		baseURL:          defaultBaseURL,
		handshakeTimeout: defaultHandshakeTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials the endpoint, sends session.update and waits for
// session.updated. The returned session is ready to accept audio.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.SessionHandle, error) {
	wsURL := p.baseURL + "?model=" + url.QueryEscape(p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:     conn,
		messages: make(chan live.Message, messageBuffer),
		done:     make(chan struct{}),
		ctx:      sessCtx,
		cancel:   sessCancel,
	}

	if err := sess.handshake(ctx, cfg, p.handshakeTimeout); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, err
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string                 `json:"modalities"`
	Voice                   string                   `json:"voice,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	InputAudioTranscription *inputAudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           turnDetection            `json:"turn_detection"`
}

type inputAudioTranscription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta, response.audio_transcript.delta, response.text.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.done
	Response *responseStatus `json:"response,omitempty"`

	// error
	Error *serverErrorDetail `json:"error,omitempty"`
}

type responseStatus struct {
	Status string `json:"status"`
}

// serverErrorDetail is the nested error object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *serverErrorDetail) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != "" {
		return fmt.Sprintf("openai: %s (%s)", msg, e.Code)
	}
	return "openai: " + msg
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn     *websocket.Conn
	messages chan live.Message

	mu          sync.Mutex
	errVal      error
	done        chan struct{}
	closed      bool // no more audio accepted
	localClosed bool // Close has been called

	// responding is set between response.created and response.done. It is
	// only touched by receiveLoop.
	responding bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// handshake sends session.update and blocks until session.updated, an error
// event, or the timeout. session.created and other early events are skipped.
func (s *session) handshake(ctx context.Context, cfg live.SessionConfig, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.writeJSON(ctx, buildSessionUpdate(cfg)); err != nil {
		return fmt.Errorf("openai: send session.update: %w", err)
	}

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSetup, err)
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed event during setup", "error", err)
			continue
		}
		switch evt.Type {
		case "error":
			if evt.Error == nil {
				evt.Error = &serverErrorDetail{}
			}
			return fmt.Errorf("%w: %w", ErrSetup, evt.Error)
		case "session.updated":
			return nil
		}
	}
}

// buildSessionUpdate renders the session.update event for cfg.
func buildSessionUpdate(cfg live.SessionConfig) sessionUpdateMessage {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     turnDetection{Type: "server_vad"},
	}
	if cfg.Transcription {
		params.InputAudioTranscription = &inputAudioTranscription{Model: transcriptionModel}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the messages channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return
			}
			s.setErr(fmt.Errorf("openai: read: %w", err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed event", "error", err)
			continue
		}

		if !s.handleServerEvent(&evt) {
			return
		}
	}
}

// handleServerEvent forwards evt and reports whether the loop should continue.
func (s *session) handleServerEvent(evt *serverEvent) bool {
	if evt.Type == "error" {
		if evt.Error == nil {
			evt.Error = &serverErrorDetail{}
		}
		if evt.Error.Code == "session_expired" {
			s.setErr(fmt.Errorf("%w: %w", ErrSessionExpired, evt.Error))
			return false
		}
		// Most realtime errors refer to a single client event and leave the
		// session usable.
		slog.Warn("openai: server error event", "error", evt.Error)
		return true
	}

	msg, ok := s.mapServerEvent(evt)
	if !ok {
		return true
	}
	select {
	case s.messages <- msg:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// mapServerEvent converts one server event into a message. Events without a
// counterpart in [live.Message] report false.
func (s *session) mapServerEvent(evt *serverEvent) (live.Message, bool) {
	switch evt.Type {
	case "response.created":
		s.responding = true

	case "response.audio.delta":
		if evt.Delta != "" {
			return live.Message{AudioData: evt.Delta}, true
		}

	case "response.audio_transcript.delta":
		if evt.Delta != "" {
			return live.Message{OutputTranscription: &live.Transcription{Text: evt.Delta}}, true
		}

	case "response.text.delta":
		if evt.Delta != "" {
			return live.Message{Text: evt.Delta}, true
		}

	case "conversation.item.input_audio_transcription.completed":
		return live.Message{InputTranscription: &live.Transcription{Text: evt.Transcript, TurnComplete: true}}, true

	case "input_audio_buffer.speech_started":
		// Server VAD cancels the active response on its own; only playback
		// needs to be told.
		if s.responding {
			s.responding = false
			return live.Message{Interrupted: true}, true
		}

	case "response.done":
		s.responding = false
		if evt.Response != nil && evt.Response.Status == "cancelled" {
			return live.Message{}, false
		}
		return live.Message{TurnComplete: true}, true
	}
	return live.Message{}, false
}

// keepaliveLoop sends WebSocket pings to keep the connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil && s.ctx.Err() == nil {
				slog.Debug("openai: keepalive ping failed", "error", err)
			}
			cancel()
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeChannels() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.messages)
	})
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio resamples one captured frame to 24 kHz and appends it to the
// input audio buffer.
func (s *session) SendAudio(frame audio.AudioFrame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return live.ErrSessionClosed
	}
	s.mu.Unlock()

	rate := frame.SampleRate
	if rate == 0 {
		rate = live.InputSampleRate
	}
	pcm := audio.ResampleMono16(frame.Data, rate, wireSampleRate)

	msg := appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	}
	if err := s.writeJSON(s.ctx, msg); err != nil {
		return fmt.Errorf("openai: send audio: %w", err)
	}
	return nil
}

// Messages returns the channel on which server output arrives.
func (s *session) Messages() <-chan live.Message { return s.messages }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.localClosed {
		s.mu.Unlock()
		return nil
	}
	s.localClosed = true
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	close(s.done)
	if err := s.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
		slog.Debug("openai: close websocket", "error", err)
	}
	return nil
}
