// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Microphone audio is sent as base64-encoded PCM realtime input;
// server content (speech, transcriptions, grounding, turn flags) is mapped to
// [live.Message] values in arrival order.
package gemini

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
	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	bidiPath = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	defaultHandshakeTimeout = 15 * time.Second
	keepaliveInterval       = 20 * time.Second
	keepaliveTimeout        = 5 * time.Second

	messageBuffer = 128
	readLimit     = 8 << 20
)

var (
	// ErrSetup is returned by Connect when the endpoint rejects the session
	// setup or closes before acknowledging it.
	ErrSetup = errors.New("gemini: setup rejected")

	// ErrGoAway ends a session when the endpoint announces it will disconnect.
	ErrGoAway = errors.New("gemini: server sent goAway")
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
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

// WithHandshakeTimeout bounds how long Connect waits for setupComplete.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.handshakeTimeout = d
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey           string
	model            string
	baseURL          string
	handshakeTimeout time.Duration
}

// New creates a new Gemini Live Provider with the given API key and options.
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

// Connect dials the endpoint, sends the setup message and waits for
// setupComplete. The returned session is ready to accept audio.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.SessionHandle, error) {
	wsURL := p.baseURL + bidiPath + "?key=" + url.QueryEscape(p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
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

	if err := sess.handshake(ctx, p.model, cfg, p.handshakeTimeout); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, err
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	Thought    bool        `json:"thought,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio inlineData `json:"audio"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (ge *geminiError) Error() string {
	msg := ge.Message
	if msg == "" {
		msg = "unknown error"
	}
	if ge.Status != "" {
		return fmt.Sprintf("gemini: %s (%s, code %d)", msg, ge.Status, ge.Code)
	}
	return fmt.Sprintf("gemini: %s (code %d)", msg, ge.Code)
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverContent struct {
	ModelTurn           *content        `json:"modelTurn,omitempty"`
	TurnComplete        bool            `json:"turnComplete,omitempty"`
	Interrupted         bool            `json:"interrupted,omitempty"`
	InputTranscription  *transcription  `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription  `json:"outputTranscription,omitempty"`
	GroundingMetadata   json.RawMessage `json:"groundingMetadata,omitempty"`
}

type transcription struct {
	Text     string `json:"text"`
	Finished bool   `json:"finished,omitempty"`
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

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// handshake sends the setup message and blocks until setupComplete, a server
// error, or the timeout.
func (s *session) handshake(ctx context.Context, model string, cfg live.SessionConfig, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.writeJSON(ctx, buildSetup(model, cfg)); err != nil {
		return fmt.Errorf("gemini: send setup: %w", err)
	}

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSetup, err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed frame during setup", "error", err)
			continue
		}
		if msg.Error != nil {
			return fmt.Errorf("%w: %w", ErrSetup, msg.Error)
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// buildSetup renders the BidiGenerateContent setup message for cfg.
func buildSetup(model string, cfg live.SessionConfig) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Transcription {
		msg.Setup.InputAudioTranscription = &struct{}{}
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns the messages channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// If the session context was cancelled, exit cleanly.
			if s.ctx.Err() != nil {
				return
			}
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return
			}
			s.setErr(fmt.Errorf("gemini: read: %w", err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed frame", "error", err)
			continue
		}

		if !s.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage forwards msg and reports whether the loop should
// continue.
func (s *session) handleServerMessage(msg *serverMessage) bool {
	if msg.ServerContent != nil {
		for _, m := range mapServerContent(msg.ServerContent) {
			select {
			case s.messages <- m:
			case <-s.ctx.Done():
				return false
			}
		}
	}
	if msg.Error != nil {
		s.setErr(msg.Error)
		return false
	}
	if msg.GoAway != nil {
		slog.Warn("gemini: server going away", "time_left", msg.GoAway.TimeLeft)
		s.setErr(fmt.Errorf("%w (time left %s)", ErrGoAway, msg.GoAway.TimeLeft))
		return false
	}
	return true
}

// mapServerContent splits one serverContent into messages: one per audio part,
// followed by a single message with text, transcriptions, grounding and flags.
func mapServerContent(sc *serverContent) []live.Message {
	var out []live.Message
	var rest live.Message

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				out = append(out, live.Message{AudioData: p.InlineData.Data})
			}
			if p.Text != "" && !p.Thought {
				rest.Text += p.Text
			}
		}
	}
	if sc.InputTranscription != nil && (sc.InputTranscription.Text != "" || sc.InputTranscription.Finished) {
		rest.InputTranscription = &live.Transcription{
			Text:         sc.InputTranscription.Text,
			TurnComplete: sc.InputTranscription.Finished,
		}
	}
	if sc.OutputTranscription != nil && (sc.OutputTranscription.Text != "" || sc.OutputTranscription.Finished) {
		rest.OutputTranscription = &live.Transcription{
			Text:         sc.OutputTranscription.Text,
			TurnComplete: sc.OutputTranscription.Finished,
		}
	}
	if len(sc.GroundingMetadata) > 0 && string(sc.GroundingMetadata) != "null" {
		rest.GroundingMetadata = sc.GroundingMetadata
	}
	rest.Interrupted = sc.Interrupted
	rest.TurnComplete = sc.TurnComplete

	if !rest.Empty() {
		out = append(out, rest)
	}
	return out
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
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
				slog.Debug("gemini: keepalive ping failed", "error", err)
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

// SendAudio delivers one captured frame (16 kHz, s16le, mono) to the model.
func (s *session) SendAudio(frame audio.AudioFrame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return live.ErrSessionClosed
	}
	s.mu.Unlock()

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			Audio: inlineData{
				MIMEType: fmt.Sprintf("audio/pcm;rate=%d", live.InputSampleRate),
				Data:     base64.StdEncoding.EncodeToString(frame.Data),
			},
		},
	}
	if err := s.writeJSON(s.ctx, msg); err != nil {
		return fmt.Errorf("gemini: send audio: %w", err)
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

	s.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(s.done) // signals keepaliveLoop via done channel
	if err := s.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
		slog.Debug("gemini: close websocket", "error", err)
	}
	return nil
}
