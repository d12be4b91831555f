// Package session runs one real-time duplex speech session at a time.
//
// A [Client] opens the microphone, the speaker and a live transport session
// in parallel, then hands everything to a single event loop goroutine. The
// loop forwards captured audio to the endpoint, schedules the synthesized
// reply for gapless playback, strips side-channel markers out of the model
// transcript and feeds both audio directions into the mastering recorder.
// When the session ends the recording is exported and kept until the next
// [Client.Connect].
//
// All exported methods are safe for concurrent use. Callbacks run on the
// event loop goroutine, must not block, and must not call
// [Client.Disconnect] synchronously.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/coachlive/internal/capture"
	"github.com/MrWong99/coachlive/internal/mastering"
	"github.com/MrWong99/coachlive/internal/monitor"
	"github.com/MrWong99/coachlive/internal/observe"
	"github.com/MrWong99/coachlive/internal/protocol"
	"github.com/MrWong99/coachlive/pkg/audio"
	"github.com/MrWong99/coachlive/pkg/provider/live"
)

// Sentinel errors.
var (
	// ErrDeviceAccess reports that the microphone or speaker could not be
	// opened, or that capture stopped during a session.
	ErrDeviceAccess = errors.New("session: device access")

	// ErrTransport reports a failed handshake or a session ended by a
	// transport error.
	ErrTransport = errors.New("session: transport")

	// ErrAlreadyConnected is returned by Connect while a session is
	// connecting or connected.
	ErrAlreadyConnected = errors.New("session: already connected")

	// ErrClosed is returned by Connect after [Client.Close].
	ErrClosed = errors.New("session: client closed")
)

// Default tuning values.
const (
	// DefaultSpeakingHold is how long the model still counts as speaking
	// after its last scheduled audio has played.
	DefaultSpeakingHold = 300 * time.Millisecond
)

// State is the lifecycle state of a [Client].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateError
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Role identifies the speaker of a transcript chunk.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// TranscriptChunk is an incremental piece of one speaker's turn.
type TranscriptChunk struct {
	Role      Role   `json:"role"`
	TextDelta string `json:"text_delta"`
	IsFinal   bool   `json:"is_final"`
}

// Config is the per-session configuration passed to [Client.Connect].
type Config struct {
	// Instruction is the system instruction sent with the handshake.
	Instruction string `json:"instruction"`

	// Voice names the prebuilt output voice. Empty selects the endpoint
	// default.
	Voice string `json:"voice"`

	// Quality selects the mastering tier. Empty selects standard.
	Quality mastering.Quality `json:"quality"`
}

// Callbacks receive session output. Any field may be nil.
type Callbacks struct {
	OnTranscript    func(TranscriptChunk)
	OnVolume        func(monitor.Levels)
	OnGrounding     func(json.RawMessage)
	OnProtocolEvent func(protocol.Event)
	OnSpeaking      func(bool)
	OnStateChange   func(State)

	// OnClose is called exactly once per connected session, after teardown.
	// err is nil for a local Disconnect or a clean remote close and wraps
	// ErrTransport or ErrDeviceAccess otherwise.
	OnClose func(err error)
}

// Status is a point-in-time view of a [Client].
type Status struct {
	ID           string            `json:"id,omitempty"`
	State        State             `json:"state"`
	Voice        string            `json:"voice,omitempty"`
	Quality      mastering.Quality `json:"quality,omitempty"`
	StartedAt    time.Time         `json:"started_at,omitzero"`
	HasRecording bool              `json:"has_recording"`
}

// Option configures a [Client].
type Option func(*Client)

// WithCallbacks sets the session callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(c *Client) { c.cb = cb }
}

// WithProviderName labels transport metrics and logs. Default: "live".
func WithProviderName(name string) Option {
	return func(c *Client) { c.providerName = name }
}

// WithMetrics overrides the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTipHistory shares a pronunciation tip history across sessions.
func WithTipHistory(h *protocol.TipHistory) Option {
	return func(c *Client) { c.tips = h }
}

// WithFrameSamples sets the number of samples per captured frame sent to the
// endpoint. Default: [capture.DefaultFrameSamples].
func WithFrameSamples(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.frameSamples = n
		}
	}
}

// WithMonitor sets the volume monitor cadence and window.
func WithMonitor(interval time.Duration, window int) Option {
	return func(c *Client) {
		if interval > 0 {
			c.monitorInterval = interval
		}
		if window > 0 {
			c.monitorWindow = window
		}
	}
}

// WithSpeakingHold sets the speaking debounce. Default: [DefaultSpeakingHold].
func WithSpeakingHold(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.speakingHold = d
		}
	}
}

// WithDeviceFormats sets the formats requested from the device. Captured
// audio is converted to the transport input format regardless.
func WithDeviceFormats(in, out audio.Format) Option {
	return func(c *Client) {
		if in.SampleRate > 0 && in.Channels > 0 {
			c.inputFormat = in
		}
		if out.SampleRate > 0 && out.Channels > 0 {
			c.outputFormat = out
		}
	}
}

// WithClock overrides the wall clock used to name recordings.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client owns at most one live session.
type Client struct {
	provider        live.Provider
	device          audio.Device
	providerName    string
	metrics         *observe.Metrics
	cb              Callbacks
	tips            *protocol.TipHistory
	frameSamples    int
	monitorInterval time.Duration
	monitorWindow   int
	speakingHold    time.Duration
	inputFormat     audio.Format
	outputFormat    audio.Format
	now             func() time.Time

	// hook observes teardown steps and recorder writes. Tests only.
	hook func(event string)

	mu            sync.Mutex
	state         State
	closed        bool
	run           *run
	status        Status
	artifact      *mastering.Artifact
	connecting    chan struct{}
	connectCancel context.CancelFunc
}

// New creates an idle Client that dials provider and opens device on
// Connect.
func New(provider live.Provider, device audio.Device, opts ...Option) *Client {
	c := &Client{
		provider:        provider,
		device:          device,
		providerName:    "live",
		frameSamples:    capture.DefaultFrameSamples,
		monitorInterval: monitor.DefaultInterval,
		monitorWindow:   monitor.DefaultWindow,
		speakingHold:    DefaultSpeakingHold,
		inputFormat:     audio.Format{SampleRate: live.InputSampleRate, Channels: 1},
		outputFormat:    audio.Format{SampleRate: live.OutputSampleRate, Channels: 1},
		now:             time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.tips == nil {
		c.tips = protocol.NewTipHistory(protocol.DefaultTipHistory)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot of the client.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.status
	s.State = c.state
	s.HasRecording = c.artifact != nil
	return s
}

// ID returns the identifier of the current or most recent session.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.ID
}

// Tips returns the most recent pronunciation tips, newest last.
func (c *Client) Tips() []protocol.PronunciationTip {
	return c.tips.Recent()
}

// Recording returns the mastered recording of the most recent session. It
// reports false while a session is running and when the session captured
// no audio.
func (c *Client) Recording() (*mastering.Artifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.artifact, c.artifact != nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.cb.OnStateChange != nil {
		c.cb.OnStateChange(s)
	}
}

// Connect opens the devices and the transport in parallel and starts the
// session. On failure every opened resource is released, the client enters
// StateError and the returned error wraps ErrDeviceAccess or ErrTransport.
// A Connect cancelled through ctx or Disconnect leaves the client in
// StateDisconnected.
func (c *Client) Connect(ctx context.Context, cfg Config) (err error) {
	quality, err := mastering.ParseQuality(string(cfg.Quality))
	if err != nil {
		return fmt.Errorf("session: connect: %w", err)
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.state == StateConnecting || c.state == StateConnected:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	connectCtx, cancel := context.WithCancel(ctx)
	connecting := make(chan struct{})
	c.connectCancel = cancel
	c.connecting = connecting
	c.artifact = nil
	c.status = Status{ID: uuid.NewString(), Voice: cfg.Voice, Quality: quality}
	id := c.status.ID
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.connectCancel = nil
		c.connecting = nil
		c.mu.Unlock()
		close(connecting)
	}()

	c.setState(StateConnecting)

	spanCtx, span := observe.StartSpan(connectCtx, "session.connect")
	defer func() { observe.EndSpan(span, err) }()
	log := observe.Logger(spanCtx).With("session_id", id, "provider", c.providerName)
	start := time.Now()

	var (
		in     audio.Input
		out    audio.Output
		handle live.SessionHandle
	)
	g, gctx := errgroup.WithContext(spanCtx)
	g.Go(func() error {
		i, err := c.device.OpenInput(gctx, c.inputFormat)
		if err != nil {
			return fmt.Errorf("%w: open input: %w", ErrDeviceAccess, err)
		}
		in = i
		return nil
	})
	g.Go(func() error {
		o, err := c.device.OpenOutput(gctx, c.outputFormat)
		if err != nil {
			return fmt.Errorf("%w: open output: %w", ErrDeviceAccess, err)
		}
		out = o
		return nil
	})
	g.Go(func() error {
		h, err := c.provider.Connect(gctx, live.SessionConfig{
			Instructions:  cfg.Instruction,
			Voice:         cfg.Voice,
			Transcription: true,
		})
		if err != nil {
			c.metrics.RecordProviderRequest(context.Background(), c.providerName, "error")
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
		c.metrics.RecordProviderRequest(context.Background(), c.providerName, "ok")
		handle = h
		return nil
	})

	err = g.Wait()
	if err == nil && connectCtx.Err() != nil {
		err = fmt.Errorf("session: connect: %w", connectCtx.Err())
	}
	if err != nil {
		closeQuietly(log, in, out, handle)
		if connectCtx.Err() != nil {
			log.Info("connect cancelled", "error", err)
			c.setState(StateDisconnected)
			return fmt.Errorf("session: connect: %w", context.Cause(connectCtx))
		}
		log.Error("connect failed", "error", err)
		c.setState(StateError)
		return fmt.Errorf("session: connect: %w", err)
	}

	r := c.newRun(id, log, quality, in, out, handle)
	r.startWorkers()

	c.mu.Lock()
	c.run = r
	c.status.StartedAt = r.started
	c.mu.Unlock()
	c.setState(StateConnected)
	c.metrics.ActiveSessions.Add(context.Background(), 1)
	c.metrics.ConnectDuration.Record(context.Background(), time.Since(start).Seconds())
	log.Info("session connected", "voice", cfg.Voice, "quality", string(quality))

	go c.loop(r)
	return nil
}

// Disconnect ends the session and waits until teardown finished or ctx is
// done. It is safe to call in any state and any number of times; a Connect
// in flight is cancelled.
func (c *Client) Disconnect(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "session.disconnect")
	defer span.End()

	c.mu.Lock()
	r, cancel, connecting := c.run, c.connectCancel, c.connecting
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-connecting:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
		r = c.run
		c.mu.Unlock()
	}
	if r == nil {
		return nil
	}

	r.requestStop()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects and rejects further Connect calls.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.Disconnect(ctx)
}

// closeQuietly releases whatever a failed Connect managed to open.
func closeQuietly(log *slog.Logger, in audio.Input, out audio.Output, handle live.SessionHandle) {
	if in != nil {
		if err := in.Close(); err != nil {
			log.Warn("close input", "error", err)
		}
	}
	if out != nil {
		if err := out.Close(); err != nil {
			log.Warn("close output", "error", err)
		}
	}
	if handle != nil {
		if err := handle.Close(); err != nil {
			log.Warn("close transport", "error", err)
		}
	}
}
