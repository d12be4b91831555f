package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/coachlive/internal/capture"
	"github.com/MrWong99/coachlive/internal/mastering"
	"github.com/MrWong99/coachlive/internal/monitor"
	"github.com/MrWong99/coachlive/internal/playback"
	"github.com/MrWong99/coachlive/internal/protocol"
	"github.com/MrWong99/coachlive/pkg/audio"
	"github.com/MrWong99/coachlive/pkg/provider/live"
)

// Queue depths between the worker goroutines and the event loop.
const (
	frameQueue = 16
	levelQueue = 4
	endedQueue = 64
)

var errOddPayload = errors.New("odd-length PCM payload")

// run is the state of one connected session. Everything below the channel
// block is owned by the event loop goroutine.
type run struct {
	id      string
	log     *slog.Logger
	ctx     context.Context
	started time.Time

	handle   live.SessionHandle
	in       audio.Input
	out      audio.Output
	pipeline *capture.Pipeline
	sched    *playback.Scheduler
	rec      *mastering.Recorder
	mon      *monitor.Monitor
	parser   *protocol.Parser

	frames     chan audio.AudioFrame
	levels     chan monitor.Levels
	ended      chan playback.Buffer
	captureErr chan error
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}

	stopMonitor context.CancelFunc
	monitorDone chan struct{}
	stopCapture context.CancelFunc
	captureDone chan struct{}

	// recMu gates the recorder taps: they write under the read lock while
	// recording is set, so none reaches the recorder once it is cleared.
	recMu     sync.RWMutex
	recording bool

	speakTimer *time.Timer
	speaking   bool
	modelOpen  bool
	textSource textSource
}

// textSource is where model text comes from. The first source that carries
// text wins for the rest of the session, since an endpoint may send the same
// words as both a transcription and plain text.
type textSource int

const (
	sourceUnset textSource = iota
	sourceTranscription
	sourceText
)

func (c *Client) newRun(id string, log *slog.Logger, quality mastering.Quality, in audio.Input, out audio.Output, handle live.SessionHandle) *run {
	r := &run{
		id:          id,
		log:         log,
		ctx:         context.Background(),
		started:     c.now(),
		handle:      handle,
		in:          in,
		out:         out,
		mon:         monitor.New(c.monitorInterval, c.monitorWindow),
		parser:      protocol.NewParser(protocol.WithTipHistory(c.tips)),
		frames:      make(chan audio.AudioFrame, frameQueue),
		levels:      make(chan monitor.Levels, levelQueue),
		ended:       make(chan playback.Buffer, endedQueue),
		captureErr:  make(chan error, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		monitorDone: make(chan struct{}),
		captureDone: make(chan struct{}),
		speakTimer:  time.NewTimer(time.Hour),
		recording:   true,
	}
	r.speakTimer.Stop()

	r.rec = mastering.NewRecorder(mastering.ConfigFor(quality), r.started)
	r.sched = playback.New(out, playback.WithOnEnded(func(b playback.Buffer) {
		select {
		case r.ended <- b:
		default:
		}
	}))
	r.pipeline = capture.New(in,
		audio.Format{SampleRate: live.InputSampleRate, Channels: 1},
		c.frameSamples,
		r.mon.Input().Write,
		func(f audio.AudioFrame) { c.record(r, f, r.rec.WriteInput) },
	)
	out.OnRender(func(f audio.AudioFrame) {
		r.mon.Output().Write(f)
		c.record(r, f, r.rec.WriteOutput)
	})
	return r
}

// record passes f to one recorder lane while recording is on.
func (c *Client) record(r *run, f audio.AudioFrame, write func(audio.AudioFrame)) {
	r.recMu.RLock()
	defer r.recMu.RUnlock()
	if !r.recording {
		return
	}
	c.trace("record")
	write(f)
}

func (c *Client) trace(event string) {
	if c.hook != nil {
		c.hook(event)
	}
}

// startWorkers launches the capture and monitor goroutines. Both feed the
// event loop through bounded channels.
func (r *run) startWorkers() {
	captureCtx, cancel := context.WithCancel(r.ctx)
	r.stopCapture = cancel
	go func() {
		defer close(r.captureDone)
		err := r.pipeline.Run(captureCtx, func(f audio.AudioFrame) {
			select {
			case r.frames <- f:
			case <-captureCtx.Done():
			}
		})
		if err != nil {
			r.captureErr <- err
		}
	}()

	monitorCtx, stopMonitor := context.WithCancel(r.ctx)
	r.stopMonitor = stopMonitor
	go func() {
		defer close(r.monitorDone)
		r.mon.Run(monitorCtx, func(l monitor.Levels) {
			select {
			case r.levels <- l:
			default:
			}
		})
	}()
}

func (r *run) requestStop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// loop is the session's event loop. It returns after teardown.
func (c *Client) loop(r *run) {
	defer close(r.done)

	msgs := r.handle.Messages()
	for {
		select {
		case <-r.stop:
			r.log.Info("disconnect requested")
			c.finish(r, StateDisconnected, nil)
			return

		case f := <-r.frames:
			if err := c.sendAudio(r, f); err != nil {
				c.finish(r, StateError, err)
				return
			}

		case msg, ok := <-msgs:
			if !ok {
				if err := r.handle.Err(); err != nil {
					c.metrics.RecordProviderError(r.ctx, c.providerName, "receive")
					c.finish(r, StateError, fmt.Errorf("%w: %w", ErrTransport, err))
				} else {
					r.log.Info("session closed by endpoint")
					c.finish(r, StateDisconnected, nil)
				}
				return
			}
			c.handleMessage(r, msg)

		case l := <-r.levels:
			if c.cb.OnVolume != nil {
				c.cb.OnVolume(l)
			}

		case <-r.speakTimer.C:
			c.setSpeaking(r, false)

		case b := <-r.ended:
			if r.sched.Len() == 0 && r.speaking {
				r.speakTimer.Reset(c.speakingHold)
			}
			r.log.Debug("playback buffer ended", "buffer", b.ID)

		case err := <-r.captureErr:
			c.finish(r, StateError, fmt.Errorf("%w: %w", ErrDeviceAccess, err))
			return
		}
	}
}

func (c *Client) sendAudio(r *run, f audio.AudioFrame) error {
	err := r.handle.SendAudio(f)
	switch {
	case err == nil:
		c.metrics.CaptureFrames.Add(r.ctx, 1)
		return nil
	case errors.Is(err, live.ErrSessionClosed):
		// The message channel closes next and ends the session.
		return nil
	default:
		c.metrics.RecordProviderError(r.ctx, c.providerName, "send")
		return fmt.Errorf("%w: send audio: %w", ErrTransport, err)
	}
}

// handleMessage applies one server message in field order.
func (c *Client) handleMessage(r *run, msg live.Message) {
	if msg.AudioData != "" {
		c.playAudio(r, msg.AudioData)
	}
	if t := msg.InputTranscription; t != nil && (t.Text != "" || t.TurnComplete) {
		c.emitTranscript(TranscriptChunk{Role: RoleUser, TextDelta: t.Text, IsFinal: t.TurnComplete})
	}
	if t := msg.OutputTranscription; t != nil && t.Text != "" && r.useSource(sourceTranscription) {
		c.feedModel(r, t.Text)
	}
	if msg.Text != "" && r.useSource(sourceText) {
		c.feedModel(r, msg.Text)
	}
	if len(msg.GroundingMetadata) > 0 && c.cb.OnGrounding != nil {
		c.cb.OnGrounding(msg.GroundingMetadata)
	}
	if msg.Interrupted {
		n := r.sched.Interrupt()
		c.metrics.Interruptions.Add(r.ctx, 1)
		r.log.Debug("model interrupted", "stopped_buffers", n)
		r.speakTimer.Stop()
		c.setSpeaking(r, false)
		c.endModelTurn(r)
	}
	if msg.TurnComplete || (msg.OutputTranscription != nil && msg.OutputTranscription.TurnComplete) {
		c.endModelTurn(r)
	}
}

// useSource reports whether model text from src is parsed, latching the
// first source seen.
func (r *run) useSource(src textSource) bool {
	if r.textSource == sourceUnset {
		r.textSource = src
		r.log.Debug("model text source selected", "transcription", src == sourceTranscription)
	}
	return r.textSource == src
}

func (c *Client) playAudio(r *run, payload string) {
	frame, err := decodePCM(payload)
	if err != nil {
		c.metrics.DecodeErrors.Add(r.ctx, 1)
		r.log.Debug("dropping undecodable audio", "error", err, "bytes", len(payload))
		return
	}
	if _, err := r.sched.Schedule(frame); err != nil {
		r.log.Warn("schedule playback", "error", err)
		return
	}
	c.metrics.PlaybackBuffers.Add(r.ctx, 1)
	c.setSpeaking(r, true)
	r.speakTimer.Reset(r.sched.Remaining() + c.speakingHold)
}

func (c *Client) setSpeaking(r *run, speaking bool) {
	if r.speaking == speaking {
		return
	}
	r.speaking = speaking
	if c.cb.OnSpeaking != nil {
		c.cb.OnSpeaking(speaking)
	}
}

func (c *Client) feedModel(r *run, text string) {
	r.modelOpen = true
	c.emitParsed(r, r.parser.Feed(text), false)
}

// endModelTurn flushes held-back text and marks the model turn final.
func (c *Client) endModelTurn(r *run) {
	if !r.modelOpen {
		return
	}
	r.modelOpen = false
	c.emitParsed(r, r.parser.EndTurn(), true)
}

func (c *Client) emitParsed(r *run, res protocol.Result, final bool) {
	for _, ev := range res.Events {
		c.metrics.RecordProtocolEvent(r.ctx, ev.Kind().String())
		if c.cb.OnProtocolEvent != nil {
			c.cb.OnProtocolEvent(ev)
		}
	}
	if res.Text != "" || final {
		c.emitTranscript(TranscriptChunk{Role: RoleModel, TextDelta: res.Text, IsFinal: final})
	}
}

func (c *Client) emitTranscript(chunk TranscriptChunk) {
	if c.cb.OnTranscript != nil {
		c.cb.OnTranscript(chunk)
	}
}

// finish tears the session down and reports the outcome. It runs on the
// event loop goroutine exactly once per session.
func (c *Client) finish(r *run, final State, cause error) {
	c.endModelTurn(r)
	artifact := c.teardown(r)

	c.metrics.ActiveSessions.Add(r.ctx, -1)
	if artifact != nil {
		c.metrics.RecordingDuration.Record(r.ctx, artifact.Duration.Seconds())
	}
	if cause != nil {
		r.log.Error("session ended", "error", cause)
	} else {
		r.log.Info("session ended")
	}

	c.mu.Lock()
	c.run = nil
	c.artifact = artifact
	c.mu.Unlock()
	c.setState(final)
	if c.cb.OnClose != nil {
		c.cb.OnClose(cause)
	}
}

// teardown releases the session resources: monitor, playback, mastering,
// capture, transport. It returns the exported recording, if any.
func (c *Client) teardown(r *run) *mastering.Artifact {
	r.stopMonitor()
	<-r.monitorDone
	c.trace("monitor")

	r.sched.Interrupt()
	r.speakTimer.Stop()
	c.setSpeaking(r, false)
	c.trace("playback")

	r.recMu.Lock()
	r.recording = false
	r.recMu.Unlock()
	r.out.OnRender(nil)
	r.rec.Close()
	c.trace("mastering")
	artifact, err := r.rec.Export()
	switch {
	case errors.Is(err, mastering.ErrEmptyRecording):
		r.log.Info("no audio recorded")
	case err != nil:
		r.log.Warn("export recording", "error", err)
	}

	r.stopCapture()
	if err := r.pipeline.Close(); err != nil {
		r.log.Warn("close input", "error", err)
	}
	<-r.captureDone
	if err := r.out.Close(); err != nil {
		r.log.Warn("close output", "error", err)
	}
	c.trace("capture")

	if err := r.handle.Close(); err != nil {
		r.log.Warn("close transport", "error", err)
	}
	c.trace("transport")
	return artifact
}

// decodePCM turns a base64 payload into a 24 kHz mono frame.
func decodePCM(payload string) (audio.AudioFrame, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return audio.AudioFrame{}, err
	}
	if len(data)%2 != 0 {
		return audio.AudioFrame{}, errOddPayload
	}
	return audio.AudioFrame{Data: data, SampleRate: live.OutputSampleRate, Channels: 1}, nil
}
