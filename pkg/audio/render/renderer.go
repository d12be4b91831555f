// Package render provides a software [audio.Output] backed by a sample clock.
// It keeps scheduled voices in a start-ordered queue, sums overlapping voices
// into fixed-size render blocks, and hands every block (silence included) to a
// sink and an optional render tap.
//
// Device backends that can only consume a plain PCM stream (Discord Opus, WAV
// files, tests) wrap a [Renderer] to gain sample-accurate scheduling.
package render

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/coachlive/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Output = (*Renderer)(nil)
	_ audio.Voice  = (*voice)(nil)
)

const (
	// DefaultQuantum is the length of one render block.
	DefaultQuantum = 20 * time.Millisecond

	// defaultQueueCap is the initial capacity hint for the pending queue.
	defaultQueueCap = 16
)

// ErrClosed is returned by [Renderer.Schedule] after [Renderer.Close].
var ErrClosed = errors.New("render: renderer closed")

// Option configures a [Renderer] during construction.
type Option func(*Renderer)

// WithQuantum sets the render block length. Non-positive values are ignored.
func WithQuantum(d time.Duration) Option {
	return func(r *Renderer) {
		if d > 0 {
			r.quantum = d
		}
	}
}

// WithSink sets the callback that receives each rendered block. The sink is
// called sequentially in render order and must not block for extended
// periods.
func WithSink(sink func(audio.AudioFrame)) Option {
	return func(r *Renderer) {
		r.sink = sink
	}
}

// WithManualClock disables the background clock. The clock then only
// advances when [Renderer.Render] is called, which makes scheduling fully
// deterministic in tests and offline rendering.
func WithManualClock() Option {
	return func(r *Renderer) {
		r.manual = true
	}
}

// Renderer is a concrete [audio.Output] that mixes scheduled frames on a
// sample clock.
//
// All exported methods are safe for concurrent use.
type Renderer struct {
	format  audio.Format
	quantum time.Duration
	sink    func(audio.AudioFrame)
	manual  bool

	mu      sync.Mutex
	conv    audio.FormatConverter
	clock   int64 // samples per channel rendered so far
	seq     uint64
	pending voiceHeap
	active  []*voice
	tap     func(audio.AudioFrame)
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a [Renderer] producing audio in format. Unless
// [WithManualClock] is given, a background goroutine renders one block per
// quantum in real time until [Renderer.Close] is called.
func New(format audio.Format, opts ...Option) *Renderer {
	if format.Channels <= 0 {
		format.Channels = 1
	}
	r := &Renderer{
		format:  format,
		quantum: DefaultQuantum,
		conv:    audio.FormatConverter{Target: format},
		pending: make(voiceHeap, 0, defaultQueueCap),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	heap.Init(&r.pending)
	if !r.manual {
		r.wg.Add(1)
		go r.run()
	}
	return r
}

// Format returns the PCM format of rendered blocks.
func (r *Renderer) Format() audio.Format { return r.format }

// Now returns the output clock position: the start of the next block to be
// rendered.
func (r *Renderer) Now() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return audio.SamplesToClock(r.clock, r.format.SampleRate)
}

// Schedule converts frame to the renderer format and queues it to start at
// clock position at. Start times in the past are moved to the current clock
// position.
func (r *Renderer) Schedule(frame audio.AudioFrame, at time.Duration, onEnded func()) (audio.Voice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	pcm := r.conv.Convert(frame).Data
	start := int64(audio.DurationToSamples(at, r.format.SampleRate))
	if start < r.clock {
		start = r.clock
	}

	r.seq++
	v := &voice{
		r:       r,
		pcm:     pcm,
		start:   start,
		seq:     r.seq,
		onEnded: onEnded,
	}
	heap.Push(&r.pending, v)
	return v, nil
}

// OnRender registers fn to receive every rendered block. Only one callback may
// be active at a time; subsequent calls replace the previous registration.
func (r *Renderer) OnRender(fn func(audio.AudioFrame)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tap = fn
}

// Active returns the number of voices that are pending or playing.
func (r *Renderer) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.active)
	for _, v := range r.pending {
		if !v.stopped {
			n++
		}
	}
	return n
}

// Render mixes one block, advances the clock by one quantum, and delivers the
// block to the sink and render tap. Ended-voice callbacks run after delivery,
// outside the renderer lock. Render returns the rendered block; after Close it
// returns an empty frame.
func (r *Renderer) Render() audio.AudioFrame {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return audio.AudioFrame{SampleRate: r.format.SampleRate, Channels: r.format.Channels}
	}

	blockSamples := int64(audio.DurationToSamples(r.quantum, r.format.SampleRate))
	ch := r.format.Channels
	mix := make([]int32, int(blockSamples)*ch)
	blockStart := r.clock
	blockEnd := blockStart + blockSamples

	// Promote voices that begin inside this block.
	for r.pending.Len() > 0 && r.pending[0].start < blockEnd {
		v := heap.Pop(&r.pending).(*voice)
		if v.stopped {
			continue
		}
		r.active = append(r.active, v)
	}

	var ended []func()
	kept := r.active[:0]
	for _, v := range r.active {
		if v.stopped {
			continue
		}
		if v.mixInto(mix, blockStart, ch) {
			v.stopped = true
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
			continue
		}
		kept = append(kept, v)
	}
	for i := len(kept); i < len(r.active); i++ {
		r.active[i] = nil
	}
	r.active = kept
	r.clock = blockEnd

	out := make([]byte, len(mix)*2)
	for i, s := range mix {
		s = max(min(s, 32767), -32768)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	frame := audio.AudioFrame{
		Data:       out,
		SampleRate: r.format.SampleRate,
		Channels:   ch,
		Timestamp:  audio.SamplesToDuration(int(blockStart), r.format.SampleRate),
	}
	sink, tap := r.sink, r.tap
	r.mu.Unlock()

	if sink != nil {
		sink(frame)
	}
	if tap != nil {
		tap(frame)
	}
	for _, fn := range ended {
		fn()
	}
	return frame
}

// Close stops the clock goroutine and silences all voices without invoking
// their onEnded callbacks. Close is idempotent; subsequent calls are no-ops
// and return nil.
func (r *Renderer) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, v := range r.active {
		v.stopped = true
	}
	for _, v := range r.pending {
		v.stopped = true
	}
	r.active = nil
	r.pending = r.pending[:0]
	close(r.done)
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

// run renders one block per quantum until Close.
func (r *Renderer) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.quantum)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.Render()
		}
	}
}

// voice is a single scheduled buffer in renderer format.
type voice struct {
	r       *Renderer
	pcm     []byte
	start   int64 // clock sample at which playback begins
	pos     int   // next unplayed sample (per channel) within pcm
	seq     uint64
	onEnded func()
	stopped bool // guarded by r.mu
}

// Stop removes the voice from playback. It does not invoke onEnded.
func (v *voice) Stop() {
	v.r.mu.Lock()
	defer v.r.mu.Unlock()
	if v.stopped {
		return
	}
	v.stopped = true
	for i, a := range v.r.active {
		if a == v {
			v.r.active = append(v.r.active[:i], v.r.active[i+1:]...)
			break
		}
	}
}

// Start returns the clock position of the voice's first sample.
func (v *voice) Start() time.Duration {
	return audio.SamplesToClock(v.start, v.r.format.SampleRate)
}

// End returns the clock position just past the voice's last sample.
func (v *voice) End() time.Duration {
	total := int64(len(v.pcm) / (2 * v.r.format.Channels))
	return audio.SamplesToClock(v.start+total, v.r.format.SampleRate)
}

// mixInto adds the part of the voice that overlaps the block starting at
// blockStart into mix and reports whether the voice has played to the end.
func (v *voice) mixInto(mix []int32, blockStart int64, ch int) bool {
	total := len(v.pcm) / (2 * ch)
	blockSamples := len(mix) / ch
	offset := 0
	if v.start > blockStart {
		offset = int(v.start - blockStart)
	}
	for i := offset; i < blockSamples && v.pos < total; i++ {
		for c := range ch {
			src := (v.pos*ch + c) * 2
			mix[i*ch+c] += int32(int16(v.pcm[src]) | int16(v.pcm[src+1])<<8)
		}
		v.pos++
	}
	return v.pos >= total
}
