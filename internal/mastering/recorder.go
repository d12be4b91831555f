package mastering

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/coachlive/pkg/audio"
	"github.com/MrWong99/coachlive/pkg/audio/wavio"
)

const (
	// DefaultRate is the sample rate of the recording.
	DefaultRate = 24000

	// DefaultMaxLag is how far one lane may run ahead of the other before the
	// lagging lane is padded with silence.
	DefaultMaxLag = time.Second

	// peakTarget is the absolute peak of an exported recording.
	peakTarget = 0.95

	fileTimeLayout = "20060102-150405"
)

// ErrEmptyRecording is returned by [Recorder.Export] when nothing was
// recorded.
var ErrEmptyRecording = errors.New("mastering: empty recording")

// Artifact is an exported session recording.
type Artifact struct {
	// Name is the suggested file name, coachlive-YYYYMMDD-HHMMSS.wav.
	Name string

	// Data is a complete mono 16-bit PCM WAV file.
	Data []byte

	// Duration is the length of the recording.
	Duration time.Duration

	// SampleRate of the WAV data in Hz.
	SampleRate int
}

// Option configures a [Recorder].
type Option func(*Recorder)

// WithRate sets the recording sample rate.
func WithRate(rate int) Option {
	return func(r *Recorder) {
		if rate > 0 {
			r.rate = rate
		}
	}
}

// WithMaxLag sets how far one lane may run ahead of the other.
func WithMaxLag(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.maxLag = d
		}
	}
}

// Recorder mixes the microphone lane and the rendered playback lane, runs the
// aligned mix through a [Chain] and appends the result to an in-memory
// buffer. It is safe for concurrent use; each lane is normally written from
// its own goroutine.
type Recorder struct {
	rate   int
	maxLag time.Duration
	start  time.Time

	mu      sync.Mutex
	chain   *Chain
	inConv  audio.FormatConverter
	outConv audio.FormatConverter
	in      []int16
	out     []int16
	buf     []float32
	closed  bool
	export  *Artifact
}

// NewRecorder creates a Recorder for a session that started at start.
func NewRecorder(cfg ChainConfig, start time.Time, opts ...Option) *Recorder {
	r := &Recorder{
		rate:   DefaultRate,
		maxLag: DefaultMaxLag,
		start:  start,
	}
	for _, o := range opts {
		o(r)
	}
	mono := audio.Format{SampleRate: r.rate, Channels: 1}
	r.inConv.Target = mono
	r.outConv.Target = mono
	r.chain = NewChain(cfg, r.rate)
	return r
}

// WriteInput appends captured microphone audio. Frames in other formats are
// converted to the recording format.
func (r *Recorder) WriteInput(frame audio.AudioFrame) {
	r.write(frame, true)
}

// WriteOutput appends rendered playback audio, silence included.
func (r *Recorder) WriteOutput(frame audio.AudioFrame) {
	r.write(frame, false)
}

func (r *Recorder) write(frame audio.AudioFrame, input bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if input {
		r.in = appendSamples(r.in, r.inConv.Convert(frame).Data)
	} else {
		r.out = appendSamples(r.out, r.outConv.Convert(frame).Data)
	}
	r.padLagging()
	r.mixAligned()
}

// padLagging pads the shorter lane with silence once the longer one is more
// than maxLag ahead.
func (r *Recorder) padLagging() {
	limit := audio.DurationToSamples(r.maxLag, r.rate)
	switch d := len(r.in) - len(r.out); {
	case d > limit:
		r.out = append(r.out, make([]int16, d-limit)...)
	case -d > limit:
		r.in = append(r.in, make([]int16, -d-limit)...)
	}
}

// mixAligned processes the span both lanes have in common.
func (r *Recorder) mixAligned() {
	n := min(len(r.in), len(r.out))
	if n == 0 {
		return
	}
	for i := range n {
		x := (float64(r.in[i]) + float64(r.out[i])) / 32768.0
		r.buf = append(r.buf, float32(r.chain.Process(x)))
	}
	r.in = drop(r.in, n)
	r.out = drop(r.out, n)
}

// Close flushes both lanes, padding the shorter one with silence, and stops
// accepting audio. It is safe to call more than once.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	switch {
	case len(r.in) > len(r.out):
		r.out = append(r.out, make([]int16, len(r.in)-len(r.out))...)
	case len(r.out) > len(r.in):
		r.in = append(r.in, make([]int16, len(r.out)-len(r.in))...)
	}
	r.mixAligned()
	r.closed = true
}

// Duration returns the length of the mastered audio so far.
func (r *Recorder) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return audio.SamplesToDuration(len(r.buf), r.rate)
}

// Export closes the recorder, peak-normalizes the buffer to 0.95 and encodes
// it as a WAV file. It returns [ErrEmptyRecording] when nothing was recorded.
// Later calls return the same artifact.
func (r *Recorder) Export() (*Artifact, error) {
	r.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.export != nil {
		return r.export, nil
	}
	if len(r.buf) == 0 {
		return nil, ErrEmptyRecording
	}
	normalize(r.buf)

	pcm := make([]byte, len(r.buf)*2)
	for i, v := range r.buf {
		s := int16(math.Round(float64(v) * 32767))
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(uint16(s) >> 8)
	}
	data, err := wavio.Encode(pcm, audio.Format{SampleRate: r.rate, Channels: 1})
	if err != nil {
		return nil, fmt.Errorf("mastering: export: %w", err)
	}
	r.export = &Artifact{
		Name:       "coachlive-" + r.start.Format(fileTimeLayout) + ".wav",
		Data:       data,
		Duration:   audio.SamplesToDuration(len(r.buf), r.rate),
		SampleRate: r.rate,
	}
	return r.export, nil
}

// normalize scales buf in place so that its absolute peak is peakTarget.
// A silent buffer is left unchanged.
func normalize(buf []float32) {
	var peak float64
	for _, v := range buf {
		peak = max(peak, math.Abs(float64(v)))
	}
	if peak == 0 {
		return
	}
	gain := peakTarget / peak
	for i, v := range buf {
		buf[i] = float32(float64(v) * gain)
	}
}

func appendSamples(dst []int16, pcm []byte) []int16 {
	for i := 0; i+1 < len(pcm); i += 2 {
		dst = append(dst, int16(uint16(pcm[i])|uint16(pcm[i+1])<<8))
	}
	return dst
}

// drop removes the first n samples, reusing the backing array.
func drop(s []int16, n int) []int16 {
	m := copy(s, s[n:])
	return s[:m]
}
