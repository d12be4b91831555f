// Package monitor reports input and output loudness at a fixed cadence.
//
// Each side of the conversation feeds a [Tap], a ring buffer holding the most
// recent mono samples. A [Monitor] ticks at a fixed interval and emits the RMS
// level of both taps' windows as a [Levels] pair. There is no silence or
// activity detection; consumers draw meters from the raw levels.
package monitor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/coachlive/pkg/audio"
)

const (
	// DefaultInterval is the tick period of a [Monitor].
	DefaultInterval = 100 * time.Millisecond

	// DefaultWindow is the number of samples the RMS is computed over.
	DefaultWindow = 2048
)

// Levels is one measurement of both sides of the conversation. Values are
// RMS levels normalized to [0, 1].
type Levels struct {
	Input  float64
	Output float64
}

// Tap is a fixed-size ring of the most recent mono samples written to it.
// It is safe for concurrent use.
type Tap struct {
	mu     sync.Mutex
	ring   []int16
	pos    int
	filled int
}

// NewTap creates a tap holding the last window samples.
func NewTap(window int) *Tap {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tap{ring: make([]int16, window)}
}

// Write appends the samples of frame. Stereo frames are downmixed.
func (t *Tap) Write(frame audio.AudioFrame) {
	pcm := frame.Data
	if frame.Channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i+1 < len(pcm); i += 2 {
		t.ring[t.pos] = int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		t.pos = (t.pos + 1) % len(t.ring)
		if t.filled < len(t.ring) {
			t.filled++
		}
	}
}

// RMS returns the root-mean-square level of the window, normalized to
// [0, 1]. Samples not yet written count as silence.
func (t *Tap) RMS() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.filled == 0 {
		return 0
	}
	var sum float64
	for _, s := range t.ring[:t.filled] {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(t.ring)))
}

// Reset clears the tap to silence.
func (t *Tap) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pos, t.filled = 0, 0
	clear(t.ring)
}

// Monitor samples an input and an output [Tap] at a fixed interval.
type Monitor struct {
	interval time.Duration
	input    *Tap
	output   *Tap
}

// New creates a Monitor whose taps hold window samples and which ticks every
// interval. Non-positive arguments select the defaults.
func New(interval time.Duration, window int) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		interval: interval,
		input:    NewTap(window),
		output:   NewTap(window),
	}
}

// Input returns the tap fed with captured microphone audio.
func (m *Monitor) Input() *Tap { return m.input }

// Output returns the tap fed with rendered playback audio.
func (m *Monitor) Output() *Tap { return m.output }

// Interval returns the tick period.
func (m *Monitor) Interval() time.Duration { return m.interval }

// Levels measures both taps now.
func (m *Monitor) Levels() Levels {
	return Levels{Input: m.input.RMS(), Output: m.output.RMS()}
}

// Run calls emit with the current [Levels] on every tick until ctx is
// cancelled. emit runs on the caller's goroutine and should not block for
// longer than one interval.
func (m *Monitor) Run(ctx context.Context, emit func(Levels)) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			emit(m.Levels())
		}
	}
}
