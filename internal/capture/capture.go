// Package capture turns a device input stream into fixed-size transport
// frames.
//
// A [Pipeline] reads frames from an [audio.Input], converts them to the
// transport input format, re-chunks them to a fixed number of samples and
// hands each chunk to its taps and then to the forward callback. Nothing is
// queued beyond the device's own channel.
package capture

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/MrWong99/coachlive/pkg/audio"
)

// DefaultFrameSamples is the number of samples in each forwarded frame.
const DefaultFrameSamples = 4096

// ErrInputClosed is returned by [Pipeline.Run] when the device stops
// delivering audio before the pipeline is stopped.
var ErrInputClosed = errors.New("capture: input closed")

// Tap observes every forwarded frame. It runs on the capture goroutine, must
// not block and must not retain frame.Data.
type Tap func(frame audio.AudioFrame)

// Pipeline converts and re-chunks captured audio.
type Pipeline struct {
	in           audio.Input
	conv         audio.FormatConverter
	frameSamples int
	taps         []Tap

	pending []byte
	sent    int64 // samples forwarded, for timestamps
	frames  atomic.Int64
}

// New creates a Pipeline reading from in and producing frames of
// frameSamples samples in format. Non-positive frameSamples selects
// [DefaultFrameSamples].
func New(in audio.Input, format audio.Format, frameSamples int, taps ...Tap) *Pipeline {
	if frameSamples <= 0 {
		frameSamples = DefaultFrameSamples
	}
	return &Pipeline{
		in:           in,
		conv:         audio.FormatConverter{Target: format},
		frameSamples: frameSamples,
		taps:         taps,
	}
}

// Run forwards frames until ctx is cancelled or the input channel closes.
// It returns nil on cancellation and [ErrInputClosed] otherwise. A partial
// chunk still pending when Run returns is discarded.
func (p *Pipeline) Run(ctx context.Context, forward func(audio.AudioFrame)) error {
	frames := p.in.Frames()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrInputClosed
			}
			p.push(f, forward)
		}
	}
}

// push converts f and emits every complete chunk it completes.
func (p *Pipeline) push(f audio.AudioFrame, forward func(audio.AudioFrame)) {
	conv := p.conv.Convert(f)
	if len(conv.Data) == 0 {
		return
	}
	p.pending = append(p.pending, conv.Data...)

	target := p.conv.Target
	chunkBytes := p.frameSamples * target.Channels * 2
	for len(p.pending) >= chunkBytes {
		data := make([]byte, chunkBytes)
		copy(data, p.pending)
		p.pending = p.pending[chunkBytes:]

		out := audio.AudioFrame{
			Data:       data,
			SampleRate: target.SampleRate,
			Channels:   target.Channels,
			Timestamp:  audio.SamplesToDuration(int(p.sent), target.SampleRate),
		}
		p.sent += int64(p.frameSamples)
		p.frames.Add(1)

		for _, tap := range p.taps {
			tap(out)
		}
		forward(out)
	}
	if len(p.pending) == 0 {
		p.pending = nil
	}
}

// Frames returns the number of frames forwarded so far.
func (p *Pipeline) Frames() int64 { return p.frames.Load() }

// FrameDuration returns the playback length of one forwarded frame.
func (p *Pipeline) FrameDuration() time.Duration {
	return audio.SamplesToDuration(p.frameSamples, p.conv.Target.SampleRate)
}

// Close stops capture and releases the device.
func (p *Pipeline) Close() error {
	return p.in.Close()
}
