// Package mock provides in-memory implementations of [audio.Device],
// [audio.Input], and [audio.Output] for use in unit tests.
//
// All mocks are safe for concurrent use. They record method calls so tests can
// assert on call counts, and expose fields that control return values.
//
// Typical usage:
//
//	dev := &mock.Device{}
//	in, _ := dev.OpenInput(ctx, audio.Format{SampleRate: 16000, Channels: 1})
//	dev.Input().Feed(frame)
//	out, _ := dev.OpenOutput(ctx, audio.Format{SampleRate: 24000, Channels: 1})
//	dev.Output().Render() // advance the playback clock by one block
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/coachlive/pkg/audio"
	"github.com/MrWong99/coachlive/pkg/audio/render"
)

// Compile-time interface assertions.
var (
	_ audio.Device = (*Device)(nil)
	_ audio.Input  = (*Input)(nil)
	_ audio.Output = (*Output)(nil)
)

// defaultInputBuffer is the frame buffer of inputs opened by [Device].
const defaultInputBuffer = 64

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device].
// Set the exported error fields before use; inspect the call counts after.
type Device struct {
	mu sync.Mutex

	// OpenInputError is returned by [Device.OpenInput] when non-nil.
	OpenInputError error

	// OpenOutputError is returned by [Device.OpenOutput] when non-nil.
	OpenOutputError error

	// CallCountOpenInput records how many times OpenInput was called.
	CallCountOpenInput int

	// CallCountOpenOutput records how many times OpenOutput was called.
	CallCountOpenOutput int

	// InputFormats records the format argument of each OpenInput call.
	InputFormats []audio.Format

	input  *Input
	output *Output
}

// OpenInput implements [audio.Device]. It returns a fresh [Input] unless
// OpenInputError is set.
func (d *Device) OpenInput(_ context.Context, format audio.Format) (audio.Input, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpenInput++
	d.InputFormats = append(d.InputFormats, format)
	if d.OpenInputError != nil {
		return nil, d.OpenInputError
	}
	d.input = NewInput(defaultInputBuffer)
	return d.input, nil
}

// OpenOutput implements [audio.Device]. It returns a fresh [Output] with a
// manual clock unless OpenOutputError is set.
func (d *Device) OpenOutput(_ context.Context, format audio.Format) (audio.Output, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpenOutput++
	if d.OpenOutputError != nil {
		return nil, d.OpenOutputError
	}
	d.output = NewOutput(format)
	return d.output, nil
}

// Input returns the most recently opened input, or nil.
func (d *Device) Input() *Input {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.input
}

// Output returns the most recently opened output, or nil.
func (d *Device) Output() *Output {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.output
}

// ─── Input ────────────────────────────────────────────────────────────────────

// Input is a mock [audio.Input] fed by the test through [Input.Feed].
type Input struct {
	mu     sync.Mutex
	frames chan audio.AudioFrame
	closed bool

	// CloseError is returned by [Input.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewInput creates an Input whose frame channel holds up to buffer frames.
func NewInput(buffer int) *Input {
	return &Input{frames: make(chan audio.AudioFrame, buffer)}
}

// Frames implements [audio.Input].
func (in *Input) Frames() <-chan audio.AudioFrame {
	return in.frames
}

// Feed delivers frame as if it had been captured. It reports false when the
// input is closed or the buffer is full.
func (in *Input) Feed(frame audio.AudioFrame) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return false
	}
	select {
	case in.frames <- frame:
		return true
	default:
		return false
	}
}

// Close implements [audio.Input]. The frame channel is closed on the first
// call; CloseError is returned on every call.
func (in *Input) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.CallCountClose++
	if !in.closed {
		in.closed = true
		close(in.frames)
	}
	return in.CloseError
}

// Closed reports whether Close has been called.
func (in *Input) Closed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closed
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock [audio.Output] backed by a manually clocked
// [render.Renderer]. Tests advance playback with [render.Renderer.Render].
type Output struct {
	*render.Renderer

	mu sync.Mutex

	// CloseError is returned by [Output.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewOutput creates an Output rendering in format with a manual clock.
func NewOutput(format audio.Format) *Output {
	return &Output{Renderer: render.New(format, render.WithManualClock())}
}

// Close implements [audio.Output]. It closes the underlying renderer and
// returns CloseError.
func (o *Output) Close() error {
	o.mu.Lock()
	o.CallCountClose++
	err := o.CloseError
	o.mu.Unlock()
	o.Renderer.Close()
	return err
}

// Closes returns how many times Close was called.
func (o *Output) Closes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountClose
}
