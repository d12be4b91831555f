// Package file provides an [audio.Device] backed by WAV files, for headless
// sessions and reproducible demos. The input plays a WAV file as if it were a
// microphone, paced at real time; the output renders model speech and can
// optionally write it to a WAV file.
package file

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/coachlive/pkg/audio"
	"github.com/MrWong99/coachlive/pkg/audio/render"
	"github.com/MrWong99/coachlive/pkg/audio/wavio"
)

// Compile-time interface assertion.
var _ audio.Device = (*Device)(nil)

const (
	// DefaultChunk is the length of each paced input frame.
	DefaultChunk = 20 * time.Millisecond

	inputChannelBuffer = 64
)

// Option configures a [Device].
type Option func(*Device)

// WithOutputPath makes every opened output write the rendered stream to path.
func WithOutputPath(path string) Option {
	return func(d *Device) { d.outputPath = path }
}

// WithLoop replays the input file from the start when it ends. Without it,
// the input continues with silence after the file ends.
func WithLoop(loop bool) Option {
	return func(d *Device) { d.loop = loop }
}

// WithChunk sets the length of paced input frames.
func WithChunk(d time.Duration) Option {
	return func(dev *Device) {
		if d > 0 {
			dev.chunk = d
		}
	}
}

// WithRenderOptions passes options to the renderer behind every output.
func WithRenderOptions(opts ...render.Option) Option {
	return func(d *Device) { d.renderOpts = append(d.renderOpts, opts...) }
}

// Device plays a WAV file as its microphone.
type Device struct {
	inputPath  string
	outputPath string
	loop       bool
	chunk      time.Duration
	renderOpts []render.Option
}

// New creates a Device reading microphone audio from inputPath.
func New(inputPath string, opts ...Option) *Device {
	d := &Device{inputPath: inputPath, chunk: DefaultChunk}
	for _, o := range opts {
		o(d)
	}
	return d
}

// OpenInput implements [audio.Device]. The file is decoded fully and
// converted to format up front.
func (d *Device) OpenInput(ctx context.Context, format audio.Format) (audio.Input, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(d.inputPath)
	if err != nil {
		return nil, fmt.Errorf("file: open input: %w", err)
	}
	defer f.Close()

	frame, err := wavio.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("file: decode %q: %w", d.inputPath, err)
	}
	conv := audio.FormatConverter{Target: format}
	frame = conv.Convert(frame)
	slog.Debug("file: input loaded", "path", d.inputPath, "duration", frame.Duration())

	in := &input{
		pcm:    frame.Data,
		format: format,
		chunk:  d.chunk,
		loop:   d.loop,
		frames: make(chan audio.AudioFrame, inputChannelBuffer),
		done:   make(chan struct{}),
	}
	in.wg.Add(1)
	go in.run()
	return in, nil
}

// OpenOutput implements [audio.Device].
func (d *Device) OpenOutput(ctx context.Context, format audio.Format) (audio.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := &output{}
	opts := append([]render.Option(nil), d.renderOpts...)
	if d.outputPath != "" {
		f, err := os.Create(d.outputPath)
		if err != nil {
			return nil, fmt.Errorf("file: create output: %w", err)
		}
		o.file = f
		o.writer = wavio.NewWriter(f, format)
		opts = append(opts, render.WithSink(o.write))
	}
	o.Renderer = render.New(format, opts...)
	return o, nil
}

// input paces decoded file audio onto its frame channel.
type input struct {
	pcm    []byte
	format audio.Format
	chunk  time.Duration
	loop   bool

	frames    chan audio.AudioFrame
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (in *input) Frames() <-chan audio.AudioFrame { return in.frames }

func (in *input) Close() error {
	in.closeOnce.Do(func() {
		close(in.done)
		in.wg.Wait()
	})
	return nil
}

func (in *input) run() {
	defer in.wg.Done()
	defer close(in.frames)

	chunkBytes := audio.DurationToSamples(in.chunk, in.format.SampleRate) * in.format.Channels * 2
	ticker := time.NewTicker(in.chunk)
	defer ticker.Stop()

	var (
		pos int
		ts  time.Duration
	)
	for {
		select {
		case <-in.done:
			return
		case <-ticker.C:
		}

		data := make([]byte, chunkBytes)
		if pos < len(in.pcm) {
			pos += copy(data, in.pcm[pos:])
		}
		if pos >= len(in.pcm) && in.loop {
			pos = 0
		}

		select {
		case in.frames <- audio.AudioFrame{Data: data, SampleRate: in.format.SampleRate, Channels: in.format.Channels, Timestamp: ts}:
		default:
		}
		ts += in.chunk
	}
}

// output renders in real time and optionally tees into a WAV file.
type output struct {
	*render.Renderer

	mu     sync.Mutex
	file   *os.File
	writer *wavio.Writer

	closeOnce sync.Once
}

func (o *output) write(frame audio.AudioFrame) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.writer == nil {
		return
	}
	if err := o.writer.Write(frame); err != nil {
		slog.Warn("file: write output", "error", err)
	}
}

// Close stops rendering and finalizes the output file, if any.
func (o *output) Close() error {
	var err error
	o.closeOnce.Do(func() {
		o.Renderer.Close()
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.writer == nil {
			return
		}
		err = o.writer.Close()
		if cerr := o.file.Close(); err == nil {
			err = cerr
		}
		o.writer = nil
	})
	return err
}
