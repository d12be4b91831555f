// Package audio defines the audio frame type, PCM helpers, and the device
// abstractions the live session client captures from and plays through.
//
// The primary abstractions are:
//
//   - [Device]: opens an [Input] (microphone) and an [Output] (speaker).
//   - [Input]: a stream of captured [AudioFrame] values at the device cadence.
//   - [Output]: a clocked playback surface on which frames are scheduled at
//     exact start times, with a render tap that reports what actually played.
//
// Implementations live in sub-packages (audio/discord, audio/file, audio/mock).
package audio

import (
	"context"
	"time"
)

// Input is an open capture stream.
//
// Implementations must be safe for concurrent use.
type Input interface {
	// Frames returns the channel on which captured frames arrive in capture
	// order. The channel is closed when the input is closed or the underlying
	// device stops delivering audio.
	Frames() <-chan AudioFrame

	// Close stops capture and releases the device. Calling Close more than once
	// is safe and returns nil.
	Close() error
}

// Voice is a handle to a single scheduled playback buffer.
type Voice interface {
	// Stop silences the voice immediately. Stopping a voice that already ended
	// is a no-op. Stop does not invoke the onEnded callback passed to
	// [Output.Schedule].
	Stop()

	// Start and End are the clock positions where the voice begins and stops
	// playing, after any clamping by the output.
	Start() time.Duration
	End() time.Duration
}

// Output is an open playback surface with its own sample clock.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// Now returns the current position of the output clock. The clock starts at
	// zero when the output is opened and only moves forward.
	Now() time.Duration

	// Schedule queues frame to start playing at the output clock position at.
	// A start time in the past begins playback at the next render boundary.
	// onEnded, if non-nil, is called once when the voice finishes naturally;
	// it is invoked on an internal goroutine and must not block.
	Schedule(frame AudioFrame, at time.Duration, onEnded func()) (Voice, error)

	// OnRender registers fn to receive every rendered block of output audio,
	// silence included, in render order. Only one callback may be registered;
	// later calls replace the earlier one. fn must not block.
	OnRender(fn func(AudioFrame))

	// Close stops the output clock and releases the device. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// Device is the entry point for a microphone/speaker backend.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// OpenInput starts capture in the requested format. Returns an error when
	// the microphone is unavailable or access is denied.
	OpenInput(ctx context.Context, format Format) (Input, error)

	// OpenOutput opens a playback surface rendering in the requested format.
	OpenOutput(ctx context.Context, format Format) (Output, error)
}
