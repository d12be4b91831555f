package audio

import "time"

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport: captured from input devices,
// forwarded to the live transport, decoded from model responses, scheduled for
// playback and mixed into the session recording.
type AudioFrame struct {
	// PCM audio data as little-endian int16 samples, interleaved if Channels > 1.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for capture, 24000 for model speech).
	SampleRate int

	// Channels: 1 for mono (capture, model speech), 2 for stereo (Discord).
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel in the frame.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / (2 * f.Channels)
}

// Duration returns the playback length of the frame. Returns zero when the
// sample rate is not set.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return SamplesToDuration(f.Samples(), f.SampleRate)
}

// Format returns the sample rate and channel count of the frame.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// SamplesToDuration converts a per-channel sample count at rate Hz to a duration.
func SamplesToDuration(samples, rate int) time.Duration {
	return time.Duration(int64(samples) * int64(time.Second) / int64(rate))
}

// SamplesToClock converts a sample count to a clock position, rounding up so
// that DurationToSamples maps the result back to exactly samples.
func SamplesToClock(samples int64, rate int) time.Duration {
	return time.Duration((samples*int64(time.Second) + int64(rate) - 1) / int64(rate))
}

// DurationToSamples converts d to a per-channel sample count at rate Hz,
// rounding down.
func DurationToSamples(d time.Duration, rate int) int {
	return int(int64(d) * int64(rate) / int64(time.Second))
}
