package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// BytesPerSecond returns the byte rate of int16 PCM in this format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// FormatConverter converts AudioFrames to a target format. It logs once on the
// first format mismatch and drops frames whose byte count is not a whole
// number of samples. Create one per stream; it is not safe for shared use
// across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts a frame to the target format. If the frame already matches
// the target it is returned unchanged without allocating.
//
// Multi-channel input is downmixed before resampling and mono output is
// upmixed after resampling, so the resampler always runs on a single channel.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	channels := frame.Channels
	if channels <= 0 {
		channels = 1
	}
	if len(frame.Data)%(2*channels) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: dropping frame with partial sample",
				"bytes", len(frame.Data),
				"format", frame.Format().String(),
			)
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}

	if frame.SampleRate == c.Target.SampleRate && channels == c.Target.Channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio: converting stream",
			"from", Format{SampleRate: frame.SampleRate, Channels: channels}.String(),
			"to", c.Target.String(),
		)
	})

	pcm := frame.Data
	if channels == 2 && c.Target.Channels == 1 {
		pcm = StereoToMono(pcm)
		channels = 1
	}
	if frame.SampleRate != c.Target.SampleRate && channels == 1 {
		pcm = ResampleMono16(pcm, frame.SampleRate, c.Target.SampleRate)
	}
	if channels == 1 && c.Target.Channels == 2 {
		pcm = MonoToStereo(pcm)
		channels = 2
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   channels,
		Timestamp:  frame.Timestamp,
	}
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// StereoToMono averages each L+R pair into one mono sample.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(sampleAt(pcm, i*2))
		r := int32(sampleAt(pcm, i*2+1))
		putSample(out, i, clamp16((l+r)/2))
	}
	return out
}

// ResampleMono16 resamples mono int16 PCM from srcRate to dstRate with linear
// interpolation. The input is returned unchanged when the rates match or
// either rate is not positive.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcN := len(pcm) / 2
	dstN := int(int64(srcN) * int64(dstRate) / int64(srcRate))
	if dstN == 0 {
		return nil
	}

	out := make([]byte, dstN*2)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstN {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := float64(sampleAt(pcm, idx))
		s1 := s0
		if idx+1 < srcN {
			s1 = float64(sampleAt(pcm, idx+1))
		}
		putSample(out, i, int32(s0+(s1-s0)*frac))
	}
	return out
}

// PCM16ToFloat decodes little-endian int16 PCM into float samples in [-1, 1).
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(sampleAt(pcm, i)) / 32768
	}
	return out
}

// FloatToPCM16 encodes float samples as little-endian int16 PCM, clamping
// values outside [-1, 1].
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		putSample(out, i, int32(s*32767))
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

func putSample(pcm []byte, i int, v int32) {
	s := clamp16(v)
	pcm[i*2] = byte(s)
	pcm[i*2+1] = byte(s >> 8)
}

func clamp16(v int32) int32 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return v
}
