// Package wavio reads and writes PCM WAV files for [audio.AudioFrame] data
// using the go-audio codec packages.
package wavio

import (
	"errors"
	"fmt"
	"io"

	"github.com/MrWong99/coachlive/pkg/audio"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	bitDepth = 16
	// wavFormatPCM is the WAVE_FORMAT_PCM tag.
	wavFormatPCM = 1
)

// ErrInvalidFile is returned when a reader does not contain a PCM WAV stream.
var ErrInvalidFile = errors.New("wavio: not a valid WAV file")

// Writer streams little-endian int16 PCM frames into a WAV container. The
// header sizes are patched on Close, so the destination must be seekable.
type Writer struct {
	enc    *wav.Encoder
	format audio.Format
	conv   audio.FormatConverter
	buf    goaudio.IntBuffer
}

// NewWriter creates a Writer producing 16-bit PCM in format.
func NewWriter(w io.WriteSeeker, format audio.Format) *Writer {
	if format.Channels <= 0 {
		format.Channels = 1
	}
	return &Writer{
		enc:    wav.NewEncoder(w, format.SampleRate, bitDepth, format.Channels, wavFormatPCM),
		format: format,
		conv:   audio.FormatConverter{Target: format},
		buf: goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
			SourceBitDepth: bitDepth,
		},
	}
}

// Write appends frame, converting it to the writer format first.
func (w *Writer) Write(frame audio.AudioFrame) error {
	pcm := w.conv.Convert(frame).Data
	if len(pcm) == 0 {
		return nil
	}
	n := len(pcm) / 2
	if cap(w.buf.Data) < n {
		w.buf.Data = make([]int, n)
	}
	w.buf.Data = w.buf.Data[:n]
	for i := range n {
		w.buf.Data[i] = int(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
	}
	if err := w.enc.Write(&w.buf); err != nil {
		return fmt.Errorf("wavio: write: %w", err)
	}
	return nil
}

// Close finalizes the WAV header. It does not close the underlying writer.
func (w *Writer) Close() error {
	if err := w.enc.Close(); err != nil {
		return fmt.Errorf("wavio: finalize: %w", err)
	}
	return nil
}

// Encode serializes mono or interleaved int16 PCM in format as a complete WAV
// file in memory.
func Encode(pcm []byte, format audio.Format) ([]byte, error) {
	var buf Buffer
	w := NewWriter(&buf, format)
	if err := w.Write(audio.AudioFrame{Data: pcm, SampleRate: format.SampleRate, Channels: format.Channels}); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads an entire PCM WAV stream into a single frame of int16 samples.
// Sources with other bit depths are rescaled to 16 bits.
func Decode(r io.ReadSeeker) (audio.AudioFrame, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return audio.AudioFrame{}, ErrInvalidFile
	}
	ib, err := dec.FullPCMBuffer()
	if err != nil {
		return audio.AudioFrame{}, fmt.Errorf("wavio: decode: %w", err)
	}

	shift := int(dec.BitDepth) - bitDepth
	pcm := make([]byte, len(ib.Data)*2)
	for i, v := range ib.Data {
		switch {
		case dec.BitDepth == 8:
			v = (v - 128) << 8 // 8-bit WAV is unsigned
		case shift > 0:
			v >>= shift
		}
		v = max(min(v, 32767), -32768)
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(v >> 8)
	}
	return audio.AudioFrame{
		Data:       pcm,
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
	}, nil
}

// Buffer is an in-memory [io.WriteSeeker] for encoding WAV files without a
// temporary file.
type Buffer struct {
	data []byte
	pos  int
}

// Write implements [io.Writer], overwriting or extending at the current offset.
func (b *Buffer) Write(p []byte) (int, error) {
	end := b.pos + len(p)
	if end > len(b.data) {
		if end > cap(b.data) {
			grown := make([]byte, end, max(end, 2*cap(b.data)))
			copy(grown, b.data)
			b.data = grown
		} else {
			b.data = b.data[:end]
		}
	}
	copy(b.data[b.pos:], p)
	b.pos = end
	return len(p), nil
}

// Seek implements [io.Seeker].
func (b *Buffer) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(b.pos)
	case io.SeekEnd:
		base = int64(len(b.data))
	default:
		return 0, fmt.Errorf("wavio: invalid whence %d", whence)
	}
	abs := base + offset
	if abs < 0 {
		return 0, fmt.Errorf("wavio: negative position %d", abs)
	}
	b.pos = int(abs)
	return abs, nil
}

// Bytes returns the written contents.
func (b *Buffer) Bytes() []byte { return b.data }
