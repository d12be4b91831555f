package file_test

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/coachlive/pkg/audio"
	"github.com/MrWong99/coachlive/pkg/audio/file"
	"github.com/MrWong99/coachlive/pkg/audio/render"
	"github.com/MrWong99/coachlive/pkg/audio/wavio"
)

// writeWAV writes n samples of value at 16 kHz mono and returns the path.
func writeWAV(t *testing.T, n int, value int16) string {
	t.Helper()
	pcm := make([]byte, n*2)
	for i := range n {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(value))
	}
	data, err := wavio.Encode(pcm, audio.Format{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	path := filepath.Join(t.TempDir(), "mic.wav")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestInput_PacesFileThenSilence(t *testing.T) {
	t.Parallel()

	// 80 samples = one 5 ms chunk at 16 kHz.
	path := writeWAV(t, 80, 1234)
	dev := file.New(path, file.WithChunk(5*time.Millisecond))

	in, err := dev.OpenInput(context.Background(), audio.Format{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("OpenInput: %v", err)
	}
	defer in.Close()

	first := <-in.Frames()
	if n := first.Samples(); n != 80 {
		t.Fatalf("first frame samples = %d, want 80", n)
	}
	if got := int16(binary.LittleEndian.Uint16(first.Data)); got != 1234 {
		t.Errorf("first sample = %d, want 1234", got)
	}

	select {
	case second := <-in.Frames():
		if got := int16(binary.LittleEndian.Uint16(second.Data)); got != 0 {
			t.Errorf("sample after end of file = %d, want silence", got)
		}
	case <-time.After(time.Second):
		t.Fatal("input stopped after end of file")
	}
}

func TestInput_MissingFile(t *testing.T) {
	t.Parallel()

	dev := file.New(filepath.Join(t.TempDir(), "missing.wav"))
	if _, err := dev.OpenInput(context.Background(), audio.Format{SampleRate: 16000, Channels: 1}); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestOutput_WritesRenderedWAV(t *testing.T) {
	t.Parallel()

	outPath := filepath.Join(t.TempDir(), "out.wav")
	dev := file.New("", file.WithOutputPath(outPath), file.WithRenderOptions(render.WithManualClock()))
	format := audio.Format{SampleRate: 24000, Channels: 1}

	out, err := dev.OpenOutput(context.Background(), format)
	if err != nil {
		t.Fatalf("OpenOutput: %v", err)
	}
	r, ok := out.(interface{ Render() audio.AudioFrame })
	if !ok {
		t.Fatal("output does not expose Render")
	}
	for range 5 {
		r.Render()
	}
	if err := out.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(outPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	frame, err := wavio.Decode(f)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if d := frame.Duration(); d != 100*time.Millisecond {
		t.Errorf("written duration = %v, want 100ms", d)
	}
}
