package mastering

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/coachlive/pkg/audio"
	"github.com/MrWong99/coachlive/pkg/audio/wavio"
)

func TestConfigFor(t *testing.T) {
	t.Parallel()

	std := ConfigFor(QualityStandard)
	studio := ConfigFor(QualityStudio)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"standard high-pass", std.HighPass.Freq, 80},
		{"studio high-pass", studio.HighPass.Freq, 90},
		{"standard high-pass Q", std.HighPass.Q, 0.7},
		{"studio high-pass Q", studio.HighPass.Q, 0.7},
		{"standard presence freq", std.Presence.Freq, 3200},
		{"studio presence freq", studio.Presence.Freq, 3200},
		{"standard presence gain", std.Presence.GainDB, 2.0},
		{"studio presence gain", studio.Presence.GainDB, 3.5},
		{"standard shelf gain", std.HighShelf.GainDB, 1.5},
		{"studio shelf gain", studio.HighShelf.GainDB, 4.0},
		{"standard shelf freq", std.HighShelf.Freq, 10000},
		{"standard compressor threshold", std.Compressor.ThresholdDB, -18},
		{"studio compressor threshold", studio.Compressor.ThresholdDB, -24},
		{"standard compressor ratio", std.Compressor.Ratio, 4},
		{"studio compressor ratio", studio.Compressor.Ratio, 5},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	if std.Compressor.Attack != 5*time.Millisecond || std.Compressor.Release != 200*time.Millisecond {
		t.Errorf("standard compressor timing = %v/%v, want 5ms/200ms", std.Compressor.Attack, std.Compressor.Release)
	}
	if std.Limiter != studio.Limiter {
		t.Errorf("limiters differ: %+v vs %+v", std.Limiter, studio.Limiter)
	}
	want := DynamicsConfig{ThresholdDB: -1.5, Ratio: 20, Attack: time.Millisecond, Release: 50 * time.Millisecond}
	if std.Limiter != want {
		t.Errorf("Limiter = %+v, want %+v", std.Limiter, want)
	}
	if ConfigFor("bogus") != std {
		t.Error("unknown tier does not fall back to standard")
	}
}

func TestParseQuality(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Quality
		wantErr bool
	}{
		{"", QualityStandard, false},
		{"standard", QualityStandard, false},
		{"studio", QualityStudio, false},
		{"broadcast", "", true},
	}
	for _, tt := range tests {
		got, err := ParseQuality(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseQuality(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseQuality(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHighPass_RemovesDC(t *testing.T) {
	t.Parallel()

	f := newHighPass(80, 0.7, DefaultRate)
	var y float64
	for range DefaultRate {
		y = f.Process(0.5)
	}
	if math.Abs(y) > 1e-3 {
		t.Errorf("DC after 1s = %v, want ~0", y)
	}
}

func rms(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x * x
	}
	return math.Sqrt(sum / float64(len(xs)))
}

func TestPeaking_GainAtCenter(t *testing.T) {
	t.Parallel()

	for _, gain := range []float64{2.0, 3.5} {
		f := newPeaking(3200, 1.0, gain, DefaultRate)
		var in, out []float64
		for i := range 2 * DefaultRate {
			x := 0.1 * math.Sin(2*math.Pi*3200*float64(i)/DefaultRate)
			y := f.Process(x)
			if i >= DefaultRate {
				in = append(in, x)
				out = append(out, y)
			}
		}
		got := rms(out) / rms(in)
		want := math.Pow(10, gain/20)
		if math.Abs(got-want) > 0.01 {
			t.Errorf("gain %.1f dB: ratio = %v, want %v", gain, got, want)
		}
	}
}

func TestHighShelf_BoostsTop(t *testing.T) {
	t.Parallel()

	f := newHighShelf(10000, 4.0, DefaultRate)
	// Alternating samples are the Nyquist frequency, well inside the shelf.
	var y float64
	for i := range DefaultRate {
		x := 0.1
		if i%2 == 1 {
			x = -0.1
		}
		y = f.Process(x)
	}
	got := math.Abs(y) / 0.1
	want := math.Pow(10, 4.0/20)
	if math.Abs(got-want) > 0.01 {
		t.Errorf("Nyquist gain = %v, want %v", got, want)
	}
}

func TestDynamics_SteadyState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  DynamicsConfig
		in   float64
	}{
		{"standard compressor", ConfigFor(QualityStandard).Compressor, 0.5},
		{"studio compressor", ConfigFor(QualityStudio).Compressor, 0.5},
		{"limiter", ConfigFor(QualityStandard).Limiter, 1.0},
		{"below threshold", ConfigFor(QualityStandard).Compressor, 0.01},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := newDynamics(tt.cfg, DefaultRate)
			var y float64
			for range 2 * DefaultRate {
				y = d.Process(tt.in)
			}
			over := max(20*math.Log10(tt.in)-tt.cfg.ThresholdDB, 0)
			want := tt.in * math.Pow(10, -over*(1-1/tt.cfg.Ratio)/20)
			if math.Abs(y-want) > 1e-4 {
				t.Errorf("output = %v, want %v", y, want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	buf := []float32{0.1, -0.5, 0.25}
	normalize(buf)
	if math.Abs(float64(buf[1])+peakTarget) > 1e-6 {
		t.Errorf("peak = %v, want -%v", buf[1], peakTarget)
	}
	if math.Abs(float64(buf[0])-0.19) > 1e-6 {
		t.Errorf("buf[0] = %v, want 0.19", buf[0])
	}

	silent := []float32{0, 0, 0}
	normalize(silent)
	for i, v := range silent {
		if v != 0 {
			t.Errorf("silent[%d] = %v, want 0", i, v)
		}
	}
}

func squareFrame(samples, rate int, amp int16) audio.AudioFrame {
	data := make([]byte, samples*2)
	for i := range samples {
		v := amp
		if i%8 >= 4 {
			v = -amp
		}
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	return audio.AudioFrame{Data: data, SampleRate: rate, Channels: 1}
}

func decodeArtifact(t *testing.T, a *Artifact) audio.AudioFrame {
	t.Helper()
	f, err := wavio.Decode(bytes.NewReader(a.Data))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return f
}

func peak16(pcm []byte) int {
	var p int
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int(int16(binary.LittleEndian.Uint16(pcm[i:])))
		if v < 0 {
			v = -v
		}
		p = max(p, v)
	}
	return p
}

func TestRecorder_Export(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 10, 19, 14, 3, 5, 0, time.UTC)
	r := NewRecorder(ConfigFor(QualityStudio), start)

	// One second of each lane: 16 kHz microphone, 24 kHz playback.
	for range 10 {
		r.WriteInput(squareFrame(1600, 16000, 4000))
	}
	for range 50 {
		r.WriteOutput(squareFrame(480, 24000, 2000))
	}

	a, err := r.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if a.Name != "coachlive-20261019-140305.wav" {
		t.Errorf("Name = %q", a.Name)
	}
	if a.Duration != time.Second {
		t.Errorf("Duration = %v, want 1s", a.Duration)
	}
	if a.SampleRate != DefaultRate {
		t.Errorf("SampleRate = %d, want %d", a.SampleRate, DefaultRate)
	}

	f := decodeArtifact(t, a)
	if f.SampleRate != 24000 || f.Channels != 1 {
		t.Errorf("decoded format = %v, want 24000Hz mono", f.Format())
	}
	if d := f.Duration() - time.Second; d < -20*time.Millisecond || d > 20*time.Millisecond {
		t.Errorf("decoded duration = %v, want 1s within one frame", f.Duration())
	}
	want := int(math.Round(peakTarget * 32767))
	if p := peak16(f.Data); p < want-1 || p > want+1 {
		t.Errorf("peak = %d, want %d", p, want)
	}

	// A second export yields the same recording.
	b, err := r.Export()
	if err != nil {
		t.Fatalf("second Export: %v", err)
	}
	if !bytes.Equal(a.Data, b.Data) {
		t.Error("second Export differs")
	}
}

func TestRecorder_EmptyHasNoArtifact(t *testing.T) {
	t.Parallel()

	r := NewRecorder(ConfigFor(QualityStandard), time.Now())
	a, err := r.Export()
	if !errors.Is(err, ErrEmptyRecording) {
		t.Errorf("Export() error = %v, want ErrEmptyRecording", err)
	}
	if a != nil {
		t.Errorf("Export() = %+v, want nil", a)
	}
}

func TestRecorder_SilentIsNotScaled(t *testing.T) {
	t.Parallel()

	r := NewRecorder(ConfigFor(QualityStandard), time.Now())
	r.WriteInput(audio.AudioFrame{Data: make([]byte, 4800), SampleRate: 24000, Channels: 1})
	a, err := r.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if p := peak16(decodeArtifact(t, a).Data); p != 0 {
		t.Errorf("peak = %d, want 0", p)
	}
	if a.Duration != 100*time.Millisecond {
		t.Errorf("Duration = %v, want 100ms", a.Duration)
	}
}

func TestRecorder_PadsLaggingLane(t *testing.T) {
	t.Parallel()

	r := NewRecorder(ConfigFor(QualityStandard), time.Now(), WithMaxLag(100*time.Millisecond))
	for range 5 {
		r.WriteInput(squareFrame(2400, 24000, 1000))
	}
	if got := r.Duration(); got != 400*time.Millisecond {
		t.Errorf("Duration before Close = %v, want 400ms", got)
	}

	r.Close()
	if got := r.Duration(); got != 500*time.Millisecond {
		t.Errorf("Duration after Close = %v, want 500ms", got)
	}

	r.WriteOutput(squareFrame(2400, 24000, 1000))
	if got := r.Duration(); got != 500*time.Millisecond {
		t.Errorf("Duration after write on closed recorder = %v, want 500ms", got)
	}
}

func TestRecorder_StereoOutputLane(t *testing.T) {
	t.Parallel()

	r := NewRecorder(ConfigFor(QualityStandard), time.Now())
	// 20 ms of 48 kHz stereo, as the Discord output renders it.
	r.WriteOutput(audio.AudioFrame{Data: make([]byte, 960*4), SampleRate: 48000, Channels: 2})
	r.WriteInput(audio.AudioFrame{Data: make([]byte, 320*2), SampleRate: 16000, Channels: 1})
	if got := r.Duration(); got != 20*time.Millisecond {
		t.Errorf("Duration = %v, want 20ms", got)
	}
}
