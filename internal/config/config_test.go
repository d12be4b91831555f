package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/coachlive/internal/config"
)

const fullYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
transport:
  name: gemini
  api_key: secret
  model: gemini-live-2.5-flash
  handshake_timeout: 5s
  fallbacks:
    - name: gemini
      api_key: backup
      base_url: wss://backup.example.com
device:
  name: file
  options:
    input_path: mic.wav
    loop: true
session:
  voice: Puck
  quality: studio
  instruction: Coach my small talk.
  frame_samples: 2048
  monitor_interval: 50ms
  speaking_hold: 250ms
resilience:
  max_failures: 3
  reset_timeout: 1m
`

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Transport.Name != "gemini" || cfg.Transport.APIKey != "secret" || cfg.Transport.HandshakeTimeout != 5*time.Second {
		t.Errorf("transport = %+v", cfg.Transport)
	}
	if len(cfg.Transport.Fallbacks) != 1 || cfg.Transport.Fallbacks[0].BaseURL != "wss://backup.example.com" {
		t.Errorf("fallbacks = %+v", cfg.Transport.Fallbacks)
	}
	if got := config.Option(cfg.Device.Options, "input_path", ""); got != "mic.wav" {
		t.Errorf("device input_path = %q", got)
	}
	if !config.BoolOption(cfg.Device.Options, "loop", false) {
		t.Error("device loop = false")
	}
	s := cfg.Session
	if s.Voice != "Puck" || s.Quality != "studio" || s.FrameSamples != 2048 {
		t.Errorf("session = %+v", s)
	}
	if s.MonitorInterval != 50*time.Millisecond || s.SpeakingHold != 250*time.Millisecond {
		t.Errorf("session durations = %v, %v", s.MonitorInterval, s.SpeakingHold)
	}
	if cfg.Resilience.MaxFailures != 3 || cfg.Resilience.ResetTimeout != time.Minute {
		t.Errorf("resilience = %+v", cfg.Resilience)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr || cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Transport.Name != config.DefaultTransport || cfg.Device.Name != config.DefaultDevice {
		t.Errorf("transport/device = %q/%q", cfg.Transport.Name, cfg.Device.Name)
	}
	want := config.SessionConfig{
		Quality:          "standard",
		InputSampleRate:  16000,
		OutputSampleRate: 24000,
		FrameSamples:     4096,
		MonitorInterval:  100 * time.Millisecond,
		MonitorWindow:    2048,
		TipHistory:       5,
		SpeakingHold:     300 * time.Millisecond,
	}
	if cfg.Session != want {
		t.Errorf("session = %+v, want %+v", cfg.Session, want)
	}
}

func TestLoadFromReader_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "unknown field",
			yaml: "server:\n  port: 80\n",
			want: []string{"port"},
		},
		{
			name: "bad log level",
			yaml: "server:\n  log_level: loud\n",
			want: []string{"server.log_level"},
		},
		{
			name: "bad quality",
			yaml: "session:\n  quality: lofi\n",
			want: []string{"session.quality"},
		},
		{
			name: "discord incomplete",
			yaml: "device:\n  name: discord\ndiscord:\n  token: abc\n",
			want: []string{"discord.guild_id"},
		},
		{
			name: "commands without guild",
			yaml: "discord:\n  token: abc\n  commands: true\n",
			want: []string{"discord.commands"},
		},
		{
			name: "several problems joined",
			yaml: "server:\n  log_level: loud\nsession:\n  frame_samples: -1\ntransport:\n  fallbacks:\n    - api_key: x\n",
			want: []string{"server.log_level", "session.frame_samples", "transport.fallbacks[0].name"},
		},
		{
			name: "half tls",
			yaml: "server:\n  tls:\n    cert_file: cert.pem\n",
			want: []string{"server.tls"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected an error")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q does not mention %q", err, w)
				}
			}
		})
	}
}

func TestParse_ExpandsEnvironment(t *testing.T) {
	t.Setenv("COACHLIVE_TEST_KEY", "from-env")

	cfg, err := config.Parse([]byte("transport:\n  api_key: ${COACHLIVE_TEST_KEY}\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Transport.APIKey != "from-env" {
		t.Errorf("api_key = %q, want from-env", cfg.Transport.APIKey)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	writeFile(t, envPath, "COACHLIVE_DOTENV_A=one\nCOACHLIVE_DOTENV_B=two\n")
	t.Setenv("COACHLIVE_DOTENV_B", "preset")
	t.Cleanup(func() { os.Unsetenv("COACHLIVE_DOTENV_A") })

	if err := config.LoadDotEnv(envPath, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("COACHLIVE_DOTENV_A"); got != "one" {
		t.Errorf("A = %q, want one", got)
	}
	if got := os.Getenv("COACHLIVE_DOTENV_B"); got != "preset" {
		t.Errorf("B = %q, want the preset value", got)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load() error = %v, want os.ErrNotExist", err)
	}
}

func TestLogLevel(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		level config.LogLevel
		valid bool
		want  string
	}{
		{config.LogDebug, true, "DEBUG"},
		{config.LogInfo, true, "INFO"},
		{config.LogWarn, true, "WARN"},
		{config.LogError, true, "ERROR"},
		{"loud", false, "INFO"},
	} {
		if got := tt.level.IsValid(); got != tt.valid {
			t.Errorf("%q.IsValid() = %v", tt.level, got)
		}
		if got := tt.level.Level().String(); got != tt.want {
			t.Errorf("%q.Level() = %s, want %s", tt.level, got, tt.want)
		}
	}
}
