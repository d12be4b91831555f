package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/coachlive/internal/mastering"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"transport": {"gemini", "openai"},
	"device":    {"discord", "file"},
}

// LoadDotEnv loads KEY=value pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are skipped. With no arguments ".env" is tried.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		err := godotenv.Load(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("config: load %q: %w", p, err)
		}
		slog.Debug("loaded environment file", "path", p)
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r. See [Parse].
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references in data, decodes it strictly, applies
// defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %v must not be negative", cfg.Server.ShutdownTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Transport
	if cfg.Transport.Name == "" {
		errs = append(errs, errors.New("transport.name is required"))
	}
	validateProviderName("transport", cfg.Transport.Name)
	if cfg.Transport.APIKey == "" {
		slog.Warn("transport.api_key is empty; the endpoint will reject the handshake", "transport", cfg.Transport.Name)
	}
	for i, fb := range cfg.Transport.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("transport.fallbacks[%d].name is required", i))
		}
		validateProviderName("transport", fb.Name)
	}

	// Device
	validateProviderName("device", cfg.Device.Name)
	if cfg.Device.Name == "discord" {
		d := cfg.Discord
		if d.Token == "" || d.GuildID == "" || d.ChannelID == "" {
			errs = append(errs, errors.New("device discord requires discord.token, discord.guild_id and discord.channel_id"))
		}
	}
	if d := cfg.Discord; d.Commands && (d.Token == "" || d.GuildID == "") {
		errs = append(errs, errors.New("discord.commands requires discord.token and discord.guild_id"))
	}

	// Session
	s := cfg.Session
	if _, err := mastering.ParseQuality(s.Quality); err != nil {
		errs = append(errs, fmt.Errorf("session.quality: %w", err))
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"session.input_sample_rate", s.InputSampleRate},
		{"session.output_sample_rate", s.OutputSampleRate},
		{"session.frame_samples", s.FrameSamples},
		{"session.monitor_window", s.MonitorWindow},
		{"session.tip_history", s.TipHistory},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("%s %d must not be negative", f.name, f.v))
		}
	}
	if s.MonitorInterval < 0 || s.SpeakingHold < 0 {
		errs = append(errs, errors.New("session.monitor_interval and session.speaking_hold must not be negative"))
	}

	// Resilience
	r := cfg.Resilience
	if r.MaxFailures < 0 || r.HalfOpenMax < 0 || r.ResetTimeout < 0 {
		errs = append(errs, errors.New("resilience values must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
