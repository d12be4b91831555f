// Package config provides the configuration schema, loader, hot-reload
// watcher and provider registry for the coachlive server.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the coachlive server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for coachlive.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Transport  TransportConfig  `yaml:"transport"`
	Device     DeviceConfig     `yaml:"device"`
	Session    SessionConfig    `yaml:"session"`
	Discord    DiscordConfig    `yaml:"discord"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the control API (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProviderEntry selects one live transport endpoint. Name is used to look
// up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini").
	Name string `yaml:"name"`

	// APIKey is the endpoint credential. Usually given as ${GEMINI_API_KEY}.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the model served by the endpoint.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// TransportConfig configures the live transport and its failover chain.
type TransportConfig struct {
	ProviderEntry `yaml:",inline"`

	// HandshakeTimeout bounds the setup exchange. Zero keeps the provider
	// default.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// Fallbacks are tried in order when the primary refuses the handshake or
	// its circuit breaker is open.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// DeviceConfig selects the microphone/speaker backend.
type DeviceConfig struct {
	// Name selects the registered device implementation ("discord", "file").
	Name string `yaml:"name"`

	// Options holds device-specific values, e.g. input_path for "file".
	Options map[string]any `yaml:"options"`
}

// SessionConfig holds the defaults applied to every new session. Reloaded
// Voice, Quality and Instruction apply from the next connect on; the other
// fields need a restart.
type SessionConfig struct {
	// Voice is the prebuilt output voice.
	Voice string `yaml:"voice"`

	// Quality is the mastering tier: "standard" or "studio".
	Quality string `yaml:"quality"`

	// Instruction is the default system instruction.
	Instruction string `yaml:"instruction"`

	// InputSampleRate is the rate requested from the capture device.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate is the rate requested from the playback device.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// FrameSamples is the number of samples per frame sent to the endpoint.
	FrameSamples int `yaml:"frame_samples"`

	// MonitorInterval is the volume reporting cadence.
	MonitorInterval time.Duration `yaml:"monitor_interval"`

	// MonitorWindow is the number of most recent samples the RMS covers.
	MonitorWindow int `yaml:"monitor_window"`

	// TipHistory is how many pronunciation tips are retained.
	TipHistory int `yaml:"tip_history"`

	// SpeakingHold is how long the model still counts as speaking after its
	// scheduled audio has played.
	SpeakingHold time.Duration `yaml:"speaking_hold"`
}

// DiscordConfig holds the voice channel used by the "discord" device and the
// /coach slash commands.
type DiscordConfig struct {
	Token     string `yaml:"token"`
	GuildID   string `yaml:"guild_id"`
	ChannelID string `yaml:"channel_id"`

	// UserID restricts capture to one member. Empty captures the first
	// speaker heard.
	UserID string `yaml:"user_id"`

	// Commands registers the /coach slash commands in GuildID.
	Commands bool `yaml:"commands"`

	// OperatorRoleID is the role allowed to start and stop sessions from
	// Discord. Empty allows every guild member.
	OperatorRoleID string `yaml:"operator_role_id"`
}

// ResilienceConfig tunes the circuit breaker guarding each transport
// endpoint.
type ResilienceConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// Defaults for unset fields.
const (
	DefaultListenAddr       = ":8080"
	DefaultShutdownTimeout  = 10 * time.Second
	DefaultTransport        = "gemini"
	DefaultDevice           = "file"
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultFrameSamples     = 4096
	DefaultMonitorInterval  = 100 * time.Millisecond
	DefaultMonitorWindow    = 2048
	DefaultTipHistory       = 5
	DefaultSpeakingHold     = 300 * time.Millisecond
)

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Transport.Name == "" {
		cfg.Transport.Name = DefaultTransport
	}
	if cfg.Device.Name == "" {
		cfg.Device.Name = DefaultDevice
	}

	sess := &cfg.Session
	if sess.Quality == "" {
		sess.Quality = "standard"
	}
	if sess.InputSampleRate == 0 {
		sess.InputSampleRate = DefaultInputSampleRate
	}
	if sess.OutputSampleRate == 0 {
		sess.OutputSampleRate = DefaultOutputSampleRate
	}
	if sess.FrameSamples == 0 {
		sess.FrameSamples = DefaultFrameSamples
	}
	if sess.MonitorInterval == 0 {
		sess.MonitorInterval = DefaultMonitorInterval
	}
	if sess.MonitorWindow == 0 {
		sess.MonitorWindow = DefaultMonitorWindow
	}
	if sess.TipHistory == 0 {
		sess.TipHistory = DefaultTipHistory
	}
	if sess.SpeakingHold == 0 {
		sess.SpeakingHold = DefaultSpeakingHold
	}
}
