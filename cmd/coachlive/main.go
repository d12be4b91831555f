// Command coachlive runs a real-time speech coaching session server: it
// bridges a microphone/speaker device to a live speech endpoint and exposes
// the session over a small HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/coachlive/internal/api"
	"github.com/MrWong99/coachlive/internal/config"
	discordbot "github.com/MrWong99/coachlive/internal/discord"
	"github.com/MrWong99/coachlive/internal/discord/commands"
	"github.com/MrWong99/coachlive/internal/health"
	"github.com/MrWong99/coachlive/internal/mastering"
	"github.com/MrWong99/coachlive/internal/observe"
	"github.com/MrWong99/coachlive/internal/protocol"
	"github.com/MrWong99/coachlive/internal/session"
	"github.com/MrWong99/coachlive/pkg/audio"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the config")
	autoConnect := flag.Bool("connect", false, "start a session with the configured defaults at startup")
	recordDir := flag.String("recordings", "", "directory every finished session's recording is written to")
	flag.Parse()

	// ── Environment and logger ─────────────────────────────────────────────────
	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "coachlive: %v\n", err)
		return 1
	}
	var level slog.LevelVar
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// ── Configuration (hot-reloaded) ───────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(&level, config.Diff(old, new))
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "coachlive: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "coachlive: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()
	level.Set(cfg.Server.LogLevel.Level())

	slog.Info("coachlive starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ──────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(tel.MeterProvider)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Transport and device ───────────────────────────────────────────────────
	b := &builtins{metrics: metrics}
	defer b.close()
	reg := config.NewRegistry()
	b.register(reg)

	transport, err := b.buildTransport(cfg, reg)
	if err != nil {
		slog.Error("failed to build transport", "err", err)
		return 1
	}
	device, err := reg.CreateDevice(cfg)
	if err != nil {
		slog.Error("failed to build device", "device", cfg.Device.Name, "err", err)
		return 1
	}
	printStartupSummary(cfg)

	// ── Session client ─────────────────────────────────────────────────────────
	hub := api.NewHub(0)
	var client *session.Client
	callbacks := hub.Callbacks(func() string { return client.ID() })
	if *recordDir != "" {
		onClose := callbacks.OnClose
		callbacks.OnClose = func(err error) {
			onClose(err)
			if art, ok := client.Recording(); ok {
				go saveRecording(*recordDir, art)
			}
		}
	}
	sess := cfg.Session
	client = session.New(transport, device,
		session.WithCallbacks(callbacks),
		session.WithProviderName(cfg.Transport.Name),
		session.WithMetrics(metrics),
		session.WithTipHistory(protocol.NewTipHistory(sess.TipHistory)),
		session.WithFrameSamples(sess.FrameSamples),
		session.WithMonitor(sess.MonitorInterval, sess.MonitorWindow),
		session.WithSpeakingHold(sess.SpeakingHold),
		session.WithDeviceFormats(
			audio.Format{SampleRate: sess.InputSampleRate, Channels: 1},
			audio.Format{SampleRate: sess.OutputSampleRate, Channels: 1},
		),
	)
	defaults := func() session.Config {
		s := watcher.Current().Session
		return session.Config{Instruction: s.Instruction, Voice: s.Voice, Quality: mastering.Quality(s.Quality)}
	}

	// ── HTTP API ───────────────────────────────────────────────────────────────
	apiServer := api.New(client, hub,
		api.WithDefaults(defaults),
		api.WithHealth(health.New(health.Healthy("transport", transport))),
		api.WithMetricsHandler(tel.Handler()),
		api.WithMetrics(metrics),
	)
	// ── Discord slash commands ─────────────────────────────────────────────────
	var bot *discordbot.Bot
	if cfg.Discord.Commands {
		dg, err := b.discordSession(cfg.Discord)
		if err != nil {
			slog.Error("failed to connect discord for commands", "err", err)
			return 1
		}
		bot = discordbot.NewBot(dg, cfg.Discord.GuildID)
		perms := discordbot.NewPermissionChecker(cfg.Discord.OperatorRoleID)
		commands.NewCoachCommands(client, perms, defaults).Register(bot.Router())
		defer bot.Close()
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	})
	g.Go(func() error { return watcher.Run(gctx) })
	if bot != nil {
		g.Go(func() error { return bot.Run(gctx) })
	}
	if *autoConnect {
		g.Go(func() error {
			if err := client.Connect(gctx, defaults()); err != nil {
				slog.Error("startup connect failed", "err", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := client.Close(sctx); err != nil {
			slog.Warn("session close", "err", err)
		}
		hub.Close()
		return httpServer.Shutdown(sctx)
	})

	slog.Info("server ready, press Ctrl+C to shut down")
	if err := g.Wait(); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// applyReload applies the hot-reloadable parts of a config change.
func applyReload(level *slog.LevelVar, d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		slog.Info("session defaults changed, applying from the next connect")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config change requires a restart to take effect", "sections", d.RestartRequired)
	}
}

// saveRecording writes a finished session's recording into dir.
func saveRecording(dir string, art *mastering.Artifact) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("create recordings dir", "dir", dir, "err", err)
		return
	}
	path := filepath.Join(dir, art.Name)
	if err := os.WriteFile(path, art.Data, 0o644); err != nil {
		slog.Warn("write recording", "path", path, "err", err)
		return
	}
	slog.Info("recording saved", "path", path, "duration", art.Duration)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        coachlive — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Transport", summarize(cfg.Transport.Name, cfg.Transport.Model))
	printRow("Fallbacks", fmt.Sprint(len(cfg.Transport.Fallbacks)))
	printRow("Device", cfg.Device.Name)
	printRow("Voice", summarize(cfg.Session.Voice, ""))
	printRow("Quality", cfg.Session.Quality)
	printRow("Listen addr", cfg.Server.ListenAddr)
	if cfg.Discord.Commands {
		printRow("Discord cmds", "/coach")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func summarize(name, detail string) string {
	switch {
	case name == "":
		return "(default)"
	case detail != "":
		return name + " / " + detail
	default:
		return name
	}
}

func printRow(label, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}
