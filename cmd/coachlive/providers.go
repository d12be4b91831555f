package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/coachlive/internal/config"
	"github.com/MrWong99/coachlive/internal/observe"
	"github.com/MrWong99/coachlive/internal/resilience"
	"github.com/MrWong99/coachlive/pkg/audio"
	"github.com/MrWong99/coachlive/pkg/audio/discord"
	"github.com/MrWong99/coachlive/pkg/audio/file"
	"github.com/MrWong99/coachlive/pkg/provider/live"
	"github.com/MrWong99/coachlive/pkg/provider/live/gemini"
	"github.com/MrWong99/coachlive/pkg/provider/live/openai"
)

// builtins wires the implementations shipped with coachlive into a
// [config.Registry] and owns the resources their factories open.
type builtins struct {
	metrics *observe.Metrics
	closers []func() error

	// dg is the shared Discord gateway connection, opened on first use.
	dg *discordgo.Session
}

// register adds every built-in transport and device factory to reg.
func (b *builtins) register(reg *config.Registry) {
	reg.RegisterTransport("gemini", func(entry config.ProviderEntry, tc config.TransportConfig) (live.Provider, error) {
		opts := []gemini.Option{
			gemini.WithModel(entry.Model),
			gemini.WithBaseURL(entry.BaseURL),
			gemini.WithHandshakeTimeout(tc.HandshakeTimeout),
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterTransport("openai", func(entry config.ProviderEntry, tc config.TransportConfig) (live.Provider, error) {
		opts := []openai.Option{
			openai.WithModel(entry.Model),
			openai.WithBaseURL(entry.BaseURL),
			openai.WithHandshakeTimeout(tc.HandshakeTimeout),
		}
		return openai.New(entry.APIKey, opts...), nil
	})

	reg.RegisterDevice("file", func(cfg *config.Config) (audio.Device, error) {
		opts := cfg.Device.Options
		in := config.Option(opts, "input_path", "")
		if in == "" {
			return nil, errors.New("device file requires options.input_path")
		}
		devOpts := []file.Option{
			file.WithOutputPath(config.Option(opts, "output_path", "")),
			file.WithLoop(config.BoolOption(opts, "loop", false)),
		}
		if chunk := config.Option(opts, "chunk", ""); chunk != "" {
			d, err := time.ParseDuration(chunk)
			if err != nil {
				return nil, fmt.Errorf("device file options.chunk: %w", err)
			}
			devOpts = append(devOpts, file.WithChunk(d))
		}
		return file.New(in, devOpts...), nil
	})

	reg.RegisterDevice("discord", func(cfg *config.Config) (audio.Device, error) {
		dc := cfg.Discord
		dg, err := b.discordSession(dc)
		if err != nil {
			return nil, err
		}

		var opts []discord.Option
		if dc.UserID != "" {
			opts = append(opts, discord.WithUser(dc.UserID))
		}
		return discord.New(dg, dc.GuildID, dc.ChannelID, opts...), nil
	})

	for _, name := range reg.Transports() {
		slog.Debug("registered transport", "name", name)
	}
}

// discordSession returns the gateway connection shared by the discord device
// and the slash commands, opening it on the first call.
func (b *builtins) discordSession(dc config.DiscordConfig) (*discordgo.Session, error) {
	if b.dg != nil {
		return b.dg, nil
	}
	dg, err := discordgo.New("Bot " + dc.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	if err := dg.Open(); err != nil {
		return nil, fmt.Errorf("discord: open gateway: %w", err)
	}
	b.closers = append(b.closers, dg.Close)
	b.dg = dg
	slog.Info("discord gateway connected", "guild_id", dc.GuildID)
	return dg, nil
}

// buildTransport creates the configured endpoint and its fallbacks, each
// behind its own circuit breaker.
func (b *builtins) buildTransport(cfg *config.Config, reg *config.Registry) (*resilience.LiveFallback, error) {
	tc := cfg.Transport
	rc := cfg.Resilience
	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  rc.MaxFailures,
			ResetTimeout: rc.ResetTimeout,
			HalfOpenMax:  rc.HalfOpenMax,
			OnStateChange: func(name string, from, to resilience.State) {
				b.metrics.RecordBreakerTransition(context.Background(), name, to.String())
				slog.Warn("transport circuit breaker changed state", "endpoint", name, "from", from, "to", to)
			},
		},
	}

	primary, err := reg.CreateTransport(tc.ProviderEntry, tc)
	if err != nil {
		return nil, fmt.Errorf("create transport %q: %w", tc.Name, err)
	}
	group := resilience.NewLiveFallback(primary, tc.Name, fbCfg)
	slog.Info("transport created", "name", tc.Name, "model", tc.Model)

	for i, entry := range tc.Fallbacks {
		p, err := reg.CreateTransport(entry, tc)
		if err != nil {
			return nil, fmt.Errorf("create fallback transport %d (%q): %w", i, entry.Name, err)
		}
		name := fmt.Sprintf("%s-fallback-%d", entry.Name, i+1)
		group.AddFallback(name, p)
		slog.Info("fallback transport created", "name", name, "model", entry.Model)
	}
	return group, nil
}

// close releases everything the factories opened.
func (b *builtins) close() {
	for _, c := range b.closers {
		if err := c(); err != nil {
			slog.Warn("close resource", "err", err)
		}
	}
}
