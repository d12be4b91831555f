// Package discord provides an [audio.Device] backed by a Discord voice
// channel via the bwmarrin/discordgo library. The coaching user talks in the
// channel; their Opus stream becomes the session microphone, and rendered
// model speech is encoded back to Opus and spoken into the same channel.
//
// The device requires an active *discordgo.Session (owned by the caller) plus
// the guild and voice channel to join. The voice connection is joined lazily
// when the first input or output is opened and left when both are closed.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/coachlive/pkg/audio"
	"github.com/MrWong99/coachlive/pkg/audio/render"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Device = (*Device)(nil)

// inputChannelBuffer is the capacity of the captured frame channel.
const inputChannelBuffer = 64

// Option configures a [Device].
type Option func(*Device)

// WithRenderOptions passes options to the renderer behind every output the
// device opens.
func WithRenderOptions(opts ...render.Option) Option {
	return func(d *Device) {
		d.renderOpts = append(d.renderOpts, opts...)
	}
}

// WithUser restricts capture to the member with the given user ID. Without
// it the input captures the first speaker heard.
func WithUser(userID string) Option {
	return func(d *Device) { d.userID = userID }
}

// Device implements [audio.Device] using a discordgo voice connection.
//
// Device is safe for concurrent use.
type Device struct {
	session   *discordgo.Session
	guildID   string
	channelID string
	userID    string

	renderOpts []render.Option

	// join, leave, speaking and watch wrap the discordgo calls; overridden
	// in tests.
	join     func(guildID, channelID string) (*discordgo.VoiceConnection, error)
	leave    func(vc *discordgo.VoiceConnection) error
	speaking func(vc *discordgo.VoiceConnection, on bool) error
	watch    func(vc *discordgo.VoiceConnection, h discordgo.VoiceSpeakingUpdateHandler)

	mu   sync.Mutex
	vc   *discordgo.VoiceConnection
	refs int
}

// New creates a Device that joins channelID in guildID on first use.
func New(session *discordgo.Session, guildID, channelID string, opts ...Option) *Device {
	d := &Device{
		session:   session,
		guildID:   guildID,
		channelID: channelID,
		join: func(guildID, channelID string) (*discordgo.VoiceConnection, error) {
			// mute=false (we speak), deaf=false (we listen).
			return session.ChannelVoiceJoin(guildID, channelID, false, false)
		},
		leave:    func(vc *discordgo.VoiceConnection) error { return vc.Disconnect() },
		speaking: func(vc *discordgo.VoiceConnection, on bool) error { return vc.Speaking(on) },
		watch: func(vc *discordgo.VoiceConnection, h discordgo.VoiceSpeakingUpdateHandler) {
			vc.AddHandler(h)
		},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// OpenInput implements [audio.Device]. Captured Opus is decoded and converted
// to format before delivery. With [WithUser] the input stays silent until
// Discord reports which SSRC belongs to that user.
func (d *Device) OpenInput(ctx context.Context, format audio.Format) (audio.Input, error) {
	vc, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	dec, err := newOpusDecoder()
	if err != nil {
		d.release()
		return nil, err
	}
	in := newInput(d, vc, dec, format, d.userID)
	if d.userID != "" {
		d.watch(vc, func(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
			in.speaker.bind(vs.UserID, uint32(vs.SSRC))
		})
	}
	return in, nil
}

// OpenOutput implements [audio.Device]. The returned output always renders
// 48 kHz stereo; scheduled frames in format are converted on schedule.
func (d *Device) OpenOutput(ctx context.Context, format audio.Format) (audio.Output, error) {
	vc, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	enc, err := newOpusEncoder()
	if err != nil {
		d.release()
		return nil, err
	}
	slog.Debug("discord: opening output",
		"requested", format.String(),
		"rendered", audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}.String(),
	)
	return newOutput(d, vc, enc), nil
}

// acquire joins the voice channel if needed and takes a reference on it.
func (d *Device) acquire(ctx context.Context) (*discordgo.VoiceConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.vc == nil {
		vc, err := d.join(d.guildID, d.channelID)
		if err != nil {
			return nil, fmt.Errorf("discord: join voice channel %q: %w", d.channelID, err)
		}
		d.vc = vc
	}
	d.refs++
	return d.vc, nil
}

// release drops a reference and leaves the channel when none remain.
func (d *Device) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refs == 0 {
		return
	}
	d.refs--
	if d.refs > 0 || d.vc == nil {
		return
	}
	if err := d.leave(d.vc); err != nil {
		slog.Warn("discord: leave voice channel", "channel_id", d.channelID, "error", err)
	}
	d.vc = nil
}

// setSpeaking sends a speaking notification to Discord, logging any errors.
func (d *Device) setSpeaking(vc *discordgo.VoiceConnection, on bool) {
	if err := d.speaking(vc, on); err != nil {
		slog.Warn("discord: speaking notification error", "speaking", on, "error", err)
	}
}
