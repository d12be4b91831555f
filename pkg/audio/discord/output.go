package discord

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/coachlive/pkg/audio"
	"github.com/MrWong99/coachlive/pkg/audio/render"
	"github.com/bwmarrin/discordgo"
)

// output is the Discord speaker: a [render.Renderer] whose 20 ms blocks are
// Opus-encoded and sent on the voice connection.
type output struct {
	*render.Renderer

	d   *Device
	vc  *discordgo.VoiceConnection
	enc *opusEncoder

	closeOnce sync.Once
}

func newOutput(d *Device, vc *discordgo.VoiceConnection, enc *opusEncoder) *output {
	o := &output{d: d, vc: vc, enc: enc}
	opts := append([]render.Option{
		render.WithQuantum(opusFrameSizeMs * time.Millisecond), // one Opus frame per block
		render.WithSink(o.send),
	}, d.renderOpts...)
	d.setSpeaking(vc, true)
	o.Renderer = render.New(audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}, opts...)
	return o
}

// send encodes one rendered block and hands it to discordgo without blocking
// the render clock.
func (o *output) send(frame audio.AudioFrame) {
	if len(frame.Data) != opusFrameBytes {
		slog.Debug("discord: skipping block of unexpected size", "bytes", len(frame.Data))
		return
	}
	packet, err := o.enc.encode(frame.Data)
	if err != nil {
		slog.Warn("discord: opus encode error", "error", err)
		return
	}
	select {
	case o.vc.OpusSend <- packet:
	default:
		slog.Debug("discord: opus send buffer full, dropping block")
	}
}

// Close stops rendering and releases the voice connection. It is safe to call
// more than once.
func (o *output) Close() error {
	o.closeOnce.Do(func() {
		o.Renderer.Close()
		o.d.setSpeaking(o.vc, false)
		o.d.release()
	})
	return nil
}
