package discord

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/coachlive/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// speaker decides which SSRC the input captures. Without a user ID it locks
// onto the first SSRC heard; with one it waits for the matching speaking
// update.
type speaker struct {
	userID string

	mu      sync.Mutex
	ssrc    uint32
	known   bool
	ignored map[uint32]bool
}

// bind records the SSRC Discord announced for userID.
func (s *speaker) bind(userID string, ssrc uint32) {
	if s.userID == "" || userID != s.userID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.known && s.ssrc == ssrc {
		return
	}
	s.ssrc, s.known = ssrc, true
	slog.Info("discord: capturing user", "user_id", userID, "ssrc", ssrc)
}

// accept reports whether a packet from ssrc belongs to the captured speaker.
func (s *speaker) accept(ssrc uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.known {
		if s.userID != "" {
			return false
		}
		s.ssrc, s.known = ssrc, true
		slog.Info("discord: capturing speaker", "ssrc", ssrc)
	}
	if ssrc == s.ssrc {
		return true
	}
	if !s.ignored[ssrc] {
		s.ignored[ssrc] = true
		slog.Debug("discord: ignoring additional speaker", "ssrc", ssrc)
	}
	return false
}

// input is the Discord microphone.
type input struct {
	d       *Device
	vc      *discordgo.VoiceConnection
	dec     *opusDecoder
	speaker *speaker

	frames chan audio.AudioFrame
	conv   audio.FormatConverter

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newInput(d *Device, vc *discordgo.VoiceConnection, dec *opusDecoder, format audio.Format, userID string) *input {
	in := &input{
		d:       d,
		vc:      vc,
		dec:     dec,
		speaker: &speaker{userID: userID, ignored: make(map[uint32]bool)},
		frames:  make(chan audio.AudioFrame, inputChannelBuffer),
		conv:    audio.FormatConverter{Target: format},
		done:    make(chan struct{}),
	}
	in.wg.Add(1)
	go in.recvLoop()
	return in
}

// Frames implements [audio.Input].
func (in *input) Frames() <-chan audio.AudioFrame {
	return in.frames
}

// Close implements [audio.Input]. It is safe to call more than once.
func (in *input) Close() error {
	in.closeOnce.Do(func() {
		close(in.done)
		in.wg.Wait()
		in.d.release()
	})
	return nil
}

// recvLoop reads Opus packets of the captured speaker, decodes them to PCM,
// and delivers converted frames. The frame channel is closed when the loop
// ends.
func (in *input) recvLoop() {
	defer in.wg.Done()
	defer close(in.frames)

	for {
		select {
		case <-in.done:
			return
		case pkt, ok := <-in.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil || !in.speaker.accept(pkt.SSRC) {
				continue
			}

			pcm, err := in.dec.decode(pkt.Opus)
			if err != nil {
				slog.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "error", err)
				continue
			}

			frame := in.conv.Convert(audio.AudioFrame{
				Data:       pcm,
				SampleRate: opusSampleRate,
				Channels:   opusChannels,
				Timestamp:  time.Duration(pkt.Timestamp) * time.Second / time.Duration(opusSampleRate),
			})

			select {
			case in.frames <- frame:
			default:
				// Channel full: drop rather than block the voice receiver.
			}
		}
	}
}
