// Package live defines the transport contract for real-time duplex speech
// sessions.
//
// A live provider wraps a conversational endpoint that accepts streaming
// microphone audio and answers with synthesized speech, transcriptions of both
// sides, and optional grounding metadata, all over a single stateful session.
// The endpoint performs recognition, reasoning and synthesis remotely; the
// client only moves audio and text.
//
// The central abstraction is [SessionHandle]: audio goes out through
// [SessionHandle.SendAudio] and everything the endpoint produces arrives, in
// order, on [SessionHandle.Messages].
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/MrWong99/coachlive/pkg/audio"
)

// Wire formats of the session audio.
const (
	// InputSampleRate is the sample rate of microphone audio sent to the endpoint.
	InputSampleRate = 16000

	// OutputSampleRate is the sample rate of synthesized speech.
	OutputSampleRate = 24000
)

// ErrSessionClosed is returned by [SessionHandle.SendAudio] after the session
// has been closed locally or by the endpoint.
var ErrSessionClosed = errors.New("live: session closed")

// SessionConfig is the configuration sent to the endpoint when a session opens.
type SessionConfig struct {
	// Instructions is the system instruction for the model.
	Instructions string

	// Voice names the prebuilt output voice. Empty selects the endpoint default.
	Voice string

	// Transcription enables transcription of both the user's and the model's
	// speech.
	Transcription bool
}

// Transcription is an incremental piece of recognized speech.
type Transcription struct {
	// Text is the new text since the previous transcription of the same side.
	Text string

	// TurnComplete reports that the speaker's turn ended with this piece.
	TurnComplete bool
}

// Message is one unit of server output. Several fields may be set at once;
// consumers should handle them in field order: audio first, then
// transcriptions, grounding, and finally the turn flags.
type Message struct {
	// AudioData is base64-encoded little-endian int16 mono PCM at
	// [OutputSampleRate].
	AudioData string

	// Text is plain model text sent outside of the output transcription.
	Text string

	// InputTranscription is recognized user speech.
	InputTranscription *Transcription

	// OutputTranscription is the text of the model's spoken output.
	OutputTranscription *Transcription

	// GroundingMetadata is the raw grounding object attached to the response.
	GroundingMetadata json.RawMessage

	// Interrupted reports that the endpoint detected barge-in and stopped
	// generating; audio already delivered should be silenced.
	Interrupted bool

	// TurnComplete reports that the model finished its turn.
	TurnComplete bool
}

// Empty reports whether the message carries nothing.
func (m Message) Empty() bool {
	return m.AudioData == "" && m.Text == "" &&
		m.InputTranscription == nil && m.OutputTranscription == nil &&
		len(m.GroundingMetadata) == 0 && !m.Interrupted && !m.TurnComplete
}

// SessionHandle represents an open live session. Callers must call Close when
// the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one captured frame. The frame must be mono PCM at
	// [InputSampleRate]. Ownership of frame.Data passes to the session.
	SendAudio(frame audio.AudioFrame) error

	// Messages returns the channel of server output in arrival order. The
	// channel is closed when the session ends; check Err afterwards.
	Messages() <-chan Message

	// Err returns the error that ended the session, or nil if it ended cleanly
	// (local Close or a normal remote close).
	Err() error

	// Close terminates the session. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider opens live sessions against one endpoint.
type Provider interface {
	// Connect opens a session and completes the endpoint handshake before
	// returning. The caller owns the returned handle.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
