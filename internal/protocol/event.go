// Package protocol decodes the side-channel markers the coaching model embeds
// in its spoken transcript.
//
// Two marker families exist:
//
//   - Bracket markers, repeatable within a turn: [[E:name]] (emotion),
//     [[I:name]] (intent) and [[B:IN|HOLD|OUT|END]] (breathing phase). The
//     long forms EMOTION, INTENT and BREATH are accepted as keys too.
//   - Tip sentences: "Tip: <word> — <correction>." The separator may be an em
//     dash, an en dash or a spaced hyphen, and the word may be quoted. The
//     sentence ends at '.', '!', '?' or a newline.
//
// A [Parser] consumes the model text incrementally, returns the text with all
// recognized markers removed, and reports one [Event] per marker.
package protocol

import "fmt"

// Kind identifies the variant of an [Event].
type Kind int

const (
	KindEmotion Kind = iota + 1
	KindIntent
	KindBreath
	KindTip
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindEmotion:
		return "emotion"
	case KindIntent:
		return "intent"
	case KindBreath:
		return "breath"
	case KindTip:
		return "tip"
	default:
		return "unknown"
	}
}

// Event is a structured marker decoded from model text. The concrete types
// are [Emotion], [Intent], [BreathPhase] and [PronunciationTip].
type Event interface {
	Kind() Kind
	fmt.Stringer
}

// Emotion is the affect the model is expressing.
type Emotion struct {
	Name string
}

func (Emotion) Kind() Kind { return KindEmotion }
func (e Emotion) String() string { return "emotion:" + e.Name }

// Intent is the conversational intent of the model's current utterance.
type Intent struct {
	Name string
}

func (Intent) Kind() Kind { return KindIntent }
func (i Intent) String() string { return "intent:" + i.Name }

// Phase is a step of a guided breathing exercise.
type Phase string

const (
	PhaseIn   Phase = "IN"
	PhaseHold Phase = "HOLD"
	PhaseOut  Phase = "OUT"
	PhaseEnd  Phase = "END"
)

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseIn, PhaseHold, PhaseOut, PhaseEnd:
		return true
	}
	return false
}

// BreathPhase marks the start of a breathing phase.
type BreathPhase struct {
	Phase Phase
}

func (BreathPhase) Kind() Kind { return KindBreath }
func (b BreathPhase) String() string { return "breath:" + string(b.Phase) }

// PronunciationTip is a correction for one word the user mispronounced.
type PronunciationTip struct {
	// Word is the word as the model wrote it, without quotes.
	Word string

	// Correction is the model's guidance on how to say the word.
	Correction string

	// Phonetic is the primary Double Metaphone key of Word.
	Phonetic string
}

func (PronunciationTip) Kind() Kind { return KindTip }
func (t PronunciationTip) String() string { return "tip:" + t.Word }
