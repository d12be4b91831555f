package api

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/coachlive/internal/monitor"
	"github.com/MrWong99/coachlive/internal/protocol"
	"github.com/MrWong99/coachlive/internal/session"
)

// Event types published on the feed.
const (
	EventStatus     = "status"
	EventState      = "state"
	EventTranscript = "transcript"
	EventVolume     = "volume"
	EventGrounding  = "grounding"
	EventProtocol   = "protocol"
	EventSpeaking   = "speaking"
	EventClose      = "close"
)

// DefaultSubscriberBuffer is the per-subscriber queue length.
const DefaultSubscriberBuffer = 256

// Event is one JSON message on the session event feed.
type Event struct {
	Type    string    `json:"type"`
	Session string    `json:"session,omitempty"`
	Time    time.Time `json:"time"`
	Data    any       `json:"data,omitempty"`
}

// Hub fans session callbacks out to any number of subscribers. Publishing
// never blocks: a subscriber whose queue is full misses the event.
type Hub struct {
	buffer int
	now    func() time.Time

	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

// NewHub returns a hub with the given per-subscriber buffer. A buffer <= 0
// selects [DefaultSubscriberBuffer].
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{
		buffer: buffer,
		now:    time.Now,
		subs:   make(map[chan Event]struct{}),
	}
}

// Subscribe registers a new subscriber. The returned channel is closed by
// the cancel func or by [Hub.Close].
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish delivers e to every subscriber that has room for it. A zero
// e.Time is set to the current time.
func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = h.now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			slog.Debug("event feed subscriber lagging, dropping event", "type", e.Type)
		}
	}
}

// Close disconnects all subscribers. Later subscriptions get a closed
// channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// Callbacks returns session callbacks publishing to the hub. id reports the
// current session ID and may be nil.
func (h *Hub) Callbacks(id func() string) session.Callbacks {
	publish := func(typ string, data any) {
		e := Event{Type: typ, Data: data}
		if id != nil {
			e.Session = id()
		}
		h.Publish(e)
	}
	return session.Callbacks{
		OnTranscript: func(c session.TranscriptChunk) { publish(EventTranscript, c) },
		OnVolume: func(l monitor.Levels) {
			publish(EventVolume, volumeData{Input: l.Input, Output: l.Output})
		},
		OnGrounding:     func(raw json.RawMessage) { publish(EventGrounding, raw) },
		OnProtocolEvent: func(e protocol.Event) { publish(EventProtocol, protocolData(e)) },
		OnSpeaking:      func(speaking bool) { publish(EventSpeaking, speaking) },
		OnStateChange:   func(s session.State) { publish(EventState, s) },
		OnClose: func(err error) {
			var data any
			if err != nil {
				data = closeData{Error: err.Error()}
			}
			publish(EventClose, data)
		},
	}
}

type volumeData struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

type closeData struct {
	Error string `json:"error"`
}

type protocolPayload struct {
	Kind       string `json:"kind"`
	Value      string `json:"value"`
	Correction string `json:"correction,omitempty"`
	Phonetic   string `json:"phonetic,omitempty"`
}

func protocolData(e protocol.Event) protocolPayload {
	p := protocolPayload{Kind: e.Kind().String()}
	switch ev := e.(type) {
	case protocol.Emotion:
		p.Value = ev.Name
	case protocol.Intent:
		p.Value = ev.Name
	case protocol.BreathPhase:
		p.Value = string(ev.Phase)
	case protocol.PronunciationTip:
		p.Value = ev.Word
		p.Correction = ev.Correction
		p.Phonetic = ev.Phonetic
	default:
		p.Value = e.String()
	}
	return p
}
