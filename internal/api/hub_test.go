package api

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/coachlive/internal/monitor"
	"github.com/MrWong99/coachlive/internal/protocol"
	"github.com/MrWong99/coachlive/internal/session"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("subscriber channel closed")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	return Event{}
}

func TestHub_FanOut(t *testing.T) {
	t.Parallel()

	h := NewHub(4)
	a, cancelA := h.Subscribe()
	b, cancelB := h.Subscribe()
	defer cancelB()

	h.Publish(Event{Type: EventSpeaking, Data: true})
	for _, ch := range []<-chan Event{a, b} {
		e := receive(t, ch)
		if e.Type != EventSpeaking || e.Time.IsZero() {
			t.Errorf("event = %+v", e)
		}
	}

	cancelA()
	cancelA()
	if _, ok := <-a; ok {
		t.Error("cancelled subscriber still open")
	}
	if n := h.Subscribers(); n != 1 {
		t.Errorf("Subscribers() = %d, want 1", n)
	}
}

func TestHub_DropsForSlowSubscriber(t *testing.T) {
	t.Parallel()

	h := NewHub(2)
	ch, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 10 {
			h.Publish(Event{Type: EventVolume})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if len(ch) != 2 {
		t.Errorf("queued = %d, want 2", len(ch))
	}
}

func TestHub_Close(t *testing.T) {
	t.Parallel()

	h := NewHub(1)
	ch, cancel := h.Subscribe()
	h.Close()
	if _, ok := <-ch; ok {
		t.Error("subscriber open after Close")
	}
	cancel()
	h.Close()

	late, _ := h.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscription after Close is open")
	}
	h.Publish(Event{Type: EventState})
}

func TestHub_Callbacks(t *testing.T) {
	t.Parallel()

	h := NewHub(16)
	ch, cancel := h.Subscribe()
	defer cancel()
	cb := h.Callbacks(func() string { return "sess-1" })

	cb.OnStateChange(session.StateConnected)
	cb.OnTranscript(session.TranscriptChunk{Role: session.RoleModel, TextDelta: "hi"})
	cb.OnVolume(monitor.Levels{Input: 0.5, Output: 0.25})
	cb.OnGrounding(json.RawMessage(`{"q":1}`))
	cb.OnProtocolEvent(protocol.PronunciationTip{Word: "thorough", Correction: "THUR-oh", Phonetic: "0R"})
	cb.OnSpeaking(true)
	cb.OnClose(errors.New("remote went away"))
	cb.OnClose(nil)

	want := []string{
		`{"type":"state","session":"sess-1","data":"connected"}`,
		`{"type":"transcript","session":"sess-1","data":{"role":"model","text_delta":"hi","is_final":false}}`,
		`{"type":"volume","session":"sess-1","data":{"input":0.5,"output":0.25}}`,
		`{"type":"grounding","session":"sess-1","data":{"q":1}}`,
		`{"type":"protocol","session":"sess-1","data":{"kind":"tip","value":"thorough","correction":"THUR-oh","phonetic":"0R"}}`,
		`{"type":"speaking","session":"sess-1","data":true}`,
		`{"type":"close","session":"sess-1","data":{"error":"remote went away"}}`,
		`{"type":"close","session":"sess-1"}`,
	}
	for i, w := range want {
		e := receive(t, ch)
		got, err := json.Marshal(struct {
			Type    string `json:"type"`
			Session string `json:"session"`
			Data    any    `json:"data,omitempty"`
		}{e.Type, e.Session, e.Data})
		if err != nil {
			t.Fatalf("marshal event %d: %v", i, err)
		}
		if string(got) != w {
			t.Errorf("event %d = %s\nwant %s", i, got, w)
		}
	}
}

func TestProtocolData(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   protocol.Event
		want protocolPayload
	}{
		{protocol.Emotion{Name: "calm"}, protocolPayload{Kind: "emotion", Value: "calm"}},
		{protocol.Intent{Name: "encourage"}, protocolPayload{Kind: "intent", Value: "encourage"}},
		{protocol.BreathPhase{Phase: protocol.PhaseHold}, protocolPayload{Kind: "breath", Value: "HOLD"}},
	}
	for _, tt := range tests {
		if got := protocolData(tt.in); got != tt.want {
			t.Errorf("protocolData(%v) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}
