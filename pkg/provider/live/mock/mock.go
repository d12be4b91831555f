// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to push server messages and inspect the audio that was sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Push(live.Message{TurnComplete: true})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/coachlive/pkg/audio"
	"github.com/MrWong99/coachlive/pkg/provider/live"
)

// Compile-time interface assertions.
var (
	_ live.Provider      = (*Provider)(nil)
	_ live.SessionHandle = (*Session)(nil)
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a new Session.
	Session live.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectFunc, if set, replaces the default behaviour entirely.
	ConnectFunc func(ctx context.Context, cfg live.SessionConfig) (live.SessionHandle, error)

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	fn, sess, err := p.ConnectFunc, p.Session, p.ConnectErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, cfg)
	}
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}
	return NewSession(), nil
}

// Calls returns a copy of the recorded Connect calls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// Session is a mock implementation of live.SessionHandle.
type Session struct {
	mu       sync.Mutex
	messages chan live.Message
	sent     []audio.AudioFrame
	closed   bool
	ended    bool
	err      error

	// SendErr, if non-nil, is returned by SendAudio.
	SendErr error

	// CloseErr is returned by Close.
	CloseErr error

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession creates a Session with a buffered message channel.
func NewSession() *Session {
	return &Session{messages: make(chan live.Message, 256)}
}

// SendAudio records frame unless the session is closed or SendErr is set.
func (s *Session) SendAudio(frame audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ended {
		return live.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.sent = append(s.sent, frame)
	return nil
}

// Messages implements live.SessionHandle.
func (s *Session) Messages() <-chan live.Message { return s.messages }

// Err returns the error passed to End, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close records the call and ends the message stream without an error.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	s.closed = true
	err := s.CloseErr
	s.mu.Unlock()
	s.End(nil)
	return err
}

// Push delivers msg as if it came from the endpoint. It reports false when
// the stream has already ended.
func (s *Session) Push(msg live.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.messages <- msg
	return true
}

// End closes the message stream as the endpoint would. A non-nil err is
// reported by Err. Only the first call has an effect.
func (s *Session) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.messages)
}

// Sent returns a copy of the frames accepted by SendAudio.
func (s *Session) Sent() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.AudioFrame, len(s.sent))
	copy(out, s.sent)
	return out
}

// Closes returns how many times Close was called.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}
