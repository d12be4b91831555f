// Package playback schedules decoded model speech gaplessly on an
// [audio.Output].
//
// Each buffer starts exactly where the previous one ends, or at the current
// output clock position if playback has drained. Scheduled buffers stay in the
// active set until they finish; [Scheduler.Interrupt] stops all of them at
// once.
package playback

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/coachlive/pkg/audio"
)

// Buffer is one scheduled chunk of speech.
type Buffer struct {
	ID    uint64
	Start time.Duration
	End   time.Duration
	Frame audio.AudioFrame
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithOnEnded registers fn to be called when a buffer plays to its end.
// It is not called for buffers removed by [Scheduler.Interrupt]. fn runs on
// the output's render goroutine and must not block.
func WithOnEnded(fn func(Buffer)) Option {
	return func(s *Scheduler) { s.onEnded = fn }
}

// Scheduler places buffers back to back on an output clock. It is safe for
// concurrent use.
type Scheduler struct {
	out     audio.Output
	onEnded func(Buffer)

	mu     sync.Mutex
	next   time.Duration
	seq    uint64
	active map[uint64]*entry
}

type entry struct {
	buf   Buffer
	voice audio.Voice
}

// New creates a Scheduler on out.
func New(out audio.Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:    out,
		active: make(map[uint64]*entry),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule queues frame to start at max(next, now) and advances next to
// where the output says the frame ends.
func (s *Scheduler) Schedule(frame audio.AudioFrame) (Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	id := s.seq
	voice, err := s.out.Schedule(frame, max(s.next, s.out.Now()), func() { s.ended(id) })
	if err != nil {
		return Buffer{}, fmt.Errorf("playback: schedule: %w", err)
	}
	b := Buffer{
		ID:    id,
		Start: voice.Start(),
		End:   voice.End(),
		Frame: frame,
	}
	s.active[id] = &entry{buf: b, voice: voice}
	s.next = b.End
	return b, nil
}

func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	e, ok := s.active[id]
	if ok {
		delete(s.active, id)
	}
	fn := s.onEnded
	s.mu.Unlock()

	if ok && fn != nil {
		fn(e.buf)
	}
}

// Interrupt stops every active buffer, empties the active set and resets the
// next start to the current clock position. It returns the number of buffers
// stopped.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.active)
	for id, e := range s.active {
		e.voice.Stop()
		delete(s.active, id)
	}
	s.next = s.out.Now()
	return n
}

// Active returns the active buffers ordered by start time.
func (s *Scheduler) Active() []Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Buffer, 0, len(s.active))
	for _, e := range s.active {
		out = append(out, e.buf)
	}
	slices.SortFunc(out, func(a, b Buffer) int { return cmp.Compare(a.Start, b.Start) })
	return out
}

// Len returns the number of active buffers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Next returns the start position of the next scheduled buffer.
func (s *Scheduler) Next() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Remaining returns how much scheduled audio has not played yet.
func (s *Scheduler) Remaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return max(s.next-s.out.Now(), 0)
}
