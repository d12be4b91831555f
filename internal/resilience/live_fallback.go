package resilience

import (
	"context"

	"github.com/MrWong99/coachlive/pkg/provider/live"
)

// Compile-time interface assertion.
var _ live.Provider = (*LiveFallback)(nil)

// LiveFallback is a [live.Provider] that dials the first healthy endpoint of
// a [FallbackGroup]. Only the handshake is guarded: once a session is open
// its failures belong to the caller.
type LiveFallback struct {
	group *FallbackGroup[live.Provider]
}

// NewLiveFallback creates a LiveFallback with primary as the first endpoint.
func NewLiveFallback(primary live.Provider, primaryName string, cfg FallbackConfig) *LiveFallback {
	return &LiveFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers a further endpoint.
func (f *LiveFallback) AddFallback(name string, p live.Provider) {
	f.group.AddFallback(name, p)
}

// Connect tries each endpoint in order and returns the first session whose
// handshake completes.
func (f *LiveFallback) Connect(ctx context.Context, cfg live.SessionConfig) (live.SessionHandle, error) {
	return ExecuteWithResult(ctx, f.group, func(p live.Provider) (live.SessionHandle, error) {
		return p.Connect(ctx, cfg)
	})
}

// Status reports the breaker state of every endpoint.
func (f *LiveFallback) Status() []EntryStatus { return f.group.Status() }

// Healthy reports whether any endpoint currently accepts handshakes.
func (f *LiveFallback) Healthy() bool { return f.group.Healthy() }
