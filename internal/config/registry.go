package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/coachlive/pkg/audio"
	"github.com/MrWong99/coachlive/pkg/provider/live"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// TransportFactory builds a live provider for one endpoint entry.
type TransportFactory func(entry ProviderEntry, cfg TransportConfig) (live.Provider, error)

// DeviceFactory builds an audio device. It receives the whole config because
// some devices read sections besides device (e.g. discord).
type DeviceFactory func(cfg *Config) (audio.Device, error)

// Registry maps provider names to their constructor functions. It is safe
// for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	transport map[string]TransportFactory
	device    map[string]DeviceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transport: make(map[string]TransportFactory),
		device:    make(map[string]DeviceFactory),
	}
}

// RegisterTransport registers a live transport factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTransport(name string, factory TransportFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport[name] = factory
}

// RegisterDevice registers an audio device factory under name.
func (r *Registry) RegisterDevice(name string, factory DeviceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.device[name] = factory
}

// CreateTransport instantiates the provider registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateTransport(entry ProviderEntry, cfg TransportConfig) (live.Provider, error) {
	r.mu.RLock()
	factory, ok := r.transport[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry, cfg)
}

// CreateDevice instantiates the device registered under cfg.Device.Name.
func (r *Registry) CreateDevice(cfg *Config) (audio.Device, error) {
	r.mu.RLock()
	factory, ok := r.device[cfg.Device.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: device/%q", ErrProviderNotRegistered, cfg.Device.Name)
	}
	return factory(cfg)
}

// Transports returns the registered transport names, sorted.
func (r *Registry) Transports() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transport))
	for n := range r.transport {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Option reads a string option, returning def when it is missing or not a
// string.
func Option(opts map[string]any, key, def string) string {
	if v, ok := opts[key].(string); ok && v != "" {
		return v
	}
	return def
}

// BoolOption reads a boolean option, returning def when it is missing or
// not a bool.
func BoolOption(opts map[string]any, key string, def bool) bool {
	if v, ok := opts[key].(bool); ok {
		return v
	}
	return def
}
