package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/parley-voice/parley/pkg/audio"
	"github.com/parley-voice/parley/pkg/realtime"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// Registry maps audio backend names to their constructor functions. The live
// client registers its platform backends (portaudio, block readers) here and
// selects one via [AudioConfig.CaptureBackend]. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]func(AudioConfig) (realtime.SourceFactory, error)
	sinks   map[string]func(AudioConfig) (audio.Sink, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]func(AudioConfig) (realtime.SourceFactory, error)),
		sinks:   make(map[string]func(AudioConfig) (audio.Sink, error)),
	}
}

// RegisterSource registers a capture backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSource(name string, factory func(AudioConfig) (realtime.SourceFactory, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// RegisterSink registers a playback backend factory under name.
func (r *Registry) RegisterSink(name string, factory func(AudioConfig) (audio.Sink, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = factory
}

// CreateSource builds a capture source factory using the backend registered
// under name. Returns [ErrBackendNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateSource(name string, cfg AudioConfig) (realtime.SourceFactory, error) {
	r.mu.RLock()
	factory, ok := r.sources[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: source/%q", ErrBackendNotRegistered, name)
	}
	return factory(cfg)
}

// CreateSink builds a playback sink using the backend registered under name.
func (r *Registry) CreateSink(name string, cfg AudioConfig) (audio.Sink, error) {
	r.mu.RLock()
	factory, ok := r.sinks[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sink/%q", ErrBackendNotRegistered, name)
	}
	return factory(cfg)
}

// SourceNames returns the registered capture backend names.
func (r *Registry) SourceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	return names
}
