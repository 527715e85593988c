package resilience

import (
	"fmt"

	"github.com/parley-voice/parley/pkg/audio"
	"github.com/parley-voice/parley/pkg/realtime"
)

// CaptureFallback implements [realtime.SourceFactory] with automatic failover
// across capture backends, typically the platform audio device first and a
// block-reader source behind it. Each backend has its own circuit breaker, so
// a host with a flaky or absent microphone stops being probed on every
// listening window.
type CaptureFallback struct {
	group *FallbackGroup[realtime.SourceFactory]
}

// NewCaptureFallback creates a [CaptureFallback] preferring primary.
func NewCaptureFallback(primary realtime.SourceFactory, primaryName string, cfg FallbackConfig) *CaptureFallback {
	return &CaptureFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional capture backend.
func (f *CaptureFallback) AddFallback(name string, factory realtime.SourceFactory) {
	f.group.AddFallback(name, factory)
}

// Open satisfies [realtime.SourceFactory]: it opens a source from the first
// healthy backend. When every backend fails or is skipped, the error carries
// [realtime.ErrDeviceUnavailable] so callers can branch on the capture
// taxonomy rather than on fallback internals.
func (f *CaptureFallback) Open(sampleRate int) (audio.Source, error) {
	src, err := ExecuteWithResult(f.group, func(factory realtime.SourceFactory) (audio.Source, error) {
		return factory(sampleRate)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", realtime.ErrDeviceUnavailable, err)
	}
	return src, nil
}
