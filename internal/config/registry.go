package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/songsnap/pkg/audio"
	"github.com/MrWong99/songsnap/pkg/audio/capture"
	"github.com/MrWong99/songsnap/pkg/recognition"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: not registered")

// Capture is an initialised capture backend.
type Capture struct {
	// Prober answers format negotiation.
	Prober audio.Prober

	// Opener opens devices in the negotiated format.
	Opener capture.Opener

	// Close releases the backend once every device it opened is closed.
	// May be nil.
	Close func() error
}

// SourceFactory initialises a capture backend from the audio settings.
type SourceFactory func(AudioConfig) (Capture, error)

// ProviderFactory builds a recognition provider that streams audio in
// format.
type ProviderFactory func(rc RecognitionConfig, format audio.SourceConfig) (recognition.Provider, error)

// Registry maps capture source and recognition provider names to their
// factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	sources   map[string]SourceFactory
	providers map[string]ProviderFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		sources:   make(map[string]SourceFactory),
		providers: make(map[string]ProviderFactory),
	}
}

// RegisterSource registers a capture backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSource(name string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// RegisterProvider registers a recognition provider factory under name.
func (r *Registry) RegisterProvider(name string, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = factory
}

// CreateSource initialises the backend registered under cfg.Source.
// Returns [ErrNotRegistered] if there is none.
func (r *Registry) CreateSource(cfg AudioConfig) (Capture, error) {
	r.mu.RLock()
	factory, ok := r.sources[cfg.Source]
	r.mu.RUnlock()
	if !ok {
		return Capture{}, fmt.Errorf("%w: source %q", ErrNotRegistered, cfg.Source)
	}
	c, err := factory(cfg)
	if err != nil {
		return Capture{}, fmt.Errorf("config: create source %q: %w", cfg.Source, err)
	}
	return c, nil
}

// CreateProvider builds the provider registered under rc.Provider.
func (r *Registry) CreateProvider(rc RecognitionConfig, format audio.SourceConfig) (recognition.Provider, error) {
	r.mu.RLock()
	factory, ok := r.providers[rc.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: provider %q", ErrNotRegistered, rc.Provider)
	}
	p, err := factory(rc, format)
	if err != nil {
		return nil, fmt.Errorf("config: create provider %q: %w", rc.Provider, err)
	}
	return p, nil
}

// Sources returns the registered capture source names, sorted.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
