package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/aria/pkg/audio/host"
)

// ErrHostNotRegistered is returned by [Registry.CreateHost] when no factory
// has been registered under the requested host name.
var ErrHostNotRegistered = errors.New("config: audio host not registered")

// HostFactory constructs an audio backend from its audio configuration.
type HostFactory func(AudioConfig) (host.Host, error)

// Registry maps audio host names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	hosts map[string]HostFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		hosts: make(map[string]HostFactory),
	}
}

// RegisterHost registers an audio host factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterHost(name string, factory HostFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts[name] = factory
}

// CreateHost instantiates the audio backend registered under cfg.Host.
// Returns [ErrHostNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateHost(cfg AudioConfig) (host.Host, error) {
	r.mu.RLock()
	factory, ok := r.hosts[cfg.Host]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrHostNotRegistered, cfg.Host)
	}
	return factory(cfg)
}

// Hosts returns the registered host names in unspecified order.
func (r *Registry) Hosts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.hosts))
	for name := range r.hosts {
		names = append(names, name)
	}
	return names
}
