package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/cloudstore/internal/apperr"
	"github.com/Chapsvision-dev/cloudstore/internal/config"
)

// Registry maps each Kind to the factory building its backend. It is filled
// once at startup and read-only afterwards.
type Registry struct {
	factories map[Kind]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[Kind]Factory{}}
}

// Register binds a kind to its factory. It panics if called twice with the
// same kind.
func (r *Registry) Register(kind Kind, f Factory) *Registry {
	if _, exists := r.factories[kind]; exists {
		panic(fmt.Sprintf("provider: backend %q already registered", kind))
	}
	r.factories[kind] = f
	return r
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Supports reports whether kind has a registered factory.
func (r *Registry) Supports(kind Kind) bool {
	_, ok := r.factories[kind]
	return ok
}

// ResolveService builds the backend for a configured service; the kind is
// read from the service entry.
func (r *Registry) ResolveService(ctx context.Context, service string, cfg config.Config) (Backend, error) {
	return r.Resolve(ctx, Kind(cfg.Service(service).Kind), service, cfg)
}

// Resolve builds a backend of the given kind for service. An unknown kind
// fails with apperr.ErrUnsupportedBackend and never falls back to another
// backend.
func (r *Registry) Resolve(ctx context.Context, kind Kind, service string, cfg config.Config) (Backend, error) {
	kind = Kind(strings.ToLower(strings.TrimSpace(string(kind))))
	f, ok := r.factories[kind]
	if !ok {
		return nil, apperr.UnsupportedBackend(string(kind))
	}

	log.Debug().
		Str("action", "resolve_backend").
		Str("service", service).
		Str("kind", string(kind)).
		Msg("building backend")

	b, err := f(ctx, Spec{
		Service:     service,
		Config:      cfg.Service(service),
		Retry:       cfg.RetryOptions(),
		Concurrency: cfg.Storage.Transfer.Concurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("init %s backend %q: %w", kind, service, err)
	}
	return b, nil
}
