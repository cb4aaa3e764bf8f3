// Package sink resolves a sink type tag into a crawler.Sink. Every type must
// be registered explicitly; an unknown tag is a configuration error.
package sink

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/JakeFAU/stackharvest/internal/crawler"
)

// ErrUnknownSink is returned by Registry.New for a tag nobody registered.
var ErrUnknownSink = errors.New("unknown sink type")

// Target tells a factory where a sink writes.
type Target struct {
	// Path is the destination (file path, object name, table or topic).
	Path string
	// WorkerID is the owning fetch worker, or 0 for the discovery appender.
	WorkerID int
	// Name is the progress key of the run, used to label outputs.
	Name string
}

// Factory constructs a sink for a target.
type Factory func(ctx context.Context, target Target) (crawler.Sink, error)

// Registry maps type tags to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds tag to factory. Registering a tag twice is an error.
func (r *Registry) Register(tag string, factory Factory) error {
	if tag == "" {
		return errors.New("sink tag is required")
	}
	if factory == nil {
		return fmt.Errorf("sink %q: factory is nil", tag)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[tag]; exists {
		return fmt.Errorf("sink %q already registered", tag)
	}
	r.factories[tag] = factory
	return nil
}

// New builds a sink of type tag.
func (r *Registry) New(ctx context.Context, tag string, target Target) (crawler.Sink, error) {
	r.mu.RLock()
	factory, ok := r.factories[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %v)", ErrUnknownSink, tag, r.Tags())
	}
	s, err := factory(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("create %s sink: %w", tag, err)
	}
	return s, nil
}

// Has reports whether tag is registered.
func (r *Registry) Has(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[tag]
	return ok
}

// Tags lists registered tags in sorted order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.factories))
	for tag := range r.factories {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	return tags
}
