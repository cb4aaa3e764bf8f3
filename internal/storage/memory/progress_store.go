// Package memory keeps progress and rows in-process for tests and runs that
// do not need to resume.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/JakeFAU/stackharvest/internal/store"
)

// ProgressStore holds the last stored state in memory.
type ProgressStore struct {
	mu     sync.RWMutex
	state  store.State
	stored bool
	stores int
}

// NewProgressStore creates an empty store. Pass a seed state to simulate a
// previous run.
func NewProgressStore(seed ...store.State) *ProgressStore {
	s := &ProgressStore{}
	if len(seed) > 0 {
		s.state = seed[0]
		s.stored = true
	}
	return s
}

// Load returns the stored state or store.ErrNotFound.
func (s *ProgressStore) Load(_ context.Context) (store.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.stored {
		return store.State{}, store.ErrNotFound
	}
	return cloneState(s.state), nil
}

// Store replaces the stored state.
func (s *ProgressStore) Store(_ context.Context, state store.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = cloneState(state)
	s.stored = true
	s.stores++
	return nil
}

// Stores reports how many times Store was called.
func (s *ProgressStore) Stores() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stores
}

func cloneState(in store.State) store.State {
	out := store.State{UpdatedAt: in.UpdatedAt}
	if in.Fetch != nil {
		fetch := *in.Fetch
		fetch.Cursors = slices.Clone(in.Fetch.Cursors)
		fetch.Errors = maps.Clone(in.Fetch.Errors)
		out.Fetch = &fetch
	}
	if in.Discovery != nil {
		discovery := *in.Discovery
		out.Discovery = &discovery
	}
	return out
}
