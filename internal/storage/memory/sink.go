package memory

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/JakeFAU/stackharvest/internal/crawler"
)

// ErrSinkClosed is returned when appending to a closed Sink.
var ErrSinkClosed = errors.New("memory sink closed")

// Sink collects rows in memory.
type Sink struct {
	mu      sync.Mutex
	rows    []crawler.Question
	batches int
	closed  bool
}

// NewSink creates an empty Sink.
func NewSink() *Sink {
	return &Sink{}
}

// Append stores a copy of rows.
func (s *Sink) Append(_ context.Context, rows []crawler.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	s.rows = append(s.rows, rows...)
	s.batches++
	return nil
}

// Close marks the sink closed. Further appends fail.
func (s *Sink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Rows returns a copy of everything appended so far.
func (s *Sink) Rows() []crawler.Question {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.rows)
}

// Batches reports how many Append calls succeeded.
func (s *Sink) Batches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}

// Closed reports whether Close was called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
