package sink

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/JakeFAU/stackharvest/internal/crawler"
)

// CSVSink appends rows to a CSV file. The header is written only when the
// file is new or empty, so resumed runs keep appending to the same file.
type CSVSink struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
	closed bool
}

// OpenCSV opens (or creates) path for appending.
func OpenCSV(path string) (*CSVSink, error) {
	if path == "" {
		return nil, errors.New("csv sink: path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create csv dir: %w", err)
		}
	}
	// #nosec G304 -- path comes from operator configuration.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat csv: %w", err)
	}
	s := &CSVSink{file: file, writer: csv.NewWriter(file)}
	if info.Size() == 0 {
		if err := s.writer.Write(crawler.CSVHeader); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
	}
	return s, nil
}

// Append writes rows and flushes them to the file.
func (s *CSVSink) Append(_ context.Context, rows []crawler.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return writeRecords(s.writer, rows)
}

// Close flushes and closes the file. Closing twice is a no-op.
func (s *CSVSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.writer.Flush()
	flushErr := s.writer.Error()
	if err := s.file.Close(); err != nil {
		return errors.Join(flushErr, fmt.Errorf("close csv: %w", err))
	}
	return flushErr
}

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("sink closed")

func writeRecords(w *csv.Writer, rows []crawler.Question) error {
	for _, q := range rows {
		if err := w.Write(Record(q)); err != nil {
			return fmt.Errorf("write csv row %d: %w", q.ID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// StdSink writes the same CSV records to a stream, typically stdout. The
// header is written with the first batch.
type StdSink struct {
	mu      sync.Mutex
	writer  *csv.Writer
	started bool
}

// NewStd wraps w.
func NewStd(w io.Writer) *StdSink {
	if w == nil {
		w = os.Stdout
	}
	return &StdSink{writer: csv.NewWriter(w)}
}

// Append writes rows to the stream.
func (s *StdSink) Append(_ context.Context, rows []crawler.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		if err := s.writer.Write(crawler.CSVHeader); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		s.started = true
	}
	return writeRecords(s.writer, rows)
}

// Close flushes pending output; the stream itself is left open.
func (s *StdSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return fmt.Errorf("flush stream: %w", err)
	}
	return nil
}
