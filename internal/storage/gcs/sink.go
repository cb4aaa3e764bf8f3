// Package gcs uploads harvested rows to Google Cloud Storage as CSV objects.
package gcs

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/stackharvest/internal/crawler"
	"github.com/JakeFAU/stackharvest/internal/sink"
)

// Config captures where objects are written.
type Config struct {
	Bucket string
	Prefix string
}

// Sink buffers rows as CSV and uploads them as one object on Close. Nothing
// reaches the bucket before Close.
type Sink struct {
	client *storage.Client
	bucket string
	object string

	mu     sync.Mutex
	buf    bytes.Buffer
	writer *csv.Writer
	rows   int
	closed bool
}

// NewSink prepares an upload of object (joined to cfg.Prefix).
func NewSink(client *storage.Client, cfg Config, object string) (*Sink, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if strings.TrimSpace(object) == "" {
		return nil, fmt.Errorf("object name is required")
	}
	if cfg.Prefix != "" {
		object = strings.TrimSuffix(cfg.Prefix, "/") + "/" + strings.TrimPrefix(object, "/")
	}
	s := &Sink{client: client, bucket: cfg.Bucket, object: object}
	s.writer = csv.NewWriter(&s.buf)
	if err := s.writer.Write(crawler.CSVHeader); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	return s, nil
}

// URI returns the gs:// location the sink uploads to.
func (s *Sink) URI() string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, s.object)
}

// Append buffers rows.
func (s *Sink) Append(_ context.Context, rows []crawler.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sink.ErrClosed
	}
	for _, q := range rows {
		if err := s.writer.Write(sink.Record(q)); err != nil {
			return fmt.Errorf("buffer row %d: %w", q.ID, err)
		}
	}
	s.rows += len(rows)
	return nil
}

// Close uploads the buffered object. An empty sink uploads nothing.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.rows == 0 {
		return nil
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}

	writer := s.client.Bucket(s.bucket).Object(s.object).NewWriter(ctx)
	writer.ContentType = "text/csv; charset=utf-8"
	if _, err := io.Copy(writer, &s.buf); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return errors.Join(fmt.Errorf("copy object: %w", err), fmt.Errorf("close writer: %w", closeErr))
		}
		return fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("upload %s: %w", s.URI(), err)
	}
	return nil
}
