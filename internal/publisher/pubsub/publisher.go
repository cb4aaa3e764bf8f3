// Package pubsub publishes harvested rows to a Google Cloud Pub/Sub topic,
// one JSON message per question.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/stackharvest/internal/crawler"
)

// Message attributes set on every published row.
const (
	AttrRunKey     = "run_key"
	AttrQuestionID = "question_id"
)

// Sink publishes rows to a topic and waits for the server to acknowledge
// every message of a batch before Append returns.
type Sink struct {
	topic  *pubsub.Topic
	runKey string

	mu     sync.Mutex
	closed bool
}

// NewSink wraps topic. runKey is attached to every message.
func NewSink(topic *pubsub.Topic, runKey string) (*Sink, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is not configured")
	}
	return &Sink{topic: topic, runKey: runKey}, nil
}

// Append publishes one message per row.
func (s *Sink) Append(ctx context.Context, rows []crawler.Question) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("pubsub sink closed")
	}

	results := make([]*pubsub.PublishResult, 0, len(rows))
	for _, q := range rows {
		data, err := json.Marshal(q)
		if err != nil {
			return fmt.Errorf("marshal question %d: %w", q.ID, err)
		}
		results = append(results, s.topic.Publish(ctx, &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				AttrRunKey:     s.runKey,
				AttrQuestionID: strconv.FormatInt(q.ID, 10),
			},
		}))
	}
	var errs []error
	for i, result := range results {
		if _, err := result.Get(ctx); err != nil {
			errs = append(errs, fmt.Errorf("publish question %d: %w", rows[i].ID, err))
		}
	}
	return errors.Join(errs...)
}

// Close flushes outstanding messages and stops the topic's publisher
// goroutines. The client stays open for other sinks.
func (s *Sink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.topic.Stop()
	return nil
}
