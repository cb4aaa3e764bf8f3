package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type exampleCountingSink struct {
	total int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []Event) error {
	s.total += len(batch)
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit shows that Close delivers pending events.
func ExampleHub_Emit() {
	sink := &exampleCountingSink{}
	hub := NewHub(Config{BatchSize: 1}, sink)

	hub.Emit(Event{
		RunID: UUIDToBytes(uuid.MustParse("00000000-0000-0000-0000-000000000001")),
		TS:    time.Unix(0, 0),
		Stage: StageRunStart,
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("events forwarded: %d\n", sink.total)
	// Output:
	// events forwarded: 1
}

// ExampleSink totals the items reported by page events.
func ExampleSink() {
	var items int64
	capture := sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			items += evt.Items
		}
		return nil
	})
	hub := NewHub(Config{Buffer: 2, FlushEvery: time.Second}, capture)

	run := NewRun(hub, uuid.MustParse("00000000-0000-0000-0000-000000000002"), "fetch")
	run.PageFetched(1, 1, 30, 0)
	run.PageFetched(2, 2, 12, 0)
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("items harvested: %d\n", items)
	// Output:
	// items harvested: 42
}

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}
