package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var errPoolClosed = errors.New("consumer pool shut down")

// consumerPool runs a fixed number of goroutines that handle submitted
// links. Submit blocks while every consumer is busy and the hand-off buffer
// is full.
type consumerPool struct {
	tasks    chan string
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inflight atomic.Int64
	stopOnce sync.Once
	stopped  chan struct{}
}

func newConsumerPool(ctx context.Context, size int, handle func(ctx context.Context, link string)) *consumerPool {
	poolCtx, cancel := context.WithCancel(ctx)
	p := &consumerPool{
		tasks:   make(chan string, size),
		ctx:     poolCtx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.consume(handle)
	}
	return p
}

func (p *consumerPool) consume(handle func(ctx context.Context, link string)) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case link, ok := <-p.tasks:
			if !ok {
				return
			}
			p.inflight.Add(1)
			handle(p.ctx, link)
			p.inflight.Add(-1)
		}
	}
}

// Submit hands link to the pool.
func (p *consumerPool) Submit(ctx context.Context, link string) error {
	select {
	case <-p.stopped:
		return errPoolClosed
	default:
	}
	select {
	case p.tasks <- link:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return errPoolClosed
	}
}

// Pending reports queued plus in-flight links.
func (p *consumerPool) Pending() int {
	return len(p.tasks) + int(p.inflight.Load())
}

// Shutdown stops accepting work and waits up to timeout for the consumers to
// finish what was submitted. Stragglers are then canceled. It returns false
// when cancellation was needed. Submit must not be called concurrently with
// Shutdown.
func (p *consumerPool) Shutdown(timeout time.Duration) bool {
	p.stopOnce.Do(func() {
		close(p.stopped)
		close(p.tasks)
	})
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		p.cancel()
		return true
	case <-timer.C:
		p.cancel()
		<-done
		return false
	}
}
