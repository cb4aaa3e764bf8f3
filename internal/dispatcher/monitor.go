package dispatcher

import (
	"sync"

	"github.com/JakeFAU/stackharvest/internal/worker"
)

// monitor collects worker results. wait returns once every worker has
// reported, re-checking the predicate after each wakeup so a broadcast
// from any number of reporters is never missed.
type monitor struct {
	mu      sync.Mutex
	cond    *sync.Cond
	total   int
	results []worker.Result
}

func newMonitor(total int) *monitor {
	m := &monitor{total: total, results: make([]worker.Result, 0, total)}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *monitor) report(res worker.Result) {
	m.mu.Lock()
	m.results = append(m.results, res)
	m.mu.Unlock()
	m.cond.Broadcast()
}

// wait blocks until all workers reported and returns their results ordered by
// worker id.
func (m *monitor) wait() []worker.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.results) < m.total {
		m.cond.Wait()
	}
	out := make([]worker.Result, m.total)
	for _, res := range m.results {
		out[res.WorkerID-1] = res
	}
	return out
}
