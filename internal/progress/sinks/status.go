package sinks

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/stackharvest/internal/progress"
)

// RunStatus is the live view of one run as reported by /status.
type RunStatus struct {
	RunID      uuid.UUID `json:"run_id"`
	Kind       string    `json:"kind"`
	Key        string    `json:"key,omitempty"`
	State      string    `json:"state"`
	Phase      string    `json:"phase,omitempty"`
	Started    time.Time `json:"started"`
	Updated    time.Time `json:"updated"`
	Pages      int64     `json:"pages"`
	Items      int64     `json:"items"`
	Links      int64     `json:"links"`
	Dropped    int64     `json:"dropped"`
	Completed  []int     `json:"workers_completed,omitempty"`
	Died       []int     `json:"workers_died,omitempty"`
	LinkQueue  int       `json:"link_queue_depth"`
	ItemQueue  int       `json:"item_queue_depth"`
	LastErrMsg string    `json:"last_error,omitempty"`
}

// Run states reported by StatusSink.
const (
	StateRunning = "running"
	StateSuccess = "success"
	StateError   = "error"
)

// StatusSink folds events into an in-memory per-run snapshot.
type StatusSink struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]*RunStatus
}

// NewStatusSink returns an empty StatusSink.
func NewStatusSink() *StatusSink {
	return &StatusSink{runs: make(map[uuid.UUID]*RunStatus)}
}

// Consume applies the batch to the snapshot.
func (s *StatusSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.apply(evt)
	}
	return nil
}

func (s *StatusSink) apply(evt progress.Event) {
	id := evt.RunUUID()
	st, ok := s.runs[id]
	if !ok {
		st = &RunStatus{RunID: id, Kind: evt.Kind, State: StateRunning, Started: evt.TS}
		s.runs[id] = st
	}
	st.Updated = evt.TS
	switch evt.Stage {
	case progress.StageRunStart:
		st.Key = evt.Note
		st.Started = evt.TS
	case progress.StageRunDone:
		st.State = StateSuccess
	case progress.StageRunError:
		st.State = StateError
		if evt.Note != "" {
			st.LastErrMsg = evt.Note
		}
	case progress.StagePageFetched:
		st.Pages++
		st.Items += evt.Items
	case progress.StageWorkerDone:
		st.Completed = append(st.Completed, evt.WorkerID)
	case progress.StageWorkerDied:
		st.Died = append(st.Died, evt.WorkerID)
		if evt.Note != "" {
			st.LastErrMsg = evt.Note
		}
	case progress.StageLinkFound:
		st.Links++
		st.LinkQueue = evt.QueueDepth
	case progress.StageLinkDropped:
		st.Dropped++
	case progress.StageRowResolved:
		st.ItemQueue = evt.QueueDepth
	case progress.StageBatchAppended:
		st.Items += evt.Items
		st.ItemQueue = 0
	case progress.StagePhase:
		st.Phase = evt.Phase
	}
}

// Snapshot returns copies of all known runs ordered by start time.
func (s *StatusSink) Snapshot() []RunStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RunStatus, 0, len(s.runs))
	for _, st := range s.runs {
		cp := *st
		cp.Completed = slices.Clone(st.Completed)
		cp.Died = slices.Clone(st.Died)
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b RunStatus) int {
		return a.Started.Compare(b.Started)
	})
	return out
}

// Lookup returns the status of one run.
func (s *StatusSink) Lookup(id uuid.UUID) (RunStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.runs[id]
	if !ok {
		return RunStatus{}, false
	}
	cp := *st
	cp.Completed = slices.Clone(st.Completed)
	cp.Died = slices.Clone(st.Died)
	return cp, true
}

// Close implements the Sink interface; it performs no action.
func (s *StatusSink) Close(context.Context) error {
	return nil
}
