package progress

import (
	"time"

	"github.com/google/uuid"
)

// Run stamps events with a run id, kind and timestamp before emitting them.
// A nil *Run discards everything, so callers need no nil checks.
type Run struct {
	emitter Emitter
	id      [16]byte
	kind    string
	now     func() time.Time
}

// NewRun binds emitter to a run.
func NewRun(emitter Emitter, runID uuid.UUID, kind string) *Run {
	if emitter == nil {
		emitter = Discard
	}
	return &Run{
		emitter: emitter,
		id:      UUIDToBytes(runID),
		kind:    kind,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ID returns the run identifier.
func (r *Run) ID() uuid.UUID {
	if r == nil {
		return uuid.Nil
	}
	return uuid.UUID(r.id)
}

// Emit fills RunID, Kind and TS and forwards the event.
func (r *Run) Emit(evt Event) {
	if r == nil {
		return
	}
	evt.RunID = r.id
	evt.Kind = r.kind
	if evt.TS.IsZero() {
		evt.TS = r.now()
	}
	r.emitter.Emit(evt)
}

// Started reports the start of the run under its progress key.
func (r *Run) Started(key string) {
	r.Emit(Event{Stage: StageRunStart, Note: key})
}

// Finished reports the end of the run.
func (r *Run) Finished(failed bool, items int64, elapsed time.Duration, note string) {
	stage := StageRunDone
	if failed {
		stage = StageRunError
	}
	r.Emit(Event{Stage: stage, Items: items, Dur: elapsed, Note: note})
}

// PageFetched reports one successfully fetched page.
func (r *Run) PageFetched(workerID, page int, items int, dur time.Duration) {
	r.Emit(Event{Stage: StagePageFetched, WorkerID: workerID, Page: page, Items: int64(items), Dur: dur})
}

// WorkerDone reports a worker that ran out of pages.
func (r *Run) WorkerDone(workerID, nextPage int) {
	r.Emit(Event{Stage: StageWorkerDone, WorkerID: workerID, Page: nextPage})
}

// WorkerDied reports a worker stopped by a terminal response.
func (r *Run) WorkerDied(workerID, page, code int, note string) {
	r.Emit(Event{Stage: StageWorkerDied, WorkerID: workerID, Page: page, Code: code, Note: note})
}

// LinkFound reports a discovered identifier.
func (r *Run) LinkFound(link string, depth int) {
	r.Emit(Event{Stage: StageLinkFound, Link: link, QueueDepth: depth})
}

// LinkDropped reports an identifier that could not be resolved.
func (r *Run) LinkDropped(link string, code int, note string) {
	r.Emit(Event{Stage: StageLinkDropped, Link: link, Code: code, Note: note})
}

// RowResolved reports an identifier resolved into a row.
func (r *Run) RowResolved(link string, depth int) {
	r.Emit(Event{Stage: StageRowResolved, Link: link, Items: 1, QueueDepth: depth})
}

// BatchAppended reports rows written to the sink.
func (r *Run) BatchAppended(rows int) {
	r.Emit(Event{Stage: StageBatchAppended, Items: int64(rows)})
}

// Phase reports a pipeline phase transition.
func (r *Run) Phase(phase string) {
	r.Emit(Event{Stage: StagePhase, Phase: phase})
}
