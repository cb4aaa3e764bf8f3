package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart      Stage = "RUN_START"
	StageRunDone       Stage = "RUN_DONE"
	StageRunError      Stage = "RUN_ERROR"
	StagePageFetched   Stage = "PAGE_FETCHED"
	StageWorkerDone    Stage = "WORKER_DONE"
	StageWorkerDied    Stage = "WORKER_DIED"
	StageLinkFound     Stage = "LINK_FOUND"
	StageLinkDropped   Stage = "LINK_DROPPED"
	StageRowResolved   Stage = "ROW_RESOLVED"
	StageBatchAppended Stage = "BATCH_APPENDED"
	StagePhase         Stage = "PHASE"
)

// Event captures a single piece of run progress.
type Event struct {
	// RunID identifies the run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Kind is the run kind ("fetch" or "discover").
	Kind string
	// WorkerID scopes worker and page events.
	WorkerID int
	// Page is the page index (fetch) or result offset (discover).
	Page int
	// Items counts rows carried by the event.
	Items int64
	// Link is the identifier for link events.
	Link string
	// Phase is the new pipeline phase for PHASE events.
	Phase string
	// QueueDepth is the observed depth of the relevant queue.
	QueueDepth int
	// Code carries the terminal response code, if any.
	Code int
	// Dur captures latency for pages and run completions.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError, StageBatchAppended:
	case StagePageFetched, StageWorkerDone, StageWorkerDied:
		if e.Page < 0 {
			return errors.New("page must be >= 0")
		}
	case StageLinkFound, StageLinkDropped, StageRowResolved:
		if e.Link == "" {
			return fmt.Errorf("%s requires link", e.Stage)
		}
	case StagePhase:
		if e.Phase == "" {
			return errors.New("phase event requires phase")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
