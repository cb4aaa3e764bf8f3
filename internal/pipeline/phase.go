package pipeline

import "sync/atomic"

// Phase is the global state of a discovery pipeline run.
type Phase int32

// Pipeline phases, in transition order.
const (
	PhaseRunning Phase = iota
	PhaseDraining
	PhaseCompleted
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseDraining:
		return "draining"
	case PhaseCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// phaseState is written only by the coordinator and read by anyone.
type phaseState struct {
	v atomic.Int32
}

func (s *phaseState) load() Phase {
	return Phase(s.v.Load())
}

func (s *phaseState) store(p Phase) {
	s.v.Store(int32(p))
}
