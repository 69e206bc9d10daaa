package status

import "fmt"

// validTransitions is the phase state machine. Completed and skipped are
// terminal. Failed may only go back to running through a retry.
var validTransitions = map[PhaseState][]PhaseState{
	PhasePending:        {PhaseRunning, PhaseSkipped},
	PhaseRunning:        {PhaseCompleted, PhaseFailed, PhaseInterrupted, PhasePausedForHuman},
	PhaseFailed:         {PhaseRunning, PhasePausedForHuman, PhaseSkipped},
	PhaseInterrupted:    {PhaseRunning},
	PhasePausedForHuman: {PhaseRunning, PhaseFailed, PhaseSkipped},
	PhaseCompleted:      {},
	PhaseSkipped:        {},
}

// TransitionError reports a phase state change the state machine forbids.
type TransitionError struct {
	Phase string
	From  PhaseState
	To    PhaseState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("phase %q: invalid transition %s -> %s", e.Phase, e.From, e.To)
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to PhaseState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves rec to state to, stamping start and finish times.
func Transition(phaseID string, rec *PhaseRecord, to PhaseState) error {
	if !CanTransition(rec.Status, to) {
		return &TransitionError{Phase: phaseID, From: rec.Status, To: to}
	}
	now := Now()
	switch to {
	case PhaseRunning:
		rec.StartedAt = now
		rec.FinishedAt = Stamp{}
	case PhaseCompleted, PhaseFailed, PhaseSkipped:
		rec.FinishedAt = now
		rec.PID = 0
	case PhaseInterrupted:
		rec.PID = 0
	}
	rec.Status = to
	return nil
}
