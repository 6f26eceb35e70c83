package ingest

import "fmt"

// Phase is the lifecycle state of one sync run.
//
//	STARTED ──► FETCHING ──► RECONCILING ──► DONE
//	   │            │              │
//	   └────────────┴──────────────┴──► FAILED
//
// DONE and FAILED are terminal.
type Phase string

const (
	PhaseStarted     Phase = "STARTED"
	PhaseFetching    Phase = "FETCHING"
	PhaseReconciling Phase = "RECONCILING"
	PhaseDone        Phase = "DONE"
	PhaseFailed      Phase = "FAILED"
)

var validTransitions = map[Phase][]Phase{
	PhaseStarted:     {PhaseFetching, PhaseFailed},
	PhaseFetching:    {PhaseReconciling, PhaseFailed},
	PhaseReconciling: {PhaseDone, PhaseFailed},
}

// ParsePhase converts a stored phase string back to a Phase.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	switch p {
	case PhaseStarted, PhaseFetching, PhaseReconciling, PhaseDone, PhaseFailed:
		return p, nil
	}
	return "", fmt.Errorf("unknown run phase %q", s)
}

// CanAdvance reports whether a run may move from → to.
func CanAdvance(from, to Phase) bool {
	for _, p := range validTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (p Phase) IsTerminal() bool { return p == PhaseDone || p == PhaseFailed }
