package assign

import (
	"fmt"
	"time"
)

// Phase is a step of replica set assignment.
type Phase int32

const (
	// PhaseCleanValidate normalizes the profile and short-circuits users
	// that already have a replica set.
	PhaseCleanValidate Phase = iota
	// PhaseAutoselect chooses the nodes.
	PhaseAutoselect
	// PhaseSetPrimary connects the storage client to the chosen primary
	// before any metadata is written.
	PhaseSetPrimary
	// PhaseUploadAndCommit uploads metadata, commits the ledger fields and
	// waits for indexing.
	PhaseUploadAndCommit
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseCleanValidate:
		return "CLEAN_VALIDATE"
	case PhaseAutoselect:
		return "AUTOSELECT"
	case PhaseSetPrimary:
		return "SET_PRIMARY"
	case PhaseUploadAndCommit:
		return "UPLOAD_AND_COMMIT"
	case PhaseDone:
		return "DONE"
	case PhaseFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no transition leaves p.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// CanTransition reports whether p may move to next. Phases advance one step
// at a time, CLEAN_VALIDATE may jump to DONE for already assigned users, and
// any non-terminal phase may fail.
func (p Phase) CanTransition(next Phase) bool {
	if p.Terminal() {
		return false
	}
	switch {
	case next == PhaseFailed:
		return true
	case p == PhaseCleanValidate && next == PhaseDone:
		return true
	default:
		return next == p+1
	}
}

// PhaseError is an assignment failure tagged with the phase it happened in.
type PhaseError struct {
	Phase   Phase
	UserID  int64
	Elapsed time.Duration
	Err     error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("assign replica set for user %d failed during %s after %dms: %v",
		e.UserID, e.Phase, e.Elapsed.Milliseconds(), e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }
