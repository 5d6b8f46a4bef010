// Package workflow runs the deferred root-cause analysis for one incident as
// an explicit state machine: knowledge lookup, RCA, RCA persistence,
// resolution planning and plan persistence.
package workflow

// State is a step of the deferred RCA workflow.
type State string

const (
	StateScheduled          State = "Scheduled"
	StateQueryingKB         State = "QueryingKB"
	StateAnalyzingRCA       State = "AnalyzingRCA"
	StatePersistingRCA      State = "PersistingRCA"
	StatePlanningResolution State = "PlanningResolution"
	StatePersistingPlan     State = "PersistingPlan"
	StateCompleted          State = "Completed"
	StateFailed             State = "Failed"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// next lists the only forward transition out of each non-terminal state.
// Every non-terminal state may also move to Failed, except QueryingKB which
// fails open. Scheduled fails only when shutdown cancels the delay.
var next = map[State]State{
	StateScheduled:          StateQueryingKB,
	StateQueryingKB:         StateAnalyzingRCA,
	StateAnalyzingRCA:       StatePersistingRCA,
	StatePersistingRCA:      StatePlanningResolution,
	StatePlanningResolution: StatePersistingPlan,
	StatePersistingPlan:     StateCompleted,
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return from != StateQueryingKB
	}
	return next[from] == to
}
