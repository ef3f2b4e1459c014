package recompute

import (
	"context"

	"github.com/qmuntal/stateless"
)

// State is the lifecycle of one snapshot within a recompute run.
type State string

const (
	StatePending   State = "pending"
	StatePreviewed State = "previewed"
	StateApplied   State = "applied"
	StateSkipped   State = "skipped"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool { return s != StatePending }

const (
	triggerPreview = "preview"
	triggerApply   = "apply"
	triggerSkip    = "skip"
	triggerFail    = "fail"
)

// newRecordMachine builds the per-record machine. Every terminal state has
// no outgoing transitions, so a record takes effect at most once. onEnter
// runs when a terminal state is entered.
func newRecordMachine(onEnter func(State)) *stateless.StateMachine {
	machine := stateless.NewStateMachine(StatePending)

	machine.Configure(StatePending).
		Permit(triggerPreview, StatePreviewed).
		Permit(triggerApply, StateApplied).
		Permit(triggerSkip, StateSkipped).
		Permit(triggerFail, StateFailed)

	for _, s := range []State{StatePreviewed, StateApplied, StateSkipped, StateFailed} {
		state := s
		machine.Configure(state).OnEntry(func(_ context.Context, _ ...any) error {
			onEnter(state)
			return nil
		})
	}
	return machine
}

func currentState(machine *stateless.StateMachine) State {
	return machine.MustState().(State)
}
