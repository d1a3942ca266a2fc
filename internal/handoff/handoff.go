// Package handoff holds the four state handoff graph of a work item.
package handoff

import (
	"fmt"
	"sort"

	"workgate/internal/domain"
)

type edge struct {
	from  domain.HandoffState
	event domain.HandoffEvent
}

var table = map[edge]domain.HandoffState{
	{domain.StateProposed, domain.EventClaim}:             domain.StateInProgress,
	{domain.StateInProgress, domain.EventSubmitForReview}: domain.StateReviewPending,
	{domain.StateReviewPending, domain.EventApprove}:      domain.StateResolved,
	{domain.StateReviewPending, domain.EventReject}:       domain.StateInProgress,
}

// Initial is the state a work item is created in.
const Initial = domain.StateProposed

// InvalidTransition is returned for any (state, event) pair missing from the table.
type InvalidTransition struct {
	State domain.HandoffState
	Event domain.HandoffEvent
}

func (e InvalidTransition) Error() string {
	return fmt.Sprintf("invalid handoff transition: %s does not accept %s", e.State, e.Event)
}

// Transition returns the next state for event.
func Transition(state domain.HandoffState, event domain.HandoffEvent) (domain.HandoffState, error) {
	next, ok := table[edge{state, event}]
	if !ok {
		return state, InvalidTransition{State: state, Event: event}
	}
	return next, nil
}

// Events lists the events accepted in state, sorted.
func Events(state domain.HandoffState) []domain.HandoffEvent {
	var out []domain.HandoffEvent
	for e := range table {
		if e.from == state {
			out = append(out, e.event)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Terminal reports whether no transition leaves state.
func Terminal(state domain.HandoffState) bool {
	return Valid(state) && len(Events(state)) == 0
}

func Valid(state domain.HandoffState) bool {
	switch state {
	case domain.StateProposed, domain.StateInProgress, domain.StateReviewPending, domain.StateResolved:
		return true
	}
	return false
}

func ValidEvent(event domain.HandoffEvent) bool {
	switch event {
	case domain.EventClaim, domain.EventSubmitForReview, domain.EventApprove, domain.EventReject:
		return true
	}
	return false
}

// Step is one applied transition as recorded in the ledger.
type Step struct {
	Seq   int64
	Event domain.HandoffEvent
	From  domain.HandoffState
	To    domain.HandoffState
}

// Replay folds steps from Initial. Steps without an event leave the state as is.
// A step whose From or To disagrees with the table is reported with its seq.
func Replay(steps []Step) (domain.HandoffState, error) {
	state := Initial
	for _, s := range steps {
		if s.From != state {
			return state, fmt.Errorf("replay seq %d: recorded from %s, replayed state is %s", s.Seq, s.From, state)
		}
		if s.Event == "" {
			if s.To != state {
				return state, fmt.Errorf("replay seq %d: state change %s -> %s without event", s.Seq, s.From, s.To)
			}
			continue
		}
		next, err := Transition(state, s.Event)
		if err != nil {
			return state, fmt.Errorf("replay seq %d: %w", s.Seq, err)
		}
		if next != s.To {
			return state, fmt.Errorf("replay seq %d: recorded to %s, table gives %s", s.Seq, s.To, next)
		}
		state = next
	}
	return state, nil
}
