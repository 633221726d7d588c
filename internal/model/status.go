package model

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a derivation.
//
// Statuses are persisted as strings in the coordination store, so the set
// here must stay in sync with what external writers (the evaluator, the
// side-channel package importer) produce. ParseStatus validates at the
// store boundary; a foreign writer inserting an unknown value surfaces as
// an error on read, never as a silently accepted state.
type Status string

const (
	// StatusPending is a legacy defect value. Early schema versions
	// inserted new derivations as "pending", which no processing loop ever
	// picked up. It is retained so old rows still parse, but nothing in
	// this codebase produces it: inserts force eval_pending and
	// InsertDerivation rejects pending outright.
	StatusPending Status = "pending"

	StatusEvalPending    Status = "eval_pending"
	StatusEvalInProgress Status = "eval_in_progress"
	StatusEvalComplete   Status = "eval_complete"
	StatusEvalFailed     Status = "eval_failed"

	StatusBuildPending    Status = "build_pending"
	StatusBuildInProgress Status = "build_in_progress"
	StatusBuildComplete   Status = "build_complete"
	StatusBuildFailed     Status = "build_failed"

	// StatusComplete and StatusFailed are set by the side-channel importer
	// for packages that never pass through the eval/build pipeline.
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// ErrIllegalTransition is returned when a requested status transition is
// not an edge of the state machine.
var ErrIllegalTransition = errors.New("illegal status transition")

// transitions enumerates every legal forward edge of the state machine.
// The retry resets are intentionally absent; they are reachable only
// through RetryReset so that ordinary status updates can never move a
// derivation backwards by accident.
var transitions = map[Status][]Status{
	StatusEvalPending:     {StatusEvalInProgress},
	StatusEvalInProgress:  {StatusEvalComplete, StatusEvalFailed},
	StatusEvalComplete:    {StatusBuildPending},
	StatusBuildPending:    {StatusBuildInProgress},
	StatusBuildInProgress: {StatusBuildComplete, StatusBuildFailed},
}

// retryResets maps each terminal failure to its stage's pending
// predecessor. StatusFailed resets into the build stage: side-channel
// packages have no eval history to replay, so an operator retry sends them
// through the builder.
var retryResets = map[Status]Status{
	StatusEvalFailed:  StatusEvalPending,
	StatusBuildFailed: StatusBuildPending,
	StatusFailed:      StatusBuildPending,
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending,
		StatusEvalPending, StatusEvalInProgress, StatusEvalComplete, StatusEvalFailed,
		StatusBuildPending, StatusBuildInProgress, StatusBuildComplete, StatusBuildFailed,
		StatusComplete, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further automatic transition leaves s.
func (s Status) Terminal() bool {
	switch s {
	case StatusEvalFailed, StatusBuildComplete, StatusBuildFailed, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// Succeeded reports whether s is a terminal success state.
func (s Status) Succeeded() bool {
	return s == StatusBuildComplete || s == StatusComplete
}

// Claimable reports whether a derivation in this status may be offered to
// workers. Eval-complete derivations are claimable because claiming moves
// them through build_pending into build_in_progress in one transaction.
func (s Status) Claimable() bool {
	return s == StatusEvalComplete || s == StatusBuildPending
}

// InProgress reports whether s indicates a worker holds (or held) the
// derivation. Used by the startup reconciliation sweep to find work that
// was abandoned mid-flight.
func (s Status) InProgress() bool {
	return s == StatusEvalInProgress || s == StatusBuildInProgress
}

// CanTransition reports whether from → to is a legal move: either a
// forward edge of the state machine or the explicit retry reset.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return retryResets[from] == to
}

// Transition validates from → to and returns the target status.
// An illegal request is rejected, never silently applied.
func Transition(from, to Status) (Status, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s → %s", ErrIllegalTransition, from, to)
	}
	return to, nil
}

// RetryReset returns the pending predecessor a terminal failure resets to.
// The second return is false when s has no reset (success states, and any
// non-terminal status).
func RetryReset(s Status) (Status, bool) {
	target, ok := retryResets[s]
	return target, ok
}

// ParseStatus validates a persisted status string. The store calls this on
// every row scan so that a legacy or foreign writer's unexpected value is
// reported instead of propagating through scheduling decisions.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown derivation status %q", raw)
	}
	return s, nil
}
