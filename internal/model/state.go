// SPDX-License-Identifier: MIT

// Package model provides the typed enumerations and records shared by the
// queue, the worker pool and the control surface.
//
// States, priorities and error codes are closed enumerations. Keep these
// stable: persisted records, metrics and the API depend on them.
package model

import (
	"encoding/json"
	"fmt"
)

// JobState is the lifecycle state of a transcription job.
type JobState string

const (
	// StateWaiting means the job is queued and eligible for leasing.
	StateWaiting JobState = "waiting"

	// StateDelayed means the job is scheduled to re-enter waiting later.
	StateDelayed JobState = "delayed"

	// StateActive means a worker currently holds a lease on the job.
	StateActive JobState = "active"

	// StateCompleted is terminal: the transcript exists.
	StateCompleted JobState = "completed"

	// StateFailed is terminal: the job exhausted its attempts or hit a
	// non-retryable error.
	StateFailed JobState = "failed"
)

// String implements fmt.Stringer.
func (s JobState) String() string { return string(s) }

// IsValid reports whether the state is one of the defined constants.
func (s JobState) IsValid() bool {
	switch s {
	case StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the state is final. Terminal jobs are never
// leased and never transition except through an explicit retry.
func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransitionTo enforces the lifecycle matrix:
//
//	waiting → active
//	delayed → waiting
//	active  → completed | failed | delayed (retryable failure) | waiting (stall)
//	failed  → waiting (retry, requeue or revive)
//
// Completed is a dead end; the store rejects everything else.
func (s JobState) CanTransitionTo(target JobState) bool {
	switch s {
	case StateWaiting:
		return target == StateActive
	case StateDelayed:
		return target == StateWaiting
	case StateActive:
		return target == StateCompleted || target == StateFailed ||
			target == StateDelayed || target == StateWaiting
	case StateFailed:
		return target == StateWaiting
	default:
		return false
	}
}

// UnmarshalJSON rejects unknown states so corrupt records surface loudly.
func (s *JobState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	state := JobState(str)
	if !state.IsValid() {
		return fmt.Errorf("invalid job state: %q", str)
	}
	*s = state
	return nil
}

// AllJobStates returns every defined state, for iteration in counts and the API.
func AllJobStates() []JobState {
	return []JobState{StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed}
}

// Priority orders waiting jobs for dispatch. Lower rank dequeues first.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank maps the priority onto its dispatch order. Urgent is dispatched
// before high, high before normal, normal before low.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// IsValid reports whether the priority is one of the defined constants.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// ParsePriority parses a string into a Priority.
func ParsePriority(s string) (Priority, error) {
	p := Priority(s)
	if !p.IsValid() {
		return "", fmt.Errorf("invalid priority: %q (valid: urgent, high, normal, low)", s)
	}
	return p, nil
}
