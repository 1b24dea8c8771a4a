// Package experiment runs the experiment lifecycle: a small state
// machine, a tool registry, cron-style schedules, and the executor
// that drives tool runs and records their outcomes.
package experiment

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// Experiment states.
const (
	StateActive   = "active"
	StateRunning  = "running"
	StateRun      = "run"
	StateFailed   = "failed"
	StateArchived = "archived"
)

// ErrIllegalTransition is wrapped by Transition for any move the
// machine does not allow.
var ErrIllegalTransition = fmt.Errorf("illegal state transition")

// transitions holds the allowed moves. Archived is terminal: it appears
// only as a destination.
var transitions = map[string]map[string]bool{
	StateActive:  {StateRunning: true, StateArchived: true},
	StateRunning: {StateRun: true, StateFailed: true, StateArchived: true},
	StateRun:     {StateRunning: true, StateArchived: true},
	StateFailed:  {StateRunning: true, StateArchived: true},
}

// Transition validates a state change. An empty current state reads as
// active. Any state may archive; archived accepts nothing.
func Transition(from, to string) error {
	if from == "" {
		from = StateActive
	}
	if from == StateArchived {
		log.Warn().Str("to", to).Msg("transition attempted out of archived state")
		return fmt.Errorf("%w: archived is terminal", ErrIllegalTransition)
	}
	if to == StateArchived {
		return nil
	}
	if allowed, ok := transitions[from]; !ok || !allowed[to] {
		log.Warn().Str("from", from).Str("to", to).Msg("illegal state transition")
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
