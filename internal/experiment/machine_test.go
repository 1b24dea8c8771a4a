package experiment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{StateActive, StateRunning, true},
		{StateRunning, StateRun, true},
		{StateRunning, StateFailed, true},
		{StateRun, StateRunning, true},
		{StateFailed, StateRunning, true},
		// any state may archive
		{StateActive, StateArchived, true},
		{StateRunning, StateArchived, true},
		{StateRun, StateArchived, true},
		{StateFailed, StateArchived, true},
		// empty reads as active
		{"", StateRunning, true},
		{"", StateArchived, true},
		// illegal edges
		{StateActive, StateRun, false},
		{StateActive, StateFailed, false},
		{StateRun, StateFailed, false},
		{StateFailed, StateRun, false},
		// archived is terminal
		{StateArchived, StateRunning, false},
		{StateArchived, StateActive, false},
		{StateArchived, StateArchived, false},
	}
	for _, tc := range cases {
		err := Transition(tc.from, tc.to)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			assert.ErrorIs(t, err, ErrIllegalTransition, "%s -> %s", tc.from, tc.to)
		}
	}
}
