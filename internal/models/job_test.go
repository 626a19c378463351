package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJobType(t *testing.T) {
	cases := map[string]JobType{
		"AVAILABILITY_CHECK": JobAvailabilityCheck,
		"place_order":        JobPlaceOrder,
		"FNO_AVAILABILITY":   JobAvailabilityCheck,
		"FNO_ORDER":          JobPlaceOrder,
		" ESCALATE_FAULT ":   JobEscalateFault,
	}
	for in, want := range cases {
		got, err := ParseJobType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseJobType("REBOOT")
	assert.Error(t, err)
}

func TestTransitionsNeverLeaveTerminalStates(t *testing.T) {
	all := []JobState{StateQueued, StateRunning, StateRetryScheduled, StateCancelRequested, StateSucceeded, StateFailed, StateCancelled}
	for _, from := range []JobState{StateSucceeded, StateFailed, StateCancelled} {
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestJobTransition(t *testing.T) {
	now := time.Now()
	job := Job{ID: "j", State: StateQueued, CreatedAt: now}

	require.NoError(t, job.Transition(StateRunning, now))
	require.NoError(t, job.Transition(StateRetryScheduled, now))
	require.NoError(t, job.Transition(StateRunning, now))
	require.NoError(t, job.Transition(StateSucceeded, now.Add(time.Second)))

	assert.Error(t, job.Transition(StateQueued, now))
	assert.Equal(t, StateSucceeded, job.State)
	assert.Equal(t, time.Second, job.Elapsed(now.Add(time.Hour)))
}
