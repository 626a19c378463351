package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JobType selects the adapter operation a job runs.
type JobType string

const (
	JobAvailabilityCheck JobType = "AVAILABILITY_CHECK"
	JobPlaceOrder        JobType = "PLACE_ORDER"
	JobCancelOrder       JobType = "CANCEL_ORDER"
	JobEscalateFault     JobType = "ESCALATE_FAULT"
)

var jobTypeAliases = map[string]JobType{
	"FNO_AVAILABILITY": JobAvailabilityCheck,
	"FNO_ORDER":        JobPlaceOrder,
	"FNO_CANCEL":       JobCancelOrder,
	"FNO_FAULT":        JobEscalateFault,
}

// ParseJobType accepts canonical names and the legacy FNO_* aliases.
func ParseJobType(s string) (JobType, error) {
	up := JobType(strings.ToUpper(strings.TrimSpace(s)))
	switch up {
	case JobAvailabilityCheck, JobPlaceOrder, JobCancelOrder, JobEscalateFault:
		return up, nil
	}
	if t, ok := jobTypeAliases[string(up)]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown job type %q", s)
}

// JobState enumerates lifecycle states of an automation job.
type JobState string

const (
	StateQueued          JobState = "QUEUED"
	StateRunning         JobState = "RUNNING"
	StateRetryScheduled  JobState = "RETRY_SCHEDULED"
	StateCancelRequested JobState = "CANCEL_REQUESTED"
	StateSucceeded       JobState = "SUCCEEDED"
	StateFailed          JobState = "FAILED"
	StateCancelled       JobState = "CANCELLED"
)

var transitions = map[JobState][]JobState{
	StateQueued:          {StateRunning, StateCancelled},
	StateRunning:         {StateSucceeded, StateFailed, StateRetryScheduled, StateCancelRequested},
	StateRetryScheduled:  {StateRunning, StateCancelled},
	StateCancelRequested: {StateCancelled, StateSucceeded, StateFailed},
}

// CanTransition reports whether from -> to is a legal move. Terminal states accept nothing.
func CanTransition(from, to JobState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// JobError is the persisted failure detail of the last attempt.
type JobError struct {
	Kind     string `json:"kind"`
	Reason   string `json:"reason"`
	Message  string `json:"message"`
	LastStep string `json:"last_step,omitempty"`
}

// Job is an automation job against an upstream operator.
type Job struct {
	ID          string          `json:"id"`
	Tenant      string          `json:"tenant"`
	Type        JobType         `json:"type"`
	Operator    string          `json:"operator"`
	Capability  string          `json:"capability"`
	Payload     json.RawMessage `json:"payload"`
	State       JobState        `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	NextRunAt   time.Time       `json:"next_run_at"`
	Progress    string          `json:"progress,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	LastError   *JobError       `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Transition moves the job to the next state, refusing illegal moves.
func (j *Job) Transition(to JobState, at time.Time) error {
	if !CanTransition(j.State, to) {
		return fmt.Errorf("illegal transition %s -> %s for job %s", j.State, to, j.ID)
	}
	j.State = to
	j.UpdatedAt = at
	return nil
}

// Elapsed is time since creation, frozen once the job is terminal.
func (j Job) Elapsed(now time.Time) time.Duration {
	if j.State.Terminal() {
		return j.UpdatedAt.Sub(j.CreatedAt)
	}
	return now.Sub(j.CreatedAt)
}

// AuditLog is one recorded lifecycle event of a job.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
