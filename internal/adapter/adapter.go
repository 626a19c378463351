// Package adapter talks to upstream fibre network operators. Two integration styles
// sit behind the same Adapter contract: a remote JSON API and a scripted portal session.
package adapter

import (
	"context"
	"errors"
	"fmt"

	"fno-automation-engine/internal/registry"
)

// ErrConfiguration marks a descriptor that cannot be turned into an adapter.
var ErrConfiguration = errors.New("configuration error")

// ErrCancelled is wrapped by integration errors raised because the job was cancelled.
var ErrCancelled = errors.New("cancelled")

// Result is the opaque JSON object an operator returned.
type Result map[string]any

// Customer is the subscriber data sent with an installation order.
type Customer struct {
	Name       string `json:"name" validate:"required"`
	Email      string `json:"email,omitempty" validate:"omitempty,email"`
	Phone      string `json:"phone,omitempty"`
	Address    string `json:"address" validate:"required"`
	AccountRef string `json:"account_ref,omitempty"`
}

// Fault is a degraded-signal report logged with the operator.
type Fault struct {
	DeviceID   string  `json:"device_id" validate:"required"`
	RxPowerDBm float64 `json:"rx_power"`
	Severity   string  `json:"severity" validate:"required"`
}

// Adapter is the operation set every integration style implements.
type Adapter interface {
	Operator() string
	Capability() registry.Capability
	CheckAvailability(ctx context.Context, address string) (Result, error)
	PlaceOrder(ctx context.Context, customer Customer, planID string) (Result, error)
	CancelOrder(ctx context.Context, orderID string) (Result, error)
	ReportFault(ctx context.Context, fault Fault) (Result, error)
}

// ErrorKind decides whether the dispatcher may retry.
type ErrorKind string

const (
	KindTransient ErrorKind = "TRANSIENT"
	KindTerminal  ErrorKind = "TERMINAL"
)

// Reason codes attached to integration errors.
const (
	ReasonTimeout        = "TIMEOUT"
	ReasonConnection     = "CONNECTION"
	ReasonUnavailable    = "UPSTREAM_UNAVAILABLE"
	ReasonRejected       = "REJECTED"
	ReasonBadResponse    = "BAD_RESPONSE"
	ReasonLoginRejected  = "LOGIN_REJECTED"
	ReasonTargetNotFound = "TARGET_NOT_FOUND"
	ReasonStepFailed     = "STEP_FAILED"
	ReasonCancelled      = "CANCELLED"
	ReasonAborted        = "ABORTED"
)

// IntegrationError is the single failure shape both adapters return.
type IntegrationError struct {
	Kind     ErrorKind
	Reason   string
	Operator string
	Op       string
	// Step is the last portal step that completed; empty for API calls.
	Step    string
	Message string
	Err     error
}

func (e *IntegrationError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Operator, e.Op, e.Reason)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Step != "" {
		msg += fmt.Sprintf(" (last step %s)", e.Step)
	}
	return msg
}

func (e *IntegrationError) Unwrap() error { return e.Err }

// IsTransient reports whether err may succeed on a later attempt.
func IsTransient(err error) bool {
	var ie *IntegrationError
	return errors.As(err, &ie) && ie.Kind == KindTransient
}
