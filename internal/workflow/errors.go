package workflow

import (
	"errors"
	"fmt"
)

var (
	ErrBusy             = errors.New("another operation is in progress")
	ErrInvalidState     = errors.New("action not allowed in current state")
	ErrNoTemplate       = errors.New("no template selected")
	ErrUnknownTemplate  = errors.New("unknown template")
	ErrNoImage          = errors.New("no image acquired")
	ErrEmptyResult      = errors.New("analysis result is empty")
	ErrAlreadyCommitted = errors.New("draft already committed")
	ErrNotCommitted     = errors.New("draft has no record id")
)

// OpError is returned by every failed orchestrator operation.
// State is the state the orchestrator was in when the operation failed.
type OpError struct {
	Op    Action
	State State
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s in %s: %v", e.Op, e.State, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// ValidationError rejects operator-edited results. The draft is left unchanged.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid result: " + e.Reason
}

// Failure is the last failure, kept for display and retry.
// Retry is the state the operator can retry from.
type Failure struct {
	Op      Action `json:"op"`
	State   State  `json:"state"`
	Retry   State  `json:"retry"`
	Message string `json:"message"`
}
