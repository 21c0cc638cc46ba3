package taskiface

import (
	"errors"
	"fmt"
)

var (
	// ErrNoEligibleDelegate means no live delegate matched the task within the wait bound.
	ErrNoEligibleDelegate = errors.New("no eligible delegate")
	// ErrTaskExpired means the task passed its expiry before a response was accepted.
	ErrTaskExpired = errors.New("task expired")
	// ErrTaskAborted means the requester aborted the task.
	ErrTaskAborted = errors.New("task aborted")
	// ErrExecutionFailure wraps business failures reported by a delegate.
	ErrExecutionFailure = errors.New("task execution failed")
	// ErrAwaitTimeout means the requester stopped waiting before the task resolved.
	ErrAwaitTimeout = errors.New("timed out waiting for task result")
)

type ErrorCode int

const (
	ErrUnknown ErrorCode = iota
	ErrUnknownTaskType
	ErrBadParams
	ErrHandler
	ErrCancelled
)

const (
	// Temp errors are raised by the runner itself rather than the handler.
	ErrTempUnknown ErrorCode = iota + 100
	ErrTempDelegateRestart
	ErrTempInfrastructure
)

// CallError carries a handler failure from a delegate back to the manager.
type CallError struct {
	Code    ErrorCode
	Message string
	sub     error
}

func (c *CallError) Error() string {
	return fmt.Sprintf("task call error %d: %s", c.Code, c.Message)
}

func (c *CallError) Unwrap() error {
	if c.sub != nil {
		return c.sub
	}

	return errors.New(c.Message)
}

func Err(code ErrorCode, sub error) *CallError {
	return &CallError{
		Code:    code,
		Message: sub.Error(),
		sub:     sub,
	}
}

// TaskResult is the final outcome delivered to a requester.
type TaskResult struct {
	Task          TaskID
	Status        TaskStatus
	Payload       []byte
	FailureReason string
}

// Err converts a non-successful result into one of the surfaced error kinds.
func (r TaskResult) Err() error {
	switch r.Status {
	case StatusSucceeded:
		return nil
	case StatusExpired:
		return ErrTaskExpired
	case StatusAborted:
		return ErrTaskAborted
	case StatusFailed:
		if r.FailureReason == ReasonNoEligible {
			return ErrNoEligibleDelegate
		}
		return fmt.Errorf("%w: %s", ErrExecutionFailure, r.FailureReason)
	default:
		return fmt.Errorf("task %s not finished (%s)", r.Task, r.Status)
	}
}

// ResultOf builds the requester-facing result from a terminal task record.
func ResultOf(t *Task) TaskResult {
	return TaskResult{
		Task:          t.ID,
		Status:        t.Status,
		Payload:       t.Result,
		FailureReason: t.FailureReason,
	}
}
