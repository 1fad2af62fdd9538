package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyQueue is returned by Take when no message is available. It is
	// an expected condition: poll again later.
	ErrEmptyQueue = errors.New("queue: no tasks available")

	// ErrLeaseInvalid means the backend no longer recognizes a lease token
	// (expired, deleted or redelivered). The task is no longer owned.
	ErrLeaseInvalid = errors.New("queue: lease token is not valid")

	// ErrRemoteFailure wraps transport and service errors from the backend.
	ErrRemoteFailure = errors.New("queue: remote failure")

	// ErrMalformedMessage is returned by Take and Unmarshal when a message
	// body does not decode into a task.
	ErrMalformedMessage = errors.New("queue: malformed message")

	ErrInvalidTask   = errors.New("queue: invalid task")
	ErrQueueNotFound = errors.New("queue: queue does not exist")
)

// BatchError reports a batch send that failed. None of the group's tasks
// should be assumed enqueued.
type BatchError struct {
	Group int
	Size  int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d (%d tasks): %v", e.Group, e.Size, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// remote tags err as a remote failure unless it already carries a queue
// classification the caller should see instead.
func remote(op string, err error) error {
	if errors.Is(err, ErrLeaseInvalid) || errors.Is(err, ErrQueueNotFound) || errors.Is(err, ErrRemoteFailure) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrRemoteFailure, op, err)
}
