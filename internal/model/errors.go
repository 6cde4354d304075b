package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a task failure. The worker uses the kind to decide
// between retry, failover, and terminal failure; the API surfaces it so a
// caller can distinguish "fix your input" from "try again" from "service down".
type ErrorKind string

const (
	// KindValidation: bad parameters or template mismatch. Never retried.
	KindValidation ErrorKind = "validation"
	// KindConnection: backend unreachable. Retried with backoff, then failover.
	KindConnection ErrorKind = "connection"
	// KindExecution: backend accepted the job but errored it. Failover, no
	// same-backend retry.
	KindExecution ErrorKind = "execution"
	// KindProtocol: malformed backend response. A bug signal, logged loudly.
	KindProtocol ErrorKind = "protocol"
	// KindTimeout: task exceeded its wall-clock budget.
	KindTimeout ErrorKind = "timeout"
	// KindIncompleteResult: backend reported success but outputs are missing.
	KindIncompleteResult ErrorKind = "incomplete_result"
	// KindQueueFull: admission rejected, surfaced synchronously to the caller.
	KindQueueFull ErrorKind = "queue_full"
	// KindNoBackend: routing found no eligible backend, or failover was exhausted.
	KindNoBackend ErrorKind = "no_backend_available"
	// KindInterrupted: the process restarted while the task was running.
	KindInterrupted ErrorKind = "interrupted"
	// KindCancelled: the task was cancelled by the caller.
	KindCancelled ErrorKind = "cancelled"
)

// TaskError is a classified task failure carrying a human-readable message
// alongside its structured kind.
type TaskError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *TaskError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// Errf constructs a TaskError of the given kind with a formatted message.
func Errf(kind ErrorKind, format string, args ...any) *TaskError {
	return &TaskError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapErr constructs a TaskError of the given kind wrapping an underlying error.
func WrapErr(kind ErrorKind, err error, message string) *TaskError {
	return &TaskError{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the ErrorKind from err, walking the wrap chain. Unclassified
// errors default to KindExecution so they are never silently retried on the
// same backend.
func KindOf(err error) ErrorKind {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindExecution
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
