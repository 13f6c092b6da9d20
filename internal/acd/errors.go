package acd

import "errors"

var (
	// ErrUnknownQueue is an admission error: the named queue does not exist.
	ErrUnknownQueue = errors.New("unknown queue")
	// ErrInvalidPriority is returned for negative priorities.
	ErrInvalidPriority = errors.New("invalid priority")
	// ErrNilQueue is returned when a queue reference is missing.
	ErrNilQueue = errors.New("nil queue")
	// ErrAlreadyQueued is returned when a request is admitted twice into the same queue.
	ErrAlreadyQueued = errors.New("request already queued")
	// ErrQueuedElsewhere is returned when a valid request is still held by another queue.
	ErrQueuedElsewhere = errors.New("request queued in another queue")
	// ErrDuplicateRequest is returned when a request id is registered twice.
	ErrDuplicateRequest = errors.New("duplicate request id")
	// ErrRequestNotFound is returned for unknown request ids.
	ErrRequestNotFound = errors.New("request not found")
	// ErrOperatorNotFound is returned for unknown operator ids.
	ErrOperatorNotFound = errors.New("operator not found")
	// ErrInvalidRequest is returned when an inactive request is admitted.
	ErrInvalidRequest = errors.New("request is not valid")
	// ErrOperatorUnavailable is returned when a transfer target cannot take the call.
	ErrOperatorUnavailable = errors.New("operator unavailable")
	// ErrSessionClosed is returned for operations on a terminal or unbridged session.
	ErrSessionClosed = errors.New("session not in conversation")
	// ErrRequestBusy is returned when a request being offered is moved.
	ErrRequestBusy = errors.New("request has a session in flight")
	// ErrDispatcherClosed is returned after Shutdown.
	ErrDispatcherClosed = errors.New("dispatcher closed")
)
