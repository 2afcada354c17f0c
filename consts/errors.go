package consts

import "errors"

var (
	// ErrConnectFailed is returned when the connection factory cannot
	// establish or authenticate an upstream handle. The pool never retries
	// it; retry policy belongs to the caller.
	ErrConnectFailed = errors.New("upstream connection failed")

	// ErrStoreUnavailable is returned when the durable session store is
	// unreachable.
	ErrStoreUnavailable = errors.New("session store unavailable")

	// ErrSessionFailed is returned when a cached handle fails mid-operation.
	ErrSessionFailed = errors.New("session operation failed")

	ErrInboxNotFound = errors.New("inbox not found")
	ErrPoolClosed    = errors.New("session pool closed")

	ErrMalformedMessage = errors.New("malformed message")
)
