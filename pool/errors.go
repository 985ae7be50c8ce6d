package pool

import "errors"

var (
	// ErrConnect indicates the relay socket could not be opened.
	ErrConnect = errors.New("relay connect failed")

	// ErrNotConnected indicates an operation on a session whose socket is
	// not open.
	ErrNotConnected = errors.New("session not connected")

	// ErrTimeout indicates a deadline expired before the operation finished.
	ErrTimeout = errors.New("operation timed out")

	// ErrMaxConnections indicates the pool is at its connection ceiling and
	// no idle session could be evicted within the acquire wait window.
	ErrMaxConnections = errors.New("max connections exceeded")

	// ErrDegraded indicates the session exhausted its retry budget and is
	// excluded from new work until explicitly retried.
	ErrDegraded = errors.New("session degraded")
)
