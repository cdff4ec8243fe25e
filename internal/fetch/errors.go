package fetch

import "errors"

// Sentinel errors surfaced by Resolver operations (spec §4.1 "Failure
// modes", §7 "Error handling design").
var (
	ErrShuttingDown = errors.New("fetch: resolver is shutting down")
	ErrNoMemory     = errors.New("fetch: allocation failed")
	ErrUnexpected   = errors.New("fetch: unexpected failure")
	ErrFrozen       = errors.New("fetch: resolver is already frozen")
	ErrNotFrozen    = errors.New("fetch: resolver is not frozen")
)
