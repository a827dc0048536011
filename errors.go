package apmz

import "errors"

// Lifecycle errors. These indicate a defect at the instrumentation call site
// and are always returned to the caller, never absorbed.
var (
	ErrAlreadyStarted  = errors.New("apmz: timer already started")
	ErrNotRunning      = errors.New("apmz: timer not running")
	ErrStillRunning    = errors.New("apmz: timer still running")
	ErrAlreadyFinished = errors.New("apmz: already finished")
)

// Context and tree errors.
var (
	ErrNoActiveTransaction = errors.New("apmz: no active transaction")
	ErrTransactionEnded    = errors.New("apmz: transaction ended")
	ErrSegmentLimit        = errors.New("apmz: segment limit reached")
	ErrUnknownSegment      = errors.New("apmz: unknown segment")
	ErrInvalidAttribute    = errors.New("apmz: attribute value must be a scalar")
)
