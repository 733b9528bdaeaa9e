// Package coreerrors is the error taxonomy observable at the core's
// boundary (§7). Callers wrap a sentinel with context via fmt.Errorf and
// unwrap with errors.Is.
package coreerrors

import "errors"

var (
	// ErrTransientDB covers any non-OK status from the PQS. The offending
	// SQL should be included by the wrapping error.
	ErrTransientDB = errors.New("transient database error")

	// ErrFilesystem covers a missing/malformed migration attribute, a
	// failed stat, or a non-regular file.
	ErrFilesystem = errors.New("filesystem error")

	// ErrTapeIO covers an open/read/short-write failure against the
	// tape-backed path.
	ErrTapeIO = errors.New("tape I/O error")

	// ErrForcedTerminate is raised by the byte-copy loop when a forced
	// shutdown is requested mid-file.
	ErrForcedTerminate = errors.New("forced termination")

	// ErrSentinelEvent marks the connector's empty/sentinel event; it is
	// never wrapped with additional context and is always ignored silently
	// by callers.
	ErrSentinelEvent = errors.New("sentinel event")
)
