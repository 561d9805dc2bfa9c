package spectrum

import "errors"

// Sentinel errors describing the behavioral error taxonomy: callers
// distinguish kinds with errors.Is, not type switches.
var (
	// ErrFormatRejected means the stream does not look like the claimed
	// format. Recoverable by a dispatcher trying the next reader.
	ErrFormatRejected = errors.New("spectrum: format rejected")

	// ErrTruncated means the stream ended before a required field.
	// Fatal to the current parse.
	ErrTruncated = errors.New("spectrum: truncated input")

	// ErrValueOutOfRange means a coefficient, channel count, timestamp,
	// or GPS coordinate failed validation.
	ErrValueOutOfRange = errors.New("spectrum: value out of range")

	// ErrInvariantViolation means a codec-level invariant broke (CRC
	// mismatch, oversize control byte, and similar).
	ErrInvariantViolation = errors.New("spectrum: invariant violation")

	// ErrWriteFailure means the destination already exists (for
	// formats that refuse to overwrite) or the underlying write failed.
	ErrWriteFailure = errors.New("spectrum: write failure")
)
