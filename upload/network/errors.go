package network

import (
	"context"
	"errors"
)

// ErrInvalidRequest is returned when the authorization service rejects a
// request as malformed (bad size, content type or part number).
var ErrInvalidRequest = errors.New("invalid upload request")

// ErrAuthRejected is returned when the caller lacks permission to upload to
// the requested key.
var ErrAuthRejected = errors.New("upload authorization rejected")

// ErrTransferNotFound is returned when the referenced transfer was discarded
// or expired on the authorization service side.
var ErrTransferNotFound = errors.New("transfer not found")

// ErrMissingIntegrityTag is returned when the storage backend accepted a
// part's bytes but did not return an integrity tag. Retrying would duplicate
// storage cost without resolving the root cause, so this is never retried.
var ErrMissingIntegrityTag = errors.New("no integrity tag in storage response")

// ErrPartMismatch is returned when the authorization service's recorded set
// of completed parts disagrees with the caller's at finalize time.
var ErrPartMismatch = errors.New("completed parts mismatch")

// IsFatal reports whether an upload error must not be retried. Anything else
// (connection resets, timeouts, 5xx from the storage endpoint, expired
// grants) is considered transient: a retry re-requests a fresh grant first.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrAuthRejected) ||
		errors.Is(err, ErrTransferNotFound) ||
		errors.Is(err, ErrMissingIntegrityTag) ||
		errors.Is(err, ErrPartMismatch) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
