// Package partpool drives bounded-concurrency uploads of a transfer's parts.
// A fixed-size pool of workers claims part jobs from a shared queue, retries
// transient failures with a fresh grant per attempt, and reports aggregated
// progress and per-part terminal outcomes. The pool never owns the canonical
// completed-part state; it hands results to the caller through the Sink.
package partpool

import (
	"context"

	"github.com/andrewtheguy/s3browser-sub001/upload/network"
)

// PartJob is one unit of work: a single part's number and byte range.
type PartJob struct {
	PartNumber int
	Offset     int64
	Size       int64
}

// PartFailure is the terminal outcome of a part that exhausted its retries
// or hit a non-retryable error.
type PartFailure struct {
	PartNumber int
	Err        error
}

func (f PartFailure) Error() string {
	return f.Err.Error()
}

func (f PartFailure) Unwrap() error {
	return f.Err
}

// Result collects the terminal outcomes of a pool run. Parts that were never
// claimed (because cancellation stopped the queue) appear in neither list.
type Result struct {
	Completed []network.CompletedPart
	Failed    []PartFailure
}

// GrantSource mints a fresh single-use upload grant for a part. It is called
// again on every retry attempt; implementations must never hand out a cached
// grant because grants expire between issuance and use.
type GrantSource interface {
	AuthorizePart(ctx context.Context, partNumber int) (network.Grant, error)
}

// Sink receives results from the pool. OnComplete is invoked serially, one
// part at a time, before the part counts as done; the caller persists
// progress there. OnProgress receives the recomputed aggregate loaded byte
// count after every update from any worker.
type Sink struct {
	OnComplete func(part network.CompletedPart) error
	OnProgress func(loadedBytes int64)
}

type partOutcome struct {
	job PartJob
	tag string
	err error
}
