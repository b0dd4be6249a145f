// Package progress persists the resumable state of in-flight transfers so an
// interrupted upload can continue after a process restart. Records are
// written through last-write-wins puts keyed by persistence ID; the store
// never mutates a record on its own.
package progress

import (
	"context"
)

// Record is the durable subset of a transfer needed to resume it: which
// parts are already uploaded and under which transfer identity.
type Record struct {
	PersistenceID string
	TransferID    string
	Key           string
	TotalParts    int
	PartSizeBytes int64
	// CompletedParts maps part number to the integrity tag the backend
	// returned for it.
	CompletedParts map[int]string
}

// Clone returns a deep copy so callers can persist a snapshot while the
// in-memory record keeps changing.
func (r Record) Clone() Record {
	clone := r
	clone.CompletedParts = make(map[int]string, len(r.CompletedParts))
	for n, tag := range r.CompletedParts {
		clone.CompletedParts[n] = tag
	}
	return clone
}

// Store is a durable key-value store for Records. Put overwrites by
// persistence ID; Delete of an absent record is not an error.
type Store interface {
	Put(ctx context.Context, record Record) error
	Get(ctx context.Context, persistenceID string) (Record, bool, error)
	Delete(ctx context.Context, persistenceID string) error
}
