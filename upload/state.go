package upload

import (
	"github.com/andrewtheguy/s3browser-sub001/upload/partpool"
)

// Status is the lifecycle state of a transfer.
type Status string

// Transfer lifecycle states. Planned moves through Authorizing and
// Transporting to Finalizing on the happy path; Completed, Aborted and
// Failed are terminal.
const (
	StatusPlanned      Status = "planned"
	StatusAuthorizing  Status = "authorizing"
	StatusTransporting Status = "transporting"
	StatusFinalizing   Status = "finalizing"
	StatusCompleted    Status = "completed"
	StatusAborted      Status = "aborted"
	StatusFailed       Status = "failed"
)

// Result is the terminal outcome of an Upload call. On StatusFailed,
// FailedParts carries the part numbers that could not be uploaded and their
// last errors; the persisted record is kept so the caller can resume or
// discard. On StatusAborted with preserve semantics the record is kept too.
type Result struct {
	Status        Status
	TransferID    string
	Key           string
	PersistenceID string
	FailedParts   []partpool.PartFailure
}
