package network

import (
	"context"
)

// AuthorizationClient mints transfer identifiers and single-use part upload
// grants from the trusted authorization service, and finalizes or discards
// multipart transfers.
type AuthorizationClient interface {
	BeginTransfer(ctx context.Context, request BeginRequest) (BeginResponse, error)
	AuthorizePart(ctx context.Context, transferID, key string, partNumber int) (Grant, error)
	Finalize(ctx context.Context, transferID, key string, parts []CompletedPart) (FinalizeResponse, error)
	Discard(ctx context.Context, transferID, key string) error
}

// PartTransporter executes one authorized upload of one part's bytes to the
// storage endpoint.
type PartTransporter interface {
	Transport(ctx context.Context, grant Grant, body []byte, onProgress func(loaded int64)) (string, error)
}
