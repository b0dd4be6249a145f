// Package upload implements the resumable, concurrent multipart upload
// engine behind the file manager's transfer UI. A Manager owns one
// transfer's lifecycle: it plans the part layout, obtains a transfer
// identity and per-part grants from the authorization service, drives a
// bounded pool of part uploads, persists progress so an interrupted transfer
// can resume, and finalizes or discards the transfer.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/andrewtheguy/s3browser-sub001/upload/network"
	"github.com/andrewtheguy/s3browser-sub001/upload/partition"
	"github.com/andrewtheguy/s3browser-sub001/upload/partpool"
	"github.com/andrewtheguy/s3browser-sub001/upload/progress"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/docker/go-units"
	"github.com/google/uuid"
)

// ErrTransferFailed marks an Upload outcome where one or more parts could
// not be uploaded. The persisted record is kept, so calling Upload again
// with the returned record resumes instead of restarting.
var ErrTransferFailed = errors.New("transfer failed")

// Input describes one upload: a source, its destination key, and optional
// resume state from a previous interrupted attempt.
type Input struct {
	// Source provides the file's bytes. FileSource satisfies this, as does
	// bytes.Reader.
	Source io.ReaderAt
	// SizeInBytes is the total size of the source.
	SizeInBytes int64
	// Key is the requested destination key. The authorization service may
	// rewrite it; the canonical key is reported on the Result.
	Key         string
	ContentType string
	// PersistenceID keys the durable progress record. Generated when
	// empty. The surrounding UI derives a stable ID from the file's
	// name/size/last-modified so it can offer resume after a reload.
	PersistenceID string
	// Resume, when set, continues a previously interrupted transfer:
	// BeginTransfer is skipped and only the parts missing from the record
	// are scheduled.
	Resume *progress.Record
	// PreserveOnCancel keeps the persisted record and skips the backend
	// discard when the context is cancelled, turning cancellation into a
	// resumable pause instead of an abandon.
	PreserveOnCancel bool
	// OnProgress receives aggregate loaded bytes out of SizeInBytes.
	OnProgress func(loadedBytes, totalBytes int64)
}

// Manager orchestrates transfers against one authorization service and one
// durable progress store.
type Manager struct {
	api         network.AuthorizationClient
	transporter network.PartTransporter
	store       progress.Store
	config      Config
	logger      log.Logger
}

// NewManager creates a Manager from explicit collaborators.
func NewManager(
	api network.AuthorizationClient,
	transporter network.PartTransporter,
	store progress.Store,
	config Config,
	logger log.Logger,
) *Manager {
	return &Manager{
		api:         api,
		transporter: transporter,
		store:       store,
		config:      config.withDefaults(),
		logger:      logger,
	}
}

// NewDefaultManager wires a Manager against the authorization service at
// apiBaseURL with the stock HTTP clients.
func NewDefaultManager(apiBaseURL, accessToken string, store progress.Store, config Config, logger log.Logger) *Manager {
	api := network.NewAPIClient(retryhttp.NewClient(logger), apiBaseURL, accessToken, logger)
	transporter := network.NewTransporter(nil, logger)
	return NewManager(api, transporter, store, config, logger)
}

// Upload runs one transfer to a terminal state. The returned Result is
// non-nil for every terminal state reached after a transfer identity exists;
// the error is non-nil for Failed outcomes and nil for Completed and Aborted
// ones (cancellation is a deliberate outcome, not an error).
func (m *Manager) Upload(ctx context.Context, input Input) (*Result, error) {
	if input.Source == nil {
		return nil, fmt.Errorf("%w: source must not be nil", network.ErrInvalidRequest)
	}
	if input.SizeInBytes < 0 {
		return nil, fmt.Errorf("%w: negative size", network.ErrInvalidRequest)
	}
	if input.Key == "" && input.Resume == nil {
		return nil, fmt.Errorf("%w: key must not be empty", network.ErrInvalidRequest)
	}

	record, err := m.establishTransfer(ctx, input)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Status:        StatusTransporting,
		TransferID:    record.TransferID,
		Key:           record.Key,
		PersistenceID: record.PersistenceID,
	}

	pending := m.pendingJobs(record, input.SizeInBytes)
	m.logger.Infof("Uploading %s to %s: %d of %d parts pending (%s parts)",
		units.BytesSize(float64(input.SizeInBytes)), record.Key,
		len(pending), record.TotalParts, units.BytesSize(float64(record.PartSizeBytes)))

	poolResult := m.transport(ctx, input, record, pending)
	result.FailedParts = poolResult.Failed

	if ctx.Err() != nil {
		return m.abort(ctx, input, result)
	}

	if len(poolResult.Failed) > 0 {
		result.Status = StatusFailed
		m.logger.Errorf("Transfer %s failed: %d parts could not be uploaded", record.TransferID, len(poolResult.Failed))
		return result, fmt.Errorf("%w: %d of %d parts failed", ErrTransferFailed, len(poolResult.Failed), record.TotalParts)
	}

	return m.finalize(ctx, record, result)
}

// Discard abandons a resumable transfer: it releases the backend's storage
// resources and erases the persisted record. The backend call's failure is
// logged, not escalated, since the transfer is being abandoned regardless.
func (m *Manager) Discard(ctx context.Context, record progress.Record) error {
	if err := m.api.Discard(ctx, record.TransferID, record.Key); err != nil {
		m.logger.Warnf("Discard of transfer %s failed: %s", record.TransferID, err)
	}
	if record.PersistenceID == "" {
		return nil
	}
	if err := m.store.Delete(ctx, record.PersistenceID); err != nil {
		return fmt.Errorf("clear persisted progress: %w", err)
	}
	return nil
}

// establishTransfer either seeds state from a resume record or registers a
// new transfer with the authorization service.
func (m *Manager) establishTransfer(ctx context.Context, input Input) (*progress.Record, error) {
	if input.Resume != nil && input.Resume.TransferID != "" {
		record := input.Resume.Clone()
		if record.PartSizeBytes <= 0 {
			return nil, fmt.Errorf("%w: resume record has no part size", network.ErrInvalidRequest)
		}
		if got := partition.NumParts(input.SizeInBytes, record.PartSizeBytes); got != record.TotalParts {
			return nil, fmt.Errorf("%w: resume record expects %d parts, source splits into %d",
				network.ErrInvalidRequest, record.TotalParts, got)
		}
		m.logger.Debugf("Resuming transfer %s: %d of %d parts already uploaded",
			record.TransferID, len(record.CompletedParts), record.TotalParts)
		return &record, nil
	}

	// Below the multipart threshold the same engine runs a degenerate
	// one-part transfer; the part simply spans the whole file.
	partSize := m.config.PartSizeBytes
	if input.SizeInBytes < m.config.MultipartThresholdBytes {
		partSize = input.SizeInBytes
		if partSize == 0 {
			partSize = 1
		}
	}

	resp, err := m.api.BeginTransfer(ctx, network.BeginRequest{
		Key:         input.Key,
		ContentType: input.ContentType,
		SizeInBytes: input.SizeInBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("begin transfer: %w", err)
	}

	// The service's part size is authoritative once it answers with one.
	if resp.PartSizeBytes > 0 {
		partSize = resp.PartSizeBytes
	}
	totalParts := partition.NumParts(input.SizeInBytes, partSize)
	if resp.PartCount > 0 && resp.PartCount != totalParts {
		m.logger.Warnf("Part count mismatch: service expects %d, planner computed %d", resp.PartCount, totalParts)
	}

	persistenceID := input.PersistenceID
	if persistenceID == "" {
		persistenceID = uuid.NewString()
	}

	record := progress.Record{
		PersistenceID:  persistenceID,
		TransferID:     resp.TransferID,
		Key:            resp.Key,
		TotalParts:     totalParts,
		PartSizeBytes:  partSize,
		CompletedParts: map[int]string{},
	}
	if err := m.store.Put(ctx, record); err != nil {
		return nil, fmt.Errorf("persist transfer state: %w", err)
	}
	return &record, nil
}

func (m *Manager) pendingJobs(record *progress.Record, totalSize int64) []partpool.PartJob {
	jobs := make([]partpool.PartJob, 0, record.TotalParts-len(record.CompletedParts))
	for n := 1; n <= record.TotalParts; n++ {
		if _, done := record.CompletedParts[n]; done {
			continue
		}
		start, end := partition.Range(n, totalSize, record.PartSizeBytes)
		jobs = append(jobs, partpool.PartJob{PartNumber: n, Offset: start, Size: end - start})
	}
	return jobs
}

// transport delegates the pending set to the worker pool. Every completed
// part is written to the durable store before it is acknowledged in memory,
// so a crash between upload and persistence re-uploads the part on resume.
func (m *Manager) transport(ctx context.Context, input Input, record *progress.Record, pending []partpool.PartJob) partpool.Result {
	var baseline int64
	for n := range record.CompletedParts {
		start, end := partition.Range(n, input.SizeInBytes, record.PartSizeBytes)
		baseline += end - start
	}

	pool := partpool.New(
		grantSource{api: m.api, transferID: record.TransferID, key: record.Key},
		m.transporter,
		partpool.Config{
			Concurrency:        m.config.Concurrency,
			MaxAttemptsPerPart: m.config.MaxAttemptsPerPart,
			RetryWaitUnit:      m.config.RetryWaitUnit,
		},
		m.logger,
	)

	return pool.Run(ctx, pending, input.Source, baseline, partpool.Sink{
		OnComplete: func(part network.CompletedPart) error {
			snapshot := record.Clone()
			snapshot.CompletedParts[part.PartNumber] = part.IntegrityTag
			if err := m.store.Put(ctx, snapshot); err != nil {
				return err
			}
			record.CompletedParts[part.PartNumber] = part.IntegrityTag
			m.logger.Debugf("Part %d/%d uploaded", part.PartNumber, record.TotalParts)
			return nil
		},
		OnProgress: func(loaded int64) {
			if input.OnProgress != nil {
				input.OnProgress(loaded, input.SizeInBytes)
			}
		},
	})
}

func (m *Manager) finalize(ctx context.Context, record *progress.Record, result *Result) (*Result, error) {
	if len(record.CompletedParts) != record.TotalParts {
		// Reaching finalize without every part accounted for is a bug in
		// this engine, not a recoverable condition.
		result.Status = StatusFailed
		return result, fmt.Errorf("%w: %d of %d parts recorded at finalize",
			ErrTransferFailed, len(record.CompletedParts), record.TotalParts)
	}

	result.Status = StatusFinalizing

	parts := make([]network.CompletedPart, 0, record.TotalParts)
	for n, tag := range record.CompletedParts {
		parts = append(parts, network.CompletedPart{PartNumber: n, IntegrityTag: tag})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	resp, err := m.api.Finalize(ctx, record.TransferID, record.Key, parts)
	if err != nil {
		// On PartMismatch the persisted record is deliberately kept so the
		// divergence can be inspected; retrying finalize blindly would not
		// resolve it.
		result.Status = StatusFailed
		return result, fmt.Errorf("finalize transfer: %w", err)
	}
	if resp.Key != "" {
		result.Key = resp.Key
	}

	if err := m.store.Delete(ctx, record.PersistenceID); err != nil {
		result.Status = StatusCompleted
		return result, fmt.Errorf("clear persisted progress: %w", err)
	}

	result.Status = StatusCompleted
	m.logger.Donef("Transfer %s completed: %d parts assembled into %s", record.TransferID, record.TotalParts, result.Key)
	return result, nil
}

// abort handles a cancelled run. By default the transfer is abandoned:
// backend resources are released and the record erased. With
// PreserveOnCancel the record survives so the caller can resume later.
func (m *Manager) abort(ctx context.Context, input Input, result *Result) (*Result, error) {
	result.Status = StatusAborted

	if input.PreserveOnCancel {
		m.logger.Infof("Transfer %s paused: progress kept for resume", result.TransferID)
		return result, nil
	}

	// The run's context is already cancelled; cleanup gets its own.
	cleanupCtx := context.WithoutCancel(ctx)

	if err := m.api.Discard(cleanupCtx, result.TransferID, result.Key); err != nil {
		m.logger.Warnf("Discard of transfer %s failed: %s", result.TransferID, err)
	}
	if err := m.store.Delete(cleanupCtx, result.PersistenceID); err != nil {
		m.logger.Warnf("Clearing persisted progress for %s failed: %s", result.TransferID, err)
	}

	m.logger.Infof("Transfer %s aborted", result.TransferID)
	return result, nil
}

// grantSource binds the pool's per-part grant requests to one transfer.
type grantSource struct {
	api        network.AuthorizationClient
	transferID string
	key        string
}

func (g grantSource) AuthorizePart(ctx context.Context, partNumber int) (network.Grant, error) {
	return g.api.AuthorizePart(ctx, g.transferID, g.key, partNumber)
}
