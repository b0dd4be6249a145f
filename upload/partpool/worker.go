package partpool

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/andrewtheguy/s3browser-sub001/upload/network"
)

// uploadPartWithRetry executes one part to a terminal outcome. Every attempt
// requests a fresh grant before transporting, because grants are single-use
// and may have expired since the previous attempt. Only transient errors are
// retried; cancellation and authorization failures propagate immediately.
func (p *Pool) uploadPartWithRetry(ctx context.Context, job PartJob, source io.ReaderAt, progress *tracker) (string, error) {
	body, err := p.readPart(job, source)
	if err != nil {
		return "", err
	}

	var lastErr error

	for attempt := 0; attempt < p.config.MaxAttemptsPerPart; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("part %d upload cancelled: %w", job.PartNumber, err)
		}

		p.logger.Debugf("Uploading part %d (attempt %d/%d)", job.PartNumber, attempt+1, p.config.MaxAttemptsPerPart)

		grant, err := p.grants.AuthorizePart(ctx, job.PartNumber)
		if err != nil {
			if network.IsFatal(err) {
				return "", fmt.Errorf("authorize part %d: %w", job.PartNumber, err)
			}
			lastErr = fmt.Errorf("authorize part %d: %w", job.PartNumber, err)
		} else {
			tag, err := p.transporter.Transport(ctx, grant, body, func(loaded int64) {
				progress.update(job.PartNumber, loaded)
			})
			if err == nil {
				progress.update(job.PartNumber, job.Size)
				return tag, nil
			}
			if network.IsFatal(err) {
				return "", err
			}
			lastErr = err
		}

		p.logger.Warnf("Part %d attempt %d failed: %v", job.PartNumber, attempt+1, lastErr)

		if attempt == p.config.MaxAttemptsPerPart-1 {
			break
		}
		if err := p.backoff(ctx, attempt); err != nil {
			return "", fmt.Errorf("part %d upload cancelled: %w", job.PartNumber, err)
		}
	}

	return "", fmt.Errorf("part %d failed after %d attempts: %w", job.PartNumber, p.config.MaxAttemptsPerPart, lastErr)
}

// backoff waits 2^attempt wait units, or returns early when ctx fires so a
// cancelled worker never sleeps through the signal.
func (p *Pool) backoff(ctx context.Context, attempt int) error {
	wait := time.Duration(1<<uint(attempt)) * p.config.RetryWaitUnit

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// readPart reads the job's byte range once; the buffer is reused across
// attempts. Grants are per-attempt, bytes are not.
func (p *Pool) readPart(job PartJob, source io.ReaderAt) ([]byte, error) {
	if job.Size == 0 {
		return nil, nil
	}

	body := make([]byte, job.Size)
	n, err := source.ReadAt(body, job.Offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read part %d at offset %d: %w", job.PartNumber, job.Offset, err)
	}
	if int64(n) != job.Size {
		return nil, fmt.Errorf("read part %d: got %d bytes, want %d", job.PartNumber, n, job.Size)
	}
	return body, nil
}
