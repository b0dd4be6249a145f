package partpool

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/andrewtheguy/s3browser-sub001/upload/network"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Pool uploads the pending parts of one transfer with bounded concurrency.
type Pool struct {
	grants      GrantSource
	transporter network.PartTransporter
	config      Config
	logger      log.Logger
}

// New creates a part upload pool.
func New(grants GrantSource, transporter network.PartTransporter, config Config, logger log.Logger) *Pool {
	return &Pool{
		grants:      grants,
		transporter: transporter,
		config:      config.withDefaults(),
		logger:      logger,
	}
}

// Run uploads every job, reading part bytes from source, and returns the
// terminal outcome of each claimed part. min(Concurrency, len(jobs)) workers
// pull from a shared queue; once ctx is cancelled no further jobs are
// claimed and in-flight transports are aborted, but Run still waits for all
// workers and returns the partial results, so the caller can persist what
// succeeded. baselineBytes seeds the aggregate progress with the bytes of
// parts completed before this run (resume).
func (p *Pool) Run(ctx context.Context, jobs []PartJob, source io.ReaderAt, baselineBytes int64, sink Sink) Result {
	if len(jobs) == 0 {
		return Result{}
	}

	progress := newTracker(baselineBytes, sink.OnProgress)

	workers := p.config.Concurrency
	if workers > len(jobs) {
		workers = len(jobs)
	}

	jobCh := make(chan PartJob)
	outcomeCh := make(chan partOutcome, len(jobs))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				tag, err := p.uploadPartWithRetry(ctx, job, source, progress)
				outcomeCh <- partOutcome{job: job, tag: tag, err: err}
			}
		}()
	}

	go func() {
		defer close(jobCh)
		for _, job := range jobs {
			// Checked before every hand-off so a raised signal always wins
			// over a worker that is ready to claim.
			if ctx.Err() != nil {
				return
			}
			select {
			case jobCh <- job:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(outcomeCh)
	}()

	// Collect on the caller's goroutine so the completion sink is invoked
	// serially, one part at a time.
	var result Result
	for outcome := range outcomeCh {
		if outcome.err != nil {
			result.Failed = append(result.Failed, PartFailure{
				PartNumber: outcome.job.PartNumber,
				Err:        outcome.err,
			})
			continue
		}

		part := network.CompletedPart{
			PartNumber:   outcome.job.PartNumber,
			IntegrityTag: outcome.tag,
		}
		if sink.OnComplete != nil {
			if err := sink.OnComplete(part); err != nil {
				result.Failed = append(result.Failed, PartFailure{
					PartNumber: outcome.job.PartNumber,
					Err:        fmt.Errorf("record part %d completion: %w", outcome.job.PartNumber, err),
				})
				continue
			}
		}
		result.Completed = append(result.Completed, part)
	}

	return result
}
