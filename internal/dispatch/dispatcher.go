package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"harmonizer-api/internal/entity"
	"harmonizer-api/internal/repository/postgresql"
)

// ErrIncomplete marks a dispatch that never reached the queued ->
// processing move, e.g. the store was briefly unavailable. The job is
// still queued, so the claim must not be acked: the reaper requeues it
// and the transition is retried.
var ErrIncomplete = errors.New("dispatch not attempted")

// Repository port for the dispatcher.
type JobRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
}

// Worker port (implementation: WorkerClient).
type Worker interface {
	Process(ctx context.Context, job *entity.Job) error
}

// RetryPolicy yields a fresh backoff for each dispatch attempt.
type RetryPolicy func() backoff.BackOff

// NoRetry is the default contract: exactly one attempt, a failed
// handoff is terminal for the job.
func NoRetry() RetryPolicy {
	return func() backoff.BackOff { return &backoff.StopBackOff{} }
}

// ExponentialRetry opts in to retrying the worker call before giving
// up. The state machine contract is unchanged: the job still ends
// failed once the policy is exhausted.
func ExponentialRetry(maxElapsed time.Duration) RetryPolicy {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = maxElapsed
		return b
	}
}

// Dispatcher hands one queued job to the worker and records the
// outcome of the handoff. Per-job idempotence comes from the store:
// the queued -> processing move succeeds at most once, so a job id
// redelivered by the queue reaper is recognized and skipped.
type Dispatcher struct {
	repo   JobRepo
	worker Worker
	retry  RetryPolicy
}

func NewDispatcher(repo JobRepo, worker Worker, retry RetryPolicy) *Dispatcher {
	if retry == nil {
		retry = NoRetry()
	}
	return &Dispatcher{repo: repo, worker: worker, retry: retry}
}

// Dispatch drives one job through the handoff protocol.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID string) error {
	id, err := uuid.Parse(jobID)
	if err != nil {
		log.Printf("[dispatch] job_id=%s parse_error=%v", jobID, err)
		return err
	}

	if err := d.repo.MarkProcessing(ctx, id); err != nil {
		if errors.Is(err, postgresql.ErrInvalidTransition) {
			// redelivered id; dispatch already happened
			log.Printf("[dispatch] job_id=%s skipped: %v", id, err)
			return nil
		}
		log.Printf("[dispatch] job_id=%s mark_processing error=%v", id, err)
		if errors.Is(err, postgresql.ErrNotFound) {
			return err
		}
		// transient store failure: the job is still queued
		return fmt.Errorf("%w: mark processing job %s: %v", ErrIncomplete, id, err)
	}

	job, err := d.repo.GetByID(ctx, id)
	if err != nil {
		log.Printf("[dispatch] job_id=%s get_job error=%v", id, err)
		return err
	}

	start := time.Now()
	log.Printf("[dispatch] job_id=%s type=%s status=processing", id, job.HarmonizationType)

	sendErr := backoff.Retry(func() error {
		return d.worker.Process(ctx, job)
	}, backoff.WithContext(d.retry(), ctx))

	if sendErr != nil {
		msg := fmt.Sprintf("error sending job to worker: %v", sendErr)
		if failErr := d.repo.MarkFailed(ctx, id, msg); failErr != nil {
			log.Printf("[dispatch] job_id=%s mark_failed error=%v", id, failErr)
		}
		log.Printf("[dispatch] job_id=%s status=failed duration_ms=%d error=%v",
			id, time.Since(start).Milliseconds(), sendErr)
		return sendErr
	}

	// Worker owns the job now; completion arrives via its callback.
	log.Printf("[dispatch] job_id=%s status=accepted duration_ms=%d",
		id, time.Since(start).Milliseconds())
	return nil
}
