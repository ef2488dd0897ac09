package dispatch

import (
	"context"
	"errors"
	"log"
	"time"

	"harmonizer-api/internal/service"
)

// shouldAck reports whether a finished dispatch attempt consumes the
// claim. Only ErrIncomplete leaves the id for redelivery.
func shouldAck(err error) bool {
	return !errors.Is(err, ErrIncomplete)
}

// Pool claims job ids from the queue and runs dispatch on a fixed
// number of goroutines. The size is the enforced concurrency ceiling:
// at most that many dispatches are in flight at once, the rest wait in
// the queue.
type Pool struct {
	queue      service.Queue
	dispatcher *Dispatcher
	workers    int
	claimDelay time.Duration
}

func NewPool(queue service.Queue, dispatcher *Dispatcher, workers int) *Pool {
	if workers <= 0 {
		workers = 3
	}
	return &Pool{
		queue:      queue,
		dispatcher: dispatcher,
		workers:    workers,
		claimDelay: 5 * time.Second,
	}
}

// Run blocks until ctx is done. It owns the process-lifetime context,
// not any request's, so in-flight dispatches drain on shutdown.
func (p *Pool) Run(ctx context.Context) {
	log.Printf("[dispatch] pool started workers=%d", p.workers)

	jobCh := make(chan string)

	for i := 0; i < p.workers; i++ {
		go func(n int) {
			for jobID := range jobCh {
				err := p.dispatcher.Dispatch(ctx, jobID)
				if err != nil {
					log.Printf("[dispatch-%d] job_id=%s error=%v", n, jobID, err)
				}

				// Ack when dispatch reached a decision for the job (terminal,
				// accepted, skipped or unknown id). When the queued ->
				// processing move itself failed the id stays in the
				// processing list for the reaper to requeue.
				if !shouldAck(err) {
					continue
				}
				if ackErr := p.queue.Ack(ctx, jobID); ackErr != nil {
					log.Printf("[dispatch-%d] ack job_id=%s error=%v", n, jobID, ackErr)
				}
			}
		}(i + 1)
	}

	for {
		select {
		case <-ctx.Done():
			close(jobCh)
			log.Println("[dispatch] pool stopped")
			return
		default:
			jobID, err := p.queue.ClaimBlocking(ctx, p.claimDelay)
			if err != nil {
				// timeout / ctx cancel; not fatal
				continue
			}
			select {
			case jobCh <- jobID:
			case <-ctx.Done():
				close(jobCh)
				return
			}
		}
	}
}
