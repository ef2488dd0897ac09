package service

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue is the dispatch work queue. Job ids go in exactly once at
// creation time; the dispatch pool claims them, and acks once the
// dispatch attempt has reached a terminal outcome for the job.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error)
	Ack(ctx context.Context, jobID string) error
	RequeueStale(ctx context.Context, max int64) (int64, error)
}

// redisQueue implements a reliable queue on Redis lists.
// Claim: BRPOPLPUSH queue -> processing
// Ack:   LREM from processing
// A reaper periodically moves processing entries back to the queue so a
// crashed claimer cannot strand a job id. The job state machine rejects
// the duplicate transition on redelivery, so redispatch is a no-op.
type redisQueue struct {
	rdb           *redis.Client
	queueKey      string
	processingKey string
}

func NewRedisQueue(rdb *redis.Client, queueKey, processingKey string) Queue {
	return &redisQueue{
		rdb:           rdb,
		queueKey:      queueKey,
		processingKey: processingKey,
	}
}

func (q *redisQueue) Enqueue(ctx context.Context, jobID string) error {
	return q.rdb.LPush(ctx, q.queueKey, jobID).Err()
}

// ClaimBlocking blocks up to timeout for the next job id. timeout <= 0
// means block in one-second slots until the context is done.
func (q *redisQueue) ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error) {
	forever := timeout <= 0
	deadline := time.Now().Add(timeout)

	slot := 1 * time.Second
	if !forever && timeout < slot {
		slot = timeout
	}

	for {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		wait := slot
		if !forever {
			remain := time.Until(deadline)
			if remain <= 0 {
				return "", redis.Nil
			}
			if remain < wait {
				wait = remain
			}
		}

		id, err := q.rdb.BRPopLPush(ctx, q.queueKey, q.processingKey, wait).Result()
		if err == nil {
			return id, nil
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		return "", err
	}
}

func (q *redisQueue) Ack(ctx context.Context, jobID string) error {
	return q.rdb.LRem(ctx, q.processingKey, 1, jobID).Err()
}

// RequeueStale moves up to max entries from processing back to the
// queue. At-least-once delivery: safe because dispatch is idempotent
// per job.
func (q *redisQueue) RequeueStale(ctx context.Context, max int64) (int64, error) {
	var moved int64

	for i := int64(0); i < max; i++ {
		id, err := q.rdb.RPopLPush(ctx, q.processingKey, q.queueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return moved, err
		}
		if id != "" {
			moved++
		}
	}
	return moved, nil
}
