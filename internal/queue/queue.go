// Package queue is a Redis-backed job queue with at-least-once delivery,
// bounded retries with exponential backoff, a visibility timeout for crashed
// consumers, and a capped dead-letter list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"coderoom/internal/logging"
	"coderoom/internal/sandbox"
)

const (
	keyJobs     = "execqueue:jobs"
	keyWorking  = "execqueue:processing"
	keyDelayed  = "execqueue:delayed"
	keyDead     = "execqueue:dead"
	keyLeases   = "execqueue:leases"
	keyLeaseExp = "execqueue:lease-deadlines"

	deadLetterCap  = 100
	leaseDuration  = 2 * time.Minute
	dequeueBlock   = 5 * time.Second
	retryBaseDelay = 2 * time.Second
	orphanGrace    = 10 * time.Second
)

// Job is one queued execution request.
type Job struct {
	ID          string          `json:"id"`
	RoomID      string          `json:"room_id"`
	RequesterID string          `json:"requester_user_id"`
	Request     sandbox.Request `json:"request"`
	Attempts    int             `json:"attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// Lease is a dequeued job that must be settled with Ack or Fail. The raw
// payload is retained so the processing-list entry can be removed exactly.
type Lease struct {
	Job *Job
	raw string
}

// DeadLetterFunc is notified when the queue dead-letters a job on its own,
// outside any consumer's Fail call, so callers can settle whatever state
// they keyed on the job.
type DeadLetterFunc func(ctx context.Context, job *Job)

// Queue is safe for concurrent producers and consumers across processes.
type Queue struct {
	rdb        *redis.Client
	maxRetries int
	log        *zap.Logger
	onDead     DeadLetterFunc

	// orphanSeen tracks processing-list entries with no matching lease,
	// keyed by job ID. Only the Run goroutine touches it.
	orphanSeen map[string]time.Time
}

func New(rdb *redis.Client, maxRetries int) *Queue {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Queue{
		rdb:        rdb,
		maxRetries: maxRetries,
		log:        logging.L().Named("queue"),
		orphanSeen: make(map[string]time.Time),
	}
}

// OnDeadLetter registers the callback for queue-initiated dead letters.
// It must be called before Run starts.
func (q *Queue) OnDeadLetter(fn DeadLetterFunc) {
	q.onDead = fn
}

// Enqueue appends a job to the tail of the queue.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.rdb.LPush(ctx, keyJobs, payload).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// Dequeue blocks for a short interval waiting for a job. It returns
// (nil, nil) when the interval elapses with nothing to do, so callers can
// poll in a loop and observe context cancellation between calls.
func (q *Queue) Dequeue(ctx context.Context) (*Lease, error) {
	raw, err := q.rdb.BRPopLPush(ctx, keyJobs, keyWorking, dequeueBlock).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Unparseable payloads go straight to the dead letters.
		q.log.Error("dropping malformed job payload", zap.Error(err))
		q.rdb.LRem(ctx, keyWorking, 1, raw)
		q.pushDead(ctx, raw)
		return nil, nil
	}

	deadline := time.Now().Add(leaseDuration).Unix()
	q.rdb.HSet(ctx, keyLeases, job.ID, raw)
	q.rdb.ZAdd(ctx, keyLeaseExp, &redis.Z{Score: float64(deadline), Member: job.ID})

	return &Lease{Job: &job, raw: raw}, nil
}

// Ack marks a leased job as done and forgets it.
func (q *Queue) Ack(ctx context.Context, l *Lease) error {
	return q.settle(ctx, l)
}

// Fail settles a leased job that could not be processed: it re-enqueues with
// exponential backoff until retries are exhausted, then dead-letters it and
// reports that no further attempts will happen.
func (q *Queue) Fail(ctx context.Context, l *Lease) (deadLettered bool, err error) {
	if err := q.settle(ctx, l); err != nil {
		return false, err
	}
	return q.requeue(ctx, l.Job, l.raw)
}

func (q *Queue) settle(ctx context.Context, l *Lease) error {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, keyWorking, 1, l.raw)
	pipe.HDel(ctx, keyLeases, l.Job.ID)
	pipe.ZRem(ctx, keyLeaseExp, l.Job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("settle job %s: %w", l.Job.ID, err)
	}
	return nil
}

func (q *Queue) requeue(ctx context.Context, job *Job, raw string) (deadLettered bool, err error) {
	job.Attempts++
	if job.Attempts > q.maxRetries {
		q.log.Warn("job exhausted retries, dead-lettering",
			zap.String("job_id", job.ID), zap.Int("attempts", job.Attempts))
		payload, merr := json.Marshal(job)
		if merr != nil {
			payload = []byte(raw)
		}
		q.pushDead(ctx, string(payload))
		return true, nil
	}

	delay := retryBaseDelay * (1 << (job.Attempts - 1))
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal retry: %w", err)
	}
	due := float64(time.Now().Add(delay).Unix())
	if err := q.rdb.ZAdd(ctx, keyDelayed, &redis.Z{Score: due, Member: payload}).Err(); err != nil {
		return false, fmt.Errorf("schedule retry for %s: %w", job.ID, err)
	}
	return false, nil
}

func (q *Queue) pushDead(ctx context.Context, payload string) {
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, keyDead, payload)
	pipe.LTrim(ctx, keyDead, 0, deadLetterCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Error("dead-letter push failed", zap.Error(err))
	}
}

// Run drives the background maintenance loops until the context ends:
// promoting due retries back onto the queue and reclaiming jobs whose
// consumer disappeared mid-lease.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.promoteDelayed(ctx)
			q.reapExpiredLeases(ctx)
			q.reapOrphans(ctx)
		}
	}
}

func (q *Queue) promoteDelayed(ctx context.Context) {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	due, err := q.rdb.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil || len(due) == 0 {
		return
	}
	for _, payload := range due {
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, keyDelayed, payload)
		pipe.LPush(ctx, keyJobs, payload)
		if _, err := pipe.Exec(ctx); err != nil {
			q.log.Error("promote delayed job failed", zap.Error(err))
		}
	}
}

// reapExpiredLeases returns jobs whose visibility timeout elapsed to the
// retry path; this is what makes delivery at-least-once across consumer
// crashes.
func (q *Queue) reapExpiredLeases(ctx context.Context) {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	expired, err := q.rdb.ZRangeByScore(ctx, keyLeaseExp, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil || len(expired) == 0 {
		return
	}
	for _, jobID := range expired {
		raw, err := q.rdb.HGet(ctx, keyLeases, jobID).Result()
		if err != nil {
			q.rdb.ZRem(ctx, keyLeaseExp, jobID)
			continue
		}
		q.log.Warn("reclaiming job with expired lease", zap.String("job_id", jobID))

		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, keyWorking, 1, raw)
		pipe.HDel(ctx, keyLeases, jobID)
		pipe.ZRem(ctx, keyLeaseExp, jobID)
		if _, err := pipe.Exec(ctx); err != nil {
			q.log.Error("lease reclaim failed", zap.String("job_id", jobID), zap.Error(err))
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.pushDead(ctx, raw)
			continue
		}
		dead, err := q.requeue(ctx, &job, raw)
		if err != nil {
			q.log.Error("requeue reclaimed job failed", zap.String("job_id", jobID), zap.Error(err))
			continue
		}
		if dead && q.onDead != nil {
			q.onDead(ctx, &job)
		}
	}
}

// reapOrphans recovers processing-list entries that never got a lease, which
// happens when a consumer dies between the pop and the lease registration.
// An entry with no lease is requeued once it has been orphaned for longer
// than the grace period; the grace covers the window where Dequeue has popped
// the job but not yet written the lease.
func (q *Queue) reapOrphans(ctx context.Context) {
	raws, err := q.rdb.LRange(ctx, keyWorking, 0, -1).Result()
	if err != nil {
		return
	}

	now := time.Now()
	present := make(map[string]bool, len(raws))
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.log.Error("dropping malformed processing entry", zap.Error(err))
			q.rdb.LRem(ctx, keyWorking, 1, raw)
			q.pushDead(ctx, raw)
			continue
		}
		present[job.ID] = true

		leased, err := q.rdb.HExists(ctx, keyLeases, job.ID).Result()
		if err != nil || leased {
			delete(q.orphanSeen, job.ID)
			continue
		}

		first, ok := q.orphanSeen[job.ID]
		if !ok {
			q.orphanSeen[job.ID] = now
			continue
		}
		if now.Sub(first) < orphanGrace {
			continue
		}

		q.log.Warn("requeueing orphaned job", zap.String("job_id", job.ID))
		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, keyWorking, 1, raw)
		pipe.LPush(ctx, keyJobs, raw)
		if _, err := pipe.Exec(ctx); err != nil {
			q.log.Error("orphan requeue failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		delete(q.orphanSeen, job.ID)
	}

	for id := range q.orphanSeen {
		if !present[id] {
			delete(q.orphanSeen, id)
		}
	}
}

// Depth reports the number of jobs waiting to be picked up.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, keyJobs).Result()
}

// DeadLetters returns up to n most recently dead-lettered jobs.
func (q *Queue) DeadLetters(ctx context.Context, n int64) ([]Job, error) {
	raws, err := q.rdb.LRange(ctx, keyDead, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("dead letters: %w", err)
	}
	jobs := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err == nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}
