// Package worker drains the execution queue, runs jobs through the sandbox
// and publishes results back to the hub.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"coderoom/internal/logging"
	"coderoom/internal/metrics"
	"coderoom/internal/queue"
	"coderoom/internal/sandbox"
	"coderoom/internal/store"
	"coderoom/pkg/models"
)

// ExecutionPublisher is the worker's narrow view of the hub: deliver one
// finished execution to its room.
type ExecutionPublisher interface {
	CompleteExec(ctx context.Context, roomID, execID string, res *sandbox.Result)
}

// Pool runs up to Concurrency jobs in parallel.
type Pool struct {
	queue       *queue.Queue
	runner      sandbox.Runner
	store       store.Store
	pub         ExecutionPublisher
	concurrency int
	log         *zap.Logger
}

func NewPool(q *queue.Queue, runner sandbox.Runner, st store.Store, pub ExecutionPublisher, concurrency int) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	p := &Pool{
		queue:       q,
		runner:      runner,
		store:       st,
		pub:         pub,
		concurrency: concurrency,
		log:         logging.L().Named("worker"),
	}
	if q != nil {
		q.OnDeadLetter(p.abandonJob)
	}
	return p
}

// Run blocks until the context ends and all in-flight jobs have settled.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.loop(ctx, n)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, n int) {
	log := p.log.With(zap.Int("worker", n))
	for {
		if ctx.Err() != nil {
			return
		}
		lease, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if lease == nil {
			continue
		}
		p.process(ctx, log, lease)
	}
}

// process runs one job. Infrastructure failures go back to the queue for
// retry; user-code failures (timeout, runtime error, memory limit, compile
// error, security block) are final results and never retry.
func (p *Pool) process(ctx context.Context, log *zap.Logger, lease *queue.Lease) {
	job := lease.Job
	log = log.With(zap.String("execution_id", job.ID), zap.String("room_id", job.RoomID))

	row, err := p.store.GetExecution(ctx, job.ID)
	if err != nil {
		log.Error("execution log missing", zap.Error(err))
		// Nothing to update; settle the job so it does not loop forever.
		if _, ferr := p.queue.Fail(ctx, lease); ferr != nil {
			log.Error("settle failed", zap.Error(ferr))
		}
		return
	}

	row.Status = models.ExecStatusRunning
	if err := p.store.UpdateExecution(ctx, row); err != nil {
		log.Warn("mark running failed", zap.Error(err))
	}

	started := time.Now()
	res, err := p.runner.Execute(ctx, job.Request)
	if err != nil {
		log.Warn("sandbox infrastructure failure", zap.Error(err))
		deadLettered, ferr := p.queue.Fail(ctx, lease)
		if ferr != nil {
			log.Error("requeue failed", zap.Error(ferr))
			return
		}
		if deadLettered {
			res = &sandbox.Result{
				Status: models.ExecStatusFailed,
				Stderr: "execution failed: sandbox unavailable",
			}
			p.finish(ctx, log, job, row, res)
		}
		return
	}

	metrics.ExecutionDuration.Observe(time.Since(started).Seconds())
	if err := p.queue.Ack(ctx, lease); err != nil {
		log.Error("ack failed", zap.Error(err))
	}
	p.finish(ctx, log, job, row, res)
}

// abandonJob settles the execution log for a job the queue dead-lettered on
// its own, typically after a crashed consumer's lease expired past its last
// retry. Without this the row would stay pending and block the room forever.
func (p *Pool) abandonJob(ctx context.Context, job *queue.Job) {
	log := p.log.With(zap.String("execution_id", job.ID), zap.String("room_id", job.RoomID))

	row, err := p.store.GetExecution(ctx, job.ID)
	if err != nil {
		log.Warn("abandoned job has no execution log", zap.Error(err))
		return
	}
	if row.Status != models.ExecStatusPending && row.Status != models.ExecStatusRunning {
		return
	}

	log.Warn("abandoning execution after exhausted retries")
	p.finish(ctx, log, job, row, &sandbox.Result{
		Status: models.ExecStatusFailed,
		Stderr: "execution abandoned: no worker completed the job",
	})
}

// finish records the result and publishes it to the room.
func (p *Pool) finish(ctx context.Context, log *zap.Logger, job *queue.Job, row *models.ExecutionLog, res *sandbox.Result) {
	metrics.ExecutionsTotal.WithLabelValues(res.Status).Inc()

	row.Status = res.Status
	row.Stdout = res.Stdout
	row.Stderr = res.Stderr
	row.ExitCode = res.ExitCode
	row.ExecutionTimeMs = res.ExecutionTimeMs
	row.MemoryBytes = res.MemoryBytes
	row.CompileTimeMs = res.CompileTimeMs
	if err := p.store.UpdateExecution(ctx, row); err != nil {
		log.Error("persist result failed", zap.Error(err))
	}

	p.pub.CompleteExec(ctx, job.RoomID, job.ID, res)
	log.Info("execution finished",
		zap.String("status", res.Status),
		zap.Int("exit_code", res.ExitCode),
		zap.Int64("duration_ms", res.ExecutionTimeMs))
}
