// Package jobs runs background work decoupled from the request that triggered
// it, with each job's lifecycle recorded in the job trail.
//
// A job submitted during a request keeps that request's correlation id, so
// the trail links the two, but it executes on the runner's own context: the
// HTTP response going out does not cancel the job.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tracefold/tracefold/correlation"
	"github.com/tracefold/tracefold/eventstore"
	"github.com/tracefold/tracefold/logging"
	"github.com/tracefold/tracefold/types"
)

// ErrQueueFull is returned by Submit when the job queue is at capacity.
var ErrQueueFull = errors.New("jobs: queue full")

// ErrShuttingDown is returned by Submit after Shutdown has begun.
var ErrShuttingDown = errors.New("jobs: runner shutting down")

const (
	defaultWorkers   = 4
	defaultQueueSize = 64
)

// Work is one unit of background work. The context it receives carries the
// job's correlation ids and is cancelled only when the runner shuts down.
type Work func(ctx context.Context) (any, error)

// Sink is the subset of the event store the runner records job state through.
type Sink interface {
	CreateJob(jobID, requestID string, inputPayload any) (int64, bool)
	UpdateJob(jobID string, upd eventstore.JobUpdate) bool
}

// Options tune the runner's worker pool.
type Options struct {
	Workers   int
	QueueSize int
}

type task struct {
	jobID     string
	requestID string
	work      Work
}

// Runner owns a bounded queue and a fixed worker pool. Jobs are recorded as
// queued at submit, running when a worker picks them up, and terminal when
// they finish. Shutdown drains: queued jobs that never ran are marked
// cancelled rather than silently dropped.
type Runner struct {
	sink  Sink
	log   zerolog.Logger
	queue chan task
	wg    sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	closed   bool
	draining atomic.Bool
}

// New starts a runner with the given worker pool. The sink may be nil; jobs
// then run untracked.
func New(sink Sink, opts Options) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		sink:    sink,
		log:     logging.With("jobs"),
		queue:   make(chan task, opts.QueueSize),
		baseCtx: ctx,
		cancel:  cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Submit enqueues work and returns its job id. The request id (if any) is
// read from ctx and linked to the job; the work itself runs later on the
// runner's own context. Returns ErrQueueFull when the queue is at capacity
// and ErrShuttingDown after Shutdown has begun.
func (r *Runner) Submit(ctx context.Context, input any, work Work) (string, error) {
	if work == nil {
		return "", errors.New("jobs: nil work")
	}

	jobID := uuid.NewString()
	requestID, _ := correlation.RequestID(ctx)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrShuttingDown
	}

	if r.sink != nil {
		r.sink.CreateJob(jobID, requestID, input)
	}

	select {
	case r.queue <- task{jobID: jobID, requestID: requestID, work: work}:
		r.mu.Unlock()
		r.log.Debug().Str("job_id", jobID).Str("request_id", requestID).Msg("job queued")
		return jobID, nil
	default:
		r.mu.Unlock()
		r.markCancelled(jobID, "job queue full")
		return "", ErrQueueFull
	}
}

// Shutdown stops accepting work, marks still-queued jobs cancelled, and waits
// for in-flight jobs to finish or ctx to expire. On expiry the runner's base
// context is cancelled so running work can observe it.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.draining.Store(true)
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		return fmt.Errorf("jobs: shutdown: %w", ctx.Err())
	}
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for t := range r.queue {
		if r.draining.Load() {
			r.markCancelled(t.jobID, "runner shut down before job started")
			continue
		}
		r.run(t)
	}
}

// run executes one job, re-establishing correlation on the runner's context
// so actions performed by the work land in the trail under this job.
func (r *Runner) run(t task) {
	ctx := correlation.WithJobID(r.baseCtx, t.jobID)
	if t.requestID != "" {
		ctx = correlation.WithRequestID(ctx, t.requestID)
	}

	r.update(t.jobID, eventstore.JobUpdate{Status: types.JobRunning, MarkStarted: true})
	started := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().
				Str("job_id", t.jobID).
				Interface("panic", rec).
				Msg("job panicked")
			r.update(t.jobID, eventstore.JobUpdate{
				Status:         types.JobFailed,
				ErrorMessage:   fmt.Sprint(rec),
				ErrorTraceback: string(debug.Stack()),
				MarkFinished:   true,
			})
		}
	}()

	result, err := t.work(ctx)
	if err != nil {
		r.log.Warn().Str("job_id", t.jobID).Err(err).Dur("elapsed", time.Since(started)).Msg("job failed")
		r.update(t.jobID, eventstore.JobUpdate{
			Status:         types.JobFailed,
			ErrorMessage:   err.Error(),
			ErrorTraceback: string(debug.Stack()),
			MarkFinished:   true,
		})
		return
	}

	r.log.Debug().Str("job_id", t.jobID).Dur("elapsed", time.Since(started)).Msg("job succeeded")
	r.update(t.jobID, eventstore.JobUpdate{
		Status:       types.JobSucceeded,
		Result:       result,
		HasResult:    result != nil,
		MarkFinished: true,
	})
}

func (r *Runner) markCancelled(jobID, reason string) {
	r.update(jobID, eventstore.JobUpdate{
		Status:       types.JobCancelled,
		ErrorMessage: reason,
		MarkFinished: true,
	})
}

func (r *Runner) update(jobID string, upd eventstore.JobUpdate) {
	if r.sink == nil {
		return
	}
	r.sink.UpdateJob(jobID, upd)
}
