package async

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/receipty/receipty/internal/common"
	"github.com/receipty/receipty/internal/pipeline"
	"github.com/receipty/receipty/internal/runs"
)

var (
	ErrShuttingDown = errors.New("batch runner is shutting down")
	ErrQueueFull    = errors.New("batch queue is full")
)

// Runner executes one batch. *pipeline.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context) (pipeline.Summary, error)
}

// BatchRunner runs triggered batches on a fixed set of workers and records
// each outcome in a runs.Store.
type BatchRunner struct {
	runner  Runner
	store   runs.Store
	logger  *zap.Logger
	workers int
	timeout time.Duration

	ch   chan string
	wg   sync.WaitGroup
	once sync.Once

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

type Option func(*BatchRunner)

func WithWorkers(n int) Option {
	return func(r *BatchRunner) {
		if n > 0 {
			r.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(r *BatchRunner) {
		if n > 0 {
			r.ch = make(chan string, n)
		}
	}
}

// WithRunTimeout bounds a whole batch run. Zero keeps the default.
func WithRunTimeout(d time.Duration) Option {
	return func(r *BatchRunner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func NewBatchRunner(runner Runner, store runs.Store, logger *zap.Logger, opts ...Option) *BatchRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &BatchRunner{
		runner:  runner,
		store:   store,
		logger:  logger,
		workers: 1,
		timeout: 30 * time.Minute,
		ch:      make(chan string, 8),
	}
	for _, o := range opts {
		o(r)
	}
	r.base, r.cancel = context.WithCancel(context.Background())
	r.start()
	return r
}

func (r *BatchRunner) start() {
	r.once.Do(func() {
		for i := 0; i < r.workers; i++ {
			r.wg.Add(1)
			go func(workerID int) {
				defer r.wg.Done()
				r.logger.Debug("batch.worker.started", zap.Int("worker_id", workerID))
				for runID := range r.ch {
					r.execute(workerID, runID)
				}
				r.logger.Debug("batch.worker.stopped", zap.Int("worker_id", workerID))
			}(i + 1)
		}
	})
}

// Trigger records a new run and queues it. It returns without waiting for the run.
func (r *BatchRunner) Trigger(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", ErrShuttingDown
	}

	run := &runs.Run{ID: uuid.New().String(), Status: runs.StatusRunning, StartedAt: time.Now().UTC()}
	if err := r.store.Save(ctx, run); err != nil {
		return "", common.WrapError(err, "record batch run")
	}

	select {
	case r.ch <- run.ID:
		r.logger.Info("batch.queued", zap.String("run_id", run.ID))
		return run.ID, nil
	default:
		r.finish(run, pipeline.Summary{RunID: run.ID}, ErrQueueFull)
		r.logger.Warn("batch.queue.full", zap.String("run_id", run.ID))
		return "", ErrQueueFull
	}
}

// Get returns a recorded run.
func (r *BatchRunner) Get(ctx context.Context, runID string) (*runs.Run, error) {
	return r.store.Get(ctx, runID)
}

func (r *BatchRunner) execute(workerID int, runID string) {
	ctx, cancel := context.WithTimeout(common.WithRunID(r.base, runID), r.timeout)
	defer cancel()

	run, err := r.store.Get(ctx, runID)
	if err != nil {
		run = &runs.Run{ID: runID, StartedAt: time.Now().UTC()}
	}
	summary, runErr := r.runner.Run(ctx)
	r.finish(run, summary, runErr)

	if runErr != nil {
		r.logger.Error("batch.run.aborted", zap.Int("worker_id", workerID), zap.String("run_id", runID), zap.Error(runErr))
		return
	}
	r.logger.Info("batch.run.completed",
		zap.Int("worker_id", workerID),
		zap.String("run_id", runID),
		zap.Int("attempted", summary.Attempted),
		zap.Int("succeeded", summary.Succeeded),
	)
}

func (r *BatchRunner) finish(run *runs.Run, summary pipeline.Summary, runErr error) {
	now := time.Now().UTC()
	run.Summary = summary
	run.FinishedAt = &now
	run.Status = runs.StatusCompleted
	if runErr != nil {
		run.Status = runs.StatusAborted
		run.Error = runErr.Error()
	}
	if err := r.store.Save(context.Background(), run); err != nil {
		r.logger.Error("batch.run.save_failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// Shutdown stops accepting runs and waits for queued ones. When ctx expires first,
// running batches are cancelled; they stop before their next claim.
func (r *BatchRunner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); r.wg.Wait() }()

	select {
	case <-done:
		r.cancel()
		r.logger.Info("batch.runner.drained")
		return nil
	case <-ctx.Done():
		r.logger.Warn("batch.runner.shutdown_interrupted", zap.Error(ctx.Err()))
		r.cancel()
		<-done
		return ctx.Err()
	}
}
