// Package worker runs queued operations.
//
// A worker pops tasks from the queue, looks the operation up in the registry
// and runs it. Success records the output. Failures are classified: retryable
// errors (network, unavailable store) go back on the queue with exponential
// backoff until the retry budget runs out; everything else marks the
// operation FAILED with a user-facing message.
package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	perrors "github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Norgate-AV/fitscache/internal/codes"
	"github.com/Norgate-AV/fitscache/internal/opcache"
	"github.com/Norgate-AV/fitscache/internal/operation"
	"github.com/Norgate-AV/fitscache/internal/storage"
)

const (
	DefaultConcurrency = 4
	DefaultMaxRetries  = 3
	DefaultRetryBase   = time.Second
	DefaultPollTimeout = time.Second
)

// FileCache is what a worker needs from the shared file cache
type FileCache interface {
	operation.FileStore
	Reconcile(ctx context.Context) error
}

// Config tunes a worker. Zero values take the defaults.
type Config struct {
	Concurrency int
	MaxRetries  int

	// RetryBase is the delay before the first retry; it doubles each attempt
	RetryBase time.Duration

	// PollTimeout bounds each blocking pop so shutdown is noticed
	PollTimeout time.Duration

	// WorkDir holds per-task scratch directories
	WorkDir string
}

// Worker executes tasks
type Worker struct {
	queue    *Queue
	ops      *opcache.Cache
	registry *operation.Registry
	files    FileCache
	objects  storage.ObjectStore
	cfg      Config
	log      zerolog.Logger
}

// New creates a worker. files and objects may be nil when no operation needs them.
func New(queue *Queue, ops *opcache.Cache, registry *operation.Registry, files FileCache, objects storage.ObjectStore, cfg Config, log zerolog.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "fitscache-work")
	}

	return &Worker{
		queue:    queue,
		ops:      ops,
		registry: registry,
		files:    files,
		objects:  objects,
		cfg:      cfg,
		log:      log.With().Str("component", "worker").Logger(),
	}
}

// Run reconciles the file cache, then consumes tasks with the configured
// concurrency until ctx is cancelled
func (w *Worker) Run(ctx context.Context) error {
	if w.files != nil {
		if err := w.files.Reconcile(ctx); err != nil {
			w.log.Warn().Err(err).Msg("file cache reconcile failed, continuing")
		}
	}

	w.log.Info().Int("concurrency", w.cfg.Concurrency).Int("max_retries", w.cfg.MaxRetries).Msg("worker started")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			w.consume(ctx, i)
			return nil
		})
	}

	err := g.Wait()

	w.log.Info().Msg("worker stopped")

	return err
}

func (w *Worker) consume(ctx context.Context, slot int) {
	log := w.log.With().Int("slot", slot).Logger()

	for ctx.Err() == nil {
		if _, err := w.ProcessOne(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("failed to process task")
			sleep(ctx, w.cfg.PollTimeout)
		}
	}
}

// ProcessOne pops and runs at most one task. It reports whether a task ran.
// Tasks whose retry delay has not passed go back on the queue.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Pop(ctx, w.cfg.PollTimeout)
	if err != nil || task == nil {
		return false, err
	}

	if wait := time.Until(task.NotBefore); wait > 0 {
		if err := w.queue.Push(context.WithoutCancel(ctx), task); err != nil {
			return false, err
		}

		sleep(ctx, min(wait, w.cfg.PollTimeout))

		return false, nil
	}

	w.Execute(ctx, task)

	return true, nil
}

// Execute runs one task and records its outcome
func (w *Worker) Execute(ctx context.Context, task *Task) {
	log := w.log.With().
		Str("task_id", task.ID).
		Str("cache_key", task.Key).
		Str("operation", task.Name).
		Int("attempt", task.Attempt).
		Logger()

	op, ok := w.registry.Get(task.Name)
	if !ok {
		w.fail(ctx, task, perrors.Newf(perrors.CodeNotImplemented, "Operation not implemented: %s", task.Name), log)
		return
	}

	workDir := filepath.Join(w.cfg.WorkDir, task.ID)
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.Warn().Err(err).Msg("failed to remove work directory")
		}
	}()

	exec := operation.NewExecution(task.Invocation(), operation.Deps{
		Files:    w.files,
		Objects:  w.objects,
		Progress: w.ops,
		WorkDir:  workDir,
		Log:      w.log,
	})

	log.Info().Msg("running operation")
	start := time.Now()

	err := w.run(ctx, op, exec)
	if err == nil {
		if err := w.ops.SetOutput(ctx, task.Key, exec.Output()); err != nil {
			// Output not recorded, run it again
			w.retryOrFail(ctx, task, err, log)
			return
		}

		log.Info().Dur("took", time.Since(start)).Msg("operation completed")
		return
	}

	// Shutting down: put the task back untouched for another worker
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		log.Warn().Msg("operation interrupted, requeueing")
		if err := w.queue.Push(context.WithoutCancel(ctx), task); err != nil {
			w.fail(ctx, task, err, log)
		}
		return
	}

	w.retryOrFail(ctx, task, err, log)
}

// run calls the operation, turning a panic into an internal error
func (w *Worker) run(ctx context.Context, op operation.Operation, exec *operation.Execution) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = perrors.Newf(perrors.CodeInternal, "Operation %s crashed: %v", op.Name(), r)
		}
	}()

	return op.Operate(ctx, exec)
}

// retryOrFail requeues retryable errors while attempts remain, otherwise
// records the failure
func (w *Worker) retryOrFail(ctx context.Context, task *Task, err error, log zerolog.Logger) {
	if !perrors.IsRetryable(err) || task.Attempt >= w.cfg.MaxRetries {
		w.fail(ctx, task, err, log)
		return
	}

	delay := w.cfg.RetryBase << task.Attempt
	next := *task
	next.Attempt++
	next.NotBefore = time.Now().Add(delay)

	if pushErr := w.queue.Push(context.WithoutCancel(ctx), &next); pushErr != nil {
		log.Error().Err(pushErr).Msg("failed to requeue task")
		w.fail(ctx, task, err, log)
		return
	}

	log.Warn().Err(err).Dur("delay", delay).Int("next_attempt", next.Attempt).Msg("operation failed, retrying")
}

// fail records err as the operation's failure message
func (w *Worker) fail(ctx context.Context, task *Task, err error, log zerolog.Logger) {
	message := codes.UserMessage(err)

	log.Error().Err(err).Str("code", string(perrors.GetCode(err))).Bool("user_alert", codes.IsUserAlert(err)).Msg("operation failed")

	if setErr := w.ops.SetFailed(context.WithoutCancel(ctx), task.Key, message); setErr != nil {
		log.Error().Err(setErr).Msg("failed to record operation failure")
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
