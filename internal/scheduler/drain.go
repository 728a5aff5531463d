// ABOUTME: Best-effort sequential execution of a cycle's queue
// ABOUTME: Per-task timeouts, failure callback, stop only on fatal errors or cancellation

package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Executor runs one task. It may mutate q (push, mark unread, skip source).
type Executor interface {
	Execute(ctx context.Context, t Task, q *Queue) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, t Task, q *Queue) error

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, t Task, q *Queue) error {
	return f(ctx, t, q)
}

// DrainOptions controls Drain.
type DrainOptions struct {
	// TaskTimeout bounds each task. Zero means no per-task limit.
	TaskTimeout time.Duration
	// OnFailure is called for every non-fatal task error.
	OnFailure func(ctx context.Context, t Task, err error)
	// IsFatal classifies errors that stop the drain.
	IsFatal func(err error) bool
}

// Report summarizes a drain.
type Report struct {
	Ran         int
	Failed      int
	Skipped     int
	Fatal       error // set when a task returned a fatal error
	Interrupted error // set when ctx was cancelled
}

// Drain executes pending tasks in order until the queue is empty, a task
// returns a fatal error, or ctx is cancelled. Other failures are reported
// through OnFailure and do not stop the drain.
func (q *Queue) Drain(ctx context.Context, exec Executor, opts DrainOptions) Report {
	logger := slog.Default().With("component", "scheduler")
	var rep Report

	for {
		if err := ctx.Err(); err != nil {
			rep.Interrupted = err
			return rep
		}

		t, ok := q.pop()
		if !ok {
			return rep
		}

		if q.skipped[t.Source] {
			rep.Skipped++
			logger.Debug("skipping task", "task", t.String())
			continue
		}

		taskCtx, cancel := ctx, context.CancelFunc(func() {})
		if opts.TaskTimeout > 0 {
			taskCtx, cancel = context.WithTimeout(ctx, opts.TaskTimeout)
		}
		start := time.Now()
		err := exec.Execute(taskCtx, t, q)
		cancel()

		if err == nil {
			rep.Ran++
			logger.Debug("task done", "task", t.String(), "duration", time.Since(start))
			continue
		}

		if opts.IsFatal != nil && opts.IsFatal(err) {
			rep.Fatal = err
			logger.Error("fatal task error", "task", t.String(), "error", err)
			return rep
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			rep.Interrupted = ctxErr
			logger.Info("task interrupted", "task", t.String())
			return rep
		}

		rep.Failed++
		logger.Warn("task failed", "task", t.String(), "error", err)
		if opts.OnFailure != nil {
			opts.OnFailure(ctx, t, err)
		}
	}
}
