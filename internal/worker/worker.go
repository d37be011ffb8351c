// Package worker runs the background queue propagation loop: repeated
// HandleQueue batches that make reference counts and subtree rollups
// converge after ingest.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/cairnstore/cairn/internal/index"
)

// Options configures a worker pool.
type Options struct {
	// Batch is the queue budget per HandleQueue call.
	Batch int
	// Idle is how long a worker sleeps after a call that consumed nothing.
	Idle time.Duration
	// Workers is the pool size.
	Workers int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{Batch: 128, Idle: time.Second, Workers: 1}
}

// Worker drives one HandleQueue loop.
type Worker struct {
	store  *index.Store
	opts   Options
	logger *slog.Logger
}

// New creates a Worker.
func New(store *index.Store, opts Options, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Batch <= 0 {
		opts.Batch = DefaultOptions().Batch
	}
	if opts.Idle <= 0 {
		opts.Idle = DefaultOptions().Idle
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Worker{store: store, opts: opts, logger: logger}
}

// Run processes queue batches until the context is cancelled. A failed batch
// backs off exponentially and is retried whatever the error; errors are not
// classified, so a permanent error is retried like a transient one. The loop
// returns only when the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // retry transient errors until cancelled
	policy.InitialInterval = 100 * time.Millisecond

	for {
		n, err := w.store.HandleQueue(ctx, w.opts.Batch)
		switch {
		case err == nil:
			policy.Reset()
			if n > 0 {
				w.logger.Debug("queue batch processed", "rows", n)
				continue
			}
			if err := sleep(ctx, w.opts.Idle); err != nil {
				return err
			}
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			wait := policy.NextBackOff()
			w.logger.Warn("queue batch failed, backing off", "error", err, "wait", wait)
			if err := sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
}

// RunPool runs a pool of workers until the context is cancelled.
func RunPool(ctx context.Context, store *index.Store, opts Options, logger *slog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.Workers; i++ {
		g.Go(func() error {
			return New(store, opts, logger).Run(ctx)
		})
	}
	return g.Wait()
}

// Drain runs batches until the queues are empty, then returns. Useful after
// a synchronous ingest when the caller wants quiescent metadata.
func Drain(ctx context.Context, store *index.Store, batch int) error {
	for {
		n, err := store.HandleQueue(ctx, batch)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
