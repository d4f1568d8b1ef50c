// Package archive exports completed arguments to object storage from the
// archive job queue.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"argumentcoach/internal/util"
	"argumentcoach/pkg/domain"
	"argumentcoach/pkg/queue"
)

// ArgumentSource loads arguments by id.
type ArgumentSource interface {
	GetArgument(ctx context.Context, id string) (domain.Argument, bool, error)
}

// Saver writes one argument document.
type Saver interface {
	Save(ctx context.Context, arg domain.Argument, at time.Time) (string, error)
}

// JobRunner consumes archive jobs.
type JobRunner interface {
	Run(ctx context.Context, concurrency int, handler queue.Handler) error
}

// Config wires the worker.
type Config struct {
	Queue       JobRunner
	Arguments   ArgumentSource
	Archive     Saver
	Concurrency int
	Now         func() time.Time
}

// Worker exports each queued argument once.
type Worker struct {
	queue       JobRunner
	arguments   ArgumentSource
	archive     Saver
	concurrency int
	now         func() time.Time
}

// NewWorker validates cfg and builds a worker.
func NewWorker(cfg Config) (*Worker, error) {
	if cfg.Queue == nil || cfg.Arguments == nil || cfg.Archive == nil {
		return nil, errors.New("archive worker requires queue, argument source and archive")
	}
	w := &Worker{
		queue:       cfg.Queue,
		arguments:   cfg.Arguments,
		archive:     cfg.Archive,
		concurrency: cfg.Concurrency,
		now:         cfg.Now,
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w, nil
}

// Run blocks consuming jobs until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	return w.queue.Run(ctx, w.concurrency, w.Handle)
}

// Handle exports the argument named by job. Missing or foreign arguments are
// dropped; store and storage failures are returned for retry.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	logger := util.LoggerFromContext(ctx).With("job_id", job.ID, "argument_id", job.ArgumentID)
	arg, ok, err := w.arguments.GetArgument(ctx, job.ArgumentID)
	if err != nil {
		return fmt.Errorf("load argument: %w", err)
	}
	if !ok {
		logger.Warn("archive skipped, argument missing")
		return nil
	}
	if job.UserID != "" && arg.UserID != job.UserID {
		logger.Warn("archive skipped, owner mismatch", "job_user_id", job.UserID)
		return nil
	}
	if !arg.Completed {
		logger.Warn("archive skipped, argument not completed")
		return nil
	}
	key, err := w.archive.Save(ctx, arg, w.now().UTC())
	if err != nil {
		return fmt.Errorf("save archive: %w", err)
	}
	logger.Info("argument archived", "key", key, "attempt", job.Attempts)
	return nil
}
