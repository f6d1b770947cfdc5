package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	jobmetrics "github.com/circletel/billing-engine/internal/jobs"
	"github.com/circletel/billing-engine/internal/shared"
)

// Runner executes a billing job exactly once per (job type, run key). It
// serialises concurrent schedulers through a redis lock, records every
// attempt on the run row, and applies persisted exponential backoff between
// failed attempts.
type Runner struct {
	Store       RunStorePort
	Locker      *shared.RunLocker
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	MaxAttempts int
	BaseDelay   time.Duration
	clock       func() time.Time
}

// NewRunner builds Runner instance with 3 attempts and a 1s base backoff.
func NewRunner(store RunStorePort, locker *shared.RunLocker, logger *slog.Logger, metrics *jobmetrics.Metrics) *Runner {
	return &Runner{
		Store:       store,
		Locker:      locker,
		Logger:      logger,
		Metrics:     metrics,
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Execute claims the run and invokes fn. A run that already succeeded is a
// silent no-op so task re-deliveries stay harmless. The returned error is
// nil exactly when the run row ends in succeeded (or was already there).
func (r *Runner) Execute(ctx context.Context, jobType, runKey string, fn func(ctx context.Context) (RunSummary, error)) (RunSummary, error) {
	logger := r.logger().With(slog.String("job", jobType), slog.String("run_key", runKey))

	if r.Locker != nil {
		release, err := r.Locker.Acquire(ctx, shared.RunLockKey(jobType, runKey))
		if errors.Is(err, shared.ErrLockNotAcquired) {
			logger.Info("run held by another worker")
			return RunSummary{}, ErrRunInProgress
		}
		if err != nil {
			return RunSummary{}, err
		}
		defer func() { _ = release(ctx) }()
	}

	now := r.now()
	run, err := r.Store.Claim(ctx, jobType, runKey, now, r.MaxAttempts)
	if err != nil {
		switch {
		case errors.Is(err, ErrRunAlreadySucceeded):
			logger.Info("run already completed")
			return RunSummary{}, nil
		case errors.Is(err, ErrRunExhausted):
			logger.Error("run exhausted attempts, leaving for manual review")
			return RunSummary{}, err
		case errors.Is(err, ErrRunNotEligible), errors.Is(err, ErrRunInProgress):
			logger.Info("run not claimable", slog.Any("reason", err))
			return RunSummary{}, err
		}
		return RunSummary{}, err
	}

	tracker := r.metrics().Track(jobType)
	summary, execErr := fn(ctx)
	execErr = tracker.End(execErr)

	if execErr != nil {
		attempts := run.Attempts + 1
		var next time.Time
		if attempts < r.MaxAttempts {
			next = r.now().Add(r.backoff(attempts))
		}
		if markErr := r.Store.MarkFailed(ctx, run.ID, execErr.Error(), attempts, next); markErr != nil {
			logger.Error("record run failure", slog.Any("error", markErr))
		}
		logger.Error("run failed",
			slog.Int("attempt", attempts),
			slog.Int("max_attempts", r.MaxAttempts),
			slog.Any("error", execErr))
		return summary, fmt.Errorf("jobs: %s %s: %w", jobType, runKey, execErr)
	}

	if err := r.Store.MarkSucceeded(ctx, run.ID, summary, r.now()); err != nil {
		return summary, err
	}
	r.metrics().AddProcessed(jobType, "successful", summary.Successful)
	r.metrics().AddProcessed(jobType, "failed", summary.Failed)
	r.metrics().AddProcessed(jobType, "skipped", summary.Skipped)
	logger.Info("run completed",
		slog.Int("total", summary.Total),
		slog.Int("successful", summary.Successful),
		slog.Int("failed", summary.Failed),
		slog.Int("skipped", summary.Skipped))
	return summary, nil
}

// backoff doubles per attempt: 1s, 2s, 4s.
func (r *Runner) backoff(attempt int) time.Duration {
	base := r.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	return base << (attempt - 1)
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Runner) metrics() *jobmetrics.Metrics {
	if r.Metrics != nil {
		return r.Metrics
	}
	return jobmetrics.NewMetrics(nil)
}

func (r *Runner) now() time.Time {
	if r.clock != nil {
		return r.clock()
	}
	return time.Now().UTC()
}
