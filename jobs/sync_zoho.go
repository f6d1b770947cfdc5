package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/circletel/billing-engine/internal/zoho"
)

// SyncFlusher is the slice of the reconciler the sync job drives.
type SyncFlusher interface {
	FlushDirty(ctx context.Context, limit int) (zoho.Summary, error)
}

// SyncToZohoJob pushes dirty billing entities to the external ledger.
type SyncToZohoJob struct {
	Reconciler SyncFlusher
	BatchLimit int
	Runner     *Runner
	Logger     *slog.Logger
	clock      func() time.Time
}

// NewSyncToZohoJob wires dependencies for the sync handler.
func NewSyncToZohoJob(rec SyncFlusher, runner *Runner, logger *slog.Logger) *SyncToZohoJob {
	return &SyncToZohoJob{
		Reconciler: rec,
		BatchLimit: 200,
		Runner:     runner,
		Logger:     logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes billing:sync_to_zoho tasks. The run key carries the hour
// so the flush can run multiple times a day without colliding with earlier
// runs.
func (j *SyncToZohoJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("sync to zoho: handler not configured")
	}
	var payload RunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	runKey := j.now().Format("2006-01-02T15")
	_, err := j.Runner.Execute(ctx, TaskSyncToZoho, runKey, func(ctx context.Context) (RunSummary, error) {
		flush, err := j.Reconciler.FlushDirty(ctx, j.BatchLimit)
		summary := RunSummary{
			Total:      flush.Total,
			Processed:  flush.Synced + flush.Failed,
			Successful: flush.Synced,
			Failed:     flush.Failed,
			Skipped:    flush.Skipped,
		}
		if err != nil {
			return summary, err
		}
		// Entities on their retry budget stay pending; the next flush picks
		// them up. Only a broken pass fails the run.
		return summary, nil
	})
	if errors.Is(err, ErrRunExhausted) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

func (j *SyncToZohoJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskSyncToZoho))
	}
	return slog.Default().With(slog.String("job", TaskSyncToZoho))
}

func (j *SyncToZohoJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
