package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/circletel/billing-engine/internal/zoho"
)

type fakeFlusher struct {
	calls   int
	summary zoho.Summary
}

func (f *fakeFlusher) FlushDirty(ctx context.Context, limit int) (zoho.Summary, error) {
	f.calls++
	return f.summary, nil
}

func TestSyncToZohoMapsFlushSummary(t *testing.T) {
	flusher := &fakeFlusher{summary: zoho.Summary{Total: 5, Synced: 3, Failed: 1, Skipped: 1}}
	store := newMemoryRunStore()
	runner, _ := newTestRunner(store)
	job := NewSyncToZohoJob(flusher, runner, nil)
	job.clock = func() time.Time { return time.Date(2026, 3, 10, 14, 5, 0, 0, time.UTC) }

	task, err := NewRunTask(TaskSyncToZoho, RunPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	run, err := store.Get(context.Background(), TaskSyncToZoho, "2026-03-10T14")
	require.NoError(t, err)
	require.Equal(t, RunSucceeded, run.Status)
	require.Equal(t, 5, run.Summary.Total)
	require.Equal(t, 3, run.Summary.Successful)
	require.Equal(t, 1, run.Summary.Failed)
	require.Equal(t, 1, run.Summary.Skipped)
}

func TestSyncToZohoRunsOncePerHour(t *testing.T) {
	flusher := &fakeFlusher{}
	runner, _ := newTestRunner(newMemoryRunStore())
	job := NewSyncToZohoJob(flusher, runner, nil)
	now := time.Date(2026, 3, 10, 14, 5, 0, 0, time.UTC)
	job.clock = func() time.Time { return now }

	task, err := NewRunTask(TaskSyncToZoho, RunPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 1, flusher.calls)

	// The next hour claims a fresh run row.
	now = now.Add(time.Hour)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 2, flusher.calls)
}
