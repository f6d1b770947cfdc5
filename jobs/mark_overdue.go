package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/circletel/billing-engine/internal/ledger"
)

// OverdueMarker is the slice of the ledger service the overdue job writes
// through.
type OverdueMarker interface {
	ListOpenInvoices(ctx context.Context) ([]ledger.Invoice, error)
	MarkOverdue(ctx context.Context, id string, asOf time.Time) error
}

// MarkOverdueJob flips past-due invoices with a balance to overdue.
type MarkOverdueJob struct {
	Ledger OverdueMarker
	Runner *Runner
	Logger *slog.Logger
	clock  func() time.Time
}

// NewMarkOverdueJob wires dependencies for the overdue handler.
func NewMarkOverdueJob(led OverdueMarker, runner *Runner, logger *slog.Logger) *MarkOverdueJob {
	return &MarkOverdueJob{
		Ledger: led,
		Runner: runner,
		Logger: logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes billing:mark_overdue tasks.
func (j *MarkOverdueJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("mark overdue: handler not configured")
	}
	var payload RunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	now := j.now()
	_, err := j.Runner.Execute(ctx, TaskMarkOverdue, dateOnly(now).Format("2006-01-02"), func(ctx context.Context) (RunSummary, error) {
		return j.mark(ctx, now)
	})
	if errors.Is(err, ErrRunExhausted) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

func (j *MarkOverdueJob) mark(ctx context.Context, asOf time.Time) (RunSummary, error) {
	invoices, err := j.Ledger.ListOpenInvoices(ctx)
	if err != nil {
		return RunSummary{}, fmt.Errorf("list open invoices: %w", err)
	}

	summary := RunSummary{Total: len(invoices)}
	for i := range invoices {
		inv := &invoices[i]
		if inv.Status == ledger.InvoiceStatusOverdue || !inv.DueAt.Before(asOf) {
			summary.Skipped++
			continue
		}
		summary.Processed++
		err := j.Ledger.MarkOverdue(ctx, inv.ID, asOf)
		switch {
		case err == nil:
			summary.Successful++
			j.logger().Info("invoice marked overdue",
				slog.String("invoice", inv.Number),
				slog.Time("due_at", inv.DueAt))
		case errors.Is(err, ledger.ErrNotYetDue), errors.Is(err, ledger.ErrInvalidStatus):
			// Paid or voided since listing; nothing to do.
			summary.Skipped++
			summary.Processed--
		default:
			summary.Failed++
			j.logger().Error("mark overdue",
				slog.String("invoice", inv.Number), slog.Any("error", err))
		}
	}

	if summary.Failed > 0 {
		return summary, fmt.Errorf("%d of %d invoices failed", summary.Failed, summary.Processed)
	}
	return summary, nil
}

func (j *MarkOverdueJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskMarkOverdue))
	}
	return slog.Default().With(slog.String("job", TaskMarkOverdue))
}

func (j *MarkOverdueJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
