package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/circletel/billing-engine/internal/ledger"
)

// Mandate is a customer's debit order authorisation.
type Mandate struct {
	CustomerID string
	Active     bool
	MaxAmount  decimal.Decimal
	BankRef    string
}

// MandateSource looks up debit order mandates. Returns nil when the
// customer has none.
type MandateSource interface {
	GetMandate(ctx context.Context, customerID string) (*Mandate, error)
}

// CollectionRequest is a single charge submitted to the payment gateway.
// The resulting payment arrives asynchronously through the payment webhook.
type CollectionRequest struct {
	InvoiceID     string
	InvoiceNumber string
	CustomerID    string
	Amount        decimal.Decimal
	Currency      string
	BankRef       string
}

// Collector submits debit order batches to the gateway.
type Collector interface {
	Collect(ctx context.Context, req CollectionRequest) error
}

// DebitOrderSource lists invoices flagged for automated collection.
type DebitOrderSource interface {
	ListDebitOrderCandidates(ctx context.Context) ([]ledger.Invoice, error)
}

// ProcessDebitOrdersJob submits collection requests for open debit order
// invoices backed by an active mandate. It records no payments itself; the
// gateway confirms each collection via webhook.
type ProcessDebitOrdersJob struct {
	Ledger    DebitOrderSource
	Mandates  MandateSource
	Collector Collector
	Runner    *Runner
	Logger    *slog.Logger
	clock     func() time.Time
}

// NewProcessDebitOrdersJob wires dependencies for the debit order handler.
func NewProcessDebitOrdersJob(led DebitOrderSource, mandates MandateSource, collector Collector, runner *Runner, logger *slog.Logger) *ProcessDebitOrdersJob {
	return &ProcessDebitOrdersJob{
		Ledger:    led,
		Mandates:  mandates,
		Collector: collector,
		Runner:    runner,
		Logger:    logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes billing:process_debit_orders tasks.
func (j *ProcessDebitOrdersJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("process debit orders: handler not configured")
	}
	var payload RunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	now := j.now()
	_, err := j.Runner.Execute(ctx, TaskProcessDebitOrders, dateOnly(now).Format("2006-01-02"), func(ctx context.Context) (RunSummary, error) {
		return j.collect(ctx, now)
	})
	if errors.Is(err, ErrRunExhausted) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

func (j *ProcessDebitOrdersJob) collect(ctx context.Context, asOf time.Time) (RunSummary, error) {
	invoices, err := j.Ledger.ListDebitOrderCandidates(ctx)
	if err != nil {
		return RunSummary{}, fmt.Errorf("list debit order candidates: %w", err)
	}

	summary := RunSummary{Total: len(invoices)}
	for i := range invoices {
		inv := &invoices[i]
		// Collect only on or after the due date.
		if inv.DueAt.After(asOf) {
			summary.Skipped++
			continue
		}

		mandate, err := j.Mandates.GetMandate(ctx, inv.CustomerID)
		if err != nil {
			summary.Failed++
			j.logger().Error("load mandate",
				slog.String("customer_id", inv.CustomerID), slog.Any("error", err))
			continue
		}
		if mandate == nil || !mandate.Active {
			summary.Skipped++
			j.logger().Warn("no active mandate",
				slog.String("invoice", inv.Number),
				slog.String("customer_id", inv.CustomerID))
			continue
		}
		if mandate.MaxAmount.IsPositive() && inv.AmountDue.GreaterThan(mandate.MaxAmount) {
			summary.Skipped++
			j.logger().Warn("amount exceeds mandate limit",
				slog.String("invoice", inv.Number),
				slog.String("amount_due", inv.AmountDue.StringFixed(2)),
				slog.String("mandate_max", mandate.MaxAmount.StringFixed(2)))
			continue
		}

		summary.Processed++
		req := CollectionRequest{
			InvoiceID:     inv.ID,
			InvoiceNumber: inv.Number,
			CustomerID:    inv.CustomerID,
			Amount:        inv.AmountDue,
			Currency:      inv.Currency,
			BankRef:       mandate.BankRef,
		}
		if err := j.Collector.Collect(ctx, req); err != nil {
			summary.Failed++
			j.logger().Error("submit collection",
				slog.String("invoice", inv.Number), slog.Any("error", err))
			continue
		}
		summary.Successful++
	}

	if summary.Failed > 0 {
		return summary, fmt.Errorf("%d of %d collections failed", summary.Failed, summary.Processed)
	}
	return summary, nil
}

func (j *ProcessDebitOrdersJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskProcessDebitOrders))
	}
	return slog.Default().With(slog.String("job", TaskProcessDebitOrders))
}

func (j *ProcessDebitOrdersJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
