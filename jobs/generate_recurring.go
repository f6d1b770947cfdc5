package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/circletel/billing-engine/internal/cycle"
	"github.com/circletel/billing-engine/internal/ledger"
	"github.com/circletel/billing-engine/internal/shared"
	"github.com/circletel/billing-engine/internal/subscription"
)

// SubscriptionSource is the slice of the subscription service the generate
// job reads and advances.
type SubscriptionSource interface {
	ListDueInRange(ctx context.Context, from, to time.Time) ([]subscription.Subscription, error)
	RecordBilled(ctx context.Context, id string, billedOn time.Time) error
}

// InvoiceCreator is the slice of the ledger service the generate job writes
// through.
type InvoiceCreator interface {
	CreateInvoice(ctx context.Context, input ledger.CreateInvoiceInput) (*ledger.Invoice, bool, error)
	SendInvoice(ctx context.Context, id string) error
}

// GenerateRecurringJob creates the period's recurring invoices. Re-running a
// period is safe: invoice creation is idempotent per (subscription, period)
// and the run row blocks double execution.
type GenerateRecurringJob struct {
	Subs   SubscriptionSource
	Ledger InvoiceCreator
	Calc   *cycle.Calculator
	Runner *Runner
	Logger *slog.Logger
	clock  func() time.Time
}

// NewGenerateRecurringJob wires dependencies for the generation handler.
func NewGenerateRecurringJob(subs SubscriptionSource, led InvoiceCreator, calc *cycle.Calculator, runner *Runner, logger *slog.Logger) *GenerateRecurringJob {
	return &GenerateRecurringJob{
		Subs:   subs,
		Ledger: led,
		Calc:   calc,
		Runner: runner,
		Logger: logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes billing:generate_recurring tasks.
func (j *GenerateRecurringJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("generate recurring: handler not configured")
	}
	var payload RunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	period, err := j.resolvePeriod(payload.Period)
	if err != nil {
		j.logger().Error("invalid period", slog.String("period", payload.Period), slog.Any("error", err))
		return asynq.SkipRetry
	}

	if payload.DryRun {
		// Previews never claim the run row, so the real run still executes.
		summary, err := j.generate(ctx, period, payload, false)
		if err != nil {
			return err
		}
		j.logger().Info("dry run completed",
			slog.String("period", string(period)),
			slog.Int("total", summary.Total),
			slog.Int("successful", summary.Successful),
			slog.Int("skipped", summary.Skipped))
		return nil
	}

	_, err = j.Runner.Execute(ctx, TaskGenerateRecurring, string(period), func(ctx context.Context) (RunSummary, error) {
		return j.generate(ctx, period, payload, true)
	})
	if errors.Is(err, ErrRunExhausted) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

func (j *GenerateRecurringJob) resolvePeriod(raw string) (shared.PeriodKey, error) {
	if raw == "" {
		return shared.PeriodKeyFor(j.now()), nil
	}
	return shared.ParsePeriodKey(raw)
}

func (j *GenerateRecurringJob) generate(ctx context.Context, period shared.PeriodKey, payload RunPayload, persist bool) (RunSummary, error) {
	from, to, err := period.Bounds()
	if err != nil {
		return RunSummary{}, err
	}
	subs, err := j.Subs.ListDueInRange(ctx, from, to)
	if err != nil {
		return RunSummary{}, fmt.Errorf("list due subscriptions: %w", err)
	}

	summary := RunSummary{Total: len(subs)}
	logger := j.logger().With(slog.String("period", string(period)))
	for i := range subs {
		sub := &subs[i]
		if payload.CycleDay != 0 && sub.Cycle.Day != payload.CycleDay {
			summary.Skipped++
			continue
		}
		if payload.CustomerID != "" && sub.CustomerID != payload.CustomerID {
			summary.Skipped++
			continue
		}
		if !sub.BillableOn(sub.NextBillingDate) {
			summary.Skipped++
			continue
		}

		summary.Processed++
		if err := j.invoiceSubscription(ctx, sub, persist); err != nil {
			summary.Failed++
			logger.Error("invoice subscription",
				slog.String("subscription_id", sub.ID),
				slog.String("customer_id", sub.CustomerID),
				slog.Any("error", err))
			continue
		}
		summary.Successful++
	}

	if summary.Failed > 0 {
		return summary, fmt.Errorf("%d of %d subscriptions failed", summary.Failed, summary.Processed)
	}
	return summary, nil
}

func (j *GenerateRecurringJob) invoiceSubscription(ctx context.Context, sub *subscription.Subscription, persist bool) error {
	periodStart := sub.NextBillingDate
	items, periodEnd, err := j.buildLineItems(sub, periodStart)
	if err != nil {
		return err
	}
	if !persist {
		return nil
	}

	inv, created, err := j.Ledger.CreateInvoice(ctx, ledger.CreateInvoiceInput{
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		Currency:       sub.Currency,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		Items:          items,
		DebitOrder:     sub.DebitOrder,
		IssueDate:      periodStart,
	})
	if err != nil {
		return err
	}
	if created {
		if err := j.Ledger.SendInvoice(ctx, inv.ID); err != nil {
			return err
		}
	}
	// Advance the schedule even when the invoice already existed, so a run
	// that died between create and advance converges on retry.
	return j.Subs.RecordBilled(ctx, sub.ID, periodStart)
}

// buildLineItems assembles the invoice lines: the recurring charge for the
// upcoming period, preceded by a pro-rata line when the subscription
// activated or changed mid-cycle.
func (j *GenerateRecurringJob) buildLineItems(sub *subscription.Subscription, periodStart time.Time) ([]ledger.LineItem, time.Time, error) {
	if sub.Cycle.Frequency == cycle.FrequencyOneTime {
		end := periodStart.AddDate(0, 0, 1)
		return []ledger.LineItem{{
			Description: fmt.Sprintf("%s (once-off)", sub.PackageName),
			Quantity:    1,
			UnitPrice:   sub.MonthlyAmount,
			Amount:      sub.MonthlyAmount,
			Type:        ledger.LineItemRecurring,
		}}, end, nil
	}

	periodEnd, err := cycle.PeriodEnd(periodStart, sub.Cycle.Frequency)
	if err != nil {
		return nil, time.Time{}, err
	}

	var items []ledger.LineItem
	if sub.ProrateFrom != nil && sub.ProrateFrom.Before(periodStart) {
		prevStart, prevEnd, err := j.Calc.PeriodBounds(sub.Cycle.Day, sub.Cycle.Frequency, *sub.ProrateFrom)
		if err != nil {
			return nil, time.Time{}, err
		}
		// The pro-rata charge covers the whole gap between activation and
		// the first aligned billing date. When activation falls before the
		// cycle day the gap runs past the activation period's end, so the
		// charge can exceed one month.
		pro, err := cycle.ProrateUntil(sub.MonthlyAmount, prevStart, prevEnd, *sub.ProrateFrom, periodStart)
		if err != nil {
			return nil, time.Time{}, err
		}
		if pro.Amount.IsPositive() {
			items = append(items, ledger.LineItem{
				Description: fmt.Sprintf("%s pro-rata: %s", sub.PackageName, pro.Breakdown),
				Quantity:    1,
				UnitPrice:   pro.Amount,
				Amount:      pro.Amount,
				Type:        ledger.LineItemProRata,
			})
		}
	}

	items = append(items, ledger.LineItem{
		Description: fmt.Sprintf("%s (%s to %s)", sub.PackageName,
			periodStart.Format("2006-01-02"), periodEnd.AddDate(0, 0, -1).Format("2006-01-02")),
		Quantity:  1,
		UnitPrice: sub.MonthlyAmount,
		Amount:    sub.MonthlyAmount,
		Type:      ledger.LineItemRecurring,
	})
	return items, periodEnd, nil
}

func (j *GenerateRecurringJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskGenerateRecurring))
	}
	return slog.Default().With(slog.String("job", TaskGenerateRecurring))
}

func (j *GenerateRecurringJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
