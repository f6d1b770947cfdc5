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
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/circletel/billing-engine/internal/ledger"
)

// Reminder kinds.
const (
	ReminderUpcoming = "upcoming"
	ReminderOverdue  = "overdue"
)

// Reminder is a single payment nudge handed to the notifier.
type Reminder struct {
	Kind          string
	CustomerID    string
	InvoiceID     string
	InvoiceNumber string
	AmountDue     string
	DueAt         time.Time
	DaysFromDue   int // negative before due, positive after
}

// Notifier delivers reminders. Email/SMS transports live behind this port.
type Notifier interface {
	SendReminder(ctx context.Context, rem Reminder) error
}

// ReminderOffsets configures which day distances from the due date trigger a
// reminder.
type ReminderOffsets struct {
	DaysBefore []int
	DaysAfter  []int
}

// DefaultReminderOffsets nudges 7, 3 and 1 days before due and 1, 3, 7 and
// 14 days after.
func DefaultReminderOffsets() ReminderOffsets {
	return ReminderOffsets{
		DaysBefore: []int{7, 3, 1},
		DaysAfter:  []int{1, 3, 7, 14},
	}
}

// OpenInvoiceSource lists invoices that still carry a balance.
type OpenInvoiceSource interface {
	ListOpenInvoices(ctx context.Context) ([]ledger.Invoice, error)
}

// SendRemindersJob sends payment reminders for open invoices. It never
// mutates invoices; delivery failures only affect the run summary.
type SendRemindersJob struct {
	Ledger   OpenInvoiceSource
	Notifier Notifier
	Offsets  ReminderOffsets
	Runner   *Runner
	Logger   *slog.Logger
	clock    func() time.Time
	printer  *message.Printer
}

// NewSendRemindersJob wires dependencies for the reminder handler.
func NewSendRemindersJob(led OpenInvoiceSource, notifier Notifier, offsets ReminderOffsets, runner *Runner, logger *slog.Logger) *SendRemindersJob {
	if len(offsets.DaysBefore) == 0 && len(offsets.DaysAfter) == 0 {
		offsets = DefaultReminderOffsets()
	}
	return &SendRemindersJob{
		Ledger:   led,
		Notifier: notifier,
		Offsets:  offsets,
		Runner:   runner,
		Logger:   logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
		printer: message.NewPrinter(language.MustParse("en-ZA")),
	}
}

// Handle processes billing:send_reminders tasks. The run key is the calendar
// day, so each customer gets at most one nudge per invoice per day.
func (j *SendRemindersJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("send reminders: handler not configured")
	}
	var payload RunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	today := dateOnly(j.now())
	_, err := j.Runner.Execute(ctx, TaskSendReminders, today.Format("2006-01-02"), func(ctx context.Context) (RunSummary, error) {
		return j.send(ctx, today)
	})
	if errors.Is(err, ErrRunExhausted) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

func (j *SendRemindersJob) send(ctx context.Context, today time.Time) (RunSummary, error) {
	invoices, err := j.Ledger.ListOpenInvoices(ctx)
	if err != nil {
		return RunSummary{}, fmt.Errorf("list open invoices: %w", err)
	}

	summary := RunSummary{Total: len(invoices)}
	for i := range invoices {
		inv := &invoices[i]
		rem, due := j.reminderFor(inv, today)
		if !due {
			summary.Skipped++
			continue
		}
		summary.Processed++
		if err := j.Notifier.SendReminder(ctx, rem); err != nil {
			summary.Failed++
			j.logger().Error("send reminder",
				slog.String("invoice", inv.Number),
				slog.String("customer_id", inv.CustomerID),
				slog.Any("error", err))
			continue
		}
		summary.Successful++
	}
	return summary, nil
}

// reminderFor decides whether the invoice is at a reminder offset today.
func (j *SendRemindersJob) reminderFor(inv *ledger.Invoice, today time.Time) (Reminder, bool) {
	daysFromDue := int(today.Sub(dateOnly(inv.DueAt)).Hours() / 24)

	var kind string
	switch {
	case daysFromDue < 0 && containsInt(j.Offsets.DaysBefore, -daysFromDue):
		kind = ReminderUpcoming
	case daysFromDue > 0 && containsInt(j.Offsets.DaysAfter, daysFromDue):
		kind = ReminderOverdue
	default:
		return Reminder{}, false
	}

	return Reminder{
		Kind:          kind,
		CustomerID:    inv.CustomerID,
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.Number,
		AmountDue:     j.formatAmount(inv.AmountDue),
		DueAt:         inv.DueAt,
		DaysFromDue:   daysFromDue,
	}, true
}

// formatAmount renders rand amounts with locale-aware grouping, e.g.
// "R 1 234.56".
func (j *SendRemindersJob) formatAmount(amount decimal.Decimal) string {
	f, _ := amount.Float64()
	return j.printer.Sprintf("R %v", number.Decimal(f,
		number.MinFractionDigits(2), number.MaxFractionDigits(2)))
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (j *SendRemindersJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskSendReminders))
	}
	return slog.Default().With(slog.String("job", TaskSendReminders))
}

func (j *SendRemindersJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
