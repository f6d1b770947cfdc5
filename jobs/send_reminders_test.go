package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/circletel/billing-engine/internal/ledger"
)

type fakeOpenInvoices struct {
	invoices []ledger.Invoice
}

func (f *fakeOpenInvoices) ListOpenInvoices(ctx context.Context) ([]ledger.Invoice, error) {
	return f.invoices, nil
}

type recordingNotifier struct {
	sent []Reminder
	err  error
}

func (n *recordingNotifier) SendReminder(ctx context.Context, rem Reminder) error {
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, rem)
	return nil
}

func openInvoice(number string, dueAt time.Time) ledger.Invoice {
	return ledger.Invoice{
		ID:         "id-" + number,
		Number:     number,
		CustomerID: "cust-1",
		Status:     ledger.InvoiceStatusSent,
		DueAt:      dueAt,
		AmountDue:  decimal.RequireFromString("1234.56"),
	}
}

func newRemindersFixture(src *fakeOpenInvoices, notifier Notifier, today time.Time) *SendRemindersJob {
	runner, _ := newTestRunner(newMemoryRunStore())
	job := NewSendRemindersJob(src, notifier, ReminderOffsets{}, runner, nil)
	job.clock = func() time.Time { return today }
	return job
}

func TestRemindersHitConfiguredOffsets(t *testing.T) {
	today := time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)
	src := &fakeOpenInvoices{invoices: []ledger.Invoice{
		openInvoice("INV-000001", time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC)), // due in 3 days
		openInvoice("INV-000002", time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)), // due in 5 days, no offset
		openInvoice("INV-000003", time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)),  // 7 days overdue
	}}
	notifier := &recordingNotifier{}
	job := newRemindersFixture(src, notifier, today)

	task, err := NewRunTask(TaskSendReminders, RunPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Len(t, notifier.sent, 2)
	require.Equal(t, ReminderUpcoming, notifier.sent[0].Kind)
	require.Equal(t, "INV-000001", notifier.sent[0].InvoiceNumber)
	require.Equal(t, -3, notifier.sent[0].DaysFromDue)
	require.Equal(t, ReminderOverdue, notifier.sent[1].Kind)
	require.Equal(t, 7, notifier.sent[1].DaysFromDue)
}

func TestRemindersFormatRandAmounts(t *testing.T) {
	today := time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)
	src := &fakeOpenInvoices{invoices: []ledger.Invoice{
		openInvoice("INV-000001", time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)),
	}}
	notifier := &recordingNotifier{}
	job := newRemindersFixture(src, notifier, today)

	task, err := NewRunTask(TaskSendReminders, RunPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Len(t, notifier.sent, 1)
	require.Contains(t, notifier.sent[0].AmountDue, "R ")
	require.Contains(t, notifier.sent[0].AmountDue, "234.56")
}

func TestRemindersDeliveryFailureCountsAsFailed(t *testing.T) {
	today := time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)
	src := &fakeOpenInvoices{invoices: []ledger.Invoice{
		openInvoice("INV-000001", time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)),
	}}
	notifier := &recordingNotifier{err: errors.New("smtp timeout")}
	store := newMemoryRunStore()
	runner, _ := newTestRunner(store)
	job := NewSendRemindersJob(src, notifier, ReminderOffsets{}, runner, nil)
	job.clock = func() time.Time { return today }

	task, err := NewRunTask(TaskSendReminders, RunPayload{})
	require.NoError(t, err)
	// Delivery failures degrade the summary without failing the run.
	require.NoError(t, job.Handle(context.Background(), task))

	run, err := store.Get(context.Background(), TaskSendReminders, "2026-03-10")
	require.NoError(t, err)
	require.Equal(t, RunSucceeded, run.Status)
	require.Equal(t, 1, run.Summary.Failed)
}
