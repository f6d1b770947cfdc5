package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/circletel/billing-engine/internal/ledger"
)

type fakeDebitLedger struct {
	invoices []ledger.Invoice
}

func (f *fakeDebitLedger) ListDebitOrderCandidates(ctx context.Context) ([]ledger.Invoice, error) {
	return f.invoices, nil
}

type fakeMandates struct {
	mandates map[string]*Mandate
}

func (f *fakeMandates) GetMandate(ctx context.Context, customerID string) (*Mandate, error) {
	return f.mandates[customerID], nil
}

type recordingCollector struct {
	requests []CollectionRequest
}

func (c *recordingCollector) Collect(ctx context.Context, req CollectionRequest) error {
	c.requests = append(c.requests, req)
	return nil
}

func debitInvoice(id, customerID string, due decimal.Decimal, dueAt time.Time) ledger.Invoice {
	return ledger.Invoice{
		ID:         id,
		Number:     "INV-" + id,
		CustomerID: customerID,
		Currency:   "ZAR",
		Status:     ledger.InvoiceStatusSent,
		DebitOrder: true,
		DueAt:      dueAt,
		AmountDue:  due,
	}
}

func TestDebitOrdersRespectMandates(t *testing.T) {
	now := time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC)
	due := time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)
	led := &fakeDebitLedger{invoices: []ledger.Invoice{
		debitInvoice("1", "cust-ok", decimal.NewFromInt(900), due),
		debitInvoice("2", "cust-none", decimal.NewFromInt(900), due),
		debitInvoice("3", "cust-capped", decimal.NewFromInt(5000), due),
		debitInvoice("4", "cust-ok", decimal.NewFromInt(450), time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)),
	}}
	mandates := &fakeMandates{mandates: map[string]*Mandate{
		"cust-ok":     {CustomerID: "cust-ok", Active: true, MaxAmount: decimal.NewFromInt(2000), BankRef: "MND-1"},
		"cust-capped": {CustomerID: "cust-capped", Active: true, MaxAmount: decimal.NewFromInt(2000), BankRef: "MND-2"},
	}}
	collector := &recordingCollector{}
	store := newMemoryRunStore()
	runner, _ := newTestRunner(store)
	job := NewProcessDebitOrdersJob(led, mandates, collector, runner, nil)
	job.clock = func() time.Time { return now }

	task, err := NewRunTask(TaskProcessDebitOrders, RunPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	// Only the due invoice backed by an in-limit active mandate collects.
	require.Len(t, collector.requests, 1)
	req := collector.requests[0]
	require.Equal(t, "1", req.InvoiceID)
	require.Equal(t, "MND-1", req.BankRef)
	require.True(t, req.Amount.Equal(decimal.NewFromInt(900)))

	run, err := store.Get(context.Background(), TaskProcessDebitOrders, "2026-03-10")
	require.NoError(t, err)
	require.Equal(t, 4, run.Summary.Total)
	require.Equal(t, 1, run.Summary.Successful)
	require.Equal(t, 3, run.Summary.Skipped)
}
