package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/circletel/billing-engine/internal/cycle"
)

type memorySubRepo struct {
	subs map[string]*Subscription
}

func newMemorySubRepo() *memorySubRepo {
	return &memorySubRepo{subs: make(map[string]*Subscription)}
}

func (r *memorySubRepo) Insert(ctx context.Context, sub *Subscription) error {
	cp := *sub
	r.subs[sub.ID] = &cp
	return nil
}

func (r *memorySubRepo) Get(ctx context.Context, id string) (*Subscription, error) {
	sub, ok := r.subs[id]
	if !ok {
		return nil, nil
	}
	cp := *sub
	return &cp, nil
}

func (r *memorySubRepo) Update(ctx context.Context, sub *Subscription) error {
	if _, ok := r.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	cp := *sub
	r.subs[sub.ID] = &cp
	return nil
}

func (r *memorySubRepo) ListDueInRange(ctx context.Context, from, to time.Time) ([]Subscription, error) {
	var out []Subscription
	for _, sub := range r.subs {
		if sub.Status != StatusActive || sub.NextBillingDate.IsZero() {
			continue
		}
		if !sub.NextBillingDate.Before(from) && sub.NextBillingDate.Before(to) {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (r *memorySubRepo) ListByCustomer(ctx context.Context, customerID string) ([]Subscription, error) {
	var out []Subscription
	for _, sub := range r.subs {
		if sub.CustomerID == customerID {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func newSubService() (*Service, *memorySubRepo) {
	repo := newMemorySubRepo()
	return NewService(repo, cycle.NewCalculator()), repo
}

func TestCreateSubscription(t *testing.T) {
	svc, _ := newSubService()

	start := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	sub, err := svc.Create(context.Background(), CreateInput{
		CustomerID:    "cust-1",
		PackageName:   "Fibre 100/100",
		MonthlyAmount: decimal.NewFromInt(900),
		Currency:      "ZAR",
		StartDate:     start,
		CycleDay:      1,
		Frequency:     cycle.FrequencyMonthly,
	})
	require.NoError(t, err)
	require.Equal(t, StatusActive, sub.Status)
	require.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), sub.NextBillingDate)
	require.NotNil(t, sub.ProrateFrom)
	require.Equal(t, start, *sub.ProrateFrom)
}

func TestCreateSubscriptionRejectsInvalidCycle(t *testing.T) {
	svc, _ := newSubService()

	_, err := svc.Create(context.Background(), CreateInput{
		CustomerID:    "cust-1",
		MonthlyAmount: decimal.NewFromInt(900),
		CycleDay:      13,
		Frequency:     cycle.FrequencyMonthly,
	})
	require.ErrorIs(t, err, cycle.ErrInvalidCycleDay)

	_, err = svc.Create(context.Background(), CreateInput{
		CustomerID:    "cust-1",
		MonthlyAmount: decimal.NewFromInt(900),
		CycleDay:      1,
		Frequency:     cycle.Frequency("weekly"),
	})
	require.ErrorIs(t, err, cycle.ErrInvalidFrequency)
}

func TestChangePlanFlagsProration(t *testing.T) {
	svc, _ := newSubService()
	sub := createActive(t, svc)

	// billed once, proration cleared
	require.NoError(t, svc.RecordBilled(context.Background(), sub.ID, sub.NextBillingDate))
	billed, err := svc.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Nil(t, billed.ProrateFrom)

	effective := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	changed, err := svc.ChangePlan(context.Background(), sub.ID, decimal.NewFromInt(1200), "Fibre 200/200", effective)
	require.NoError(t, err)
	require.True(t, changed.MonthlyAmount.Equal(decimal.NewFromInt(1200)))
	require.NotNil(t, changed.ProrateFrom)
	require.Equal(t, effective, *changed.ProrateFrom)
}

func TestChangeCycleRecomputesNextDate(t *testing.T) {
	svc, _ := newSubService()
	sub := createActive(t, svc)

	effective := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	changed, err := svc.ChangeCycle(context.Background(), sub.ID, 25, cycle.FrequencyMonthly, effective)
	require.NoError(t, err)
	require.Equal(t, 25, changed.Cycle.Day)
	require.Equal(t, time.Date(2026, 4, 25, 0, 0, 0, 0, time.UTC), changed.NextBillingDate)
	require.NotNil(t, changed.ProrateFrom)
}

func TestCancelStopsBilling(t *testing.T) {
	svc, _ := newSubService()
	sub := createActive(t, svc)

	end := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	require.NoError(t, svc.Cancel(context.Background(), sub.ID, end))

	closed, err := svc.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, closed.Status)
	require.True(t, closed.NextBillingDate.IsZero())
	require.False(t, closed.BillableOn(end.AddDate(0, 0, 1)))

	require.ErrorIs(t, svc.Cancel(context.Background(), sub.ID, end), ErrAlreadyClosed)
}

func TestRecordBilledAdvancesSchedule(t *testing.T) {
	svc, _ := newSubService()
	sub := createActive(t, svc)

	billedOn := sub.NextBillingDate
	require.NoError(t, svc.RecordBilled(context.Background(), sub.ID, billedOn))

	updated, err := svc.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Equal(t, billedOn.AddDate(0, 1, 0), updated.NextBillingDate)
	require.NotNil(t, updated.LastInvoiceDate)
	require.Nil(t, updated.ProrateFrom)
}

func TestRecordBilledOneTimeTerminates(t *testing.T) {
	svc, _ := newSubService()

	sub, err := svc.Create(context.Background(), CreateInput{
		CustomerID:    "cust-1",
		PackageName:   "Installation",
		MonthlyAmount: decimal.NewFromInt(500),
		Currency:      "ZAR",
		StartDate:     time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		CycleDay:      1,
		Frequency:     cycle.FrequencyOneTime,
	})
	require.NoError(t, err)

	require.NoError(t, svc.RecordBilled(context.Background(), sub.ID, sub.StartDate))
	updated, err := svc.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	require.True(t, updated.NextBillingDate.IsZero())
}

func TestListDueInRange(t *testing.T) {
	svc, _ := newSubService()
	sub := createActive(t, svc)

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	due, err := svc.ListDueInRange(context.Background(), from, to)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, sub.ID, due[0].ID)

	require.NoError(t, svc.Cancel(context.Background(), sub.ID, time.Time{}))
	due, err = svc.ListDueInRange(context.Background(), from, to)
	require.NoError(t, err)
	require.Empty(t, due)
}

func createActive(t *testing.T, svc *Service) *Subscription {
	t.Helper()
	sub, err := svc.Create(context.Background(), CreateInput{
		CustomerID:    "cust-1",
		PackageName:   "Fibre 100/100",
		MonthlyAmount: decimal.NewFromInt(900),
		Currency:      "ZAR",
		StartDate:     time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC),
		CycleDay:      1,
		Frequency:     cycle.FrequencyMonthly,
	})
	require.NoError(t, err)
	return sub
}
