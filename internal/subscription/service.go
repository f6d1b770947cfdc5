package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/circletel/billing-engine/internal/cycle"
)

// Service errors.
var (
	ErrNotFound       = errors.New("subscription: not found")
	ErrNotActive      = errors.New("subscription: not active")
	ErrAlreadyClosed  = errors.New("subscription: already cancelled")
	ErrAmountRequired = errors.New("subscription: recurring amount must be positive")
)

// RepositoryPort defines data access for subscriptions.
type RepositoryPort interface {
	Insert(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	ListDueInRange(ctx context.Context, from, to time.Time) ([]Subscription, error)
	ListByCustomer(ctx context.Context, customerID string) ([]Subscription, error)
}

// Service handles subscription business logic.
type Service struct {
	repo  RepositoryPort
	calc  *cycle.Calculator
	clock func() time.Time
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, calc *cycle.Calculator) *Service {
	return &Service{
		repo: repo,
		calc: calc,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// CreateInput describes a new subscription activated for a customer.
type CreateInput struct {
	CustomerID    string
	PackageName   string
	MonthlyAmount decimal.Decimal
	Currency      string
	StartDate     time.Time
	CycleDay      int
	Frequency     cycle.Frequency
	DebitOrder    bool
}

// Create activates a subscription. The first invoice is prorated from the
// start date, so ProrateFrom is seeded immediately.
func (s *Service) Create(ctx context.Context, input CreateInput) (*Subscription, error) {
	if input.CustomerID == "" {
		return nil, errors.New("subscription: customer ID required")
	}
	if !input.MonthlyAmount.IsPositive() {
		return nil, ErrAmountRequired
	}
	if !s.calc.IsValidCycleDay(input.CycleDay) {
		return nil, fmt.Errorf("%w: %d", cycle.ErrInvalidCycleDay, input.CycleDay)
	}
	if !cycle.IsValidFrequency(input.Frequency) {
		return nil, fmt.Errorf("%w: %q", cycle.ErrInvalidFrequency, input.Frequency)
	}

	now := s.clock()
	start := input.StartDate
	if start.IsZero() {
		start = now
	}

	next := start
	if input.Frequency != cycle.FrequencyOneTime {
		var err error
		next, err = s.calc.NextBillingDate(input.CycleDay, input.Frequency, start)
		if err != nil {
			return nil, err
		}
	}

	prorateFrom := start
	sub := &Subscription{
		ID:              uuid.NewString(),
		CustomerID:      input.CustomerID,
		PackageName:     input.PackageName,
		MonthlyAmount:   input.MonthlyAmount,
		Currency:        input.Currency,
		StartDate:       start,
		Cycle:           CycleConfig{Day: input.CycleDay, Frequency: input.Frequency},
		Status:          StatusActive,
		DebitOrder:      input.DebitOrder,
		NextBillingDate: next,
		ProrateFrom:     &prorateFrom,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.Insert(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// ChangePlan updates the recurring amount mid-cycle. The change is prorated
// into the next recurring invoice.
func (s *Service) ChangePlan(ctx context.Context, id string, newAmount decimal.Decimal, packageName string, effective time.Time) (*Subscription, error) {
	if !newAmount.IsPositive() {
		return nil, ErrAmountRequired
	}
	sub, err := s.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status != StatusActive {
		return nil, ErrNotActive
	}
	if effective.IsZero() {
		effective = s.clock()
	}
	sub.MonthlyAmount = newAmount
	if packageName != "" {
		sub.PackageName = packageName
	}
	sub.ProrateFrom = &effective
	sub.UpdatedAt = s.clock()
	if err := s.repo.Update(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// ChangeCycle is the only operation allowed to mutate a billed cycle
// config. The move to the new cycle day is prorated.
func (s *Service) ChangeCycle(ctx context.Context, id string, newDay int, newFrequency cycle.Frequency, effective time.Time) (*Subscription, error) {
	if !s.calc.IsValidCycleDay(newDay) {
		return nil, fmt.Errorf("%w: %d", cycle.ErrInvalidCycleDay, newDay)
	}
	if !cycle.IsValidFrequency(newFrequency) || newFrequency == cycle.FrequencyOneTime {
		return nil, fmt.Errorf("%w: %q", cycle.ErrInvalidFrequency, newFrequency)
	}
	sub, err := s.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status != StatusActive {
		return nil, ErrNotActive
	}
	if effective.IsZero() {
		effective = s.clock()
	}
	next, err := s.calc.NextBillingDate(newDay, newFrequency, effective)
	if err != nil {
		return nil, err
	}
	sub.Cycle = CycleConfig{Day: newDay, Frequency: newFrequency}
	sub.NextBillingDate = next
	sub.ProrateFrom = &effective
	sub.UpdatedAt = s.clock()
	if err := s.repo.Update(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Cancel soft-closes the subscription. Any already-issued invoices remain
// collectable.
func (s *Service) Cancel(ctx context.Context, id string, endDate time.Time) error {
	sub, err := s.mustGet(ctx, id)
	if err != nil {
		return err
	}
	if sub.Status == StatusCancelled {
		return ErrAlreadyClosed
	}
	if endDate.IsZero() {
		endDate = s.clock()
	}
	sub.Status = StatusCancelled
	sub.EndDate = &endDate
	sub.NextBillingDate = time.Time{}
	sub.UpdatedAt = s.clock()
	return s.repo.Update(ctx, sub)
}

// Get returns one subscription.
func (s *Service) Get(ctx context.Context, id string) (*Subscription, error) {
	return s.mustGet(ctx, id)
}

// ListDueInRange returns active subscriptions whose next billing date falls
// in [from, to).
func (s *Service) ListDueInRange(ctx context.Context, from, to time.Time) ([]Subscription, error) {
	return s.repo.ListDueInRange(ctx, from, to)
}

// RecordBilled advances the billing schedule after an invoice was generated
// for billedOn and clears any pending proration. A one_time subscription
// has no next date and is left with a zero NextBillingDate, which excludes
// it from future runs.
func (s *Service) RecordBilled(ctx context.Context, id string, billedOn time.Time) error {
	sub, err := s.mustGet(ctx, id)
	if err != nil {
		return err
	}
	if sub.Cycle.Frequency == cycle.FrequencyOneTime {
		sub.NextBillingDate = time.Time{}
	} else {
		next, err := s.calc.NextBillingDate(sub.Cycle.Day, sub.Cycle.Frequency, billedOn)
		if err != nil {
			return err
		}
		sub.NextBillingDate = next
	}
	sub.LastInvoiceDate = &billedOn
	sub.ProrateFrom = nil
	sub.UpdatedAt = s.clock()
	return s.repo.Update(ctx, sub)
}

func (s *Service) mustGet(ctx context.Context, id string) (*Subscription, error) {
	sub, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrNotFound
	}
	return sub, nil
}
