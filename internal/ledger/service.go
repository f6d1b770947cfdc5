package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service errors.
var (
	ErrInvalidStatus         = errors.New("ledger: operation not allowed in current status")
	ErrInvalidAmount         = errors.New("ledger: amount must be positive")
	ErrPaymentExceedsBalance = errors.New("ledger: payment exceeds outstanding balance")
	ErrInvoiceNotPayable     = errors.New("ledger: invoice does not accept payments")
	ErrNotYetDue             = errors.New("ledger: invoice due date has not passed")
	ErrNoLineItems           = errors.New("ledger: invoice requires at least one line item")
)

// Options configures invoice arithmetic.
type Options struct {
	// VATRate is the fractional VAT rate applied at creation, 0.15 for SA.
	VATRate decimal.Decimal
	// PaymentTermsDays sets the due date offset from the issue date.
	PaymentTermsDays int
}

// DefaultOptions returns the standard billing configuration.
func DefaultOptions() Options {
	return Options{
		VATRate:          decimal.RequireFromString("0.15"),
		PaymentTermsDays: 7,
	}
}

// Service handles invoice and payment business logic. It is the only writer
// of invoice and payment state; jobs and webhook handlers go through it.
type Service struct {
	repo  RepositoryPort
	sink  EventSink
	opts  Options
	clock func() time.Time
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort, sink EventSink, opts Options) *Service {
	if sink == nil {
		sink = NopSink{}
	}
	if opts.VATRate.IsZero() && opts.PaymentTermsDays == 0 {
		opts = DefaultOptions()
	}
	return &Service{
		repo: repo,
		sink: sink,
		opts: opts,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// CreateInvoiceInput describes a new invoice for a billing period.
type CreateInvoiceInput struct {
	SubscriptionID string
	CustomerID     string
	Currency       string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Items          []LineItem
	DebitOrder     bool
	IssueDate      time.Time
}

// CreateInvoice creates the invoice for (subscription, period). The call is
// idempotent: when an invoice already exists for that period the existing
// record is returned with created=false, which is what makes the recurring
// generation job safe to re-run.
func (s *Service) CreateInvoice(ctx context.Context, input CreateInvoiceInput) (*Invoice, bool, error) {
	if input.SubscriptionID == "" {
		return nil, false, errors.New("ledger: subscription ID required")
	}
	if input.CustomerID == "" {
		return nil, false, errors.New("ledger: customer ID required")
	}
	if len(input.Items) == 0 {
		return nil, false, ErrNoLineItems
	}
	if !input.PeriodEnd.After(input.PeriodStart) {
		return nil, false, errors.New("ledger: period end must follow period start")
	}

	subtotal := decimal.Zero
	for _, item := range input.Items {
		if !item.Amount.IsPositive() {
			return nil, false, ErrInvalidAmount
		}
		subtotal = subtotal.Add(item.Amount)
	}
	vatAmount := subtotal.Mul(s.opts.VATRate).Round(2)
	total := subtotal.Add(vatAmount)

	now := s.clock()
	issue := input.IssueDate
	if issue.IsZero() {
		issue = now
	}

	number, err := s.repo.NextInvoiceNumber(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("ledger: allocate invoice number: %w", err)
	}

	inv := &Invoice{
		ID:             uuid.NewString(),
		Number:         number,
		SubscriptionID: input.SubscriptionID,
		CustomerID:     input.CustomerID,
		Currency:       input.Currency,
		PeriodStart:    input.PeriodStart,
		PeriodEnd:      input.PeriodEnd,
		IssueDate:      issue,
		DueAt:          issue.AddDate(0, 0, s.opts.PaymentTermsDays),
		LineItems:      input.Items,
		Subtotal:       subtotal,
		VATRate:        s.opts.VATRate,
		VATAmount:      vatAmount,
		Total:          total,
		AmountPaid:     decimal.Zero,
		AmountDue:      total,
		Status:         InvoiceStatusDraft,
		DebitOrder:     input.DebitOrder,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.repo.InsertInvoice(ctx, inv); err != nil {
		if errors.Is(err, ErrDuplicateInvoice) {
			existing, getErr := s.repo.GetInvoiceByPeriod(ctx, input.SubscriptionID, input.PeriodStart)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	s.sink.EntityChanged(ctx, EntityInvoice, inv.ID)
	return inv, true, nil
}

// SendInvoice moves a draft invoice to sent, making it payable.
func (s *Service) SendInvoice(ctx context.Context, id string) error {
	inv, err := s.mustGetInvoice(ctx, id)
	if err != nil {
		return err
	}
	if !canTransition(inv.Status, InvoiceStatusSent) {
		return fmt.Errorf("%w: %s -> sent", ErrInvalidStatus, inv.Status)
	}
	if err := s.repo.UpdateInvoiceStatus(ctx, id, inv.Status, InvoiceStatusSent, s.clock()); err != nil {
		return err
	}
	s.sink.EntityChanged(ctx, EntityInvoice, id)
	return nil
}

// ApplyPaymentInput describes a completed payment to allocate.
type ApplyPaymentInput struct {
	InvoiceID  string
	Amount     decimal.Decimal
	Currency   string
	Method     string
	GatewayRef string
	PaidAt     time.Time
}

// ApplyPayment records a completed payment and atomically recomputes the
// invoice balance and status. Two concurrent partial payments on the same
// invoice are serialised by the row lock, so neither is lost.
func (s *Service) ApplyPayment(ctx context.Context, input ApplyPaymentInput) (*Payment, error) {
	if !input.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	number, err := s.repo.NextPaymentNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: allocate payment number: %w", err)
	}

	now := s.clock()
	paidAt := input.PaidAt
	if paidAt.IsZero() {
		paidAt = now
	}
	payment := &Payment{
		ID:         uuid.NewString(),
		Number:     number,
		InvoiceID:  input.InvoiceID,
		Amount:     input.Amount,
		Currency:   input.Currency,
		Status:     PaymentStatusCompleted,
		Method:     input.Method,
		GatewayRef: input.GatewayRef,
		PaidAt:     paidAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, input.InvoiceID)
		if err != nil {
			return err
		}
		if inv == nil {
			return ErrInvoiceNotFound
		}
		switch inv.Status {
		case InvoiceStatusSent, InvoiceStatusPartial, InvoiceStatusOverdue:
		default:
			return fmt.Errorf("%w: status %s", ErrInvoiceNotPayable, inv.Status)
		}
		if input.Amount.GreaterThan(inv.AmountDue) {
			return ErrPaymentExceedsBalance
		}

		newPaid := inv.AmountPaid.Add(input.Amount)
		newDue := inv.Total.Sub(newPaid)
		newStatus := inv.Status
		switch {
		case newDue.IsZero():
			newStatus = InvoiceStatusPaid
		case newPaid.IsPositive():
			newStatus = InvoiceStatusPartial
		}
		if newStatus != inv.Status && !canTransition(inv.Status, newStatus) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, inv.Status, newStatus)
		}

		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}
		return tx.UpdateInvoiceAmounts(ctx, inv.ID, newPaid, newDue, newStatus, now)
	})
	if err != nil {
		return nil, err
	}

	s.sink.EntityChanged(ctx, EntityInvoice, input.InvoiceID)
	s.sink.EntityChanged(ctx, EntityPayment, payment.ID)
	return payment, nil
}

// RecordUnsuccessfulPayment stores a failed or cancelled payment attempt for
// audit without touching the invoice balance.
func (s *Service) RecordUnsuccessfulPayment(ctx context.Context, input ApplyPaymentInput, status PaymentStatus) (*Payment, error) {
	if status != PaymentStatusFailed && status != PaymentStatusCancelled {
		return nil, fmt.Errorf("ledger: unsuccessful payment status must be failed or cancelled, got %s", status)
	}
	number, err := s.repo.NextPaymentNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: allocate payment number: %w", err)
	}
	now := s.clock()
	payment := &Payment{
		ID:         uuid.NewString(),
		Number:     number,
		InvoiceID:  input.InvoiceID,
		Amount:     input.Amount,
		Currency:   input.Currency,
		Status:     status,
		Method:     input.Method,
		GatewayRef: input.GatewayRef,
		PaidAt:     input.PaidAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.InsertPayment(ctx, payment); err != nil {
		return nil, err
	}
	s.sink.EntityChanged(ctx, EntityPayment, payment.ID)
	return payment, nil
}

// MarkOverdue transitions a sent or partial invoice with an outstanding
// balance past its due date to overdue.
func (s *Service) MarkOverdue(ctx context.Context, id string, asOf time.Time) error {
	inv, err := s.mustGetInvoice(ctx, id)
	if err != nil {
		return err
	}
	if inv.Status != InvoiceStatusSent && inv.Status != InvoiceStatusPartial {
		return fmt.Errorf("%w: %s -> overdue", ErrInvalidStatus, inv.Status)
	}
	if !inv.DueAt.Before(asOf) {
		return ErrNotYetDue
	}
	if !inv.AmountDue.IsPositive() {
		return fmt.Errorf("%w: no outstanding balance", ErrInvalidStatus)
	}
	if err := s.repo.UpdateInvoiceStatus(ctx, id, inv.Status, InvoiceStatusOverdue, s.clock()); err != nil {
		return err
	}
	s.sink.EntityChanged(ctx, EntityInvoice, id)
	return nil
}

// Void terminally cancels an invoice. Paid invoices cannot be voided.
func (s *Service) Void(ctx context.Context, id string) error {
	inv, err := s.mustGetInvoice(ctx, id)
	if err != nil {
		return err
	}
	if !canTransition(inv.Status, InvoiceStatusVoid) {
		return fmt.Errorf("%w: %s -> void", ErrInvalidStatus, inv.Status)
	}
	if err := s.repo.UpdateInvoiceStatus(ctx, id, inv.Status, InvoiceStatusVoid, s.clock()); err != nil {
		return err
	}
	s.sink.EntityChanged(ctx, EntityInvoice, id)
	return nil
}

// AttachExternalRef stores the external ledger identifier on an invoice or
// payment. Only the sync reconciler calls this.
func (s *Service) AttachExternalRef(ctx context.Context, entityType, entityID, externalID string) error {
	switch entityType {
	case EntityInvoice:
		return s.repo.SetInvoiceZohoID(ctx, entityID, externalID)
	case EntityPayment:
		return s.repo.SetPaymentZohoID(ctx, entityID, externalID)
	default:
		return fmt.Errorf("ledger: unknown entity type %q", entityType)
	}
}

// GetInvoice returns one invoice.
func (s *Service) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	return s.mustGetInvoice(ctx, id)
}

// GetInvoiceByNumber returns the invoice carrying the given number, or
// ErrInvoiceNotFound when absent.
func (s *Service) GetInvoiceByNumber(ctx context.Context, number string) (*Invoice, error) {
	inv, err := s.repo.GetInvoiceByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, ErrInvoiceNotFound
	}
	return inv, nil
}

// ListInvoices returns invoices matching the filter.
func (s *Service) ListInvoices(ctx context.Context, filter ListInvoicesFilter) ([]Invoice, error) {
	return s.repo.ListInvoices(ctx, filter)
}

// ListOpenInvoices returns sent, partial, and overdue invoices that still
// carry a balance. Reminder and overdue jobs read from this.
func (s *Service) ListOpenInvoices(ctx context.Context) ([]Invoice, error) {
	return s.repo.ListOpenInvoices(ctx)
}

// ListDebitOrderCandidates returns open invoices flagged for automated
// collection.
func (s *Service) ListDebitOrderCandidates(ctx context.Context) ([]Invoice, error) {
	return s.repo.ListDebitOrderCandidates(ctx)
}

// ListPayments returns payments recorded against an invoice.
func (s *Service) ListPayments(ctx context.Context, invoiceID string) ([]Payment, error) {
	return s.repo.ListPayments(ctx, invoiceID)
}

// GetPayment returns one payment.
func (s *Service) GetPayment(ctx context.Context, id string) (*Payment, error) {
	p, err := s.repo.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrPaymentNotFound
	}
	return p, nil
}

func (s *Service) mustGetInvoice(ctx context.Context, id string) (*Invoice, error) {
	inv, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, ErrInvoiceNotFound
	}
	return inv, nil
}
