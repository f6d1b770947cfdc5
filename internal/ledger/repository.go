package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Repository errors.
var (
	ErrInvoiceNotFound  = errors.New("ledger: invoice not found")
	ErrPaymentNotFound  = errors.New("ledger: payment not found")
	ErrDuplicateInvoice = errors.New("ledger: invoice already exists for period")
	ErrStaleStatus      = errors.New("ledger: invoice status changed concurrently")
)

// ListInvoicesFilter narrows invoice listings.
type ListInvoicesFilter struct {
	Status     InvoiceStatus
	CustomerID string
	Limit      int
}

// RepositoryPort defines data access for invoices and payments.
type RepositoryPort interface {
	InsertInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	GetInvoiceByPeriod(ctx context.Context, subscriptionID string, periodStart time.Time) (*Invoice, error)
	GetInvoiceByNumber(ctx context.Context, number string) (*Invoice, error)
	ListInvoices(ctx context.Context, filter ListInvoicesFilter) ([]Invoice, error)
	ListOpenInvoices(ctx context.Context) ([]Invoice, error)
	ListDebitOrderCandidates(ctx context.Context) ([]Invoice, error)
	UpdateInvoiceStatus(ctx context.Context, id string, from, to InvoiceStatus, updatedAt time.Time) error
	SetInvoiceZohoID(ctx context.Context, id, zohoID string) error

	InsertPayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	ListPayments(ctx context.Context, invoiceID string) ([]Payment, error)
	ListAllPayments(ctx context.Context, limit int) ([]Payment, error)
	SetPaymentZohoID(ctx context.Context, id, zohoID string) error

	NextInvoiceNumber(ctx context.Context) (string, error)
	NextPaymentNumber(ctx context.Context) (string, error)

	WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error
}

// TxRepository exposes the operations that must share one transaction so a
// payment application is atomic relative to concurrent payments on the same
// invoice.
type TxRepository interface {
	GetInvoiceForUpdate(ctx context.Context, id string) (*Invoice, error)
	InsertPayment(ctx context.Context, p *Payment) error
	UpdateInvoiceAmounts(ctx context.Context, id string, paid, due decimal.Decimal, status InvoiceStatus, updatedAt time.Time) error
}
