// Package ledger owns invoice and payment records and their status state
// machines. It is the source of truth for money owed; external sync is an
// eventually-consistent overlay layered on top of it.
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceStatus enumerates invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft   InvoiceStatus = "draft"
	InvoiceStatusSent    InvoiceStatus = "sent"
	InvoiceStatusPartial InvoiceStatus = "partial"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusOverdue InvoiceStatus = "overdue"
	InvoiceStatusVoid    InvoiceStatus = "void"
)

// PaymentStatus enumerates payment lifecycle states.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// LineItem is a single charge on an invoice.
type LineItem struct {
	Description string          `json:"description"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Amount      decimal.Decimal `json:"amount"`
	Type        string          `json:"type"`
}

// Line item types.
const (
	LineItemRecurring = "recurring"
	LineItemProRata   = "pro_rata"
)

// Invoice model. AmountDue is always Total minus AmountPaid and never
// negative. Invoices are never deleted, only voided.
type Invoice struct {
	ID             string
	Number         string
	SubscriptionID string
	CustomerID     string
	Currency       string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	IssueDate      time.Time
	DueAt          time.Time
	LineItems      []LineItem
	Subtotal       decimal.Decimal
	VATRate        decimal.Decimal
	VATAmount      decimal.Decimal
	Total          decimal.Decimal
	AmountPaid     decimal.Decimal
	AmountDue      decimal.Decimal
	Status         InvoiceStatus
	DebitOrder     bool
	ZohoID         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Payment model. A completed payment is immutable.
type Payment struct {
	ID         string
	Number     string
	InvoiceID  string
	Amount     decimal.Decimal
	Currency   string
	Status     PaymentStatus
	Method     string
	GatewayRef string
	ZohoID     string
	PaidAt     time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// canTransition encodes the invoice status machine:
// draft → sent → {partial ⇄ overdue} → paid, with void reachable from every
// state except paid.
func canTransition(from, to InvoiceStatus) bool {
	if to == InvoiceStatusVoid {
		return from != InvoiceStatusPaid
	}
	switch from {
	case InvoiceStatusDraft:
		return to == InvoiceStatusSent
	case InvoiceStatusSent:
		return to == InvoiceStatusPartial || to == InvoiceStatusOverdue || to == InvoiceStatusPaid
	case InvoiceStatusPartial:
		return to == InvoiceStatusOverdue || to == InvoiceStatusPaid
	case InvoiceStatusOverdue:
		return to == InvoiceStatusPartial || to == InvoiceStatusPaid
	case InvoiceStatusPaid, InvoiceStatusVoid:
		return false
	}
	return false
}

// Open reports whether the invoice still carries a collectable balance.
func (i *Invoice) Open() bool {
	switch i.Status {
	case InvoiceStatusSent, InvoiceStatusPartial, InvoiceStatusOverdue:
		return i.AmountDue.IsPositive()
	}
	return false
}
