// Package subscription manages recurring service subscriptions and their
// billing cycle configuration.
package subscription

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/circletel/billing-engine/internal/cycle"
)

// Status enumerates subscription lifecycle states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
)

// CycleConfig is the billing cycle attached to a subscription. It is
// immutable once an invoice has been generated against it except through
// the explicit ChangeCycle operation, which triggers proration.
type CycleConfig struct {
	Day       int
	Frequency cycle.Frequency
}

// Subscription model. Cancellation is a soft close: the row is kept with a
// cancelled status and an end date.
type Subscription struct {
	ID              string
	CustomerID      string
	PackageName     string
	MonthlyAmount   decimal.Decimal
	Currency        string
	StartDate       time.Time
	EndDate         *time.Time
	Cycle           CycleConfig
	Status          Status
	DebitOrder      bool
	NextBillingDate time.Time
	LastInvoiceDate *time.Time
	// ProrateFrom marks a mid-cycle activation or plan/cycle change. While
	// set, the next recurring invoice charges the prorated amount from this
	// date instead of the full recurring amount. Cleared once billed.
	ProrateFrom *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BillableOn reports whether the subscription should be invoiced for a
// billing date falling on the given day. Checked immediately before invoice
// creation, not only at schedule time.
func (s *Subscription) BillableOn(t time.Time) bool {
	if s.Status != StatusActive {
		return false
	}
	if s.NextBillingDate.IsZero() {
		return false
	}
	if s.EndDate != nil && s.EndDate.Before(t) {
		return false
	}
	return true
}
