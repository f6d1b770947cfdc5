// Package webhook receives inbound payment gateway and external ledger
// events. Every route verifies an HMAC signature over the raw body before
// touching any state, and dedupes on the event identifier so gateway
// redeliveries are harmless.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/circletel/billing-engine/internal/ledger"
)

// Payment event types.
const (
	EventPaymentCompleted = "payment.completed"
	EventPaymentFailed    = "payment.failed"
	EventPaymentCancelled = "payment.cancelled"
)

// Sync event types.
const (
	EventSyncConfirmed = "sync.confirmed"
	EventSyncRejected  = "sync.rejected"
)

var (
	ErrBadSignature   = errors.New("webhook: signature verification failed")
	ErrUnknownEvent   = errors.New("webhook: unknown event type")
	ErrInvalidPayload = errors.New("webhook: invalid payload")
)

// PaymentEvent is the gateway's payment notification. Invoices are
// referenced by their invoice number, not internal ids.
type PaymentEvent struct {
	EventType        string          `json:"event_type" validate:"required"`
	EventID          string          `json:"event_id" validate:"required"`
	InvoiceReference string          `json:"invoice_reference" validate:"required"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency" validate:"required,len=3"`
	Method           string          `json:"payment_method"`
	GatewayRef       string          `json:"gateway_reference"`
	OccurredAt       time.Time       `json:"occurred_at"`
}

// SyncEvent is the external ledger's asynchronous confirmation or rejection
// of a pushed entity.
type SyncEvent struct {
	EventType  string `json:"event_type" validate:"required"`
	EventID    string `json:"event_id" validate:"required"`
	EntityType string `json:"entity_type" validate:"required,oneof=customer invoice payment"`
	EntityID   string `json:"entity_id" validate:"required"`
	ZohoID     string `json:"zoho_id"`
	Reason     string `json:"reason"`
}

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the signature header against the raw request body
// in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// PaymentMutation is the state change a payment event maps to. Separating
// the decision from the HTTP adapter keeps the mapping testable without a
// server.
type PaymentMutation struct {
	Input  ledger.ApplyPaymentInput
	Status ledger.PaymentStatus
}

// Completed reports whether the mutation allocates money to the invoice.
func (m PaymentMutation) Completed() bool {
	return m.Status == ledger.PaymentStatusCompleted
}

// DecidePayment maps a verified payment event onto the invoice it
// references. It performs no I/O.
func DecidePayment(inv *ledger.Invoice, evt PaymentEvent) (PaymentMutation, error) {
	if !evt.Amount.IsPositive() {
		return PaymentMutation{}, fmt.Errorf("%w: amount must be positive", ErrInvalidPayload)
	}
	input := ledger.ApplyPaymentInput{
		InvoiceID:  inv.ID,
		Amount:     evt.Amount,
		Currency:   evt.Currency,
		Method:     evt.Method,
		GatewayRef: evt.GatewayRef,
		PaidAt:     evt.OccurredAt,
	}
	switch evt.EventType {
	case EventPaymentCompleted:
		return PaymentMutation{Input: input, Status: ledger.PaymentStatusCompleted}, nil
	case EventPaymentFailed:
		return PaymentMutation{Input: input, Status: ledger.PaymentStatusFailed}, nil
	case EventPaymentCancelled:
		return PaymentMutation{Input: input, Status: ledger.PaymentStatusCancelled}, nil
	default:
		return PaymentMutation{}, fmt.Errorf("%w: %q", ErrUnknownEvent, evt.EventType)
	}
}
