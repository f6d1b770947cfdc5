package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/circletel/billing-engine/internal/ledger"
	"github.com/circletel/billing-engine/internal/shared"
)

const (
	testPaymentSecret = "payment-secret"
	testZohoSecret    = "zoho-secret"
)

type fakeLedger struct {
	invoices     map[string]*ledger.Invoice
	applied      []ledger.ApplyPaymentInput
	unsuccessful []ledger.PaymentStatus
	applyErr     error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{invoices: make(map[string]*ledger.Invoice)}
}

func (f *fakeLedger) GetInvoiceByNumber(ctx context.Context, number string) (*ledger.Invoice, error) {
	inv, ok := f.invoices[number]
	if !ok {
		return nil, ledger.ErrInvoiceNotFound
	}
	return inv, nil
}

func (f *fakeLedger) ApplyPayment(ctx context.Context, input ledger.ApplyPaymentInput) (*ledger.Payment, error) {
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	f.applied = append(f.applied, input)
	return &ledger.Payment{ID: "pay-1", InvoiceID: input.InvoiceID, Amount: input.Amount}, nil
}

func (f *fakeLedger) RecordUnsuccessfulPayment(ctx context.Context, input ledger.ApplyPaymentInput, status ledger.PaymentStatus) (*ledger.Payment, error) {
	f.unsuccessful = append(f.unsuccessful, status)
	return &ledger.Payment{ID: "pay-1", Status: status}, nil
}

type fakeSync struct {
	synced []string
	failed []string
	err    error
}

func (f *fakeSync) ConfirmSynced(ctx context.Context, entityType, entityID, zohoID string) error {
	if f.err != nil {
		return f.err
	}
	f.synced = append(f.synced, entityType+"/"+entityID+"/"+zohoID)
	return nil
}

func (f *fakeSync) ConfirmFailed(ctx context.Context, entityType, entityID, reason string) error {
	if f.err != nil {
		return f.err
	}
	f.failed = append(f.failed, entityType+"/"+entityID)
	return nil
}

type memStore struct {
	seen map[string]bool
}

func newMemStore() *memStore {
	return &memStore{seen: make(map[string]bool)}
}

func (s *memStore) CheckAndInsert(ctx context.Context, key, source string) error {
	if s.seen[key] {
		return shared.ErrIdempotencyConflict
	}
	s.seen[key] = true
	return nil
}

func (s *memStore) Delete(ctx context.Context, key string) error {
	delete(s.seen, key)
	return nil
}

type webhookFixture struct {
	router *chi.Mux
	led    *fakeLedger
	sync   *fakeSync
	store  *memStore
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	f := &webhookFixture{
		led:   newFakeLedger(),
		sync:  &fakeSync{},
		store: newMemStore(),
	}
	h := NewHandler(slog.Default(), f.led, f.sync, f.store, Secrets{
		Payment: testPaymentSecret,
		Zoho:    testZohoSecret,
	})
	f.router = chi.NewRouter()
	h.MountRoutes(f.router)
	return f
}

func (f *webhookFixture) post(t *testing.T, path, secret string, payload any, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if sign {
		req.Header.Set("X-Webhook-Signature", Sign(secret, body))
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func completedEvent() PaymentEvent {
	return PaymentEvent{
		EventType:        EventPaymentCompleted,
		EventID:          "evt-1",
		InvoiceReference: "INV-000042",
		Amount:           decimal.RequireFromString("899.00"),
		Currency:         "ZAR",
		Method:           "debit_order",
		GatewayRef:       "gw-123",
		OccurredAt:       time.Date(2026, 3, 7, 6, 0, 0, 0, time.UTC),
	}
}

func TestPaymentWebhookRejectsBadSignature(t *testing.T) {
	f := newWebhookFixture(t)
	f.led.invoices["INV-000042"] = &ledger.Invoice{ID: "inv-1", Number: "INV-000042"}

	rr := f.post(t, "/webhooks/payments", "wrong-secret", completedEvent(), true)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Empty(t, f.led.applied)
	require.Empty(t, f.store.seen)

	rr = f.post(t, "/webhooks/payments", testPaymentSecret, completedEvent(), false)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestPaymentWebhookAppliesCompletedPayment(t *testing.T) {
	f := newWebhookFixture(t)
	f.led.invoices["INV-000042"] = &ledger.Invoice{ID: "inv-1", Number: "INV-000042"}

	rr := f.post(t, "/webhooks/payments", testPaymentSecret, completedEvent(), true)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, f.led.applied, 1)

	applied := f.led.applied[0]
	require.Equal(t, "inv-1", applied.InvoiceID)
	require.True(t, applied.Amount.Equal(decimal.RequireFromString("899.00")))
	require.Equal(t, "debit_order", applied.Method)
	require.Equal(t, "gw-123", applied.GatewayRef)
}

func TestPaymentWebhookReplayIsNoOp(t *testing.T) {
	f := newWebhookFixture(t)
	f.led.invoices["INV-000042"] = &ledger.Invoice{ID: "inv-1", Number: "INV-000042"}

	first := f.post(t, "/webhooks/payments", testPaymentSecret, completedEvent(), true)
	require.Equal(t, http.StatusOK, first.Code)

	replay := f.post(t, "/webhooks/payments", testPaymentSecret, completedEvent(), true)
	require.Equal(t, http.StatusOK, replay.Code)
	require.Contains(t, replay.Body.String(), "duplicate")
	require.Len(t, f.led.applied, 1)
}

func TestPaymentWebhookFailedEventSkipsBalance(t *testing.T) {
	f := newWebhookFixture(t)
	f.led.invoices["INV-000042"] = &ledger.Invoice{ID: "inv-1", Number: "INV-000042"}

	evt := completedEvent()
	evt.EventType = EventPaymentFailed
	rr := f.post(t, "/webhooks/payments", testPaymentSecret, evt, true)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Empty(t, f.led.applied)
	require.Equal(t, []ledger.PaymentStatus{ledger.PaymentStatusFailed}, f.led.unsuccessful)
}

func TestPaymentWebhookFailureReleasesDedupeKey(t *testing.T) {
	f := newWebhookFixture(t)
	f.led.invoices["INV-000042"] = &ledger.Invoice{ID: "inv-1", Number: "INV-000042"}

	f.led.applyErr = context.DeadlineExceeded
	rr := f.post(t, "/webhooks/payments", testPaymentSecret, completedEvent(), true)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Empty(t, f.store.seen)

	// Redelivery of the same event succeeds once the ledger recovers.
	f.led.applyErr = nil
	rr = f.post(t, "/webhooks/payments", testPaymentSecret, completedEvent(), true)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, f.led.applied, 1)
}

func TestPaymentWebhookOverpaymentRejected(t *testing.T) {
	f := newWebhookFixture(t)
	f.led.invoices["INV-000042"] = &ledger.Invoice{ID: "inv-1", Number: "INV-000042"}

	f.led.applyErr = ledger.ErrPaymentExceedsBalance
	rr := f.post(t, "/webhooks/payments", testPaymentSecret, completedEvent(), true)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestPaymentWebhookUnknownInvoice(t *testing.T) {
	f := newWebhookFixture(t)

	rr := f.post(t, "/webhooks/payments", testPaymentSecret, completedEvent(), true)
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Empty(t, f.led.applied)
}

func TestPaymentWebhookValidation(t *testing.T) {
	f := newWebhookFixture(t)

	evt := completedEvent()
	evt.EventID = ""
	rr := f.post(t, "/webhooks/payments", testPaymentSecret, evt, true)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	evt = completedEvent()
	evt.Amount = decimal.Zero
	rr = f.post(t, "/webhooks/payments", testPaymentSecret, evt, true)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPaymentWebhookRejectsUnknownFields(t *testing.T) {
	f := newWebhookFixture(t)
	f.led.invoices["INV-000042"] = &ledger.Invoice{ID: "inv-1", Number: "INV-000042"}

	body, err := json.Marshal(completedEvent())
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(body, &raw))
	raw["legacy_reference"] = "x-1"

	rr := f.post(t, "/webhooks/payments", testPaymentSecret, raw, true)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Empty(t, f.led.applied)
	require.Empty(t, f.store.seen)
}

func TestZohoWebhookConfirmations(t *testing.T) {
	f := newWebhookFixture(t)

	confirmed := SyncEvent{
		EventType:  EventSyncConfirmed,
		EventID:    "zevt-1",
		EntityType: "invoice",
		EntityID:   "inv-1",
		ZohoID:     "zi-77",
	}
	rr := f.post(t, "/webhooks/zoho", testZohoSecret, confirmed, true)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, []string{"invoice/inv-1/zi-77"}, f.sync.synced)

	rejected := SyncEvent{
		EventType:  EventSyncRejected,
		EventID:    "zevt-2",
		EntityType: "payment",
		EntityID:   "pay-1",
		Reason:     "currency not enabled",
	}
	rr = f.post(t, "/webhooks/zoho", testZohoSecret, rejected, true)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, []string{"payment/pay-1"}, f.sync.failed)
}

func TestZohoWebhookUnknownEntity(t *testing.T) {
	f := newWebhookFixture(t)
	f.sync.err = shared.ErrNotFound

	evt := SyncEvent{
		EventType:  EventSyncConfirmed,
		EventID:    "zevt-3",
		EntityType: "invoice",
		EntityID:   "ghost",
	}
	rr := f.post(t, "/webhooks/zoho", testZohoSecret, evt, true)
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Empty(t, f.store.seen)
}

func TestDecidePaymentMapsEventTypes(t *testing.T) {
	inv := &ledger.Invoice{ID: "inv-1"}

	m, err := DecidePayment(inv, completedEvent())
	require.NoError(t, err)
	require.True(t, m.Completed())

	evt := completedEvent()
	evt.EventType = EventPaymentCancelled
	m, err = DecidePayment(inv, evt)
	require.NoError(t, err)
	require.Equal(t, ledger.PaymentStatusCancelled, m.Status)

	evt.EventType = "payment.exploded"
	_, err = DecidePayment(inv, evt)
	require.ErrorIs(t, err, ErrUnknownEvent)
}
