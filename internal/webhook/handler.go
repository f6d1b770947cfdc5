package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/circletel/billing-engine/internal/ledger"
	"github.com/circletel/billing-engine/internal/platform/httpx"
	"github.com/circletel/billing-engine/internal/shared"
)

const maxBodyBytes = 1 << 20

// LedgerPort is the slice of the ledger service payment webhooks need.
type LedgerPort interface {
	GetInvoiceByNumber(ctx context.Context, number string) (*ledger.Invoice, error)
	ApplyPayment(ctx context.Context, input ledger.ApplyPaymentInput) (*ledger.Payment, error)
	RecordUnsuccessfulPayment(ctx context.Context, input ledger.ApplyPaymentInput, status ledger.PaymentStatus) (*ledger.Payment, error)
}

// SyncPort is the slice of the reconciler the sync webhook needs.
type SyncPort interface {
	ConfirmSynced(ctx context.Context, entityType, entityID, zohoID string) error
	ConfirmFailed(ctx context.Context, entityType, entityID, reason string) error
}

// DedupeStore persists processed event ids. Satisfied by
// shared.IdempotencyStore.
type DedupeStore interface {
	CheckAndInsert(ctx context.Context, key, source string) error
	Delete(ctx context.Context, key string) error
}

// Secrets holds the per-sender HMAC keys.
type Secrets struct {
	Payment string
	Zoho    string
}

// Handler terminates inbound webhooks.
type Handler struct {
	logger   *slog.Logger
	ledger   LedgerPort
	sync     SyncPort
	store    DedupeStore
	secrets  Secrets
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, led LedgerPort, sync SyncPort, store DedupeStore, secrets Secrets) *Handler {
	return &Handler{
		logger:   logger,
		ledger:   led,
		sync:     sync,
		store:    store,
		secrets:  secrets,
		validate: validator.New(),
	}
}

// MountRoutes registers webhook routes. Senders retry aggressively, so the
// rate limit is generous but present.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(120, time.Minute))
		r.Post("/webhooks/payments", h.handlePayment)
		r.Post("/webhooks/zoho", h.handleZoho)
	})
}

// readVerified reads the raw body and checks its signature. Nothing else may
// run before this; an unsigned request must have zero side effects.
func (h *Handler) readVerified(w http.ResponseWriter, r *http.Request, secret string) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "unreadable body")
		return nil, false
	}
	signature := r.Header.Get("X-Webhook-Signature")
	if !VerifySignature(secret, body, signature) {
		h.logger.Warn("webhook signature rejected",
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr))
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", ErrBadSignature.Error())
		return nil, false
	}
	return body, true
}

// decodeStrict rejects unknown fields so sender-side payload drift surfaces
// as a 400 instead of silently dropped data.
func decodeStrict(body []byte, target any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}

func (h *Handler) handlePayment(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readVerified(w, r, h.secrets.Payment)
	if !ok {
		return
	}

	var evt PaymentEvent
	if err := decodeStrict(body, &evt); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if err := h.validate.Struct(evt); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	ctx := r.Context()
	if err := h.store.CheckAndInsert(ctx, evt.EventID, "payment_webhook"); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			httpx.JSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
		h.logger.Error("webhook dedupe", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	if err := h.applyPayment(ctx, evt); err != nil {
		// Release the key so the sender's redelivery can retry the event.
		if delErr := h.store.Delete(ctx, evt.EventID); delErr != nil {
			h.logger.Error("webhook dedupe rollback", slog.Any("error", delErr))
		}
		h.respondPaymentError(w, evt, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

func (h *Handler) applyPayment(ctx context.Context, evt PaymentEvent) error {
	inv, err := h.ledger.GetInvoiceByNumber(ctx, evt.InvoiceReference)
	if err != nil {
		return err
	}
	mutation, err := DecidePayment(inv, evt)
	if err != nil {
		return err
	}
	if mutation.Completed() {
		_, err = h.ledger.ApplyPayment(ctx, mutation.Input)
	} else {
		_, err = h.ledger.RecordUnsuccessfulPayment(ctx, mutation.Input, mutation.Status)
	}
	if err != nil {
		return err
	}
	h.logger.Info("payment webhook processed",
		slog.String("event_id", evt.EventID),
		slog.String("event_type", evt.EventType),
		slog.String("invoice", evt.InvoiceReference))
	return nil
}

func (h *Handler) respondPaymentError(w http.ResponseWriter, evt PaymentEvent, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvoiceNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "invoice not found: "+evt.InvoiceReference)
	case errors.Is(err, ErrUnknownEvent), errors.Is(err, ErrInvalidPayload):
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, ledger.ErrPaymentExceedsBalance),
		errors.Is(err, ledger.ErrInvoiceNotPayable),
		errors.Is(err, ledger.ErrInvalidAmount):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error())
	default:
		h.logger.Error("payment webhook failed",
			slog.String("event_id", evt.EventID), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func (h *Handler) handleZoho(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readVerified(w, r, h.secrets.Zoho)
	if !ok {
		return
	}

	var evt SyncEvent
	if err := decodeStrict(body, &evt); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if err := h.validate.Struct(evt); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	ctx := r.Context()
	if err := h.store.CheckAndInsert(ctx, evt.EventID, "zoho_webhook"); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			httpx.JSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
		h.logger.Error("webhook dedupe", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	var err error
	switch evt.EventType {
	case EventSyncConfirmed:
		err = h.sync.ConfirmSynced(ctx, evt.EntityType, evt.EntityID, evt.ZohoID)
	case EventSyncRejected:
		err = h.sync.ConfirmFailed(ctx, evt.EntityType, evt.EntityID, evt.Reason)
	default:
		err = ErrUnknownEvent
	}
	if err != nil {
		if delErr := h.store.Delete(ctx, evt.EventID); delErr != nil {
			h.logger.Error("webhook dedupe rollback", slog.Any("error", delErr))
		}
		switch {
		case errors.Is(err, shared.ErrNotFound):
			httpx.Problem(w, http.StatusNotFound, "Not Found", "no sync record for entity")
		case errors.Is(err, ErrUnknownEvent):
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		default:
			h.logger.Error("zoho webhook failed", slog.String("event_id", evt.EventID), slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		}
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "processed"})
}
