package ledger

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/circletel/billing-engine/internal/platform/httpx"
)

// Handler exposes read-only invoice and payment projections to the UI/API
// layer. No business logic lives here; mutations happen through jobs and
// webhooks only.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers query routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/invoices", h.listInvoices)
	r.Get("/invoices/{id}", h.getInvoice)
	r.Get("/invoices/{id}/payments", h.listInvoicePayments)
	r.Get("/payments", h.listPayments)
	r.Get("/payments/{id}", h.getPayment)
}

func (h *Handler) listInvoices(w http.ResponseWriter, r *http.Request) {
	filter := ListInvoicesFilter{
		Status:     InvoiceStatus(r.URL.Query().Get("status")),
		CustomerID: r.URL.Query().Get("customer_id"),
		Limit:      100,
	}
	invoices, err := h.service.ListInvoices(r.Context(), filter)
	if err != nil {
		h.logger.Error("list invoices", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"invoices": invoices})
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.service.GetInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, ErrInvoiceNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "invoice not found")
			return
		}
		h.logger.Error("get invoice", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) listInvoicePayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.service.ListPayments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.logger.Error("list invoice payments", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"payments": payments})
}

func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.service.repo.ListAllPayments(r.Context(), 100)
	if err != nil {
		h.logger.Error("list payments", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"payments": payments})
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "payment not found")
			return
		}
		h.logger.Error("get payment", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}
