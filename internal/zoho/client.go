package zoho

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/circletel/billing-engine/internal/ledger"
)

// Client pushes billing entities to the external ledger. Implementations
// must be idempotent on the reference number: pushing the same local entity
// twice returns the existing remote identifier instead of duplicating it.
type Client interface {
	PushInvoice(ctx context.Context, inv *ledger.Invoice) (string, error)
	PushPayment(ctx context.Context, pay *ledger.Payment, invoiceZohoID string) (string, error)
}

// APIError is a non-2xx response from the remote API.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("zoho: api error %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

// IsRetryable reports whether a sync attempt that failed with err is worth
// retrying. Rate limits and server errors are transient; other API errors
// are terminal and go straight to the dead letter queue.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	// Network-level failures (timeouts, connection resets) are retryable.
	return true
}

// HTTPClient talks to the Zoho Billing REST API.
type HTTPClient struct {
	baseURL string
	orgID   string
	token   string
	http    *http.Client
}

// NewHTTPClient constructs a client against baseURL (region specific, e.g.
// https://www.zohoapis.com/billing/v1).
func NewHTTPClient(baseURL, orgID, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		orgID:   orgID,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

type invoicePayload struct {
	ReferenceNumber string        `json:"reference_number"`
	CustomerID      string        `json:"customer_id"`
	Date            string        `json:"date"`
	DueDate         string        `json:"due_date"`
	CurrencyCode    string        `json:"currency_code"`
	LineItems       []linePayload `json:"line_items"`
	Notes           string        `json:"notes,omitempty"`
}

type linePayload struct {
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
	Rate        string `json:"rate"`
}

type paymentPayload struct {
	ReferenceNumber string           `json:"reference_number"`
	Amount          string           `json:"amount"`
	Date            string           `json:"date"`
	PaymentMode     string           `json:"payment_mode"`
	Invoices        []paymentApplied `json:"invoices"`
}

type paymentApplied struct {
	InvoiceID     string `json:"invoice_id"`
	AmountApplied string `json:"amount_applied"`
}

// PushInvoice creates the invoice remotely, or returns the existing remote
// identifier when one already carries the invoice number as reference.
func (c *HTTPClient) PushInvoice(ctx context.Context, inv *ledger.Invoice) (string, error) {
	if existing, err := c.findByReference(ctx, "invoices", inv.Number); err != nil {
		return "", err
	} else if existing != "" {
		return existing, nil
	}

	lines := make([]linePayload, 0, len(inv.LineItems))
	for _, item := range inv.LineItems {
		lines = append(lines, linePayload{
			Description: item.Description,
			Quantity:    item.Quantity,
			Rate:        item.UnitPrice.StringFixed(2),
		})
	}
	payload := invoicePayload{
		ReferenceNumber: inv.Number,
		CustomerID:      inv.CustomerID,
		Date:            inv.IssueDate.Format("2006-01-02"),
		DueDate:         inv.DueAt.Format("2006-01-02"),
		CurrencyCode:    inv.Currency,
		LineItems:       lines,
	}
	var resp struct {
		Invoice struct {
			InvoiceID string `json:"invoice_id"`
		} `json:"invoice"`
	}
	if err := c.do(ctx, http.MethodPost, "/invoices", payload, &resp); err != nil {
		return "", err
	}
	return resp.Invoice.InvoiceID, nil
}

// PushPayment records a customer payment against an already-synced invoice.
func (c *HTTPClient) PushPayment(ctx context.Context, pay *ledger.Payment, invoiceZohoID string) (string, error) {
	if existing, err := c.findByReference(ctx, "customerpayments", pay.Number); err != nil {
		return "", err
	} else if existing != "" {
		return existing, nil
	}

	payload := paymentPayload{
		ReferenceNumber: pay.Number,
		Amount:          pay.Amount.StringFixed(2),
		Date:            pay.PaidAt.Format("2006-01-02"),
		PaymentMode:     pay.Method,
		Invoices: []paymentApplied{
			{InvoiceID: invoiceZohoID, AmountApplied: pay.Amount.StringFixed(2)},
		},
	}
	var resp struct {
		Payment struct {
			PaymentID string `json:"payment_id"`
		} `json:"payment"`
	}
	if err := c.do(ctx, http.MethodPost, "/customerpayments", payload, &resp); err != nil {
		return "", err
	}
	return resp.Payment.PaymentID, nil
}

// findByReference searches the remote collection for an entity with the
// given reference number so retried pushes stay idempotent.
func (c *HTTPClient) findByReference(ctx context.Context, collection, reference string) (string, error) {
	path := fmt.Sprintf("/%s?reference_number=%s", collection, url.QueryEscape(reference))
	var resp struct {
		Invoices []struct {
			InvoiceID string `json:"invoice_id"`
		} `json:"invoices"`
		Payments []struct {
			PaymentID string `json:"payment_id"`
		} `json:"customerpayments"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	if len(resp.Invoices) > 0 {
		return resp.Invoices[0].InvoiceID, nil
	}
	if len(resp.Payments) > 0 {
		return resp.Payments[0].PaymentID, nil
	}
	return "", nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("zoho: encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	sep := "?"
	if bytes.ContainsRune([]byte(path), '?') {
		sep = "&"
	}
	full := c.baseURL + path + sep + "organization_id=" + url.QueryEscape(c.orgID)
	req, err := http.NewRequestWithContext(ctx, method, full, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Zoho-oauthtoken "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("zoho: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("zoho: decode response: %w", err)
		}
	}
	return nil
}
