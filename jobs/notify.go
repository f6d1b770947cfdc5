package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// LogNotifier records reminders on the log instead of delivering them.
// Email/SMS delivery runs in a separate service that tails these entries.
type LogNotifier struct {
	Logger *slog.Logger
}

// SendReminder logs the reminder.
func (n *LogNotifier) SendReminder(ctx context.Context, rem Reminder) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("payment reminder",
		slog.String("kind", string(rem.Kind)),
		slog.String("customer_id", rem.CustomerID),
		slog.String("invoice", rem.InvoiceNumber),
		slog.String("amount_due", rem.AmountDue),
		slog.Int("days_from_due", rem.DaysFromDue))
	return nil
}

// GatewayCollector submits collection requests to the debit order gateway
// over HTTP. A nil or empty endpoint is rejected at construction.
type GatewayCollector struct {
	endpoint string
	client   *http.Client
}

// NewGatewayCollector constructs the collector.
func NewGatewayCollector(endpoint string, timeout time.Duration) (*GatewayCollector, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("jobs: debit gateway endpoint must be provided")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GatewayCollector{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Collect posts one charge request. The gateway acknowledges receipt only;
// the actual payment outcome arrives later through the payment webhook.
func (c *GatewayCollector) Collect(ctx context.Context, req CollectionRequest) error {
	payload := map[string]string{
		"invoice_id":     req.InvoiceID,
		"invoice_number": req.InvoiceNumber,
		"customer_id":    req.CustomerID,
		"amount":         req.Amount.StringFixed(2),
		"currency":       req.Currency,
		"bank_ref":       req.BankRef,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("jobs: submit collection: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("jobs: gateway rejected collection for %s: %s", req.InvoiceNumber, resp.Status)
	}
	return nil
}
