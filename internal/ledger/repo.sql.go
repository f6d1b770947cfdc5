package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/circletel/billing-engine/internal/platform/db"
)

const invoiceColumns = `id, number, subscription_id, customer_id, currency, period_start, period_end,
issue_date, due_at, line_items, subtotal, vat_rate, vat_amount, total, amount_paid, amount_due,
status, debit_order, COALESCE(zoho_id, ''), created_at, updated_at`

const paymentColumns = `id, number, invoice_id, amount, currency, status, method,
COALESCE(gateway_ref, ''), COALESCE(zoho_id, ''), paid_at, created_at, updated_at`

// Repository provides PostgreSQL backed persistence for invoices and
// payments.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertInvoice persists a new invoice. The unique index on
// (subscription_id, period_start) turns a duplicate period into
// ErrDuplicateInvoice so callers can fall back to the existing record.
func (r *Repository) InsertInvoice(ctx context.Context, inv *Invoice) error {
	items, err := json.Marshal(inv.LineItems)
	if err != nil {
		return fmt.Errorf("ledger: marshal line items: %w", err)
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO invoices
(id, number, subscription_id, customer_id, currency, period_start, period_end, issue_date, due_at,
 line_items, subtotal, vat_rate, vat_amount, total, amount_paid, amount_due, status, debit_order,
 created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		inv.ID, inv.Number, inv.SubscriptionID, inv.CustomerID, inv.Currency, inv.PeriodStart, inv.PeriodEnd,
		inv.IssueDate, inv.DueAt, items, inv.Subtotal, inv.VATRate, inv.VATAmount, inv.Total,
		inv.AmountPaid, inv.AmountDue, inv.Status, inv.DebitOrder, inv.CreatedAt, inv.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateInvoice
		}
		return err
	}
	return nil
}

// GetInvoice returns one invoice, or nil when absent.
func (r *Repository) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id=$1`, id)
	return scanInvoice(row)
}

// GetInvoiceByPeriod returns the invoice generated for a subscription's
// billing period, or nil when none exists yet.
func (r *Repository) GetInvoiceByPeriod(ctx context.Context, subscriptionID string, periodStart time.Time) (*Invoice, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE subscription_id=$1 AND period_start=$2`, subscriptionID, periodStart)
	return scanInvoice(row)
}

// GetInvoiceByNumber returns the invoice carrying the given invoice number,
// or nil when absent. Webhooks reference invoices by number.
func (r *Repository) GetInvoiceByNumber(ctx context.Context, number string) (*Invoice, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE number=$1`, number)
	return scanInvoice(row)
}

// ListInvoices returns invoices matching the filter, newest first.
func (r *Repository) ListInvoices(ctx context.Context, filter ListInvoicesFilter) ([]Invoice, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices
WHERE ($1 = '' OR status = $1) AND ($2 = '' OR customer_id = $2)
ORDER BY created_at DESC LIMIT $3`, string(filter.Status), filter.CustomerID, limit)
	if err != nil {
		return nil, err
	}
	return scanInvoices(rows)
}

// ListOpenInvoices returns invoices that still carry a collectable balance.
func (r *Repository) ListOpenInvoices(ctx context.Context) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices
WHERE status IN ('sent','partial','overdue') AND amount_due > 0 ORDER BY due_at`)
	if err != nil {
		return nil, err
	}
	return scanInvoices(rows)
}

// ListDebitOrderCandidates returns open invoices flagged for automated
// collection.
func (r *Repository) ListDebitOrderCandidates(ctx context.Context) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices
WHERE debit_order AND status IN ('sent','partial','overdue') AND amount_due > 0 ORDER BY due_at`)
	if err != nil {
		return nil, err
	}
	return scanInvoices(rows)
}

// UpdateInvoiceStatus performs a compare-and-set status transition. A stale
// expected status affects zero rows and surfaces as ErrStaleStatus.
func (r *Repository) UpdateInvoiceStatus(ctx context.Context, id string, from, to InvoiceStatus, updatedAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE invoices SET status=$1, updated_at=$2 WHERE id=$3 AND status=$4`, to, updatedAt, id, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}
	return nil
}

// SetInvoiceZohoID stores the external ledger reference.
func (r *Repository) SetInvoiceZohoID(ctx context.Context, id, zohoID string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE invoices SET zoho_id=$1, updated_at=now() WHERE id=$2`, zohoID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

// InsertPayment persists a payment outside a transaction. Used for failed
// and cancelled attempts that never touch an invoice balance.
func (r *Repository) InsertPayment(ctx context.Context, p *Payment) error {
	return insertPayment(ctx, r.pool, p)
}

// GetPayment returns one payment, or nil when absent.
func (r *Repository) GetPayment(ctx context.Context, id string) (*Payment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1`, id)
	return scanPayment(row)
}

// ListPayments returns payments recorded against an invoice.
func (r *Repository) ListPayments(ctx context.Context, invoiceID string) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE invoice_id=$1 ORDER BY created_at`, invoiceID)
	if err != nil {
		return nil, err
	}
	return scanPayments(rows)
}

// ListAllPayments returns recent payments, newest first.
func (r *Repository) ListAllPayments(ctx context.Context, limit int) ([]Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return scanPayments(rows)
}

// SetPaymentZohoID stores the external ledger reference.
func (r *Repository) SetPaymentZohoID(ctx context.Context, id, zohoID string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE payments SET zoho_id=$1, updated_at=now() WHERE id=$2`, zohoID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// NextInvoiceNumber allocates the next invoice number from the database
// sequence.
func (r *Repository) NextInvoiceNumber(ctx context.Context) (string, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT nextval('invoice_number_seq')`).Scan(&n); err != nil {
		return "", err
	}
	return fmt.Sprintf("INV-%06d", n), nil
}

// NextPaymentNumber allocates the next payment number.
func (r *Repository) NextPaymentNumber(ctx context.Context) (string, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT nextval('payment_number_seq')`).Scan(&n); err != nil {
		return "", err
	}
	return fmt.Sprintf("PAY-%06d", n), nil
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps the callback in a repeatable-read transaction so a payment
// application reads, inserts, and updates atomically.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// GetInvoiceForUpdate locks the invoice row for the duration of the
// transaction.
func (t *txRepo) GetInvoiceForUpdate(ctx context.Context, id string) (*Invoice, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id=$1 FOR UPDATE`, id)
	return scanInvoice(row)
}

func (t *txRepo) InsertPayment(ctx context.Context, p *Payment) error {
	return insertPayment(ctx, t.tx, p)
}

func (t *txRepo) UpdateInvoiceAmounts(ctx context.Context, id string, paid, due decimal.Decimal, status InvoiceStatus, updatedAt time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE invoices SET amount_paid=$1, amount_due=$2, status=$3, updated_at=$4 WHERE id=$5`,
		paid, due, status, updatedAt, id)
	return err
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertPayment(ctx context.Context, db execer, p *Payment) error {
	_, err := db.Exec(ctx, `INSERT INTO payments
(id, number, invoice_id, amount, currency, status, method, gateway_ref, paid_at, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		p.ID, p.Number, p.InvoiceID, p.Amount, p.Currency, p.Status, p.Method, p.GatewayRef,
		p.PaidAt, p.CreatedAt, p.UpdatedAt)
	return err
}

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	var items []byte
	err := row.Scan(&inv.ID, &inv.Number, &inv.SubscriptionID, &inv.CustomerID, &inv.Currency,
		&inv.PeriodStart, &inv.PeriodEnd, &inv.IssueDate, &inv.DueAt, &items,
		&inv.Subtotal, &inv.VATRate, &inv.VATAmount, &inv.Total, &inv.AmountPaid, &inv.AmountDue,
		&inv.Status, &inv.DebitOrder, &inv.ZohoID, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &inv.LineItems); err != nil {
			return nil, fmt.Errorf("ledger: unmarshal line items: %w", err)
		}
	}
	return &inv, nil
}

func scanInvoices(rows pgx.Rows) ([]Invoice, error) {
	defer rows.Close()
	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return invoices, nil
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.Number, &p.InvoiceID, &p.Amount, &p.Currency, &p.Status, &p.Method,
		&p.GatewayRef, &p.ZohoID, &p.PaidAt, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPayments(rows pgx.Rows) ([]Payment, error) {
	defer rows.Close()
	var payments []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return payments, nil
}
