package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const subscriptionColumns = `id, customer_id, package_name, monthly_amount, currency, start_date,
end_date, cycle_day, frequency, status, debit_order, next_billing_date, last_invoice_date,
prorate_from, created_at, updated_at`

// Repository provides PostgreSQL backed persistence for subscriptions.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert persists a new subscription.
func (r *Repository) Insert(ctx context.Context, sub *Subscription) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO subscriptions
(id, customer_id, package_name, monthly_amount, currency, start_date, end_date, cycle_day,
 frequency, status, debit_order, next_billing_date, last_invoice_date, prorate_from,
 created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		sub.ID, sub.CustomerID, sub.PackageName, sub.MonthlyAmount, sub.Currency, sub.StartDate,
		sub.EndDate, sub.Cycle.Day, sub.Cycle.Frequency, sub.Status, sub.DebitOrder,
		nullableTime(sub.NextBillingDate), sub.LastInvoiceDate, sub.ProrateFrom,
		sub.CreatedAt, sub.UpdatedAt)
	return err
}

// Get returns one subscription, or nil when absent.
func (r *Repository) Get(ctx context.Context, id string) (*Subscription, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id=$1`, id)
	return scanSubscription(row)
}

// Update rewrites the mutable subscription fields.
func (r *Repository) Update(ctx context.Context, sub *Subscription) error {
	tag, err := r.pool.Exec(ctx, `UPDATE subscriptions SET
package_name=$1, monthly_amount=$2, end_date=$3, cycle_day=$4, frequency=$5, status=$6,
debit_order=$7, next_billing_date=$8, last_invoice_date=$9, prorate_from=$10, updated_at=$11
WHERE id=$12`,
		sub.PackageName, sub.MonthlyAmount, sub.EndDate, sub.Cycle.Day, sub.Cycle.Frequency,
		sub.Status, sub.DebitOrder, nullableTime(sub.NextBillingDate), sub.LastInvoiceDate,
		sub.ProrateFrom, sub.UpdatedAt, sub.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDueInRange returns active subscriptions with a next billing date in
// [from, to).
func (r *Repository) ListDueInRange(ctx context.Context, from, to time.Time) ([]Subscription, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
WHERE status='active' AND next_billing_date >= $1 AND next_billing_date < $2
ORDER BY next_billing_date, id`, from, to)
	if err != nil {
		return nil, err
	}
	return scanSubscriptions(rows)
}

// ListByCustomer returns all subscriptions for a customer.
func (r *Repository) ListByCustomer(ctx context.Context, customerID string) ([]Subscription, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE customer_id=$1 ORDER BY created_at`, customerID)
	if err != nil {
		return nil, err
	}
	return scanSubscriptions(rows)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	var next *time.Time
	err := row.Scan(&sub.ID, &sub.CustomerID, &sub.PackageName, &sub.MonthlyAmount, &sub.Currency,
		&sub.StartDate, &sub.EndDate, &sub.Cycle.Day, &sub.Cycle.Frequency, &sub.Status,
		&sub.DebitOrder, &next, &sub.LastInvoiceDate, &sub.ProrateFrom, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if next != nil {
		sub.NextBillingDate = *next
	}
	return &sub, nil
}

func scanSubscriptions(rows pgx.Rows) ([]Subscription, error) {
	defer rows.Close()
	var subs []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return subs, nil
}
