package jobs

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MandateStore reads debit order mandates from PostgreSQL.
type MandateStore struct {
	pool *pgxpool.Pool
}

// NewMandateStore constructs the store.
func NewMandateStore(pool *pgxpool.Pool) *MandateStore {
	return &MandateStore{pool: pool}
}

// GetMandate returns the customer's mandate, or nil when none exists.
func (s *MandateStore) GetMandate(ctx context.Context, customerID string) (*Mandate, error) {
	row := s.pool.QueryRow(ctx, `SELECT customer_id, active, max_amount, COALESCE(bank_ref, '')
FROM debit_order_mandates WHERE customer_id=$1`, customerID)

	var m Mandate
	err := row.Scan(&m.CustomerID, &m.Active, &m.MaxAmount, &m.BankRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
