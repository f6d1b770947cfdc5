package zoho

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const syncColumns = `id, entity_type, entity_id, status, COALESCE(zoho_id, ''), retry_count,
COALESCE(last_error, ''), next_attempt_at, last_synced_at, created_at, updated_at`

// DefaultSyncStaleAfter bounds how long a syncing claim is trusted before
// the worker holding it is presumed dead.
const DefaultSyncStaleAfter = 15 * time.Minute

// Repository provides PostgreSQL backed persistence for sync records.
type Repository struct {
	pool *pgxpool.Pool

	// StaleAfter is the horizon past which a record stuck in syncing is
	// offered for retry again.
	StaleAfter time.Duration
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, StaleAfter: DefaultSyncStaleAfter}
}

// Enqueue upserts the record back to pending. Retry bookkeeping is reset so
// a fresh change always gets the full retry budget.
func (r *Repository) Enqueue(ctx context.Context, entityType, entityID string) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO zoho_sync_records
(entity_type, entity_id, status, retry_count, created_at, updated_at)
VALUES ($1, $2, 'pending', 0, now(), now())
ON CONFLICT (entity_type, entity_id) DO UPDATE SET
status='pending', retry_count=0, last_error=NULL, next_attempt_at=NULL, updated_at=now()`,
		entityType, entityID)
	return err
}

// Get returns one sync record, or nil when absent.
func (r *Repository) Get(ctx context.Context, entityType, entityID string) (*SyncRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+syncColumns+` FROM zoho_sync_records
WHERE entity_type=$1 AND entity_id=$2`, entityType, entityID)
	return scanSyncRecord(row)
}

// ListDue returns pending records whose next attempt time has passed,
// together with syncing records abandoned by a crashed worker.
func (r *Repository) ListDue(ctx context.Context, now time.Time, limit int) ([]SyncRecord, error) {
	staleAfter := r.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultSyncStaleAfter
	}
	rows, err := r.pool.Query(ctx, `SELECT `+syncColumns+` FROM zoho_sync_records
WHERE (status='pending' AND (next_attempt_at IS NULL OR next_attempt_at <= $1))
   OR (status='syncing' AND updated_at <= $2)
ORDER BY updated_at LIMIT $3`, now, now.Add(-staleAfter), limit)
	if err != nil {
		return nil, err
	}
	return scanSyncRecords(rows)
}

// MarkSyncing claims the record for an attempt.
func (r *Repository) MarkSyncing(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE zoho_sync_records SET status='syncing', updated_at=now() WHERE id=$1`, id)
	return err
}

// MarkSynced records a successful push.
func (r *Repository) MarkSynced(ctx context.Context, id int64, zohoID string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE zoho_sync_records SET
status='synced', zoho_id=$1, last_error=NULL, last_synced_at=$2, updated_at=now() WHERE id=$3`,
		zohoID, at, id)
	return err
}

// MarkRetry schedules the next attempt after a transient failure.
func (r *Repository) MarkRetry(ctx context.Context, id int64, lastError string, retryCount int, nextAttempt time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE zoho_sync_records SET
status='pending', last_error=$1, retry_count=$2, next_attempt_at=$3, updated_at=now() WHERE id=$4`,
		lastError, retryCount, nextAttempt, id)
	return err
}

// MarkFailed dead-letters the record.
func (r *Repository) MarkFailed(ctx context.Context, id int64, lastError string, retryCount int) error {
	_, err := r.pool.Exec(ctx, `UPDATE zoho_sync_records SET
status='failed', last_error=$1, retry_count=$2, next_attempt_at=NULL, updated_at=now() WHERE id=$3`,
		lastError, retryCount, id)
	return err
}

// MarkSkipped records that the entity no longer needs syncing.
func (r *Repository) MarkSkipped(ctx context.Context, id int64, reason string) error {
	_, err := r.pool.Exec(ctx, `UPDATE zoho_sync_records SET
status='skipped', last_error=$1, updated_at=now() WHERE id=$2`, reason, id)
	return err
}

// ListDeadLetters returns failed records, oldest first.
func (r *Repository) ListDeadLetters(ctx context.Context) ([]SyncRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+syncColumns+` FROM zoho_sync_records
WHERE status='failed' ORDER BY updated_at`)
	if err != nil {
		return nil, err
	}
	return scanSyncRecords(rows)
}

// Requeue resets a dead letter for another round of attempts.
func (r *Repository) Requeue(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE zoho_sync_records SET
status='pending', retry_count=0, last_error=NULL, next_attempt_at=NULL, updated_at=now() WHERE id=$1`, id)
	return err
}

func scanSyncRecord(row pgx.Row) (*SyncRecord, error) {
	var rec SyncRecord
	var nextAttempt *time.Time
	err := row.Scan(&rec.ID, &rec.EntityType, &rec.EntityID, &rec.Status, &rec.ZohoID,
		&rec.RetryCount, &rec.LastError, &nextAttempt, &rec.LastSyncedAt,
		&rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if nextAttempt != nil {
		rec.NextAttemptAt = *nextAttempt
	}
	return &rec, nil
}

func scanSyncRecords(rows pgx.Rows) ([]SyncRecord, error) {
	defer rows.Close()
	var recs []SyncRecord
	for rows.Next() {
		rec, err := scanSyncRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}
