package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RunStatus enumerates billing run states.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run claim errors. Handlers translate these into skip/retry decisions.
var (
	ErrRunInProgress       = errors.New("jobs: run already in progress")
	ErrRunAlreadySucceeded = errors.New("jobs: run already succeeded")
	ErrRunNotEligible      = errors.New("jobs: run backoff has not elapsed")
	ErrRunExhausted        = errors.New("jobs: run exhausted its attempts")
)

// RunSummary aggregates per-item outcomes of one run.
type RunSummary struct {
	Total      int `json:"total"`
	Processed  int `json:"processed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// Add folds another summary into s.
func (s *RunSummary) Add(other RunSummary) {
	s.Total += other.Total
	s.Processed += other.Processed
	s.Successful += other.Successful
	s.Failed += other.Failed
	s.Skipped += other.Skipped
}

// Run is one execution record. There is exactly one row per
// (job_type, run_key): re-deliveries of the same logical run claim the same
// row and no-op once it has succeeded.
type Run struct {
	ID             int64
	JobType        string
	RunKey         string
	Status         RunStatus
	Attempts       int
	LastError      string
	Summary        RunSummary
	NextEligibleAt time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RunStorePort defines persistence for run records.
type RunStorePort interface {
	Claim(ctx context.Context, jobType, runKey string, now time.Time, maxAttempts int) (*Run, error)
	MarkSucceeded(ctx context.Context, id int64, summary RunSummary, finishedAt time.Time) error
	MarkFailed(ctx context.Context, id int64, lastError string, attempts int, nextEligibleAt time.Time) error
	Get(ctx context.Context, jobType, runKey string) (*Run, error)
}

// DefaultRunStaleAfter bounds how long a running claim is trusted before the
// worker holding it is presumed dead.
const DefaultRunStaleAfter = 15 * time.Minute

// RunStore is the PostgreSQL run store.
type RunStore struct {
	pool *pgxpool.Pool

	// StaleAfter is the horizon past which a row still marked running is
	// treated as abandoned by a crashed worker and becomes claimable
	// again. Keep it above the longest expected run duration.
	StaleAfter time.Duration
}

// NewRunStore constructs the store.
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool, StaleAfter: DefaultRunStaleAfter}
}

const runColumns = `id, job_type, run_key, status, attempts, COALESCE(last_error, ''),
COALESCE(summary, '{}'), next_eligible_at, started_at, finished_at, created_at, updated_at`

// Claim transitions the run row to running under a row lock. The unique
// (job_type, run_key) row is created on first claim. A row left running past
// StaleAfter counts as an abandoned attempt and is claimable again, so a
// crashed worker cannot wedge the run forever.
func (s *RunStore) Claim(ctx context.Context, jobType, runKey string, now time.Time, maxAttempts int) (*Run, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `INSERT INTO billing_runs (job_type, run_key, status, attempts, created_at, updated_at)
VALUES ($1, $2, 'pending', 0, $3, $3)
ON CONFLICT (job_type, run_key) DO NOTHING`, jobType, runKey, now)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, `SELECT `+runColumns+` FROM billing_runs
WHERE job_type=$1 AND run_key=$2 FOR UPDATE`, jobType, runKey)
	run, err := scanRun(row)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("jobs: run row vanished for %s %s", jobType, runKey)
	}

	switch run.Status {
	case RunSucceeded:
		return nil, ErrRunAlreadySucceeded
	case RunRunning:
		if !s.claimIsStale(run, now) {
			return nil, ErrRunInProgress
		}
		// The worker holding the claim died mid-run. Take the row over,
		// counting the abandoned attempt against the budget.
		run.Attempts++
		if run.Attempts >= maxAttempts {
			_, err = tx.Exec(ctx, `UPDATE billing_runs SET
status='failed', last_error='abandoned by crashed worker', attempts=$1, updated_at=$2 WHERE id=$3`,
				run.Attempts, now, run.ID)
			if err != nil {
				return nil, err
			}
			if err := tx.Commit(ctx); err != nil {
				return nil, err
			}
			return nil, ErrRunExhausted
		}
	case RunFailed:
		if run.Attempts >= maxAttempts {
			return nil, ErrRunExhausted
		}
		if !run.NextEligibleAt.IsZero() && run.NextEligibleAt.After(now) {
			return nil, ErrRunNotEligible
		}
	}

	_, err = tx.Exec(ctx, `UPDATE billing_runs SET status='running', attempts=$1, started_at=$2, updated_at=$2 WHERE id=$3`,
		run.Attempts, now, run.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	run.Status = RunRunning
	run.StartedAt = &now
	return run, nil
}

// claimIsStale reports whether a running row outlived the staleness horizon.
func (s *RunStore) claimIsStale(run *Run, now time.Time) bool {
	horizon := s.StaleAfter
	if horizon <= 0 {
		horizon = DefaultRunStaleAfter
	}
	started := run.UpdatedAt
	if run.StartedAt != nil {
		started = *run.StartedAt
	}
	return now.Sub(started) >= horizon
}

// MarkSucceeded finalises a successful run with its summary.
func (s *RunStore) MarkSucceeded(ctx context.Context, id int64, summary RunSummary, finishedAt time.Time) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `UPDATE billing_runs SET
status='succeeded', summary=$1, last_error=NULL, finished_at=$2, updated_at=$2 WHERE id=$3`,
		data, finishedAt, id)
	return err
}

// MarkFailed records a failed attempt and its backoff horizon.
func (s *RunStore) MarkFailed(ctx context.Context, id int64, lastError string, attempts int, nextEligibleAt time.Time) error {
	var next *time.Time
	if !nextEligibleAt.IsZero() {
		next = &nextEligibleAt
	}
	_, err := s.pool.Exec(ctx, `UPDATE billing_runs SET
status='failed', last_error=$1, attempts=$2, next_eligible_at=$3, updated_at=now() WHERE id=$4`,
		lastError, attempts, next, id)
	return err
}

// Get returns one run record, or nil when absent.
func (s *RunStore) Get(ctx context.Context, jobType, runKey string) (*Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM billing_runs
WHERE job_type=$1 AND run_key=$2`, jobType, runKey)
	return scanRun(row)
}

func scanRun(row pgx.Row) (*Run, error) {
	var run Run
	var summary []byte
	var next *time.Time
	err := row.Scan(&run.ID, &run.JobType, &run.RunKey, &run.Status, &run.Attempts,
		&run.LastError, &summary, &next, &run.StartedAt, &run.FinishedAt,
		&run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &run.Summary); err != nil {
			return nil, err
		}
	}
	if next != nil {
		run.NextEligibleAt = *next
	}
	return &run, nil
}
