package zoho

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/circletel/billing-engine/internal/ledger"
	"github.com/circletel/billing-engine/internal/shared"
)

// RepositoryPort defines data access for sync records.
type RepositoryPort interface {
	Enqueue(ctx context.Context, entityType, entityID string) error
	Get(ctx context.Context, entityType, entityID string) (*SyncRecord, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]SyncRecord, error)
	MarkSyncing(ctx context.Context, id int64) error
	MarkSynced(ctx context.Context, id int64, zohoID string, at time.Time) error
	MarkRetry(ctx context.Context, id int64, lastError string, retryCount int, nextAttempt time.Time) error
	MarkFailed(ctx context.Context, id int64, lastError string, retryCount int) error
	MarkSkipped(ctx context.Context, id int64, reason string) error
	ListDeadLetters(ctx context.Context) ([]SyncRecord, error)
	Requeue(ctx context.Context, id int64) error
}

// LedgerPort is the slice of the ledger service the reconciler reads from.
type LedgerPort interface {
	GetInvoice(ctx context.Context, id string) (*ledger.Invoice, error)
	GetPayment(ctx context.Context, id string) (*ledger.Payment, error)
	AttachExternalRef(ctx context.Context, entityType, entityID, externalID string) error
}

// Reconciler pushes dirty entities to the external ledger with bounded
// retries. It doubles as the ledger change sink: every invoice or payment
// mutation marks the entity pending here.
type Reconciler struct {
	repo    RepositoryPort
	led     LedgerPort
	client  Client
	locker  *shared.RunLocker
	Log     *slog.Logger
	clock   func() time.Time
	retries int
	base    time.Duration
	stale   time.Duration
}

// Options bounds the reconciler's retry behaviour.
type Options struct {
	MaxRetries int           // attempts before a record becomes a dead letter
	BaseDelay  time.Duration // first backoff delay, doubled per attempt
	StaleAfter time.Duration // horizon after which a syncing claim is presumed abandoned
}

// DefaultOptions returns 3 attempts with a 1s initial backoff and a 15m
// abandoned-claim horizon.
func DefaultOptions() Options {
	return Options{MaxRetries: 3, BaseDelay: time.Second, StaleAfter: DefaultSyncStaleAfter}
}

// NewReconciler constructs a reconciler. locker may be nil when only one
// worker runs the sync pass.
func NewReconciler(repo RepositoryPort, led LedgerPort, client Client, locker *shared.RunLocker, opts Options) *Reconciler {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultSyncStaleAfter
	}
	return &Reconciler{
		repo:    repo,
		led:     led,
		client:  client,
		locker:  locker,
		clock:   func() time.Time { return time.Now().UTC() },
		retries: opts.MaxRetries,
		base:    opts.BaseDelay,
		stale:   opts.StaleAfter,
	}
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}

// EntityChanged implements ledger.EventSink. Enqueue failures are logged and
// swallowed so the originating mutation never fails on sync bookkeeping.
func (r *Reconciler) EntityChanged(ctx context.Context, entityType, entityID string) {
	if err := r.repo.Enqueue(ctx, entityType, entityID); err != nil {
		r.logger().Error("zoho: enqueue sync", "entity_type", entityType, "entity_id", entityID, "error", err)
	}
}

// Enqueue marks an entity dirty for the next sync pass.
func (r *Reconciler) Enqueue(ctx context.Context, entityType, entityID string) error {
	return r.repo.Enqueue(ctx, entityType, entityID)
}

// SyncOne attempts to push a single entity. It returns the resulting sync
// status; a record claimed by a concurrent worker comes back as syncing. A
// syncing claim older than the stale horizon is taken over, so a worker
// crash between claim and completion cannot strand the record.
func (r *Reconciler) SyncOne(ctx context.Context, entityType, entityID string) (SyncStatus, error) {
	rec, err := r.repo.Get(ctx, entityType, entityID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", shared.ErrNotFound
	}
	now := r.clock()
	if !rec.Due(now) && !rec.Abandoned(now, r.stale) {
		return rec.Status, nil
	}

	if r.locker != nil {
		release, err := r.locker.Acquire(ctx, shared.SyncLockKey(entityType, entityID))
		if errors.Is(err, shared.ErrLockNotAcquired) {
			return SyncSyncing, nil
		}
		if err != nil {
			return "", err
		}
		defer func() { _ = release(ctx) }()
	}

	if err := r.repo.MarkSyncing(ctx, rec.ID); err != nil {
		return "", err
	}
	return r.push(ctx, rec)
}

func (r *Reconciler) push(ctx context.Context, rec *SyncRecord) (SyncStatus, error) {
	zohoID, skipReason, err := r.pushEntity(ctx, rec)
	switch {
	case skipReason != "":
		if err := r.repo.MarkSkipped(ctx, rec.ID, skipReason); err != nil {
			return "", err
		}
		r.logger().Info("zoho: sync skipped",
			"entity_type", rec.EntityType, "entity_id", rec.EntityID, "reason", skipReason)
		return SyncSkipped, nil
	case err != nil:
		return r.recordFailure(ctx, rec, err)
	}

	if err := r.led.AttachExternalRef(ctx, rec.EntityType, rec.EntityID, zohoID); err != nil {
		return r.recordFailure(ctx, rec, err)
	}
	now := r.clock()
	if err := r.repo.MarkSynced(ctx, rec.ID, zohoID, now); err != nil {
		return "", err
	}
	r.logger().Info("zoho: entity synced",
		"entity_type", rec.EntityType, "entity_id", rec.EntityID, "zoho_id", zohoID)
	return SyncSynced, nil
}

// pushEntity pushes one entity and returns the remote identifier. A
// non-empty skip reason means the entity no longer needs syncing.
func (r *Reconciler) pushEntity(ctx context.Context, rec *SyncRecord) (zohoID, skipReason string, err error) {
	switch rec.EntityType {
	case ledger.EntityInvoice:
		inv, err := r.led.GetInvoice(ctx, rec.EntityID)
		if err != nil {
			return "", "", err
		}
		if inv == nil {
			return "", "invoice deleted", nil
		}
		if inv.Status == ledger.InvoiceStatusVoid {
			return "", "invoice void", nil
		}
		if inv.Status == ledger.InvoiceStatusDraft {
			return "", "invoice still draft", nil
		}
		id, err := r.client.PushInvoice(ctx, inv)
		return id, "", err

	case ledger.EntityPayment:
		pay, err := r.led.GetPayment(ctx, rec.EntityID)
		if err != nil {
			return "", "", err
		}
		if pay == nil {
			return "", "payment deleted", nil
		}
		if pay.Status != ledger.PaymentStatusCompleted {
			return "", "payment not completed", nil
		}
		inv, err := r.led.GetInvoice(ctx, pay.InvoiceID)
		if err != nil {
			return "", "", err
		}
		if inv == nil {
			return "", "invoice deleted", nil
		}
		if inv.ZohoID == "" {
			// Invoice must land first; retry after the next invoice pass.
			return "", "", fmt.Errorf("zoho: invoice %s not yet synced", pay.InvoiceID)
		}
		id, err := r.client.PushPayment(ctx, pay, inv.ZohoID)
		return id, "", err

	default:
		return "", fmt.Sprintf("unsupported entity type %q", rec.EntityType), nil
	}
}

func (r *Reconciler) recordFailure(ctx context.Context, rec *SyncRecord, cause error) (SyncStatus, error) {
	attempt := rec.RetryCount + 1
	if !IsRetryable(cause) || attempt >= r.retries {
		if err := r.repo.MarkFailed(ctx, rec.ID, cause.Error(), attempt); err != nil {
			return "", err
		}
		r.logger().Error("zoho: sync dead-lettered",
			"entity_type", rec.EntityType, "entity_id", rec.EntityID,
			"attempts", attempt, "error", cause)
		return SyncFailed, nil
	}

	delay := r.base << (attempt - 1)
	next := r.clock().Add(delay)
	if err := r.repo.MarkRetry(ctx, rec.ID, cause.Error(), attempt, next); err != nil {
		return "", err
	}
	r.logger().Warn("zoho: sync attempt failed",
		"entity_type", rec.EntityType, "entity_id", rec.EntityID,
		"attempt", attempt, "retry_at", next, "error", cause)
	return SyncPending, nil
}

// Summary reports the outcome of a sync pass.
type Summary struct {
	Total   int `json:"total"`
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// FlushDirty pushes every due record, a few entities at a time. Individual
// failures are recorded on their sync rows and do not abort the pass.
func (r *Reconciler) FlushDirty(ctx context.Context, limit int) (Summary, error) {
	if limit <= 0 {
		limit = 200
	}
	due, err := r.repo.ListDue(ctx, r.clock(), limit)
	if err != nil {
		return Summary{}, err
	}

	var (
		mu      sync.Mutex
		summary = Summary{Total: len(due)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, rec := range due {
		g.Go(func() error {
			status, err := r.SyncOne(gctx, rec.EntityType, rec.EntityID)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			switch status {
			case SyncSynced:
				summary.Synced++
			case SyncFailed, SyncPending:
				summary.Failed++
			case SyncSkipped:
				summary.Skipped++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}
	return summary, nil
}

// ConfirmSynced records an out-of-band confirmation, typically delivered by
// the remote ledger's webhook after an asynchronous create.
func (r *Reconciler) ConfirmSynced(ctx context.Context, entityType, entityID, zohoID string) error {
	rec, err := r.repo.Get(ctx, entityType, entityID)
	if err != nil {
		return err
	}
	if rec == nil {
		return shared.ErrNotFound
	}
	if zohoID != "" {
		if err := r.led.AttachExternalRef(ctx, entityType, entityID, zohoID); err != nil {
			return err
		}
	}
	return r.repo.MarkSynced(ctx, rec.ID, zohoID, r.clock())
}

// ConfirmFailed records an out-of-band rejection from the remote ledger.
func (r *Reconciler) ConfirmFailed(ctx context.Context, entityType, entityID, reason string) error {
	rec, err := r.repo.Get(ctx, entityType, entityID)
	if err != nil {
		return err
	}
	if rec == nil {
		return shared.ErrNotFound
	}
	return r.repo.MarkFailed(ctx, rec.ID, reason, rec.RetryCount)
}

// ListDeadLetters returns records that exhausted their retries.
func (r *Reconciler) ListDeadLetters(ctx context.Context) ([]SyncRecord, error) {
	return r.repo.ListDeadLetters(ctx)
}

// Requeue resets a dead letter for another round of attempts.
func (r *Reconciler) Requeue(ctx context.Context, entityType, entityID string) error {
	rec, err := r.repo.Get(ctx, entityType, entityID)
	if err != nil {
		return err
	}
	if rec == nil {
		return shared.ErrNotFound
	}
	if rec.Status != SyncFailed {
		return fmt.Errorf("zoho: record %s/%s is %s, only failed records can be requeued",
			entityType, entityID, rec.Status)
	}
	return r.repo.Requeue(ctx, rec.ID)
}

var _ ledger.EventSink = (*Reconciler)(nil)
