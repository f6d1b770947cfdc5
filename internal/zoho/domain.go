// Package zoho reconciles local billing entities with the external Zoho
// Billing ledger. Local state is the source of truth; sync is one-way and
// eventually consistent.
package zoho

import "time"

// SyncStatus enumerates the lifecycle of a sync record.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSyncing SyncStatus = "syncing"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
	SyncSkipped SyncStatus = "skipped"
)

// SyncRecord tracks one entity's sync state. There is at most one record per
// (entity_type, entity_id); re-enqueueing a synced entity flips it back to
// pending so the next pass pushes the updated state.
type SyncRecord struct {
	ID            int64
	EntityType    string
	EntityID      string
	Status        SyncStatus
	ZohoID        string
	RetryCount    int
	LastError     string
	NextAttemptAt time.Time
	LastSyncedAt  *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Due reports whether the record is eligible for a sync attempt at now.
func (r *SyncRecord) Due(now time.Time) bool {
	if r.Status != SyncPending {
		return false
	}
	return r.NextAttemptAt.IsZero() || !r.NextAttemptAt.After(now)
}

// Abandoned reports whether a syncing claim outlived the given horizon. The
// worker that claimed it is presumed dead and the record may be retried.
func (r *SyncRecord) Abandoned(now time.Time, horizon time.Duration) bool {
	return r.Status == SyncSyncing && horizon > 0 && now.Sub(r.UpdatedAt) >= horizon
}
