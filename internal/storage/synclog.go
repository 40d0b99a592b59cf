package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/librarysync/internal/hlc"
	"github.com/iudanet/librarysync/internal/models"
)

// Fetch limits for log reads
const (
	DefaultFetchLimit = 100
	MaxFetchLimit     = 1000
)

// SyncLog defines the per-library append-only replication log
type SyncLog interface {
	// Append inserts one entry. The entry's Sequence is trusted as provided;
	// allocation belongs to the transaction manager.
	Append(ctx context.Context, entry *models.SyncLogEntry) (uint64, error)

	// FetchSince returns entries with sequence strictly greater than since,
	// ascending. limit <= 0 means DefaultFetchLimit; it is capped at MaxFetchLimit.
	FetchSince(ctx context.Context, since uint64, limit int) ([]*models.SyncLogEntry, error)

	// FetchRange returns entries with from <= sequence <= to, ascending.
	FetchRange(ctx context.Context, from, to uint64) ([]*models.SyncLogEntry, error)

	// LatestSequence returns the highest sequence in the log, 0 if empty.
	LatestSequence(ctx context.Context) (uint64, error)

	// VacuumOldEntries irreversibly deletes entries older than before.
	// Callers must have confirmed every peer acknowledged them.
	VacuumOldEntries(ctx context.Context, before time.Time) (int64, error)

	// GetRecordHistory returns every entry for one record, ascending.
	GetRecordHistory(ctx context.Context, modelType string, recordID uuid.UUID) ([]*models.SyncLogEntry, error)
}

// PeerWatermarks tracks the newest HLC received from each peer
type PeerWatermarks interface {
	// Get returns the watermark for peer, ok=false if none is stored.
	Get(ctx context.Context, peer uuid.UUID) (hlc.HLC, bool, error)

	// Upsert stores received if it is strictly newer than the current value.
	// Upserting the local device is ignored with a warning.
	Upsert(ctx context.Context, peer uuid.UUID, received hlc.HLC) error

	// GetAll returns every stored watermark keyed by peer.
	GetAll(ctx context.Context) (map[uuid.UUID]hlc.HLC, error)

	// GetMaxAcrossAllPeers returns the newest watermark of any peer.
	GetMaxAcrossAllPeers(ctx context.Context) (hlc.HLC, bool, error)
}

// ResourceWatermarks tracks, per peer and model type, the newest updated_at
// of device-owned records received from that peer. Each model type advances
// on its own so a fast model never hides older records of a slow one.
type ResourceWatermarks interface {
	// Get returns the watermark of one model type, ok=false if none is stored.
	Get(ctx context.Context, peer uuid.UUID, resourceType string) (time.Time, bool, error)

	// Upsert stores watermark if it is strictly newer than the current value.
	Upsert(ctx context.Context, peer uuid.UUID, resourceType string, watermark time.Time) error

	// ListForPeer returns every watermark of peer keyed by model type.
	ListForPeer(ctx context.Context, peer uuid.UUID) (map[string]time.Time, error)
}

// BackfillCheckpoints persists backfill progress so an interrupted backfill
// resumes instead of starting over.
type BackfillCheckpoints interface {
	// Load returns the checkpoint of peer for resourceType, ok=false if none.
	Load(ctx context.Context, peer uuid.UUID, resourceType string) (models.BackfillCheckpoint, bool, error)

	// Save inserts or replaces a checkpoint.
	Save(ctx context.Context, cp models.BackfillCheckpoint) error

	// DeletePeer removes every checkpoint of peer.
	DeletePeer(ctx context.Context, peer uuid.UUID) (int64, error)
}

// ClampFetchLimit applies the default and maximum to a requested limit.
func ClampFetchLimit(limit int) int {
	if limit <= 0 {
		return DefaultFetchLimit
	}
	if limit > MaxFetchLimit {
		return MaxFetchLimit
	}
	return limit
}
