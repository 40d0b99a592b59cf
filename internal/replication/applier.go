// Package replication applies changes received from peers to the local
// entity database, buffering those whose foreign keys are not satisfied yet.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/librarysync/internal/deps"
	"github.com/iudanet/librarysync/internal/hlc"
	"github.com/iudanet/librarysync/internal/models"
	"github.com/iudanet/librarysync/internal/storage"
	"github.com/iudanet/librarysync/internal/syncable"
)

// ErrNoBulkHandler indicates a bulk_insert entry arrived with nothing to re-derive it
var ErrNoBulkHandler = errors.New("no bulk handler configured")

// BulkHandler re-derives local state for a bulk operation logged by the leader,
// for example by indexing the same location.
type BulkHandler interface {
	HandleBulk(ctx context.Context, meta *models.BulkOperationMetadata) error
}

// Result describes what happened to one inbound update.
type Result struct {
	// Applied is the number of updates applied, the inbound one included
	Applied int

	// Buffered is set when the inbound update waits for a missing dependency
	Buffered bool

	// MissingUUID is the dependency the inbound update waits for
	MissingUUID uuid.UUID

	// Failed lists released updates that could not be applied. They stay
	// held by the applier until Retry succeeds.
	Failed []models.BufferedUpdate
}

// Applier applies inbound updates one at a time.
type Applier struct {
	registry   *syncable.Registry
	db         syncable.DB
	tracker    *deps.Tracker
	clock      *hlc.Clock
	watermarks storage.PeerWatermarks
	bulk       BulkHandler
	logger     *slog.Logger
	resources  storage.ResourceWatermarks
	deferred   map[uuid.UUID]hlc.HLC // watermark ждёт, пока буфер не опустеет
	pendingRes map[resourceKey]time.Time
	failed     []models.BufferedUpdate
	mu         sync.Mutex
}

type resourceKey struct {
	peer         uuid.UUID
	resourceType string
}

// NewApplier wires the applier. watermarks and bulk may be nil.
func NewApplier(registry *syncable.Registry, db syncable.DB, tracker *deps.Tracker, clock *hlc.Clock,
	watermarks storage.PeerWatermarks, bulk BulkHandler, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{
		registry:   registry,
		db:         db,
		tracker:    tracker,
		clock:      clock,
		watermarks: watermarks,
		bulk:       bulk,
		logger:     logger,
		deferred:   make(map[uuid.UUID]hlc.HLC),
		pendingRes: make(map[resourceKey]time.Time),
	}
}

// UseResourceWatermarks makes the applier advance per-model watermarks of
// device-owned data. It must be called before the first apply.
func (a *Applier) UseResourceWatermarks(store storage.ResourceWatermarks) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.resources = store
}

// ApplyShared applies an HLC-ordered change received from peer. The peer's
// watermark only advances while no update is held back, so a catch-up after
// restart never skips buffered or failed data. A change that fails outright
// does not count as received.
func (a *Applier) ApplyShared(ctx context.Context, peer uuid.UUID, entry models.SharedChangeEntry) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.clock.Update(entry.HLC)

	result, err := a.apply(ctx, models.BufferShared(entry))
	if err != nil {
		return result, err
	}

	if current, ok := a.deferred[peer]; !ok || entry.HLC.After(current) {
		a.deferred[peer] = entry.HLC
	}

	if err := a.flushWatermarks(ctx); err != nil {
		return result, err
	}
	return result, nil
}

// Retry re-attempts the released updates that failed earlier. Updates that
// fail again stay held and are listed in Result.Failed.
func (a *Applier) Retry(ctx context.Context) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pending := a.failed
	a.failed = nil

	var total Result
	for i, u := range pending {
		result, err := a.apply(ctx, u)
		total.Applied += result.Applied
		total.Failed = append(total.Failed, result.Failed...)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				a.failed = append(a.failed, pending[i:]...)
				total.Failed = append(total.Failed, pending[i:]...)
				return total, err
			}
			a.logger.Error("Retry of held update failed",
				"model_type", u.ModelType(),
				"record_uuid", recordUUID(u).String(),
				"error", err)
			a.failed = append(a.failed, u)
			total.Failed = append(total.Failed, u)
		}
	}

	if err := a.flushWatermarks(ctx); err != nil {
		return total, err
	}
	return total, nil
}

// ApplyState applies a device-owned change. The owner's resource watermark
// for the model follows the change timestamp once nothing is held back.
func (a *Applier) ApplyState(ctx context.Context, change models.StateChange) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	result, err := a.apply(ctx, models.BufferState(change))
	if err != nil {
		return result, err
	}

	a.deferResource(change.DeviceID, change.ModelType, change.Timestamp)
	return result, a.flushWatermarks(ctx)
}

// ApplyBackfill applies one backfill batch received from peer, in record
// order. On error the records before the failing one stay applied and the
// resource watermark covers only them.
func (a *Applier) ApplyBackfill(ctx context.Context, peer uuid.UUID, batch BackfillBatch) (Result, error) {
	if _, err := a.registry.DeviceOwned(batch.ModelType); err != nil {
		return Result{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var total Result
	for _, rec := range batch.Records {
		result, err := a.apply(ctx, models.BufferState(models.StateChange{
			ModelType:  batch.ModelType,
			RecordUUID: rec.UUID,
			DeviceID:   peer,
			Data:       rec.Data,
			Timestamp:  rec.UpdatedAt,
		}))
		total.Applied += result.Applied
		total.Failed = append(total.Failed, result.Failed...)
		if result.Buffered && !total.Buffered {
			total.Buffered = true
			total.MissingUUID = result.MissingUUID
		}
		if err != nil {
			if flushErr := a.flushWatermarks(ctx); flushErr != nil {
				a.logger.Error("Failed to advance resource watermark", "error", flushErr)
			}
			return total, fmt.Errorf("failed to apply backfilled %s %s: %w", batch.ModelType, rec.UUID, err)
		}

		a.deferResource(peer, batch.ModelType, rec.UpdatedAt)
	}

	return total, a.flushWatermarks(ctx)
}

// ApplyStateDeletion removes a device-owned record.
func (a *Applier) ApplyStateDeletion(ctx context.Context, modelType string, id uuid.UUID) error {
	handler, err := a.registry.DeviceOwned(modelType)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := handler.ApplyDeletion(ctx, id, a.db); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", modelType, id, err)
	}
	return nil
}

// ApplyLogEntry replays one entry of the leader's sync log. bulk_insert
// entries go to the BulkHandler; anything else is applied as a shared change
// stamped with the entry's device and time. The sequence is the counter, so
// entries of one millisecond keep their log order.
func (a *Applier) ApplyLogEntry(ctx context.Context, entry *models.SyncLogEntry) (Result, error) {
	if entry.ChangeType == models.ChangeBulkInsert {
		meta, err := models.DecodeBulkMetadata(entry)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %w", storage.ErrSerialization, err)
		}
		if a.bulk == nil {
			return Result{}, fmt.Errorf("%w: sequence %d", ErrNoBulkHandler, entry.Sequence)
		}
		if err := a.bulk.HandleBulk(ctx, meta); err != nil {
			return Result{}, fmt.Errorf("failed to re-derive bulk operation %s: %w", meta.OperationID, err)
		}

		a.logger.Info("Re-derived bulk operation",
			"sequence", entry.Sequence,
			"operation", string(meta.Operation),
			"affected_count", meta.AffectedCount)

		return Result{Applied: 1}, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	return a.apply(ctx, models.BufferShared(models.SharedChangeEntry{
		HLC:        logEntryHLC(entry),
		ModelType:  entry.ModelType,
		RecordUUID: entry.RecordID,
		ChangeType: entry.ChangeType,
		Data:       entry.Data,
	}))
}

// Pending returns the number of updates held back: buffered on a missing
// dependency or failed after release.
func (a *Applier) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.tracker.PendingCount() + len(a.failed)
}

// apply применяет обновление и затем всё, что ждало применённые записи.
// Обход итеративный, чтобы длинные цепочки зависимостей не росли по стеку.
func (a *Applier) apply(ctx context.Context, update models.BufferedUpdate) (Result, error) {
	var result Result

	queue := []models.BufferedUpdate{update}
	first := true

	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]

		err := a.applyOne(ctx, u)
		if err != nil {
			if missing, ok := a.missingDependency(u, err); ok {
				a.tracker.AddDependency(missing, u)
				if first {
					result.Buffered = true
					result.MissingUUID = missing
				}
				first = false
				continue
			}

			if first {
				return result, err
			}

			// Освобождённое обновление сломалось по другой причине:
			// держим его до Retry, watermark дальше не двигается
			a.logger.Error("Failed to apply released update",
				"model_type", u.ModelType(),
				"record_uuid", recordUUID(u).String(),
				"error", err)
			a.failed = append(a.failed, u)
			result.Failed = append(result.Failed, u)
			continue
		}

		first = false
		result.Applied++
		queue = append(queue, a.tracker.Resolve(recordUUID(u))...)
	}

	return result, nil
}

func (a *Applier) applyOne(ctx context.Context, u models.BufferedUpdate) error {
	if u.Shared != nil {
		handler, err := a.registry.Shared(u.Shared.ModelType)
		if err != nil {
			return err
		}
		return handler.ApplySharedChange(ctx, *u.Shared, a.db)
	}

	if u.State != nil {
		handler, err := a.registry.DeviceOwned(u.State.ModelType)
		if err != nil {
			return err
		}
		return handler.ApplyStateChange(ctx, *u.State, a.db)
	}

	return fmt.Errorf("empty buffered update")
}

func (a *Applier) deferResource(peer uuid.UUID, resourceType string, ts time.Time) {
	key := resourceKey{peer: peer, resourceType: resourceType}
	if current, ok := a.pendingRes[key]; !ok || ts.After(current) {
		a.pendingRes[key] = ts
	}
}

// flushWatermarks сохраняет отложенные watermark, только когда ничего не удерживается
func (a *Applier) flushWatermarks(ctx context.Context) error {
	if !a.tracker.IsEmpty() || len(a.failed) > 0 {
		return nil
	}

	for peer, h := range a.deferred {
		if a.watermarks != nil {
			if err := a.watermarks.Upsert(ctx, peer, h); err != nil {
				return fmt.Errorf("failed to advance watermark for %s: %w", peer, err)
			}
		}
		delete(a.deferred, peer)
	}

	for key, ts := range a.pendingRes {
		if a.resources != nil {
			if err := a.resources.Upsert(ctx, key.peer, key.resourceType, ts); err != nil {
				return fmt.Errorf("failed to advance %s watermark for %s: %w", key.resourceType, key.peer, err)
			}
		}
		delete(a.pendingRes, key)
	}
	return nil
}

// missingDependency распознаёт ошибку отсутствующей зависимости. Текст
// ошибки разбирается только для моделей, которые явно так сообщают.
func (a *Applier) missingDependency(u models.BufferedUpdate, err error) (uuid.UUID, bool) {
	if id, ok := syncable.MissingDependency(err); ok {
		return id, true
	}

	m, lookupErr := a.registry.Lookup(u.ModelType())
	if lookupErr != nil || !syncable.ReportsUntypedDependencies(m) {
		return uuid.Nil, false
	}
	return syncable.ParseMissingDependencyUUID(err.Error())
}

func logEntryHLC(entry *models.SyncLogEntry) hlc.HLC {
	return hlc.HLC{
		Timestamp: uint64(entry.Timestamp.UnixMilli()),
		Counter:   uint32(min(entry.Sequence, math.MaxUint32)),
		DeviceID:  entry.DeviceID,
	}
}

func recordUUID(u models.BufferedUpdate) uuid.UUID {
	if u.Shared != nil {
		return u.Shared.RecordUUID
	}
	if u.State != nil {
		return u.State.RecordUUID
	}
	return uuid.Nil
}
