// Package engine wires the sync components of one device together: a
// leadership manager, the transaction manager, the sync bus and every open
// library's sync database.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/librarysync/internal/config"
	"github.com/iudanet/librarysync/internal/deps"
	"github.com/iudanet/librarysync/internal/events"
	"github.com/iudanet/librarysync/internal/hlc"
	"github.com/iudanet/librarysync/internal/leader"
	"github.com/iudanet/librarysync/internal/models"
	"github.com/iudanet/librarysync/internal/replication"
	"github.com/iudanet/librarysync/internal/storage/sqlite"
	"github.com/iudanet/librarysync/internal/syncable"
	"github.com/iudanet/librarysync/internal/txn"
)

// ErrLibraryNotOpen indicates an operation on a library that was not opened
var ErrLibraryNotOpen = errors.New("library not open")

// Library is one open library.
type Library struct {
	Log         *sqlite.SyncLogDB
	Watermarks  *sqlite.PeerWatermarkStore
	Resources   *sqlite.ResourceWatermarkStore
	Checkpoints *sqlite.BackfillCheckpointStore
	Tracker     *deps.Tracker
	Applier     *replication.Applier
	registry    *syncable.Registry
	entities    syncable.DB
	engine      *Engine
	ID          uuid.UUID
}

// Engine owns the device-wide components.
type Engine struct {
	cfg       *config.Config
	leader    *leader.Manager
	txn       *txn.Manager
	bus       *events.Bus
	clock     *hlc.Clock
	logger    *slog.Logger
	libraries map[uuid.UUID]*Library
	mu        sync.RWMutex
}

// New creates an engine for cfg.DeviceID. leases may be nil.
func New(cfg *config.Config, leases leader.LeaseStore, logger *slog.Logger) (*Engine, error) {
	if cfg.DeviceID == uuid.Nil {
		return nil, fmt.Errorf("%w: device id is required", config.ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}

	clock := hlc.NewClock(cfg.DeviceID, hlc.SystemTimeSource{})
	bus := events.New(cfg.EventBusCapacity)
	leadership := leader.NewManager(cfg.DeviceID, leases, logger)

	e := &Engine{
		cfg:       cfg,
		leader:    leadership,
		bus:       bus,
		clock:     clock,
		logger:    logger,
		libraries: make(map[uuid.UUID]*Library),
	}
	e.txn = txn.NewManager(leadership, bus, clock, logger)

	// Новый лидер продолжает нумерацию с последней записи в логе
	leadership.OnAcquire(e.reseed)

	return e, nil
}

// Leadership returns the leadership manager.
func (e *Engine) Leadership() *leader.Manager {
	return e.leader
}

// Bus returns the sync event bus.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Clock returns the device HLC clock.
func (e *Engine) Clock() *hlc.Clock {
	return e.clock
}

// Start restores persisted leases.
func (e *Engine) Start(ctx context.Context) error {
	return e.leader.Load(ctx)
}

// OpenLibrary opens the sync database of libraryID under the data dir and
// initializes leadership. registry and entities back the replication applier.
func (e *Engine) OpenLibrary(ctx context.Context, libraryID uuid.UUID, isCreator bool,
	registry *syncable.Registry, entities syncable.DB, bulk replication.BulkHandler) (*Library, error) {
	if err := registry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model registry: %w", err)
	}

	if lib, err := e.Library(libraryID); err == nil {
		return lib, nil
	}

	cfg := *e.cfg
	cfg.LibraryID = libraryID

	logger := e.logger.With("library_id", libraryID.String())

	syncLog, err := sqlite.Open(ctx, libraryID, cfg.LibraryDir(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open sync log: %w", err)
	}

	watermarks := sqlite.NewPeerWatermarkStore(syncLog.DB(), e.cfg.DeviceID, logger)
	resources := sqlite.NewResourceWatermarkStore(syncLog.DB(), e.cfg.DeviceID, logger)
	tracker := deps.NewTracker(logger)

	applier := replication.NewApplier(registry, entities, tracker, e.clock, watermarks, bulk, logger)
	applier.UseResourceWatermarks(resources)

	lib := &Library{
		ID:          libraryID,
		Log:         syncLog,
		Watermarks:  watermarks,
		Resources:   resources,
		Checkpoints: sqlite.NewBackfillCheckpointStore(syncLog.DB(), e.cfg.DeviceID, logger),
		Tracker:     tracker,
		Applier:     applier,
		registry:    registry,
		entities:    entities,
		engine:      e,
	}

	e.mu.Lock()
	if existing, ok := e.libraries[libraryID]; ok {
		e.mu.Unlock()
		_ = syncLog.Close()
		return existing, nil
	}
	e.libraries[libraryID] = lib
	e.mu.Unlock()

	role, err := e.leader.InitializeLibrary(ctx, libraryID, isCreator)
	if err != nil {
		e.mu.Lock()
		delete(e.libraries, libraryID)
		e.mu.Unlock()
		_ = syncLog.Close()
		return nil, fmt.Errorf("failed to initialize leadership: %w", err)
	}

	logger.Info("Opened library", "role", role.String(), "path", syncLog.Path())
	return lib, nil
}

// Library returns an open library.
func (e *Engine) Library(libraryID uuid.UUID) (*Library, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	lib, ok := e.libraries[libraryID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLibraryNotOpen, libraryID)
	}
	return lib, nil
}

// Close closes the bus and every library.
func (e *Engine) Close() error {
	e.bus.Close()

	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for id, lib := range e.libraries {
		if err := lib.Log.Close(); err != nil {
			errs = append(errs, fmt.Errorf("library %s: %w", id, err))
		}
		delete(e.libraries, id)
	}
	return errors.Join(errs...)
}

func (e *Engine) reseed(ctx context.Context, libraryID uuid.UUID) error {
	lib, err := e.Library(libraryID)
	if err != nil {
		// Библиотека ещё открывается, счётчик засеется при первой записи
		return nil
	}
	return e.txn.Reseed(ctx, libraryID, lib.Log)
}

// LogChange records a committed change of a shared model.
func (l *Library) LogChange(ctx context.Context, model syncable.Syncable, changeType models.ChangeType) (uint64, error) {
	return l.engine.txn.LogChange(ctx, l.ID, l.Log, model, changeType)
}

// LogBatch records several committed changes.
func (l *Library) LogBatch(ctx context.Context, batch []syncable.Syncable, changeType models.ChangeType) ([]uint64, error) {
	return l.engine.txn.LogBatch(ctx, l.ID, l.Log, batch, changeType)
}

// LogBulk records a bulk operation as one entry.
func (l *Library) LogBulk(ctx context.Context, meta models.BulkOperationMetadata) (uint64, error) {
	return l.engine.txn.LogBulk(ctx, l.ID, l.Log, meta)
}

// BroadcastState publishes a device-owned change.
func (l *Library) BroadcastState(model syncable.Syncable) (int, error) {
	return l.engine.txn.BroadcastState(l.ID, model)
}

// Metrics returns the transaction counters of the library.
func (l *Library) Metrics() events.Metrics {
	return l.engine.txn.Metrics(l.ID)
}

// CatchUp returns log entries after since, at most the configured fetch limit.
func (l *Library) CatchUp(ctx context.Context, since uint64) ([]*models.SyncLogEntry, error) {
	return l.Log.FetchSince(ctx, since, l.engine.cfg.FetchLimit)
}

// NeedsFullResync reports whether peer should get a full backfill instead of
// an incremental catch-up.
func (l *Library) NeedsFullResync(ctx context.Context, peer uuid.UUID) (bool, error) {
	return l.Watermarks.NeedsFullResync(ctx, peer, l.engine.cfg.StalenessThreshold, time.Now())
}

// Backfill returns this device's own records of every device-owned model in
// dependency order. A nil since selects everything.
func (l *Library) Backfill(ctx context.Context, since *time.Time) ([]replication.BackfillBatch, error) {
	device := l.engine.cfg.DeviceID
	return replication.Backfill(ctx, l.registry, l.entities, syncable.BackfillQuery{
		DeviceID:  &device,
		Since:     since,
		BatchSize: l.engine.cfg.FetchLimit,
	})
}

// BackfillPeer returns the next part of a resumable backfill of this device's
// own records for peer. done reports that the backfill is complete.
func (l *Library) BackfillPeer(ctx context.Context, peer uuid.UUID) ([]replication.BackfillBatch, bool, error) {
	device := l.engine.cfg.DeviceID
	return replication.ResumableBackfill(ctx, l.registry, l.entities, l.Checkpoints, peer, syncable.BackfillQuery{
		DeviceID:  &device,
		BatchSize: l.engine.cfg.FetchLimit,
	})
}

// IncrementalBackfill returns this device's own records newer than the
// requester's per-model watermarks.
func (l *Library) IncrementalBackfill(ctx context.Context, since map[string]time.Time) ([]replication.BackfillBatch, error) {
	device := l.engine.cfg.DeviceID
	return replication.IncrementalBackfill(ctx, l.registry, l.entities, syncable.BackfillQuery{
		DeviceID:  &device,
		BatchSize: l.engine.cfg.FetchLimit,
	}, since)
}

// ResourceWatermarks returns what this device has received from peer per
// model type, to be sent with an incremental backfill request.
func (l *Library) ResourceWatermarks(ctx context.Context, peer uuid.UUID) (map[string]time.Time, error) {
	return l.Resources.ListForPeer(ctx, peer)
}

// ApplyBackfill applies backfill batches received from peer in order.
func (l *Library) ApplyBackfill(ctx context.Context, peer uuid.UUID, batches []replication.BackfillBatch) (replication.Result, error) {
	var total replication.Result
	for _, batch := range batches {
		res, err := l.Applier.ApplyBackfill(ctx, peer, batch)
		total.Applied += res.Applied
		total.Failed = append(total.Failed, res.Failed...)
		if res.Buffered && !total.Buffered {
			total.Buffered = true
			total.MissingUUID = res.MissingUUID
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
