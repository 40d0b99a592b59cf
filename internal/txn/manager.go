// Package txn is the writer side of replication: it assigns sequence numbers
// to already committed changes, appends them to the library sync log and
// publishes them on the sync bus.
package txn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/librarysync/internal/events"
	"github.com/iudanet/librarysync/internal/hlc"
	"github.com/iudanet/librarysync/internal/models"
	"github.com/iudanet/librarysync/internal/storage"
	"github.com/iudanet/librarysync/internal/syncable"
)

//go:generate moq -out leadership_mock.go . Leadership

// Leadership answers whether this device may currently write for a library.
type Leadership interface {
	// IsLeader reports whether this device holds leadership of libraryID
	IsLeader(libraryID uuid.UUID) bool

	// DeviceID returns the local device id
	DeviceID() uuid.UUID
}

// LogStore is the part of the sync log the manager writes through.
type LogStore interface {
	Append(ctx context.Context, entry *models.SyncLogEntry) (uint64, error)
	LatestSequence(ctx context.Context) (uint64, error)
}

// libraryState holds the sequence counter and counters of one library
type libraryState struct {
	mu         sync.Mutex
	last       uint64 // последний выданный sequence
	seeded     bool
	logged     uint64
	bulk       uint64
	broadcasts uint64
	rejections uint64
}

// Manager is the sole gate for writes into library sync logs.
type Manager struct {
	leadership Leadership
	bus        *events.Bus
	clock      *hlc.Clock
	logger     *slog.Logger
	now        func() time.Time
	libraries  map[uuid.UUID]*libraryState
	mu         sync.Mutex
}

// NewManager creates a transaction manager. A nil clock is replaced by a
// system clock for the leadership device id.
func NewManager(leadership Leadership, bus *events.Bus, clock *hlc.Clock, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = hlc.NewClock(leadership.DeviceID(), hlc.SystemTimeSource{})
	}
	return &Manager{
		leadership: leadership,
		bus:        bus,
		clock:      clock,
		logger:     logger,
		now:        time.Now,
		libraries:  make(map[uuid.UUID]*libraryState),
	}
}

func (m *Manager) library(libraryID uuid.UUID) *libraryState {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.libraries[libraryID]
	if !ok {
		state = &libraryState{}
		m.libraries[libraryID] = state
	}
	return state
}

// LogChange records one committed change and returns its sequence.
// The model row must already be durable; when LogChange returns nil the log
// entry is durable and has been published.
func (m *Manager) LogChange(ctx context.Context, libraryID uuid.UUID, store LogStore, model syncable.Syncable, changeType models.ChangeType) (uint64, error) {
	seqs, err := m.LogBatch(ctx, libraryID, store, []syncable.Syncable{model}, changeType)
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// LogBatch records several changes in input order with contiguous sequences.
// On an append failure the sequences logged so far are returned with the error.
func (m *Manager) LogBatch(ctx context.Context, libraryID uuid.UUID, store LogStore, batch []syncable.Syncable, changeType models.ChangeType) ([]uint64, error) {
	if !changeType.Valid() || changeType == models.ChangeBulkInsert {
		return nil, fmt.Errorf("%w: change type %q cannot be logged per record", storage.ErrSerialization, changeType)
	}

	// Сериализуем до выделения номеров, чтобы ошибка не оставила дыр
	entries := make([]*models.SyncLogEntry, 0, len(batch))
	for _, model := range batch {
		data, err := syncable.ToSyncJSON(model)
		if err != nil {
			return nil, err
		}
		entries = append(entries, &models.SyncLogEntry{
			ModelType:  model.SyncModel(),
			RecordID:   model.SyncID(),
			ChangeType: changeType,
			Version:    model.Version(),
			Data:       data,
		})
	}

	return m.commit(ctx, libraryID, store, entries)
}

// LogBulk records a whole bulk operation as a single bulk_insert entry whose
// payload describes the operation. Followers re-derive the resulting state.
func (m *Manager) LogBulk(ctx context.Context, libraryID uuid.UUID, store LogStore, meta models.BulkOperationMetadata) (uint64, error) {
	if err := meta.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %w", storage.ErrSerialization, err)
	}
	if meta.OperationID == uuid.Nil {
		meta.OperationID = uuid.New()
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("%w: bulk metadata: %w", storage.ErrSerialization, err)
	}

	entry := &models.SyncLogEntry{
		ModelType:  meta.ModelType,
		RecordID:   meta.OperationID,
		ChangeType: models.ChangeBulkInsert,
		Data:       data,
	}

	seqs, err := m.commit(ctx, libraryID, store, []*models.SyncLogEntry{entry})
	if err != nil {
		return 0, err
	}

	m.logger.Info("Logged bulk operation",
		"library_id", libraryID.String(),
		"sequence", seqs[0],
		"operation", string(meta.Operation),
		"model_type", meta.ModelType,
		"affected_count", meta.AffectedCount)

	return seqs[0], nil
}

// commit checks leadership, allocates and appends under the library lock.
// The counter only advances past entries that were appended.
func (m *Manager) commit(ctx context.Context, libraryID uuid.UUID, store LogStore, entries []*models.SyncLogEntry) ([]uint64, error) {
	state := m.library(libraryID)

	state.mu.Lock()
	defer state.mu.Unlock()

	// Лидерство проверяем на каждый вызов, без кэширования
	if !m.leadership.IsLeader(libraryID) {
		state.rejections++
		m.logger.Debug("Rejected write from follower", "library_id", libraryID.String())
		return nil, &NotLeaderError{LibraryID: libraryID, DeviceID: m.leadership.DeviceID()}
	}

	if !state.seeded {
		if err := m.seed(ctx, libraryID, store, state); err != nil {
			return nil, err
		}
	}

	deviceID := m.leadership.DeviceID()
	seqs := make([]uint64, 0, len(entries))

	for _, entry := range entries {
		entry.Sequence = state.last + 1
		entry.DeviceID = deviceID
		entry.Timestamp = m.now().UTC()

		if _, err := store.Append(ctx, entry); err != nil {
			if errors.Is(err, storage.ErrSequenceConflict) {
				// Кто-то писал в лог мимо нас, перечитаем при следующем вызове
				state.seeded = false
				m.logger.Error("Sequence conflict in sync log",
					"library_id", libraryID.String(),
					"sequence", entry.Sequence)
			}
			return seqs, fmt.Errorf("failed to append sequence %d: %w", entry.Sequence, err)
		}

		state.last = entry.Sequence
		state.logged++
		if entry.ChangeType == models.ChangeBulkInsert {
			state.bulk++
		}
		seqs = append(seqs, entry.Sequence)

		m.publish(libraryID, entry)
	}

	return seqs, nil
}

func (m *Manager) seed(ctx context.Context, libraryID uuid.UUID, store LogStore, state *libraryState) error {
	latest, err := store.LatestSequence(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed sequence: %w", err)
	}

	state.last = latest
	state.seeded = true

	m.logger.Info("Seeded sequence counter",
		"library_id", libraryID.String(),
		"latest_sequence", latest)

	return nil
}

// publish отправляет запись лога подписчикам как shared change
func (m *Manager) publish(libraryID uuid.UUID, entry *models.SyncLogEntry) {
	if m.bus == nil {
		return
	}

	m.bus.Emit(events.NewSharedChange(libraryID, models.SharedChangeEntry{
		HLC:        m.clock.Now(),
		ModelType:  entry.ModelType,
		RecordUUID: entry.RecordID,
		ChangeType: entry.ChangeType,
		Data:       entry.Data,
	}))
}

// BroadcastState publishes a device-owned change. Device-owned data is
// written only by its owner, so there is no leadership gate and no log entry.
func (m *Manager) BroadcastState(libraryID uuid.UUID, model syncable.Syncable) (int, error) {
	data, err := syncable.ToSyncJSON(model)
	if err != nil {
		return 0, err
	}

	state := m.library(libraryID)
	state.mu.Lock()
	state.broadcasts++
	state.mu.Unlock()

	if m.bus == nil {
		return 0, nil
	}

	return m.bus.Emit(events.NewStateChange(libraryID, models.StateChange{
		ModelType:  model.SyncModel(),
		RecordUUID: model.SyncID(),
		DeviceID:   m.leadership.DeviceID(),
		Data:       data,
		Timestamp:  m.now().UTC(),
	})), nil
}

// Reseed reloads the sequence counter from the log. It is called when this
// device acquires leadership so a new leader never reissues used sequences.
func (m *Manager) Reseed(ctx context.Context, libraryID uuid.UUID, store LogStore) error {
	state := m.library(libraryID)

	state.mu.Lock()
	defer state.mu.Unlock()

	return m.seed(ctx, libraryID, store, state)
}

// Metrics returns the counters of one library.
func (m *Manager) Metrics(libraryID uuid.UUID) events.Metrics {
	state := m.library(libraryID)

	state.mu.Lock()
	defer state.mu.Unlock()

	return events.Metrics{
		LatestSequence:      state.last,
		EntriesLogged:       state.logged,
		BulkOperations:      state.bulk,
		StateBroadcasts:     state.broadcasts,
		NotLeaderRejections: state.rejections,
	}
}

// PublishMetrics emits a MetricsUpdated event and returns the number of
// notified subscribers.
func (m *Manager) PublishMetrics(libraryID uuid.UUID) int {
	if m.bus == nil {
		return 0
	}
	return m.bus.Emit(events.NewMetricsUpdated(libraryID, m.Metrics(libraryID)))
}
