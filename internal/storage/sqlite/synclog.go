package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/iudanet/librarysync/internal/models"
	"github.com/iudanet/librarysync/internal/storage"
)

// SyncLogDB is the SQLite implementation of storage.SyncLog for one library.
type SyncLogDB struct {
	db        *sql.DB
	logger    *slog.Logger
	path      string
	mu        sync.RWMutex
	closed    bool
	libraryID uuid.UUID
}

var _ storage.SyncLog = (*SyncLogDB)(nil)

const selectEntryColumns = `
	SELECT sequence, device_id, timestamp, model_type, record_id,
	       change_type, version, data
	FROM sync_log
`

// Append inserts entry with the sequence it carries. The entry is normalized
// in place to what reads return: Timestamp in UTC with nanosecond precision
// and no monotonic reading, empty Data as nil.
func (s *SyncLogDB) Append(ctx context.Context, entry *models.SyncLogEntry) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if !entry.ChangeType.Valid() {
		return 0, fmt.Errorf("%w: invalid change type %q", storage.ErrSerialization, entry.ChangeType)
	}

	// Пустые данные храним пустой строкой, чтобы чтение вернуло nil
	if len(entry.Data) == 0 {
		entry.Data = nil
	} else if !json.Valid(entry.Data) {
		return 0, fmt.Errorf("%w: entry data is not valid JSON", storage.ErrSerialization)
	}
	entry.Timestamp = entry.Timestamp.UTC()

	query := `
		INSERT INTO sync_log (
			sequence, device_id, timestamp, model_type, record_id,
			change_type, version, data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		int64(entry.Sequence),
		entry.DeviceID.String(),
		entry.Timestamp.UnixNano(),
		entry.ModelType,
		entry.RecordID.String(),
		string(entry.ChangeType),
		entry.Version,
		string(entry.Data),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return 0, fmt.Errorf("%w: %d", storage.ErrSequenceConflict, entry.Sequence)
		}
		return 0, fmt.Errorf("%w: failed to append entry: %w", storage.ErrDatabase, err)
	}

	return entry.Sequence, nil
}

// FetchSince returns entries after since in ascending order.
func (s *SyncLogDB) FetchSince(ctx context.Context, since uint64, limit int) ([]*models.SyncLogEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := selectEntryColumns + `
		WHERE sequence > ?
		ORDER BY sequence ASC
		LIMIT ?
	`

	return s.queryEntries(ctx, query, int64(since), storage.ClampFetchLimit(limit))
}

// FetchRange returns entries in [from, to], at most storage.MaxFetchLimit of them.
func (s *SyncLogDB) FetchRange(ctx context.Context, from, to uint64) ([]*models.SyncLogEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if from > to {
		return []*models.SyncLogEntry{}, nil
	}

	query := selectEntryColumns + `
		WHERE sequence >= ? AND sequence <= ?
		ORDER BY sequence ASC
		LIMIT ?
	`

	return s.queryEntries(ctx, query, int64(from), int64(to), storage.MaxFetchLimit)
}

// LatestSequence returns the highest sequence, 0 for an empty log.
func (s *SyncLogDB) LatestSequence(ctx context.Context) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var latest int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM sync_log`).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read latest sequence: %w", storage.ErrDatabase, err)
	}

	return uint64(latest), nil
}

// VacuumOldEntries deletes entries with timestamp before the cutoff.
func (s *SyncLogDB) VacuumOldEntries(ctx context.Context, before time.Time) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM sync_log WHERE timestamp < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("%w: failed to vacuum sync log: %w", storage.ErrDatabase, err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to get rows affected: %w", storage.ErrDatabase, err)
	}

	s.logger.Info("Vacuumed sync log",
		"before", before.UTC().Format(time.RFC3339),
		"deleted", deleted)

	return deleted, nil
}

// GetRecordHistory returns every entry of one record in ascending order.
func (s *SyncLogDB) GetRecordHistory(ctx context.Context, modelType string, recordID uuid.UUID) ([]*models.SyncLogEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := selectEntryColumns + `
		WHERE model_type = ? AND record_id = ?
		ORDER BY sequence ASC
	`

	return s.queryEntries(ctx, query, modelType, recordID.String())
}

// Count returns the number of entries currently in the log.
func (s *SyncLogDB) Count(ctx context.Context) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_log`).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: failed to count entries: %w", storage.ErrDatabase, err)
	}
	return count, nil
}

// LibraryID returns the library this log belongs to.
func (s *SyncLogDB) LibraryID() uuid.UUID {
	return s.libraryID
}

// Path returns the database file path.
func (s *SyncLogDB) Path() string {
	return s.path
}

// DB returns the underlying connection, shared with the watermark store.
func (s *SyncLogDB) DB() *sql.DB {
	return s.db
}

// Close закрывает соединение с БД
func (s *SyncLogDB) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.db.Close()
}

func (s *SyncLogDB) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return storage.ErrStorageClosed
	}
	return nil
}

func (s *SyncLogDB) queryEntries(ctx context.Context, query string, args ...any) ([]*models.SyncLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query sync log: %w", storage.ErrDatabase, err)
	}
	defer rows.Close()

	return s.scanEntries(rows)
}

// scanEntries сканирует строки sync_log, битые строки пропускаются с логом
func (s *SyncLogDB) scanEntries(rows *sql.Rows) ([]*models.SyncLogEntry, error) {
	entries := make([]*models.SyncLogEntry, 0)

	for rows.Next() {
		var (
			sequence, timestamp, version      int64
			deviceID, modelType, recordID, ct string
			data                              string
		)

		if err := rows.Scan(&sequence, &deviceID, &timestamp, &modelType,
			&recordID, &ct, &version, &data); err != nil {
			return nil, fmt.Errorf("%w: failed to scan entry: %w", storage.ErrDatabase, err)
		}

		entry, err := decodeEntry(sequence, deviceID, timestamp, modelType, recordID, ct, version, data)
		if err != nil {
			s.logger.Error("Skipping undecodable sync log entry",
				"sequence", sequence,
				"error", err)
			continue
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating rows: %w", storage.ErrDatabase, err)
	}

	return entries, nil
}

func decodeEntry(sequence int64, deviceID string, timestamp int64, modelType, recordID, ct string,
	version int64, data string) (*models.SyncLogEntry, error) {
	device, err := uuid.Parse(deviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: device_id: %w", storage.ErrSerialization, err)
	}
	record, err := uuid.Parse(recordID)
	if err != nil {
		return nil, fmt.Errorf("%w: record_id: %w", storage.ErrSerialization, err)
	}
	changeType, err := models.ParseChangeType(ct)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrSerialization, err)
	}
	var raw json.RawMessage
	if data != "" {
		if !json.Valid([]byte(data)) {
			return nil, fmt.Errorf("%w: data is not valid JSON", storage.ErrSerialization)
		}
		raw = json.RawMessage(data)
	}

	return &models.SyncLogEntry{
		Sequence:   uint64(sequence),
		DeviceID:   device,
		Timestamp:  time.Unix(0, timestamp).UTC(),
		ModelType:  modelType,
		RecordID:   record,
		ChangeType: changeType,
		Version:    version,
		Data:       raw,
	}, nil
}

func isConstraintViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	default:
		return false
	}
}
