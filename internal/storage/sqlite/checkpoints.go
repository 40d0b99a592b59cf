package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/librarysync/internal/models"
	"github.com/iudanet/librarysync/internal/storage"
)

// BackfillCheckpointStore saves backfill progress per peer and model type
// in the library's sync database.
type BackfillCheckpointStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
	device uuid.UUID
}

var _ storage.BackfillCheckpoints = (*BackfillCheckpointStore)(nil)

const selectCheckpointColumns = `
	SELECT peer_device_uuid, resource_type, resume_token, last_watermark,
	       records_synced, completed, started_at, updated_at
	FROM backfill_checkpoints
`

// NewBackfillCheckpointStore creates a store for checkpoints held by deviceUUID.
func NewBackfillCheckpointStore(db *sql.DB, deviceUUID uuid.UUID, logger *slog.Logger) *BackfillCheckpointStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BackfillCheckpointStore{
		db:     db,
		device: deviceUUID,
		logger: logger.With("device_id", deviceUUID.String()),
		now:    time.Now,
	}
}

// Save inserts or replaces cp. DeviceUUID and UpdatedAt are filled by the store;
// StartedAt is kept from the first save of the same key.
func (s *BackfillCheckpointStore) Save(ctx context.Context, cp models.BackfillCheckpoint) error {
	now := s.now().UTC()
	if cp.StartedAt.IsZero() {
		cp.StartedAt = now
	}

	var watermark any
	if cp.LastWatermark != nil {
		watermark = cp.LastWatermark.UnixNano()
	}
	var token any
	if cp.ResumeToken != "" {
		token = cp.ResumeToken
	}

	query := `
		INSERT INTO backfill_checkpoints (
			device_uuid, peer_device_uuid, resource_type, resume_token, last_watermark,
			records_synced, completed, started_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (device_uuid, peer_device_uuid, resource_type)
		DO UPDATE SET
			resume_token = excluded.resume_token,
			last_watermark = excluded.last_watermark,
			records_synced = excluded.records_synced,
			completed = excluded.completed,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		s.device.String(),
		cp.PeerDeviceUUID.String(),
		cp.ResourceType,
		token,
		watermark,
		cp.RecordsSynced,
		cp.Completed,
		cp.StartedAt.UTC().Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to save backfill checkpoint: %w", storage.ErrDatabase, err)
	}
	return nil
}

// Load returns the checkpoint of peer for resourceType.
func (s *BackfillCheckpointStore) Load(ctx context.Context, peer uuid.UUID, resourceType string) (models.BackfillCheckpoint, bool, error) {
	query := selectCheckpointColumns + `
		WHERE device_uuid = ? AND peer_device_uuid = ? AND resource_type = ?
	`

	list, err := s.query(ctx, query, s.device.String(), peer.String(), resourceType)
	if err != nil {
		return models.BackfillCheckpoint{}, false, err
	}
	if len(list) == 0 {
		return models.BackfillCheckpoint{}, false, nil
	}
	return list[0], true, nil
}

// List returns every checkpoint held by this device ordered by peer and model type.
func (s *BackfillCheckpointStore) List(ctx context.Context) ([]models.BackfillCheckpoint, error) {
	query := selectCheckpointColumns + `
		WHERE device_uuid = ?
		ORDER BY peer_device_uuid, resource_type
	`
	return s.query(ctx, query, s.device.String())
}

// Delete removes one checkpoint.
func (s *BackfillCheckpointStore) Delete(ctx context.Context, peer uuid.UUID, resourceType string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM backfill_checkpoints WHERE device_uuid = ? AND peer_device_uuid = ? AND resource_type = ?`,
		s.device.String(), peer.String(), resourceType)
	if err != nil {
		return fmt.Errorf("%w: failed to delete backfill checkpoint: %w", storage.ErrDatabase, err)
	}
	return nil
}

// DeletePeer removes every checkpoint of peer.
func (s *BackfillCheckpointStore) DeletePeer(ctx context.Context, peer uuid.UUID) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM backfill_checkpoints WHERE device_uuid = ? AND peer_device_uuid = ?`,
		s.device.String(), peer.String())
	if err != nil {
		return 0, fmt.Errorf("%w: failed to delete backfill checkpoints: %w", storage.ErrDatabase, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to get rows affected: %w", storage.ErrDatabase, err)
	}
	return n, nil
}

func (s *BackfillCheckpointStore) query(ctx context.Context, query string, args ...any) ([]models.BackfillCheckpoint, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query backfill checkpoints: %w", storage.ErrDatabase, err)
	}
	defer rows.Close()

	result := make([]models.BackfillCheckpoint, 0)
	for rows.Next() {
		var (
			peerRaw, resourceType string
			token                 sql.NullString
			watermark             sql.NullInt64
			synced                int64
			completed             bool
			startedRaw, updRaw    string
		)
		if err := rows.Scan(&peerRaw, &resourceType, &token, &watermark,
			&synced, &completed, &startedRaw, &updRaw); err != nil {
			return nil, fmt.Errorf("%w: failed to scan backfill checkpoint: %w", storage.ErrDatabase, err)
		}

		cp, err := s.decodeCheckpoint(peerRaw, startedRaw, updRaw)
		if err != nil {
			s.logger.Warn("Skipping undecodable backfill checkpoint",
				"peer_device_id", peerRaw,
				"resource_type", resourceType,
				"error", err)
			continue
		}

		cp.ResourceType = resourceType
		cp.ResumeToken = token.String
		cp.RecordsSynced = synced
		cp.Completed = completed
		if watermark.Valid {
			ts := time.Unix(0, watermark.Int64).UTC()
			cp.LastWatermark = &ts
		}
		result = append(result, cp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating rows: %w", storage.ErrDatabase, err)
	}

	return result, nil
}

func (s *BackfillCheckpointStore) decodeCheckpoint(peerRaw, startedRaw, updRaw string) (models.BackfillCheckpoint, error) {
	peer, err := uuid.Parse(peerRaw)
	if err != nil {
		return models.BackfillCheckpoint{}, fmt.Errorf("peer_device_uuid: %w", err)
	}
	startedAt, err := time.Parse(time.RFC3339Nano, startedRaw)
	if err != nil {
		return models.BackfillCheckpoint{}, fmt.Errorf("started_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, updRaw)
	if err != nil {
		return models.BackfillCheckpoint{}, fmt.Errorf("updated_at: %w", err)
	}

	return models.BackfillCheckpoint{
		DeviceUUID:     s.device,
		PeerDeviceUUID: peer,
		StartedAt:      startedAt,
		UpdatedAt:      updatedAt,
	}, nil
}
