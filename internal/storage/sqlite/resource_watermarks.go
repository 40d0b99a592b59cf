package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/librarysync/internal/storage"
)

// ResourceWatermarkStore keeps per-(peer, model type) watermarks for
// incremental sync of device-owned data. Values are stored as Unix
// nanoseconds so MAX() compares them numerically.
type ResourceWatermarkStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
	mu     sync.Mutex
	device uuid.UUID
}

var _ storage.ResourceWatermarks = (*ResourceWatermarkStore)(nil)

// NewResourceWatermarkStore creates a store for watermarks held by deviceUUID.
func NewResourceWatermarkStore(db *sql.DB, deviceUUID uuid.UUID, logger *slog.Logger) *ResourceWatermarkStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResourceWatermarkStore{
		db:     db,
		device: deviceUUID,
		logger: logger.With("device_id", deviceUUID.String()),
		now:    time.Now,
	}
}

// Get returns the watermark of peer for resourceType.
func (s *ResourceWatermarkStore) Get(ctx context.Context, peer uuid.UUID, resourceType string) (time.Time, bool, error) {
	return s.get(ctx, s.db, peer, resourceType)
}

func (s *ResourceWatermarkStore) get(ctx context.Context, q queryRower, peer uuid.UUID, resourceType string) (time.Time, bool, error) {
	query := `
		SELECT last_watermark FROM device_resource_watermarks
		WHERE device_uuid = ? AND peer_device_uuid = ? AND resource_type = ?
	`

	var nanos int64
	err := q.QueryRowContext(ctx, query, s.device.String(), peer.String(), resourceType).Scan(&nanos)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("%w: failed to read resource watermark: %w", storage.ErrDatabase, err)
	}

	return time.Unix(0, nanos).UTC(), true, nil
}

// Upsert stores watermark if it is newer than the stored one.
func (s *ResourceWatermarkStore) Upsert(ctx context.Context, peer uuid.UUID, resourceType string, watermark time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", storage.ErrDatabase, err)
	}
	defer tx.Rollback() //nolint:errcheck

	current, ok, err := s.get(ctx, tx, peer, resourceType)
	if err != nil {
		return err
	}
	if ok && !watermark.After(current) {
		return nil
	}

	query := `
		INSERT INTO device_resource_watermarks
			(device_uuid, peer_device_uuid, resource_type, last_watermark, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (device_uuid, peer_device_uuid, resource_type)
		DO UPDATE SET last_watermark = excluded.last_watermark, updated_at = excluded.updated_at
	`

	_, err = tx.ExecContext(ctx, query,
		s.device.String(),
		peer.String(),
		resourceType,
		watermark.UnixNano(),
		s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to upsert resource watermark: %w", storage.ErrDatabase, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit resource watermark: %w", storage.ErrDatabase, err)
	}

	s.logger.Debug("Advanced resource watermark",
		"peer_device_id", peer.String(),
		"resource_type", resourceType,
		"watermark", watermark.UTC().Format(time.RFC3339Nano))

	return nil
}

// ListForPeer returns the watermarks of peer keyed by model type.
func (s *ResourceWatermarkStore) ListForPeer(ctx context.Context, peer uuid.UUID) (map[string]time.Time, error) {
	query := `
		SELECT resource_type, last_watermark FROM device_resource_watermarks
		WHERE device_uuid = ? AND peer_device_uuid = ?
		ORDER BY resource_type
	`
	return s.queryByResource(ctx, query, s.device.String(), peer.String())
}

// ByResource returns, for every model type, the newest watermark across all peers.
func (s *ResourceWatermarkStore) ByResource(ctx context.Context) (map[string]time.Time, error) {
	query := `
		SELECT resource_type, MAX(last_watermark) FROM device_resource_watermarks
		WHERE device_uuid = ?
		GROUP BY resource_type
		ORDER BY resource_type
	`
	return s.queryByResource(ctx, query, s.device.String())
}

// Max returns the newest watermark of any peer and model type.
func (s *ResourceWatermarkStore) Max(ctx context.Context) (time.Time, bool, error) {
	var nanos sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(last_watermark) FROM device_resource_watermarks WHERE device_uuid = ?`,
		s.device.String()).Scan(&nanos)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: failed to read max resource watermark: %w", storage.ErrDatabase, err)
	}
	if !nanos.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, nanos.Int64).UTC(), true, nil
}

// DeletePeer removes every watermark of peer, for example when the peer
// leaves the library.
func (s *ResourceWatermarkStore) DeletePeer(ctx context.Context, peer uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM device_resource_watermarks WHERE device_uuid = ? AND peer_device_uuid = ?`,
		s.device.String(), peer.String())
	if err != nil {
		return 0, fmt.Errorf("%w: failed to delete resource watermarks: %w", storage.ErrDatabase, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to get rows affected: %w", storage.ErrDatabase, err)
	}
	return n, nil
}

func (s *ResourceWatermarkStore) queryByResource(ctx context.Context, query string, args ...any) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query resource watermarks: %w", storage.ErrDatabase, err)
	}
	defer rows.Close()

	result := make(map[string]time.Time)
	for rows.Next() {
		var (
			resourceType string
			nanos        int64
		)
		if err := rows.Scan(&resourceType, &nanos); err != nil {
			return nil, fmt.Errorf("%w: failed to scan resource watermark: %w", storage.ErrDatabase, err)
		}
		result[resourceType] = time.Unix(0, nanos).UTC()
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating rows: %w", storage.ErrDatabase, err)
	}

	return result, nil
}
