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

	"github.com/iudanet/librarysync/internal/hlc"
	"github.com/iudanet/librarysync/internal/models"
	"github.com/iudanet/librarysync/internal/storage"
)

// PeerWatermarkStore tracks the newest HLC this device has received from each
// peer. It shares the connection of the library's sync database.
type PeerWatermarkStore struct {
	db     *sql.DB
	logger *slog.Logger
	locks  sync.Map // peer uuid -> *sync.Mutex
	now    func() time.Time
	device uuid.UUID
}

var _ storage.PeerWatermarks = (*PeerWatermarkStore)(nil)

// NewPeerWatermarkStore creates a store for watermarks held by deviceUUID.
func NewPeerWatermarkStore(db *sql.DB, deviceUUID uuid.UUID, logger *slog.Logger) *PeerWatermarkStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PeerWatermarkStore{
		db:     db,
		device: deviceUUID,
		logger: logger.With("device_id", deviceUUID.String()),
		now:    time.Now,
	}
}

// Get returns the watermark for peer.
func (s *PeerWatermarkStore) Get(ctx context.Context, peer uuid.UUID) (hlc.HLC, bool, error) {
	return s.get(ctx, s.db, peer)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PeerWatermarkStore) get(ctx context.Context, q queryRower, peer uuid.UUID) (hlc.HLC, bool, error) {
	query := `
		SELECT max_received_hlc FROM peer_received_watermarks
		WHERE device_uuid = ? AND peer_device_uuid = ?
	`

	var raw string
	err := q.QueryRowContext(ctx, query, s.device.String(), peer.String()).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return hlc.HLC{}, false, nil
		}
		return hlc.HLC{}, false, fmt.Errorf("%w: failed to read watermark: %w", storage.ErrDatabase, err)
	}

	h, err := hlc.Parse(raw)
	if err != nil {
		return hlc.HLC{}, false, fmt.Errorf("%w: stored watermark for %s: %w", storage.ErrSerialization, peer, err)
	}

	return h, true, nil
}

// Upsert stores received if it is newer than the current watermark. The read,
// compare and write run inside one transaction while holding a per-peer lock,
// so concurrent upserts for the same peer never move the watermark backwards.
func (s *PeerWatermarkStore) Upsert(ctx context.Context, peer uuid.UUID, received hlc.HLC) error {
	if peer == s.device {
		s.logger.Warn("Ignoring watermark update for local device",
			"hlc", received.String())
		return nil
	}

	lock := s.peerLock(peer)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", storage.ErrDatabase, err)
	}
	defer tx.Rollback() //nolint:errcheck

	current, ok, err := s.get(ctx, tx, peer)
	if err != nil {
		if !errors.Is(err, storage.ErrSerialization) {
			return err
		}
		// Битое значение перезаписываем
		s.logger.Warn("Overwriting undecodable watermark",
			"peer_device_id", peer.String(),
			"error", err)
		ok = false
	}

	if ok && !received.After(current) {
		return nil
	}

	query := `
		INSERT INTO peer_received_watermarks (device_uuid, peer_device_uuid, max_received_hlc, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (device_uuid, peer_device_uuid)
		DO UPDATE SET max_received_hlc = excluded.max_received_hlc, updated_at = excluded.updated_at
	`

	_, err = tx.ExecContext(ctx, query,
		s.device.String(),
		peer.String(),
		received.String(),
		s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to upsert watermark: %w", storage.ErrDatabase, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit watermark: %w", storage.ErrDatabase, err)
	}

	s.logger.Debug("Advanced peer watermark",
		"peer_device_id", peer.String(),
		"hlc", received.String())

	return nil
}

// GetAll returns every watermark held by this device.
func (s *PeerWatermarkStore) GetAll(ctx context.Context) (map[uuid.UUID]hlc.HLC, error) {
	list, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	result := make(map[uuid.UUID]hlc.HLC, len(list))
	for _, w := range list {
		result[w.PeerDeviceUUID] = w.MaxReceivedHLC
	}
	return result, nil
}

// List returns the full watermark rows ordered by peer, undecodable rows skipped.
func (s *PeerWatermarkStore) List(ctx context.Context) ([]models.PeerWatermark, error) {
	query := `
		SELECT peer_device_uuid, max_received_hlc, updated_at
		FROM peer_received_watermarks
		WHERE device_uuid = ?
		ORDER BY peer_device_uuid
	`

	rows, err := s.db.QueryContext(ctx, query, s.device.String())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query watermarks: %w", storage.ErrDatabase, err)
	}
	defer rows.Close()

	result := make([]models.PeerWatermark, 0)
	for rows.Next() {
		var peerRaw, hlcRaw, updatedRaw string
		if err := rows.Scan(&peerRaw, &hlcRaw, &updatedRaw); err != nil {
			return nil, fmt.Errorf("%w: failed to scan watermark: %w", storage.ErrDatabase, err)
		}

		w, err := s.decodeWatermark(peerRaw, hlcRaw, updatedRaw)
		if err != nil {
			s.logger.Warn("Skipping undecodable watermark",
				"peer_device_id", peerRaw,
				"error", err)
			continue
		}
		result = append(result, w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating rows: %w", storage.ErrDatabase, err)
	}

	return result, nil
}

// GetMaxAcrossAllPeers returns the newest watermark by HLC ordering.
func (s *PeerWatermarkStore) GetMaxAcrossAllPeers(ctx context.Context) (hlc.HLC, bool, error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return hlc.HLC{}, false, err
	}

	var (
		best  hlc.HLC
		found bool
	)
	for _, h := range all {
		if !found || h.After(best) {
			best = h
			found = true
		}
	}
	return best, found, nil
}

// NeedsFullResync reports whether peer is unknown or its watermark is older
// than threshold relative to now.
func (s *PeerWatermarkStore) NeedsFullResync(ctx context.Context, peer uuid.UUID, threshold time.Duration, now time.Time) (bool, error) {
	h, ok, err := s.Get(ctx, peer)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}

	age := now.UnixMilli() - int64(h.Timestamp)
	return age > threshold.Milliseconds(), nil
}

// Delete removes the watermark for one peer. Returns true if a row was removed.
func (s *PeerWatermarkStore) Delete(ctx context.Context, peer uuid.UUID) (bool, error) {
	lock := s.peerLock(peer)
	lock.Lock()
	defer lock.Unlock()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM peer_received_watermarks WHERE device_uuid = ? AND peer_device_uuid = ?`,
		s.device.String(), peer.String())
	if err != nil {
		return false, fmt.Errorf("%w: failed to delete watermark: %w", storage.ErrDatabase, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: failed to get rows affected: %w", storage.ErrDatabase, err)
	}
	return n > 0, nil
}

// Clear removes every watermark held by this device.
func (s *PeerWatermarkStore) Clear(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM peer_received_watermarks WHERE device_uuid = ?`, s.device.String())
	if err != nil {
		return 0, fmt.Errorf("%w: failed to clear watermarks: %w", storage.ErrDatabase, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to get rows affected: %w", storage.ErrDatabase, err)
	}

	s.logger.Info("Cleared peer watermarks", "deleted", n)
	return n, nil
}

func (s *PeerWatermarkStore) peerLock(peer uuid.UUID) *sync.Mutex {
	lock, _ := s.locks.LoadOrStore(peer, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (s *PeerWatermarkStore) decodeWatermark(peerRaw, hlcRaw, updatedRaw string) (models.PeerWatermark, error) {
	peer, err := uuid.Parse(peerRaw)
	if err != nil {
		return models.PeerWatermark{}, fmt.Errorf("peer_device_uuid: %w", err)
	}
	h, err := hlc.Parse(hlcRaw)
	if err != nil {
		return models.PeerWatermark{}, fmt.Errorf("max_received_hlc: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, updatedRaw)
	if err != nil {
		return models.PeerWatermark{}, fmt.Errorf("updated_at: %w", err)
	}

	return models.PeerWatermark{
		DeviceUUID:     s.device,
		PeerDeviceUUID: peer,
		MaxReceivedHLC: h,
		UpdatedAt:      updatedAt,
	}, nil
}
