package boltdb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/iudanet/librarysync/internal/models"
	"github.com/iudanet/librarysync/internal/storage"
)

// SaveLease stores the lease of one library
func (s *Storage) SaveLease(ctx context.Context, libraryID uuid.UUID, lease models.LeadershipLease) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLeases)
		if bucket == nil {
			return fmt.Errorf("leases bucket not found")
		}

		// Сериализуем данные в JSON
		data, err := json.Marshal(lease)
		if err != nil {
			return fmt.Errorf("failed to marshal lease: %w", err)
		}

		if err := bucket.Put([]byte(libraryID.String()), data); err != nil {
			return fmt.Errorf("failed to save lease: %w", err)
		}

		return nil
	})
}

// GetLease returns the stored lease of one library
func (s *Storage) GetLease(ctx context.Context, libraryID uuid.UUID) (models.LeadershipLease, error) {
	var lease models.LeadershipLease

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLeases)
		if bucket == nil {
			return fmt.Errorf("leases bucket not found")
		}

		data := bucket.Get([]byte(libraryID.String()))
		if data == nil {
			return storage.ErrLeaseNotFound
		}

		// Десериализуем
		if err := json.Unmarshal(data, &lease); err != nil {
			return fmt.Errorf("failed to unmarshal lease: %w", err)
		}

		return nil
	})

	if err != nil {
		return models.LeadershipLease{}, err
	}

	return lease, nil
}

// LoadLeases returns every stored lease keyed by library
func (s *Storage) LoadLeases(ctx context.Context) (map[uuid.UUID]models.LeadershipLease, error) {
	leases := make(map[uuid.UUID]models.LeadershipLease)

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLeases)
		if bucket == nil {
			return fmt.Errorf("leases bucket not found")
		}

		return bucket.ForEach(func(k, v []byte) error {
			libraryID, err := uuid.ParseBytes(k)
			if err != nil {
				return fmt.Errorf("invalid lease key %q: %w", k, err)
			}

			var lease models.LeadershipLease
			if err := json.Unmarshal(v, &lease); err != nil {
				return fmt.Errorf("failed to unmarshal lease for %s: %w", libraryID, err)
			}

			leases[libraryID] = lease
			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	return leases, nil
}

// DeleteLease removes the lease of one library
func (s *Storage) DeleteLease(ctx context.Context, libraryID uuid.UUID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLeases)
		if bucket == nil {
			return fmt.Errorf("leases bucket not found")
		}

		key := []byte(libraryID.String())
		if bucket.Get(key) == nil {
			return storage.ErrLeaseNotFound
		}

		if err := bucket.Delete(key); err != nil {
			return fmt.Errorf("failed to delete lease: %w", err)
		}

		return nil
	})
}
