// Package boltdb persists device-local state that does not belong in a
// library's sync.db, such as leadership leases.
package boltdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// ErrLocked indicates that another process holds the device file open for writing
var ErrLocked = errors.New("device file is locked by another process")

// OpenTimeout bounds the wait for the file lock
var OpenTimeout = 2 * time.Second

var (
	// BoltDB bucket names
	bucketLeases = []byte("leases")
)

// Storage holds device-local state in one bbolt file.
type Storage struct {
	db   *bbolt.DB
	path string
}

// New opens (creating if needed) the device file at dbPath for reading and writing.
func New(ctx context.Context, dbPath string) (*Storage, error) {
	s, err := open(ctx, dbPath, false)
	if err != nil {
		return nil, err
	}

	if err := s.initBuckets(); err != nil {
		_ = s.db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return s, nil
}

// OpenReadOnly opens an existing device file without taking the write lock,
// so inspection tools can run next to a writer that is idle.
func OpenReadOnly(ctx context.Context, dbPath string) (*Storage, error) {
	return open(ctx, dbPath, true)
}

func open(ctx context.Context, dbPath string, readOnly bool) (*Storage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{
		Timeout:  OpenTimeout,
		ReadOnly: readOnly,
	})
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, dbPath)
		}
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	return &Storage{db: db, path: dbPath}, nil
}

// Path returns the file path.
func (s *Storage) Path() string {
	return s.path
}

// Close closes the database connection
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// initBuckets создает необходимые buckets если они не существуют
func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketLeases); err != nil {
			return fmt.Errorf("failed to create leases bucket: %w", err)
		}
		return nil
	})
}
