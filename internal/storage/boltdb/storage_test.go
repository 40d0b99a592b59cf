package boltdb

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/iudanet/librarysync/internal/models"
	"github.com/iudanet/librarysync/internal/storage"
)

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()

	store, err := New(context.Background(), filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestNew_Success(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "testdb.db")

	store, err := New(context.Background(), dbPath)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, store.Close())
	}()

	// Проверяем что файл БД действительно создан
	info, err := os.Stat(dbPath)
	require.NoError(t, err)
	assert.False(t, info.IsDir())

	err = store.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketLeases) == nil {
			return os.ErrNotExist
		}
		return nil
	})
	require.NoError(t, err)
}

func TestNew_InvalidPath(t *testing.T) {
	store, err := New(context.Background(), filepath.Join(t.TempDir(), "missing", "dir", "db"))
	assert.Error(t, err)
	assert.Nil(t, store)
}

func TestLease_SaveGetDelete(t *testing.T) {
	ctx := context.Background()
	store := setupTestStorage(t)

	library := uuid.New()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	lease := models.NewLeadershipLease(uuid.New(), now)

	_, err := store.GetLease(ctx, library)
	require.ErrorIs(t, err, storage.ErrLeaseNotFound)

	require.NoError(t, store.SaveLease(ctx, library, lease))

	got, err := store.GetLease(ctx, library)
	require.NoError(t, err)
	assert.Equal(t, lease, got)

	// Перезапись продлённой арендой
	extended := lease.Extend(now.Add(time.Minute))
	require.NoError(t, store.SaveLease(ctx, library, extended))

	got, err = store.GetLease(ctx, library)
	require.NoError(t, err)
	assert.Equal(t, extended, got)

	require.NoError(t, store.DeleteLease(ctx, library))
	require.ErrorIs(t, store.DeleteLease(ctx, library), storage.ErrLeaseNotFound)
}

func TestLease_LoadLeases(t *testing.T) {
	ctx := context.Background()
	store := setupTestStorage(t)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	want := map[uuid.UUID]models.LeadershipLease{
		uuid.New(): models.NewLeadershipLease(uuid.New(), now),
		uuid.New(): models.NewLeadershipLease(uuid.New(), now.Add(time.Hour)),
	}
	for library, lease := range want {
		require.NoError(t, store.SaveLease(ctx, library, lease))
	}

	got, err := store.LoadLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLease_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "device.db")
	library := uuid.New()
	lease := models.NewLeadershipLease(uuid.New(), time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	store, err := New(ctx, dbPath)
	require.NoError(t, err)
	require.NoError(t, store.SaveLease(ctx, library, lease))
	require.NoError(t, store.Close())

	store, err = New(ctx, dbPath)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetLease(ctx, library)
	require.NoError(t, err)
	assert.Equal(t, lease, got)
}

func TestOpenReadOnly(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "device.db")
	library := uuid.New()
	lease := models.NewLeadershipLease(uuid.New(), time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	store, err := New(ctx, dbPath)
	require.NoError(t, err)
	require.NoError(t, store.SaveLease(ctx, library, lease))
	require.NoError(t, store.Close())

	ro, err := OpenReadOnly(ctx, dbPath)
	require.NoError(t, err)
	defer ro.Close()

	assert.Equal(t, dbPath, ro.Path())
	got, err := ro.GetLease(ctx, library)
	require.NoError(t, err)
	assert.Equal(t, lease, got)

	// Запись в файл, открытый только на чтение, невозможна
	assert.Error(t, ro.SaveLease(ctx, uuid.New(), lease))
}

func TestOpen_Locked(t *testing.T) {
	prev := OpenTimeout
	OpenTimeout = 50 * time.Millisecond
	t.Cleanup(func() { OpenTimeout = prev })

	dbPath := filepath.Join(t.TempDir(), "device.db")
	store, err := New(context.Background(), dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = OpenReadOnly(context.Background(), dbPath)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestOpen_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(ctx, filepath.Join(t.TempDir(), "device.db"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClose_Twice(t *testing.T) {
	store, err := New(context.Background(), filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)

	require.NoError(t, store.Close())
	assert.NoError(t, store.Close())
}
