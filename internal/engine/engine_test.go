package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/iudanet/librarysync/internal/config"
	"github.com/iudanet/librarysync/internal/events"
	"github.com/iudanet/librarysync/internal/hlc"
	"github.com/iudanet/librarysync/internal/models"
	"github.com/iudanet/librarysync/internal/storage/boltdb"
	"github.com/iudanet/librarysync/internal/syncable"
	"github.com/iudanet/librarysync/internal/txn"
)

var (
	testDevice  = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	testPeer    = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	testLibrary = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
)

type note struct {
	Title string    `json:"title"`
	ID    uuid.UUID `json:"uuid"`
}

func (n note) SyncModel() string { return "note" }
func (n note) SyncID() uuid.UUID { return n.ID }
func (n note) Version() int64    { return 1 }

// noteModel общий ресурс без зависимостей
type noteModel struct{}

func (noteModel) ModelType() string                 { return "note" }
func (noteModel) DependsOn() []string               { return nil }
func (noteModel) ForeignKeys() []syncable.FKMapping { return nil }

func (noteModel) ApplySharedChange(ctx context.Context, entry models.SharedChangeEntry, db syncable.DB) error {
	var n note
	if err := json.Unmarshal(entry.Data, &n); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO notes (uuid, title) VALUES (?, ?)
		 ON CONFLICT(uuid) DO UPDATE SET title = excluded.title`,
		entry.RecordUUID.String(), n.Title)
	return err
}

func setupEntities(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "library.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`CREATE TABLE notes (uuid TEXT PRIMARY KEY, title TEXT NOT NULL)`)
	require.NoError(t, err)
	return db
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir:            t.TempDir(),
		LogLevel:           "info",
		LogFormat:          "text",
		LeaseFile:          config.DefaultLeaseFile,
		EventBusCapacity:   16,
		FetchLimit:         2,
		StalenessThreshold: time.Hour,
		DeviceID:           testDevice,
	}
}

func setupEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()

	e, err := New(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func openLibrary(t *testing.T, e *Engine, isCreator bool) *Library {
	t.Helper()

	registry := syncable.NewRegistry()
	registry.MustRegister(noteModel{})

	lib, err := e.OpenLibrary(context.Background(), testLibrary, isCreator, registry, setupEntities(t), nil)
	require.NoError(t, err)
	return lib
}

func TestNew_RequiresDevice(t *testing.T) {
	cfg := testConfig(t)
	cfg.DeviceID = uuid.Nil

	_, err := New(cfg, nil, nil)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestOpenLibrary_CreatorLogs(t *testing.T) {
	ctx := context.Background()
	e := setupEngine(t, testConfig(t))
	sub := e.Bus().Subscribe()
	defer sub.Close()

	lib := openLibrary(t, e, true)
	assert.True(t, e.Leadership().IsLeader(testLibrary))

	for i, title := range []string{"a", "b", "c"} {
		seq, err := lib.LogChange(ctx, note{ID: uuid.New(), Title: title}, models.ChangeInsert)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), seq)
	}

	ev, ok, err := sub.TryRecv()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, events.TypeSharedChange, ev.Type)
	assert.Equal(t, testLibrary, ev.LibraryID)

	// FetchLimit из конфигурации ограничивает догоняющую выборку
	entries, err := lib.CatchUp(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(1), entries[0].Sequence)

	m := lib.Metrics()
	assert.Equal(t, uint64(3), m.EntriesLogged)
	assert.Equal(t, uint64(3), m.LatestSequence)
}

func TestOpenLibrary_Idempotent(t *testing.T) {
	e := setupEngine(t, testConfig(t))

	first := openLibrary(t, e, true)
	second := openLibrary(t, e, true)
	assert.Same(t, first, second)
}

func TestOpenLibrary_InvalidRegistry(t *testing.T) {
	e := setupEngine(t, testConfig(t))

	registry := syncable.NewRegistry()
	registry.MustRegister(dependentModel{})

	_, err := e.OpenLibrary(context.Background(), testLibrary, true, registry, setupEntities(t), nil)
	assert.ErrorIs(t, err, syncable.ErrModelNotRegistered)

	_, err = e.Library(testLibrary)
	assert.ErrorIs(t, err, ErrLibraryNotOpen)
}

type dependentModel struct{ noteModel }

func (dependentModel) ModelType() string   { return "comment" }
func (dependentModel) DependsOn() []string { return []string{"note"} }

func TestFollower_Rejected(t *testing.T) {
	e := setupEngine(t, testConfig(t))
	lib := openLibrary(t, e, false)

	_, err := lib.LogChange(context.Background(), note{ID: uuid.New()}, models.ChangeInsert)
	assert.ErrorIs(t, err, txn.ErrNotLeader)

	n, err := lib.Log.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLeadershipAcquire_Reseeds(t *testing.T) {
	ctx := context.Background()
	e := setupEngine(t, testConfig(t))
	lib := openLibrary(t, e, true)

	for range 2 {
		_, err := lib.LogChange(ctx, note{ID: uuid.New()}, models.ChangeUpdate)
		require.NoError(t, err)
	}

	// Лидерство уходит к другому устройству, оно дописывает запись 3
	now := time.Now()
	require.NoError(t, e.Leadership().UpdateLeadership(ctx, testLibrary, models.NewLeadershipLease(testPeer, now)))
	_, err := lib.Log.Append(ctx, &models.SyncLogEntry{
		Sequence:   3,
		DeviceID:   testPeer,
		Timestamp:  now,
		ModelType:  "note",
		RecordID:   uuid.New(),
		ChangeType: models.ChangeInsert,
		Version:    1,
		Data:       json.RawMessage(`{"title":"remote"}`),
	})
	require.NoError(t, err)

	require.NoError(t, e.Leadership().UpdateLeadership(ctx, testLibrary, models.NewLeadershipLease(testDevice, now)))

	seq, err := lib.LogChange(ctx, note{ID: uuid.New()}, models.ChangeUpdate)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
}

func TestApplyShared_AdvancesWatermark(t *testing.T) {
	ctx := context.Background()
	e := setupEngine(t, testConfig(t))
	lib := openLibrary(t, e, false)

	resync, err := lib.NeedsFullResync(ctx, testPeer)
	require.NoError(t, err)
	assert.True(t, resync)

	remote := hlc.HLC{Timestamp: uint64(time.Now().UnixMilli()), Counter: 1, DeviceID: testPeer}
	res, err := lib.Applier.ApplyShared(ctx, testPeer, models.SharedChangeEntry{
		HLC:        remote,
		ModelType:  "note",
		RecordUUID: uuid.New(),
		ChangeType: models.ChangeInsert,
		Data:       json.RawMessage(`{"title":"from peer"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	wm, ok, err := lib.Watermarks.Get(ctx, testPeer)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, wm.Equal(remote))

	resync, err = lib.NeedsFullResync(ctx, testPeer)
	require.NoError(t, err)
	assert.False(t, resync)

	// Часы устройства не отстают от полученного HLC
	assert.True(t, e.Clock().Now().After(remote))
}

func TestStart_LoadsPersistedLeases(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	store, err := boltdb.New(ctx, cfg.LeasePath())
	require.NoError(t, err)
	defer store.Close()

	e, err := New(cfg, store, nil)
	require.NoError(t, err)
	openLibrary(t, e, true)
	require.NoError(t, e.Close())

	restarted, err := New(cfg, store, nil)
	require.NoError(t, err)
	defer restarted.Close()

	require.NoError(t, restarted.Start(ctx))
	assert.True(t, restarted.Leadership().IsLeader(testLibrary))
}

func TestBackfill_SkipsSharedModels(t *testing.T) {
	e := setupEngine(t, testConfig(t))
	lib := openLibrary(t, e, true)

	batches, err := lib.Backfill(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, batches)
}

type bookmark struct {
	Title string    `json:"title"`
	ID    uuid.UUID `json:"uuid"`
}

// bookmarkModel принадлежит устройству, хранит updated_at в миллисекундах
type bookmarkModel struct{}

func (bookmarkModel) ModelType() string                 { return "bookmark" }
func (bookmarkModel) DependsOn() []string               { return nil }
func (bookmarkModel) ForeignKeys() []syncable.FKMapping { return nil }

func (bookmarkModel) QueryForSync(ctx context.Context, q syncable.BackfillQuery, db syncable.DB) ([]syncable.BackfillRecord, error) {
	query := `SELECT uuid, title, updated_at FROM bookmarks WHERE device_uuid = ?`
	args := []any{q.DeviceID.String()}
	if q.Since != nil {
		query += ` AND updated_at > ?`
		args = append(args, q.Since.UnixMilli())
	}
	query += ` ORDER BY updated_at LIMIT ?`
	args = append(args, q.BatchSize)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []syncable.BackfillRecord
	for rows.Next() {
		var (
			id, title string
			updated   int64
		)
		if err := rows.Scan(&id, &title, &updated); err != nil {
			return nil, err
		}
		data, err := json.Marshal(bookmark{ID: uuid.MustParse(id), Title: title})
		if err != nil {
			return nil, err
		}
		records = append(records, syncable.BackfillRecord{
			UUID:      uuid.MustParse(id),
			Data:      data,
			UpdatedAt: time.UnixMilli(updated).UTC(),
		})
	}
	return records, rows.Err()
}

func (bookmarkModel) ApplyStateChange(ctx context.Context, change models.StateChange, db syncable.DB) error {
	var b bookmark
	if err := json.Unmarshal(change.Data, &b); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO bookmarks (uuid, title, device_uuid, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (uuid) DO UPDATE SET title = excluded.title, updated_at = excluded.updated_at
	`, change.RecordUUID.String(), b.Title, change.DeviceID.String(), change.Timestamp.UnixMilli())
	return err
}

func (bookmarkModel) ApplyDeletion(ctx context.Context, id uuid.UUID, db syncable.DB) error {
	_, err := db.ExecContext(ctx, `DELETE FROM bookmarks WHERE uuid = ?`, id.String())
	return err
}

func openBookmarkLibrary(t *testing.T, device uuid.UUID) (*Library, *sql.DB) {
	t.Helper()

	cfg := testConfig(t)
	cfg.DeviceID = device
	e := setupEngine(t, cfg)

	entities := setupEntities(t)
	_, err := entities.Exec(`CREATE TABLE bookmarks (
		uuid TEXT PRIMARY KEY, title TEXT NOT NULL, device_uuid TEXT NOT NULL, updated_at INTEGER NOT NULL
	)`)
	require.NoError(t, err)

	registry := syncable.NewRegistry()
	registry.MustRegister(noteModel{}, bookmarkModel{})

	lib, err := e.OpenLibrary(context.Background(), testLibrary, device == testDevice, registry, entities, nil)
	require.NoError(t, err)
	return lib, entities
}

func TestLibrary_ResumableBackfillToPeer(t *testing.T) {
	ctx := context.Background()
	sender, senderDB := openBookmarkLibrary(t, testDevice)
	receiver, receiverDB := openBookmarkLibrary(t, testPeer)

	for i, updated := range []int64{1000, 2000, 3000} {
		_, err := senderDB.Exec(`INSERT INTO bookmarks (uuid, title, device_uuid, updated_at) VALUES (?, ?, ?, ?)`,
			uuid.New().String(), []string{"a", "b", "c"}[i], testDevice.String(), updated)
		require.NoError(t, err)
	}

	// FetchLimit = 2: первая порция неполная по модели, вторая завершает
	batches, done, err := sender.BackfillPeer(ctx, testPeer)
	require.NoError(t, err)
	assert.False(t, done)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Records, 2)

	res, err := receiver.ApplyBackfill(ctx, testDevice, batches)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)

	batches, done, err = sender.BackfillPeer(ctx, testPeer)
	require.NoError(t, err)
	assert.True(t, done)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Records, 1)

	_, err = receiver.ApplyBackfill(ctx, testDevice, batches)
	require.NoError(t, err)

	var count int
	require.NoError(t, receiverDB.QueryRow(`SELECT COUNT(*) FROM bookmarks WHERE device_uuid = ?`, testDevice.String()).Scan(&count))
	assert.Equal(t, 3, count)

	since, err := receiver.ResourceWatermarks(ctx, testDevice)
	require.NoError(t, err)
	assert.Equal(t, map[string]time.Time{"bookmark": time.UnixMilli(3000).UTC()}, since)

	// Инкрементальный запрос по watermark получателя ничего не возвращает
	batches, err = sender.IncrementalBackfill(ctx, since)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Empty(t, batches[0].Records)
}
