package replication

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/iudanet/librarysync/internal/hlc"
	"github.com/iudanet/librarysync/internal/models"
	"github.com/iudanet/librarysync/internal/syncable"
)

// setupEntityDB создает таблицы сущностей во временной БД
func setupEntityDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "library.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	schema := []string{
		`CREATE TABLE tags (
			uuid        TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			parent_uuid TEXT,
			hlc         TEXT NOT NULL
		)`,
		`CREATE TABLE locations (
			uuid        TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			parent_uuid TEXT,
			device_uuid TEXT NOT NULL,
			updated_at  INTEGER NOT NULL
		)`,
	}
	for _, stmt := range schema {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}

	return db
}

type tagRow struct {
	Parent *uuid.UUID `json:"parent_uuid"`
	Name   string     `json:"name"`
	UUID   uuid.UUID  `json:"uuid"`
}

// tagModel общий ресурс с иерархией через parent_uuid
type tagModel struct{}

func (tagModel) ModelType() string   { return "tag" }
func (tagModel) DependsOn() []string { return nil }
func (tagModel) ForeignKeys() []syncable.FKMapping {
	return []syncable.FKMapping{{LocalField: "parent_id", TargetTable: "tags", Nullable: true}}
}

func (tagModel) ApplySharedChange(ctx context.Context, entry models.SharedChangeEntry, db syncable.DB) error {
	if entry.ChangeType == models.ChangeDelete {
		_, err := db.ExecContext(ctx, `DELETE FROM tags WHERE uuid = ?`, entry.RecordUUID.String())
		return err
	}

	var row tagRow
	if err := json.Unmarshal(entry.Data, &row); err != nil {
		return fmt.Errorf("%w: %w", syncable.ErrSerialization, err)
	}

	if row.Parent != nil {
		var n int
		err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tags WHERE uuid = ?`, row.Parent.String()).Scan(&n)
		if err != nil {
			return err
		}
		if n == 0 {
			return &syncable.MissingDependencyError{ModelType: "tag", Field: "parent_uuid", UUID: *row.Parent}
		}
	}

	var stored string
	err := db.QueryRowContext(ctx, `SELECT hlc FROM tags WHERE uuid = ?`, entry.RecordUUID.String()).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	default:
		current, err := hlc.Parse(stored)
		if err != nil {
			return err
		}
		// Старое изменение отбрасываем
		if !entry.HLC.After(current) {
			return nil
		}
	}

	var parent any
	if row.Parent != nil {
		parent = row.Parent.String()
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO tags (uuid, name, parent_uuid, hlc) VALUES (?, ?, ?, ?)
		ON CONFLICT (uuid) DO UPDATE SET name = excluded.name, parent_uuid = excluded.parent_uuid, hlc = excluded.hlc
	`, entry.RecordUUID.String(), row.Name, parent, entry.HLC.String())
	return err
}

type locationRow struct {
	Parent *uuid.UUID `json:"parent_uuid"`
	Name   string     `json:"name"`
}

// locationModel принадлежит устройству и сообщает об отсутствующем
// родителе текстом ошибки, а не типом
type locationModel struct{}

func (locationModel) ModelType() string                 { return "location" }
func (locationModel) DependsOn() []string               { return []string{"tag"} }
func (locationModel) ForeignKeys() []syncable.FKMapping { return nil }

func (locationModel) QueryForSync(ctx context.Context, q syncable.BackfillQuery, db syncable.DB) ([]syncable.BackfillRecord, error) {
	query := `SELECT uuid, name, updated_at FROM locations WHERE 1 = 1`
	args := []any{}
	if q.DeviceID != nil {
		query += ` AND device_uuid = ?`
		args = append(args, q.DeviceID.String())
	}
	if q.Since != nil {
		query += ` AND updated_at > ?`
		args = append(args, q.Since.UnixMilli())
	}
	query += ` ORDER BY updated_at`
	if q.BatchSize > 0 {
		query += ` LIMIT ?`
		args = append(args, q.BatchSize)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []syncable.BackfillRecord
	for rows.Next() {
		var id, name string
		var updated int64
		if err := rows.Scan(&id, &name, &updated); err != nil {
			return nil, err
		}
		data, _ := json.Marshal(map[string]string{"name": name})
		records = append(records, syncable.BackfillRecord{
			UUID:      uuid.MustParse(id),
			Data:      data,
			UpdatedAt: time.UnixMilli(updated).UTC(),
		})
	}
	return records, rows.Err()
}

func (locationModel) ApplyStateChange(ctx context.Context, change models.StateChange, db syncable.DB) error {
	var row locationRow
	if err := json.Unmarshal(change.Data, &row); err != nil {
		return fmt.Errorf("%w: %w", syncable.ErrSerialization, err)
	}

	var parent any
	if row.Parent != nil {
		var n int
		err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM locations WHERE uuid = ?`, row.Parent.String()).Scan(&n)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("FOREIGN KEY constraint failed: locations.parent_uuid uuid=%s", row.Parent)
		}
		parent = row.Parent.String()
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO locations (uuid, name, parent_uuid, device_uuid, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (uuid) DO UPDATE SET name = excluded.name, parent_uuid = excluded.parent_uuid,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= locations.updated_at
	`, change.RecordUUID.String(), row.Name, parent, change.DeviceID.String(), change.Timestamp.UnixMilli())
	return err
}

func (locationModel) UntypedDependencyErrors() bool { return true }

func (locationModel) ApplyDeletion(ctx context.Context, id uuid.UUID, db syncable.DB) error {
	_, err := db.ExecContext(ctx, `DELETE FROM locations WHERE uuid = ?`, id.String())
	return err
}

// flakyTagModel пишет в ту же таблицу tags, но после проверки родителя
// возвращает *fail, пока тот не сброшен
type flakyTagModel struct {
	tagModel
	fail *error
}

func (flakyTagModel) ModelType() string { return "flaky_tag" }

func (m flakyTagModel) ApplySharedChange(ctx context.Context, entry models.SharedChangeEntry, db syncable.DB) error {
	if *m.fail == nil {
		return m.tagModel.ApplySharedChange(ctx, entry, db)
	}

	var row tagRow
	if err := json.Unmarshal(entry.Data, &row); err != nil {
		return fmt.Errorf("%w: %w", syncable.ErrSerialization, err)
	}
	if row.Parent != nil {
		var n int
		err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tags WHERE uuid = ?`, row.Parent.String()).Scan(&n)
		if err != nil {
			return err
		}
		if n == 0 {
			return &syncable.MissingDependencyError{ModelType: "tag", Field: "parent_uuid", UUID: *row.Parent}
		}
	}
	return *m.fail
}

// noisyModel падает с ошибкой, в тексте которой есть uuid записи
type noisyModel struct{}

func (noisyModel) ModelType() string                 { return "noisy" }
func (noisyModel) DependsOn() []string               { return nil }
func (noisyModel) ForeignKeys() []syncable.FKMapping { return nil }

func (noisyModel) ApplySharedChange(ctx context.Context, entry models.SharedChangeEntry, db syncable.DB) error {
	return fmt.Errorf("UNIQUE constraint failed: noisy.uuid uuid=%s", entry.RecordUUID)
}

func exists(t *testing.T, db *sql.DB, table string, id uuid.UUID) bool {
	t.Helper()

	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM `+table+` WHERE uuid = ?`, id.String()).Scan(&n)
	require.NoError(t, err)
	return n > 0
}

func tagName(t *testing.T, db *sql.DB, id uuid.UUID) string {
	t.Helper()

	var name string
	require.NoError(t, db.QueryRow(`SELECT name FROM tags WHERE uuid = ?`, id.String()).Scan(&name))
	return name
}
