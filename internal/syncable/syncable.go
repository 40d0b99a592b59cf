// Package syncable defines the contract every replicable entity implements
// and the registry that binds model types to their apply logic.
package syncable

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/librarysync/internal/models"
)

// ErrSerialization indicates a model could not be turned into sync JSON.
var ErrSerialization = errors.New("sync serialization failed")

// Syncable is implemented by every in-memory model value that can be logged
// for replication.
type Syncable interface {
	// SyncModel returns the stable model name. It is never reused across types.
	SyncModel() string

	// SyncID returns the cross-device identity of the record, distinct from
	// any local auto-increment key.
	SyncID() uuid.UUID

	// Version returns the per-record counter used for optimistic conflict checks.
	Version() int64
}

// FieldExcluder is implemented by models with local-only or derived columns
// that must be stripped before sync serialization.
type FieldExcluder interface {
	ExcludeFields() []string
}

// SyncMarshaler lets a model fully control its sync representation.
type SyncMarshaler interface {
	ToSyncJSON() (json.RawMessage, error)
}

// DB is the subset of *sql.DB and *sql.Tx the apply callbacks need.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ToSyncJSON serializes s for the sync log. SyncMarshaler wins if implemented;
// otherwise the full JSON object is produced minus the excluded fields.
func ToSyncJSON(s Syncable) (json.RawMessage, error) {
	if m, ok := s.(SyncMarshaler); ok {
		data, err := m.ToSyncJSON()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrSerialization, s.SyncModel(), err)
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("%w: %s: custom sync JSON is not valid JSON", ErrSerialization, s.SyncModel())
		}
		return data, nil
	}

	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSerialization, s.SyncModel(), err)
	}

	ex, ok := s.(FieldExcluder)
	if !ok || len(ex.ExcludeFields()) == 0 {
		return data, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		// Исключать поля можно только у JSON объекта
		return nil, fmt.Errorf("%w: %s: excluded fields require a JSON object: %w", ErrSerialization, s.SyncModel(), err)
	}
	for _, field := range ex.ExcludeFields() {
		delete(obj, field)
	}

	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSerialization, s.SyncModel(), err)
	}
	return out, nil
}

// FKMapping declares a JSON field that holds a foreign key which must be
// translated between local ids and UUIDs.
type FKMapping struct {
	LocalField  string // поле в модели, например "parent_id"
	TargetTable string // таблица, на которую ссылается ключ
	Nullable    bool   // ключ может быть null (корневые записи, циклы)
}

// UUIDField returns the name of the UUID field used in sync JSON,
// e.g. "device_id" becomes "device_uuid".
func (m FKMapping) UUIDField() string {
	name := m.LocalField
	if len(name) > 3 && name[len(name)-3:] == "_id" {
		name = name[:len(name)-3]
	}
	return name + "_uuid"
}

// BackfillQuery selects records of one model for backfill.
type BackfillQuery struct {
	DeviceID  *uuid.UUID // только записи этого устройства
	Since     *time.Time // только записи, измененные после
	BatchSize int
}

// BackfillRecord is one record returned by QueryForSync.
type BackfillRecord struct {
	UpdatedAt time.Time
	Data      json.RawMessage
	UUID      uuid.UUID
}

// Model is the registry-facing description of one model type.
type Model interface {
	// ModelType returns the SyncModel name this handler serves.
	ModelType() string

	// DependsOn lists model types that must be synced first.
	DependsOn() []string

	// ForeignKeys declares JSON fields holding foreign UUIDs.
	ForeignKeys() []FKMapping
}

// DeviceOwned is implemented by models whose rows are written by a single
// device and replicated with last-write-wins semantics.
type DeviceOwned interface {
	Model

	// QueryForSync is the backfill source for this model.
	QueryForSync(ctx context.Context, q BackfillQuery, db DB) ([]BackfillRecord, error)

	// ApplyStateChange upserts a record received from its owning device.
	ApplyStateChange(ctx context.Context, change models.StateChange, db DB) error

	// ApplyDeletion removes a record by UUID. It must be idempotent.
	ApplyDeletion(ctx context.Context, id uuid.UUID, db DB) error
}

// Shared is implemented by models any device may modify. ApplySharedChange
// must compare the entry's HLC or version against the stored record and
// discard the change if it is not newer.
type Shared interface {
	Model

	ApplySharedChange(ctx context.Context, entry models.SharedChangeEntry, db DB) error
}

// UntypedDependencyReporter is implemented by models whose apply callbacks
// can only report a missing parent through the error text, as
// "uuid=<UUID>". Errors of other models are never scanned.
type UntypedDependencyReporter interface {
	UntypedDependencyErrors() bool
}

// ReportsUntypedDependencies reports whether the error text of m may be
// scanned for a missing dependency.
func ReportsUntypedDependencies(m Model) bool {
	r, ok := m.(UntypedDependencyReporter)
	return ok && r.UntypedDependencyErrors()
}
