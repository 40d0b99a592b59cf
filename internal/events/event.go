// Package events carries replication events on a dedicated bus, isolated from
// general application notifications.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/librarysync/internal/models"
)

// EventType is the "type" tag of a SyncEvent on the wire.
type EventType string

// EventType константы
const (
	TypeStateChange    EventType = "state_change"
	TypeSharedChange   EventType = "shared_change"
	TypeMetricsUpdated EventType = "metrics_updated"
)

// ErrInvalidEvent indicates an event whose payload does not match its type
var ErrInvalidEvent = errors.New("invalid sync event")

// Metrics is a snapshot of the transaction manager counters for one library.
type Metrics struct {
	LatestSequence      uint64 `json:"latest_sequence"`
	EntriesLogged       uint64 `json:"entries_logged"`
	BulkOperations      uint64 `json:"bulk_operations"`
	StateBroadcasts     uint64 `json:"state_broadcasts"`
	NotLeaderRejections uint64 `json:"not_leader_rejections"`
}

// SyncEvent is a transient replication event. Exactly one payload field,
// matching Type, is set.
type SyncEvent struct {
	State     *models.StateChange
	Shared    *models.SharedChangeEntry
	Metrics   *Metrics
	Type      EventType
	LibraryID uuid.UUID
}

// NewStateChange wraps a device-owned change.
func NewStateChange(libraryID uuid.UUID, change models.StateChange) SyncEvent {
	return SyncEvent{Type: TypeStateChange, LibraryID: libraryID, State: &change}
}

// NewSharedChange wraps an HLC-ordered shared change.
func NewSharedChange(libraryID uuid.UUID, entry models.SharedChangeEntry) SyncEvent {
	return SyncEvent{Type: TypeSharedChange, LibraryID: libraryID, Shared: &entry}
}

// NewMetricsUpdated wraps a metrics snapshot.
func NewMetricsUpdated(libraryID uuid.UUID, metrics Metrics) SyncEvent {
	return SyncEvent{Type: TypeMetricsUpdated, LibraryID: libraryID, Metrics: &metrics}
}

// IsCritical reports whether subscribers must never miss the event.
// A lagged receiver that lost a critical event has to resync from the log.
func (e SyncEvent) IsCritical() bool {
	return e.Type == TypeStateChange || e.Type == TypeSharedChange
}

// Validate checks that the payload matches the type.
func (e SyncEvent) Validate() error {
	switch e.Type {
	case TypeStateChange:
		if e.State == nil {
			return fmt.Errorf("%w: state_change without payload", ErrInvalidEvent)
		}
	case TypeSharedChange:
		if e.Shared == nil {
			return fmt.Errorf("%w: shared_change without entry", ErrInvalidEvent)
		}
	case TypeMetricsUpdated:
		if e.Metrics == nil {
			return fmt.Errorf("%w: metrics_updated without metrics", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	return nil
}

// wire forms, tag field first

type stateChangeWire struct {
	Type       EventType       `json:"type"`
	LibraryID  uuid.UUID       `json:"library_id"`
	ModelType  string          `json:"model_type"`
	RecordUUID uuid.UUID       `json:"record_uuid"`
	DeviceID   uuid.UUID       `json:"device_id"`
	Data       json.RawMessage `json:"data"`
	Timestamp  time.Time       `json:"timestamp"`
}

type sharedChangeWire struct {
	Type      EventType                `json:"type"`
	LibraryID uuid.UUID                `json:"library_id"`
	Entry     models.SharedChangeEntry `json:"entry"`
}

type metricsWire struct {
	Type      EventType `json:"type"`
	LibraryID uuid.UUID `json:"library_id"`
	Metrics   Metrics   `json:"metrics"`
}

// MarshalJSON encodes the tagged wire form.
func (e SyncEvent) MarshalJSON() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	switch e.Type {
	case TypeStateChange:
		return json.Marshal(stateChangeWire{
			Type:       e.Type,
			LibraryID:  e.LibraryID,
			ModelType:  e.State.ModelType,
			RecordUUID: e.State.RecordUUID,
			DeviceID:   e.State.DeviceID,
			Data:       nullIfEmpty(e.State.Data),
			Timestamp:  e.State.Timestamp,
		})
	case TypeSharedChange:
		entry := *e.Shared
		entry.Data = nullIfEmpty(entry.Data)
		return json.Marshal(sharedChangeWire{Type: e.Type, LibraryID: e.LibraryID, Entry: entry})
	default:
		return json.Marshal(metricsWire{Type: e.Type, LibraryID: e.LibraryID, Metrics: *e.Metrics})
	}
}

// UnmarshalJSON decodes the tagged wire form.
func (e *SyncEvent) UnmarshalJSON(data []byte) error {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	switch head.Type {
	case TypeStateChange:
		var w stateChangeWire
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
		*e = NewStateChange(w.LibraryID, models.StateChange{
			ModelType:  w.ModelType,
			RecordUUID: w.RecordUUID,
			DeviceID:   w.DeviceID,
			Data:       w.Data,
			Timestamp:  w.Timestamp,
		})
	case TypeSharedChange:
		var w sharedChangeWire
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
		*e = NewSharedChange(w.LibraryID, w.Entry)
	case TypeMetricsUpdated:
		var w metricsWire
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
		*e = NewMetricsUpdated(w.LibraryID, w.Metrics)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, head.Type)
	}

	return nil
}

func nullIfEmpty(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return json.RawMessage("null")
	}
	return data
}
