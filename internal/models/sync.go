package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/librarysync/internal/hlc"
)

// ChangeType describes what happened to a record.
type ChangeType string

// ChangeType константы для типов изменений
const (
	ChangeInsert     ChangeType = "insert"
	ChangeUpdate     ChangeType = "update"
	ChangeDelete     ChangeType = "delete"
	ChangeBulkInsert ChangeType = "bulk_insert"
)

// ParseChangeType converts the stored textual form back to a ChangeType.
func ParseChangeType(s string) (ChangeType, error) {
	ct := ChangeType(s)
	if !ct.Valid() {
		return "", fmt.Errorf("invalid change type: %q", s)
	}
	return ct, nil
}

// Valid reports whether ct is one of the known change types.
func (ct ChangeType) Valid() bool {
	switch ct {
	case ChangeInsert, ChangeUpdate, ChangeDelete, ChangeBulkInsert:
		return true
	default:
		return false
	}
}

// SyncLogEntry is one committed change in a library's replication log.
// Entries are immutable once appended.
type SyncLogEntry struct {
	Timestamp  time.Time       `json:"timestamp"`   // Timestamp время фиксации изменения
	ModelType  string          `json:"model_type"`  // ModelType стабильное имя модели (SYNC_MODEL)
	ChangeType ChangeType      `json:"change_type"` // ChangeType тип изменения
	Data       json.RawMessage `json:"data"`        // Data сериализованная модель или метаданные bulk операции
	Sequence   uint64          `json:"sequence"`    // Sequence номер в логе библиотеки, без пропусков
	Version    int64           `json:"version"`     // Version версия записи для оптимистичных проверок
	DeviceID   uuid.UUID       `json:"device_id"`   // DeviceID устройство-лидер, выдавшее sequence
	RecordID   uuid.UUID       `json:"record_id"`   // RecordID sync id записи
}

// SharedChangeEntry is an HLC-ordered change to a shared resource.
type SharedChangeEntry struct {
	HLC        hlc.HLC         `json:"hlc"`
	ModelType  string          `json:"model_type"`
	RecordUUID uuid.UUID       `json:"record_uuid"`
	ChangeType ChangeType      `json:"change_type"`
	Data       json.RawMessage `json:"data"`
}

// StateChange is a last-write-wins update of device-owned data.
type StateChange struct {
	Timestamp  time.Time       `json:"timestamp"`
	ModelType  string          `json:"model_type"`
	Data       json.RawMessage `json:"data"`
	RecordUUID uuid.UUID       `json:"record_uuid"`
	DeviceID   uuid.UUID       `json:"device_id"`
}

// PeerWatermark is the newest HLC already received from one peer.
type PeerWatermark struct {
	UpdatedAt      time.Time `json:"updated_at"`
	MaxReceivedHLC hlc.HLC   `json:"max_received_hlc"`
	DeviceUUID     uuid.UUID `json:"device_uuid"`
	PeerDeviceUUID uuid.UUID `json:"peer_device_uuid"`
}
