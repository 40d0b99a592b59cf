package models

import (
	"time"

	"github.com/google/uuid"
)

// BackfillCheckpoint is the saved progress of a backfill sent to one peer for
// one model type.
type BackfillCheckpoint struct {
	StartedAt      time.Time  `json:"started_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastWatermark  *time.Time `json:"last_watermark,omitempty"` // LastWatermark updated_at последней отданной записи
	ResumeToken    string     `json:"resume_token,omitempty"`   // ResumeToken uuid последней отданной записи
	ResourceType   string     `json:"resource_type"`
	RecordsSynced  int64      `json:"records_synced"`
	DeviceUUID     uuid.UUID  `json:"device_uuid"`
	PeerDeviceUUID uuid.UUID  `json:"peer_device_uuid"`
	Completed      bool       `json:"completed"` // Completed модель отдана целиком
}
