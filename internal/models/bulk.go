package models

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/iudanet/librarysync/internal/validation"
)

// BulkOperation names the kind of large operation summarised by one log entry.
type BulkOperation string

// Known bulk operations.
const (
	BulkInitialIndex BulkOperation = "initial_index"
	BulkReindex      BulkOperation = "reindex"
	BulkImport       BulkOperation = "import"
	BulkDelete       BulkOperation = "delete"
)

// BulkThreshold is the number of records from which an operation should be
// logged as a single bulk entry instead of one entry per record.
const BulkThreshold = 1000

// BulkOperationMetadata describes what a bulk operation did. Followers
// re-derive the resulting state (for example by indexing the same location)
// instead of replaying records.
type BulkOperationMetadata struct {
	Hints         map[string]string `json:"hints,omitempty"`
	LocationID    *uuid.UUID        `json:"location_id,omitempty"`
	Operation     BulkOperation     `json:"operation"`
	ModelType     string            `json:"model_type"`
	AffectedCount int64             `json:"affected_count"`
	OperationID   uuid.UUID         `json:"operation_id"`
}

// Validate checks the metadata before it is logged.
func (m *BulkOperationMetadata) Validate() error {
	if m.Operation == "" {
		return fmt.Errorf("bulk operation kind is required")
	}
	if err := validation.ValidateModelType(m.ModelType); err != nil {
		return fmt.Errorf("bulk operation: %w", err)
	}
	if m.AffectedCount < 0 {
		return fmt.Errorf("bulk operation affected count must not be negative: %d", m.AffectedCount)
	}
	return nil
}

// DecodeBulkMetadata reads metadata back from a bulk_insert log entry.
func DecodeBulkMetadata(entry *SyncLogEntry) (*BulkOperationMetadata, error) {
	if entry.ChangeType != ChangeBulkInsert {
		return nil, fmt.Errorf("entry %d is %s, not %s", entry.Sequence, entry.ChangeType, ChangeBulkInsert)
	}

	var meta BulkOperationMetadata
	if err := json.Unmarshal(entry.Data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode bulk metadata: %w", err)
	}
	return &meta, nil
}
