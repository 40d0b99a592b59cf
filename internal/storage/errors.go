package storage

import "errors"

// Common storage errors
var (
	// ErrDatabase wraps failures reported by the storage engine
	ErrDatabase = errors.New("database error")

	// ErrSerialization indicates stored or provided JSON could not be encoded or decoded
	ErrSerialization = errors.New("serialization error")

	// ErrSequenceConflict indicates that a log entry with this sequence already exists
	ErrSequenceConflict = errors.New("sequence already present in sync log")

	// ErrLeaseNotFound indicates that no persisted leadership lease exists for a library
	ErrLeaseNotFound = errors.New("leadership lease not found")

	// ErrStorageClosed indicates that storage is closed
	ErrStorageClosed = errors.New("storage is closed")
)
