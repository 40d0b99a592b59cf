package txn

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotLeader indicates that this device may not assign sequence numbers
// for the library right now. Callers wait for a leadership change and retry.
var ErrNotLeader = errors.New("not leader")

// NotLeaderError is returned when a write is attempted by a follower.
type NotLeaderError struct {
	LibraryID uuid.UUID
	DeviceID  uuid.UUID
}

func (e *NotLeaderError) Error() string {
	return fmt.Sprintf("this device cannot currently commit local changes for library %s", e.LibraryID)
}

// Unwrap allows errors.Is(err, ErrNotLeader).
func (e *NotLeaderError) Unwrap() error {
	return ErrNotLeader
}
