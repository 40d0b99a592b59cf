package models

import (
	"github.com/iudanet/librarysync/internal/hlc"
)

// BufferedUpdate is an inbound update that could not be applied yet.
// Exactly one of State and Shared is set.
type BufferedUpdate struct {
	State  *StateChange
	Shared *SharedChangeEntry
}

// BufferState wraps a device-owned change.
func BufferState(change StateChange) BufferedUpdate {
	return BufferedUpdate{State: &change}
}

// BufferShared wraps a shared-resource change.
func BufferShared(entry SharedChangeEntry) BufferedUpdate {
	return BufferedUpdate{Shared: &entry}
}

// IsShared reports whether the update is an HLC-ordered shared change.
func (u BufferedUpdate) IsShared() bool {
	return u.Shared != nil
}

// ModelType returns the model type of the wrapped change.
func (u BufferedUpdate) ModelType() string {
	if u.Shared != nil {
		return u.Shared.ModelType
	}
	if u.State != nil {
		return u.State.ModelType
	}
	return ""
}

// Timestamp returns the change time in milliseconds.
func (u BufferedUpdate) Timestamp() uint64 {
	if u.Shared != nil {
		return u.Shared.HLC.Timestamp
	}
	if u.State != nil {
		return uint64(u.State.Timestamp.UnixMilli())
	}
	return 0
}

// HLC returns the clock value of a shared change.
func (u BufferedUpdate) HLC() (hlc.HLC, bool) {
	if u.Shared == nil {
		return hlc.HLC{}, false
	}
	return u.Shared.HLC, true
}

// Less orders updates for replay: two shared changes by full HLC order,
// anything else by millisecond timestamp.
func (u BufferedUpdate) Less(other BufferedUpdate) bool {
	if u.Shared != nil && other.Shared != nil {
		return u.Shared.HLC.Less(other.Shared.HLC)
	}
	return u.Timestamp() < other.Timestamp()
}
