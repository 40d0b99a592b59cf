package models

import (
	"time"

	"github.com/google/uuid"
)

// Lease timings
const (
	HeartbeatInterval = 30 * time.Second // лидер шлёт heartbeat
	LeaseTimeout      = 60 * time.Second // без heartbeat дольше этого лидер считается пропавшим
	LeaseExtension    = 90 * time.Second // продление аренды при heartbeat
)

// LeadershipLease records which device assigns sequence numbers for a library.
type LeadershipLease struct {
	LeaseExpiresAt  time.Time `json:"lease_expires_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	LeaderDeviceID  uuid.UUID `json:"leader_device_id"`
}

// NewLeadershipLease creates a fresh lease held by leader.
func NewLeadershipLease(leader uuid.UUID, now time.Time) LeadershipLease {
	return LeadershipLease{
		LeaderDeviceID:  leader,
		LeaseExpiresAt:  now.Add(LeaseExtension),
		LastHeartbeatAt: now,
		UpdatedAt:       now,
	}
}

// IsValid reports whether the lease has not expired at now.
func (l LeadershipLease) IsValid(now time.Time) bool {
	return now.Before(l.LeaseExpiresAt)
}

// HasTimedOut reports whether the leader missed heartbeats for longer than LeaseTimeout.
func (l LeadershipLease) HasTimedOut(now time.Time) bool {
	return now.Sub(l.LastHeartbeatAt) > LeaseTimeout
}

// Extend returns the lease renewed at now.
func (l LeadershipLease) Extend(now time.Time) LeadershipLease {
	l.LeaseExpiresAt = now.Add(LeaseExtension)
	l.LastHeartbeatAt = now
	l.UpdatedAt = now
	return l
}
