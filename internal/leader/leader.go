// Package leader decides which device assigns sequence numbers for a library.
// Each library has at most one leader at a time, held through a lease that
// the leader renews with heartbeats; followers take over once it times out.
package leader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/librarysync/internal/models"
)

// Role of this device in a library
type Role int

const (
	// Follower receives sync from the leader
	Follower Role = iota
	// Leader assigns sequence numbers
	Leader
)

// String returns the string representation of the role
func (r Role) String() string {
	switch r {
	case Leader:
		return "leader"
	case Follower:
		return "follower"
	default:
		return "unknown"
	}
}

var (
	// ErrLeaseHeld indicates that another device holds a valid lease
	ErrLeaseHeld = errors.New("leadership lease held by another device")

	// ErrNoLeadershipState indicates that nothing is known about the library's leader
	ErrNoLeadershipState = errors.New("no leadership state for library")
)

// LeaseHeldError is returned when another device is the leader.
type LeaseHeldError struct {
	ExpiresAt     time.Time
	CurrentLeader uuid.UUID
}

func (e *LeaseHeldError) Error() string {
	return fmt.Sprintf("not the leader: device %s holds the lease until %s",
		e.CurrentLeader, e.ExpiresAt.UTC().Format(time.RFC3339))
}

// Unwrap allows errors.Is(err, ErrLeaseHeld).
func (e *LeaseHeldError) Unwrap() error {
	return ErrLeaseHeld
}

// LeaseStore persists leases so a restarted device remembers who leads.
type LeaseStore interface {
	SaveLease(ctx context.Context, libraryID uuid.UUID, lease models.LeadershipLease) error
	LoadLeases(ctx context.Context) (map[uuid.UUID]models.LeadershipLease, error)
}

// AcquireHook runs after this device becomes leader of a library.
type AcquireHook func(ctx context.Context, libraryID uuid.UUID) error

// Manager tracks leadership of every open library for one device.
type Manager struct {
	store    LeaseStore
	logger   *slog.Logger
	now      func() time.Time
	leases   map[uuid.UUID]models.LeadershipLease
	hooks    []AcquireHook
	mu       sync.RWMutex
	deviceID uuid.UUID
}

// NewManager creates a manager for deviceID. store may be nil, in which case
// leases live in memory only.
func NewManager(deviceID uuid.UUID, store LeaseStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		deviceID: deviceID,
		store:    store,
		logger:   logger.With("device_id", deviceID.String()),
		now:      time.Now,
		leases:   make(map[uuid.UUID]models.LeadershipLease),
	}
}

// DeviceID returns this device's id.
func (m *Manager) DeviceID() uuid.UUID {
	return m.deviceID
}

// OnAcquire registers a hook run whenever this device gains leadership.
func (m *Manager) OnAcquire(hook AcquireHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// Load restores persisted leases.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	leases, err := m.store.LoadLeases(ctx)
	if err != nil {
		return fmt.Errorf("failed to load leases: %w", err)
	}

	m.mu.Lock()
	for libraryID, lease := range leases {
		m.leases[libraryID] = lease
	}
	m.mu.Unlock()

	m.logger.Debug("Loaded leadership leases", "count", len(leases))
	return nil
}

// InitializeLibrary is called when a library is opened. The creator becomes
// the initial leader; anyone else starts as follower and learns the leader
// from the network.
func (m *Manager) InitializeLibrary(ctx context.Context, libraryID uuid.UUID, isCreator bool) (Role, error) {
	if !isCreator {
		m.logger.Debug("Initializing as library follower", "library_id", libraryID.String())
		return Follower, nil
	}

	m.logger.Info("Initializing as library leader (creator)", "library_id", libraryID.String())

	lease := models.NewLeadershipLease(m.deviceID, m.now())
	if err := m.setLease(ctx, libraryID, lease); err != nil {
		return Follower, err
	}

	m.runHooks(ctx, libraryID)
	return Leader, nil
}

// UpdateLeadership applies a lease announced by the network (heartbeat or
// election result).
func (m *Manager) UpdateLeadership(ctx context.Context, libraryID uuid.UUID, lease models.LeadershipLease) error {
	wasLeader := m.IsLeader(libraryID)

	m.logger.Debug("Updating leadership state",
		"library_id", libraryID.String(),
		"leader", lease.LeaderDeviceID.String(),
		"expires_at", lease.LeaseExpiresAt)

	if err := m.setLease(ctx, libraryID, lease); err != nil {
		return err
	}

	if !wasLeader && m.IsLeader(libraryID) {
		m.runHooks(ctx, libraryID)
	}
	return nil
}

// IsLeader reports whether this device holds a valid lease for libraryID.
func (m *Manager) IsLeader(libraryID uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lease, ok := m.leases[libraryID]
	return ok && lease.LeaderDeviceID == m.deviceID && lease.IsValid(m.now())
}

// Leader returns the current leader of libraryID if its lease is valid.
func (m *Manager) Leader(libraryID uuid.UUID) (uuid.UUID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lease, ok := m.leases[libraryID]
	if !ok || !lease.IsValid(m.now()) {
		return uuid.Nil, false
	}
	return lease.LeaderDeviceID, true
}

// Lease returns the known lease of libraryID.
func (m *Manager) Lease(libraryID uuid.UUID) (models.LeadershipLease, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lease, ok := m.leases[libraryID]
	return lease, ok
}

// Role returns this device's role in libraryID.
func (m *Manager) Role(libraryID uuid.UUID) Role {
	if m.IsLeader(libraryID) {
		return Leader
	}
	return Follower
}

// RequestLeadership tries to become leader. A current leader extends its
// lease; a live lease of another device yields *LeaseHeldError.
func (m *Manager) RequestLeadership(ctx context.Context, libraryID uuid.UUID) (bool, error) {
	now := m.now()

	m.mu.Lock()
	lease, ok := m.leases[libraryID]
	if ok && lease.IsValid(now) && !lease.HasTimedOut(now) {
		if lease.LeaderDeviceID != m.deviceID {
			m.mu.Unlock()
			return false, &LeaseHeldError{CurrentLeader: lease.LeaderDeviceID, ExpiresAt: lease.LeaseExpiresAt}
		}

		// Уже лидер, продлеваем аренду
		extended := lease.Extend(now)
		m.leases[libraryID] = extended
		m.mu.Unlock()

		return true, m.persist(ctx, libraryID, extended)
	}

	fresh := models.NewLeadershipLease(m.deviceID, now)
	m.leases[libraryID] = fresh
	m.mu.Unlock()

	m.logger.Info("Becoming leader for library", "library_id", libraryID.String())

	if err := m.persist(ctx, libraryID, fresh); err != nil {
		return true, err
	}

	m.runHooks(ctx, libraryID)
	return true, nil
}

// SendHeartbeat extends this device's lease and returns it for broadcast.
func (m *Manager) SendHeartbeat(ctx context.Context, libraryID uuid.UUID) (models.LeadershipLease, error) {
	m.mu.Lock()
	lease, ok := m.leases[libraryID]
	if !ok {
		m.mu.Unlock()
		return models.LeadershipLease{}, fmt.Errorf("%w: %s", ErrNoLeadershipState, libraryID)
	}
	if lease.LeaderDeviceID != m.deviceID {
		m.mu.Unlock()
		return models.LeadershipLease{}, &LeaseHeldError{CurrentLeader: lease.LeaderDeviceID, ExpiresAt: lease.LeaseExpiresAt}
	}

	lease = lease.Extend(m.now())
	m.leases[libraryID] = lease
	m.mu.Unlock()

	if err := m.persist(ctx, libraryID, lease); err != nil {
		return models.LeadershipLease{}, err
	}
	return lease, nil
}

// CheckLeaderTimeout is called periodically by followers. When the leader
// missed its heartbeats this device requests leadership and returns
// (Leader, true) on success.
func (m *Manager) CheckLeaderTimeout(ctx context.Context, libraryID uuid.UUID) (Role, bool) {
	m.mu.RLock()
	lease, ok := m.leases[libraryID]
	m.mu.RUnlock()

	if !ok || lease.LeaderDeviceID == m.deviceID || !lease.HasTimedOut(m.now()) {
		return m.Role(libraryID), false
	}

	m.logger.Warn("Leader timeout detected, requesting leadership",
		"library_id", libraryID.String(),
		"old_leader", lease.LeaderDeviceID.String(),
		"last_heartbeat", lease.LastHeartbeatAt)

	acquired, err := m.RequestLeadership(ctx, libraryID)
	if err != nil {
		m.logger.Debug("Leadership request failed", "library_id", libraryID.String(), "error", err)
	}
	if !acquired {
		return Follower, false
	}

	m.logger.Info("Successfully elected as new leader", "library_id", libraryID.String())
	return Leader, true
}

func (m *Manager) setLease(ctx context.Context, libraryID uuid.UUID, lease models.LeadershipLease) error {
	m.mu.Lock()
	m.leases[libraryID] = lease
	m.mu.Unlock()

	return m.persist(ctx, libraryID, lease)
}

func (m *Manager) persist(ctx context.Context, libraryID uuid.UUID, lease models.LeadershipLease) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.SaveLease(ctx, libraryID, lease); err != nil {
		return fmt.Errorf("failed to persist lease: %w", err)
	}
	return nil
}

// runHooks вызывает обработчики получения лидерства вне блокировки
func (m *Manager) runHooks(ctx context.Context, libraryID uuid.UUID) {
	m.mu.RLock()
	hooks := make([]AcquireHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, libraryID); err != nil {
			m.logger.Error("Leadership acquire hook failed",
				"library_id", libraryID.String(),
				"error", err)
		}
	}
}
