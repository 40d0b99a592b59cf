package leader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/librarysync/internal/models"
	"github.com/iudanet/librarysync/internal/storage/boltdb"
)

var (
	testLibrary = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	deviceA     = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	deviceB     = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

// fakeClock управляемое время для тестов
type fakeClock struct {
	t  time.Time
	mu sync.Mutex
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestManager(t *testing.T, device uuid.UUID, store LeaseStore) (*Manager, *fakeClock) {
	t.Helper()

	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(device, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.now = clock.Now
	return m, clock
}

func TestRole_String(t *testing.T) {
	assert.Equal(t, "leader", Leader.String())
	assert.Equal(t, "follower", Follower.String())
	assert.Equal(t, "unknown", Role(7).String())
}

func TestManager_InitializeLibrary(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		isCreator bool
		want      Role
	}{
		{name: "creator becomes leader", isCreator: true, want: Leader},
		{name: "joiner is follower", isCreator: false, want: Follower},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(t, deviceA, nil)

			role, err := m.InitializeLibrary(ctx, testLibrary, tt.isCreator)
			require.NoError(t, err)
			assert.Equal(t, tt.want, role)
			assert.Equal(t, tt.want, m.Role(testLibrary))
			assert.Equal(t, tt.isCreator, m.IsLeader(testLibrary))
		})
	}
}

func TestManager_LeaseExpires(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t, deviceA, nil)

	_, err := m.InitializeLibrary(ctx, testLibrary, true)
	require.NoError(t, err)

	clock.Advance(models.LeaseExtension - time.Second)
	assert.True(t, m.IsLeader(testLibrary))

	clock.Advance(2 * time.Second)
	assert.False(t, m.IsLeader(testLibrary))

	_, ok := m.Leader(testLibrary)
	assert.False(t, ok)
}

func TestManager_HeartbeatExtendsLease(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t, deviceA, nil)

	_, err := m.InitializeLibrary(ctx, testLibrary, true)
	require.NoError(t, err)

	clock.Advance(models.HeartbeatInterval)
	lease, err := m.SendHeartbeat(ctx, testLibrary)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), lease.LastHeartbeatAt)
	assert.Equal(t, clock.Now().Add(models.LeaseExtension), lease.LeaseExpiresAt)

	clock.Advance(models.LeaseExtension - time.Second)
	assert.True(t, m.IsLeader(testLibrary))
}

func TestManager_SendHeartbeat_Errors(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, deviceA, nil)

	_, err := m.SendHeartbeat(ctx, testLibrary)
	require.ErrorIs(t, err, ErrNoLeadershipState)

	require.NoError(t, m.UpdateLeadership(ctx, testLibrary, models.NewLeadershipLease(deviceB, m.now())))

	_, err = m.SendHeartbeat(ctx, testLibrary)
	require.ErrorIs(t, err, ErrLeaseHeld)
}

func TestManager_RequestLeadership(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t, deviceA, nil)

	// Лидер другой и его аренда действительна
	require.NoError(t, m.UpdateLeadership(ctx, testLibrary, models.NewLeadershipLease(deviceB, clock.Now())))

	acquired, err := m.RequestLeadership(ctx, testLibrary)
	assert.False(t, acquired)

	var held *LeaseHeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, deviceB, held.CurrentLeader)

	leader, ok := m.Leader(testLibrary)
	require.True(t, ok)
	assert.Equal(t, deviceB, leader)

	// После таймаута лидерство можно забрать
	clock.Advance(models.LeaseTimeout + time.Second)
	acquired, err = m.RequestLeadership(ctx, testLibrary)
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.True(t, m.IsLeader(testLibrary))

	// Повторный запрос продлевает аренду
	clock.Advance(time.Minute)
	acquired, err = m.RequestLeadership(ctx, testLibrary)
	require.NoError(t, err)
	assert.True(t, acquired)

	lease, ok := m.Lease(testLibrary)
	require.True(t, ok)
	assert.Equal(t, clock.Now(), lease.LastHeartbeatAt)
}

func TestManager_CheckLeaderTimeout(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t, deviceA, nil)

	role, changed := m.CheckLeaderTimeout(ctx, testLibrary)
	assert.False(t, changed)
	assert.Equal(t, Follower, role)

	require.NoError(t, m.UpdateLeadership(ctx, testLibrary, models.NewLeadershipLease(deviceB, clock.Now())))

	clock.Advance(models.HeartbeatInterval)
	_, changed = m.CheckLeaderTimeout(ctx, testLibrary)
	assert.False(t, changed)

	clock.Advance(models.LeaseTimeout)
	role, changed = m.CheckLeaderTimeout(ctx, testLibrary)
	assert.True(t, changed)
	assert.Equal(t, Leader, role)
	assert.True(t, m.IsLeader(testLibrary))
}

func TestManager_OnAcquireHooks(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t, deviceA, nil)

	var acquired []uuid.UUID
	m.OnAcquire(func(ctx context.Context, libraryID uuid.UUID) error {
		acquired = append(acquired, libraryID)
		return nil
	})
	m.OnAcquire(func(ctx context.Context, libraryID uuid.UUID) error {
		return errors.New("ignored")
	})

	_, err := m.InitializeLibrary(ctx, testLibrary, true)
	require.NoError(t, err)
	assert.Len(t, acquired, 1)

	// Продление аренды не вызывает хуки повторно
	_, err = m.SendHeartbeat(ctx, testLibrary)
	require.NoError(t, err)
	_, err = m.RequestLeadership(ctx, testLibrary)
	require.NoError(t, err)
	assert.Len(t, acquired, 1)

	// Передача лидерства через сеть
	other := uuid.New()
	require.NoError(t, m.UpdateLeadership(ctx, other, models.NewLeadershipLease(deviceB, clock.Now())))
	require.NoError(t, m.UpdateLeadership(ctx, other, models.NewLeadershipLease(deviceA, clock.Now())))
	assert.Equal(t, []uuid.UUID{testLibrary, other}, acquired)
}

func TestManager_PersistsLeases(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "device.db")

	store, err := boltdb.New(ctx, dbPath)
	require.NoError(t, err)
	defer store.Close()

	m, clock := newTestManager(t, deviceA, store)
	_, err = m.InitializeLibrary(ctx, testLibrary, true)
	require.NoError(t, err)

	// Новый менеджер после перезапуска
	restarted := NewManager(deviceA, store, nil)
	restarted.now = clock.Now
	assert.False(t, restarted.IsLeader(testLibrary))

	require.NoError(t, restarted.Load(ctx))
	assert.True(t, restarted.IsLeader(testLibrary))
	assert.Equal(t, deviceA, restarted.DeviceID())
}
