package hlc

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TimeSource supplies wall-clock milliseconds to the clock.
type TimeSource interface {
	NowMillis() uint64
}

// SystemTimeSource reads the host clock.
type SystemTimeSource struct{}

// NowMillis returns the current Unix time in milliseconds.
func (SystemTimeSource) NowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// ManualTimeSource is a settable time source for tests and simulations.
type ManualTimeSource struct {
	mu     sync.Mutex
	millis uint64
}

// NewManualTimeSource creates a source that reports millis until changed.
func NewManualTimeSource(millis uint64) *ManualTimeSource {
	return &ManualTimeSource{millis: millis}
}

// NowMillis returns the configured time.
func (m *ManualTimeSource) NowMillis() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.millis
}

// Set moves the source to millis. Moving backwards is allowed to simulate skew.
func (m *ManualTimeSource) Set(millis uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.millis = millis
}

// Advance moves the source forward by d.
func (m *ManualTimeSource) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.millis += uint64(d.Milliseconds())
}

// Clock issues strictly increasing HLC values for one device.
type Clock struct {
	source   TimeSource
	last     HLC        // последнее выданное значение
	deviceID uuid.UUID  // идентификатор устройства
	mu       sync.Mutex // мьютекс для потокобезопасности
}

// NewClock creates a clock for deviceID. A nil source means the system clock.
func NewClock(deviceID uuid.UUID, source TimeSource) *Clock {
	if source == nil {
		source = SystemTimeSource{}
	}
	return &Clock{
		source:   source,
		deviceID: deviceID,
	}
}

// Now issues a new value for a local event. No two calls return equal or
// decreasing values, even when the wall clock stalls or goes backwards.
func (c *Clock) Now() HLC {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.last = Next(c.last, c.source.NowMillis(), c.deviceID)
	return c.last
}

// Update folds a value received from another device into the clock and
// returns the new local value, which sorts after both inputs.
func (c *Clock) Update(received HLC) HLC {
	c.mu.Lock()
	defer c.mu.Unlock()

	local := c.last
	local.DeviceID = c.deviceID
	c.last = Merge(local, received, c.source.NowMillis())
	return c.last
}

// Last returns the most recently issued value without advancing the clock.
func (c *Clock) Last() HLC {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.last
}

// Restore seeds the clock after a restart so it never re-issues values
// that were handed out before. Values older than the current one are ignored.
func (c *Clock) Restore(h HLC) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if Compare(h, c.last) > 0 {
		c.last = HLC{Timestamp: h.Timestamp, Counter: h.Counter, DeviceID: c.deviceID}
	}
}

// DeviceID returns the device this clock issues values for.
func (c *Clock) DeviceID() uuid.UUID {
	return c.deviceID
}
