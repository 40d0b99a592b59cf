// Package hlc implements hybrid logical clocks used to order shared-resource
// changes across devices without trusting wall clocks.
package hlc

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// HLC is a hybrid logical clock value.
//
// Values are totally ordered by Timestamp, then Counter, then DeviceID
// (byte-wise), so two devices never produce equal values.
type HLC struct {
	Timestamp uint64    // Timestamp wall time in milliseconds
	Counter   uint32    // Counter logical counter within one millisecond
	DeviceID  uuid.UUID // DeviceID device that issued the value
}

// ParseError is returned when the textual form of an HLC is malformed.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid HLC %q: %s", e.Input, e.Reason)
}

// Now builds an HLC from the current wall time of ts with a zero counter.
// It carries no memory of previously issued values; use Clock for that.
func Now(deviceID uuid.UUID, ts TimeSource) HLC {
	return HLC{
		Timestamp: ts.NowMillis(),
		Counter:   0,
		DeviceID:  deviceID,
	}
}

// Next returns the value that follows last for a device whose wall clock
// currently reads wall. If wall is not ahead of last the counter advances
// instead of the timestamp.
func Next(last HLC, wall uint64, deviceID uuid.UUID) HLC {
	if wall > last.Timestamp {
		return HLC{Timestamp: wall, Counter: 0, DeviceID: deviceID}
	}

	// Счетчик исчерпан - сдвигаем timestamp на 1 мс вперед
	if last.Counter == math.MaxUint32 {
		return HLC{Timestamp: last.Timestamp + 1, Counter: 0, DeviceID: deviceID}
	}

	return HLC{Timestamp: last.Timestamp, Counter: last.Counter + 1, DeviceID: deviceID}
}

// Merge combines the local clock value with a value received from a remote
// device. The timestamp becomes max(local, received, wall); the counter is
// one past the largest counter among the inputs sharing that timestamp, or
// zero if the wall clock alone is ahead. An exhausted counter moves the
// timestamp one millisecond forward. The result keeps the local device id.
func Merge(local, received HLC, wall uint64) HLC {
	ts := max(local.Timestamp, received.Timestamp, wall)

	var base uint32
	switch {
	case ts == local.Timestamp && ts == received.Timestamp:
		base = max(local.Counter, received.Counter)
	case ts == local.Timestamp:
		base = local.Counter
	case ts == received.Timestamp:
		base = received.Counter
	default:
		return HLC{Timestamp: ts, Counter: 0, DeviceID: local.DeviceID}
	}

	// Как и в Next: при исчерпании счетчика переходим на следующую мс
	if base == math.MaxUint32 {
		return HLC{Timestamp: ts + 1, Counter: 0, DeviceID: local.DeviceID}
	}

	return HLC{Timestamp: ts, Counter: base + 1, DeviceID: local.DeviceID}
}

// Compare returns -1, 0 or +1 depending on whether a sorts before, equal to
// or after b.
func Compare(a, b HLC) int {
	switch {
	case a.Timestamp < b.Timestamp:
		return -1
	case a.Timestamp > b.Timestamp:
		return 1
	}

	switch {
	case a.Counter < b.Counter:
		return -1
	case a.Counter > b.Counter:
		return 1
	}

	// Последний критерий - device id, для детерминизма между устройствами
	return bytes.Compare(a.DeviceID[:], b.DeviceID[:])
}

// Less reports whether h sorts strictly before other.
func (h HLC) Less(other HLC) bool {
	return Compare(h, other) < 0
}

// After reports whether h sorts strictly after other.
func (h HLC) After(other HLC) bool {
	return Compare(h, other) > 0
}

// Equal reports whether both values are identical.
func (h HLC) Equal(other HLC) bool {
	return Compare(h, other) == 0
}

// IsZero reports whether h is the zero value.
func (h HLC) IsZero() bool {
	return h.Timestamp == 0 && h.Counter == 0 && h.DeviceID == uuid.Nil
}

// String returns the "<timestamp>-<counter>-<device_uuid>" form used on the
// wire and in the watermark table.
func (h HLC) String() string {
	return strconv.FormatUint(h.Timestamp, 10) + "-" +
		strconv.FormatUint(uint64(h.Counter), 10) + "-" +
		h.DeviceID.String()
}

// Parse reads the textual form produced by String.
func Parse(s string) (HLC, error) {
	// device uuid сам содержит дефисы, поэтому делим максимум на три части
	parts := strings.SplitN(s, "-", 3)
	if len(parts) != 3 {
		return HLC{}, &ParseError{Input: s, Reason: "expected <timestamp>-<counter>-<device_uuid>"}
	}

	ts, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return HLC{}, &ParseError{Input: s, Reason: "bad timestamp: " + err.Error()}
	}

	counter, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return HLC{}, &ParseError{Input: s, Reason: "bad counter: " + err.Error()}
	}

	deviceID, err := uuid.Parse(parts[2])
	if err != nil {
		return HLC{}, &ParseError{Input: s, Reason: "bad device id: " + err.Error()}
	}

	return HLC{Timestamp: ts, Counter: uint32(counter), DeviceID: deviceID}, nil
}

// MarshalText implements encoding.TextMarshaler, so HLC values travel as
// JSON strings.
func (h HLC) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *HLC) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
