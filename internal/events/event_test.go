package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/librarysync/internal/hlc"
	"github.com/iudanet/librarysync/internal/models"
)

var (
	testLibrary = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	testRecord  = uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000002")
	testDevice  = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	testTime    = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
)

func stateEvent() SyncEvent {
	return NewStateChange(testLibrary, models.StateChange{
		ModelType:  "location",
		RecordUUID: testRecord,
		DeviceID:   testDevice,
		Data:       json.RawMessage(`{"name":"photos"}`),
		Timestamp:  testTime,
	})
}

func sharedEvent() SyncEvent {
	return NewSharedChange(testLibrary, models.SharedChangeEntry{
		HLC:        hlc.HLC{Timestamp: uint64(testTime.UnixMilli()), Counter: 3, DeviceID: testDevice},
		ModelType:  "tag",
		RecordUUID: testRecord,
		ChangeType: models.ChangeInsert,
		Data:       json.RawMessage(`{"name":"photos"}`),
	})
}

func metricsEvent() SyncEvent {
	return NewMetricsUpdated(testLibrary, Metrics{
		LatestSequence:      42,
		EntriesLogged:       40,
		BulkOperations:      2,
		StateBroadcasts:     7,
		NotLeaderRejections: 1,
	})
}

func TestSyncEvent_WireFormat(t *testing.T) {
	tests := []struct {
		event SyncEvent
		name  string
	}{
		{name: "state_change", event: stateEvent()},
		{name: "shared_change", event: sharedEvent()},
		{name: "metrics_updated", event: metricsEvent()},
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.MarshalIndent(tt.event, "", "  ")
			require.NoError(t, err)

			g.Assert(t, tt.name, append(data, '\n'))

			// Обратное декодирование даёт то же событие
			compact, err := json.Marshal(tt.event)
			require.NoError(t, err)

			var decoded SyncEvent
			require.NoError(t, json.Unmarshal(compact, &decoded))
			assert.Equal(t, tt.event, decoded)
		})
	}
}

func TestSyncEvent_IsCritical(t *testing.T) {
	assert.True(t, stateEvent().IsCritical())
	assert.True(t, sharedEvent().IsCritical())
	assert.False(t, metricsEvent().IsCritical())
}

func TestSyncEvent_Invalid(t *testing.T) {
	_, err := json.Marshal(SyncEvent{Type: TypeSharedChange, LibraryID: testLibrary})
	require.ErrorIs(t, err, ErrInvalidEvent)

	_, err = json.Marshal(SyncEvent{Type: "bogus"})
	require.ErrorIs(t, err, ErrInvalidEvent)

	var e SyncEvent
	err = json.Unmarshal([]byte(`{"type":"bogus"}`), &e)
	require.ErrorIs(t, err, ErrInvalidEvent)

	err = json.Unmarshal([]byte(`{"type":"shared_change","entry":{"hlc":"garbage"}}`), &e)
	require.ErrorIs(t, err, ErrInvalidEvent)
}
