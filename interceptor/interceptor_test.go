package interceptor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testfleet/testfleet/events"
	"github.com/testfleet/testfleet/types"
)

func stoppedEvent(id string, status types.Status) events.Event {
	return events.Event{
		Type:     events.CaseStopped,
		RunnerID: "r-1",
		Case:     &types.CaseRecord{ID: id, Status: status},
	}
}

func TestRecordsHandlerCopiesIntoSink(t *testing.T) {
	sink := make(ChanSink, 4)
	bus := events.NewBus()
	bus.Attach(Records(sink), 1)

	live := &types.CaseRecord{ID: "tc-1", Status: types.StatusPassed}
	require.NoError(t, bus.Notify(events.Event{Type: events.CaseStopped, Case: live}))
	require.NoError(t, bus.Notify(events.Event{Type: events.CaseStarted, Case: live}))

	got := <-sink
	assert.Equal(t, "tc-1", got.ID)
	// Detached copy: mutating the live record does not affect it.
	live.Status = types.StatusFailed
	assert.Equal(t, types.StatusPassed, got.Status)
	assert.Empty(t, sink)
}

func TestStreamPublishesRecords(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewStream(client, "testfleet:records", 100)
	require.NoError(t, s.Put(&types.CaseRecord{ID: "tc-9", Status: types.StatusFailed}))

	entries, err := client.XRange(context.Background(), "testfleet:records", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tc-9", entries[0].Values["id"])
	assert.Equal(t, "failed", entries[0].Values["status"])

	var rec types.CaseRecord
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["record"].(string)), &rec))
	assert.Equal(t, types.StatusFailed, rec.Status)
}

func TestProgressReportsFraction(t *testing.T) {
	var msgs []ProgressMessage
	bus := events.NewBus()
	bus.Attach(Progress(4, func(m ProgressMessage) { msgs = append(msgs, m) }), 1)

	require.NoError(t, bus.Notify(stoppedEvent("tc-1", types.StatusPassed)))
	require.NoError(t, bus.Notify(stoppedEvent("tc-2", types.StatusFailed)))

	require.Len(t, msgs, 2)
	assert.Equal(t, int64(1), msgs[0].Done)
	assert.InDelta(t, 25.0, msgs[0].Percent, 0.01)
	assert.InDelta(t, 50.0, msgs[1].Percent, 0.01)
	assert.Equal(t, types.StatusFailed, msgs[1].Status)
}
