package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/urbanos/trafficd/internal/detect"
	"github.com/urbanos/trafficd/internal/traffic"
)

func TestOutboxEnqueueTakeAllRequeue(t *testing.T) {
	ob, err := NewOutbox(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, ob.Enqueue(tableAgentLogs, []AgentLog{{Mode: "NORMAL", Strategy: "rule_based", TS: time.Now().UTC()}}))
	require.NoError(t, ob.Enqueue(tableSystemEvents, []SystemEvent{{EventType: "x", Severity: "INFO", TS: time.Now().UTC()}}))
	require.Equal(t, 2, ob.Pending())

	entries, err := ob.takeAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, tableAgentLogs, entries[0].Table)
	require.Equal(t, tableSystemEvents, entries[1].Table)
	require.Equal(t, 0, ob.Pending())

	// requeued entries come back before anything enqueued later
	require.NoError(t, ob.requeue(entries[1:]))
	require.NoError(t, ob.Enqueue(tableTrafficHistory, []TrafficHistoryRow{{RoadID: "R-1", Level: "LOW", TS: time.Now().UTC(), Source: "SIMULATION"}}))

	entries, err = ob.takeAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, tableSystemEvents, entries[0].Table)
	require.Equal(t, tableTrafficHistory, entries[1].Table)
}

func TestOutboxQuarantineIsNotDrainable(t *testing.T) {
	dir := t.TempDir()
	ob, err := NewOutbox(dir)
	require.NoError(t, err)

	row := detect.Detection{
		ID: "d-poison", VehicleID: "v-1", Plate: "KA-05", JunctionID: "J-1",
		Direction: traffic.North, TS: time.Now().UTC(),
	}
	require.NoError(t, ob.SpillDetections([]detect.Detection{row}))

	require.Equal(t, 0, ob.Pending())
	data, err := os.ReadFile(filepath.Join(dir, quarantineFile))
	require.NoError(t, err)
	require.Contains(t, string(data), `"d-poison"`)
	require.Contains(t, string(data), tableDetections)
}

func TestOutboxSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	ob, err := NewOutbox(dir)
	require.NoError(t, err)

	require.NoError(t, ob.Enqueue(tableSystemEvents, []SystemEvent{{EventType: "keep", Severity: "INFO", TS: time.Now().UTC()}}))

	f, err := os.OpenFile(filepath.Join(dir, spillFile), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := ob.takeAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, tableSystemEvents, entries[0].Table)
}
