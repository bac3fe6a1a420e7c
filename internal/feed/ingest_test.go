package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanos/trafficd/internal/traffic"
)

func TestIngestPush(t *testing.T) {
	tr := &memTracker{}
	sk := &memSink{}
	ing := NewIngest(tr, sk, nil)

	before := time.Now()
	ing.Push([]traffic.Vehicle{{ID: "V-1", RoadID: "R-J-1-J-2"}}, []Passage{{
		VehicleID: "V-1", Plate: "KA01AB1234", JunctionID: "J-2",
		Direction: traffic.West, Speed: 9,
	}}, time.Time{})

	require.Len(t, tr.frames, 1)
	assert.False(t, tr.frames[0].at.Before(before), "zero ts is stamped on arrival")
	require.Len(t, sk.dets, 1)
	assert.Equal(t, tr.frames[0].at, sk.dets[0].TS)
	assert.NotEmpty(t, sk.dets[0].ID)

	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	ing.Push([]traffic.Vehicle{{ID: "V-1", RoadID: "R-J-1-J-2"}}, nil, at)
	require.Len(t, tr.frames, 2)
	assert.Equal(t, at, tr.frames[1].at, "explicit ts is honored")
}
