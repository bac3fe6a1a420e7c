// Package feed produces vehicle frames: a scripted fixture replay for demos
// and tests, and a seeded random-walk simulator over the junction grid. Both
// drive the density tracker and the detection pipeline the same way live
// camera ingest would.
package feed

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/urbanos/trafficd/internal/detect"
	"github.com/urbanos/trafficd/internal/emit"
	"github.com/urbanos/trafficd/internal/observ"
	"github.com/urbanos/trafficd/internal/traffic"
)

// Producer is one frame source. Run returns nil on context cancellation or
// when a finite script is exhausted.
type Producer interface {
	Run(ctx context.Context) error
}

// TrackerSink receives the vehicle frame each tick.
type TrackerSink interface {
	Update(vehicles []traffic.Vehicle, at time.Time)
}

// DetectionSink receives junction passages. The app wires the detection
// logger here, usually fanned out with the violation enforcer.
type DetectionSink interface {
	Record(d detect.Detection) error
}

// Passage is the wire form of a junction crossing, shared by fixture files
// and the ingest endpoint. It carries no ID or timestamp; both are assigned
// on delivery so the same payload can be replayed.
type Passage struct {
	VehicleID    string               `json:"vehicle_id"`
	Plate        string               `json:"plate"`
	JunctionID   string               `json:"junction_id"`
	Direction    traffic.Direction    `json:"direction"`
	Speed        float64              `json:"speed"`
	VehicleClass traffic.VehicleClass `json:"vehicle_class,omitempty"`
	IncomingRoad string               `json:"incoming_road,omitempty"`
	OutgoingRoad string               `json:"outgoing_road,omitempty"`
}

func detections(passages []Passage, ts time.Time) []detect.Detection {
	out := make([]detect.Detection, 0, len(passages))
	for _, p := range passages {
		out = append(out, detect.Detection{
			ID:           uuid.NewString(),
			VehicleID:    p.VehicleID,
			Plate:        p.Plate,
			JunctionID:   p.JunctionID,
			Direction:    p.Direction,
			TS:           ts,
			Speed:        p.Speed,
			VehicleClass: p.VehicleClass,
			IncomingRoad: p.IncomingRoad,
			OutgoingRoad: p.OutgoingRoad,
		})
	}
	return out
}

// deliver pushes one frame: tracker first so density leads the events the
// dashboard sees, then passages, then the bus.
func deliver(tracker TrackerSink, sink DetectionSink, emitter emit.Emitter, vehicles []traffic.Vehicle, passages []detect.Detection, ts time.Time) {
	if tracker != nil {
		tracker.Update(vehicles, ts)
	}
	if sink != nil {
		for _, d := range passages {
			if err := sink.Record(d); err != nil {
				observ.LogError("feed_record_failed", err, map[string]any{"junction_id": d.JunctionID})
			}
		}
	}
	observ.IncCounter("feed_frames_total", nil)
	if len(passages) > 0 {
		observ.IncCounterBy("feed_passages_total", nil, float64(len(passages)))
	}
	emitter.Emit(emit.EventVehicleUpdate, map[string]any{
		"ts": ts, "count": len(vehicles), "vehicles": vehicles,
	})
}

// platePool generates registration numbers in the local format. Same seed,
// same pool.
func platePool(rng *rand.Rand, n int) []string {
	const letters = "ABCDEFGHJKLMNPRSTUVWXYZ"
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("KA%02d%c%c%04d",
			1+rng.Intn(70),
			letters[rng.Intn(len(letters))],
			letters[rng.Intn(len(letters))],
			rng.Intn(10000))
	}
	return out
}
