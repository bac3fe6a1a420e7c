package detect

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/urbanos/trafficd/internal/emit"
	"github.com/urbanos/trafficd/internal/observ"
	"github.com/urbanos/trafficd/internal/signal"
	"github.com/urbanos/trafficd/internal/traffic"
)

type ViolationType string

const (
	ViolationOverspeed ViolationType = "OVERSPEED"
	ViolationRedLight  ViolationType = "RED_LIGHT"
)

// fineFor is the flat challan schedule, in rupees.
func fineFor(t ViolationType) int {
	switch t {
	case ViolationRedLight:
		return 1000
	case ViolationOverspeed:
		return 500
	}
	return 0
}

type Violation struct {
	ID         string            `json:"id"`
	Type       ViolationType     `json:"type"`
	VehicleID  string            `json:"vehicle_id"`
	Plate      string            `json:"plate"`
	JunctionID string            `json:"junction_id"`
	Direction  traffic.Direction `json:"direction"`
	RoadID     string            `json:"road_id,omitempty"`
	Speed      float64           `json:"speed,omitempty"`
	Limit      float64           `json:"limit,omitempty"`
	TS         time.Time         `json:"ts"`
}

type Challan struct {
	ID          string        `json:"id"`
	ViolationID string        `json:"violation_id"`
	Plate       string        `json:"plate"`
	Type        ViolationType `json:"type"`
	Amount      int           `json:"amount"`
	Message     string        `json:"message"`
	IssuedAt    time.Time     `json:"issued_at"`
}

// SignalSource is the live signal view the enforcer consults.
type SignalSource interface {
	Signals(junctionID string) (signal.JunctionSignals, bool)
}

// RoadSource resolves road attributes for speed-limit checks.
type RoadSource interface {
	Road(id string) (traffic.Road, bool)
}

const maxChallanHistory = 512

// Enforcer turns detections into violations and challans. Emergency-class
// vehicles are exempt.
type Enforcer struct {
	signals SignalSource
	roads   RoadSource
	emitter emit.Emitter
	now     func() time.Time

	mu     sync.Mutex
	recent []Challan
}

func NewEnforcer(signals SignalSource, roads RoadSource, emitter emit.Emitter) *Enforcer {
	if emitter == nil {
		emitter = emit.Discard{}
	}
	return &Enforcer{signals: signals, roads: roads, emitter: emitter, now: time.Now}
}

// Inspect checks one detection against the incoming road's speed limit and
// the junction's current signal, returning any violations found and issuing
// a challan per violation.
func (e *Enforcer) Inspect(d Detection) []Violation {
	if d.VehicleClass == traffic.ClassEmergency {
		return nil
	}

	var out []Violation
	if e.roads != nil && d.IncomingRoad != "" {
		if road, ok := e.roads.Road(d.IncomingRoad); ok && road.SpeedLimit > 0 && d.Speed > road.SpeedLimit {
			out = append(out, Violation{
				Type: ViolationOverspeed, VehicleID: d.VehicleID, Plate: d.Plate,
				JunctionID: d.JunctionID, Direction: d.Direction,
				RoadID: road.ID, Speed: d.Speed, Limit: road.SpeedLimit, TS: d.TS,
			})
		}
	}
	if e.signals != nil {
		if js, ok := e.signals.Signals(d.JunctionID); ok && js.States[d.Direction].Color == signal.Red {
			out = append(out, Violation{
				Type: ViolationRedLight, VehicleID: d.VehicleID, Plate: d.Plate,
				JunctionID: d.JunctionID, Direction: d.Direction, TS: d.TS,
			})
		}
	}

	for i := range out {
		out[i].ID = uuid.NewString()
		observ.IncCounter("violations_total", map[string]string{"type": string(out[i].Type)})
		e.emitter.Emit(emit.EventViolationDetected, out[i])
		e.emitter.Emit(emit.EventChallanIssued, e.issue(out[i]))
	}
	return out
}

func (e *Enforcer) issue(v Violation) Challan {
	var msg string
	switch v.Type {
	case ViolationOverspeed:
		msg = fmt.Sprintf("%.0f px/s in a %.0f px/s zone on %s", v.Speed, v.Limit, v.RoadID)
	case ViolationRedLight:
		msg = fmt.Sprintf("crossed %s against RED from %s", v.JunctionID, v.Direction)
	}
	ch := Challan{
		ID:          uuid.NewString(),
		ViolationID: v.ID,
		Plate:       v.Plate,
		Type:        v.Type,
		Amount:      fineFor(v.Type),
		Message:     msg,
		IssuedAt:    e.now(),
	}

	e.mu.Lock()
	e.recent = append(e.recent, ch)
	if len(e.recent) > maxChallanHistory {
		e.recent = e.recent[len(e.recent)-maxChallanHistory:]
	}
	e.mu.Unlock()

	observ.IncCounter("challans_total", map[string]string{"type": string(ch.Type)})
	observ.Log("challan_issued", map[string]any{
		"id": ch.ID, "plate": ch.Plate, "type": string(ch.Type), "amount": ch.Amount,
	})
	return ch
}

// RecentChallans returns issued challans, newest first, at most limit.
func (e *Enforcer) RecentChallans(limit int) []Challan {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Challan, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, e.recent[i])
	}
	return out
}
