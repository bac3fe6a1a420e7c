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

type SimConfig struct {
	Seed         int64
	Vehicles     int
	TickInterval time.Duration
}

func (c *SimConfig) setDefaults() {
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	if c.Vehicles <= 0 {
		c.Vehicles = 40
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
}

// classMix weights the fleet toward cars the way the cameras actually see
// traffic here.
var classMix = []traffic.VehicleClass{
	traffic.ClassCar, traffic.ClassCar, traffic.ClassCar, traffic.ClassCar,
	traffic.ClassBike, traffic.ClassBike,
	traffic.ClassAuto, traffic.ClassAuto,
	traffic.ClassBus,
	traffic.ClassTruck,
}

type simVehicle struct {
	id       string
	plate    string
	class    traffic.VehicleClass
	road     traffic.Road
	heading  traffic.Direction
	progress float64 // px along the road
	speed    float64 // px/s
}

// Sim walks a fixed fleet over the grid. Movement advances by the configured
// tick regardless of wall clock, so a given seed always produces the same
// trajectory. State belongs to the Run goroutine; nothing here locks.
type Sim struct {
	cfg      SimConfig
	grid     *traffic.Grid
	tracker  TrackerSink
	sink     DetectionSink
	emitter  emit.Emitter
	rng      *rand.Rand
	fleet    []*simVehicle
	headings map[string]traffic.Direction // road id -> travel heading
	outgoing map[string][]traffic.Road    // junction id -> roads leaving it
}

func NewSim(cfg SimConfig, grid *traffic.Grid, tracker TrackerSink, sink DetectionSink, emitter emit.Emitter) (*Sim, error) {
	cfg.setDefaults()
	if emitter == nil {
		emitter = emit.Discard{}
	}
	roads := grid.Roads()
	if len(roads) == 0 {
		return nil, fmt.Errorf("feed: sim needs a grid with roads")
	}

	s := &Sim{
		cfg:      cfg,
		grid:     grid,
		tracker:  tracker,
		sink:     sink,
		emitter:  emitter,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		headings: make(map[string]traffic.Direction, len(roads)),
		outgoing: make(map[string][]traffic.Road),
	}
	for _, r := range roads {
		for _, e := range grid.Neighbors(r.FromJunction) {
			if e.To == r.ToJunction {
				s.headings[r.ID] = e.Direction
				break
			}
		}
		s.outgoing[r.FromJunction] = append(s.outgoing[r.FromJunction], r)
	}

	plates := platePool(s.rng, cfg.Vehicles)
	s.fleet = make([]*simVehicle, cfg.Vehicles)
	for i := range s.fleet {
		road := roads[s.rng.Intn(len(roads))]
		v := &simVehicle{
			id:       fmt.Sprintf("V-%03d", i+1),
			plate:    plates[i],
			class:    classMix[s.rng.Intn(len(classMix))],
			road:     road,
			heading:  s.headings[road.ID],
			progress: s.rng.Float64() * road.LengthPx,
		}
		v.speed = s.rollSpeed(road)
		s.fleet[i] = v
	}
	return s, nil
}

// rollSpeed picks a cruise speed for the road, bounded to 60-120% of the
// posted limit. The tail above 100% is what feeds the overspeed challans.
func (s *Sim) rollSpeed(road traffic.Road) float64 {
	limit := road.SpeedLimit
	if limit <= 0 {
		limit = 10
	}
	return limit * (0.6 + 0.6*s.rng.Float64())
}

func (s *Sim) Run(ctx context.Context) error {
	observ.Log("feed_sim_started", map[string]any{
		"vehicles": len(s.fleet), "seed": s.cfg.Seed,
		"tick_interval_ms": s.cfg.TickInterval.Milliseconds(),
	})
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			observ.Log("feed_sim_stopped", map[string]any{"vehicles": len(s.fleet)})
			return nil
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

// tick advances the fleet one interval and delivers the frame.
func (s *Sim) tick(now time.Time) {
	dt := s.cfg.TickInterval.Seconds()
	vehicles := make([]traffic.Vehicle, 0, len(s.fleet))
	var passages []detect.Detection

	for _, v := range s.fleet {
		v.progress += v.speed * dt
		for v.road.LengthPx > 0 && v.progress >= v.road.LengthPx {
			v.progress -= v.road.LengthPx
			passages = append(passages, s.cross(v, now))
		}
		x, y := s.position(v)
		vehicles = append(vehicles, traffic.Vehicle{
			ID:     v.id,
			Plate:  v.plate,
			RoadID: v.road.ID,
			X:      x,
			Y:      y,
			Speed:  v.speed,
			Class:  v.class,
		})
	}

	deliver(s.tracker, s.sink, s.emitter, vehicles, passages, now)
	observ.SetGauge("feed_vehicles", float64(len(s.fleet)), nil)
}

// cross records the junction passage and moves the vehicle onto a new road.
// The approach under the camera is the opposite of the travel heading:
// driving east arrives on the west approach.
func (s *Sim) cross(v *simVehicle, now time.Time) detect.Detection {
	junction := v.road.ToJunction
	d := detect.Detection{
		ID:           uuid.NewString(),
		VehicleID:    v.id,
		Plate:        v.plate,
		JunctionID:   junction,
		Direction:    v.heading.Opposite(),
		TS:           now,
		Speed:        v.speed,
		VehicleClass: v.class,
		IncomingRoad: v.road.ID,
	}

	next := s.nextRoad(junction, v.road.FromJunction)
	d.OutgoingRoad = next.ID
	v.road = next
	v.heading = s.headings[next.ID]
	v.speed = s.rollSpeed(next)
	return d
}

// nextRoad picks a road out of the junction, avoiding an immediate U-turn
// when there is anywhere else to go.
func (s *Sim) nextRoad(junction, cameFrom string) traffic.Road {
	outs := s.outgoing[junction]
	candidates := make([]traffic.Road, 0, len(outs))
	for _, r := range outs {
		if r.ToJunction != cameFrom {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		candidates = outs
	}
	return candidates[s.rng.Intn(len(candidates))]
}

func (s *Sim) position(v *simVehicle) (float64, float64) {
	from, okF := s.grid.Junction(v.road.FromJunction)
	to, okT := s.grid.Junction(v.road.ToJunction)
	if !okF || !okT || v.road.LengthPx <= 0 {
		return 0, 0
	}
	frac := v.progress / v.road.LengthPx
	return from.X + (to.X-from.X)*frac, from.Y + (to.Y-from.Y)*frac
}
