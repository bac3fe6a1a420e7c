package density

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/urbanos/trafficd/internal/emit"
	"github.com/urbanos/trafficd/internal/observ"
	"github.com/urbanos/trafficd/internal/traffic"
)

type Config struct {
	RetentionSeconds    int
	LowVehicles         int
	MediumVehicles      int
	LowScore            float64
	MediumScore         float64
	TrendSlopeThreshold float64
	Source              traffic.Source
}

func (c *Config) setDefaults() {
	if c.RetentionSeconds == 0 {
		c.RetentionSeconds = 600
	}
	if c.LowVehicles == 0 {
		c.LowVehicles = 5
	}
	if c.MediumVehicles == 0 {
		c.MediumVehicles = 12
	}
	if c.LowScore == 0 {
		c.LowScore = 40
	}
	if c.MediumScore == 0 {
		c.MediumScore = 70
	}
	if c.TrendSlopeThreshold == 0 {
		c.TrendSlopeThreshold = 5.0
	}
	if c.Source == "" {
		c.Source = traffic.SourceSimulation
	}
}

// RoadDensity is the live record for one road. Level is score-based; the
// count-based classification serves the persistence sampler and is exposed
// through ClassifyByCount.
type RoadDensity struct {
	RoadID       string                  `json:"road_id"`
	VehicleCount int                     `json:"vehicle_count"`
	Capacity     int                     `json:"capacity"`
	Score        float64                 `json:"score"`
	Level        traffic.CongestionLevel `json:"level"`
	UpdatedAt    time.Time               `json:"updated_at"`
	Source       traffic.Source          `json:"source"`
}

// JunctionDensity aggregates the four approaches of one junction.
type JunctionDensity struct {
	JunctionID    string                          `json:"junction_id"`
	Directional   map[traffic.Direction]float64   `json:"directional"`
	Counts        map[traffic.Direction]int       `json:"counts"`
	TotalVehicles int                             `json:"total_vehicles"`
	MaxScore      float64                         `json:"max_score"`
	AvgScore      float64                         `json:"avg_score"`
	Level         traffic.CongestionLevel         `json:"level"`
	Imbalance     float64                         `json:"imbalance"`
}

// Snapshot is one immutable history sample for one road.
type Snapshot struct {
	TS           time.Time               `json:"ts"`
	RoadID       string                  `json:"road_id"`
	VehicleCount int                     `json:"vehicle_count"`
	Score        float64                 `json:"score"`
	Level        traffic.CongestionLevel `json:"level"`
}

// CityMetrics is the on-demand network-wide aggregate.
type CityMetrics struct {
	TotalVehicles    int                             `json:"total_vehicles"`
	TotalCapacity    int                             `json:"total_capacity"`
	AvgScore         float64                         `json:"avg_score"`
	RoadsByLevel     map[traffic.CongestionLevel]int `json:"roads_by_level"`
	CongestionPoints int                             `json:"congestion_points"`
	PeakRoadID       string                          `json:"peak_road_id"`
	PeakScore        float64                         `json:"peak_score"`
}

// Tracker is the authoritative traffic-state model. Update is the only
// writer; readers get copies.
type Tracker struct {
	mu        sync.RWMutex
	cfg       Config
	roads     map[string]traffic.Road
	junctions map[string]traffic.Junction
	density   map[string]*RoadDensity
	jdensity  map[string]*JunctionDensity
	rings     map[string]*ring
	lastTick  time.Time
	ticks     uint64

	emitter emit.Emitter
	now     func() time.Time
}

func NewTracker(cfg Config, emitter emit.Emitter) *Tracker {
	cfg.setDefaults()
	if emitter == nil {
		emitter = emit.Discard{}
	}
	return &Tracker{
		cfg:       cfg,
		roads:     map[string]traffic.Road{},
		junctions: map[string]traffic.Junction{},
		density:   map[string]*RoadDensity{},
		jdensity:  map[string]*JunctionDensity{},
		rings:     map[string]*ring{},
		emitter:   emitter,
		now:       time.Now,
	}
}

// SetThresholds swaps the classification knobs on a live tracker. Retention
// and source are structural and keep their construction values.
func (t *Tracker) SetThresholds(cfg Config) {
	cfg.setDefaults()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg.LowVehicles = cfg.LowVehicles
	t.cfg.MediumVehicles = cfg.MediumVehicles
	t.cfg.LowScore = cfg.LowScore
	t.cfg.MediumScore = cfg.MediumScore
	t.cfg.TrendSlopeThreshold = cfg.TrendSlopeThreshold
	observ.Log("density_thresholds_updated", map[string]any{
		"low_vehicles":    cfg.LowVehicles,
		"medium_vehicles": cfg.MediumVehicles,
		"low_score":       cfg.LowScore,
		"medium_score":    cfg.MediumScore,
	})
}

// InitializeRoads registers the network. Any previous state, including
// history rings, is discarded: a reload is a new world.
func (t *Tracker) InitializeRoads(roads []traffic.Road, junctions []traffic.Junction) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.roads = make(map[string]traffic.Road, len(roads))
	t.density = make(map[string]*RoadDensity, len(roads))
	t.rings = make(map[string]*ring, len(roads))
	for _, r := range roads {
		t.roads[r.ID] = r
		t.density[r.ID] = &RoadDensity{
			RoadID:   r.ID,
			Capacity: r.Capacity(),
			Level:    traffic.LevelLow,
			Source:   t.cfg.Source,
		}
		t.rings[r.ID] = newRing(t.cfg.RetentionSeconds)
	}

	t.junctions = make(map[string]traffic.Junction, len(junctions))
	t.jdensity = make(map[string]*JunctionDensity, len(junctions))
	for _, j := range junctions {
		t.junctions[j.ID] = j
		t.jdensity[j.ID] = &JunctionDensity{JunctionID: j.ID, Level: traffic.LevelLow}
	}

	observ.Log("density_network_init", map[string]any{
		"roads":     len(roads),
		"junctions": len(junctions),
		"retention": t.cfg.RetentionSeconds,
	})
}

// Update is one atomic tick: bucket vehicles, recompute road and junction
// records, append history, purge stale samples.
func (t *Tracker) Update(vehicles []traffic.Vehicle, at time.Time) {
	t.mu.Lock()

	counts := make(map[string]int, len(t.roads))
	for _, v := range vehicles {
		counts[v.RoadID]++
	}

	for id, d := range t.density {
		count := counts[id]
		d.VehicleCount = count
		d.Score = Score(count, d.Capacity)
		d.Level = t.classifyScore(d.Score)
		d.UpdatedAt = at

		ring := t.rings[id]
		ring.push(Snapshot{TS: at, RoadID: id, VehicleCount: count, Score: d.Score, Level: d.Level})
		ring.purgeOlder(at.Add(-time.Duration(t.cfg.RetentionSeconds) * time.Second))
	}

	for id, j := range t.junctions {
		jd := t.jdensity[id]
		t.aggregateJunction(j, jd)
	}

	t.lastTick = at
	t.ticks++
	city := t.cityMetricsLocked()
	levels := make(map[string]traffic.CongestionLevel, len(t.jdensity))
	for id, jd := range t.jdensity {
		levels[id] = jd.Level
	}
	t.mu.Unlock()

	observ.SetGauge("density_total_vehicles", float64(city.TotalVehicles), nil)
	observ.SetGauge("density_congestion_points", float64(city.CongestionPoints), nil)
	observ.IncCounter("density_ticks_total", nil)

	t.emitter.Emit(emit.EventDensityUpdate, map[string]any{
		"ts":                at.UTC(),
		"total_vehicles":    city.TotalVehicles,
		"avg_score":         city.AvgScore,
		"congestion_points": city.CongestionPoints,
		"peak_road_id":      city.PeakRoadID,
		"junction_levels":   levels,
	})
}

// caller holds t.mu
func (t *Tracker) aggregateJunction(j traffic.Junction, jd *JunctionDensity) {
	directional := make(map[traffic.Direction]float64, 4)
	dirCounts := make(map[traffic.Direction]int, 4)
	total := 0
	maxScore, sum := 0.0, 0.0
	for _, dir := range traffic.AllDirections {
		score := 0.0
		count := 0
		if roadID, ok := j.Connections[dir]; ok {
			if d, ok := t.density[roadID]; ok {
				score = d.Score
				count = d.VehicleCount
			}
		}
		directional[dir] = score
		dirCounts[dir] = count
		total += count
		sum += score
		if score > maxScore {
			maxScore = score
		}
	}
	avg := sum / float64(len(traffic.AllDirections))

	jd.Directional = directional
	jd.Counts = dirCounts
	jd.TotalVehicles = total
	jd.MaxScore = maxScore
	jd.AvgScore = avg
	jd.Level = t.classifyScore(maxScore)
	jd.Imbalance = imbalance(directional)
}

// Score maps a count/capacity pair to [0,100].
func Score(count, capacity int) float64 {
	if capacity <= 0 {
		return 0
	}
	s := 100 * float64(count) / float64(capacity)
	if s > 100 {
		s = 100
	}
	return s
}

func (t *Tracker) classifyScore(score float64) traffic.CongestionLevel {
	switch {
	case score < t.cfg.LowScore:
		return traffic.LevelLow
	case score < t.cfg.MediumScore:
		return traffic.LevelMedium
	default:
		return traffic.LevelHigh
	}
}

// ClassifyByScore is the score-threshold partition (40/70 by default).
func (t *Tracker) ClassifyByScore(score float64) traffic.CongestionLevel {
	return t.classifyScore(score)
}

// ClassifyByCount is the count-threshold partition (5/12 by default), used
// where raw occupancy matters more than capacity-relative load.
func (t *Tracker) ClassifyByCount(count int) traffic.CongestionLevel {
	switch {
	case count < t.cfg.LowVehicles:
		return traffic.LevelLow
	case count < t.cfg.MediumVehicles:
		return traffic.LevelMedium
	default:
		return traffic.LevelHigh
	}
}

// imbalance is min(100, 2*stdev) over the four directional scores.
func imbalance(directional map[traffic.Direction]float64) float64 {
	n := float64(len(directional))
	if n == 0 {
		return 0
	}
	var sum float64
	for _, s := range directional {
		sum += s
	}
	mean := sum / n
	var varsum float64
	for _, s := range directional {
		d := s - mean
		varsum += d * d
	}
	sigma := math.Sqrt(varsum / n)
	v := 2 * sigma
	if v > 100 {
		v = 100
	}
	return v
}

func (t *Tracker) RoadDensity(id string) (RoadDensity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.density[id]
	if !ok {
		return RoadDensity{}, false
	}
	return *d, true
}

func (t *Tracker) JunctionDensity(id string) (JunctionDensity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	jd, ok := t.jdensity[id]
	if !ok {
		return JunctionDensity{}, false
	}
	return copyJunctionDensity(jd), true
}

// JunctionDensities returns a deep copy of every junction aggregate, the
// agent's per-tick read.
func (t *Tracker) JunctionDensities() map[string]JunctionDensity {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]JunctionDensity, len(t.jdensity))
	for id, jd := range t.jdensity {
		out[id] = copyJunctionDensity(jd)
	}
	return out
}

func copyJunctionDensity(jd *JunctionDensity) JunctionDensity {
	cp := *jd
	cp.Directional = make(map[traffic.Direction]float64, len(jd.Directional))
	for k, v := range jd.Directional {
		cp.Directional[k] = v
	}
	cp.Counts = make(map[traffic.Direction]int, len(jd.Counts))
	for k, v := range jd.Counts {
		cp.Counts[k] = v
	}
	return cp
}

func (t *Tracker) CityMetrics() CityMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cityMetricsLocked()
}

// caller holds t.mu (read or write)
func (t *Tracker) cityMetricsLocked() CityMetrics {
	m := CityMetrics{RoadsByLevel: map[traffic.CongestionLevel]int{}}
	var scoreSum float64
	for id, d := range t.density {
		m.TotalVehicles += d.VehicleCount
		m.TotalCapacity += d.Capacity
		m.RoadsByLevel[d.Level]++
		scoreSum += d.Score
		if m.PeakRoadID == "" || d.Score > m.PeakScore {
			m.PeakRoadID = id
			m.PeakScore = d.Score
		}
	}
	if len(t.density) > 0 {
		m.AvgScore = scoreSum / float64(len(t.density))
	}
	for _, jd := range t.jdensity {
		if jd.Level == traffic.LevelHigh {
			m.CongestionPoints++
		}
	}
	return m
}

// History returns ring entries with ts >= now-seconds, oldest first.
func (t *Tracker) History(roadID string, seconds int) []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.rings[roadID]
	if !ok {
		return nil
	}
	return r.suffix(t.now().Add(-time.Duration(seconds) * time.Second))
}

// RoadIDs lists registered roads, sorted.
func (t *Tracker) RoadIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.roads))
	for id := range t.roads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Road returns the registered road definition.
func (t *Tracker) Road(id string) (traffic.Road, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.roads[id]
	return r, ok
}

// LastTick reports the time of the most recent Update.
func (t *Tracker) LastTick() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastTick
}
