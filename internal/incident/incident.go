// Package incident reconstructs probable vehicle locations from detection
// history: given a reported plate and time, it walks the junction graph
// backward from the last sighting.
package incident

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/urbanos/trafficd/internal/detect"
	"github.com/urbanos/trafficd/internal/observ"
	"github.com/urbanos/trafficd/internal/traffic"
)

type Type string

const (
	TypeHitAndRun Type = "HIT_AND_RUN"
	TypeAccident  Type = "ACCIDENT"
	TypeStolen    Type = "STOLEN"
	TypeOther     Type = "OTHER"
)

type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusInferred Status = "INFERRED"
	StatusClosed   Status = "CLOSED"
)

// Inference result statuses.
const (
	ResultOK        = "OK"
	ResultNoData    = "NO_DATA"
	ResultLastKnown = "LAST_KNOWN"
)

var (
	ErrNotFound = errors.New("incident: not found")
	ErrClosed   = errors.New("incident: closed")
)

// ProbableLocation is one ranked candidate. Direction is the heading of the
// first hop out of the last-seen junction; for the junction itself it is the
// heading the vehicle left with.
type ProbableLocation struct {
	JunctionID  string            `json:"junction_id"`
	Direction   traffic.Direction `json:"direction,omitempty"`
	Probability float64           `json:"probability"`
	GraphDist   int               `json:"graph_distance"`
}

type InferenceResult struct {
	Status     string             `json:"status"`
	Locations  []ProbableLocation `json:"locations,omitempty"`
	Detections []detect.Detection `json:"detections,omitempty"`
	InferredAt time.Time          `json:"inferred_at"`
}

type Incident struct {
	ID         string           `json:"id"`
	Plate      string           `json:"plate"`
	Type       Type             `json:"type"`
	Status     Status           `json:"status"`
	ReportedAt time.Time        `json:"reported_at"`
	ClosedAt   time.Time        `json:"closed_at,omitempty"`
	ClosedBy   string           `json:"closed_by,omitempty"`
	Result     *InferenceResult `json:"result,omitempty"`
}

// DetectionSource is the slice of the persistence gateway inference reads.
type DetectionSource interface {
	DetectionsByPlate(ctx context.Context, plate string, from, to time.Time) ([]detect.Detection, error)
}

type Config struct {
	HistoryWindow time.Duration
	MaxSpeedKmh   float64
	TopK          int
	Tau           time.Duration
	MaxHops       int
}

func (c *Config) setDefaults() {
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 30 * time.Minute
	}
	if c.MaxSpeedKmh <= 0 {
		c.MaxSpeedKmh = 60
	}
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.Tau <= 0 {
		c.Tau = 300 * time.Second
	}
	if c.MaxHops <= 0 {
		c.MaxHops = 8
	}
}

const maxIncidents = 512

// Registry holds incidents in memory and runs inference on demand. The
// graph may be nil; inference then degrades to last-known-location.
type Registry struct {
	cfg        Config
	detections DetectionSource
	graph      traffic.JunctionGraph
	now        func() time.Time

	mu    sync.RWMutex
	byID  map[string]*Incident
	order []string // report order, oldest first
}

func NewRegistry(cfg Config, detections DetectionSource, graph traffic.JunctionGraph) *Registry {
	cfg.setDefaults()
	return &Registry{
		cfg:        cfg,
		detections: detections,
		graph:      graph,
		now:        time.Now,
		byID:       make(map[string]*Incident),
	}
}

// Report opens a new incident for a plate.
func (r *Registry) Report(plate string, typ Type, at time.Time) Incident {
	if at.IsZero() {
		at = r.now()
	}
	inc := &Incident{
		ID:         uuid.NewString(),
		Plate:      plate,
		Type:       typ,
		Status:     StatusOpen,
		ReportedAt: at.UTC(),
	}

	r.mu.Lock()
	r.byID[inc.ID] = inc
	r.order = append(r.order, inc.ID)
	if len(r.order) > maxIncidents {
		delete(r.byID, r.order[0])
		r.order = r.order[1:]
	}
	r.mu.Unlock()

	observ.IncCounter("incidents_reported_total", map[string]string{"type": string(typ)})
	observ.Log("incident_reported", map[string]any{"id": inc.ID, "plate": plate, "type": string(typ)})
	return *inc
}

func (r *Registry) Get(id string) (Incident, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inc, ok := r.byID[id]
	if !ok {
		return Incident{}, false
	}
	return copyIncident(inc), true
}

// List returns incidents newest first, at most limit.
func (r *Registry) List(limit int) []Incident {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.order)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Incident, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, copyIncident(r.byID[r.order[i]]))
	}
	return out
}

// Close marks the incident resolved. Closing twice is an error so operator
// attribution stays unambiguous.
func (r *Registry) Close(id, operator string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inc, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if inc.Status == StatusClosed {
		return fmt.Errorf("%w: %s", ErrClosed, id)
	}
	inc.Status = StatusClosed
	inc.ClosedAt = r.now().UTC()
	inc.ClosedBy = operator
	observ.IncCounter("incidents_closed_total", nil)
	observ.Log("incident_closed", map[string]any{"id": id, "operator": operator})
	return nil
}

// InferenceResult returns the retained result of the last Infer call.
func (r *Registry) InferenceResult(id string) (*InferenceResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inc, ok := r.byID[id]
	if !ok || inc.Result == nil {
		return nil, false
	}
	return cloneResult(inc.Result), true
}

// Infer reconstructs probable locations for the incident's plate and retains
// the result. A NO_DATA outcome leaves the incident OPEN.
func (r *Registry) Infer(ctx context.Context, id string) (*InferenceResult, error) {
	r.mu.RLock()
	inc, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	reportedAt := inc.ReportedAt
	from := reportedAt.Add(-r.cfg.HistoryWindow)
	dets, err := r.detections.DetectionsByPlate(ctx, inc.Plate, from, reportedAt)
	if err != nil {
		return nil, fmt.Errorf("inference detections for %s: %w", inc.Plate, err)
	}

	res := r.infer(reportedAt, dets)

	r.mu.Lock()
	if cur, ok := r.byID[id]; ok {
		cur.Result = cloneResult(res)
		if res.Status != ResultNoData && cur.Status == StatusOpen {
			cur.Status = StatusInferred
		}
	}
	r.mu.Unlock()

	observ.IncCounter("inferences_total", map[string]string{"status": res.Status})
	observ.Log("incident_inferred", map[string]any{
		"id": id, "status": res.Status, "candidates": len(res.Locations),
	})
	return res, nil
}

func (r *Registry) infer(reportedAt time.Time, dets []detect.Detection) *InferenceResult {
	res := &InferenceResult{InferredAt: r.now().UTC()}
	if len(dets) == 0 {
		res.Status = ResultNoData
		return res
	}

	// gateway order is newest first; the retained history reads oldest first
	sort.Slice(dets, func(i, j int) bool { return dets[i].TS.Before(dets[j].TS) })
	res.Detections = dets

	last := dets[len(dets)-1]
	gap := reportedAt.Sub(last.TS)
	if gap < 0 {
		gap = 0
	}
	tau := r.cfg.Tau.Seconds()

	if r.graph == nil {
		res.Status = ResultLastKnown
		res.Locations = []ProbableLocation{{
			JunctionID:  last.JunctionID,
			Direction:   last.Direction,
			Probability: math.Exp(-gap.Seconds() / tau),
		}}
		return res
	}

	res.Status = ResultOK
	res.Locations = r.search(last.JunctionID, last.Direction, gap, tau)
	return res
}

type searchNode struct {
	id       string
	dist     int
	pathTime time.Duration
	heading  traffic.Direction
}

// search walks the graph breadth-first from the last sighting. Neighbors
// come back sorted, so equal-probability candidates rank by junction id and
// the result is stable for fixed inputs.
func (r *Registry) search(lastJunction string, heading traffic.Direction, gap time.Duration, tau float64) []ProbableLocation {
	// edge travel times assume a 60 km/h cruise
	budget := time.Duration(float64(gap) * r.cfg.MaxSpeedKmh / 60.0)

	visited := map[string]bool{lastJunction: true}
	queue := []searchNode{{id: lastJunction, dist: 0, pathTime: 0, heading: heading}}
	var out []ProbableLocation

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		w := 1.0 / float64(1+n.dist) * math.Exp(-math.Abs(gap.Seconds()-n.pathTime.Seconds())/tau)
		out = append(out, ProbableLocation{
			JunctionID:  n.id,
			Direction:   n.heading,
			Probability: w,
			GraphDist:   n.dist,
		})

		if n.dist >= r.cfg.MaxHops {
			continue
		}
		for _, e := range r.graph.Neighbors(n.id) {
			if visited[e.To] {
				continue
			}
			pt := n.pathTime + e.TravelTime
			if pt > budget {
				continue
			}
			visited[e.To] = true
			hop := n.heading
			if n.dist == 0 {
				hop = e.Direction
			}
			queue = append(queue, searchNode{id: e.To, dist: n.dist + 1, pathTime: pt, heading: hop})
		}
	}

	var sum float64
	for _, l := range out {
		sum += l.Probability
	}
	if sum > 0 {
		for i := range out {
			out[i].Probability /= sum
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Probability != out[j].Probability {
			return out[i].Probability > out[j].Probability
		}
		return out[i].JunctionID < out[j].JunctionID
	})
	if len(out) > r.cfg.TopK {
		out = out[:r.cfg.TopK]
	}
	return out
}

func copyIncident(inc *Incident) Incident {
	cp := *inc
	if inc.Result != nil {
		cp.Result = cloneResult(inc.Result)
	}
	return cp
}

func cloneResult(res *InferenceResult) *InferenceResult {
	cp := *res
	cp.Locations = append([]ProbableLocation(nil), res.Locations...)
	cp.Detections = append([]detect.Detection(nil), res.Detections...)
	return &cp
}
