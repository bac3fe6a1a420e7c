// Package emergency manages green-wave corridors for emergency vehicles.
// Activating a corridor flips the system to EMERGENCY mode and preempts
// every junction on the route through the safety kernel. Explicit release
// reverts the mode; TTL expiry leaves the reversion to the watchdog's
// coherence check.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/urbanos/trafficd/internal/emit"
	"github.com/urbanos/trafficd/internal/observ"
	"github.com/urbanos/trafficd/internal/safety"
	"github.com/urbanos/trafficd/internal/signal"
	"github.com/urbanos/trafficd/internal/traffic"
)

var (
	ErrBadRoute = errors.New("bad corridor route")
	ErrNotFound = errors.New("corridor not found")
)

const (
	defaultTTL  = 120 * time.Second
	maxRetained = 128
	sweepEvery  = time.Second
)

// Corridor is one active or historical green wave. Headings maps each route
// junction to the approach held green for the vehicle.
type Corridor struct {
	ID            string                       `json:"id"`
	VehicleID     string                       `json:"vehicle_id"`
	Route         []string                     `json:"route"`
	Headings      map[string]traffic.Direction `json:"headings"`
	OperatorID    string                       `json:"operator_id"`
	ActivatedAt   time.Time                    `json:"activated_at"`
	ExpiresAt     time.Time                    `json:"expires_at"`
	DeactivatedAt *time.Time                   `json:"deactivated_at,omitempty"`
}

func (c Corridor) ActiveAt(now time.Time) bool {
	return c.DeactivatedAt == nil && c.ExpiresAt.After(now)
}

type Config struct {
	TTL time.Duration
}

// Registry owns corridor lifecycle. It implements safety.CorridorSource so
// the watchdog can spot an EMERGENCY mode nobody is using anymore.
type Registry struct {
	cfg     Config
	kernel  *safety.Kernel
	graph   traffic.JunctionGraph
	emitter emit.Emitter
	now     func() time.Time

	mu         sync.RWMutex
	corridors  []*Corridor // oldest first, capped
	lastActive time.Time
}

func NewRegistry(cfg Config, kernel *safety.Kernel, graph traffic.JunctionGraph, emitter emit.Emitter) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if emitter == nil {
		emitter = emit.Discard{}
	}
	return &Registry{cfg: cfg, kernel: kernel, graph: graph, emitter: emitter, now: time.Now}
}

// Activate registers a green wave along route (junction ids in travel
// order), switches the system to EMERGENCY and preempts each junction:
// GREEN on the exit heading, RED everywhere else.
func (r *Registry) Activate(ctx context.Context, route []string, vehicleID, operator string) (Corridor, error) {
	headings, err := r.routeHeadings(route)
	if err != nil {
		return Corridor{}, err
	}
	if err := r.kernel.Modes().Set(safety.ModeEmergency, "emergency corridor for "+vehicleID, operator); err != nil {
		return Corridor{}, fmt.Errorf("corridor mode: %w", err)
	}

	now := r.now()
	c := &Corridor{
		ID:          uuid.NewString(),
		VehicleID:   vehicleID,
		Route:       append([]string(nil), route...),
		Headings:    headings,
		OperatorID:  operator,
		ActivatedAt: now,
		ExpiresAt:   now.Add(r.cfg.TTL),
	}

	r.mu.Lock()
	r.corridors = append(r.corridors, c)
	if len(r.corridors) > maxRetained {
		r.corridors = r.corridors[len(r.corridors)-maxRetained:]
	}
	r.lastActive = now
	r.mu.Unlock()

	r.preempt(ctx, *c)

	observ.IncCounter("emergency_corridors_total", nil)
	observ.Log("emergency_corridor_activated", map[string]any{
		"corridor": c.ID, "vehicle": vehicleID, "route": route, "operator": operator,
	})
	r.emitter.Emit(emit.EventEmergencyActivated, map[string]any{
		"corridor_id": c.ID,
		"vehicle_id":  vehicleID,
		"route":       c.Route,
		"operator":    operator,
		"expires_at":  c.ExpiresAt,
	})
	return cloneCorridor(*c), nil
}

// routeHeadings validates adjacency and derives the green heading per
// junction. The vehicle exits the last junction on its arrival heading.
func (r *Registry) routeHeadings(route []string) (map[string]traffic.Direction, error) {
	if len(route) < 2 {
		return nil, fmt.Errorf("%w: need at least two junctions", ErrBadRoute)
	}
	headings := make(map[string]traffic.Direction, len(route))
	seen := make(map[string]bool, len(route))
	for i, id := range route {
		if _, ok := r.graph.Junction(id); !ok {
			return nil, fmt.Errorf("%w: unknown junction %s", ErrBadRoute, id)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: junction %s repeats", ErrBadRoute, id)
		}
		seen[id] = true
		if i == len(route)-1 {
			break
		}
		next := route[i+1]
		found := false
		for _, e := range r.graph.Neighbors(id) {
			if e.To == next {
				headings[id] = e.Direction
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s and %s are not adjacent", ErrBadRoute, id, next)
		}
	}
	headings[route[len(route)-1]] = headings[route[len(route)-2]]
	return headings, nil
}

// preempt flips each route junction, cross approaches RED first so the
// conflict rule admits the corridor GREEN.
func (r *Registry) preempt(ctx context.Context, c Corridor) {
	hold := c.ExpiresAt.Sub(r.now())
	for _, id := range c.Route {
		green := c.Headings[id]
		for _, dir := range traffic.AllDirections {
			if dir == green {
				continue
			}
			if err := r.kernel.Apply(ctx, id, dir, signal.Red, hold, safety.ActorEmergency, "corridor "+c.ID); err != nil {
				observ.LogError("emergency_preempt_failed", err, map[string]any{"junction": id, "direction": string(dir)})
			}
		}
		if err := r.kernel.Apply(ctx, id, green, signal.Green, hold, safety.ActorEmergency, "corridor "+c.ID); err != nil {
			observ.LogError("emergency_preempt_failed", err, map[string]any{"junction": id, "direction": string(green)})
		}
	}
}

// Deactivate releases a corridor. When the last active corridor goes and
// the system still sits in EMERGENCY, the mode returns to NORMAL.
// Deactivating an already released corridor is a no-op.
func (r *Registry) Deactivate(id, operator string) error {
	now := r.now()
	r.mu.Lock()
	var c *Corridor
	for _, cc := range r.corridors {
		if cc.ID == id {
			c = cc
			break
		}
	}
	if c == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if c.DeactivatedAt != nil {
		r.mu.Unlock()
		return nil
	}
	c.DeactivatedAt = &now
	r.lastActive = now
	active := r.activeLocked(now)
	r.mu.Unlock()

	observ.Log("emergency_corridor_deactivated", map[string]any{"corridor": id, "operator": operator})
	r.emitter.Emit(emit.EventSystem, map[string]any{
		"event_type": "EMERGENCY_DEACTIVATED",
		"severity":   "INFO",
		"message":    fmt.Sprintf("corridor %s released by %s", id, operator),
	})
	if active == 0 && r.kernel.Mode() == safety.ModeEmergency {
		if err := r.kernel.Modes().Set(safety.ModeNormal, "last corridor released", operator); err != nil {
			observ.LogError("emergency_mode_revert_failed", err, nil)
		}
	}
	return nil
}

func (r *Registry) Get(id string) (Corridor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.corridors {
		if c.ID == id {
			return cloneCorridor(*c), nil
		}
	}
	return Corridor{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Active lists currently binding corridors, newest first.
func (r *Registry) Active() []Corridor {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Corridor
	for i := len(r.corridors) - 1; i >= 0; i-- {
		if r.corridors[i].ActiveAt(now) {
			out = append(out, cloneCorridor(*r.corridors[i]))
		}
	}
	return out
}

// ActiveCount feeds the watchdog's mode-coherence check.
func (r *Registry) ActiveCount() int {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeLocked(now)
}

// LastActive is the last instant corridor state changed, zero before the
// first activation.
func (r *Registry) LastActive() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastActive
}

func (r *Registry) activeLocked(now time.Time) int {
	n := 0
	for _, c := range r.corridors {
		if c.ActiveAt(now) {
			n++
		}
	}
	return n
}

// Run sweeps expired corridors until the context ends.
func (r *Registry) Run(ctx context.Context) {
	t := time.NewTicker(sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	now := r.now()
	var expired []string
	r.mu.Lock()
	for _, c := range r.corridors {
		if c.DeactivatedAt == nil && !c.ExpiresAt.After(now) {
			ts := now
			c.DeactivatedAt = &ts
			expired = append(expired, c.ID)
		}
	}
	if len(expired) > 0 {
		r.lastActive = now
	}
	r.mu.Unlock()

	for _, id := range expired {
		observ.IncCounter("emergency_corridors_expired_total", nil)
		observ.Log("emergency_corridor_expired", map[string]any{"corridor": id})
	}
}

func cloneCorridor(c Corridor) Corridor {
	c.Route = append([]string(nil), c.Route...)
	h := make(map[string]traffic.Direction, len(c.Headings))
	for k, v := range c.Headings {
		h[k] = v
	}
	c.Headings = h
	if c.DeactivatedAt != nil {
		ts := *c.DeactivatedAt
		c.DeactivatedAt = &ts
	}
	return c
}
