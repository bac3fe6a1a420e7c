package agent

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/urbanos/trafficd/internal/observ"
	"github.com/urbanos/trafficd/internal/signal"
	"github.com/urbanos/trafficd/internal/traffic"
)

// featuresPerJunction is the policy's fixed per-junction feature width: four
// directional densities, waiting time, signal code, total vehicles.
const featuresPerJunction = 7

const inferenceBudget = 100 * time.Millisecond

// actionDirections maps a policy argmax to the approach to green.
var actionDirections = [...]traffic.Direction{traffic.North, traffic.East, traffic.South, traffic.West}

// Policy maps a flat observation vector to one action index per junction.
// Act must be deterministic; Value is the critic head.
type Policy interface {
	Act(obs []float64) []int
	Value(obs []float64) float64
}

// LinearPolicy scores each junction independently with one weight row per
// action over its seven features. A shared value head scores the whole
// observation. No training happens here; weights come from a file.
type LinearPolicy struct {
	Weights [][]float64 `json:"weights"`
	Bias    []float64   `json:"bias"`
	ValueW  []float64   `json:"value_weights"`
	ValueB  float64     `json:"value_bias"`
}

// LoadPolicy reads a JSON weights file.
func LoadPolicy(path string) (*LinearPolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	var p LinearPolicy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	return &p, nil
}

// DefaultPolicy greens the densest approach and scores congestion
// negatively. Used when no weights file is configured.
func DefaultPolicy() *LinearPolicy {
	w := make([][]float64, len(actionDirections))
	for a := range w {
		row := make([]float64, featuresPerJunction)
		row[a] = 1
		w[a] = row
	}
	return &LinearPolicy{
		Weights: w,
		Bias:    make([]float64, len(actionDirections)),
		ValueW:  []float64{-0.25, -0.25, -0.25, -0.25, -0.5, 0, -0.5},
	}
}

func (p *LinearPolicy) validate() error {
	if len(p.Weights) != len(actionDirections) {
		return fmt.Errorf("%d action rows, want %d", len(p.Weights), len(actionDirections))
	}
	for i, row := range p.Weights {
		if len(row) != featuresPerJunction {
			return fmt.Errorf("action %d has %d weights, want %d", i, len(row), featuresPerJunction)
		}
	}
	if len(p.Bias) != len(p.Weights) {
		return fmt.Errorf("bias length %d, want %d", len(p.Bias), len(p.Weights))
	}
	if len(p.ValueW) != featuresPerJunction {
		return fmt.Errorf("value head length %d, want %d", len(p.ValueW), featuresPerJunction)
	}
	return nil
}

// Act picks the argmax action per junction; ties go to the lower index.
func (p *LinearPolicy) Act(obs []float64) []int {
	n := len(obs) / featuresPerJunction
	out := make([]int, n)
	for j := 0; j < n; j++ {
		feats := obs[j*featuresPerJunction : (j+1)*featuresPerJunction]
		best, bestScore := 0, math.Inf(-1)
		for a, row := range p.Weights {
			s := p.Bias[a]
			for k, w := range row {
				s += w * feats[k]
			}
			if s > bestScore {
				best, bestScore = a, s
			}
		}
		out[j] = best
	}
	return out
}

// Value applies the per-junction value head across the observation.
func (p *LinearPolicy) Value(obs []float64) float64 {
	v := p.ValueB
	for i, x := range obs {
		v += p.ValueW[i%featuresPerJunction] * x
	}
	return v
}

// RL drives signals from a learned policy. It keeps the last observation so
// the prediction engine's critic calls can score the current network without
// rebuilding state.
type RL struct {
	policy   Policy
	duration time.Duration
	now      func() time.Time

	mu      sync.Mutex
	lastObs []float64
}

func NewRL(policy Policy, greenDuration time.Duration) *RL {
	if greenDuration <= 0 {
		greenDuration = 30 * time.Second
	}
	return &RL{policy: policy, duration: greenDuration, now: time.Now}
}

func (r *RL) Name() string { return StrategyRL }

func (r *RL) Decide(state PerceivedState) (Decisions, error) {
	ids := sortedJunctionIDs(state.Junctions)
	if len(ids) == 0 {
		return Decisions{}, nil
	}
	obs := Observation(state, ids)

	start := r.now()
	actions := r.policy.Act(obs)
	if elapsed := r.now().Sub(start); elapsed > inferenceBudget {
		observ.IncCounter("agent_slow_inference_total", nil)
		observ.Log("agent_slow_inference", map[string]any{
			"elapsed_ms": float64(elapsed) / float64(time.Millisecond),
			"budget_ms":  float64(inferenceBudget) / float64(time.Millisecond),
		})
	}
	if len(actions) != len(ids) {
		return Decisions{}, fmt.Errorf("policy returned %d actions for %d junctions", len(actions), len(ids))
	}

	r.mu.Lock()
	r.lastObs = obs
	r.mu.Unlock()

	var out Decisions
	for i, id := range ids {
		a := actions[i]
		if a < 0 || a >= len(actionDirections) {
			return Decisions{}, fmt.Errorf("policy action %d out of range at %s", a, id)
		}
		dir := actionDirections[a]
		js := state.Signals[id]
		if js.States[dir].Color == signal.Green {
			out.Items = append(out.Items, SignalDecision{JunctionID: id, Direction: dir, Action: ActionHold, Reason: "policy keeps green"})
			continue
		}
		for _, g := range js.GreenDirections() {
			out.Items = append(out.Items, SignalDecision{
				JunctionID: id, Direction: g, Action: ActionRed,
				Reason: "yield to " + string(dir),
			})
		}
		out.Items = append(out.Items, SignalDecision{
			JunctionID: id, Direction: dir, Action: ActionGreen,
			Duration: r.duration, Reason: "policy",
		})
	}
	return out, nil
}

// Value implements the prediction engine's critic. A nil observation means
// "score the current network", served from the last decide's snapshot.
func (r *RL) Value(obs []float64) float64 {
	if obs == nil {
		r.mu.Lock()
		obs = r.lastObs
		r.mu.Unlock()
	}
	return r.policy.Value(obs)
}

// Observation flattens junction state into the policy's feature layout,
// seven features per junction in sorted-id order. Densities are normalized
// by 100, waiting by 60 s, vehicle counts by 50; the signal code is the
// green approach's index over 3, or -1/3 when all approaches are red.
func Observation(state PerceivedState, ids []string) []float64 {
	obs := make([]float64, 0, len(ids)*featuresPerJunction)
	for _, id := range ids {
		jd := state.Junctions[id]
		js := state.Signals[id]
		for _, dir := range traffic.AllDirections {
			obs = append(obs, jd.Directional[dir]/100)
		}
		wait := 0.0
		for _, dir := range traffic.AllDirections {
			if w := js.Waiting(dir, state.At).Seconds(); w > wait {
				wait = w
			}
		}
		obs = append(obs, capAt(wait/60, 1))
		obs = append(obs, signalCode(js))
		obs = append(obs, capAt(float64(jd.TotalVehicles)/50, 1))
	}
	return obs
}

func signalCode(js signal.JunctionSignals) float64 {
	for i, dir := range traffic.AllDirections {
		if js.States[dir].Color == signal.Green {
			return float64(i) / 3
		}
	}
	return -1.0 / 3
}

func capAt(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	return v
}
