package agent

import (
	"fmt"
	"sort"
	"time"

	"github.com/urbanos/trafficd/internal/density"
	"github.com/urbanos/trafficd/internal/predict"
	"github.com/urbanos/trafficd/internal/safety"
	"github.com/urbanos/trafficd/internal/signal"
	"github.com/urbanos/trafficd/internal/traffic"
)

// Strategy names accepted by config and the ops surface.
const (
	StrategyRL        = "RL"
	StrategyRuleBased = "RULE_BASED"
	StrategyManual    = "MANUAL"
)

// Action is what a decision asks of one signal head.
type Action string

const (
	ActionGreen Action = "GREEN"
	ActionRed   Action = "RED"
	ActionHold  Action = "HOLD"
)

// PerceivedState is the read snapshot one tick decides on. It is assembled
// once at the top of the tick so every stage sees the same world.
type PerceivedState struct {
	Tick        uint64
	At          time.Time
	Mode        safety.Mode
	Junctions   map[string]density.JunctionDensity
	Signals     map[string]signal.JunctionSignals
	Predictions []predict.Prediction
}

// SignalDecision is one requested change. HOLD decisions never reach the
// kernel; they record why a junction was left alone.
type SignalDecision struct {
	JunctionID string            `json:"junction_id"`
	Direction  traffic.Direction `json:"direction,omitempty"`
	Action     Action            `json:"action"`
	Duration   time.Duration     `json:"duration,omitempty"`
	Reason     string            `json:"reason,omitempty"`
}

// Decisions is the ordered output of one decide stage. EmergencyOverride
// marks ticks where the corridor subsystem owns the signals and the act
// stage is skipped wholesale.
type Decisions struct {
	Items             []SignalDecision `json:"items"`
	EmergencyOverride bool             `json:"emergency_override,omitempty"`
}

// Actionable counts the decisions that would reach the kernel.
func (d Decisions) Actionable() int {
	n := 0
	for _, it := range d.Items {
		if it.Action != ActionHold {
			n++
		}
	}
	return n
}

// Strategy turns a perceived state into signal decisions. Implementations
// must be deterministic for a given state.
type Strategy interface {
	Name() string
	Decide(state PerceivedState) (Decisions, error)
}

// RuleBased greens the busiest approach at every junction, yielding the
// current green first so the kernel's conflict rule admits the swap.
type RuleBased struct {
	MinGreen time.Duration
}

func NewRuleBased(minGreen time.Duration) RuleBased {
	if minGreen <= 0 {
		minGreen = 10 * time.Second
	}
	return RuleBased{MinGreen: minGreen}
}

func (RuleBased) Name() string { return StrategyRuleBased }

func (s RuleBased) Decide(state PerceivedState) (Decisions, error) {
	var out Decisions
	for _, id := range sortedJunctionIDs(state.Junctions) {
		jd := state.Junctions[id]
		js, ok := state.Signals[id]
		if !ok {
			continue
		}
		if jd.TotalVehicles == 0 {
			out.Items = append(out.Items, SignalDecision{JunctionID: id, Action: ActionHold, Reason: "no demand"})
			continue
		}
		best, score := busiestApproach(jd, js, state.At)
		if js.States[best].Color == signal.Green {
			reason := "busiest approach already green"
			if js.Dwell(best, state.At) < s.MinGreen {
				reason = "min green dwell"
			}
			out.Items = append(out.Items, SignalDecision{JunctionID: id, Direction: best, Action: ActionHold, Reason: reason})
			continue
		}
		for _, g := range js.GreenDirections() {
			out.Items = append(out.Items, SignalDecision{
				JunctionID: id, Direction: g, Action: ActionRed,
				Reason: "yield to " + string(best),
			})
		}
		out.Items = append(out.Items, SignalDecision{
			JunctionID: id, Direction: best, Action: ActionGreen,
			Duration: greenDuration(score),
			Reason:   fmt.Sprintf("densest approach, score %.1f", score),
		})
	}
	return out, nil
}

// busiestApproach picks the direction with the highest directional score,
// breaking ties toward the approach that has waited longest since its last
// green.
func busiestApproach(jd density.JunctionDensity, js signal.JunctionSignals, now time.Time) (traffic.Direction, float64) {
	best := traffic.North
	bestScore := -1.0
	bestWait := -time.Second
	for _, dir := range traffic.AllDirections {
		score := jd.Directional[dir]
		wait := js.Waiting(dir, now)
		if score > bestScore || (score == bestScore && wait > bestWait) {
			best, bestScore, bestWait = dir, score, wait
		}
	}
	return best, bestScore
}

// greenDuration scales the hold with congestion: 15 s floor plus two seconds
// per density point, capped at 60 s.
func greenDuration(score float64) time.Duration {
	s := 15 + 2*score
	if s < 15 {
		s = 15
	}
	if s > 60 {
		s = 60
	}
	return time.Duration(s * float64(time.Second))
}

// Manual never changes signals on its own; operators drive overrides.
type Manual struct{}

func (Manual) Name() string { return StrategyManual }

func (Manual) Decide(state PerceivedState) (Decisions, error) {
	out := Decisions{Items: make([]SignalDecision, 0, len(state.Junctions))}
	for _, id := range sortedJunctionIDs(state.Junctions) {
		out.Items = append(out.Items, SignalDecision{JunctionID: id, Action: ActionHold, Reason: "manual strategy"})
	}
	return out, nil
}

func sortedJunctionIDs(m map[string]density.JunctionDensity) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
