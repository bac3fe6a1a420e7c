package agent

import (
	"testing"
	"time"

	"github.com/urbanos/trafficd/internal/density"
	"github.com/urbanos/trafficd/internal/safety"
	"github.com/urbanos/trafficd/internal/signal"
	"github.com/urbanos/trafficd/internal/traffic"
)

func testJunction(id string, scores map[traffic.Direction]float64, total int) density.JunctionDensity {
	d := density.JunctionDensity{
		JunctionID:    id,
		Directional:   make(map[traffic.Direction]float64, 4),
		Counts:        make(map[traffic.Direction]int, 4),
		TotalVehicles: total,
	}
	for _, dir := range traffic.AllDirections {
		d.Directional[dir] = scores[dir]
		if scores[dir] > d.MaxScore {
			d.MaxScore = scores[dir]
		}
	}
	return d
}

func allRedSignals(id string, at time.Time) signal.JunctionSignals {
	js := signal.JunctionSignals{JunctionID: id, States: make(map[traffic.Direction]signal.State, 4)}
	for _, dir := range traffic.AllDirections {
		js.States[dir] = signal.State{Color: signal.Red, LastChange: at, LastGreen: at}
	}
	return js
}

func withGreen(js signal.JunctionSignals, dir traffic.Direction, since time.Time) signal.JunctionSignals {
	st := js.States[dir]
	st.Color = signal.Green
	st.LastChange = since
	st.LastGreen = since
	js.States[dir] = st
	return js
}

func TestRuleBasedGreensBusiestApproach(t *testing.T) {
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	js := withGreen(allRedSignals("J-1", now.Add(-5*time.Minute)), traffic.North, now.Add(-time.Minute))
	state := PerceivedState{
		At:   now,
		Mode: safety.ModeNormal,
		Junctions: map[string]density.JunctionDensity{
			"J-1": testJunction("J-1", map[traffic.Direction]float64{traffic.North: 10, traffic.East: 40}, 11),
		},
		Signals: map[string]signal.JunctionSignals{"J-1": js},
	}

	out, err := NewRuleBased(10 * time.Second).Decide(state)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if len(out.Items) != 2 {
		t.Fatalf("expected RED then GREEN, got %+v", out.Items)
	}
	red, green := out.Items[0], out.Items[1]
	if red.Action != ActionRed || red.Direction != traffic.North {
		t.Fatalf("first decision should red the current green, got %+v", red)
	}
	if green.Action != ActionGreen || green.Direction != traffic.East {
		t.Fatalf("second decision should green the busiest approach, got %+v", green)
	}
	if green.Duration != 60*time.Second {
		t.Fatalf("score 40 should clamp to 60s, got %s", green.Duration)
	}
	if out.Actionable() != 2 {
		t.Fatalf("actionable = %d, want 2", out.Actionable())
	}
}

func TestRuleBasedHoldsWhenBusiestIsGreen(t *testing.T) {
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	cases := []struct {
		name   string
		dwell  time.Duration
		reason string
	}{
		{"served long enough", 30 * time.Second, "busiest approach already green"},
		{"still inside min green", 3 * time.Second, "min green dwell"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			js := withGreen(allRedSignals("J-1", now.Add(-time.Hour)), traffic.East, now.Add(-tc.dwell))
			state := PerceivedState{
				At: now,
				Junctions: map[string]density.JunctionDensity{
					"J-1": testJunction("J-1", map[traffic.Direction]float64{traffic.East: 55}, 9),
				},
				Signals: map[string]signal.JunctionSignals{"J-1": js},
			}
			out, err := NewRuleBased(10 * time.Second).Decide(state)
			if err != nil {
				t.Fatalf("decide: %v", err)
			}
			if len(out.Items) != 1 || out.Items[0].Action != ActionHold {
				t.Fatalf("expected a single HOLD, got %+v", out.Items)
			}
			if out.Items[0].Reason != tc.reason {
				t.Fatalf("reason = %q, want %q", out.Items[0].Reason, tc.reason)
			}
		})
	}
}

func TestRuleBasedTieBreaksOnLongestWait(t *testing.T) {
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	js := allRedSignals("J-1", now.Add(-time.Minute))
	north := js.States[traffic.North]
	north.LastGreen = now.Add(-time.Minute)
	js.States[traffic.North] = north
	east := js.States[traffic.East]
	east.LastGreen = now.Add(-10 * time.Minute)
	js.States[traffic.East] = east

	state := PerceivedState{
		At: now,
		Junctions: map[string]density.JunctionDensity{
			"J-1": testJunction("J-1", map[traffic.Direction]float64{traffic.North: 30, traffic.East: 30}, 12),
		},
		Signals: map[string]signal.JunctionSignals{"J-1": js},
	}
	out, err := NewRuleBased(10 * time.Second).Decide(state)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if len(out.Items) != 1 {
		t.Fatalf("all red junction should produce one GREEN, got %+v", out.Items)
	}
	if out.Items[0].Direction != traffic.East {
		t.Fatalf("tie should go to the longest-waiting approach, got %s", out.Items[0].Direction)
	}
}

func TestRuleBasedHoldsIdleJunction(t *testing.T) {
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	state := PerceivedState{
		At: now,
		Junctions: map[string]density.JunctionDensity{
			"J-1": testJunction("J-1", nil, 0),
		},
		Signals: map[string]signal.JunctionSignals{"J-1": allRedSignals("J-1", now)},
	}
	out, err := NewRuleBased(10 * time.Second).Decide(state)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if len(out.Items) != 1 || out.Items[0].Action != ActionHold || out.Items[0].Reason != "no demand" {
		t.Fatalf("idle junction should hold, got %+v", out.Items)
	}
}

func TestGreenDurationScales(t *testing.T) {
	cases := []struct {
		score float64
		want  time.Duration
	}{
		{0, 15 * time.Second},
		{5, 25 * time.Second},
		{22.5, 60 * time.Second},
		{100, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := greenDuration(tc.score); got != tc.want {
			t.Fatalf("greenDuration(%.1f) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestManualHoldsEverything(t *testing.T) {
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	state := PerceivedState{
		At: now,
		Junctions: map[string]density.JunctionDensity{
			"J-2": testJunction("J-2", map[traffic.Direction]float64{traffic.West: 80}, 20),
			"J-1": testJunction("J-1", map[traffic.Direction]float64{traffic.North: 90}, 30),
		},
		Signals: map[string]signal.JunctionSignals{
			"J-1": allRedSignals("J-1", now),
			"J-2": allRedSignals("J-2", now),
		},
	}
	out, err := Manual{}.Decide(state)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if len(out.Items) != 2 || out.Actionable() != 0 {
		t.Fatalf("manual must hold all junctions, got %+v", out.Items)
	}
	if out.Items[0].JunctionID != "J-1" || out.Items[1].JunctionID != "J-2" {
		t.Fatalf("decisions should come in sorted junction order, got %+v", out.Items)
	}
}
