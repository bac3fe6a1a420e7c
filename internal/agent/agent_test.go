package agent

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/urbanos/trafficd/internal/density"
	"github.com/urbanos/trafficd/internal/emit"
	"github.com/urbanos/trafficd/internal/predict"
	"github.com/urbanos/trafficd/internal/safety"
	"github.com/urbanos/trafficd/internal/signal"
	"github.com/urbanos/trafficd/internal/store"
	"github.com/urbanos/trafficd/internal/traffic"
)

type stubDensity struct {
	junctions map[string]density.JunctionDensity
	roads     map[string]density.RoadDensity
}

func (s *stubDensity) JunctionDensities() map[string]density.JunctionDensity { return s.junctions }

func (s *stubDensity) RoadIDs() []string {
	ids := make([]string, 0, len(s.roads))
	for id := range s.roads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *stubDensity) RoadDensity(id string) (density.RoadDensity, bool) {
	d, ok := s.roads[id]
	return d, ok
}

type memLogs struct {
	mu   sync.Mutex
	rows []store.AgentLog
}

func (m *memLogs) WriteAgentLog(_ context.Context, row store.AgentLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, row)
	return nil
}

func (m *memLogs) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *memLogs) first() store.AgentLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[0]
}

type countingStrategy struct {
	mu     sync.Mutex
	calls  int
	panics int
}

func (c *countingStrategy) Name() string { return "COUNTING" }

func (c *countingStrategy) Decide(PerceivedState) (Decisions, error) {
	c.mu.Lock()
	c.calls++
	boom := c.calls <= c.panics
	c.mu.Unlock()
	if boom {
		panic("strategy exploded")
	}
	return Decisions{}, nil
}

func (c *countingStrategy) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type sleepStrategy struct {
	d       time.Duration
	started chan struct{}
}

func (s *sleepStrategy) Name() string { return "SLEEPY" }

func (s *sleepStrategy) Decide(PerceivedState) (Decisions, error) {
	select {
	case s.started <- struct{}{}:
	default:
	}
	time.Sleep(s.d)
	return Decisions{}, nil
}

type stubPredictor struct {
	mu    sync.Mutex
	calls [][]string
}

func (s *stubPredictor) PredictAll(ids []string, _ []int) []predict.Prediction {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, append([]string(nil), ids...))
	out := make([]predict.Prediction, len(ids))
	for i, id := range ids {
		out[i] = predict.Prediction{RoadID: id}
	}
	return out
}

func (s *stubPredictor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type rig struct {
	kernel *safety.Kernel
	sim    *signal.Sim
	dens   *stubDensity
	logs   *memLogs
	agent  *Agent
}

func newRig(t *testing.T, rules safety.Rules, strat Strategy, dens *stubDensity) *rig {
	t.Helper()
	ids := make([]string, 0, len(dens.junctions))
	for id := range dens.junctions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	sim := signal.NewSim(ids, nil)
	kernel := safety.New(safety.Config{Rules: rules}, sim, emit.Discard{})
	logs := &memLogs{}
	a := New(Config{Period: 10 * time.Millisecond}, kernel, dens, sim, strat, nil, logs)
	return &rig{kernel: kernel, sim: sim, dens: dens, logs: logs, agent: a}
}

func eastboundDemand() *stubDensity {
	return &stubDensity{
		junctions: map[string]density.JunctionDensity{
			"J-1": testJunction("J-1", map[traffic.Direction]float64{traffic.East: 40}, 11),
		},
	}
}

func TestTickAppliesDecisionThroughKernel(t *testing.T) {
	r := newRig(t, safety.Rules{}, NewRuleBased(time.Second), eastboundDemand())

	r.agent.tickOnce(context.Background())

	js, ok := r.sim.Signals("J-1")
	require.True(t, ok)
	require.Equal(t, signal.Green, js.States[traffic.East].Color)
	require.Equal(t, 60*time.Second, js.States[traffic.East].Duration)
	require.Zero(t, r.agent.ConsecutiveRejects())
	require.False(t, r.agent.LastTick().IsZero())
}

func TestTickCountsRejectionStreak(t *testing.T) {
	r := newRig(t, safety.Rules{MinRed: time.Hour}, NewRuleBased(time.Second), eastboundDemand())

	for i := 0; i < 3; i++ {
		r.agent.tickOnce(context.Background())
	}

	require.Equal(t, 3, r.agent.ConsecutiveRejects())
	js, _ := r.sim.Signals("J-1")
	require.Equal(t, signal.Red, js.States[traffic.East].Color)
}

func TestFailsafeSuspendsDecide(t *testing.T) {
	ctx := context.Background()
	strat := &countingStrategy{}
	r := newRig(t, safety.Rules{}, strat, eastboundDemand())

	r.kernel.EnterFailSafe(ctx, "drill")
	r.agent.tickOnce(ctx)
	r.agent.tickOnce(ctx)
	require.Zero(t, strat.count(), "suspended agent must not decide")
	require.False(t, r.agent.LastTick().IsZero(), "heartbeat continues while suspended")

	require.NoError(t, r.kernel.ExitFailSafe("op-7", "drill over"))
	r.agent.tickOnce(ctx)
	require.Equal(t, 1, strat.count())
}

func TestDisableAgentOverrideSkipsDecide(t *testing.T) {
	ctx := context.Background()
	strat := &countingStrategy{}
	r := newRig(t, safety.Rules{}, strat, eastboundDemand())

	r.kernel.Overrides().Add(safety.Override{Kind: safety.DisableAgent, OperatorID: "op-1", Reason: "maintenance"})
	r.agent.tickOnce(ctx)
	require.Zero(t, strat.count())

	r.kernel.Overrides().Add(safety.Override{Kind: safety.EnableAgent, OperatorID: "op-1", Reason: "done"})
	r.agent.tickOnce(ctx)
	require.Equal(t, 1, strat.count())
}

func TestPanicInStrategyAbandonsTickOnly(t *testing.T) {
	ctx := context.Background()
	strat := &countingStrategy{panics: 1}
	r := newRig(t, safety.Rules{}, strat, eastboundDemand())

	r.agent.tickOnce(ctx)
	r.agent.tickOnce(ctx)
	require.Equal(t, 2, strat.count(), "loop must survive a strategy panic")
}

func TestPausedTickKeepsHeartbeat(t *testing.T) {
	strat := &countingStrategy{}
	r := newRig(t, safety.Rules{}, strat, eastboundDemand())

	r.agent.mu.Lock()
	r.agent.status = StatusPaused
	r.agent.mu.Unlock()

	r.agent.tickOnce(context.Background())
	require.Zero(t, strat.count())
	require.False(t, r.agent.LastTick().IsZero())
}

func TestForceOverrideBeatsAgentDecision(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, safety.Rules{}, NewRuleBased(time.Second), eastboundDemand())

	_, err := r.kernel.ApplyForce(ctx, safety.Override{
		JunctionID: "J-1", Direction: traffic.East, Color: signal.Red,
		Duration: time.Minute, OperatorID: "op-2", Reason: "roadworks",
	})
	require.NoError(t, err)

	r.agent.tickOnce(ctx)

	js, _ := r.sim.Signals("J-1")
	require.Equal(t, signal.Red, js.States[traffic.East].Color, "forced head must win over the agent")
	require.Zero(t, r.agent.ConsecutiveRejects())
}

func TestManualStrategyChangesNothing(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, safety.Rules{}, Manual{}, eastboundDemand())
	before := colorsOf(r.sim.Snapshot())

	for i := 0; i < 3; i++ {
		r.agent.tickOnce(ctx)
	}

	require.Equal(t, before, colorsOf(r.sim.Snapshot()))
}

func colorsOf(snap map[string]signal.JunctionSignals) map[string]map[traffic.Direction]signal.Color {
	out := make(map[string]map[traffic.Direction]signal.Color, len(snap))
	for id, js := range snap {
		m := make(map[traffic.Direction]signal.Color, len(js.States))
		for d, st := range js.States {
			m[d] = st.Color
		}
		out[id] = m
	}
	return out
}

func TestTickWritesAgentLogRow(t *testing.T) {
	r := newRig(t, safety.Rules{}, NewRuleBased(time.Second), eastboundDemand())

	r.agent.tickOnce(context.Background())

	require.Eventually(t, func() bool { return r.logs.count() >= 1 }, time.Second, 5*time.Millisecond)
	row := r.logs.first()
	require.Equal(t, StrategyRuleBased, row.Strategy)
	require.Equal(t, string(safety.ModeNormal), row.Mode)
	require.False(t, row.TS.IsZero())

	var items []SignalDecision
	require.NoError(t, json.Unmarshal(row.Decisions, &items))
	require.NotEmpty(t, items)
	require.Contains(t, string(row.StateSummary), "total_vehicles")
	require.Contains(t, string(row.StateSummary), `"admitted"`)
}

func TestPredictStageGatedByStrategy(t *testing.T) {
	ctx := context.Background()
	dens := &stubDensity{
		junctions: map[string]density.JunctionDensity{
			"J-1": testJunction("J-1", map[traffic.Direction]float64{traffic.East: 70}, 10),
		},
		roads: map[string]density.RoadDensity{
			"R-1": {RoadID: "R-1", Score: 80},
			"R-2": {RoadID: "R-2", Score: 10},
			"R-3": {RoadID: "R-3", Score: 50},
		},
	}

	pred := &stubPredictor{}
	r := newRig(t, safety.Rules{}, NewRL(DefaultPolicy(), 0), dens)
	r.agent.predictor = pred
	r.agent.cfg.TopKPredict = 2

	r.agent.tickOnce(ctx)
	require.Equal(t, 1, pred.callCount())
	require.Equal(t, []string{"R-1", "R-3"}, pred.calls[0], "top-k congested roads, busiest first")

	ruled := newRig(t, safety.Rules{}, NewRuleBased(time.Second), dens)
	ruled.agent.predictor = pred
	ruled.agent.tickOnce(ctx)
	require.Equal(t, 1, pred.callCount(), "rule-based strategy takes no forecasts")
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, safety.Rules{}, NewRuleBased(time.Second), eastboundDemand())
	a := r.agent

	require.NoError(t, a.Start(ctx))
	require.ErrorIs(t, a.Start(ctx), ErrAlreadyStarted)
	require.Eventually(t, a.Running, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !a.LastTick().IsZero() }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Pause())
	require.Equal(t, StatusPaused, a.Status())
	mark := a.LastTick()
	require.Eventually(t, func() bool { return a.LastTick().After(mark) }, time.Second, 5*time.Millisecond,
		"paused agent still heartbeats")

	require.NoError(t, a.Resume())
	require.Equal(t, StatusRunning, a.Status())
	require.Error(t, a.Resume(), "resume only applies to a paused agent")

	require.NoError(t, a.Stop())
	require.Equal(t, StatusStopped, a.Status())
	require.NoError(t, a.Stop(), "stop is idempotent")

	require.NoError(t, a.Start(ctx), "a stopped agent can be restarted")
	require.Eventually(t, a.Running, time.Second, 5*time.Millisecond)
	require.NoError(t, a.Stop())
}

func TestStopForcesAfterGrace(t *testing.T) {
	strat := &sleepStrategy{d: 400 * time.Millisecond, started: make(chan struct{}, 4)}
	r := newRig(t, safety.Rules{}, strat, eastboundDemand())
	r.agent.cfg.Period = 20 * time.Millisecond

	require.NoError(t, r.agent.Start(context.Background()))
	select {
	case <-strat.started:
	case <-time.After(time.Second):
		t.Fatal("strategy never ran")
	}

	begin := time.Now()
	require.NoError(t, r.agent.Stop())
	require.Less(t, time.Since(begin), 300*time.Millisecond, "stop must force after two periods")
	require.Equal(t, StatusStopped, r.agent.Status())
}
