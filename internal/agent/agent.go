// Package agent runs the autonomous control loop: perceive the network,
// decide signal changes through a pluggable strategy, and act through the
// safety kernel. The kernel has the final word on every change; the agent
// treats rejections as normal backpressure.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx/types"

	"github.com/urbanos/trafficd/internal/density"
	"github.com/urbanos/trafficd/internal/observ"
	"github.com/urbanos/trafficd/internal/predict"
	"github.com/urbanos/trafficd/internal/safety"
	"github.com/urbanos/trafficd/internal/signal"
	"github.com/urbanos/trafficd/internal/store"
)

// Status is the agent lifecycle state machine:
// STOPPED -> STARTING -> RUNNING <-> PAUSED, any -> STOPPING -> STOPPED.
type Status string

const (
	StatusStopped  Status = "STOPPED"
	StatusStarting Status = "STARTING"
	StatusRunning  Status = "RUNNING"
	StatusPaused   Status = "PAUSED"
	StatusStopping Status = "STOPPING"
)

var (
	ErrAlreadyStarted = errors.New("agent already started")
	ErrNotRunning     = errors.New("agent not running")
)

// noAdmitWarnTicks is how many consecutive all-rejected ticks raise a
// warning. The watchdog escalates to fail-safe on its own threshold.
const noAdmitWarnTicks = 3

// DensityView is the read side of the tracker the agent perceives through.
type DensityView interface {
	JunctionDensities() map[string]density.JunctionDensity
	RoadIDs() []string
	RoadDensity(roadID string) (density.RoadDensity, bool)
}

// SignalView yields the current signal plan without mutating it.
type SignalView interface {
	Snapshot() map[string]signal.JunctionSignals
}

// Predictor is the slice of the prediction engine the predict stage uses.
type Predictor interface {
	PredictAll(ids []string, horizonsMin []int) []predict.Prediction
}

// LogSink receives the condensed per-tick row. The store gateway batches
// internally so the call is cheap.
type LogSink interface {
	WriteAgentLog(ctx context.Context, row store.AgentLog) error
}

type Config struct {
	Period        time.Duration
	GreenDuration time.Duration // unused by RULE_BASED, which derives its own
	TopKPredict   int
}

func (c Config) withDefaults() Config {
	if c.Period <= 0 {
		c.Period = time.Second
	}
	if c.GreenDuration <= 0 {
		c.GreenDuration = 30 * time.Second
	}
	if c.TopKPredict <= 0 {
		c.TopKPredict = 3
	}
	return c
}

// Agent owns the loop goroutine. It implements safety.AgentHealth so the
// watchdog can observe it without holding a concrete reference.
type Agent struct {
	cfg       Config
	kernel    *safety.Kernel
	density   DensityView
	signals   SignalView
	strategy  Strategy
	predictor Predictor
	logs      LogSink

	now func() time.Time

	mu            sync.Mutex
	status        Status
	tick          uint64
	lastTick      time.Time
	consecRejects int
	suspended     bool
	cancel        context.CancelFunc
	done          chan struct{}
}

// New wires the loop. predictor and logs may be nil; kernel, density,
// signals and strategy may not.
func New(cfg Config, kernel *safety.Kernel, dens DensityView, sigs SignalView, strat Strategy, predictor Predictor, logs LogSink) *Agent {
	return &Agent{
		cfg:       cfg.withDefaults(),
		kernel:    kernel,
		density:   dens,
		signals:   sigs,
		strategy:  strat,
		predictor: predictor,
		logs:      logs,
		now:       time.Now,
		status:    StatusStopped,
	}
}

// Start launches the loop goroutine. The context bounds the whole run;
// cancelling it stops the loop without the Stop grace wait.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.status != StatusStopped {
		a.mu.Unlock()
		return fmt.Errorf("%w: status %s", ErrAlreadyStarted, a.status)
	}
	a.status = StatusStarting
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	done := a.done
	a.mu.Unlock()

	observ.Log("agent_starting", map[string]any{
		"strategy":  a.strategy.Name(),
		"period_ms": a.cfg.Period.Milliseconds(),
	})
	go a.run(runCtx, done)
	return nil
}

// Stop asks the loop to finish the current tick and waits up to two periods
// before declaring it stopped anyway.
func (a *Agent) Stop() error {
	a.mu.Lock()
	if a.status == StatusStopped || a.cancel == nil {
		a.mu.Unlock()
		return nil
	}
	a.status = StatusStopping
	cancel, done := a.cancel, a.done
	a.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * a.cfg.Period):
		observ.Log("agent_stop_forced", map[string]any{"waited_ms": (2 * a.cfg.Period).Milliseconds()})
	}
	a.setStatus(StatusStopped)
	observ.Log("agent_stopped", nil)
	return nil
}

// Pause keeps the loop ticking for heartbeat and perception but skips
// decide and act.
func (a *Agent) Pause() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != StatusRunning {
		return fmt.Errorf("%w: status %s", ErrNotRunning, a.status)
	}
	a.status = StatusPaused
	observ.Log("agent_paused", nil)
	return nil
}

func (a *Agent) Resume() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != StatusPaused {
		return fmt.Errorf("%w: status %s", ErrNotRunning, a.status)
	}
	a.status = StatusRunning
	observ.Log("agent_resumed", nil)
	return nil
}

func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Agent) StrategyName() string { return a.strategy.Name() }

// Running reports liveness to the watchdog. A paused agent still heartbeats
// but is deliberately not treated as running.
func (a *Agent) Running() bool { return a.Status() == StatusRunning }

func (a *Agent) LastTick() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastTick
}

func (a *Agent) ConsecutiveRejects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.consecRejects
}

func (a *Agent) setStatus(s Status) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

func (a *Agent) run(ctx context.Context, done chan struct{}) {
	defer func() {
		close(done)
		a.mu.Lock()
		if a.status != StatusStopping && a.status != StatusStopped {
			a.status = StatusStopped
		}
		a.mu.Unlock()
	}()
	a.setStatus(StatusRunning)
	observ.Log("agent_started", map[string]any{"strategy": a.strategy.Name()})

	overrun := time.Duration(1.5 * float64(a.cfg.Period))
	timer := time.NewTimer(a.cfg.Period)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		start := a.now()
		a.tickOnce(ctx)
		elapsed := a.now().Sub(start)
		if elapsed > overrun {
			// catch up with an immediate tick, then realign
			observ.IncCounter("agent_catchup_ticks_total", nil)
			observ.Log("agent_tick_overrun", map[string]any{
				"elapsed_ms": float64(elapsed) / float64(time.Millisecond),
				"period_ms":  a.cfg.Period.Milliseconds(),
			})
			continue
		}

		wait := a.cfg.Period - elapsed
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// tickOnce runs one perceive, predict, decide, act, monitor cycle. A panic
// in any stage abandons the rest of the tick; the loop itself survives.
func (a *Agent) tickOnce(ctx context.Context) {
	start := a.now()
	defer func() {
		if r := recover(); r != nil {
			observ.IncCounter("agent_tick_panics_total", nil)
			observ.LogError("agent_tick_panic", fmt.Errorf("%v", r), nil)
		}
	}()

	state := a.perceive(start)

	suspended, why := a.kernel.DecisionsSuspended()
	paused := a.Status() == StatusPaused

	var decisions Decisions
	var decideErr error
	var latency time.Duration
	switch {
	case paused:
		// heartbeat stays warm, nothing is decided
	case suspended:
		decisions.EmergencyOverride = state.Mode == safety.ModeEmergency
	default:
		a.predictStage(&state)
		decideStart := a.now()
		decisions, decideErr = a.strategy.Decide(state)
		latency = a.now().Sub(decideStart)
		if decideErr != nil {
			observ.IncCounter("agent_strategy_errors_total", map[string]string{"strategy": a.strategy.Name()})
			observ.LogError("agent_decide_failed", decideErr, map[string]any{"tick": state.Tick})
		}
	}

	admitted, rejected := 0, 0
	if decideErr == nil && !paused && !suspended && !decisions.EmergencyOverride {
		admitted, rejected = a.act(ctx, decisions)
	}

	a.monitor(state, latency, admitted, rejected, suspended, why, a.now().Sub(start))
	a.logTick(state, decisions, latency, admitted, rejected)
}

// perceive snapshots densities, signals and mode, and stamps the heartbeat.
func (a *Agent) perceive(now time.Time) PerceivedState {
	a.mu.Lock()
	a.tick++
	seq := a.tick
	a.lastTick = now
	a.mu.Unlock()

	return PerceivedState{
		Tick:      seq,
		At:        now,
		Mode:      a.kernel.Mode(),
		Junctions: a.density.JunctionDensities(),
		Signals:   a.signals.Snapshot(),
	}
}

// predictStage refreshes forecasts for the busiest roads when the strategy
// consumes them. Failures never block the tick.
func (a *Agent) predictStage(state *PerceivedState) {
	if a.predictor == nil || a.strategy.Name() != StrategyRL {
		return
	}
	ids := a.topCongestedRoads(a.cfg.TopKPredict)
	if len(ids) == 0 {
		return
	}
	start := a.now()
	state.Predictions = a.predictor.PredictAll(ids, nil)
	observ.RecordDuration("agent_predict_ms", a.now().Sub(start), nil)
}

func (a *Agent) topCongestedRoads(k int) []string {
	type scored struct {
		id    string
		score float64
	}
	ids := a.density.RoadIDs()
	rows := make([]scored, 0, len(ids))
	for _, id := range ids {
		if d, ok := a.density.RoadDensity(id); ok {
			rows = append(rows, scored{id, d.Score})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].score != rows[j].score {
			return rows[i].score > rows[j].score
		}
		return rows[i].id < rows[j].id
	})
	if len(rows) > k {
		rows = rows[:k]
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.id
	}
	return out
}

// act pushes every non-HOLD decision through the kernel. Active overrides
// are resolved first so a forced head never fights the agent.
func (a *Agent) act(ctx context.Context, ds Decisions) (admitted, rejected int) {
	for _, d := range ds.Items {
		if d.Action == ActionHold {
			continue
		}
		target := signal.Red
		if d.Action == ActionGreen {
			target = signal.Green
		}
		color, dur, actor, reason := a.kernel.ResolveAction(d.JunctionID, d.Direction, target, d.Duration)
		if reason == "" {
			reason = d.Reason
		}
		err := a.kernel.Apply(ctx, d.JunctionID, d.Direction, color, dur, actor, reason)
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, safety.ErrRejected):
			rejected++
			observ.IncCounter("agent_actions_rejected_total", map[string]string{"junction": d.JunctionID})
		default:
			observ.LogError("agent_apply_failed", err, map[string]any{
				"junction": d.JunctionID, "direction": string(d.Direction),
			})
		}
	}
	return admitted, rejected
}

// monitor updates health counters and the rejection streak the watchdog
// escalates on.
func (a *Agent) monitor(state PerceivedState, latency time.Duration, admitted, rejected int, suspended bool, why string, tickDur time.Duration) {
	observ.RecordDuration("agent_tick_ms", tickDur, nil)
	observ.RecordDuration("agent_decision_ms", latency, nil)
	if admitted > 0 {
		observ.IncCounterBy("agent_actions_admitted_total", nil, float64(admitted))
	}
	if attempted := admitted + rejected; attempted > 0 {
		observ.SetGauge("agent_action_success_rate", float64(admitted)/float64(attempted), nil)
	}

	a.mu.Lock()
	suspensionChanged := suspended != a.suspended
	a.suspended = suspended
	switch {
	case admitted > 0:
		a.consecRejects = 0
	case rejected > 0 && state.Mode == safety.ModeNormal && !suspended:
		a.consecRejects++
	}
	streak := a.consecRejects
	a.mu.Unlock()

	if suspensionChanged {
		observ.Log("agent_suspension_changed", map[string]any{"suspended": suspended, "reason": why})
		v := 0.0
		if suspended {
			v = 1
		}
		observ.SetGauge("agent_suspended", v, nil)
	}
	if streak == noAdmitWarnTicks {
		observ.Log("agent_no_admissions", map[string]any{
			"consecutive": streak, "mode": string(state.Mode),
		})
	}
}

// logTick hands the condensed row to the gateway off the tick goroutine so
// a batch flush never stretches the loop.
func (a *Agent) logTick(state PerceivedState, ds Decisions, latency time.Duration, admitted, rejected int) {
	if a.logs == nil {
		return
	}
	items := ds.Items
	if items == nil {
		items = []SignalDecision{}
	}
	row := store.AgentLog{
		TS:                state.At,
		Mode:              string(state.Mode),
		Strategy:          a.strategy.Name(),
		DecisionLatencyMs: float64(latency) / float64(time.Millisecond),
	}
	if b, err := json.Marshal(items); err == nil {
		row.Decisions = types.JSONText(b)
	}
	total := 0
	for _, jd := range state.Junctions {
		total += jd.TotalVehicles
	}
	summary := map[string]any{
		"tick":           state.Tick,
		"junctions":      len(state.Junctions),
		"total_vehicles": total,
		"emergency":      ds.EmergencyOverride,
		"admitted":       admitted,
		"rejected":       rejected,
	}
	if b, err := json.Marshal(summary); err == nil {
		row.StateSummary = types.JSONText(b)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := a.logs.WriteAgentLog(ctx, row); err != nil {
			observ.LogError("agent_log_write_failed", err, nil)
		}
	}()
}
