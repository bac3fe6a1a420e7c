package safety

import (
	"context"
	"fmt"
	"time"

	"github.com/urbanos/trafficd/internal/observ"
	"github.com/urbanos/trafficd/internal/signal"
)

// AgentHealth is the watchdog's read-only view of the control agent. Three
// snapshot calls, never blocking: the watchdog must stay responsive when the
// agent is not.
type AgentHealth interface {
	Running() bool
	LastTick() time.Time
	ConsecutiveRejects() int
}

// CorridorSource reports emergency-corridor activity so the watchdog can
// revert an EMERGENCY mode nobody is using anymore.
type CorridorSource interface {
	ActiveCount() int
	LastActive() time.Time
}

type WatchdogConfig struct {
	Interval            time.Duration
	MaxAgentLag         time.Duration
	MaxActuatorLag      time.Duration
	CheckBudget         time.Duration
	EmergencyIdleRevert time.Duration
	RejectEscalation    int
}

func (c *WatchdogConfig) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.MaxAgentLag <= 0 {
		c.MaxAgentLag = 5 * time.Second
	}
	if c.MaxActuatorLag <= 0 {
		c.MaxActuatorLag = 3 * time.Second
	}
	if c.CheckBudget <= 0 {
		c.CheckBudget = 500 * time.Millisecond
	}
	if c.EmergencyIdleRevert <= 0 {
		c.EmergencyIdleRevert = 60 * time.Second
	}
	if c.RejectEscalation <= 0 {
		c.RejectEscalation = 10
	}
}

// Watchdog sweeps the system on a fixed interval and escalates to fail-safe
// when the agent stalls, the actuator stops acking, or a junction reaches a
// conflicting state.
type Watchdog struct {
	cfg      WatchdogConfig
	kernel   *Kernel
	actuator signal.Actuator
	agent    AgentHealth
	corridor CorridorSource
	now      func() time.Time
}

func NewWatchdog(cfg WatchdogConfig, kernel *Kernel, actuator signal.Actuator, agent AgentHealth, corridor CorridorSource) *Watchdog {
	cfg.setDefaults()
	return &Watchdog{
		cfg:      cfg,
		kernel:   kernel,
		actuator: actuator,
		agent:    agent,
		corridor: corridor,
		now:      time.Now,
	}
}

// Run sweeps until ctx is cancelled. The watchdog outlives every other
// component, so it never returns an error.
func (w *Watchdog) Run(ctx context.Context) {
	observ.Log("watchdog_started", map[string]any{"interval_s": w.cfg.Interval.Seconds()})
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			observ.Log("watchdog_stopped", nil)
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs every check once. Exported so tests and the ops surface can
// force a sweep without waiting out a tick.
func (w *Watchdog) Sweep(ctx context.Context) {
	start := w.now()
	w.checkAgent(ctx)
	w.checkActuator(ctx)
	w.checkConflicts(ctx)
	w.checkEmergencyIdle()
	observ.RecordDuration("watchdog_sweep_ms", w.now().Sub(start), nil)
	observ.IncCounter("watchdog_sweeps_total", nil)
}

func (w *Watchdog) checkAgent(ctx context.Context) {
	if w.agent == nil || !w.agent.Running() {
		observ.SetGauge("component_health_status", observ.HealthDegraded, map[string]string{"component": "agent"})
		return
	}
	lag := w.now().Sub(w.agent.LastTick())
	observ.SetGauge("watchdog_agent_lag_seconds", lag.Seconds(), nil)
	if lag > w.cfg.MaxAgentLag {
		observ.SetGauge("component_health_status", observ.HealthFailed, map[string]string{"component": "agent"})
		w.kernel.EnterFailSafe(ctx, fmt.Sprintf("agent unresponsive: last tick %.1fs ago", lag.Seconds()))
		return
	}
	if n := w.agent.ConsecutiveRejects(); n >= w.cfg.RejectEscalation {
		observ.SetGauge("component_health_status", observ.HealthFailed, map[string]string{"component": "agent"})
		w.kernel.EnterFailSafe(ctx, fmt.Sprintf("agent rejected %d times in a row", n))
		return
	}
	observ.SetGauge("component_health_status", observ.HealthHealthy, map[string]string{"component": "agent"})
}

func (w *Watchdog) checkActuator(ctx context.Context) {
	bctx, cancel := context.WithTimeout(ctx, w.cfg.CheckBudget)
	err := w.actuator.Ping(bctx)
	cancel()
	if err != nil {
		observ.IncCounter("watchdog_ping_failures_total", nil)
		observ.LogError("watchdog_ping_failed", err, nil)
	}
	lag := w.now().Sub(w.actuator.LastAck())
	observ.SetGauge("watchdog_actuator_lag_seconds", lag.Seconds(), nil)
	if lag > w.cfg.MaxActuatorLag {
		observ.SetGauge("component_health_status", observ.HealthFailed, map[string]string{"component": "actuator"})
		w.kernel.EnterFailSafe(ctx, fmt.Sprintf("actuator unresponsive: last ack %.1fs ago", lag.Seconds()))
		return
	}
	status := float64(observ.HealthHealthy)
	if err != nil {
		status = observ.HealthDegraded
	}
	observ.SetGauge("component_health_status", status, map[string]string{"component": "actuator"})
}

func (w *Watchdog) checkConflicts(ctx context.Context) {
	now := w.now()
	inFailSafe := w.kernel.Mode() == ModeFailSafe
	for junctionID, js := range w.actuator.Snapshot() {
		issues := ValidateFullJunction(w.kernel.Rules(), js, now)
		if hard := HardViolations(issues); len(hard) > 0 {
			observ.IncCounter("watchdog_conflicts_total", nil)
			w.kernel.EnterFailSafe(ctx, fmt.Sprintf("signal conflict at %s: %s", junctionID, hard[0].Message))
			return
		}
		if inFailSafe {
			// All-red is the pattern we asked for; grace warnings would
			// fire every sweep.
			continue
		}
		for _, is := range issues {
			observ.IncCounter("watchdog_warnings_total", map[string]string{"junction": junctionID})
			observ.Log("watchdog_warning", map[string]any{
				"junction_id": junctionID,
				"direction":   string(is.Direction),
				"message":     is.Message,
			})
		}
	}
}

func (w *Watchdog) checkEmergencyIdle() {
	if w.corridor == nil || w.kernel.Mode() != ModeEmergency {
		return
	}
	if w.corridor.ActiveCount() > 0 {
		return
	}
	idle := w.now().Sub(w.corridor.LastActive())
	if idle < w.cfg.EmergencyIdleRevert {
		return
	}
	if err := w.kernel.Modes().Set(ModeNormal, fmt.Sprintf("emergency corridor idle for %.0fs", idle.Seconds()), ""); err != nil {
		observ.LogError("watchdog_mode_revert_failed", err, nil)
	}
}
