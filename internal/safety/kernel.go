package safety

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/urbanos/trafficd/internal/emit"
	"github.com/urbanos/trafficd/internal/observ"
	"github.com/urbanos/trafficd/internal/signal"
	"github.com/urbanos/trafficd/internal/traffic"
)

// PatternAllRed and PatternBlinkYellow are the fail-safe signal patterns.
// All-red is the default: yellow grants implied right-of-way, all-red is safe
// under every junction geometry.
const (
	PatternAllRed      = "all_red"
	PatternBlinkYellow = "blink_yellow"
)

type Config struct {
	Rules           Rules
	FailsafePattern string
}

// Fatal is called when the kernel catches itself violating its own
// invariants. Replaceable in tests; the default halts the process with a
// distinct exit code.
var Fatal = func(msg string) {
	observ.Log("safety_fatal", map[string]any{"message": msg, "severity": "CRITICAL"})
	os.Exit(3)
}

// Kernel is the safety authority. Every signal change in the system flows
// through Apply; mode and overrides live here; the watchdog escalates into
// EnterFailSafe.
type Kernel struct {
	cfg       Config
	modes     *ModeManager
	overrides *OverrideRegistry
	actuator  signal.Actuator
	emitter   emit.Emitter
	now       func() time.Time
}

func New(cfg Config, actuator signal.Actuator, emitter emit.Emitter) *Kernel {
	if cfg.FailsafePattern == "" {
		cfg.FailsafePattern = PatternAllRed
	}
	if emitter == nil {
		emitter = emit.Discard{}
	}
	k := &Kernel{
		cfg:       cfg,
		modes:     NewModeManager(emitter),
		overrides: NewOverrideRegistry(),
		actuator:  actuator,
		emitter:   emitter,
		now:       time.Now,
	}
	observ.Log("safety_kernel_init", map[string]any{
		"min_red_s":        cfg.Rules.MinRed.Seconds(),
		"min_green_s":      cfg.Rules.MinGreen.Seconds(),
		"failsafe_pattern": cfg.FailsafePattern,
	})
	return k
}

func (k *Kernel) Rules() Rules                 { return k.cfg.Rules }
func (k *Kernel) Mode() Mode                   { return k.modes.Mode() }
func (k *Kernel) Modes() *ModeManager          { return k.modes }
func (k *Kernel) Overrides() *OverrideRegistry { return k.overrides }
func (k *Kernel) FailsafePattern() string      { return k.cfg.FailsafePattern }

// ValidateChange checks one proposal against the live signal state. In
// FAIL_SAFE every agent proposal is refused outright.
func (k *Kernel) ValidateChange(junctionID string, dir traffic.Direction, target signal.Color, actor Actor) error {
	if k.modes.Mode() == ModeFailSafe && actor == ActorAgent {
		observ.IncCounter("safety_rejections_total", map[string]string{"actor": string(actor), "rule": "fail_safe"})
		return fmt.Errorf("%w: fail_safe active, agent decisions refused", ErrRejected)
	}
	js, ok := k.actuator.Signals(junctionID)
	if !ok {
		observ.IncCounter("safety_rejections_total", map[string]string{"actor": string(actor), "rule": "unknown_junction"})
		return fmt.Errorf("%w: unknown junction %s", ErrRejected, junctionID)
	}
	if err := ValidateSignalChange(k.cfg.Rules, js, dir, target, actor, k.now()); err != nil {
		observ.IncCounter("safety_rejections_total", map[string]string{"actor": string(actor), "rule": "conflict"})
		return err
	}
	observ.IncCounter("safety_admissions_total", map[string]string{"actor": string(actor)})
	return nil
}

// Apply validates, actuates (retrying an actuator failure once), and emits
// signal:change. A proposal matching the current color applies nothing and
// emits nothing.
func (k *Kernel) Apply(ctx context.Context, junctionID string, dir traffic.Direction, target signal.Color, duration time.Duration, actor Actor, reason string) error {
	js, ok := k.actuator.Signals(junctionID)
	if !ok {
		return fmt.Errorf("%w: unknown junction %s", ErrRejected, junctionID)
	}
	previous := js.States[dir].Color

	if err := k.ValidateChange(junctionID, dir, target, actor); err != nil {
		return err
	}
	if previous == target {
		return nil
	}

	err := k.actuator.SetSignal(ctx, junctionID, dir, target, duration)
	if errors.Is(err, signal.ErrActuator) {
		observ.IncCounter("actuator_retries_total", nil)
		err = k.actuator.SetSignal(ctx, junctionID, dir, target, duration)
	}
	if err != nil {
		observ.LogError("actuator_apply_error", err, map[string]any{
			"junction_id": junctionID, "direction": string(dir), "target": string(target),
		})
		return fmt.Errorf("apply %s %s at %s: %w", target, dir, junctionID, err)
	}

	if target == signal.Green {
		k.selfCheck(junctionID)
	}

	k.emitter.Emit(emit.EventSignalChange, map[string]any{
		"junction_id": junctionID,
		"direction":   dir,
		"new":         target,
		"previous":    previous,
		"duration_s":  duration.Seconds(),
		"actor":       actor,
		"reason":      reason,
		"ts":          k.now().UTC(),
	})
	return nil
}

// selfCheck audits the junction right after a green was granted. Finding a
// double green here means the validator and the actuator disagree about the
// world, which is unrecoverable.
func (k *Kernel) selfCheck(junctionID string) {
	js, ok := k.actuator.Signals(junctionID)
	if !ok {
		return
	}
	if greens := js.GreenDirections(); len(greens) > 1 && !k.cfg.Rules.AllowOpposingGreen {
		Fatal(fmt.Sprintf("conflict validator admitted concurrent GREEN %v at %s", greens, junctionID))
	}
}

// ResolveAction applies override precedence to one agent proposal:
// an active FORCE_SIGNAL override beats the agent for its (junction,
// direction). Emergency corridors never reach here: the agent is suspended
// in EMERGENCY mode.
func (k *Kernel) ResolveAction(junctionID string, dir traffic.Direction, proposed signal.Color, duration time.Duration) (signal.Color, time.Duration, Actor, string) {
	if o, ok := k.overrides.ForceFor(junctionID, dir); ok {
		d := duration
		if o.Duration > 0 {
			if rem := o.CreatedAt.Add(o.Duration).Sub(k.now()); rem > 0 {
				d = rem
			}
		}
		return o.Color, d, ActorOperator, "override " + o.ID
	}
	return proposed, duration, ActorAgent, ""
}

// DecisionsSuspended reports whether the agent must skip its decide stage,
// and why. Perceive and monitor continue regardless.
func (k *Kernel) DecisionsSuspended() (bool, string) {
	switch k.modes.Mode() {
	case ModeFailSafe:
		return true, "fail_safe active"
	case ModeEmergency:
		return true, "emergency corridor owns signals"
	}
	if k.overrides.AgentDisabled() {
		return true, "agent disabled by operator"
	}
	return false, ""
}

// EnterFailSafe flips every junction to the configured safe pattern and
// suspends agent decisions. Entry is always admitted; exit requires an
// operator through ExitFailSafe.
func (k *Kernel) EnterFailSafe(ctx context.Context, reason string) {
	if k.modes.Mode() == ModeFailSafe {
		return
	}
	if err := k.modes.Set(ModeFailSafe, reason, ""); err != nil {
		// The table admits FAIL_SAFE from every mode; failure here is a bug.
		Fatal(fmt.Sprintf("fail-safe entry rejected: %v", err))
		return
	}

	target := signal.Red
	if k.cfg.FailsafePattern == PatternBlinkYellow {
		target = signal.Yellow
	}

	applied, failed := 0, 0
	for junctionID := range k.actuator.Snapshot() {
		for _, dir := range traffic.AllDirections {
			if err := k.Apply(ctx, junctionID, dir, target, 0, ActorKernel, "fail_safe pattern"); err != nil {
				failed++
				continue
			}
			applied++
		}
	}

	observ.IncCounter("failsafe_entries_total", nil)
	observ.Log("failsafe_entered", map[string]any{
		"reason": reason, "pattern": k.cfg.FailsafePattern, "applied": applied, "failed": failed,
	})
	k.emitter.Emit(emit.EventFailsafe, map[string]any{
		"reason":  reason,
		"pattern": k.cfg.FailsafePattern,
		"ts":      k.now().UTC(),
	})
	k.emitter.Emit(emit.EventSystem, map[string]any{
		"event_type": "failsafe_entered",
		"severity":   "CRITICAL",
		"message":    reason,
	})
}

// ExitFailSafe returns to NORMAL. The transition table enforces the operator
// requirement.
func (k *Kernel) ExitFailSafe(operator, reason string) error {
	if k.modes.Mode() != ModeFailSafe {
		return fmt.Errorf("%w: not in FAIL_SAFE", ErrBadTransition)
	}
	return k.modes.Set(ModeNormal, reason, operator)
}

// ApplyForce records a FORCE_SIGNAL override and actuates it immediately.
// The recorded override keeps winning ResolveAction until expiry or cancel.
func (k *Kernel) ApplyForce(ctx context.Context, o Override) (Override, error) {
	o.Kind = ForceSignal
	recorded := k.overrides.Add(o)
	if err := k.Apply(ctx, o.JunctionID, o.Direction, o.Color, o.Duration, ActorOperator, "override "+recorded.ID); err != nil {
		return recorded, err
	}
	return recorded, nil
}

// EmergencyStop records the override and drops the system into fail-safe.
func (k *Kernel) EmergencyStop(ctx context.Context, operator, reason string) Override {
	o := k.overrides.Add(Override{Kind: EmergencyStop, OperatorID: operator, Reason: reason})
	k.EnterFailSafe(ctx, fmt.Sprintf("emergency stop by %s: %s", operator, reason))
	return o
}

// Status is the ops-surface snapshot.
func (k *Kernel) Status() map[string]any {
	active := k.overrides.Active()
	return map[string]any{
		"mode":             k.modes.Mode(),
		"failsafe_pattern": k.cfg.FailsafePattern,
		"active_overrides": len(active),
		"min_red_s":        k.cfg.Rules.MinRed.Seconds(),
		"min_green_s":      k.cfg.Rules.MinGreen.Seconds(),
	}
}
