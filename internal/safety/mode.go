package safety

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/urbanos/trafficd/internal/emit"
	"github.com/urbanos/trafficd/internal/observ"
)

// Mode is the global operating state.
type Mode string

const (
	ModeNormal    Mode = "NORMAL"
	ModeEmergency Mode = "EMERGENCY"
	ModeIncident  Mode = "INCIDENT"
	ModeFailSafe  Mode = "FAIL_SAFE"
)

// modeCode feeds the system_mode_code gauge.
func modeCode(m Mode) float64 {
	switch m {
	case ModeNormal:
		return 0
	case ModeEmergency:
		return 1
	case ModeIncident:
		return 2
	case ModeFailSafe:
		return 3
	}
	return -1
}

// ErrBadTransition marks a transition the table forbids. The current mode is
// left untouched.
var ErrBadTransition = errors.New("mode transition rejected")

// Transition is one entry of the mode history.
type Transition struct {
	From     Mode      `json:"from"`
	To       Mode      `json:"to"`
	Reason   string    `json:"reason"`
	Operator string    `json:"operator,omitempty"`
	TS       time.Time `json:"ts"`
}

// maxTransitionLog caps in-memory history; the full log reaches the
// system_events table through the bus recorder.
const maxTransitionLog = 1024

// ModeManager is the system-mode state machine. Transitions follow a fixed
// table; entering FAIL_SAFE is always allowed, leaving it needs an operator.
type ModeManager struct {
	mu      sync.RWMutex
	mode    Mode
	log     []Transition
	emitter emit.Emitter
	now     func() time.Time
}

func NewModeManager(emitter emit.Emitter) *ModeManager {
	if emitter == nil {
		emitter = emit.Discard{}
	}
	m := &ModeManager{mode: ModeNormal, emitter: emitter, now: time.Now}
	observ.SetGauge("system_mode_code", modeCode(ModeNormal), nil)
	return m
}

func (m *ModeManager) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// Set moves the machine to `to`. Same-mode is a no-op. A rejected transition
// returns ErrBadTransition and leaves the mode unchanged.
func (m *ModeManager) Set(to Mode, reason, operator string) error {
	m.mu.Lock()
	from := m.mode
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if err := checkTransition(from, to, operator); err != nil {
		m.mu.Unlock()
		observ.IncCounter("mode_transitions_rejected_total", map[string]string{
			"from": string(from), "to": string(to),
		})
		return err
	}

	m.mode = to
	tr := Transition{From: from, To: to, Reason: reason, Operator: operator, TS: m.now()}
	m.log = append(m.log, tr)
	if len(m.log) > maxTransitionLog {
		m.log = m.log[len(m.log)-maxTransitionLog:]
	}
	m.mu.Unlock()

	observ.IncCounter("mode_transitions_total", map[string]string{
		"from": string(from), "to": string(to),
	})
	observ.SetGauge("system_mode_code", modeCode(to), nil)
	observ.Log("mode_changed", map[string]any{
		"from": string(from), "to": string(to), "reason": reason, "operator": operator,
	})
	m.emitter.Emit(emit.EventModeChanged, map[string]any{
		"from": from, "to": to, "reason": reason, "operator": operator, "ts": tr.TS.UTC(),
	})
	return nil
}

func checkTransition(from, to Mode, operator string) error {
	switch from {
	case ModeNormal:
		// NORMAL reaches everything.
		return nil
	case ModeEmergency:
		if to == ModeIncident {
			return fmt.Errorf("%w: EMERGENCY cannot enter INCIDENT", ErrBadTransition)
		}
		return nil
	case ModeIncident:
		if to == ModeEmergency {
			return fmt.Errorf("%w: INCIDENT cannot enter EMERGENCY", ErrBadTransition)
		}
		return nil
	case ModeFailSafe:
		if to != ModeNormal {
			return fmt.Errorf("%w: FAIL_SAFE exits to NORMAL only", ErrBadTransition)
		}
		if operator == "" {
			return fmt.Errorf("%w: FAIL_SAFE exit requires an operator id", ErrBadTransition)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown mode %q", ErrBadTransition, from)
}

// Transitions returns recent history, newest first, at most limit entries
// (limit <= 0 returns everything retained).
func (m *ModeManager) Transitions(limit int) []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.log)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Transition, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.log[i])
	}
	return out
}
