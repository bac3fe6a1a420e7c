package safety

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/urbanos/trafficd/internal/observ"
	"github.com/urbanos/trafficd/internal/signal"
	"github.com/urbanos/trafficd/internal/traffic"
)

type OverrideKind string

const (
	ForceSignal   OverrideKind = "FORCE_SIGNAL"
	DisableAgent  OverrideKind = "DISABLE_AGENT"
	EnableAgent   OverrideKind = "ENABLE_AGENT"
	EmergencyStop OverrideKind = "EMERGENCY_STOP"
)

// Override is one operator directive. The registry is append-only; Cancel
// stamps CancelledAt rather than deleting.
type Override struct {
	ID          string            `json:"id"`
	Kind        OverrideKind      `json:"kind"`
	JunctionID  string            `json:"junction_id,omitempty"`
	Direction   traffic.Direction `json:"direction,omitempty"`
	Color       signal.Color      `json:"color,omitempty"`
	Duration    time.Duration     `json:"duration,omitempty"`
	OperatorID  string            `json:"operator_id"`
	Reason      string            `json:"reason"`
	CreatedAt   time.Time         `json:"created_at"`
	CancelledAt *time.Time        `json:"cancelled_at,omitempty"`
	CancelledBy string            `json:"cancelled_by,omitempty"`
}

// ActiveAt reports whether the override binds at the given instant.
// Duration zero means active until cancelled.
func (o Override) ActiveAt(now time.Time) bool {
	if o.CancelledAt != nil {
		return false
	}
	if o.Duration <= 0 {
		return true
	}
	return o.CreatedAt.Add(o.Duration).After(now)
}

// OverrideRegistry owns the active-override set. The agent takes a read
// snapshot each tick; mutation happens only through Add and Cancel.
type OverrideRegistry struct {
	mu  sync.RWMutex
	all []Override
	now func() time.Time
}

func NewOverrideRegistry() *OverrideRegistry {
	return &OverrideRegistry{now: time.Now}
}

// Add assigns an id and records the override. An ENABLE_AGENT cancels every
// active DISABLE_AGENT, and the other way round, so the agent latch is
// always the most recent instruction.
func (r *OverrideRegistry) Add(o Override) Override {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	o.ID = uuid.NewString()
	o.CreatedAt = now

	switch o.Kind {
	case EnableAgent:
		r.cancelKindLocked(DisableAgent, o.OperatorID, now)
	case DisableAgent:
		r.cancelKindLocked(EnableAgent, o.OperatorID, now)
	}

	r.all = append(r.all, o)
	observ.IncCounter("overrides_total", map[string]string{"kind": string(o.Kind)})
	observ.Log("override_added", map[string]any{
		"id": o.ID, "kind": string(o.Kind), "junction_id": o.JunctionID,
		"direction": string(o.Direction), "operator": o.OperatorID, "reason": o.Reason,
	})
	return o
}

// caller holds r.mu
func (r *OverrideRegistry) cancelKindLocked(kind OverrideKind, operator string, now time.Time) {
	for i := range r.all {
		if r.all[i].Kind == kind && r.all[i].ActiveAt(now) {
			ts := now
			r.all[i].CancelledAt = &ts
			r.all[i].CancelledBy = operator
		}
	}
}

// Cancel deactivates one override by id.
func (r *OverrideRegistry) Cancel(id, operator string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for i := range r.all {
		if r.all[i].ID != id {
			continue
		}
		if !r.all[i].ActiveAt(now) {
			return fmt.Errorf("override %s is not active", id)
		}
		ts := now
		r.all[i].CancelledAt = &ts
		r.all[i].CancelledBy = operator
		observ.IncCounter("overrides_cancelled_total", map[string]string{"kind": string(r.all[i].Kind)})
		observ.Log("override_cancelled", map[string]any{"id": id, "operator": operator})
		return nil
	}
	return fmt.Errorf("override %s not found", id)
}

// Active returns the currently binding overrides, oldest first.
func (r *OverrideRegistry) Active() []Override {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	var out []Override
	for _, o := range r.all {
		if o.ActiveAt(now) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// History returns recorded overrides, newest first, at most limit.
func (r *OverrideRegistry) History(limit int) []Override {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.all)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Override, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, r.all[i])
	}
	return out
}

// ForceFor returns the newest active FORCE_SIGNAL override targeting the
// given junction and direction.
func (r *OverrideRegistry) ForceFor(junctionID string, dir traffic.Direction) (Override, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	for i := len(r.all) - 1; i >= 0; i-- {
		o := r.all[i]
		if o.Kind == ForceSignal && o.JunctionID == junctionID && o.Direction == dir && o.ActiveAt(now) {
			return o, true
		}
	}
	return Override{}, false
}

// AgentDisabled reports whether an active DISABLE_AGENT binds.
func (r *OverrideRegistry) AgentDisabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	for i := len(r.all) - 1; i >= 0; i-- {
		if r.all[i].Kind == DisableAgent && r.all[i].ActiveAt(now) {
			return true
		}
	}
	return false
}
