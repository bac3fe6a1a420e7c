package safety

import (
	"errors"
	"fmt"
	"time"

	"github.com/urbanos/trafficd/internal/signal"
	"github.com/urbanos/trafficd/internal/traffic"
)

// ErrRejected marks an admission rejection. The agent recovers locally and
// counts it; it is never propagated further.
var ErrRejected = errors.New("signal change rejected")

// Actor identifies who proposes a change. The kernel itself bypasses the
// min-green rule when forcing the fail-safe pattern.
type Actor string

const (
	ActorAgent     Actor = "agent"
	ActorOperator  Actor = "operator"
	ActorEmergency Actor = "emergency"
	ActorKernel    Actor = "kernel"
)

// Rules are the dwell and phasing rules the validator enforces.
type Rules struct {
	MinRed             time.Duration
	MinGreen           time.Duration
	MaxRed             time.Duration
	AllRedGrace        time.Duration
	AllowOpposingGreen bool
}

// ValidateSignalChange admits or rejects one proposed change. Pure function:
// the verdict depends only on the arguments. A proposal matching the current
// color is always admitted (idempotent no-op).
func ValidateSignalChange(rules Rules, js signal.JunctionSignals, dir traffic.Direction, target signal.Color, actor Actor, now time.Time) error {
	cur, ok := js.States[dir]
	if !ok {
		return fmt.Errorf("%w: unknown direction %s at %s", ErrRejected, dir, js.JunctionID)
	}
	if cur.Color == target {
		return nil
	}

	switch target {
	case signal.Green:
		for _, d := range traffic.AllDirections {
			if d == dir {
				continue
			}
			if js.States[d].Color != signal.Green {
				continue
			}
			if rules.AllowOpposingGreen && d == dir.Opposite() {
				continue
			}
			return fmt.Errorf("%w: Conflict: %s already GREEN at %s", ErrRejected, d, js.JunctionID)
		}
		if cur.Color == signal.Red && !dwellExempt(actor) {
			if dwell := now.Sub(cur.LastChange); dwell < rules.MinRed {
				return fmt.Errorf("%w: min_red_time: %s RED for %.1fs, need %.1fs", ErrRejected, dir, dwell.Seconds(), rules.MinRed.Seconds())
			}
		}
	case signal.Red, signal.Yellow:
		if cur.Color == signal.Green && !dwellExempt(actor) {
			if dwell := now.Sub(cur.LastChange); dwell < rules.MinGreen {
				return fmt.Errorf("%w: min_green_time: %s GREEN for %.1fs, need %.1fs", ErrRejected, dir, dwell.Seconds(), rules.MinGreen.Seconds())
			}
		}
	default:
		return fmt.Errorf("%w: unknown target color %q", ErrRejected, target)
	}
	return nil
}

// dwellExempt reports whether the actor may cut dwell minimums short: the
// kernel when assembling fail-safe patterns, emergency preemption always.
// The conflicting-green rule has no exemptions.
func dwellExempt(actor Actor) bool {
	return actor == ActorKernel || actor == ActorEmergency
}

type IssueSeverity string

const (
	IssueViolation IssueSeverity = "violation"
	IssueWarning   IssueSeverity = "warning"
)

// Issue is one finding from a full-junction audit.
type Issue struct {
	JunctionID string            `json:"junction_id"`
	Direction  traffic.Direction `json:"direction,omitempty"`
	Severity   IssueSeverity     `json:"severity"`
	Message    string            `json:"message"`
}

// ValidateFullJunction audits one junction's whole state: multiple GREEN is a
// hard violation; a junction with no GREEN past the grace window and
// approaches stuck RED past max red are warnings.
func ValidateFullJunction(rules Rules, js signal.JunctionSignals, now time.Time) []Issue {
	var issues []Issue

	greens := js.GreenDirections()
	if len(greens) > 1 {
		allowed := rules.AllowOpposingGreen && len(greens) == 2 && greens[1] == greens[0].Opposite()
		if !allowed {
			issues = append(issues, Issue{
				JunctionID: js.JunctionID,
				Severity:   IssueViolation,
				Message:    fmt.Sprintf("multiple GREEN: %v", greens),
			})
		}
	}

	if len(greens) == 0 && rules.AllRedGrace > 0 {
		var lastGreen time.Time
		for _, d := range traffic.AllDirections {
			if lg := js.States[d].LastGreen; lg.After(lastGreen) {
				lastGreen = lg
			}
		}
		if !lastGreen.IsZero() && now.Sub(lastGreen) > rules.AllRedGrace {
			issues = append(issues, Issue{
				JunctionID: js.JunctionID,
				Severity:   IssueWarning,
				Message:    fmt.Sprintf("no GREEN for %.0fs", now.Sub(lastGreen).Seconds()),
			})
		}
	}

	if rules.MaxRed > 0 {
		for _, d := range traffic.AllDirections {
			st := js.States[d]
			if st.Color == signal.Red && now.Sub(st.LastChange) > rules.MaxRed {
				issues = append(issues, Issue{
					JunctionID: js.JunctionID,
					Direction:  d,
					Severity:   IssueWarning,
					Message:    fmt.Sprintf("%s stuck RED for %.0fs", d, now.Sub(st.LastChange).Seconds()),
				})
			}
		}
	}

	return issues
}

// HardViolations filters an audit down to the findings that force fail-safe.
func HardViolations(issues []Issue) []Issue {
	var out []Issue
	for _, is := range issues {
		if is.Severity == IssueViolation {
			out = append(out, is)
		}
	}
	return out
}
