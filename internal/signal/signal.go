package signal

import (
	"time"

	"github.com/urbanos/trafficd/internal/traffic"
)

// Color is a lamp state.
type Color string

const (
	Red    Color = "RED"
	Yellow Color = "YELLOW"
	Green  Color = "GREEN"
)

// State is one approach's lamp plus change bookkeeping. LastGreen tracks when
// the approach last held green so waiting time can be derived.
type State struct {
	Color      Color         `json:"color"`
	Duration   time.Duration `json:"duration"` // advisory hold from the last command
	LastChange time.Time     `json:"last_change"`
	LastGreen  time.Time     `json:"last_green"`
}

// JunctionSignals is the four-approach signal state of one junction.
type JunctionSignals struct {
	JunctionID string                      `json:"junction_id"`
	States     map[traffic.Direction]State `json:"states"`
}

// GreenDirections lists approaches currently green, in canonical order.
func (js JunctionSignals) GreenDirections() []traffic.Direction {
	var out []traffic.Direction
	for _, d := range traffic.AllDirections {
		if js.States[d].Color == Green {
			out = append(out, d)
		}
	}
	return out
}

// Dwell is the time since the approach last changed color.
func (js JunctionSignals) Dwell(dir traffic.Direction, now time.Time) time.Duration {
	return now.Sub(js.States[dir].LastChange)
}

// Waiting is the time since the approach last held green.
func (js JunctionSignals) Waiting(dir traffic.Direction, now time.Time) time.Duration {
	return now.Sub(js.States[dir].LastGreen)
}

// Copy returns a deep copy safe to hand to readers.
func (js JunctionSignals) Copy() JunctionSignals {
	cp := JunctionSignals{JunctionID: js.JunctionID, States: make(map[traffic.Direction]State, len(js.States))}
	for d, s := range js.States {
		cp.States[d] = s
	}
	return cp
}
