package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/urbanos/trafficd/internal/observ"
	"github.com/urbanos/trafficd/internal/traffic"
)

// ErrActuator marks a signal change that could not be applied. Callers retry
// once; the watchdog escalates on persistent failure.
var ErrActuator = errors.New("actuator failure")

// Actuator applies admitted signal changes to the lights. It is the sole
// mutator of signal state and linearizes concurrent commands per junction.
// Ping is the watchdog's liveness probe; LastAck is refreshed by every
// successful command or probe.
type Actuator interface {
	SetSignal(ctx context.Context, junctionID string, dir traffic.Direction, color Color, duration time.Duration) error
	Snapshot() map[string]JunctionSignals
	Signals(junctionID string) (JunctionSignals, bool)
	Ping(ctx context.Context) error
	LastAck() time.Time
}

// Sim is the in-process actuator backing the simulated network. All
// approaches start RED.
type Sim struct {
	mu      sync.RWMutex
	signals map[string]*JunctionSignals
	lastAck time.Time
	now     func() time.Time

	// test hook: non-nil return fails the next SetSignal for that junction
	applyErr func(junctionID string) error
}

func NewSim(junctionIDs []string, now func() time.Time) *Sim {
	if now == nil {
		now = time.Now
	}
	s := &Sim{
		signals: make(map[string]*JunctionSignals, len(junctionIDs)),
		now:     now,
		lastAck: now(),
	}
	start := now()
	for _, id := range junctionIDs {
		js := &JunctionSignals{JunctionID: id, States: make(map[traffic.Direction]State, 4)}
		for _, d := range traffic.AllDirections {
			js.States[d] = State{Color: Red, LastChange: start, LastGreen: start}
		}
		s.signals[id] = js
	}
	return s
}

func (s *Sim) SetSignal(ctx context.Context, junctionID string, dir traffic.Direction, color Color, duration time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.applyErr != nil {
		if err := s.applyErr(junctionID); err != nil {
			observ.IncCounter("actuator_errors_total", map[string]string{"junction": junctionID})
			return fmt.Errorf("%w: %v", ErrActuator, err)
		}
	}

	js, ok := s.signals[junctionID]
	if !ok {
		return fmt.Errorf("%w: unknown junction %s", ErrActuator, junctionID)
	}

	now := s.now()
	st := js.States[dir]
	if st.Color != color {
		st.LastChange = now
	}
	if color == Green {
		st.LastGreen = now
	}
	st.Color = color
	st.Duration = duration
	js.States[dir] = st

	s.lastAck = now
	observ.IncCounter("actuator_commands_total", map[string]string{"color": string(color)})
	return nil
}

func (s *Sim) Snapshot() map[string]JunctionSignals {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]JunctionSignals, len(s.signals))
	for id, js := range s.signals {
		out[id] = js.Copy()
	}
	return out
}

func (s *Sim) Signals(junctionID string) (JunctionSignals, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	js, ok := s.signals[junctionID]
	if !ok {
		return JunctionSignals{}, false
	}
	return js.Copy(), true
}

// Ping refreshes the ack clock. The sim is always reachable unless a test
// wired a failure.
func (s *Sim) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		if err := s.applyErr(""); err != nil {
			return fmt.Errorf("%w: %v", ErrActuator, err)
		}
	}
	s.lastAck = s.now()
	return nil
}

func (s *Sim) LastAck() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAck
}
