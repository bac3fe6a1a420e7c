package emergency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/urbanos/trafficd/internal/emit"
	"github.com/urbanos/trafficd/internal/safety"
	"github.com/urbanos/trafficd/internal/signal"
	"github.com/urbanos/trafficd/internal/traffic"
)

type memEmitter struct {
	mu     sync.Mutex
	events []string
}

func (m *memEmitter) Emit(event string, _ any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *memEmitter) count(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e == event {
			n++
		}
	}
	return n
}

type harness struct {
	grid   *traffic.Grid
	sim    *signal.Sim
	kernel *safety.Kernel
	em     *memEmitter
	reg    *Registry
}

func newHarness(t *testing.T, ttl time.Duration) *harness {
	t.Helper()
	grid := traffic.NewGrid(2, 2, 1000, 10)
	sim := signal.NewSim(grid.JunctionIDs(), nil)
	kernel := safety.New(safety.Config{
		Rules: safety.Rules{MinRed: 2 * time.Second, MinGreen: 5 * time.Second},
	}, sim, emit.Discard{})
	em := &memEmitter{}
	reg := NewRegistry(Config{TTL: ttl}, kernel, grid, em)
	return &harness{grid: grid, sim: sim, kernel: kernel, em: em, reg: reg}
}

func TestActivatePreemptsRoute(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, time.Minute)

	// 2x2 grid, row-major: J-1 J-2 / J-3 J-4. Travel east then south.
	c, err := h.reg.Activate(ctx, []string{"J-1", "J-2", "J-4"}, "AMB-7", "op-1")
	require.NoError(t, err)
	require.Equal(t, safety.ModeEmergency, h.kernel.Mode())
	require.Equal(t, traffic.East, c.Headings["J-1"])
	require.Equal(t, traffic.South, c.Headings["J-2"])
	require.Equal(t, traffic.South, c.Headings["J-4"], "exit junction keeps the arrival heading")

	for id, want := range c.Headings {
		js, ok := h.sim.Signals(id)
		require.True(t, ok)
		greens := js.GreenDirections()
		require.Len(t, greens, 1, "junction %s", id)
		require.Equal(t, want, greens[0], "junction %s", id)
	}

	require.Equal(t, 1, h.reg.ActiveCount())
	require.False(t, h.reg.LastActive().IsZero())
	require.Equal(t, 1, h.em.count(emit.EventEmergencyActivated))
}

func TestActivateRejectsBadRoutes(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name  string
		route []string
	}{
		{"too short", []string{"J-1"}},
		{"unknown junction", []string{"J-1", "J-9"}},
		{"not adjacent", []string{"J-1", "J-4"}},
		{"repeats", []string{"J-1", "J-2", "J-1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, time.Minute)
			_, err := h.reg.Activate(ctx, tc.route, "AMB-1", "op-1")
			require.ErrorIs(t, err, ErrBadRoute)
			require.Equal(t, safety.ModeNormal, h.kernel.Mode(), "bad route must not switch the mode")
			require.Zero(t, h.reg.ActiveCount())
		})
	}
}

func TestActivateDuringFailsafeRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, time.Minute)
	h.kernel.EnterFailSafe(ctx, "watchdog")

	_, err := h.reg.Activate(ctx, []string{"J-1", "J-2"}, "AMB-2", "op-1")
	require.Error(t, err)
	require.Zero(t, h.reg.ActiveCount())
	require.Equal(t, safety.ModeFailSafe, h.kernel.Mode())
}

func TestDeactivateLastCorridorRevertsMode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, time.Minute)

	c, err := h.reg.Activate(ctx, []string{"J-1", "J-2"}, "AMB-3", "op-1")
	require.NoError(t, err)
	require.Equal(t, safety.ModeEmergency, h.kernel.Mode())

	require.NoError(t, h.reg.Deactivate(c.ID, "op-2"))
	require.Equal(t, safety.ModeNormal, h.kernel.Mode())
	require.Zero(t, h.reg.ActiveCount())

	require.NoError(t, h.reg.Deactivate(c.ID, "op-2"), "releasing twice is a no-op")
	require.ErrorIs(t, h.reg.Deactivate("nope", "op-2"), ErrNotFound)

	got, err := h.reg.Get(c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DeactivatedAt)
}

func TestDeactivateKeepsFailsafe(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, time.Minute)

	c, err := h.reg.Activate(ctx, []string{"J-1", "J-2"}, "AMB-4", "op-1")
	require.NoError(t, err)
	h.kernel.EnterFailSafe(ctx, "actuator down")

	require.NoError(t, h.reg.Deactivate(c.ID, "op-2"))
	require.Equal(t, safety.ModeFailSafe, h.kernel.Mode(), "corridor release must never exit fail-safe")
}

func TestSecondCorridorKeepsEmergencyUntilBothReleased(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, time.Minute)

	first, err := h.reg.Activate(ctx, []string{"J-1", "J-2"}, "AMB-5", "op-1")
	require.NoError(t, err)
	second, err := h.reg.Activate(ctx, []string{"J-3", "J-4"}, "FIRE-1", "op-1")
	require.NoError(t, err)
	require.Equal(t, 2, h.reg.ActiveCount())

	require.NoError(t, h.reg.Deactivate(first.ID, "op-1"))
	require.Equal(t, safety.ModeEmergency, h.kernel.Mode())

	require.NoError(t, h.reg.Deactivate(second.ID, "op-1"))
	require.Equal(t, safety.ModeNormal, h.kernel.Mode())

	active := h.reg.Active()
	require.Empty(t, active)
}

func TestExpiryLeavesModeToWatchdog(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 30*time.Second)

	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	h.reg.now = func() time.Time { return base }

	c, err := h.reg.Activate(ctx, []string{"J-1", "J-2"}, "AMB-6", "op-1")
	require.NoError(t, err)
	require.Equal(t, 1, h.reg.ActiveCount())

	base = base.Add(31 * time.Second)
	require.Zero(t, h.reg.ActiveCount(), "expired corridor no longer counts")

	h.reg.sweep()
	got, err := h.reg.Get(c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DeactivatedAt)
	require.Equal(t, base, h.reg.LastActive())
	require.Equal(t, safety.ModeEmergency, h.kernel.Mode(),
		"expiry reversion belongs to the watchdog grace check")
}
