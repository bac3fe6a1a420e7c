package ops

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/urbanos/trafficd/internal/agent"
	"github.com/urbanos/trafficd/internal/density"
	"github.com/urbanos/trafficd/internal/detect"
	"github.com/urbanos/trafficd/internal/emergency"
	"github.com/urbanos/trafficd/internal/emit"
	"github.com/urbanos/trafficd/internal/feed"
	"github.com/urbanos/trafficd/internal/incident"
	"github.com/urbanos/trafficd/internal/predict"
	"github.com/urbanos/trafficd/internal/safety"
	"github.com/urbanos/trafficd/internal/signal"
	"github.com/urbanos/trafficd/internal/traffic"
)

const testToken = "ops-test-token"

type emitted struct {
	name    string
	payload any
}

type memEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (m *memEmitter) Emit(event string, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, emitted{event, payload})
}

// audits counts system:event emissions carrying the given audit type.
func (m *memEmitter) audits(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.name != emit.EventSystem {
			continue
		}
		if p, ok := e.payload.(map[string]any); ok && p["event_type"] == eventType {
			n++
		}
	}
	return n
}

func (m *memEmitter) lastAudit(eventType string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].name != emit.EventSystem {
			continue
		}
		if p, ok := m.events[i].payload.(map[string]any); ok && p["event_type"] == eventType {
			return p
		}
	}
	return nil
}

type stubAgent struct {
	mu        sync.Mutex
	status    agent.Status
	resumeErr error
}

func (s *stubAgent) Status() agent.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *stubAgent) StrategyName() string { return agent.StrategyRuleBased }

func (s *stubAgent) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = agent.StatusPaused
	return nil
}

func (s *stubAgent) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resumeErr != nil {
		return s.resumeErr
	}
	s.status = agent.StatusRunning
	return nil
}

type stubDetections struct {
	rows []detect.Detection
	err  error
}

func (s *stubDetections) DetectionsByPlate(_ context.Context, plate string, _, _ time.Time) ([]detect.Detection, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []detect.Detection
	for _, d := range s.rows {
		if d.Plate == plate {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *stubDetections) DetectionsByJunction(_ context.Context, junctionID string, _, _ time.Time) ([]detect.Detection, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []detect.Detection
	for _, d := range s.rows {
		if d.JunctionID == junctionID {
			out = append(out, d)
		}
	}
	return out, nil
}

type rig struct {
	grid     *traffic.Grid
	sim      *signal.Sim
	kernel   *safety.Kernel
	tracker  *density.Tracker
	enforcer *detect.Enforcer
	agent    *stubAgent
	dets     *stubDetections
	em       *memEmitter
	handler  http.Handler
}

func gridJunctions(g *traffic.Grid) []traffic.Junction {
	ids := g.JunctionIDs()
	out := make([]traffic.Junction, 0, len(ids))
	for _, id := range ids {
		j, _ := g.Junction(id)
		out = append(out, j)
	}
	return out
}

func mkVehicles(roadID string, n int) []traffic.Vehicle {
	vs := make([]traffic.Vehicle, n)
	for i := range vs {
		vs[i] = traffic.Vehicle{ID: fmt.Sprintf("%s-v%d", roadID, i), RoadID: roadID, Speed: 5}
	}
	return vs
}

type sinkFunc func(detect.Detection) error

func (f sinkFunc) Record(d detect.Detection) error { return f(d) }

func newRig(t *testing.T) *rig {
	t.Helper()
	grid := traffic.NewGrid(2, 2, 1000, 10)
	sim := signal.NewSim(grid.JunctionIDs(), nil)
	em := &memEmitter{}
	kernel := safety.New(safety.Config{}, sim, em)
	tracker := density.NewTracker(density.Config{}, emit.Discard{})
	tracker.InitializeRoads(grid.Roads(), gridJunctions(grid))
	dets := &stubDetections{}
	enforcer := detect.NewEnforcer(sim, tracker, emit.Discard{})
	ag := &stubAgent{status: agent.StatusRunning}

	sink := sinkFunc(func(d detect.Detection) error {
		enforcer.Inspect(d)
		return nil
	})
	srv := NewServer(Config{Token: testToken}, Deps{
		Kernel:     kernel,
		Agent:      ag,
		Corridors:  emergency.NewRegistry(emergency.Config{}, kernel, grid, emit.Discard{}),
		Incidents:  incident.NewRegistry(incident.Config{}, dets, grid),
		Tracker:    tracker,
		Predictor:  predict.NewEngine(predict.Config{}, tracker),
		Enforcer:   enforcer,
		Detections: dets,
		Ingest:     feed.NewIngest(tracker, sink, emit.Discard{}),
		Emitter:    em,
	})
	return &rig{
		grid:     grid,
		sim:      sim,
		kernel:   kernel,
		tracker:  tracker,
		enforcer: enforcer,
		agent:    ag,
		dets:     dets,
		em:       em,
		handler:  srv.Router(),
	}
}

func (r *rig) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set(TokenHeader, testToken)
	rec := httptest.NewRecorder()
	r.handler.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), "body: %s", rec.Body.String())
	return m
}

func TestTokenGuard(t *testing.T) {
	r := newRig(t)

	req := httptest.NewRequest("GET", "/api/status", nil)
	rec := httptest.NewRecorder()
	r.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code, "missing token")

	req = httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set(TokenHeader, "wrong")
	rec = httptest.NewRecorder()
	r.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code, "wrong token")

	rec = r.do(t, "GET", "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// liveness stays open for the supervisor
	req = httptest.NewRequest("GET", "/healthz", nil)
	rec = httptest.NewRecorder()
	r.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusOverview(t *testing.T) {
	r := newRig(t)
	rec := r.do(t, "GET", "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := decodeMap(t, rec)
	require.Equal(t, "NORMAL", body["mode"])
	require.Contains(t, body, "kernel")
	require.Contains(t, body, "city")
	require.EqualValues(t, 0, body["active_corridors"])

	ag, ok := body["agent"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "RUNNING", ag["status"])
	require.Equal(t, agent.StrategyRuleBased, ag["strategy"])
}

func TestModeEndpoint(t *testing.T) {
	r := newRig(t)

	rec := r.do(t, "POST", "/api/mode", map[string]any{
		"mode": "INCIDENT", "reason": "multi-car pileup", "operator": "op-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "INCIDENT", decodeMap(t, rec)["mode"])
	require.Equal(t, 1, r.em.audits("OPS_MODE_SET"))

	// INCIDENT -> EMERGENCY is not in the transition table
	rec = r.do(t, "POST", "/api/mode", map[string]any{
		"mode": "EMERGENCY", "reason": "x", "operator": "op-1",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, safety.ModeIncident, r.kernel.Mode())

	rec = r.do(t, "POST", "/api/mode", map[string]any{"mode": "NORMAL", "reason": "cleared"})
	require.Equal(t, http.StatusBadRequest, rec.Code, "operator required")

	rec = r.do(t, "POST", "/api/mode", map[string]any{
		"mode": "PANIC", "reason": "x", "operator": "op-1",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, "unknown mode")

	rec = r.do(t, "GET", "/api/transitions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	trs, ok := body["transitions"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, trs)
	newest, ok := trs[0].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "INCIDENT", newest["to"])
}

func TestFailsafeEnterExit(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	require.NoError(t, r.sim.SetSignal(ctx, "J-1", traffic.East, signal.Green, 0))

	rec := r.do(t, "POST", "/api/mode", map[string]any{
		"mode": "FAIL_SAFE", "reason": "sensor blackout", "operator": "op-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "FAIL_SAFE", decodeMap(t, rec)["mode"])
	require.Equal(t, safety.ModeFailSafe, r.kernel.Mode())
	require.Equal(t, 1, r.em.audits("OPS_FAILSAFE_ENTER"))

	for _, id := range r.grid.JunctionIDs() {
		js, ok := r.sim.Signals(id)
		require.True(t, ok)
		require.Empty(t, js.GreenDirections(), "junction %s must be all red", id)
	}

	rec = r.do(t, "POST", "/api/failsafe/exit", map[string]any{
		"operator": "op-1", "reason": "sensors back",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, safety.ModeNormal, r.kernel.Mode())
	require.Equal(t, 1, r.em.audits("OPS_FAILSAFE_EXIT"))

	rec = r.do(t, "POST", "/api/failsafe/exit", map[string]any{
		"operator": "op-1", "reason": "again",
	})
	require.Equal(t, http.StatusConflict, rec.Code, "not in fail-safe anymore")
}

func TestForceSignalLifecycle(t *testing.T) {
	r := newRig(t)

	rec := r.do(t, "POST", "/api/override/signal", map[string]any{
		"junction_id": "J-1", "direction": "east", "color": "GREEN",
		"duration_s": 60, "operator": "op-1", "reason": "stuck sensor",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	forced := decodeMap(t, rec)
	id, _ := forced["id"].(string)
	require.NotEmpty(t, id)

	js, ok := r.sim.Signals("J-1")
	require.True(t, ok)
	require.Equal(t, signal.Green, js.States[traffic.East].Color)
	require.Equal(t, 1, r.em.audits("OPS_OVERRIDE_FORCE"))

	// second green on a crossing approach is rejected outright
	rec = r.do(t, "POST", "/api/override/signal", map[string]any{
		"junction_id": "J-1", "direction": "north", "color": "GREEN",
		"duration_s": 60, "operator": "op-1", "reason": "oops",
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = r.do(t, "GET", "/api/overrides", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	active, ok := decodeMap(t, rec)["active"].([]any)
	require.True(t, ok)
	require.Len(t, active, 2, "admitted force plus the rejected-but-recorded one")

	rec = r.do(t, "DELETE", "/api/overrides/"+id+"?operator=op-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, r.em.audits("OPS_OVERRIDE_CANCEL"))

	rec = r.do(t, "DELETE", "/api/overrides/"+id+"?operator=op-2", nil)
	require.Equal(t, http.StatusConflict, rec.Code, "already cancelled")

	rec = r.do(t, "DELETE", "/api/overrides/nope?operator=op-2", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = r.do(t, "DELETE", "/api/overrides/"+id, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code, "operator required")

	rec = r.do(t, "POST", "/api/override/signal", map[string]any{
		"junction_id": "J-1", "direction": "up", "color": "GREEN",
		"duration_s": 60, "operator": "op-1", "reason": "x",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, "bad direction")
}

func TestAgentEndpoints(t *testing.T) {
	r := newRig(t)

	rec := r.do(t, "GET", "/api/agent", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	require.Equal(t, "RUNNING", body["status"])
	require.Equal(t, false, body["disabled"])
	require.Equal(t, false, body["suspended"])

	rec = r.do(t, "POST", "/api/agent/disable", map[string]any{
		"operator": "op-1", "reason": "manual control drill",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, r.kernel.Overrides().AgentDisabled())
	require.Equal(t, 1, r.em.audits("OPS_AGENT_DISABLE"))

	rec = r.do(t, "GET", "/api/agent", nil)
	body = decodeMap(t, rec)
	require.Equal(t, true, body["disabled"])
	require.Equal(t, true, body["suspended"])
	require.Equal(t, "agent disabled by operator", body["suspended_reason"])

	rec = r.do(t, "POST", "/api/agent/enable", map[string]any{
		"operator": "op-1", "reason": "drill over",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, r.kernel.Overrides().AgentDisabled())

	rec = r.do(t, "POST", "/api/agent/pause", map[string]any{"operator": "op-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "PAUSED", decodeMap(t, rec)["status"])

	r.agent.resumeErr = agent.ErrNotRunning
	rec = r.do(t, "POST", "/api/agent/resume", map[string]any{"operator": "op-1"})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestEmergencyStopEndpoint(t *testing.T) {
	r := newRig(t)

	rec := r.do(t, "POST", "/api/emergency-stop", map[string]any{
		"operator": "op-9", "reason": "runaway actuation",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, safety.ModeFailSafe, r.kernel.Mode())

	body := decodeMap(t, rec)
	o, ok := body["override"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, string(safety.EmergencyStop), o["kind"])

	audit := r.em.lastAudit("OPS_EMERGENCY_STOP")
	require.NotNil(t, audit)
	require.Equal(t, "CRITICAL", audit["severity"])
}

func TestIncidentWorkflow(t *testing.T) {
	r := newRig(t)
	now := time.Now()
	r.dets.rows = []detect.Detection{
		{VehicleID: "V-1", Plate: "KA09X4321", JunctionID: "J-3", Direction: traffic.North, TS: now.Add(-10 * time.Minute)},
		{VehicleID: "V-1", Plate: "KA09X4321", JunctionID: "J-1", Direction: traffic.East, TS: now.Add(-5 * time.Minute)},
	}

	rec := r.do(t, "POST", "/api/incidents", map[string]any{
		"plate": "KA09X4321", "type": "HIT_AND_RUN", "operator": "op-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	inc := decodeMap(t, rec)
	id, _ := inc["id"].(string)
	require.NotEmpty(t, id)
	require.Equal(t, "OPEN", inc["status"])
	require.Equal(t, 1, r.em.audits("OPS_INCIDENT_REPORT"))

	rec = r.do(t, "GET", "/api/incidents", nil)
	list, ok := decodeMap(t, rec)["incidents"].([]any)
	require.True(t, ok)
	require.Len(t, list, 1)

	rec = r.do(t, "GET", "/api/incidents/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = r.do(t, "GET", "/api/incidents/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = r.do(t, "POST", "/api/incidents/"+id+"/infer", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeMap(t, rec)
	require.Contains(t, []any{"OK", "LAST_KNOWN"}, res["status"])
	require.Equal(t, 1, r.em.audits("OPS_INCIDENT_INFER"))

	rec = r.do(t, "POST", "/api/incidents/nope/infer", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// a plate nobody ever saw
	rec = r.do(t, "POST", "/api/incidents", map[string]any{
		"plate": "ZZ99GHOST", "type": "STOLEN", "operator": "op-1",
	})
	ghostID, _ := decodeMap(t, rec)["id"].(string)
	rec = r.do(t, "POST", "/api/incidents/"+ghostID+"/infer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "NO_DATA", decodeMap(t, rec)["status"])

	rec = r.do(t, "POST", "/api/incidents/"+id+"/close", map[string]any{"operator": "op-2"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = r.do(t, "POST", "/api/incidents/"+id+"/close", map[string]any{"operator": "op-2"})
	require.Equal(t, http.StatusConflict, rec.Code, "already closed")

	rec = r.do(t, "POST", "/api/incidents", map[string]any{
		"plate": "AB1", "type": "ACCIDENT", "operator": "op-1",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, "plate too short")
	rec = r.do(t, "POST", "/api/incidents", map[string]any{
		"plate": "KA01AB1234", "type": "BURGLARY", "operator": "op-1",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, "unknown incident type")
}

func TestDensityEndpoints(t *testing.T) {
	r := newRig(t)
	roadID := "R-J-2-J-1"
	r.tracker.Update(mkVehicles(roadID, 8), time.Now())

	rec := r.do(t, "GET", "/api/density", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	junctions, ok := body["junctions"].(map[string]any)
	require.True(t, ok)
	require.Len(t, junctions, 4)
	require.Contains(t, body, "city")

	rec = r.do(t, "GET", "/api/density/"+roadID+"/history?seconds=60", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snaps, ok := decodeMap(t, rec)["snapshots"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, snaps)

	rec = r.do(t, "GET", "/api/density/R-NOWHERE/history", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPredictionsEndpoint(t *testing.T) {
	r := newRig(t)
	roadID := "R-J-2-J-1"
	base := time.Now().Add(-3 * time.Second)
	for i := 0; i < 3; i++ {
		r.tracker.Update(mkVehicles(roadID, 4+i), base.Add(time.Duration(i)*time.Second))
	}

	rec := r.do(t, "GET", "/api/predictions/"+roadID+"?horizons=3,5", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeMap(t, rec)
	require.Equal(t, roadID, body["road_id"])
	points, ok := body["points"].([]any)
	require.True(t, ok)
	require.Len(t, points, 2)

	rec = r.do(t, "GET", "/api/predictions/R-NOWHERE", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = r.do(t, "GET", "/api/predictions/"+roadID+"?horizons=soon", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCorridorEndpoints(t *testing.T) {
	r := newRig(t)

	rec := r.do(t, "POST", "/api/corridor", map[string]any{
		"route": []string{"J-1", "J-2", "J-4"}, "vehicle_id": "AMB-7", "operator": "op-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	c := decodeMap(t, rec)
	id, _ := c["id"].(string)
	require.NotEmpty(t, id)
	require.Equal(t, safety.ModeEmergency, r.kernel.Mode())
	require.Equal(t, 1, r.em.audits("OPS_CORRIDOR_ACTIVATE"))

	rec = r.do(t, "GET", "/api/corridors", nil)
	cs, ok := decodeMap(t, rec)["corridors"].([]any)
	require.True(t, ok)
	require.Len(t, cs, 1)

	rec = r.do(t, "DELETE", "/api/corridors/"+id+"?operator=op-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, safety.ModeNormal, r.kernel.Mode())
	require.Equal(t, 1, r.em.audits("OPS_CORRIDOR_RELEASE"))

	rec = r.do(t, "DELETE", "/api/corridors/nope?operator=op-1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = r.do(t, "DELETE", "/api/corridors/"+id, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code, "operator required")

	rec = r.do(t, "POST", "/api/corridor", map[string]any{
		"route": []string{"J-1"}, "vehicle_id": "AMB-7", "operator": "op-1",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, "route too short")

	rec = r.do(t, "POST", "/api/corridor", map[string]any{
		"route": []string{"J-1", "J-9"}, "vehicle_id": "AMB-7", "operator": "op-1",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, "unknown junction")

	r.kernel.EnterFailSafe(context.Background(), "test")
	rec = r.do(t, "POST", "/api/corridor", map[string]any{
		"route": []string{"J-1", "J-2"}, "vehicle_id": "AMB-8", "operator": "op-1",
	})
	require.Equal(t, http.StatusConflict, rec.Code, "fail-safe owns the signals")
}

func TestChallansEndpoint(t *testing.T) {
	r := newRig(t)

	rec := r.do(t, "GET", "/api/challans", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	require.Empty(t, body["challans"])

	// all approaches start red, so any passage is a red-light run
	vs := r.enforcer.Inspect(detect.Detection{
		VehicleID: "V-9", Plate: "KA05RED999", JunctionID: "J-1",
		Direction: traffic.East, TS: time.Now(),
	})
	require.Len(t, vs, 1)

	rec = r.do(t, "GET", "/api/challans", nil)
	challans, ok := decodeMap(t, rec)["challans"].([]any)
	require.True(t, ok)
	require.Len(t, challans, 1)
}

func TestDetectionsQuery(t *testing.T) {
	r := newRig(t)
	now := time.Now()
	r.dets.rows = []detect.Detection{
		{VehicleID: "V-1", Plate: "KA01AB1234", JunctionID: "J-1", Direction: traffic.East, TS: now.Add(-time.Minute)},
		{VehicleID: "V-2", Plate: "KA02CD5678", JunctionID: "J-2", Direction: traffic.West, TS: now.Add(-time.Minute)},
	}

	rec := r.do(t, "GET", "/api/detections?plate=KA01AB1234", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows, ok := decodeMap(t, rec)["detections"].([]any)
	require.True(t, ok)
	require.Len(t, rows, 1)

	rec = r.do(t, "GET", "/api/detections?junction=J-2", nil)
	rows, ok = decodeMap(t, rec)["detections"].([]any)
	require.True(t, ok)
	require.Len(t, rows, 1)

	rec = r.do(t, "GET", "/api/detections", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code, "needs plate or junction")
	rec = r.do(t, "GET", "/api/detections?plate=X&junction=J-1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code, "not both")
	rec = r.do(t, "GET", "/api/detections?plate=KA01AB1234&from=yesterday", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code, "bad timestamp")

	r.dets.err = errors.New("connection refused")
	rec = r.do(t, "GET", "/api/detections?plate=KA01AB1234", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestOptionalDepsAnswer503(t *testing.T) {
	sim := signal.NewSim([]string{"J-1"}, nil)
	kernel := safety.New(safety.Config{}, sim, emit.Discard{})
	srv := NewServer(Config{}, Deps{Kernel: kernel})
	h := srv.Router()

	paths := []string{
		"/api/agent",
		"/api/incidents",
		"/api/density",
		"/api/predictions/R-1",
		"/api/corridors",
		"/api/challans",
		"/api/detections?plate=X",
	}
	for _, p := range paths {
		req := httptest.NewRequest("GET", p, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code, p)
	}

	req := httptest.NewRequest("POST", "/api/vehicles", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, "ingest outside api mode")

	req = httptest.NewRequest("GET", "/ws", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code, "no hub mounted")
}

func TestWSMounted(t *testing.T) {
	sim := signal.NewSim([]string{"J-1"}, nil)
	kernel := safety.New(safety.Config{}, sim, emit.Discard{})
	srv := NewServer(Config{}, Deps{
		Kernel: kernel,
		WS: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	})
	req := httptest.NewRequest("GET", "/ws", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestIngestVehicles(t *testing.T) {
	r := newRig(t)

	frame := map[string]any{
		"vehicles": []map[string]any{
			{"id": "V-1", "plate": "KA01AB1234", "road_id": "R-J-1-J-2", "x": 100.0, "y": 0.0, "speed": 12.0},
			{"id": "V-2", "plate": "KA02CD5678", "road_id": "R-J-1-J-2", "x": 300.0, "y": 0.0, "speed": 9.0},
		},
		"passages": []map[string]any{
			{"vehicle_id": "V-1", "plate": "KA01AB1234", "junction_id": "J-2",
				"direction": "west", "speed": 12.0, "incoming_road": "R-J-1-J-2"},
		},
	}
	rec := r.do(t, "POST", "/api/vehicles", frame)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeMap(t, rec)
	require.EqualValues(t, 2, body["vehicles"])
	require.EqualValues(t, 1, body["passages"])

	rd, ok := r.tracker.RoadDensity("R-J-1-J-2")
	require.True(t, ok)
	require.Equal(t, 2, rd.VehicleCount)

	rec = r.do(t, "POST", "/api/vehicles", map[string]any{"vehicles": []any{}})
	require.Equal(t, http.StatusBadRequest, rec.Code, "empty frame would zero the network")
}
