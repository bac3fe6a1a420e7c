package ops

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/urbanos/trafficd/internal/detect"
	"github.com/urbanos/trafficd/internal/emergency"
	"github.com/urbanos/trafficd/internal/feed"
	"github.com/urbanos/trafficd/internal/incident"
	"github.com/urbanos/trafficd/internal/safety"
	"github.com/urbanos/trafficd/internal/signal"
	"github.com/urbanos/trafficd/internal/traffic"
)

type modeRequest struct {
	Mode     string `json:"mode" validate:"required,oneof=NORMAL EMERGENCY INCIDENT FAIL_SAFE"`
	Reason   string `json:"reason" validate:"required"`
	Operator string `json:"operator" validate:"required"`
}

type operatorRequest struct {
	Operator string `json:"operator" validate:"required"`
	Reason   string `json:"reason"`
}

type forceSignalRequest struct {
	JunctionID string `json:"junction_id" validate:"required"`
	Direction  string `json:"direction" validate:"required,oneof=north east south west"`
	Color      string `json:"color" validate:"required,oneof=RED YELLOW GREEN"`
	DurationS  int    `json:"duration_s" validate:"gte=0,lte=3600"`
	Operator   string `json:"operator" validate:"required"`
	Reason     string `json:"reason" validate:"required"`
}

type incidentRequest struct {
	Plate    string `json:"plate" validate:"required,min=4,max=16"`
	Type     string `json:"type" validate:"required,oneof=HIT_AND_RUN ACCIDENT STOLEN OTHER"`
	Operator string `json:"operator" validate:"required"`
}

type corridorRequest struct {
	Route     []string `json:"route" validate:"required,min=2,dive,required"`
	VehicleID string   `json:"vehicle_id" validate:"required"`
	Operator  string   `json:"operator" validate:"required"`
}

// handleStatus is the one-call ops overview.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"mode":   s.kernel.Mode(),
		"kernel": s.kernel.Status(),
	}
	if s.agent != nil {
		resp["agent"] = map[string]any{
			"status":   s.agent.Status(),
			"strategy": s.agent.StrategyName(),
			"disabled": s.kernel.Overrides().AgentDisabled(),
		}
	}
	if s.corridors != nil {
		resp["active_corridors"] = s.corridors.ActiveCount()
	}
	if s.tracker != nil {
		resp["city"] = s.tracker.CityMetrics()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSetMode drives the mode state machine. FAIL_SAFE goes through the
// kernel so the failsafe pattern actuates, not just the mode flag.
func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if safety.Mode(req.Mode) == safety.ModeFailSafe {
		s.kernel.EnterFailSafe(r.Context(), fmt.Sprintf("operator %s: %s", req.Operator, req.Reason))
		s.audit("OPS_FAILSAFE_ENTER", "WARNING", "fail-safe entered: "+req.Reason, req.Operator, nil)
		writeJSON(w, http.StatusOK, map[string]any{"mode": s.kernel.Mode()})
		return
	}

	if err := s.kernel.Modes().Set(safety.Mode(req.Mode), req.Reason, req.Operator); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.audit("OPS_MODE_SET", "INFO",
		fmt.Sprintf("mode set to %s: %s", req.Mode, req.Reason), req.Operator,
		map[string]any{"mode": req.Mode})
	writeJSON(w, http.StatusOK, map[string]any{"mode": s.kernel.Mode()})
}

func (s *Server) handleFailsafeExit(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.kernel.ExitFailSafe(req.Operator, req.Reason); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.audit("OPS_FAILSAFE_EXIT", "INFO", "fail-safe cleared: "+req.Reason, req.Operator, nil)
	writeJSON(w, http.StatusOK, map[string]any{"mode": s.kernel.Mode()})
}

func (s *Server) handleForceSignal(w http.ResponseWriter, r *http.Request) {
	var req forceSignalRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	o, err := s.kernel.ApplyForce(r.Context(), safety.Override{
		JunctionID: req.JunctionID,
		Direction:  traffic.Direction(req.Direction),
		Color:      signal.Color(req.Color),
		Duration:   time.Duration(req.DurationS) * time.Second,
		OperatorID: req.Operator,
		Reason:     req.Reason,
	})
	if err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.audit("OPS_OVERRIDE_FORCE", "INFO",
		fmt.Sprintf("forced %s %s to %s: %s", req.JunctionID, req.Direction, req.Color, req.Reason),
		req.Operator, map[string]any{"override_id": o.ID, "junction_id": req.JunctionID})
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleOverrides(w http.ResponseWriter, r *http.Request) {
	reg := s.kernel.Overrides()
	resp := map[string]any{"active": reg.Active()}
	if n := queryInt(r, "history", 0); n > 0 {
		resp["history"] = reg.History(n)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelOverride(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	operator := r.URL.Query().Get("operator")
	if operator == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("operator query parameter required"))
		return
	}
	if err := s.kernel.Overrides().Cancel(id, operator); err != nil {
		status := http.StatusConflict
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		s.writeError(w, status, err)
		return
	}
	s.audit("OPS_OVERRIDE_CANCEL", "INFO", "override "+id+" cancelled", operator,
		map[string]any{"override_id": id})
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": id})
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultLimit)
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":        s.kernel.Mode(),
		"transitions": s.kernel.Modes().Transitions(limit),
	})
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	o := s.kernel.EmergencyStop(r.Context(), req.Operator, req.Reason)
	s.audit("OPS_EMERGENCY_STOP", "CRITICAL", "emergency stop: "+req.Reason, req.Operator,
		map[string]any{"override_id": o.ID})
	writeJSON(w, http.StatusOK, map[string]any{"override": o, "mode": s.kernel.Mode()})
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("agent not configured"))
		return
	}
	suspended, why := s.kernel.DecisionsSuspended()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           s.agent.Status(),
		"strategy":         s.agent.StrategyName(),
		"disabled":         s.kernel.Overrides().AgentDisabled(),
		"suspended":        suspended,
		"suspended_reason": why,
	})
}

func (s *Server) handleAgentEnable(w http.ResponseWriter, r *http.Request) {
	s.latchAgent(w, r, safety.EnableAgent, "OPS_AGENT_ENABLE", "agent enabled")
}

func (s *Server) handleAgentDisable(w http.ResponseWriter, r *http.Request) {
	s.latchAgent(w, r, safety.DisableAgent, "OPS_AGENT_DISABLE", "agent disabled")
}

func (s *Server) latchAgent(w http.ResponseWriter, r *http.Request, kind safety.OverrideKind, event, msg string) {
	var req operatorRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	o := s.kernel.Overrides().Add(safety.Override{
		Kind:       kind,
		OperatorID: req.Operator,
		Reason:     req.Reason,
	})
	s.audit(event, "INFO", msg+": "+req.Reason, req.Operator, map[string]any{"override_id": o.ID})
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleAgentPause(w http.ResponseWriter, r *http.Request) {
	s.paceAgent(w, r, "OPS_AGENT_PAUSE", "agent paused", func() error { return s.agent.Pause() })
}

func (s *Server) handleAgentResume(w http.ResponseWriter, r *http.Request) {
	s.paceAgent(w, r, "OPS_AGENT_RESUME", "agent resumed", func() error { return s.agent.Resume() })
}

func (s *Server) paceAgent(w http.ResponseWriter, r *http.Request, event, msg string, fn func() error) {
	if s.agent == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("agent not configured"))
		return
	}
	var req operatorRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := fn(); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.audit(event, "INFO", msg, req.Operator, nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": s.agent.Status()})
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	if s.incidents == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("incidents not configured"))
		return
	}
	limit := queryInt(r, "limit", defaultLimit)
	writeJSON(w, http.StatusOK, map[string]any{"incidents": s.incidents.List(limit)})
}

func (s *Server) handleReportIncident(w http.ResponseWriter, r *http.Request) {
	if s.incidents == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("incidents not configured"))
		return
	}
	var req incidentRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	inc := s.incidents.Report(req.Plate, incident.Type(req.Type), s.now())
	s.audit("OPS_INCIDENT_REPORT", "WARNING",
		fmt.Sprintf("incident %s reported for plate %s (%s)", inc.ID, req.Plate, req.Type),
		req.Operator, map[string]any{"incident_id": inc.ID, "plate": req.Plate})
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleIncident(w http.ResponseWriter, r *http.Request) {
	if s.incidents == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("incidents not configured"))
		return
	}
	inc, ok := s.incidents.Get(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, http.StatusNotFound, incident.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleInferIncident(w http.ResponseWriter, r *http.Request) {
	if s.incidents == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("incidents not configured"))
		return
	}
	id := mux.Vars(r)["id"]
	res, err := s.incidents.Infer(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, incident.ErrNotFound) {
			status = http.StatusNotFound
		}
		s.writeError(w, status, err)
		return
	}
	s.audit("OPS_INCIDENT_INFER", "INFO",
		fmt.Sprintf("inference for incident %s: %s", id, res.Status),
		r.URL.Query().Get("operator"), map[string]any{"incident_id": id, "result": res.Status})
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCloseIncident(w http.ResponseWriter, r *http.Request) {
	if s.incidents == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("incidents not configured"))
		return
	}
	var req operatorRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.incidents.Close(id, req.Operator); err != nil {
		status := http.StatusConflict
		if errors.Is(err, incident.ErrNotFound) {
			status = http.StatusNotFound
		}
		s.writeError(w, status, err)
		return
	}
	s.audit("OPS_INCIDENT_CLOSE", "INFO", "incident "+id+" closed", req.Operator,
		map[string]any{"incident_id": id})
	writeJSON(w, http.StatusOK, map[string]any{"closed": id})
}

func (s *Server) handleDensity(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("density not configured"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"city":      s.tracker.CityMetrics(),
		"junctions": s.tracker.JunctionDensities(),
		"as_of":     s.tracker.LastTick(),
	})
}

func (s *Server) handleDensityHistory(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("density not configured"))
		return
	}
	roadID := mux.Vars(r)["roadID"]
	if _, ok := s.tracker.Road(roadID); !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("unknown road %s", roadID))
		return
	}
	seconds := queryInt(r, "seconds", 300)
	writeJSON(w, http.StatusOK, map[string]any{
		"road_id":   roadID,
		"snapshots": s.tracker.History(roadID, seconds),
	})
}

func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	if s.predictor == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("prediction not configured"))
		return
	}
	horizons, err := parseHorizons(r.URL.Query().Get("horizons"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	p, err := s.predictor.Predict(mux.Vars(r)["roadID"], horizons)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func parseHorizons(raw string) ([]int, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("bad horizons value %q", p)
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *Server) handleActivateCorridor(w http.ResponseWriter, r *http.Request) {
	if s.corridors == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("corridors not configured"))
		return
	}
	var req corridorRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	c, err := s.corridors.Activate(r.Context(), req.Route, req.VehicleID, req.Operator)
	if err != nil {
		status := http.StatusConflict
		if errors.Is(err, emergency.ErrBadRoute) {
			status = http.StatusBadRequest
		}
		s.writeError(w, status, err)
		return
	}
	s.audit("OPS_CORRIDOR_ACTIVATE", "WARNING",
		fmt.Sprintf("corridor %s for vehicle %s over %d junctions", c.ID, req.VehicleID, len(req.Route)),
		req.Operator, map[string]any{"corridor_id": c.ID, "vehicle_id": req.VehicleID})
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCorridors(w http.ResponseWriter, r *http.Request) {
	if s.corridors == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("corridors not configured"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"corridors": s.corridors.Active()})
}

func (s *Server) handleReleaseCorridor(w http.ResponseWriter, r *http.Request) {
	if s.corridors == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("corridors not configured"))
		return
	}
	id := mux.Vars(r)["id"]
	operator := r.URL.Query().Get("operator")
	if operator == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("operator query parameter required"))
		return
	}
	if err := s.corridors.Deactivate(id, operator); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.audit("OPS_CORRIDOR_RELEASE", "INFO", "corridor "+id+" released", operator,
		map[string]any{"corridor_id": id})
	writeJSON(w, http.StatusOK, map[string]any{"released": id})
}

func (s *Server) handleChallans(w http.ResponseWriter, r *http.Request) {
	if s.enforcer == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("enforcement not configured"))
		return
	}
	limit := queryInt(r, "limit", defaultLimit)
	writeJSON(w, http.StatusOK, map[string]any{"challans": s.enforcer.RecentChallans(limit)})
}

// handleDetections queries the persisted detection log by plate or junction.
func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	if s.detections == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("persistence not configured"))
		return
	}
	q := r.URL.Query()
	plate, junction := q.Get("plate"), q.Get("junction")
	if (plate == "") == (junction == "") {
		s.writeError(w, http.StatusBadRequest, errors.New("exactly one of plate or junction required"))
		return
	}

	to := s.now()
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("bad to timestamp: %w", err))
			return
		}
		to = t
	}
	from := to.Add(-time.Hour)
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("bad from timestamp: %w", err))
			return
		}
		from = t
	}

	var (
		rows []detect.Detection
		err  error
	)
	if plate != "" {
		rows, err = s.detections.DetectionsByPlate(r.Context(), plate, from, to)
	} else {
		rows, err = s.detections.DetectionsByJunction(r.Context(), junction, from, to)
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"detections": rows, "from": from, "to": to})
}

type ingestRequest struct {
	TS       time.Time         `json:"ts"`
	Vehicles []traffic.Vehicle `json:"vehicles" validate:"required,min=1"`
	Passages []feed.Passage    `json:"passages"`
}

// handleIngestVehicles takes one frame per request when the feed runs in api
// mode. An empty vehicle list is rejected because a frame replaces the
// previous one wholesale and would zero every road.
func (s *Server) handleIngestVehicles(w http.ResponseWriter, r *http.Request) {
	if s.ingest == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("feed is not in api mode"))
		return
	}
	var req ingestRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.ingest.Push(req.Vehicles, req.Passages, req.TS)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"vehicles": len(req.Vehicles),
		"passages": len(req.Passages),
	})
}
