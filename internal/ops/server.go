// Package ops serves the operator API: mode and override control, the
// incident workflow, density and prediction reads, and the live event
// stream. It listens on loopback by default; the token check is a guard
// against fat fingers, not an auth system.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/urbanos/trafficd/internal/agent"
	"github.com/urbanos/trafficd/internal/density"
	"github.com/urbanos/trafficd/internal/detect"
	"github.com/urbanos/trafficd/internal/emergency"
	"github.com/urbanos/trafficd/internal/emit"
	"github.com/urbanos/trafficd/internal/feed"
	"github.com/urbanos/trafficd/internal/incident"
	"github.com/urbanos/trafficd/internal/observ"
	"github.com/urbanos/trafficd/internal/predict"
	"github.com/urbanos/trafficd/internal/safety"
	"github.com/urbanos/trafficd/internal/traffic"
)

// TokenHeader carries the shared operator token on every /api request.
const TokenHeader = "X-Operator-Token"

const (
	maxBodyBytes    = 64 << 10
	defaultLimit    = 50
	shutdownTimeout = 5 * time.Second
)

// AgentControl is the loop surface the API drives. Enable/disable go through
// the kernel's override latch instead; this is only status and pacing.
type AgentControl interface {
	Status() agent.Status
	StrategyName() string
	Pause() error
	Resume() error
}

// DetectionReader is the slice of the persistence gateway the API reads.
type DetectionReader interface {
	DetectionsByPlate(ctx context.Context, plate string, from, to time.Time) ([]detect.Detection, error)
	DetectionsByJunction(ctx context.Context, junctionID string, from, to time.Time) ([]detect.Detection, error)
}

// VehicleIngest accepts externally pushed vehicle frames. Wired only when
// the feed runs in api mode.
type VehicleIngest interface {
	Push(vehicles []traffic.Vehicle, passages []feed.Passage, ts time.Time)
}

type Config struct {
	Listen string
	Token  string
}

// Server holds the subsystem handles the API fronts. Optional handles may be
// nil; their endpoints then answer 503.
type Server struct {
	cfg        Config
	kernel     *safety.Kernel
	agent      AgentControl
	corridors  *emergency.Registry
	incidents  *incident.Registry
	tracker    *density.Tracker
	predictor  *predict.Engine
	enforcer   *detect.Enforcer
	detections DetectionReader
	ingest     VehicleIngest
	emitter    emit.Emitter
	ws         http.Handler

	validate *validator.Validate
	now      func() time.Time
}

// Deps collects the handles so the constructor call stays readable.
type Deps struct {
	Kernel     *safety.Kernel
	Agent      AgentControl
	Corridors  *emergency.Registry
	Incidents  *incident.Registry
	Tracker    *density.Tracker
	Predictor  *predict.Engine
	Enforcer   *detect.Enforcer
	Detections DetectionReader
	Ingest     VehicleIngest
	Emitter    emit.Emitter
	WS         http.Handler
}

func NewServer(cfg Config, deps Deps) *Server {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8095"
	}
	emitter := deps.Emitter
	if emitter == nil {
		emitter = emit.Discard{}
	}
	return &Server{
		cfg:        cfg,
		kernel:     deps.Kernel,
		agent:      deps.Agent,
		corridors:  deps.Corridors,
		incidents:  deps.Incidents,
		tracker:    deps.Tracker,
		predictor:  deps.Predictor,
		enforcer:   deps.Enforcer,
		detections: deps.Detections,
		ingest:     deps.Ingest,
		emitter:    emitter,
		ws:         deps.WS,
		validate:   validator.New(),
		now:        time.Now,
	}
}

// Router mounts every endpoint. The /api subtree carries the token check;
// metrics, health and the websocket stay open for dashboards.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Handle("/metrics", observ.Handler()).Methods("GET")
	r.Handle("/health", observ.HealthHandler()).Methods("GET")
	r.Handle("/healthz", observ.Health()).Methods("GET")
	if s.ws != nil {
		r.Handle("/ws", s.ws).Methods("GET")
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireToken, s.instrument)

	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/mode", s.handleSetMode).Methods("POST")
	api.HandleFunc("/failsafe/exit", s.handleFailsafeExit).Methods("POST")

	api.HandleFunc("/override/signal", s.handleForceSignal).Methods("POST")
	api.HandleFunc("/overrides", s.handleOverrides).Methods("GET")
	api.HandleFunc("/overrides/{id}", s.handleCancelOverride).Methods("DELETE")
	api.HandleFunc("/transitions", s.handleTransitions).Methods("GET")
	api.HandleFunc("/emergency-stop", s.handleEmergencyStop).Methods("POST")

	api.HandleFunc("/agent", s.handleAgentStatus).Methods("GET")
	api.HandleFunc("/agent/enable", s.handleAgentEnable).Methods("POST")
	api.HandleFunc("/agent/disable", s.handleAgentDisable).Methods("POST")
	api.HandleFunc("/agent/pause", s.handleAgentPause).Methods("POST")
	api.HandleFunc("/agent/resume", s.handleAgentResume).Methods("POST")

	api.HandleFunc("/incidents", s.handleIncidents).Methods("GET")
	api.HandleFunc("/incidents", s.handleReportIncident).Methods("POST")
	api.HandleFunc("/incidents/{id}", s.handleIncident).Methods("GET")
	api.HandleFunc("/incidents/{id}/infer", s.handleInferIncident).Methods("POST")
	api.HandleFunc("/incidents/{id}/close", s.handleCloseIncident).Methods("POST")

	api.HandleFunc("/density", s.handleDensity).Methods("GET")
	api.HandleFunc("/density/{roadID}/history", s.handleDensityHistory).Methods("GET")
	api.HandleFunc("/predictions/{roadID}", s.handlePredictions).Methods("GET")

	api.HandleFunc("/corridor", s.handleActivateCorridor).Methods("POST")
	api.HandleFunc("/corridors", s.handleCorridors).Methods("GET")
	api.HandleFunc("/corridors/{id}", s.handleReleaseCorridor).Methods("DELETE")

	api.HandleFunc("/challans", s.handleChallans).Methods("GET")
	api.HandleFunc("/detections", s.handleDetections).Methods("GET")
	api.HandleFunc("/vehicles", s.handleIngestVehicles).Methods("POST")

	return r
}

// Run serves until the context is cancelled, then drains with a bounded
// shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	observ.Log("ops_listening", map[string]any{"addr": s.cfg.Listen, "token_set": s.cfg.Token != ""})

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			return fmt.Errorf("ops: shutdown: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		return fmt.Errorf("ops: serve: %w", err)
	}
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" && r.Header.Get(TokenHeader) != s.cfg.Token {
			observ.IncCounter("ops_auth_failures_total", nil)
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "bad operator token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		labels := map[string]string{"route": route, "method": r.Method}
		observ.IncCounter("ops_requests_total", labels)
		observ.RecordDuration("ops_request_ms", time.Since(start), labels)
	})
}

// audit emits the durable record of a mutating call. The bus recorder turns
// it into a system_events row; ops itself never touches the store.
func (s *Server) audit(eventType, severity, message, operator string, extra map[string]any) {
	payload := map[string]any{
		"event_type": eventType,
		"severity":   severity,
		"message":    message,
		"operator":   operator,
	}
	for k, v := range extra {
		payload[k] = v
	}
	s.emitter.Emit(emit.EventSystem, payload)
	observ.IncCounter("ops_mutations_total", map[string]string{"event": eventType})
	observ.Log("ops_audit", map[string]any{
		"event_type": eventType, "operator": operator, "message": message,
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// decode parses and validates a JSON request body.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("bad request body: %w", err)
	}
	if err := s.validate.Struct(dst); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
