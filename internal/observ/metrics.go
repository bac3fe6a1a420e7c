package observ

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type registry struct {
	mu       sync.Mutex
	counters map[string]map[string]int64   // name -> labelsKey -> count
	gauges   map[string]map[string]float64 // name -> labelsKey -> value
	hist     map[string]map[string][]float64
}

var reg = &registry{
	counters: map[string]map[string]int64{},
	gauges:   map[string]map[string]float64{},
	hist:     map[string]map[string][]float64{},
}

// canonicalize label map so key order is stable
func canonLabels(lbl map[string]string) string {
	if len(lbl) == 0 {
		return ""
	}
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(lbl[k])
	}
	return b.String()
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.counters[name]
	if !ok {
		m = map[string]int64{}
		reg.counters[name] = m
	}
	m[canonLabels(labels)] += int64(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.gauges[name]
	if !ok {
		m = map[string]float64{}
		reg.gauges[name] = m
	}
	m[canonLabels(labels)] = value
}

func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.hist[name]
	if !ok {
		m = map[string][]float64{}
		reg.hist[name] = m
	}
	k := canonLabels(labels)
	m[k] = append(m[k], value)
}

// RecordDuration records a duration observation in milliseconds.
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(duration.Milliseconds()), labels)
}

// Basic JSON dump for quick checks (not Prometheus format on purpose; the ops
// dashboard consumes this shape directly).
func Handler() http.Handler {
	type dump struct {
		Counters map[string]map[string]int64     `json:"counters"`
		Gauges   map[string]map[string]float64   `json:"gauges"`
		Hist     map[string]map[string][]float64 `json:"histograms"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dump{Counters: reg.counters, Gauges: reg.gauges, Hist: reg.hist})
	})
}

// Component health gauge values set by the watchdog and subsystems.
const (
	HealthFailed   = 0
	HealthDegraded = 1
	HealthHealthy  = 2
)

// HealthStatus is the /health response body.
type HealthStatus struct {
	Status    string                 `json:"status"` // "healthy", "degraded", "failed"
	Timestamp string                 `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	Metrics   HealthMetrics          `json:"metrics"`
	Details   map[string]interface{} `json:"details"`
}

// HealthMetrics are the headline numbers an operator checks first.
type HealthMetrics struct {
	TickLatencyP95Ms     int64   `json:"tick_latency_p95_ms"`
	DecisionLatencyP95Ms int64   `json:"decision_latency_p95_ms"`
	ActionAdmissionRate  float64 `json:"action_admission_rate"`
	DetectionBufferSize  int     `json:"detection_buffer_size"`
	EventsDropped        int64   `json:"events_dropped"`
	PersistFailures      int64   `json:"persist_failures"`
	OutboxSpilled        int64   `json:"outbox_spilled"`
}

var (
	startTime = time.Now()
	version   = "dev" // Set via build flags
)

// SetVersion sets the version string for health reports.
func SetVersion(v string) {
	version = v
}

// HealthHandler reports overall health: 200 healthy, 206 degraded, 503 failed.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		defer reg.mu.Unlock()

		health := HealthStatus{
			Status:    overallStatus(),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(startTime).String(),
			Version:   version,
			Metrics:   healthMetrics(),
			Details:   healthDetails(),
		}

		statusCode := http.StatusOK
		switch health.Status {
		case "degraded":
			statusCode = http.StatusPartialContent // 206
		case "failed":
			statusCode = http.StatusServiceUnavailable // 503
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(health)
	})
}

// callers hold reg.mu
func overallStatus() string {
	if componentAt(HealthFailed) {
		return "failed"
	}
	if componentAt(HealthDegraded) {
		return "degraded"
	}
	// Sustained persistence failure without a single success is a failure
	// even before the watchdog marks the component.
	var failures, writes int64
	for _, c := range reg.counters["store_write_failures_total"] {
		failures += c
	}
	for _, c := range reg.counters["store_writes_total"] {
		writes += c
	}
	if writes > 100 && float64(failures)/float64(writes) > 0.5 {
		return "failed"
	}
	if p95Of("agent_decision_latency_ms") > 200 {
		return "degraded"
	}
	return "healthy"
}

func componentAt(level float64) bool {
	statuses, ok := reg.gauges["component_health_status"]
	if !ok {
		return false
	}
	for _, s := range statuses {
		if s == level {
			return true
		}
	}
	return false
}

func p95Of(histName string) int64 {
	series, ok := reg.hist[histName]
	if !ok {
		return 0
	}
	for _, samples := range series {
		if len(samples) == 0 {
			continue
		}
		sorted := make([]float64, len(samples))
		copy(sorted, samples)
		sort.Float64s(sorted)
		idx := int(float64(len(sorted)) * 0.95)
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return int64(sorted[idx])
	}
	return 0
}

func counterTotal(name string) int64 {
	var total int64
	for _, c := range reg.counters[name] {
		total += c
	}
	return total
}

func gaugeFirst(name string) (float64, bool) {
	for _, v := range reg.gauges[name] {
		return v, true
	}
	return 0, false
}

func healthMetrics() HealthMetrics {
	m := HealthMetrics{
		TickLatencyP95Ms:     p95Of("agent_tick_latency_ms"),
		DecisionLatencyP95Ms: p95Of("agent_decision_latency_ms"),
		EventsDropped:        counterTotal("emit_dropped_total"),
		PersistFailures:      counterTotal("store_write_failures_total"),
		OutboxSpilled:        counterTotal("store_outbox_spilled_total"),
	}
	if v, ok := gaugeFirst("detect_buffer_size"); ok {
		m.DetectionBufferSize = int(v)
	}
	attempted := counterTotal("agent_actions_total")
	admitted := counterTotal("agent_actions_admitted_total")
	if attempted > 0 {
		m.ActionAdmissionRate = float64(admitted) / float64(attempted)
	}
	return m
}

func healthDetails() map[string]interface{} {
	details := make(map[string]interface{})

	components := map[string]string{}
	for labelKey, s := range reg.gauges["component_health_status"] {
		name := strings.TrimPrefix(labelKey, "component=")
		switch s {
		case HealthFailed:
			components[name] = "failed"
		case HealthDegraded:
			components[name] = "degraded"
		default:
			components[name] = "healthy"
		}
	}
	details["components"] = components

	if v, ok := gaugeFirst("system_mode_code"); ok {
		details["mode_code"] = int(v)
	}
	if v, ok := gaugeFirst("ws_clients"); ok {
		details["ws_clients"] = int(v)
	}
	if v, ok := gaugeFirst("store_breaker_state"); ok {
		details["store_breaker_state"] = int(v)
	}

	// Top system errors by type, worst five.
	if byType, ok := reg.counters["system_errors_total"]; ok {
		type errorCount struct {
			Type  string `json:"type"`
			Count int64  `json:"count"`
		}
		var errs []errorCount
		for k, c := range byType {
			errs = append(errs, errorCount{Type: k, Count: c})
		}
		sort.Slice(errs, func(i, j int) bool { return errs[i].Count > errs[j].Count })
		if len(errs) > 5 {
			errs = errs[:5]
		}
		details["top_errors"] = errs
	}

	return details
}

// Simple liveness handler.
func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
