package predict

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/urbanos/trafficd/internal/observ"
	"github.com/urbanos/trafficd/internal/traffic"
)

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// severityFor maps a predicted level to alert severity.
func severityFor(l traffic.CongestionLevel) Severity {
	switch l {
	case traffic.LevelJam:
		return SeverityCritical
	case traffic.LevelHigh:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

type Alert struct {
	ID          string                  `json:"id"`
	RoadID      string                  `json:"road_id"`
	Level       traffic.CongestionLevel `json:"predicted_level"`
	Severity    Severity                `json:"severity"`
	PredictedAt time.Time               `json:"predicted_at"`
	CreatedAt   time.Time               `json:"created_at"`
	Message     string                  `json:"message"`
}

const maxAlertHistory = 256

// AlertManager deduplicates congestion alerts: at most one alert per
// (road, predicted level) inside the cooldown window.
type AlertManager struct {
	mu       sync.RWMutex
	cooldown time.Duration
	minLevel traffic.CongestionLevel
	lastFire map[string]time.Time
	history  []Alert
	now      func() time.Time
}

func NewAlertManager(cooldown time.Duration, minLevel traffic.CongestionLevel) *AlertManager {
	if cooldown <= 0 {
		cooldown = 120 * time.Second
	}
	if minLevel == "" {
		minLevel = traffic.LevelHigh
	}
	return &AlertManager{
		cooldown: cooldown,
		minLevel: minLevel,
		lastFire: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Evaluate inspects one prediction and returns a fresh alert when the worst
// predicted level reaches the threshold and the (road, level) pair is out of
// cooldown.
func (am *AlertManager) Evaluate(p Prediction) (Alert, bool) {
	level := p.MaxLevel()
	if level.Rank() < am.minLevel.Rank() {
		return Alert{}, false
	}

	// earliest point that reaches the worst level
	var predictedAt time.Time
	for _, pt := range p.Points {
		if pt.Level == level {
			predictedAt = pt.TS
			break
		}
	}

	key := p.RoadID + "|" + string(level)
	now := am.now()

	am.mu.Lock()
	defer am.mu.Unlock()
	if last, ok := am.lastFire[key]; ok && now.Sub(last) < am.cooldown {
		observ.IncCounter("prediction_alerts_suppressed_total", nil)
		return Alert{}, false
	}
	am.lastFire[key] = now

	a := Alert{
		ID:          uuid.NewString(),
		RoadID:      p.RoadID,
		Level:       level,
		Severity:    severityFor(level),
		PredictedAt: predictedAt,
		CreatedAt:   now,
		Message:     fmt.Sprintf("%s expected to reach %s by %s", p.RoadID, level, predictedAt.UTC().Format(time.TimeOnly)),
	}
	am.history = append(am.history, a)
	if len(am.history) > maxAlertHistory {
		am.history = am.history[len(am.history)-maxAlertHistory:]
	}

	observ.IncCounter("prediction_alerts_total", map[string]string{"severity": string(a.Severity)})
	observ.Log("prediction_alert", map[string]any{
		"road_id": a.RoadID, "level": string(a.Level), "severity": string(a.Severity),
	})
	return a, true
}

// Recent returns issued alerts, newest first, at most limit.
func (am *AlertManager) Recent(limit int) []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()
	n := len(am.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Alert, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, am.history[i])
	}
	return out
}
