package density

import (
	"math"
	"time"
)

type Trend string

const (
	TrendIncreasing Trend = "INCREASING"
	TrendDecreasing Trend = "DECREASING"
	TrendStable     Trend = "STABLE"
)

// TrendAnalysis summarizes how one road's density moved over a window.
type TrendAnalysis struct {
	RoadID        string        `json:"road_id"`
	Trend         Trend         `json:"trend"`
	Slope         float64       `json:"slope"` // score change across the window
	Volatility    float64       `json:"volatility"`
	RatePerSecond float64       `json:"rate_per_second"` // vehicles per second
	Samples       int           `json:"samples"`
	Window        time.Duration `json:"window"`
}

// AnalyzeTrend fits a least-squares line to the density scores in the window,
// with sample times normalized to [0,1] so the slope reads as total score
// change across the window. Fewer than two samples is STABLE.
func (t *Tracker) AnalyzeTrend(roadID string, window time.Duration) (TrendAnalysis, bool) {
	t.mu.RLock()
	r, ok := t.rings[roadID]
	if !ok {
		t.mu.RUnlock()
		return TrendAnalysis{}, false
	}
	samples := r.suffix(t.now().Add(-window))
	threshold := t.cfg.TrendSlopeThreshold
	t.mu.RUnlock()

	ta := TrendAnalysis{RoadID: roadID, Trend: TrendStable, Samples: len(samples), Window: window}
	if len(samples) < 2 {
		return ta, true
	}

	t0 := samples[0].TS
	span := samples[len(samples)-1].TS.Sub(t0).Seconds()
	if span <= 0 {
		return ta, true
	}

	n := float64(len(samples))
	var sumX, sumY, sumXY, sumXX float64
	for _, s := range samples {
		x := s.TS.Sub(t0).Seconds() / span
		y := s.Score
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	if den := n*sumXX - sumX*sumX; den != 0 {
		ta.Slope = (n*sumXY - sumX*sumY) / den
	}

	mean := sumY / n
	var varsum float64
	for _, s := range samples {
		d := s.Score - mean
		varsum += d * d
	}
	ta.Volatility = math.Sqrt(varsum / n)

	deltaCount := samples[len(samples)-1].VehicleCount - samples[0].VehicleCount
	ta.RatePerSecond = float64(deltaCount) / span

	switch {
	case ta.Slope > threshold:
		ta.Trend = TrendIncreasing
	case ta.Slope < -threshold:
		ta.Trend = TrendDecreasing
	}
	return ta, true
}
