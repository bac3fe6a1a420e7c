package predict

import (
	"fmt"
	"sync"
	"time"

	"github.com/urbanos/trafficd/internal/density"
	"github.com/urbanos/trafficd/internal/observ"
	"github.com/urbanos/trafficd/internal/traffic"
)

type Algorithm string

const (
	AlgoMA     Algorithm = "MA"
	AlgoLinear Algorithm = "LINEAR"
	AlgoExp    Algorithm = "EXP"
	AlgoNN     Algorithm = "NN"
	AlgoRL     Algorithm = "RL"
)

// DensitySource is the slice of the tracker the engine reads.
type DensitySource interface {
	History(roadID string, seconds int) []density.Snapshot
	RoadIDs() []string
}

// Point is one forecast sample.
type Point struct {
	TS      time.Time               `json:"future_ts"`
	Density float64                 `json:"predicted_density"`
	Level   traffic.CongestionLevel `json:"level"`
}

type Prediction struct {
	RoadID      string    `json:"road_id"`
	PredictedAt time.Time `json:"predicted_at"`
	Current     float64   `json:"current_density"`
	Points      []Point   `json:"points"`
	Confidence  float64   `json:"confidence"`
	Algorithm   Algorithm `json:"algorithm"`
}

// MaxLevel is the worst level across the forecast points.
func (p Prediction) MaxLevel() traffic.CongestionLevel {
	max := traffic.LevelLow
	for _, pt := range p.Points {
		if pt.Level.Rank() > max.Rank() {
			max = pt.Level
		}
	}
	return max
}

// ClassifyPredicted maps a forecast density to a level. The JAM band above
// 90 exists only for forecasts; live classification stops at HIGH.
func ClassifyPredicted(d float64) traffic.CongestionLevel {
	switch {
	case d < 40:
		return traffic.LevelLow
	case d < 70:
		return traffic.LevelMedium
	case d < 90:
		return traffic.LevelHigh
	default:
		return traffic.LevelJam
	}
}

type Config struct {
	Algorithm   Algorithm
	HorizonsMin []int
	Alpha       float64
	Beta        float64
	Window      int
}

func (c *Config) setDefaults() {
	if c.Algorithm == "" {
		c.Algorithm = AlgoExp
	}
	if len(c.HorizonsMin) == 0 {
		c.HorizonsMin = []int{3, 5, 10}
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = 0.3
	}
	if c.Beta <= 0 || c.Beta > 1 {
		c.Beta = 0.1
	}
	if c.Window <= 0 {
		c.Window = 30
	}
}

// historyLookbackS is generous on purpose; the tracker's retention caps the
// span actually returned.
const historyLookbackS = 3600

// Engine produces short-horizon congestion forecasts from density history.
type Engine struct {
	cfg    Config
	source DensitySource
	now    func() time.Time

	mu     sync.RWMutex
	critic Critic

	fallbackOnce sync.Once
}

func NewEngine(cfg Config, source DensitySource) *Engine {
	cfg.setDefaults()
	return &Engine{cfg: cfg, source: source, now: time.Now}
}

// SetCritic installs an RL critic; without one the NN and RL algorithms fall
// back to exponential smoothing.
func (e *Engine) SetCritic(c Critic) {
	e.mu.Lock()
	e.critic = c
	e.mu.Unlock()
}

func (e *Engine) Critic() Critic {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.critic
}

// Predict forecasts one road at the given horizons (minutes). Nil horizons
// use the configured defaults.
func (e *Engine) Predict(roadID string, horizonsMin []int) (Prediction, error) {
	if len(horizonsMin) == 0 {
		horizonsMin = e.cfg.HorizonsMin
	}
	hist := e.source.History(roadID, historyLookbackS)
	if len(hist) == 0 {
		return Prediction{}, fmt.Errorf("no density history for %s", roadID)
	}

	algo := e.cfg.Algorithm
	if algo == AlgoNN || (algo == AlgoRL && e.Critic() == nil) {
		e.fallbackOnce.Do(func() {
			observ.Log("predict_fallback", map[string]any{
				"configured": string(algo), "using": string(AlgoExp),
			})
		})
		algo = AlgoExp
	}

	now := e.now()
	p := Prediction{
		RoadID:      roadID,
		PredictedAt: now,
		Current:     hist[len(hist)-1].Score,
		Confidence:  confidence(len(hist)),
		Algorithm:   algo,
		Points:      make([]Point, 0, len(horizonsMin)),
	}

	var forecast func(time.Duration) float64
	if algo == AlgoRL {
		// critic risk is horizon-independent; confidence comes from the
		// value magnitude, not history length
		v := e.Critic().Value(nil)
		risk := RiskFromValue(v)
		p.Confidence = RLConfidence(v)
		forecast = func(time.Duration) float64 { return risk }
	} else {
		forecast = e.forecaster(algo, hist)
	}
	for _, m := range horizonsMin {
		h := time.Duration(m) * time.Minute
		d := clampDensity(forecast(h))
		p.Points = append(p.Points, Point{TS: now.Add(h), Density: d, Level: ClassifyPredicted(d)})
	}

	observ.IncCounter("predictions_total", map[string]string{"algorithm": string(algo)})
	return p, nil
}

// PredictAll forecasts every given road, skipping roads without history.
func (e *Engine) PredictAll(ids []string, horizonsMin []int) []Prediction {
	out := make([]Prediction, 0, len(ids))
	for _, id := range ids {
		p, err := e.Predict(id, horizonsMin)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out
}

// forecaster returns a horizon → density function for one road's history.
func (e *Engine) forecaster(algo Algorithm, hist []density.Snapshot) func(time.Duration) float64 {
	switch algo {
	case AlgoMA:
		v := movingAverage(hist, e.cfg.Window)
		return func(time.Duration) float64 { return v }
	case AlgoLinear:
		slope, intercept, ok := linearFit(hist, e.cfg.Window)
		if !ok {
			v := hist[len(hist)-1].Score
			return func(time.Duration) float64 { return v }
		}
		origin := hist[0].TS
		last := hist[len(hist)-1].TS
		return func(h time.Duration) float64 {
			t := last.Add(h).Sub(origin).Seconds()
			return slope*t + intercept
		}
	default: // AlgoExp; AlgoRL is special-cased by the caller
		level, trend, step := expSmooth(hist, e.cfg.Alpha, e.cfg.Beta)
		return func(h time.Duration) float64 {
			steps := h.Seconds() / step.Seconds()
			return level + steps*trend
		}
	}
}

func confidence(samples int) float64 {
	c := float64(samples) / 60
	if c > 1 {
		return 1
	}
	return c
}

func clampDensity(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// movingAverage is the mean of the last n snapshots.
func movingAverage(hist []density.Snapshot, n int) float64 {
	if len(hist) > n {
		hist = hist[len(hist)-n:]
	}
	sum := 0.0
	for _, s := range hist {
		sum += s.Score
	}
	return sum / float64(len(hist))
}

// linearFit least-squares fits score against seconds-since-first over the
// last n snapshots. ok is false when the fit is degenerate.
func linearFit(hist []density.Snapshot, n int) (slope, intercept float64, ok bool) {
	if len(hist) > n {
		hist = hist[len(hist)-n:]
	}
	if len(hist) < 2 {
		return 0, 0, false
	}
	origin := hist[0].TS
	var sumX, sumY, sumXY, sumXX float64
	for _, s := range hist {
		x := s.TS.Sub(origin).Seconds()
		y := s.Score
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	fn := float64(len(hist))
	den := fn*sumXX - sumX*sumX
	if den == 0 {
		return 0, 0, false
	}
	slope = (fn*sumXY - sumX*sumY) / den
	intercept = (sumY - slope*sumX) / fn
	return slope, intercept, true
}

// expSmooth folds double exponential smoothing over the history and returns
// the final level, the per-step trend, and the mean sample step.
func expSmooth(hist []density.Snapshot, alpha, beta float64) (level, trend float64, step time.Duration) {
	level = hist[0].Score
	for i := 1; i < len(hist); i++ {
		prev := level
		level = alpha*hist[i].Score + (1-alpha)*level
		trend = beta*(level-prev) + (1-beta)*trend
	}
	step = time.Second
	if n := len(hist); n > 1 {
		if span := hist[n-1].TS.Sub(hist[0].TS); span > 0 {
			step = span / time.Duration(n-1)
		}
	}
	return level, trend, step
}
