package predict

import (
	"math"

	"github.com/urbanos/trafficd/internal/density"
)

// Critic is an RL value head: given an observation it estimates how well the
// network is doing. Positive values mean the policy expects improvement.
type Critic interface {
	Value(obs []float64) float64
}

// RiskFromValue maps a critic value estimate onto the 0..100 density scale.
// Positive values pull risk below 50, negative values push it above 50 at
// half the rate.
func RiskFromValue(v float64) float64 {
	var risk float64
	if v > 0 {
		risk = 50 - v/10
	} else {
		risk = 50 + math.Abs(v)/20
	}
	return clampDensity(risk)
}

// RLConfidence is fixed-band: a critic far from zero is trusted more.
func RLConfidence(v float64) float64 {
	if math.Abs(v) > 10 {
		return 0.7
	}
	return 0.5
}

// JunctionRisk decomposes an overall critic risk to one junction by blending
// it evenly with the junction's worst approach.
func JunctionRisk(overall float64, jd density.JunctionDensity) float64 {
	return clampDensity(0.5*overall + 0.5*jd.MaxScore)
}
