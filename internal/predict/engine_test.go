package predict

import (
	"math"
	"sort"
	"testing"
	"time"

	"github.com/urbanos/trafficd/internal/density"
	"github.com/urbanos/trafficd/internal/traffic"
)

type stubSource struct {
	hist map[string][]density.Snapshot
}

func (s *stubSource) History(roadID string, seconds int) []density.Snapshot {
	return s.hist[roadID]
}

func (s *stubSource) RoadIDs() []string {
	ids := make([]string, 0, len(s.hist))
	for id := range s.hist {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func seriesAt(base time.Time, roadID string, step time.Duration, scores ...float64) []density.Snapshot {
	out := make([]density.Snapshot, 0, len(scores))
	for i, sc := range scores {
		out = append(out, density.Snapshot{
			TS:     base.Add(time.Duration(i) * step),
			RoadID: roadID,
			Score:  sc,
		})
	}
	return out
}

func TestClassifyPredicted(t *testing.T) {
	cases := []struct {
		in   float64
		want traffic.CongestionLevel
	}{
		{0, traffic.LevelLow},
		{39.9, traffic.LevelLow},
		{40, traffic.LevelMedium},
		{69.9, traffic.LevelMedium},
		{70, traffic.LevelHigh},
		{89.9, traffic.LevelHigh},
		{90, traffic.LevelJam},
		{100, traffic.LevelJam},
	}
	for _, tc := range cases {
		if got := ClassifyPredicted(tc.in); got != tc.want {
			t.Errorf("ClassifyPredicted(%v) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestExpSmoothingRisingRoad(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	// 20 samples at 1s spacing: 30, 32, ..., 68
	scores := make([]float64, 20)
	for i := range scores {
		scores[i] = 30 + 2*float64(i)
	}
	src := &stubSource{hist: map[string][]density.Snapshot{
		"R-1": seriesAt(base, "R-1", time.Second, scores...),
	}}

	e := NewEngine(Config{Algorithm: AlgoExp}, src)
	e.now = func() time.Time { return base.Add(19 * time.Second) }

	p, err := e.Predict("R-1", []int{3})
	if err != nil {
		t.Fatal(err)
	}
	if p.Algorithm != AlgoExp {
		t.Fatalf("algorithm = %s", p.Algorithm)
	}
	if len(p.Points) != 1 {
		t.Fatalf("points = %d", len(p.Points))
	}

	got := p.Points[0].Density
	if got <= 68 || got > 100 {
		t.Fatalf("+180s forecast on a rising road = %v, want (68, 100]", got)
	}
	if p.Points[0].Level.Rank() < traffic.LevelMedium.Rank() {
		t.Fatalf("forecast level = %s, want at least MEDIUM", p.Points[0].Level)
	}
	if want := 20.0 / 60.0; math.Abs(p.Confidence-want) > 1e-9 {
		t.Fatalf("confidence = %v, want %v", p.Confidence, want)
	}
	if p.Current != 68 {
		t.Fatalf("current = %v, want 68", p.Current)
	}
}

func TestMovingAverageIsConstantAcrossHorizons(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	src := &stubSource{hist: map[string][]density.Snapshot{
		"R-1": seriesAt(base, "R-1", time.Second, 10, 20, 30),
	}}
	e := NewEngine(Config{Algorithm: AlgoMA}, src)
	e.now = func() time.Time { return base.Add(2 * time.Second) }

	p, err := e.Predict("R-1", []int{3, 5, 10})
	if err != nil {
		t.Fatal(err)
	}
	for _, pt := range p.Points {
		if math.Abs(pt.Density-20) > 1e-9 {
			t.Fatalf("MA forecast = %v, want 20", pt.Density)
		}
	}

	// a shorter window drops the oldest samples
	e2 := NewEngine(Config{Algorithm: AlgoMA, Window: 2}, src)
	e2.now = e.now
	p2, err := e2.Predict("R-1", []int{3})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(p2.Points[0].Density-25) > 1e-9 {
		t.Fatalf("windowed MA = %v, want 25", p2.Points[0].Density)
	}
}

func TestLinearTrendExtrapolates(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	// 0.5 points per second for 10 samples: 0, 0.5, ..., 4.5
	scores := make([]float64, 10)
	for i := range scores {
		scores[i] = 0.5 * float64(i)
	}
	src := &stubSource{hist: map[string][]density.Snapshot{
		"R-1": seriesAt(base, "R-1", time.Second, scores...),
	}}
	e := NewEngine(Config{Algorithm: AlgoLinear}, src)
	e.now = func() time.Time { return base.Add(9 * time.Second) }

	p, err := e.Predict("R-1", []int{1})
	if err != nil {
		t.Fatal(err)
	}
	// last sample at t=9s, +60s horizon: 0.5 * 69 = 34.5
	if got := p.Points[0].Density; math.Abs(got-34.5) > 1e-6 {
		t.Fatalf("linear forecast = %v, want 34.5", got)
	}

	// a steep decline clamps at zero
	src.hist["R-2"] = seriesAt(base, "R-2", time.Second, 50, 40, 30, 20, 10)
	p, err = e.Predict("R-2", []int{5})
	if err != nil {
		t.Fatal(err)
	}
	if got := p.Points[0].Density; got != 0 {
		t.Fatalf("declining forecast = %v, want clamp to 0", got)
	}
}

func TestLinearDegenerateFallsBackToLastValue(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	src := &stubSource{hist: map[string][]density.Snapshot{
		"R-1": seriesAt(base, "R-1", time.Second, 42),
	}}
	e := NewEngine(Config{Algorithm: AlgoLinear}, src)
	e.now = func() time.Time { return base }

	p, err := e.Predict("R-1", []int{3})
	if err != nil {
		t.Fatal(err)
	}
	if got := p.Points[0].Density; got != 42 {
		t.Fatalf("degenerate fit = %v, want last value 42", got)
	}
}

func TestPredictNoHistory(t *testing.T) {
	e := NewEngine(Config{}, &stubSource{hist: map[string][]density.Snapshot{}})
	if _, err := e.Predict("R-404", nil); err == nil {
		t.Fatal("expected an error for a road with no history")
	}
}

func TestPredictAllSkipsEmptyRoads(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	src := &stubSource{hist: map[string][]density.Snapshot{
		"R-1": seriesAt(base, "R-1", time.Second, 10, 20),
		"R-2": nil,
	}}
	e := NewEngine(Config{}, src)
	e.now = func() time.Time { return base.Add(time.Second) }

	got := e.PredictAll([]string{"R-1", "R-2"}, nil)
	if len(got) != 1 || got[0].RoadID != "R-1" {
		t.Fatalf("PredictAll = %+v", got)
	}
}

type stubCritic struct{ v float64 }

func (c stubCritic) Value([]float64) float64 { return c.v }

func TestNNFallsBackWithoutCritic(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	src := &stubSource{hist: map[string][]density.Snapshot{
		"R-1": seriesAt(base, "R-1", time.Second, 10, 20),
	}}
	e := NewEngine(Config{Algorithm: AlgoNN}, src)
	e.now = func() time.Time { return base.Add(time.Second) }

	p, err := e.Predict("R-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.Algorithm != AlgoExp {
		t.Fatalf("NN without a model must fall back to EXP, got %s", p.Algorithm)
	}
}

func TestRLUsesCritic(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	src := &stubSource{hist: map[string][]density.Snapshot{
		"R-1": seriesAt(base, "R-1", time.Second, 10, 20),
	}}
	e := NewEngine(Config{Algorithm: AlgoRL}, src)
	e.now = func() time.Time { return base.Add(time.Second) }
	e.SetCritic(stubCritic{v: 200})

	p, err := e.Predict("R-1", []int{3, 10})
	if err != nil {
		t.Fatal(err)
	}
	if p.Algorithm != AlgoRL {
		t.Fatalf("algorithm = %s", p.Algorithm)
	}
	// v=200: risk 50-200/10 = 30, confidence 0.7
	for _, pt := range p.Points {
		if math.Abs(pt.Density-30) > 1e-9 {
			t.Fatalf("critic risk = %v, want 30", pt.Density)
		}
	}
	if p.Confidence != 0.7 {
		t.Fatalf("confidence = %v, want 0.7", p.Confidence)
	}
}

func TestRiskFromValue(t *testing.T) {
	cases := []struct {
		v    float64
		want float64
	}{
		{100, 40},
		{500, 0},    // clamped
		{0, 50},     // zero is not positive
		{-100, 55},
		{-2000, 100}, // clamped
	}
	for _, tc := range cases {
		if got := RiskFromValue(tc.v); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("RiskFromValue(%v) = %v, want %v", tc.v, got, tc.want)
		}
	}

	if RLConfidence(11) != 0.7 || RLConfidence(-11) != 0.7 {
		t.Error("large |v| must give 0.7")
	}
	if RLConfidence(5) != 0.5 {
		t.Error("small |v| must give 0.5")
	}
}

func TestJunctionRiskBlend(t *testing.T) {
	jd := density.JunctionDensity{MaxScore: 40}
	if got := JunctionRisk(80, jd); math.Abs(got-60) > 1e-9 {
		t.Fatalf("JunctionRisk = %v, want 60", got)
	}
}
