package density

import (
	"fmt"
	"testing"
	"time"

	"github.com/urbanos/trafficd/internal/traffic"
)

func mkVehicles(roadID string, n int) []traffic.Vehicle {
	out := make([]traffic.Vehicle, n)
	for i := range out {
		out[i] = traffic.Vehicle{ID: fmt.Sprintf("%s-v%d", roadID, i), RoadID: roadID, Class: traffic.ClassCar}
	}
	return out
}

func oneRoadTracker(t *testing.T, retention int) *Tracker {
	t.Helper()
	tr := NewTracker(Config{RetentionSeconds: retention}, nil)
	tr.InitializeRoads(
		[]traffic.Road{{ID: "R-1", LengthPx: 300, Lanes: 2}}, // capacity 20
		nil,
	)
	return tr
}

func TestScoreBounds(t *testing.T) {
	cases := []struct {
		count, capacity int
		want            float64
	}{
		{0, 20, 0},
		{6, 20, 30},
		{20, 20, 100},
		{55, 20, 100}, // clamped
		{3, 0, 0},     // zero capacity
	}
	for _, tc := range cases {
		got := Score(tc.count, tc.capacity)
		if got != tc.want {
			t.Fatalf("Score(%d,%d): want %v, got %v", tc.count, tc.capacity, tc.want, got)
		}
		if got < 0 || got > 100 {
			t.Fatalf("score out of bounds: %v", got)
		}
	}
	for count := 0; count <= 60; count++ {
		if s := Score(count, 17); s < 0 || s > 100 {
			t.Fatalf("score out of bounds for count=%d: %v", count, s)
		}
	}
}

func TestClassificationScenario(t *testing.T) {
	// Capacity 20, six vehicles: score 30, LOW by score, MEDIUM by count.
	tr := oneRoadTracker(t, 600)
	tr.Update(mkVehicles("R-1", 6), time.Now())

	d, ok := tr.RoadDensity("R-1")
	if !ok {
		t.Fatal("road missing")
	}
	if d.Capacity != 20 {
		t.Fatalf("capacity: want 20, got %d", d.Capacity)
	}
	if d.Score != 30.0 {
		t.Fatalf("score: want 30.0, got %v", d.Score)
	}
	if d.Level != traffic.LevelLow {
		t.Fatalf("score classification: want LOW, got %s", d.Level)
	}
	if got := tr.ClassifyByCount(6); got != traffic.LevelMedium {
		t.Fatalf("count classification: want MEDIUM, got %s", got)
	}
}

func TestClassificationPartitionsMonotone(t *testing.T) {
	tr := oneRoadTracker(t, 600)
	prev := traffic.LevelLow
	for s := 0.0; s <= 100; s++ {
		lvl := tr.ClassifyByScore(s)
		if lvl.Rank() < prev.Rank() {
			t.Fatalf("score partition not monotone at %v: %s after %s", s, lvl, prev)
		}
		prev = lvl
	}
	prevC := traffic.LevelLow
	for c := 0; c <= 40; c++ {
		lvl := tr.ClassifyByCount(c)
		if lvl.Rank() < prevC.Rank() {
			t.Fatalf("count partition not monotone at %d", c)
		}
		prevC = lvl
	}
}

func TestRingBound(t *testing.T) {
	retention := 60
	tr := oneRoadTracker(t, retention)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 200; i++ {
		tr.Update(mkVehicles("R-1", i%10), base.Add(time.Duration(i)*time.Second))
	}
	tr.now = func() time.Time { return base.Add(200 * time.Second) }

	hist := tr.History("R-1", 10*retention)
	if len(hist) > retention {
		t.Fatalf("ring bound violated: %d > %d", len(hist), retention)
	}
	for i := 1; i < len(hist); i++ {
		if !hist[i].TS.After(hist[i-1].TS) {
			t.Fatal("history not chronological")
		}
	}
}

func TestHistorySuffix(t *testing.T) {
	tr := oneRoadTracker(t, 600)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 30; i++ {
		tr.Update(mkVehicles("R-1", 5), base.Add(time.Duration(i)*time.Second))
	}
	tr.now = func() time.Time { return base.Add(29 * time.Second) }

	hist := tr.History("R-1", 10)
	if len(hist) != 11 { // ts in [now-10, now]
		t.Fatalf("suffix length: want 11, got %d", len(hist))
	}
	if hist[0].TS != base.Add(19*time.Second) {
		t.Fatalf("suffix start: got %v", hist[0].TS)
	}
}

func TestJunctionAggregate(t *testing.T) {
	tr := NewTracker(Config{}, nil)
	roads := []traffic.Road{
		{ID: "R-N", LengthPx: 300, Lanes: 1}, // capacity 10
		{ID: "R-E", LengthPx: 300, Lanes: 1},
		{ID: "R-S", LengthPx: 300, Lanes: 1},
		{ID: "R-W", LengthPx: 300, Lanes: 1},
	}
	junctions := []traffic.Junction{{
		ID: "J-1",
		Connections: map[traffic.Direction]string{
			traffic.North: "R-N",
			traffic.East:  "R-E",
			traffic.South: "R-S",
			traffic.West:  "R-W",
		},
	}}
	tr.InitializeRoads(roads, junctions)

	var vs []traffic.Vehicle
	vs = append(vs, mkVehicles("R-N", 8)...) // score 80
	vs = append(vs, mkVehicles("R-E", 4)...) // score 40
	tr.Update(vs, time.Now())

	jd, ok := tr.JunctionDensity("J-1")
	if !ok {
		t.Fatal("junction missing")
	}
	if jd.MaxScore != 80 {
		t.Fatalf("max: want 80, got %v", jd.MaxScore)
	}
	if jd.AvgScore != 30 { // (80+40+0+0)/4
		t.Fatalf("avg: want 30, got %v", jd.AvgScore)
	}
	if jd.MaxScore < jd.AvgScore {
		t.Fatal("max must be >= avg")
	}
	if jd.Level != traffic.LevelHigh { // max 80 >= 70
		t.Fatalf("level: want HIGH, got %s", jd.Level)
	}
	if jd.TotalVehicles != 12 {
		t.Fatalf("total vehicles: want 12, got %d", jd.TotalVehicles)
	}
	// sigma over {80,40,0,0}: mean 30, variance 1100
	wantImbalance := 2 * 33.166247903554
	if diff := jd.Imbalance - wantImbalance; diff > 0.001 || diff < -0.001 {
		t.Fatalf("imbalance: want %.3f, got %.3f", wantImbalance, jd.Imbalance)
	}
}

func TestImbalanceClamped(t *testing.T) {
	d := map[traffic.Direction]float64{
		traffic.North: 100, traffic.East: 0, traffic.South: 100, traffic.West: 0,
	}
	if got := imbalance(d); got != 100 {
		t.Fatalf("imbalance clamp: want 100, got %v", got)
	}
}

func TestTrendClassification(t *testing.T) {
	cases := []struct {
		name   string
		counts func(i int) int
		want   Trend
	}{
		{"increasing", func(i int) int { return i }, TrendIncreasing},
		{"decreasing", func(i int) int { return 19 - i }, TrendDecreasing},
		{"constant", func(i int) int { return 8 }, TrendStable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := oneRoadTracker(t, 600)
			base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
			for i := 0; i < 20; i++ {
				tr.Update(mkVehicles("R-1", tc.counts(i)), base.Add(time.Duration(i)*time.Second))
			}
			tr.now = func() time.Time { return base.Add(19 * time.Second) }

			ta, ok := tr.AnalyzeTrend("R-1", time.Minute)
			if !ok {
				t.Fatal("road missing")
			}
			if ta.Trend != tc.want {
				t.Fatalf("trend: want %s, got %s (slope %.2f)", tc.want, ta.Trend, ta.Slope)
			}
		})
	}
}

func TestTrendRateOfChange(t *testing.T) {
	tr := oneRoadTracker(t, 600)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	// 0 -> 10 vehicles over 10 seconds: 1 vehicle/s.
	for i := 0; i <= 10; i++ {
		tr.Update(mkVehicles("R-1", i), base.Add(time.Duration(i)*time.Second))
	}
	tr.now = func() time.Time { return base.Add(10 * time.Second) }

	ta, _ := tr.AnalyzeTrend("R-1", time.Minute)
	if ta.RatePerSecond != 1.0 {
		t.Fatalf("rate: want 1.0, got %v", ta.RatePerSecond)
	}
	if ta.Volatility == 0 {
		t.Fatal("volatility should be nonzero for a moving series")
	}
}

func TestCityMetrics(t *testing.T) {
	tr := NewTracker(Config{}, nil)
	tr.InitializeRoads([]traffic.Road{
		{ID: "R-1", LengthPx: 300, Lanes: 2}, // capacity 20
		{ID: "R-2", LengthPx: 300, Lanes: 1}, // capacity 10
	}, []traffic.Junction{{
		ID:          "J-1",
		Connections: map[traffic.Direction]string{traffic.North: "R-2"},
	}})

	var vs []traffic.Vehicle
	vs = append(vs, mkVehicles("R-1", 4)...) // score 20
	vs = append(vs, mkVehicles("R-2", 9)...) // score 90 -> junction HIGH
	tr.Update(vs, time.Now())

	m := tr.CityMetrics()
	if m.TotalVehicles != 13 || m.TotalCapacity != 30 {
		t.Fatalf("totals: %+v", m)
	}
	if m.PeakRoadID != "R-2" || m.PeakScore != 90 {
		t.Fatalf("peak: %+v", m)
	}
	if m.CongestionPoints != 1 {
		t.Fatalf("congestion points: want 1, got %d", m.CongestionPoints)
	}
	if m.RoadsByLevel[traffic.LevelLow] != 1 || m.RoadsByLevel[traffic.LevelHigh] != 1 {
		t.Fatalf("roads by level: %+v", m.RoadsByLevel)
	}
}

func TestNetworkReloadClearsHistory(t *testing.T) {
	tr := oneRoadTracker(t, 600)
	tr.Update(mkVehicles("R-1", 5), time.Now())
	tr.InitializeRoads([]traffic.Road{{ID: "R-9", LengthPx: 300, Lanes: 1}}, nil)

	if _, ok := tr.RoadDensity("R-1"); ok {
		t.Fatal("old road should be gone after reload")
	}
	if hist := tr.History("R-9", 600); len(hist) != 0 {
		t.Fatalf("fresh road should have empty history, got %d", len(hist))
	}
}

func TestSetThresholdsReclassifies(t *testing.T) {
	tr := oneRoadTracker(t, 600)

	if got := tr.ClassifyByCount(8); got != traffic.LevelMedium {
		t.Fatalf("count 8 before: want MEDIUM, got %s", got)
	}

	tr.SetThresholds(Config{LowVehicles: 10, MediumVehicles: 20, LowScore: 40, MediumScore: 70, TrendSlopeThreshold: 5})

	if got := tr.ClassifyByCount(8); got != traffic.LevelLow {
		t.Fatalf("count 8 after: want LOW, got %s", got)
	}
	if got := tr.ClassifyByScore(50); got != traffic.LevelMedium {
		t.Fatalf("score 50: want MEDIUM, got %s", got)
	}
}
