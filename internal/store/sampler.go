package store

import (
	"context"
	"time"

	"github.com/urbanos/trafficd/internal/density"
	"github.com/urbanos/trafficd/internal/observ"
	"github.com/urbanos/trafficd/internal/traffic"
)

// DensityView is what the sampler reads from the tracker each interval.
type DensityView interface {
	RoadIDs() []string
	RoadDensity(id string) (density.RoadDensity, bool)
	ClassifyByCount(count int) traffic.CongestionLevel
}

// HistorySampler writes one traffic_history row per road on a fixed
// interval. Levels here are count-based: the persisted series matches the
// operator-facing congestion taxonomy even when score thresholds move.
type HistorySampler struct {
	view     DensityView
	gateway  *Gateway
	interval time.Duration
	now      func() time.Time
}

func NewHistorySampler(view DensityView, g *Gateway, interval time.Duration) *HistorySampler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HistorySampler{view: view, gateway: g, interval: interval, now: time.Now}
}

func (s *HistorySampler) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sample(ctx)
		}
	}
}

// Sample persists the current per-road densities. Roads that have never
// been updated are skipped.
func (s *HistorySampler) Sample(ctx context.Context) {
	at := s.now().UTC()
	ids := s.view.RoadIDs()
	rows := make([]TrafficHistoryRow, 0, len(ids))
	for _, id := range ids {
		d, ok := s.view.RoadDensity(id)
		if !ok || d.UpdatedAt.IsZero() {
			continue
		}
		rows = append(rows, TrafficHistoryRow{
			RoadID:       id,
			Level:        string(s.view.ClassifyByCount(d.VehicleCount)),
			VehicleCount: d.VehicleCount,
			DensityScore: d.Score,
			TS:           at,
			Source:       string(d.Source),
		})
	}
	if len(rows) == 0 {
		return
	}
	if err := s.gateway.WriteTrafficHistory(ctx, rows); err != nil {
		observ.LogError("history_sample_failed", err, map[string]any{"rows": len(rows)})
		return
	}
	observ.SetGauge("history_sampled_roads", float64(len(rows)), nil)
}
