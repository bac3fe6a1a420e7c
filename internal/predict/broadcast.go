package predict

import (
	"context"
	"time"

	"github.com/urbanos/trafficd/internal/emit"
	"github.com/urbanos/trafficd/internal/observ"
)

// Broadcaster periodically fans out fresh predictions and any alerts they
// trigger.
type Broadcaster struct {
	engine   *Engine
	alerts   *AlertManager
	emitter  emit.Emitter
	interval time.Duration
	now      func() time.Time
}

func NewBroadcaster(engine *Engine, alerts *AlertManager, emitter emit.Emitter, interval time.Duration) *Broadcaster {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if emitter == nil {
		emitter = emit.Discard{}
	}
	return &Broadcaster{
		engine:   engine,
		alerts:   alerts,
		emitter:  emitter,
		interval: interval,
		now:      time.Now,
	}
}

func (b *Broadcaster) Run(ctx context.Context) {
	observ.Log("predict_broadcaster_started", map[string]any{"interval_s": b.interval.Seconds()})
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			observ.Log("predict_broadcaster_stopped", nil)
			return
		case <-ticker.C:
			b.Broadcast()
		}
	}
}

// Broadcast computes one round of forecasts for every road and emits them,
// plus any alerts that cleared dedup. Exported for the oneshot path.
func (b *Broadcaster) Broadcast() {
	start := b.now()
	preds := b.engine.PredictAll(b.engine.source.RoadIDs(), nil)
	if len(preds) == 0 {
		return
	}

	b.emitter.Emit(emit.EventPredictionUpdated, map[string]any{
		"predictions": preds,
		"count":       len(preds),
		"ts":          b.now().UTC(),
	})

	fired := 0
	for _, p := range preds {
		if a, ok := b.alerts.Evaluate(p); ok {
			fired++
			b.emitter.Emit(emit.EventPredictionAlert, a)
		}
	}

	observ.RecordDuration("predict_broadcast_ms", b.now().Sub(start), nil)
	observ.SetGauge("prediction_roads", float64(len(preds)), nil)
	if fired > 0 {
		observ.Log("prediction_broadcast", map[string]any{"roads": len(preds), "alerts": fired})
	}
}
