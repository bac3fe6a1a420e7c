package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx/types"

	"github.com/urbanos/trafficd/internal/emit"
	"github.com/urbanos/trafficd/internal/observ"
)

// EventRecorder persists the durable slice of the event bus: the error
// taxonomy surface (system:event) and mode transitions. Subsystems emit and
// move on; persistence rides the bus so none of them import the store.
type EventRecorder struct {
	gateway *Gateway
	sub     *emit.Subscription
}

func NewEventRecorder(g *Gateway, bus *emit.Bus) *EventRecorder {
	sub := bus.Subscribe("store-recorder", emit.EventSystem, emit.EventModeChanged)
	return &EventRecorder{gateway: g, sub: sub}
}

func (r *EventRecorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-r.sub.C:
			if !ok {
				return
			}
			r.record(ctx, env)
		}
	}
}

func (r *EventRecorder) record(ctx context.Context, env emit.Envelope) {
	ev := SystemEvent{
		TS:        env.TS,
		EventType: env.Type,
		Severity:  "INFO",
		Metadata:  types.JSONText(env.Payload),
	}

	switch env.Type {
	case emit.EventSystem:
		var p struct {
			EventType string `json:"event_type"`
			Severity  string `json:"severity"`
			Message   string `json:"message"`
		}
		if json.Unmarshal(env.Payload, &p) == nil {
			if p.EventType != "" {
				ev.EventType = p.EventType
			}
			if p.Severity != "" {
				ev.Severity = p.Severity
			}
			ev.Message = p.Message
		}
	case emit.EventModeChanged:
		var p struct {
			From     string `json:"from"`
			To       string `json:"to"`
			Reason   string `json:"reason"`
			Operator string `json:"operator"`
		}
		if json.Unmarshal(env.Payload, &p) == nil {
			ev.Message = fmt.Sprintf("mode %s -> %s: %s", p.From, p.To, p.Reason)
			if p.To == "FAIL_SAFE" {
				ev.Severity = "CRITICAL"
			}
		}
	}

	if err := r.gateway.WriteSystemEvent(ctx, ev); err != nil {
		observ.LogError("event_record_failed", err, map[string]any{"type": env.Type})
	}
}
