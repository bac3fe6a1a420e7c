package emit

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/urbanos/trafficd/internal/observ"
)

// Event names on the emitter. Consumers match on these exact strings.
const (
	EventConnectionAck      = "connection:ack"
	EventVehicleUpdate      = "vehicle:update"
	EventSignalChange       = "signal:change"
	EventDensityUpdate      = "density:update"
	EventEmergencyActivated = "emergency:activated"
	EventViolationDetected  = "violation:detected"
	EventChallanIssued      = "challan:issued"
	EventPredictionUpdated  = "prediction:updated"
	EventPredictionAlert    = "prediction:alert"
	EventModeChanged        = "system:mode_changed"
	EventFailsafe           = "safety:failsafe"
	EventSystem             = "system:event"
)

// Envelope wraps every emitted event. Seq is monotonic per bus; ID is unique
// per event so downstream consumers can dedupe across reconnects.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Seq     uint64          `json:"seq"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Emitter is the write side every subsystem depends on.
type Emitter interface {
	Emit(event string, payload any)
}

// Discard drops everything. Handy as a default in tests.
type Discard struct{}

func (Discard) Emit(string, any) {}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// Bus is the in-process emitter: it sequences envelopes and fans them out to
// subscribers on buffered channels. Emit never blocks; when a subscriber's
// buffer is full the oldest queued envelope is dropped and counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	seq     atomic.Uint64
	bufSize int
	closed  bool
	now     func() time.Time
}

// Subscription is one reader's filtered view of the bus.
type Subscription struct {
	Name string
	C    <-chan Envelope

	ch     chan Envelope
	filter map[string]bool // nil matches every event
}

func NewBus(subscriberBuffer int) *Bus {
	if subscriberBuffer <= 0 {
		subscriberBuffer = 256
	}
	return &Bus{
		subs:    make(map[string]*Subscription),
		bufSize: subscriberBuffer,
		now:     time.Now,
	}
}

// Subscribe registers a named reader. With no events listed the subscription
// receives everything. Names must be unique; resubscribing a live name
// replaces (and closes) the previous subscription.
func (b *Bus) Subscribe(name string, events ...string) *Subscription {
	var filter map[string]bool
	if len(events) > 0 {
		filter = make(map[string]bool, len(events))
		for _, e := range events {
			filter[e] = true
		}
	}
	ch := make(chan Envelope, b.bufSize)
	sub := &Subscription{Name: name, C: ch, ch: ch, filter: filter}

	b.mu.Lock()
	if prev, ok := b.subs[name]; ok {
		close(prev.ch)
	}
	b.subs[name] = sub
	b.mu.Unlock()

	observ.SetGauge("emit_subscribers", float64(b.subscriberCount()), nil)
	return sub
}

// Unsubscribe removes the named subscription and closes its channel.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	sub, ok := b.subs[name]
	if ok {
		delete(b.subs, name)
		close(sub.ch)
	}
	b.mu.Unlock()
	if ok {
		observ.SetGauge("emit_subscribers", float64(b.subscriberCount()), nil)
	}
}

func (b *Bus) subscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Emit marshals payload once and fans the envelope out. Safe for concurrent
// use; never blocks the caller.
func (b *Bus) Emit(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		observ.LogError("emit_marshal_error", err, map[string]any{"type": event})
		observ.IncCounter("emit_marshal_errors_total", map[string]string{"type": event})
		return
	}
	env := Envelope{
		V:       1,
		Type:    event,
		ID:      uuid.NewString(),
		Seq:     b.seq.Add(1),
		TS:      b.now().UTC(),
		Payload: raw,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	observ.IncCounter("emit_events_total", map[string]string{"type": event})
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter[event] {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			// Full: shed the oldest so fresh state wins.
			select {
			case <-sub.ch:
				observ.IncCounter("emit_dropped_total", map[string]string{"subscriber": sub.Name})
			default:
			}
			select {
			case sub.ch <- env:
			default:
				observ.IncCounter("emit_dropped_total", map[string]string{"subscriber": sub.Name})
			}
		}
	}
}

// Close shuts the bus; all subscription channels are closed and later Emits
// are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for name, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, name)
	}
}
