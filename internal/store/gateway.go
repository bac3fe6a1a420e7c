// Package store is the persistence gateway: batched writes into Postgres
// behind a circuit breaker, with a JSONL outbox for the stretches the
// database is unreachable.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	_ "github.com/lib/pq"
	"github.com/sony/gobreaker"

	"github.com/urbanos/trafficd/internal/detect"
	"github.com/urbanos/trafficd/internal/observ"
)

// ErrBreakerOpen reports that the write breaker refused the call. Batched
// writers spill to the outbox instead of returning it; it surfaces on reads
// and when no outbox is wired.
var ErrBreakerOpen = errors.New("store: circuit breaker open")

const (
	tableDetections     = "detection_records"
	tableAgentLogs      = "agent_logs"
	tableSystemEvents   = "system_events"
	tableTrafficHistory = "traffic_history"

	maxQueryRows      = 1000
	maxAgentLogBuffer = 2048
)

type Config struct {
	DSN              string
	AgentLogBatch    int
	AgentLogInterval time.Duration
	BreakerFailures  uint32
	BreakerReset     time.Duration
}

func (c *Config) setDefaults() {
	if c.AgentLogBatch <= 0 {
		c.AgentLogBatch = 20
	}
	if c.AgentLogInterval <= 0 {
		c.AgentLogInterval = 2 * time.Second
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = 30 * time.Second
	}
}

// AgentLog is one control-loop tick record.
type AgentLog struct {
	ID                int64          `db:"id" json:"id,omitempty"`
	TS                time.Time      `db:"ts" json:"ts"`
	Mode              string         `db:"mode" json:"mode"`
	Strategy          string         `db:"strategy" json:"strategy"`
	DecisionLatencyMs float64        `db:"decision_latency_ms" json:"decision_latency_ms"`
	Decisions         types.JSONText `db:"decisions" json:"decisions,omitempty"`
	StateSummary      types.JSONText `db:"state_summary" json:"state_summary,omitempty"`
}

// SystemEvent is one row of the durable error/audit surface.
type SystemEvent struct {
	ID        int64          `db:"id" json:"id,omitempty"`
	TS        time.Time      `db:"ts" json:"ts"`
	EventType string         `db:"event_type" json:"event_type"`
	Severity  string         `db:"severity" json:"severity"`
	Message   string         `db:"message" json:"message"`
	Metadata  types.JSONText `db:"metadata" json:"metadata,omitempty"`
}

// TrafficHistoryRow is one sampled road-density observation.
type TrafficHistoryRow struct {
	ID           int64     `db:"id" json:"id,omitempty"`
	RoadID       string    `db:"road_id" json:"road_id"`
	Level        string    `db:"congestion_level" json:"congestion_level"`
	CurrentSpeed *float64  `db:"current_speed" json:"current_speed,omitempty"`
	VehicleCount int       `db:"vehicle_count" json:"vehicle_count"`
	DensityScore float64   `db:"density_score" json:"density_score"`
	TS           time.Time `db:"ts" json:"ts"`
	Source       string    `db:"source" json:"source"`
}

// Gateway owns the database handle. All writes go through one breaker so a
// dead database trips every path to the outbox at once.
type Gateway struct {
	db      *sqlx.DB
	outbox  *Outbox
	breaker *gobreaker.CircuitBreaker
	cfg     Config
	now     func() time.Time

	mu       sync.Mutex
	agentBuf []AgentLog
}

// Open connects to Postgres and wraps the handle. The outbox may be nil;
// spills then surface as errors instead.
func Open(cfg Config, outbox *Outbox) (*Gateway, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	return New(db, cfg, outbox), nil
}

// New wraps an existing handle. Tests hand in sqlmock here.
func New(db *sqlx.DB, cfg Config, outbox *Outbox) *Gateway {
	cfg.setDefaults()
	g := &Gateway{db: db, outbox: outbox, cfg: cfg, now: time.Now}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store",
		MaxRequests: 1,
		Timeout:     cfg.BreakerReset,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observ.Log("store_breaker", map[string]any{"from": from.String(), "to": to.String()})
			open := 0.0
			if to == gobreaker.StateOpen {
				open = 1
			}
			observ.SetGauge("store_breaker_open", open, nil)
			if to == gobreaker.StateClosed && from != gobreaker.StateClosed {
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					defer cancel()
					if _, err := g.DrainOutbox(ctx); err != nil {
						observ.LogError("outbox_drain_failed", err, nil)
					}
				}()
			}
		},
	})
	return g
}

func (g *Gateway) Close() error { return g.db.Close() }

// exec routes one database call through the breaker and normalizes the
// error. Open-breaker rejections come back wrapping ErrBreakerOpen.
func (g *Gateway) exec(op string, fn func() error) error {
	start := time.Now()
	_, err := g.breaker.Execute(func() (any, error) { return nil, fn() })
	observ.RecordDuration("store_op_ms", time.Since(start), map[string]string{"op": op})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		observ.IncCounter("store_breaker_rejections_total", map[string]string{"op": op})
		return fmt.Errorf("%s: %w", op, ErrBreakerOpen)
	}
	observ.IncCounter("store_failures_total", map[string]string{"op": op})
	return fmt.Errorf("store: %s: %w", op, err)
}

// spillOnOpen turns an open-breaker rejection into an outbox append. The
// write is then accepted: it is durable and will be replayed.
func (g *Gateway) spillOnOpen(err error, table string, rows any, n int) error {
	if err == nil || !errors.Is(err, ErrBreakerOpen) || g.outbox == nil {
		return err
	}
	if serr := g.outbox.Enqueue(table, rows); serr != nil {
		return fmt.Errorf("spill %s: %w", table, serr)
	}
	observ.IncCounterBy("store_spilled_total", map[string]string{"table": table}, float64(n))
	return nil
}

const insertDetections = `
INSERT INTO detection_records
    (id, vehicle_id, number_plate, junction_id, direction, incoming_road,
     outgoing_road, speed, x, y, vehicle_type, violation_detected, ts)
VALUES
    (:id, :vehicle_id, :number_plate, :junction_id, :direction, :incoming_road,
     :outgoing_road, :speed, :x, :y, :vehicle_type, :violation_detected, :ts)`

// WriteDetections persists one flushed batch. Implements detect.Sink.
func (g *Gateway) WriteDetections(ctx context.Context, rows []detect.Detection) error {
	if len(rows) == 0 {
		return nil
	}
	err := g.exec("write_detections", func() error {
		_, e := g.db.NamedExecContext(ctx, insertDetections, rows)
		return e
	})
	return g.spillOnOpen(err, tableDetections, rows, len(rows))
}

const insertAgentLogs = `
INSERT INTO agent_logs
    (ts, mode, strategy, decision_latency_ms, decisions, state_summary)
VALUES
    (:ts, :mode, :strategy, :decision_latency_ms, :decisions, :state_summary)`

// WriteAgentLog buffers one tick record; the buffer flushes at the batch
// size or on the Run ticker, whichever first.
func (g *Gateway) WriteAgentLog(ctx context.Context, row AgentLog) error {
	g.mu.Lock()
	g.agentBuf = append(g.agentBuf, row)
	if over := len(g.agentBuf) - maxAgentLogBuffer; over > 0 {
		g.agentBuf = g.agentBuf[over:]
		observ.IncCounterBy("store_agent_logs_dropped_total", nil, float64(over))
	}
	full := len(g.agentBuf) >= g.cfg.AgentLogBatch
	observ.SetGauge("store_agent_log_buffer", float64(len(g.agentBuf)), nil)
	g.mu.Unlock()

	if full {
		return g.FlushAgentLogs(ctx)
	}
	return nil
}

// FlushAgentLogs writes the buffered tick records. A failed batch that is
// not a breaker rejection goes back to the head of the buffer.
func (g *Gateway) FlushAgentLogs(ctx context.Context) error {
	g.mu.Lock()
	batch := g.agentBuf
	g.agentBuf = nil
	g.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	err := g.exec("write_agent_logs", func() error {
		_, e := g.db.NamedExecContext(ctx, insertAgentLogs, batch)
		return e
	})
	err = g.spillOnOpen(err, tableAgentLogs, batch, len(batch))
	if err != nil {
		g.mu.Lock()
		g.agentBuf = append(batch, g.agentBuf...)
		g.mu.Unlock()
		return err
	}
	return nil
}

const insertSystemEvents = `
INSERT INTO system_events (ts, event_type, severity, message, metadata)
VALUES (:ts, :event_type, :severity, :message, :metadata)`

func (g *Gateway) WriteSystemEvent(ctx context.Context, ev SystemEvent) error {
	if ev.TS.IsZero() {
		ev.TS = g.now().UTC()
	}
	if len(ev.Metadata) == 0 {
		ev.Metadata = types.JSONText(`{}`)
	}
	rows := []SystemEvent{ev}
	err := g.exec("write_system_event", func() error {
		_, e := g.db.NamedExecContext(ctx, insertSystemEvents, rows)
		return e
	})
	return g.spillOnOpen(err, tableSystemEvents, rows, 1)
}

const insertTrafficHistory = `
INSERT INTO traffic_history
    (road_id, congestion_level, current_speed, vehicle_count, density_score, ts, source)
VALUES
    (:road_id, :congestion_level, :current_speed, :vehicle_count, :density_score, :ts, :source)`

func (g *Gateway) WriteTrafficHistory(ctx context.Context, rows []TrafficHistoryRow) error {
	if len(rows) == 0 {
		return nil
	}
	err := g.exec("write_traffic_history", func() error {
		_, e := g.db.NamedExecContext(ctx, insertTrafficHistory, rows)
		return e
	})
	return g.spillOnOpen(err, tableTrafficHistory, rows, len(rows))
}

const selectDetections = `
SELECT id, vehicle_id, number_plate, junction_id, direction, incoming_road,
       outgoing_road, speed, x, y, vehicle_type, violation_detected, ts
  FROM detection_records`

func (g *Gateway) DetectionsByPlate(ctx context.Context, plate string, from, to time.Time) ([]detect.Detection, error) {
	var out []detect.Detection
	err := g.exec("detections_by_plate", func() error {
		return g.db.SelectContext(ctx, &out, selectDetections+`
 WHERE number_plate = $1 AND ts BETWEEN $2 AND $3
 ORDER BY ts DESC LIMIT `+fmt.Sprint(maxQueryRows), plate, from, to)
	})
	return out, err
}

func (g *Gateway) DetectionsByJunction(ctx context.Context, junctionID string, from, to time.Time) ([]detect.Detection, error) {
	var out []detect.Detection
	err := g.exec("detections_by_junction", func() error {
		return g.db.SelectContext(ctx, &out, selectDetections+`
 WHERE junction_id = $1 AND ts BETWEEN $2 AND $3
 ORDER BY ts DESC LIMIT `+fmt.Sprint(maxQueryRows), junctionID, from, to)
	})
	return out, err
}

// PurgeDetectionsBefore implements the detect.Sink retention hook.
func (g *Gateway) PurgeDetectionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var n int64
	err := g.exec("purge_detections", func() error {
		res, e := g.db.ExecContext(ctx, `DELETE FROM detection_records WHERE ts < $1`, cutoff)
		if e != nil {
			return e
		}
		n, e = res.RowsAffected()
		return e
	})
	return int(n), err
}

func (g *Gateway) TrafficHistory(ctx context.Context, roadID string, from, to time.Time) ([]TrafficHistoryRow, error) {
	var out []TrafficHistoryRow
	err := g.exec("traffic_history", func() error {
		return g.db.SelectContext(ctx, &out, `
SELECT id, road_id, congestion_level, current_speed, vehicle_count, density_score, ts, source
  FROM traffic_history
 WHERE road_id = $1 AND ts BETWEEN $2 AND $3
 ORDER BY ts ASC LIMIT `+fmt.Sprint(maxQueryRows), roadID, from, to)
	})
	return out, err
}

func (g *Gateway) RecentSystemEvents(ctx context.Context, limit int) ([]SystemEvent, error) {
	if limit <= 0 || limit > maxQueryRows {
		limit = 100
	}
	var out []SystemEvent
	err := g.exec("recent_system_events", func() error {
		return g.db.SelectContext(ctx, &out, `
SELECT id, ts, event_type, severity, message, metadata
  FROM system_events
 ORDER BY ts DESC LIMIT $1`, limit)
	})
	return out, err
}

// Run flushes the agent-log buffer on the configured interval. On shutdown
// it makes one last bounded flush attempt.
func (g *Gateway) Run(ctx context.Context) {
	t := time.NewTicker(g.cfg.AgentLogInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := g.FlushAgentLogs(fctx); err != nil {
				observ.LogError("agent_log_final_flush_failed", err, nil)
			}
			cancel()
			return
		case <-t.C:
			if err := g.FlushAgentLogs(ctx); err != nil {
				observ.LogError("agent_log_flush_failed", err, nil)
			}
		}
	}
}

// DrainOutbox replays spilled entries in order. On the first replay failure
// the failed entry and everything after it go back to the outbox.
func (g *Gateway) DrainOutbox(ctx context.Context) (int, error) {
	if g.outbox == nil {
		return 0, nil
	}
	entries, err := g.outbox.takeAll()
	if err != nil || len(entries) == 0 {
		return 0, err
	}

	replayed := 0
	for i, e := range entries {
		err := ctx.Err()
		if err == nil {
			err = g.replay(ctx, e)
		}
		if err != nil {
			if rerr := g.outbox.requeue(entries[i:]); rerr != nil {
				observ.LogError("outbox_requeue_failed", rerr, map[string]any{"entries": len(entries) - i})
			}
			observ.IncCounterBy("store_outbox_replayed_total", nil, float64(replayed))
			return replayed, fmt.Errorf("drain outbox: %d of %d replayed: %w", replayed, len(entries), err)
		}
		replayed++
	}

	observ.IncCounterBy("store_outbox_replayed_total", nil, float64(replayed))
	observ.Log("outbox_drained", map[string]any{"replayed": replayed})
	return replayed, nil
}

func (g *Gateway) replay(ctx context.Context, e entry) error {
	switch e.Table {
	case tableDetections:
		var rows []detect.Detection
		if err := json.Unmarshal(e.Data, &rows); err != nil {
			observ.IncCounter("outbox_corrupt_lines_total", nil)
			return nil
		}
		return g.exec("replay_detections", func() error {
			_, err := g.db.NamedExecContext(ctx, insertDetections, rows)
			return err
		})
	case tableAgentLogs:
		var rows []AgentLog
		if err := json.Unmarshal(e.Data, &rows); err != nil {
			observ.IncCounter("outbox_corrupt_lines_total", nil)
			return nil
		}
		return g.exec("replay_agent_logs", func() error {
			_, err := g.db.NamedExecContext(ctx, insertAgentLogs, rows)
			return err
		})
	case tableSystemEvents:
		var rows []SystemEvent
		if err := json.Unmarshal(e.Data, &rows); err != nil {
			observ.IncCounter("outbox_corrupt_lines_total", nil)
			return nil
		}
		return g.exec("replay_system_events", func() error {
			_, err := g.db.NamedExecContext(ctx, insertSystemEvents, rows)
			return err
		})
	case tableTrafficHistory:
		var rows []TrafficHistoryRow
		if err := json.Unmarshal(e.Data, &rows); err != nil {
			observ.IncCounter("outbox_corrupt_lines_total", nil)
			return nil
		}
		return g.exec("replay_traffic_history", func() error {
			_, err := g.db.NamedExecContext(ctx, insertTrafficHistory, rows)
			return err
		})
	default:
		observ.IncCounter("outbox_corrupt_lines_total", nil)
		return nil
	}
}
