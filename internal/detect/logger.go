package detect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/urbanos/trafficd/internal/observ"
	"github.com/urbanos/trafficd/internal/traffic"
)

// Detection is one vehicle passage at a junction. Immutable once recorded.
type Detection struct {
	ID                string               `json:"id" db:"id"`
	VehicleID         string               `json:"vehicle_id" db:"vehicle_id" validate:"required"`
	Plate             string               `json:"plate" db:"number_plate" validate:"required"`
	JunctionID        string               `json:"junction_id" db:"junction_id" validate:"required"`
	Direction         traffic.Direction    `json:"direction" db:"direction" validate:"required,oneof=north east south west"`
	TS                time.Time            `json:"ts" db:"ts" validate:"required"`
	X                 float64              `json:"x" db:"x"`
	Y                 float64              `json:"y" db:"y"`
	Speed             float64              `json:"speed" db:"speed" validate:"gte=0"`
	VehicleClass      traffic.VehicleClass `json:"vehicle_class" db:"vehicle_type"`
	IncomingRoad      string               `json:"incoming_road,omitempty" db:"incoming_road"`
	OutgoingRoad      string               `json:"outgoing_road,omitempty" db:"outgoing_road"`
	ViolationDetected bool                 `json:"violation_detected" db:"violation_detected"`
}

// Sink persists detection batches; failures are retried on the next flush.
type Sink interface {
	WriteDetections(ctx context.Context, rows []Detection) error
	PurgeDetectionsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Spiller receives rows the flusher has given up on.
type Spiller interface {
	SpillDetections(rows []Detection) error
}

type Config struct {
	BufferSize      int
	FlushInterval   time.Duration
	Retention       time.Duration
	PurgeInterval   time.Duration
	QuarantineAfter int
	MaxBuffered     int
}

func (c *Config) setDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = time.Hour
	}
	if c.QuarantineAfter <= 0 {
		c.QuarantineAfter = 3
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = 10_000
	}
}

// Stats counters are monotonic except BufferSize.
type Stats struct {
	TotalDetections int64     `json:"total_detections"`
	TotalFlushes    int64     `json:"total_flushes"`
	FailedFlushes   int64     `json:"failed_flushes"`
	Quarantined     int64     `json:"quarantined"`
	Dropped         int64     `json:"dropped"`
	BufferSize      int       `json:"buffer_size"`
	LastFlush       time.Time `json:"last_flush"`
}

// flushBudget bounds one sink write; ForceFlush shares it.
const flushBudget = 5 * time.Second

// Logger buffers detections in memory and flushes them in batches, by size
// or by interval, whichever comes first. A failed batch goes back to the
// head of the buffer so order is preserved; a head row that keeps poisoning
// its batch is quarantined to the spiller.
type Logger struct {
	cfg      Config
	sink     Sink
	spiller  Spiller
	validate *validator.Validate
	flushCh  chan struct{}
	now      func() time.Time

	mu           sync.Mutex
	buf          []Detection
	stats        Stats
	headID       string
	headFailures int
}

func NewLogger(cfg Config, sink Sink, spiller Spiller) *Logger {
	cfg.setDefaults()
	return &Logger{
		cfg:      cfg,
		sink:     sink,
		spiller:  spiller,
		validate: validator.New(),
		flushCh:  make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Record validates and enqueues one detection. Never blocks on persistence.
func (l *Logger) Record(d Detection) error {
	if err := l.validate.Struct(d); err != nil {
		observ.IncCounter("detections_invalid_total", nil)
		return fmt.Errorf("detection validation: %w", err)
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	l.mu.Lock()
	l.buf = append(l.buf, d)
	l.stats.TotalDetections++
	if over := len(l.buf) - l.cfg.MaxBuffered; over > 0 {
		l.buf = l.buf[over:]
		l.stats.Dropped += int64(over)
		observ.IncCounterBy("detections_dropped_total", nil, float64(over))
	}
	l.stats.BufferSize = len(l.buf)
	full := len(l.buf) >= l.cfg.BufferSize
	l.mu.Unlock()

	observ.IncCounter("detections_total", nil)
	if full {
		select {
		case l.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// Run flushes on size or interval and purges on the retention schedule. On
// cancellation it drains what is left.
func (l *Logger) Run(ctx context.Context) {
	observ.Log("detect_logger_started", map[string]any{
		"buffer_size": l.cfg.BufferSize, "flush_interval_s": l.cfg.FlushInterval.Seconds(),
	})
	flushTicker := time.NewTicker(l.cfg.FlushInterval)
	purgeTicker := time.NewTicker(l.cfg.PurgeInterval)
	defer flushTicker.Stop()
	defer purgeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			drain, cancel := context.WithTimeout(context.Background(), flushBudget)
			if err := l.ForceFlush(drain); err != nil {
				observ.LogError("detect_final_flush_failed", err, nil)
			}
			cancel()
			observ.Log("detect_logger_stopped", nil)
			return
		case <-flushTicker.C:
			l.Flush(ctx)
		case <-l.flushCh:
			l.Flush(ctx)
		case <-purgeTicker.C:
			l.Purge(ctx)
		}
	}
}

// Flush writes one batch. A failure returns the batch to the head of the
// buffer; repeated failure of the same head row quarantines that row.
func (l *Logger) Flush(ctx context.Context) {
	l.mu.Lock()
	if len(l.buf) == 0 {
		l.mu.Unlock()
		return
	}
	batch := l.buf
	l.buf = nil
	l.stats.BufferSize = 0
	l.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, flushBudget)
	err := l.sink.WriteDetections(wctx, batch)
	cancel()

	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		l.stats.TotalFlushes++
		l.stats.LastFlush = l.now()
		l.headID = ""
		l.headFailures = 0
		observ.IncCounterBy("detections_flushed_total", nil, float64(len(batch)))
		observ.SetGauge("detection_buffer_size", float64(len(l.buf)), nil)
		return
	}

	l.stats.FailedFlushes++
	observ.IncCounter("detection_flush_failures_total", nil)
	observ.LogError("detect_flush_failed", err, map[string]any{"batch": len(batch)})

	if batch[0].ID == l.headID {
		l.headFailures++
	} else {
		l.headID = batch[0].ID
		l.headFailures = 1
	}
	if l.headFailures >= l.cfg.QuarantineAfter {
		poison := batch[0]
		batch = batch[1:]
		l.headID = ""
		l.headFailures = 0
		l.stats.Quarantined++
		observ.IncCounter("detections_quarantined_total", nil)
		observ.Log("detection_quarantined", map[string]any{"id": poison.ID, "plate": poison.Plate})
		if l.spiller != nil {
			if serr := l.spiller.SpillDetections([]Detection{poison}); serr != nil {
				observ.LogError("detection_spill_failed", serr, map[string]any{"id": poison.ID})
			}
		}
	}

	l.buf = append(batch, l.buf...)
	l.stats.BufferSize = len(l.buf)
	observ.SetGauge("detection_buffer_size", float64(len(l.buf)), nil)
}

// ForceFlush drains the whole buffer, bounded by the flush budget per batch.
// Used on shutdown and by the ops surface.
func (l *Logger) ForceFlush(ctx context.Context) error {
	for {
		l.mu.Lock()
		n := len(l.buf)
		l.mu.Unlock()
		if n == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		before := l.snapshotStats()
		l.Flush(ctx)
		after := l.snapshotStats()
		if after.FailedFlushes > before.FailedFlushes {
			return fmt.Errorf("force flush: %d rows still buffered", after.BufferSize)
		}
	}
}

// Purge deletes persisted rows older than the retention horizon.
func (l *Logger) Purge(ctx context.Context) {
	cutoff := l.now().Add(-l.cfg.Retention)
	wctx, cancel := context.WithTimeout(ctx, flushBudget)
	n, err := l.sink.PurgeDetectionsBefore(wctx, cutoff)
	cancel()
	if err != nil {
		observ.LogError("detect_purge_failed", err, nil)
		return
	}
	if n > 0 {
		observ.IncCounterBy("detections_purged_total", nil, float64(n))
		observ.Log("detections_purged", map[string]any{"rows": n, "cutoff": cutoff.UTC()})
	}
}

func (l *Logger) Stats() Stats {
	return l.snapshotStats()
}

func (l *Logger) snapshotStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.BufferSize = len(l.buf)
	return s
}
