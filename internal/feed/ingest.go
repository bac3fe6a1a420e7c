package feed

import (
	"time"

	"github.com/urbanos/trafficd/internal/emit"
	"github.com/urbanos/trafficd/internal/observ"
	"github.com/urbanos/trafficd/internal/traffic"
)

// Ingest is the api feed mode: no producer goroutine, frames arrive pushed
// from outside the process one call at a time. Safe for concurrent callers
// as long as the tracker is; ours locks per Update.
type Ingest struct {
	tracker TrackerSink
	sink    DetectionSink
	emitter emit.Emitter
	now     func() time.Time
}

func NewIngest(tracker TrackerSink, sink DetectionSink, emitter emit.Emitter) *Ingest {
	if emitter == nil {
		emitter = emit.Discard{}
	}
	return &Ingest{tracker: tracker, sink: sink, emitter: emitter, now: time.Now}
}

// Push delivers one externally supplied frame. A zero ts is stamped on
// arrival. The vehicle list replaces the previous frame wholesale, same as
// the other producers.
func (i *Ingest) Push(vehicles []traffic.Vehicle, passages []Passage, ts time.Time) {
	if ts.IsZero() {
		ts = i.now()
	}
	deliver(i.tracker, i.sink, i.emitter, vehicles, detections(passages, ts), ts)
	observ.IncCounter("feed_ingest_frames_total", nil)
}
