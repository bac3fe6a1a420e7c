package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/urbanos/trafficd/internal/emit"
	"github.com/urbanos/trafficd/internal/observ"
	"github.com/urbanos/trafficd/internal/traffic"
)

// FixtureFrame is one scripted tick: the full vehicle set at an offset from
// replay start, plus any junction passages that happened on that tick.
type FixtureFrame struct {
	OffsetMs int64             `json:"offset_ms"`
	Vehicles []traffic.Vehicle `json:"vehicles"`
	Passages []Passage         `json:"passages,omitempty"`
}

type fixtureDoc struct {
	Frames []FixtureFrame `json:"frames"`
}

// Fixture replays a scripted frame file against the tracker and detection
// sink. Offsets are honored relative to replay start, so a file with
// realistic spacing plays back in real time and a zero-offset file drains
// immediately.
type Fixture struct {
	frames  []FixtureFrame
	tracker TrackerSink
	sink    DetectionSink
	emitter emit.Emitter
}

// LoadFixture reads a frame script from disk. Frames are sorted by offset so
// hand-edited files do not have to keep them ordered.
func LoadFixture(path string, tracker TrackerSink, sink DetectionSink, emitter emit.Emitter) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("feed: read fixture: %w", err)
	}
	var doc fixtureDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("feed: parse fixture %s: %w", path, err)
	}
	if len(doc.Frames) == 0 {
		return nil, fmt.Errorf("feed: fixture %s has no frames", path)
	}
	return NewFixture(doc.Frames, tracker, sink, emitter), nil
}

// NewFixture wraps frames built in code. Frames are sorted by offset.
func NewFixture(frames []FixtureFrame, tracker TrackerSink, sink DetectionSink, emitter emit.Emitter) *Fixture {
	sorted := make([]FixtureFrame, len(frames))
	copy(sorted, frames)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].OffsetMs < sorted[j].OffsetMs })
	if emitter == nil {
		emitter = emit.Discard{}
	}
	return &Fixture{frames: sorted, tracker: tracker, sink: sink, emitter: emitter}
}

// Frames returns the replay script in playback order.
func (f *Fixture) Frames() []FixtureFrame { return f.frames }

// Run replays every frame at its offset and returns nil when the script is
// exhausted or the context ends.
func (f *Fixture) Run(ctx context.Context) error {
	if len(f.frames) == 0 {
		return nil
	}
	start := time.Now()
	observ.Log("feed_fixture_started", map[string]any{
		"frames":      len(f.frames),
		"duration_ms": f.frames[len(f.frames)-1].OffsetMs,
	})

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for _, frame := range f.frames {
		due := start.Add(time.Duration(frame.OffsetMs) * time.Millisecond)
		if wait := time.Until(due); wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				observ.Log("feed_fixture_stopped", map[string]any{"reason": "context"})
				return nil
			case <-timer.C:
			}
		}
		f.push(frame, due)
	}

	observ.Log("feed_fixture_done", map[string]any{"frames": len(f.frames)})
	return nil
}

func (f *Fixture) push(frame FixtureFrame, ts time.Time) {
	deliver(f.tracker, f.sink, f.emitter, frame.Vehicles, detections(frame.Passages, ts), ts)
}
