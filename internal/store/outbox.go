package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/urbanos/trafficd/internal/detect"
	"github.com/urbanos/trafficd/internal/observ"
)

const (
	spillFile      = "spill.jsonl"
	quarantineFile = "quarantine.jsonl"
)

// entry is one spilled write, wrapped so the drain loop knows which table
// the payload belongs to.
type entry struct {
	Table string          `json:"table"`
	TS    time.Time       `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

// Outbox is the JSONL fallback for writes the database cannot take right
// now. Spilled batches land in spill.jsonl and are replayed by DrainOutbox;
// quarantined rows land in quarantine.jsonl and stay there for manual
// review.
type Outbox struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

func NewOutbox(dir string) (*Outbox, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("outbox dir: %w", err)
	}
	return &Outbox{dir: dir, now: time.Now}, nil
}

// Enqueue appends one drainable entry for the given table. rows is the
// same value the gateway would have handed to the database.
func (o *Outbox) Enqueue(table string, rows any) error {
	data, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("outbox marshal %s: %w", table, err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.appendLocked(spillFile, entry{Table: table, TS: o.now().UTC(), Data: data})
}

// SpillDetections writes poison rows to the quarantine file. These are not
// replayed by the drain loop.
func (o *Outbox) SpillDetections(rows []detect.Detection) error {
	data, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("outbox marshal quarantine: %w", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	err = o.appendLocked(quarantineFile, entry{Table: tableDetections, TS: o.now().UTC(), Data: data})
	if err == nil {
		observ.IncCounterBy("outbox_quarantined_total", nil, float64(len(rows)))
	}
	return err
}

func (o *Outbox) appendLocked(name string, e entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(o.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	observ.IncCounter("outbox_entries_total", map[string]string{"file": name})
	return nil
}

// Pending reports how many drainable entries are queued.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	entries, _ := o.readLocked(spillFile)
	return len(entries)
}

// takeAll removes and returns every drainable entry. The caller owns them;
// anything it cannot replay must be put back with requeue.
func (o *Outbox) takeAll() ([]entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entries, err := o.readLocked(spillFile)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	if err := os.Remove(filepath.Join(o.dir, spillFile)); err != nil {
		return nil, err
	}
	return entries, nil
}

// requeue writes entries back to the head of the spill file, before anything
// enqueued since takeAll.
func (o *Outbox) requeue(entries []entry) error {
	if len(entries) == 0 {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	later, err := o.readLocked(spillFile)
	if err != nil {
		return err
	}
	tmp := filepath.Join(o.dir, spillFile+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, e := range append(entries, later...) {
		line, err := json.Marshal(e)
		if err != nil {
			continue
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(o.dir, spillFile))
}

func (o *Outbox) readLocked(name string) ([]entry, error) {
	f, err := os.Open(filepath.Join(o.dir, name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			observ.IncCounter("outbox_corrupt_lines_total", nil)
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
