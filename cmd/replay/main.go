// Command replay reads agent_logs and system_events JSONL, either outbox
// spill envelopes or exported bare rows, and prints a control-loop report:
// tick counts per mode and strategy, admission and rejection rates, and
// decision latency percentiles.
//
// Usage:
//
//	replay [-since RFC3339] [-until RFC3339] file.jsonl [more.jsonl...]
//
// With no files it reads data/outbox/spill.jsonl.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"time"

	"github.com/urbanos/trafficd/internal/store"
)

type window struct {
	since time.Time
	until time.Time
}

func (w window) contains(ts time.Time) bool {
	if !w.since.IsZero() && ts.Before(w.since) {
		return false
	}
	if !w.until.IsZero() && ts.After(w.until) {
		return false
	}
	return true
}

// envelope mirrors the outbox spill line. Bare exported rows have no table
// key and are detected by their own fields.
type envelope struct {
	Table string          `json:"table"`
	Data  json.RawMessage `json:"data"`

	EventType string `json:"event_type"`
	Strategy  string `json:"strategy"`
}

type tickSummary struct {
	Admitted int `json:"admitted"`
	Rejected int `json:"rejected"`
}

type groupStats struct {
	ticks     int
	admitted  int
	rejected  int
	latencies []float64
}

type report struct {
	groups    map[string]*groupStats
	ticks     int
	severity  map[string]int
	events    int
	skipped   int
	earliest  time.Time
	latest    time.Time
	latencies []float64
}

func newReport() *report {
	return &report{groups: map[string]*groupStats{}, severity: map[string]int{}}
}

func (r *report) addAgentLog(row store.AgentLog, w window) {
	if !w.contains(row.TS) {
		return
	}
	r.stamp(row.TS)
	key := row.Mode + "/" + row.Strategy
	g := r.groups[key]
	if g == nil {
		g = &groupStats{}
		r.groups[key] = g
	}
	g.ticks++
	r.ticks++

	var sum tickSummary
	if len(row.StateSummary) > 0 {
		_ = json.Unmarshal(row.StateSummary, &sum)
	}
	g.admitted += sum.Admitted
	g.rejected += sum.Rejected

	// Zero latency means the decide stage never ran that tick (paused or
	// suspended); excluding it keeps the percentiles about decisions.
	if row.DecisionLatencyMs > 0 {
		g.latencies = append(g.latencies, row.DecisionLatencyMs)
		r.latencies = append(r.latencies, row.DecisionLatencyMs)
	}
}

func (r *report) addSystemEvent(row store.SystemEvent, w window) {
	if !w.contains(row.TS) {
		return
	}
	r.stamp(row.TS)
	r.events++
	r.severity[row.Severity]++
}

func (r *report) stamp(ts time.Time) {
	if r.earliest.IsZero() || ts.Before(r.earliest) {
		r.earliest = ts
	}
	if ts.After(r.latest) {
		r.latest = ts
	}
}

// addLine routes one JSONL line. Unknown tables and undecodable lines are
// counted, not fatal: a spill file interleaves every table.
func (r *report) addLine(line []byte, w window) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		r.skipped++
		return
	}
	switch {
	case env.Table == "agent_logs":
		var rows []store.AgentLog
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			r.skipped++
			return
		}
		for _, row := range rows {
			r.addAgentLog(row, w)
		}
	case env.Table == "system_events":
		var rows []store.SystemEvent
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			r.skipped++
			return
		}
		for _, row := range rows {
			r.addSystemEvent(row, w)
		}
	case env.Table != "":
		r.skipped++
	case env.Strategy != "":
		var row store.AgentLog
		if err := json.Unmarshal(line, &row); err != nil {
			r.skipped++
			return
		}
		r.addAgentLog(row, w)
	case env.EventType != "":
		var row store.SystemEvent
		if err := json.Unmarshal(line, &row); err != nil {
			r.skipped++
			return
		}
		r.addSystemEvent(row, w)
	default:
		r.skipped++
	}
}

func (r *report) addFile(path string, w window) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		r.addLine(line, w)
	}
	return sc.Err()
}

// percentile is nearest-rank over an unsorted copy. p in (0,100].
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func rejectionRate(admitted, rejected int) float64 {
	if admitted+rejected == 0 {
		return 0
	}
	return float64(rejected) / float64(admitted+rejected)
}

func (r *report) print() {
	if r.ticks == 0 && r.events == 0 {
		fmt.Println("no rows in window")
		return
	}
	if !r.earliest.IsZero() {
		fmt.Printf("window  %s .. %s\n", r.earliest.UTC().Format(time.RFC3339), r.latest.UTC().Format(time.RFC3339))
	}
	fmt.Printf("ticks   %d  decided %d  skipped lines %d\n\n", r.ticks, len(r.latencies), r.skipped)

	keys := make([]string, 0, len(r.groups))
	for k := range r.groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		g := r.groups[k]
		fmt.Printf("%-28s ticks %-6d admitted %-6d rejected %-6d reject-rate %.1f%%",
			k, g.ticks, g.admitted, g.rejected, 100*rejectionRate(g.admitted, g.rejected))
		if len(g.latencies) > 0 {
			fmt.Printf("  p50 %.2fms p95 %.2fms", percentile(g.latencies, 50), percentile(g.latencies, 95))
		}
		fmt.Println()
	}
	if len(r.latencies) > 0 {
		fmt.Printf("\ndecision latency  p50 %.2fms  p95 %.2fms  max %.2fms\n",
			percentile(r.latencies, 50), percentile(r.latencies, 95), percentile(r.latencies, 100))
	}

	if r.events > 0 {
		fmt.Printf("\nsystem events %d:", r.events)
		severities := make([]string, 0, len(r.severity))
		for s := range r.severity {
			severities = append(severities, s)
		}
		sort.Strings(severities)
		for _, s := range severities {
			fmt.Printf("  %s %d", s, r.severity[s])
		}
		fmt.Println()
	}
}

func parseTime(flagName, v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		log.Fatalf("-%s: %v", flagName, err)
	}
	return ts
}

func main() {
	log.SetFlags(0)
	var since, until string
	flag.StringVar(&since, "since", "", "drop rows before this RFC3339 time")
	flag.StringVar(&until, "until", "", "drop rows after this RFC3339 time")
	flag.Parse()

	w := window{since: parseTime("since", since), until: parseTime("until", until)}

	files := flag.Args()
	if len(files) == 0 {
		files = []string{"data/outbox/spill.jsonl"}
	}

	r := newReport()
	for _, path := range files {
		if err := r.addFile(path, w); err != nil {
			log.Fatalf("read %s: %v", path, err)
		}
	}
	r.print()
}
