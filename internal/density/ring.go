package density

import "time"

// ring is a fixed-capacity circular buffer of snapshots. Memory never grows
// past the capacity chosen at registration; the tracker tick is the only
// writer.
type ring struct {
	buf  []Snapshot
	head int // index of the oldest entry
	size int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]Snapshot, capacity)}
}

func (r *ring) push(s Snapshot) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = s
		r.size++
		return
	}
	r.buf[r.head] = s
	r.head = (r.head + 1) % len(r.buf)
}

func (r *ring) purgeOlder(cutoff time.Time) {
	for r.size > 0 && r.buf[r.head].TS.Before(cutoff) {
		r.head = (r.head + 1) % len(r.buf)
		r.size--
	}
}

// suffix returns entries with TS >= cutoff, oldest first.
func (r *ring) suffix(cutoff time.Time) []Snapshot {
	if r.size == 0 {
		return nil
	}
	out := make([]Snapshot, 0, r.size)
	for i := 0; i < r.size; i++ {
		s := r.buf[(r.head+i)%len(r.buf)]
		if s.TS.Before(cutoff) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (r *ring) last() (Snapshot, bool) {
	if r.size == 0 {
		return Snapshot{}, false
	}
	return r.buf[(r.head+r.size-1)%len(r.buf)], true
}

func (r *ring) len() int { return r.size }
