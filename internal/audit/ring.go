package audit

import "sync"

// ringBuffer holds run records that could not be persisted. When full, the
// oldest buffered record is overwritten, so a sustained persistence outage
// degrades to keeping the most recent activity.
type ringBuffer struct {
	mu      sync.Mutex
	records []RunRecord
	next    int
	full    bool
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = 64
	}
	return &ringBuffer{records: make([]RunRecord, capacity)}
}

func (r *ringBuffer) push(rec RunRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[r.next] = rec
	r.next = (r.next + 1) % len(r.records)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns buffered records oldest first.
func (r *ringBuffer) snapshot() []RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]RunRecord, r.next)
		copy(out, r.records[:r.next])
		return out
	}
	out := make([]RunRecord, 0, len(r.records))
	out = append(out, r.records[r.next:]...)
	out = append(out, r.records[:r.next]...)
	return out
}
