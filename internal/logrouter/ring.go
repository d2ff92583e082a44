package logrouter

// ring is a fixed-capacity FIFO that evicts its oldest entry when full.
// Entries carry a sequence number so the delivery loop can tell whether
// the record it just wrote is still at the head.
type ring struct {
	buf  []entry
	head int
	size int
	next uint64
}

type entry struct {
	seq uint64
	rec Record
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]entry, capacity)}
}

// push appends rec and reports whether the oldest entry was evicted.
func (r *ring) push(rec Record) (evicted bool) {
	if r.size == len(r.buf) {
		r.buf[r.head] = entry{}
		r.head = (r.head + 1) % len(r.buf)
		r.size--
		evicted = true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = entry{seq: r.next, rec: rec}
	r.next++
	r.size++
	return evicted
}

func (r *ring) front() (entry, bool) {
	if r.size == 0 {
		return entry{}, false
	}
	return r.buf[r.head], true
}

// popIf removes the head entry if it still has the given sequence number.
func (r *ring) popIf(seq uint64) bool {
	if r.size == 0 || r.buf[r.head].seq != seq {
		return false
	}
	r.buf[r.head] = entry{}
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return true
}

func (r *ring) len() int { return r.size }
