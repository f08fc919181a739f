package relay

// timeoutsCleanSize is the compaction threshold: once the dead prefix of
// the log grows past this many tombstoned entries (and past half the log),
// it is dropped and indices rebased (spec.md §4.3).
const timeoutsCleanSize = 512

type timeoutEntry struct {
	handler      *Handler
	lastActivity int64
	tomb         bool
}

// timeoutQueue is the append-only, tombstoned activity log backing idle
// sweeping. Recording a handler's activity never mutates an old entry in
// place — it tombstones the handler's previous slot (if any) and appends
// a fresh one — so the log stays ordered by last-activity time and a
// sweep can walk it front-to-back stopping at the first live, unexpired
// entry (spec.md §4.3, §8 tombstone invariant).
type timeoutQueue struct {
	entries []*timeoutEntry
	index   map[uint64]int // handler id -> index of its live entry
	offset  int             // cursor: entries[:offset] are all tombstoned
}

func newTimeoutQueue() *timeoutQueue {
	return &timeoutQueue{index: make(map[uint64]int)}
}

// record appends a fresh activity entry for h, tombstoning whatever entry
// previously tracked it. No-op guarding on TIMEOUT_PRECISION is the
// caller's responsibility (Server.updateActivity, reached via
// Handler.touch), not the queue's.
func (q *timeoutQueue) record(h *Handler, now int64) {
	if prev, ok := q.index[h.id]; ok {
		q.entries[prev].tomb = true
	}
	q.entries = append(q.entries, &timeoutEntry{handler: h, lastActivity: now})
	q.index[h.id] = len(q.entries) - 1
}

// remove tombstones h's current entry immediately, used by destroy() so a
// handler that dies outside of a sweep doesn't linger in the index.
func (q *timeoutQueue) remove(h *Handler) {
	if idx, ok := q.index[h.id]; ok {
		q.entries[idx].tomb = true
		delete(q.index, h.id)
	}
}

// sweep walks forward from the cursor, destroying every handler whose
// last-recorded activity is older than timeoutSeconds, and stops at the
// first entry that is still fresh (or the end of the log). destroy is
// called at most once per handler per sweep even if the handler shows up
// stale multiple times (it won't: record tombstones prior entries).
func (q *timeoutQueue) sweep(now, timeoutSeconds int64, destroy func(*Handler)) {
	for q.offset < len(q.entries) {
		e := q.entries[q.offset]
		if e.tomb {
			q.offset++
			continue
		}
		if now-e.lastActivity < timeoutSeconds {
			break
		}
		destroy(e.handler)
		e.tomb = true
		delete(q.index, e.handler.id)
		q.offset++
	}
	q.compact()
}

func (q *timeoutQueue) compact() {
	if q.offset <= timeoutsCleanSize || q.offset <= len(q.entries)/2 {
		return
	}
	dropped := q.offset
	remaining := make([]*timeoutEntry, len(q.entries)-dropped)
	copy(remaining, q.entries[dropped:])
	q.entries = remaining
	for id, idx := range q.index {
		q.index[id] = idx - dropped
	}
	q.offset = 0
}

func (q *timeoutQueue) len() int { return len(q.entries) }
