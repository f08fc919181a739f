package relay

import "testing"

func newTestHandler(id uint64) *Handler {
	return &Handler{id: id}
}

func TestTimeoutQueue_RecordTombstonesPriorEntry(t *testing.T) {
	q := newTimeoutQueue()
	h := newTestHandler(1)

	q.record(h, 100)
	q.record(h, 104)

	if len(q.entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(q.entries))
	}
	if !q.entries[0].tomb {
		t.Error("expected first entry tombstoned after re-record")
	}
	if q.entries[1].tomb {
		t.Error("expected second entry live")
	}
	if q.index[h.id] != 1 {
		t.Errorf("expected index to point at entry 1, got %d", q.index[h.id])
	}
}

func TestTimeoutQueue_SweepStopsAtFirstFreshEntry(t *testing.T) {
	q := newTimeoutQueue()
	stale1, stale2, fresh := newTestHandler(1), newTestHandler(2), newTestHandler(3)

	q.record(stale1, 0)
	q.record(stale2, 1)
	q.record(fresh, 100)

	var destroyed []uint64
	q.sweep(110, 10, func(h *Handler) { destroyed = append(destroyed, h.id) })

	if len(destroyed) != 2 || destroyed[0] != 1 || destroyed[1] != 2 {
		t.Fatalf("expected handlers 1,2 destroyed in order, got %v", destroyed)
	}
	if q.offset != 2 {
		t.Errorf("expected cursor at 2, got %d", q.offset)
	}
}

func TestTimeoutQueue_RemoveIsIdempotentAndSkippedBySweep(t *testing.T) {
	q := newTimeoutQueue()
	h := newTestHandler(1)
	q.record(h, 0)

	q.remove(h)
	q.remove(h) // must not panic or double-count

	var destroyed []uint64
	q.sweep(1000, 1, func(h *Handler) { destroyed = append(destroyed, h.id) })
	if len(destroyed) != 0 {
		t.Fatalf("expected no destroy calls for an already-removed handler, got %v", destroyed)
	}
}

func TestTimeoutQueue_CompactsAfterCleanSizeAndMajority(t *testing.T) {
	q := newTimeoutQueue()
	for i := uint64(0); i < timeoutsCleanSize+10; i++ {
		q.record(newTestHandler(i), int64(i))
	}
	// Sweep everything away; the cursor passes the clean-size + majority thresholds.
	q.sweep(int64(timeoutsCleanSize+1000), 1, func(*Handler) {})

	if q.offset != 0 {
		t.Errorf("expected compaction to reset cursor to 0, got %d", q.offset)
	}
	if len(q.entries) != 0 {
		t.Errorf("expected compaction to drop all tombstoned entries, got %d remaining", len(q.entries))
	}
}

func TestTimeoutQueue_ReRecordKeepsLatestTimestamp(t *testing.T) {
	q := newTimeoutQueue()
	times := []int64{10, 20, 15, 30} // out-of-order calls for different handlers are fine...
	handlers := make([]*Handler, len(times))
	for i, ts := range times {
		handlers[i] = newTestHandler(uint64(i))
		q.record(handlers[i], ts)
	}
	// ...but a single handler's own successive records must never regress.
	h := newTestHandler(99)
	q.record(h, 50)
	q.record(h, 60)
	idx := q.index[h.id]
	if q.entries[idx].lastActivity < 60 {
		t.Fatalf("expected handler's latest entry to carry its most recent timestamp")
	}
}
