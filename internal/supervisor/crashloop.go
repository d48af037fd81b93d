package supervisor

import "time"

// crashTracker counts crash-class worker exits per slot inside a sliding
// window. Owned by the event loop; not safe for concurrent use.
type crashTracker struct {
	limit   int
	window  time.Duration
	crashes map[int][]time.Time
	nowFunc func() time.Time
}

func newCrashTracker(limit int, window time.Duration) *crashTracker {
	return &crashTracker{
		limit:   limit,
		window:  window,
		crashes: make(map[int][]time.Time),
		nowFunc: time.Now,
	}
}

// record adds a crash for slot and reports whether the slot is now over
// its limit: strictly more than limit crashes inside the window.
func (t *crashTracker) record(slot int) bool {
	now := t.nowFunc()

	kept := t.crashes[slot][:0]
	for _, ts := range t.crashes[slot] {
		if now.Sub(ts) <= t.window {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	t.crashes[slot] = kept

	return len(kept) > t.limit
}

// count returns the crashes still inside the window for slot.
func (t *crashTracker) count(slot int) int {
	now := t.nowFunc()
	n := 0
	for _, ts := range t.crashes[slot] {
		if now.Sub(ts) <= t.window {
			n++
		}
	}
	return n
}

// forget clears a slot's crash history.
func (t *crashTracker) forget(slot int) {
	delete(t.crashes, slot)
}
