package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bc-dunia/preforkd/internal/types"
)

// DefaultRingSize is the default event ring capacity.
const DefaultRingSize = 512

// Ring is a bounded in-memory log of lifecycle events. Once full, the oldest
// event is overwritten; the admin API serves the most recent window.
type Ring struct {
	mu    sync.RWMutex
	buf   []types.Event
	next  int
	full  bool
	total int64
}

// NewRing creates a ring with the given capacity. Non-positive sizes fall
// back to DefaultRingSize.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{buf: make([]types.Event, size)}
}

// Append records an event, stamping ID and time when absent.
func (r *Ring) Append(evt types.Event) {
	if evt.ID == "" {
		evt.ID = generateEventID()
	}
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = evt
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	r.total++
}

// Recent returns up to limit events, oldest first. limit <= 0 returns the
// whole retained window.
func (r *Ring) Recent(limit int) []types.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ordered []types.Event
	if r.full {
		ordered = make([]types.Event, 0, len(r.buf))
		ordered = append(ordered, r.buf[r.next:]...)
		ordered = append(ordered, r.buf[:r.next]...)
	} else {
		ordered = make([]types.Event, r.next)
		copy(ordered, r.buf[:r.next])
	}

	if limit > 0 && limit < len(ordered) {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

// Len returns the number of events currently retained.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Total returns the number of events ever appended, including overwritten
// ones.
func (r *Ring) Total() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// generateEventID generates a unique event ID.
// Format: evt_{timestamp}_{counter}
func generateEventID() string {
	ts := time.Now().UnixMilli()
	counter := eventIDCounter.Add(1)
	return fmt.Sprintf("evt_%x%x", ts, counter)
}

var eventIDCounter atomic.Int64
