// Package worker implements the request-serving side of the pool. Each
// worker takes connections from the shared listener, serves HTTP/1.x
// requests on them through the dispatch chain, and reports its lifecycle to
// the supervisor as typed events. Workers never touch pool state directly;
// the supervisor owns the worker table and reacts to events.
package worker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies a worker lifecycle notification.
type EventType int

const (
	// EventReady is sent once, when the worker enters its serve loop.
	EventReady EventType = iota

	// EventBusy is sent when the worker takes a connection.
	EventBusy

	// EventRequestDone is sent after each completed request. Counts as a
	// heartbeat.
	EventRequestDone

	// EventIdle is sent when the worker releases a connection and goes
	// back to waiting. Counts as a heartbeat.
	EventIdle

	// EventHeartbeat is a periodic liveness report with no state change:
	// an idle worker ticks one out while waiting for a connection, a busy
	// worker while parked on a quiet kept-alive connection.
	EventHeartbeat

	// EventTimeout is sent when a request exceeds the per-request
	// timeout. The worker closes its connection and exits right after;
	// it never serves another request.
	EventTimeout

	// EventExited is the final event a worker sends.
	EventExited
)

func (t EventType) String() string {
	switch t {
	case EventReady:
		return "ready"
	case EventBusy:
		return "busy"
	case EventRequestDone:
		return "request_done"
	case EventIdle:
		return "idle"
	case EventHeartbeat:
		return "heartbeat"
	case EventTimeout:
		return "timeout"
	case EventExited:
		return "exited"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ExitReason classifies the final EventExited.
type ExitReason string

const (
	// ExitDrained means the supervisor retired the worker: shutdown, a
	// reload replacement, or the listener closing under it.
	ExitDrained ExitReason = "drained"

	// ExitRecycled means the worker reached its request quota.
	ExitRecycled ExitReason = "recycled"

	// ExitTimeout means a request exceeded the per-request timeout.
	ExitTimeout ExitReason = "timeout"

	// ExitCrashed means a panic escaped the dispatch chain.
	ExitCrashed ExitReason = "crashed"
)

// Event is one lifecycle notification from a worker to the supervisor.
// WorkerID, Slot, Generation and Requests are stamped on every event.
type Event struct {
	Type       EventType
	WorkerID   string
	Slot       int
	Generation int

	// Requests is the worker's completed request count at emission.
	Requests int64

	// Reason and Err annotate EventExited.
	Reason ExitReason
	Err    error

	// Method, Path and Elapsed annotate EventTimeout.
	Method  string
	Path    string
	Elapsed time.Duration
}

// Config fixes a worker's identity and policy at spawn time.
type Config struct {
	// ID is the supervisor-assigned worker identifier.
	ID string

	// Slot is the pool position the worker occupies.
	Slot int

	// Generation is the reload generation the worker belongs to.
	Generation int

	// RequestTimeout bounds a single handler invocation.
	RequestTimeout time.Duration

	// KeepAlive bounds how long an idle kept-alive connection is held.
	// Zero closes every connection after one request.
	KeepAlive time.Duration

	// MaxRequests retires the worker after this many requests. The
	// supervisor folds the recycling jitter in before spawning, so this
	// is the effective quota. Zero disables recycling.
	MaxRequests int64

	// Handler is the dispatch chain the worker serves.
	Handler http.Handler
}

// Worker serves connections from the shared listener until it is retired.
// One goroutine runs Run; the supervisor may additionally call Abort and
// ForceCloseConn from its own goroutine.
type Worker struct {
	cfg    Config
	conns  <-chan net.Conn
	events chan<- Event

	requests atomic.Int64

	connMu sync.Mutex
	active net.Conn

	aborted atomic.Bool
	abortCh chan struct{}
}

// New creates a worker that takes connections from conns and reports on
// events. The supervisor owns both channels and keeps consuming events
// until the worker's final EventExited.
func New(cfg Config, conns <-chan net.Conn, events chan<- Event) *Worker {
	return &Worker{
		cfg:     cfg,
		conns:   conns,
		events:  events,
		abortCh: make(chan struct{}),
	}
}

// ID returns the worker identifier.
func (w *Worker) ID() string { return w.cfg.ID }

// Slot returns the pool position.
func (w *Worker) Slot() int { return w.cfg.Slot }

// Generation returns the reload generation.
func (w *Worker) Generation() int { return w.cfg.Generation }

// Requests returns the completed request count.
func (w *Worker) Requests() int64 { return w.requests.Load() }

// Run is the worker main loop: wait for a connection, serve it, report,
// repeat. Cancelling ctx retires the worker after its in-flight request.
// Run always finishes by sending EventExited.
func (w *Worker) Run(ctx context.Context) {
	var (
		reason ExitReason
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				reason, err = ExitCrashed, fmt.Errorf("worker panic: %v", r)
			}
		}()
		reason, err = w.run(ctx)
	}()
	w.send(Event{Type: EventExited, Reason: reason, Err: err})
}

func (w *Worker) run(ctx context.Context) (ExitReason, error) {
	interval := heartbeatInterval(w.cfg.RequestTimeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.send(Event{Type: EventReady})

	for {
		select {
		case <-ctx.Done():
			return ExitDrained, nil
		case <-w.abortCh:
			return ExitDrained, nil
		case conn, ok := <-w.conns:
			if !ok {
				// Listener closed, drain in progress.
				return ExitDrained, nil
			}
			w.send(Event{Type: EventBusy})
			disp, err := w.serveConn(ctx, conn)
			switch disp {
			case connTimedOut:
				return ExitTimeout, nil
			case connCrashed:
				return ExitCrashed, err
			case connAborted:
				return ExitDrained, nil
			}
			if w.quotaReached() {
				return ExitRecycled, nil
			}
			w.send(Event{Type: EventIdle})
			ticker.Reset(interval)
		case <-ticker.C:
			w.send(Event{Type: EventHeartbeat})
		}
	}
}

// Abort makes the worker stop without waiting for its in-flight request.
// The supervisor pairs it with ForceCloseConn during immediate shutdown
// and when the grace period expires. Safe to call more than once.
func (w *Worker) Abort() {
	if w.aborted.Swap(true) {
		return
	}
	close(w.abortCh)
}

// ForceCloseConn closes the connection the worker is currently serving, if
// any. Handler reads and writes on it fail afterwards.
func (w *Worker) ForceCloseConn() {
	w.connMu.Lock()
	c := w.active
	w.connMu.Unlock()
	if c != nil {
		c.Close()
	}
}

func (w *Worker) setActive(c net.Conn) {
	w.connMu.Lock()
	w.active = c
	w.connMu.Unlock()
}

// retiring reports whether the worker should stop taking new work.
func (w *Worker) retiring(ctx context.Context) bool {
	return ctx.Err() != nil || w.aborted.Load()
}

func (w *Worker) quotaReached() bool {
	return w.cfg.MaxRequests > 0 && w.requests.Load() >= w.cfg.MaxRequests
}

// send stamps the worker's identity onto ev and delivers it. Delivery
// blocks until the supervisor takes it.
func (w *Worker) send(ev Event) {
	ev.WorkerID = w.cfg.ID
	ev.Slot = w.cfg.Slot
	ev.Generation = w.cfg.Generation
	ev.Requests = w.requests.Load()
	w.events <- ev
}

// heartbeatInterval derives the liveness report period. Half the request
// timeout keeps a healthy worker well inside the monitor's overdue
// boundary of timeout plus grace.
func heartbeatInterval(timeout time.Duration) time.Duration {
	iv := timeout / 2
	if iv < 10*time.Millisecond {
		iv = 10 * time.Millisecond
	}
	return iv
}
