package supervisor

import (
	"context"
	"time"

	"github.com/bc-dunia/preforkd/internal/types"
	"github.com/bc-dunia/preforkd/internal/worker"

	"go.opentelemetry.io/otel/trace"
)

// WorkerState is one worker's position in its lifecycle as tracked by the
// supervisor's worker table.
type WorkerState string

const (
	// WorkerStarting: spawned, not yet ready.
	WorkerStarting WorkerState = "starting"

	// WorkerIdle: waiting for a connection.
	WorkerIdle WorkerState = "idle"

	// WorkerBusy: serving a connection.
	WorkerBusy WorkerState = "busy"

	// WorkerTimeout: flagged for retirement after a request overran.
	WorkerTimeout WorkerState = "timeout"

	// WorkerDead: exited. The record is removed right after.
	WorkerDead WorkerState = "dead"
)

var workerTransitions = map[WorkerState]map[WorkerState]struct{}{
	WorkerStarting: {
		WorkerIdle: {},
		WorkerDead: {},
	},
	WorkerIdle: {
		WorkerBusy: {},
		WorkerDead: {},
	},
	WorkerBusy: {
		WorkerIdle:    {},
		WorkerTimeout: {},
		WorkerDead:    {},
	},
	WorkerTimeout: {
		WorkerDead: {},
	},
	WorkerDead: {},
}

// CanWorkerTransition reports whether a worker state change is valid.
func CanWorkerTransition(from, to WorkerState) bool {
	allowed, ok := workerTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// WorkerRecord is one row of the supervisor's worker table. Records live
// in the arena owned by the event loop: no other goroutine reads or
// writes them, every mutation arrives as an event or control message.
type WorkerRecord struct {
	ID         string
	Slot       int
	Generation int
	State      WorkerState

	RequestsServed int64
	LastHeartbeat  time.Time
	StartedAt      time.Time

	handle *workerHandle

	// retiring marks an exit the supervisor asked for; the slot is not
	// respawned when it lands.
	retiring bool

	// respawnOnExit, when set, labels a supervisor-forced retirement
	// ("overdue", "startup_timeout") whose slot must be respawned.
	respawnOnExit string

	// startupTimer fires if the worker never reports ready.
	startupTimer *time.Timer

	// span is the open spawn-phase trace span, ended at ready or death.
	span trace.Span
}

// workerHandle bundles the live worker with its retirement controls.
type workerHandle struct {
	worker *worker.Worker
	cancel context.CancelFunc
}

// setState moves the record through the worker lifecycle. Invalid
// transitions (a late event after death) are ignored.
func (r *WorkerRecord) setState(to WorkerState) bool {
	if !CanWorkerTransition(r.State, to) {
		return false
	}
	r.State = to
	return true
}

// live reports whether the worker still counts toward pool capacity.
func (r *WorkerRecord) live() bool {
	return r.State != WorkerDead
}

func (r *WorkerRecord) status() types.WorkerStatus {
	return types.WorkerStatus{
		ID:             r.ID,
		Slot:           r.Slot,
		Generation:     r.Generation,
		State:          string(r.State),
		RequestsServed: r.RequestsServed,
		LastHeartbeat:  r.LastHeartbeat,
		StartedAt:      r.StartedAt,
	}
}
