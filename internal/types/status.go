// Package types defines the wire format shared by the admin API, the
// preforkctl client, and the e2e suite.
package types

import "time"

// WorkerStatus is one row of the supervisor's worker table as reported by
// GET /status.
type WorkerStatus struct {
	// ID is the supervisor-assigned worker identifier.
	ID string `json:"id"`

	// Slot is the pool position (0..N-1) the worker occupies.
	Slot int `json:"slot"`

	// Generation increments on every rolling reload.
	Generation int `json:"generation"`

	// State is one of starting, idle, busy, timeout, dead.
	State string `json:"state"`

	// RequestsServed counts completed requests for this worker.
	RequestsServed int64 `json:"requests_served"`

	// LastHeartbeat is the last liveness report seen by the supervisor.
	LastHeartbeat time.Time `json:"last_heartbeat"`

	// StartedAt is when the worker was spawned.
	StartedAt time.Time `json:"started_at"`
}

// PoolCounters aggregates pool-lifetime counts across worker generations.
type PoolCounters struct {
	// AcceptedConns is the number of connections accepted on the data socket.
	AcceptedConns int64 `json:"accepted_conns"`

	// RequestsServed counts completed requests across all workers ever.
	RequestsServed int64 `json:"requests_served"`

	// Timeouts counts workers retired for exceeding the request timeout.
	Timeouts int64 `json:"timeouts"`

	// Crashes counts crash-class worker exits.
	Crashes int64 `json:"crashes"`

	// Recycles counts max-requests worker replacements.
	Recycles int64 `json:"recycles"`

	// Respawns counts replacement workers spawned outside of reloads.
	Respawns int64 `json:"respawns"`
}

// ProcessSample is a point-in-time resource reading for the server process.
type ProcessSample struct {
	// PID is the process ID.
	PID int `json:"pid"`

	// CPUPercent is the process CPU usage percentage.
	CPUPercent float64 `json:"cpu_percent"`

	// MemRSS is the resident set size in bytes.
	MemRSS uint64 `json:"mem_rss"`

	// NumFDs is the number of open file descriptors (Unix only).
	NumFDs int `json:"num_fds,omitempty"`

	// OpenConnections is the number of open network connections.
	OpenConnections int `json:"open_connections,omitempty"`

	// NumGoroutine is the runtime goroutine count.
	NumGoroutine int `json:"num_goroutine"`

	// LoadAvg1 is the host 1-minute load average.
	LoadAvg1 float64 `json:"load_avg_1,omitempty"`

	// SampledAt is when the reading was taken.
	SampledAt time.Time `json:"sampled_at"`
}

// StatusResponse is the GET /status payload.
type StatusResponse struct {
	State      string         `json:"state"`
	BindAddr   string         `json:"bind_addr"`
	Generation int            `json:"generation"`
	StartedAt  time.Time      `json:"started_at"`
	UptimeMs   int64          `json:"uptime_ms"`
	Workers    []WorkerStatus `json:"workers"`
	Counters   PoolCounters   `json:"counters"`
	Process    *ProcessSample `json:"process,omitempty"`
}

// Event is one lifecycle event row from GET /events.
type Event struct {
	ID       string    `json:"id"`
	Time     time.Time `json:"time"`
	Type     string    `json:"type"`
	WorkerID string    `json:"worker_id,omitempty"`
	Slot     int       `json:"slot"`
	Detail   string    `json:"detail,omitempty"`
}

// WorkersResponse is the GET /workers payload.
type WorkersResponse struct {
	Generation int            `json:"generation"`
	Workers    []WorkerStatus `json:"workers"`
}

// EventsResponse is the GET /events payload.
type EventsResponse struct {
	// Events is the most recent slice of the ring, oldest first.
	Events []Event `json:"events"`

	// Total counts every event ever appended, including evicted ones.
	Total int64 `json:"total"`
}

// StopRequest is the POST /control/stop body.
type StopRequest struct {
	// Mode is "graceful" (default) or "immediate".
	Mode string `json:"mode,omitempty"`
}

// ControlResponse acknowledges a control-plane action.
type ControlResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
