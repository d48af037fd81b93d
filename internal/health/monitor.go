// Package health tracks worker liveness and samples the daemon's own
// process resources.
package health

import (
	"log"
	"sync"
	"time"
)

const (
	// DefaultHeartbeatGrace is added to the request timeout before a
	// heartbeat is considered overdue.
	DefaultHeartbeatGrace = 2 * time.Second
	// DefaultMonitorInterval is the default interval for heartbeat polls.
	DefaultMonitorInterval = 15 * time.Second
)

// Overdue describes a worker whose heartbeat has gone stale.
type Overdue struct {
	WorkerID string
	Age      time.Duration
}

// OverdueCallback is called for each worker detected as overdue.
type OverdueCallback func(workerID string, age time.Duration)

// Monitor tracks worker heartbeats and periodically reports workers whose
// last heartbeat is older than timeout + grace. It never mutates pool state
// itself; overdue workers are reported through the callback and the
// supervisor decides what happens to them.
type Monitor struct {
	timeout  time.Duration
	grace    time.Duration
	interval time.Duration

	mu        sync.Mutex
	last      map[string]time.Time
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
	onOverdue OverdueCallback

	nowFunc func() time.Time
}

// NewMonitor creates a new Monitor.
// If grace or interval are zero, defaults are used.
func NewMonitor(timeout, grace, interval time.Duration) *Monitor {
	if grace <= 0 {
		grace = DefaultHeartbeatGrace
	}
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}

	return &Monitor{
		timeout:   timeout,
		grace:     grace,
		interval:  interval,
		last:      make(map[string]time.Time),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
		nowFunc:   time.Now,
	}
}

// Record stamps a heartbeat for the given worker.
func (m *Monitor) Record(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[workerID] = m.nowFunc()
}

// Forget drops a worker from heartbeat tracking. The supervisor calls this
// when it retires a worker so the worker cannot be reported again.
func (m *Monitor) Forget(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.last, workerID)
}

// Tracked returns the number of workers currently being tracked.
func (m *Monitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.last)
}

// Poll returns the workers whose last heartbeat is strictly older than
// timeout + grace. A heartbeat exactly at the boundary is not overdue.
func (m *Monitor) Poll() []Overdue {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	limit := m.timeout + m.grace

	var overdue []Overdue
	for id, last := range m.last {
		age := now.Sub(last)
		if age > limit {
			overdue = append(overdue, Overdue{WorkerID: id, Age: age})
		}
	}

	return overdue
}

// Start begins the monitoring loop in a background goroutine.
// It is safe to call Start multiple times; subsequent calls are no-ops.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.stoppedCh = make(chan struct{})
	m.mu.Unlock()

	go m.run()
}

// Stop stops the monitoring loop.
// It blocks until the monitoring goroutine has exited.
// It is safe to call Stop multiple times; subsequent calls are no-ops.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	stoppedCh := m.stoppedCh
	m.mu.Unlock()

	// Wait for the goroutine to exit
	<-stoppedCh
}

// run is the main monitoring loop.
func (m *Monitor) run() {
	defer close(m.stoppedCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.checkWorkers()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) checkWorkers() {
	overdue := m.Poll()
	if len(overdue) == 0 {
		return
	}

	m.mu.Lock()
	cb := m.onOverdue
	m.mu.Unlock()

	for _, o := range overdue {
		log.Printf("health monitor: worker %s heartbeat overdue (age %s)", o.WorkerID, o.Age)
		if cb != nil {
			cb(o.WorkerID, o.Age)
		}
	}
}

// IsRunning returns true if the monitor is currently running.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Timeout returns the configured request timeout.
func (m *Monitor) Timeout() time.Duration {
	return m.timeout
}

// Grace returns the configured heartbeat grace.
func (m *Monitor) Grace() time.Duration {
	return m.grace
}

// Interval returns the configured polling interval.
func (m *Monitor) Interval() time.Duration {
	return m.interval
}

// SetOnOverdue sets the callback to be invoked for each overdue worker.
// Must be called before Start().
func (m *Monitor) SetOnOverdue(callback OverdueCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOverdue = callback
}
