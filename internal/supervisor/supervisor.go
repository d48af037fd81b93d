// Package supervisor owns the worker pool: it binds the data socket, spawns
// and replaces workers, applies the timeout, recycling and crash-loop
// policies, and drives the lifecycle state machine. All pool state lives in
// a single event loop goroutine; workers and timers reach it through
// channels, the public API through control messages with reply channels.
package supervisor

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/bc-dunia/preforkd/internal/config"
	"github.com/bc-dunia/preforkd/internal/events"
	"github.com/bc-dunia/preforkd/internal/health"
	"github.com/bc-dunia/preforkd/internal/listener"
	"github.com/bc-dunia/preforkd/internal/metrics"
	"github.com/bc-dunia/preforkd/internal/otel"
	"github.com/bc-dunia/preforkd/internal/types"
	"github.com/bc-dunia/preforkd/internal/worker"
)

var (
	// ErrAlreadyStarted is returned by Start when the supervisor was
	// already started once. A Supervisor is single-use.
	ErrAlreadyStarted = errors.New("supervisor already started")

	// ErrNotRunning is returned by control operations when the supervisor
	// is not in a state that can serve them.
	ErrNotRunning = errors.New("supervisor is not running")

	// ErrReloadInProgress is returned by Reload while another rolling
	// reload is still underway.
	ErrReloadInProgress = errors.New("reload already in progress")

	// ErrReloadAborted is returned by Reload when the reload was abandoned
	// mid-way. Slots not yet replaced keep their old-generation workers.
	ErrReloadAborted = errors.New("reload aborted")

	// ErrCrashLoop is the fatal error carried by Wait after a slot exceeds
	// the crash-loop limit.
	ErrCrashLoop = errors.New("worker crash loop")
)

// ShutdownMode selects how Shutdown treats in-flight requests.
type ShutdownMode string

const (
	// ShutdownGraceful lets in-flight requests finish within the grace
	// period before force-closing stragglers.
	ShutdownGraceful ShutdownMode = "graceful"

	// ShutdownImmediate force-closes worker connections right away.
	ShutdownImmediate ShutdownMode = "immediate"
)

const (
	// eventChanSize absorbs worker event bursts so workers rarely block
	// reporting to the loop.
	eventChanSize = 512

	// controlChanSize lets timer callbacks post without a rendezvous.
	controlChanSize = 64
)

// controlMsg is a request posted to the event loop.
type controlMsg interface {
	isControlMsg()
}

type snapshotMsg struct {
	reply chan types.StatusResponse
}

type reloadMsg struct {
	reply chan error
}

type shutdownMsg struct {
	mode  ShutdownMode
	reply chan error
}

// overdueMsg is posted by the health monitor callback when a worker's
// heartbeat has gone silent.
type overdueMsg struct {
	workerID string
	age      time.Duration
}

// spawnTimeoutMsg fires when a worker has not reported ready in time.
type spawnTimeoutMsg struct {
	workerID string
}

// graceExpiredMsg fires when the graceful-shutdown grace period runs out.
type graceExpiredMsg struct{}

// acceptFailedMsg reports the accept loop giving up on the data socket.
type acceptFailedMsg struct {
	err error
}

func (snapshotMsg) isControlMsg()     {}
func (reloadMsg) isControlMsg()       {}
func (shutdownMsg) isControlMsg()     {}
func (overdueMsg) isControlMsg()      {}
func (spawnTimeoutMsg) isControlMsg() {}
func (graceExpiredMsg) isControlMsg() {}
func (acceptFailedMsg) isControlMsg() {}

// Supervisor runs the pool. Construct with New, wire optional collaborators
// with the SetX methods, then Start exactly once.
type Supervisor struct {
	cfg *config.Config
	app http.Handler

	ln        *listener.Listener
	monitor   *health.Monitor
	sampler   *health.Sampler
	collector *metrics.Collector
	tracer    *otel.Tracer
	ring      *events.Ring

	// conns carries accepted connections to whichever worker is ready.
	// Unbuffered: a connection is handed over only when a worker can
	// serve it immediately.
	conns chan net.Conn

	// workerEvents is the single inbox for all worker lifecycle events.
	workerEvents chan worker.Event

	// control carries API calls and timer callbacks into the event loop.
	control chan controlMsg

	drainCh chan struct{}
	readyCh chan struct{}
	doneCh  chan struct{}

	wg sync.WaitGroup

	started       atomic.Bool
	workerCounter atomic.Int64
	stateMirror   atomic.Value
	finalStatus   atomic.Pointer[types.StatusResponse]

	errMu   sync.Mutex
	exitErr error

	nowFunc func() time.Time

	// Fields below are owned by the event loop and never touched from
	// outside it.
	state          State
	generation     int
	arena          map[string]*WorkerRecord
	counters       types.PoolCounters
	crashes        *crashTracker
	reload         *reloadJob
	drainSpan      trace.Span
	startedAt      time.Time
	drainStartedAt time.Time
}

// New creates a Supervisor that serves app on the data socket from cfg.
func New(cfg *config.Config, app http.Handler) *Supervisor {
	s := &Supervisor{
		cfg:          cfg,
		app:          app,
		conns:        make(chan net.Conn),
		workerEvents: make(chan worker.Event, eventChanSize),
		control:      make(chan controlMsg, controlChanSize),
		drainCh:      make(chan struct{}),
		readyCh:      make(chan struct{}),
		doneCh:       make(chan struct{}),
		nowFunc:      time.Now,
	}
	s.stateMirror.Store(StateStarting)
	return s
}

// SetMonitor wires the heartbeat monitor: worker events refresh it and
// workers it reports overdue are retired. The monitor's poll loop is owned
// by the caller. Must be called before Start.
func (s *Supervisor) SetMonitor(m *health.Monitor) {
	s.monitor = m
	m.SetOnOverdue(s.ReportOverdue)
}

// SetSampler wires the process sampler backing the status process section.
// Must be called before Start.
func (s *Supervisor) SetSampler(p *health.Sampler) {
	s.sampler = p
}

// SetCollector wires the Prometheus collector. Must be called before Start.
func (s *Supervisor) SetCollector(c *metrics.Collector) {
	s.collector = c
}

// SetTracer wires lifecycle and dispatch tracing. Must be called before
// Start.
func (s *Supervisor) SetTracer(t *otel.Tracer) {
	s.tracer = t
}

// SetRing wires the lifecycle event ring served by the admin API. Must be
// called before Start.
func (s *Supervisor) SetRing(r *events.Ring) {
	s.ring = r
}

// Start binds the data socket and launches the pool. It returns once the
// socket is bound; WaitReady blocks until every worker is serving.
func (s *Supervisor) Start() error {
	if s.started.Swap(true) {
		return ErrAlreadyStarted
	}

	ln, err := listener.Bind(s.cfg.BindAddr)
	if err != nil {
		s.setExitErr(err)
		s.stateMirror.Store(StateStopped)
		close(s.doneCh)
		return err
	}
	s.ln = ln
	log.Printf("[Supervisor] bound %s socket %s, starting %d workers", ln.Network(), ln.Addr(), s.cfg.Workers)

	s.wg.Add(1)
	go s.acceptLoop()
	go s.eventLoop()
	return nil
}

// Addr returns the bound data socket address, or nil before Start.
func (s *Supervisor) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// State returns the supervisor lifecycle state.
func (s *Supervisor) State() State {
	return s.stateMirror.Load().(State)
}

// WaitReady blocks until every slot has reported ready once. It fails if
// the supervisor stops before reaching that point.
func (s *Supervisor) WaitReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-s.doneCh:
		if err := s.exitError(); err != nil {
			return err
		}
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the supervisor reaches Stopped and returns the fatal
// error, if any. A clean shutdown returns nil.
func (s *Supervisor) Wait(ctx context.Context) error {
	select {
	case <-s.doneCh:
		s.wg.Wait()
		return s.exitError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown drains the pool and blocks until the supervisor has stopped.
// Graceful mode lets in-flight requests finish within the grace period;
// immediate mode force-closes them. Calling Shutdown on a stopped pool is
// a no-op; an immediate request escalates a graceful drain already in
// progress.
func (s *Supervisor) Shutdown(ctx context.Context, mode ShutdownMode) error {
	if !s.started.Load() {
		return ErrNotRunning
	}
	select {
	case <-s.doneCh:
		return nil
	default:
	}

	msg := shutdownMsg{mode: mode, reply: make(chan error, 1)}
	select {
	case s.control <- msg:
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-msg.reply:
		if err != nil {
			return err
		}
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-s.doneCh:
		s.wg.Wait()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reload performs a rolling worker replacement: for each slot, spawn a
// new-generation worker, wait for it to report ready, then retire the old
// occupant. Serving capacity never drops below the pool size minus one.
// Reload returns once every slot runs the new generation, or with the
// abort error when a replacement fails to come up.
func (s *Supervisor) Reload(ctx context.Context) error {
	if !s.started.Load() {
		return ErrNotRunning
	}
	select {
	case <-s.doneCh:
		return ErrNotRunning
	default:
	}

	msg := reloadMsg{reply: make(chan error, 1)}
	select {
	case s.control <- msg:
	case <-s.doneCh:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-msg.reply:
		return err
	case <-s.doneCh:
		// A shutdown that raced the reload still delivers the abort.
		select {
		case err := <-msg.reply:
			return err
		default:
			return ErrNotRunning
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a point-in-time view of the pool. Safe to call in any
// state; after Stopped it returns the final status.
func (s *Supervisor) Snapshot() types.StatusResponse {
	if !s.started.Load() {
		return types.StatusResponse{State: string(StateStarting), BindAddr: s.cfg.BindAddr}
	}
	if final := s.finalStatus.Load(); final != nil {
		return *final
	}

	msg := snapshotMsg{reply: make(chan types.StatusResponse, 1)}
	select {
	case s.control <- msg:
	case <-s.doneCh:
		return s.finalOrStopped()
	}

	select {
	case resp := <-msg.reply:
		return resp
	case <-s.doneCh:
		return s.finalOrStopped()
	}
}

// PoolStatus implements the metrics pool provider.
func (s *Supervisor) PoolStatus() types.StatusResponse {
	return s.Snapshot()
}

// ReportOverdue asks the event loop to retire a worker whose heartbeat has
// gone silent. Wired as the health monitor's overdue callback.
func (s *Supervisor) ReportOverdue(workerID string, age time.Duration) {
	select {
	case s.control <- overdueMsg{workerID: workerID, age: age}:
	case <-s.doneCh:
	}
}

// postControl delivers timer callbacks, dropping them once stopped.
func (s *Supervisor) postControl(msg controlMsg) {
	select {
	case s.control <- msg:
	case <-s.doneCh:
	}
}

// finalOrStopped covers the window where a snapshot raced the stop.
func (s *Supervisor) finalOrStopped() types.StatusResponse {
	if final := s.finalStatus.Load(); final != nil {
		return *final
	}
	return types.StatusResponse{State: string(StateStopped), BindAddr: s.cfg.BindAddr}
}

func (s *Supervisor) setExitErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.exitErr == nil {
		s.exitErr = err
	}
}

func (s *Supervisor) exitError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.exitErr
}
