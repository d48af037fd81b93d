package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"time"

	"github.com/bc-dunia/preforkd/internal/events"
	"github.com/bc-dunia/preforkd/internal/listener"
	"github.com/bc-dunia/preforkd/internal/otel"
	"github.com/bc-dunia/preforkd/internal/types"
	"github.com/bc-dunia/preforkd/internal/worker"
)

// acceptLoop owns the data socket. Each accepted connection is handed to
// whichever worker is ready over the unbuffered conns channel, so at most
// one connection is in flight toward the pool at any instant.
func (s *Supervisor) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, listener.ErrListenerClosed) {
				return
			}
			s.postControl(acceptFailedMsg{err: err})
			return
		}
		select {
		case s.conns <- conn:
		case <-s.drainCh:
			conn.Close()
			return
		}
	}
}

// eventLoop owns all pool state. Every mutation happens here, serialized
// over the worker event and control channels.
func (s *Supervisor) eventLoop() {
	s.state = StateStarting
	s.generation = 1
	s.arena = make(map[string]*WorkerRecord)
	s.crashes = newCrashTracker(s.cfg.CrashLoopLimit, s.cfg.CrashLoopWindow)
	s.startedAt = s.nowFunc()

	for slot := 0; slot < s.cfg.Workers; slot++ {
		s.spawnWorker(slot, s.generation, "startup")
	}

	for s.state != StateStopped {
		select {
		case ev := <-s.workerEvents:
			s.handleWorkerEvent(ev)
		case msg := <-s.control:
			s.handleControl(msg)
		}
	}
}

func (s *Supervisor) handleWorkerEvent(ev worker.Event) {
	rec, ok := s.arena[ev.WorkerID]
	if !ok {
		// Late event from a worker already removed.
		return
	}

	rec.LastHeartbeat = s.nowFunc()
	rec.RequestsServed = ev.Requests
	if s.monitor != nil && ev.Type != worker.EventExited {
		s.monitor.Record(ev.WorkerID)
	}

	switch ev.Type {
	case worker.EventReady:
		s.handleReady(rec)
	case worker.EventBusy:
		if rec.setState(WorkerBusy) {
			if m := otel.GetGlobalMetrics(); m != nil {
				m.IncrementConnections(context.Background())
			}
		}
	case worker.EventIdle:
		if rec.setState(WorkerIdle) {
			if m := otel.GetGlobalMetrics(); m != nil {
				m.DecrementConnections(context.Background())
			}
		}
	case worker.EventHeartbeat:
		// Liveness only, recorded above.
	case worker.EventRequestDone:
		s.counters.RequestsServed++
	case worker.EventTimeout:
		s.handleTimeout(rec, ev)
	case worker.EventExited:
		s.handleExited(rec, ev)
	}
}

func (s *Supervisor) handleControl(msg controlMsg) {
	switch m := msg.(type) {
	case snapshotMsg:
		m.reply <- s.buildStatus()
	case reloadMsg:
		s.startReload(m)
	case shutdownMsg:
		s.startShutdown(m)
	case overdueMsg:
		s.handleOverdue(m)
	case spawnTimeoutMsg:
		s.handleSpawnTimeout(m)
	case graceExpiredMsg:
		s.handleGraceExpired()
	case acceptFailedMsg:
		s.handleAcceptFailed(m)
	}
}

// handleReady marks a worker serving. The pool leaves Starting once every
// slot has reported ready; a pending reload replacement advances the
// reload instead.
func (s *Supervisor) handleReady(rec *WorkerRecord) {
	if !rec.setState(WorkerIdle) {
		return
	}
	if rec.startupTimer != nil {
		rec.startupTimer.Stop()
		rec.startupTimer = nil
	}
	if rec.span != nil {
		rec.span.End()
		rec.span = nil
	}

	startupMs := s.nowFunc().Sub(rec.StartedAt).Milliseconds()
	events.GetGlobalEventLogger().LogWorkerReady(rec.ID, rec.Slot, startupMs)
	s.appendRing("worker_ready", rec.ID, rec.Slot, "")
	s.syncActiveWorkers()

	if s.reload != nil && s.reload.pendingID == rec.ID {
		s.reloadReplacementReady(rec)
		return
	}

	if s.state == StateStarting && s.readyWorkers() >= s.cfg.Workers {
		s.setState(StateRunning)
		close(s.readyCh)
		log.Printf("[Supervisor] pool ready: %d workers serving %s", s.cfg.Workers, s.ln.Addr())
	}
}

func (s *Supervisor) handleTimeout(rec *WorkerRecord, ev worker.Event) {
	rec.setState(WorkerTimeout)
	s.counters.Timeouts++
	if s.collector != nil {
		s.collector.RecordTimeout()
	}
	if m := otel.GetGlobalMetrics(); m != nil {
		m.RecordTimeout(context.Background())
		m.RecordError(context.Background(), "timeout")
	}
	events.GetGlobalEventLogger().LogWorkerTimeout(rec.ID, rec.Slot, ev.Elapsed.Milliseconds(), ev.Method, ev.Path)
	s.appendRing("worker_timeout", rec.ID, rec.Slot, fmt.Sprintf("%s %s after %s", ev.Method, ev.Path, ev.Elapsed.Round(time.Millisecond)))
	log.Printf("[Supervisor] worker %s timed out on %s %s after %s, retiring", rec.ID, ev.Method, ev.Path, ev.Elapsed.Round(time.Millisecond))
}

// handleExited removes the record and decides whether the slot respawns.
// The exit reason plus the record's flags carry the whole policy: retiring
// exits the supervisor asked for do not respawn, everything else does as
// long as the pool is not draining.
func (s *Supervisor) handleExited(rec *WorkerRecord, ev worker.Event) {
	rec.setState(WorkerDead)
	if rec.startupTimer != nil {
		rec.startupTimer.Stop()
		rec.startupTimer = nil
	}
	if rec.span != nil {
		if ev.Err != nil {
			otel.RecordError(rec.span, ev.Err, "worker_crashed", false)
		}
		rec.span.End()
		rec.span = nil
	}
	if s.monitor != nil {
		s.monitor.Forget(rec.ID)
	}

	delete(s.arena, rec.ID)
	s.syncActiveWorkers()

	reason := string(ev.Reason)
	if s.collector != nil {
		s.collector.RecordWorkerExit(reason)
	}
	events.GetGlobalEventLogger().LogWorkerExited(rec.ID, rec.Slot, reason, ev.Requests)
	s.appendRing("worker_exited", rec.ID, rec.Slot, reason)

	// A replacement dying before it reports ready aborts the reload.
	if s.reload != nil && s.reload.pendingID == rec.ID {
		s.abortReload(fmt.Sprintf("replacement worker %s exited during startup: %s", rec.ID, reason))
		return
	}

	switch ev.Reason {
	case worker.ExitCrashed:
		s.counters.Crashes++
		if m := otel.GetGlobalMetrics(); m != nil {
			m.RecordError(context.Background(), "worker_crash")
		}
		detail := reason
		if ev.Err != nil {
			detail = ev.Err.Error()
		}
		events.GetGlobalEventLogger().LogWorkerCrashed(rec.ID, rec.Slot, detail)
		s.appendRing("worker_crashed", rec.ID, rec.Slot, detail)
		log.Printf("[Supervisor] worker %s crashed: %s", rec.ID, detail)
		if s.state != StateDraining {
			if s.crashes.record(rec.Slot) {
				s.failCrashLoop(rec.Slot)
				return
			}
			s.respawnSlot(rec, "crash")
		}
	case worker.ExitTimeout:
		if s.state != StateDraining {
			s.respawnSlot(rec, "timeout")
		}
	case worker.ExitRecycled:
		s.counters.Recycles++
		log.Printf("[Supervisor] worker %s recycled after %d requests", rec.ID, ev.Requests)
		if s.state != StateDraining {
			s.respawnSlot(rec, "max_requests")
		}
	case worker.ExitDrained:
		if s.state == StateDraining || rec.retiring {
			break
		}
		if rec.respawnOnExit != "" {
			s.respawnSlot(rec, rec.respawnOnExit)
			break
		}
		// An exit the supervisor did not ask for still vacates the slot.
		log.Printf("[Supervisor] worker %s exited unexpectedly, respawning slot %d", rec.ID, rec.Slot)
		s.respawnSlot(rec, "exit")
	}

	s.checkStopped()
}

// handleOverdue retires a worker the health monitor flagged as silent.
// The slot respawns when the exit lands.
func (s *Supervisor) handleOverdue(m overdueMsg) {
	rec, ok := s.arena[m.workerID]
	if !ok || !rec.live() || rec.retiring || rec.respawnOnExit != "" {
		return
	}
	if s.state == StateDraining {
		// The grace timer already covers drain stragglers.
		return
	}

	events.GetGlobalEventLogger().LogWorkerOverdue(rec.ID, m.age.Milliseconds())
	s.appendRing("worker_overdue", rec.ID, rec.Slot, fmt.Sprintf("no heartbeat for %s", m.age.Round(time.Millisecond)))
	log.Printf("[Supervisor] worker %s overdue (no heartbeat for %s), retiring", rec.ID, m.age.Round(time.Millisecond))

	rec.respawnOnExit = "overdue"
	rec.handle.cancel()
	rec.handle.worker.Abort()
	rec.handle.worker.ForceCloseConn()
}

// handleSpawnTimeout retires a worker that never reported ready. During a
// reload this aborts the reload; otherwise it counts toward the slot's
// crash budget, since a slot that cannot start is as bad as one that
// cannot stay up.
func (s *Supervisor) handleSpawnTimeout(m spawnTimeoutMsg) {
	rec, ok := s.arena[m.workerID]
	if !ok || rec.State != WorkerStarting {
		return
	}

	log.Printf("[Supervisor] worker %s not ready within %s, retiring", rec.ID, s.cfg.StartupTimeout)
	s.appendRing("worker_startup_timeout", rec.ID, rec.Slot, s.cfg.StartupTimeout.String())

	if s.reload != nil && s.reload.pendingID == rec.ID {
		rec.retiring = true
		rec.handle.cancel()
		rec.handle.worker.Abort()
		s.abortReload(fmt.Sprintf("replacement worker %s not ready within %s", rec.ID, s.cfg.StartupTimeout))
		return
	}

	if s.crashes.record(rec.Slot) {
		s.failCrashLoop(rec.Slot)
		return
	}
	rec.respawnOnExit = "startup_timeout"
	rec.handle.cancel()
	rec.handle.worker.Abort()
	rec.handle.worker.ForceCloseConn()
}

func (s *Supervisor) startShutdown(m shutdownMsg) {
	switch s.state {
	case StateStopped:
		m.reply <- nil
	case StateDraining:
		if m.mode == ShutdownImmediate {
			log.Printf("[Supervisor] escalating drain to immediate")
			s.abortAllWorkers()
		}
		m.reply <- nil
	default:
		s.beginDrain(m.mode)
		m.reply <- nil
	}
}

// beginDrain moves the pool to Draining: the reload (if any) is aborted,
// the listener closes, and every worker is asked to retire. Graceful mode
// arms the grace timer; immediate mode force-closes connections now.
func (s *Supervisor) beginDrain(mode ShutdownMode) {
	if s.reload != nil {
		s.abortReload("shutdown requested")
	}
	if !s.setState(StateDraining) {
		return
	}
	s.drainStartedAt = s.nowFunc()

	active := 0
	for _, rec := range s.arena {
		if rec.live() {
			active++
		}
	}
	events.GetGlobalEventLogger().LogDrainStarted(string(mode), active)
	s.appendRing("drain_started", "", 0, string(mode))
	log.Printf("[Supervisor] draining (%s), %d workers active", mode, active)

	if s.tracer != nil && s.tracer.Enabled() {
		_, span := s.tracer.StartLifecycleSpan(context.Background(), otel.LifecycleSpanOptions{
			Phase:      "drain",
			Generation: s.generation,
		})
		s.drainSpan = span
	}

	close(s.drainCh)
	s.ln.Close()

	for _, rec := range s.arena {
		rec.retiring = true
		rec.handle.cancel()
	}

	if mode == ShutdownImmediate || s.cfg.GracePeriod == 0 {
		s.abortAllWorkers()
	} else {
		time.AfterFunc(s.cfg.GracePeriod, func() {
			s.postControl(graceExpiredMsg{})
		})
	}

	s.checkStopped()
}

func (s *Supervisor) handleGraceExpired() {
	if s.state != StateDraining {
		return
	}
	remaining := 0
	for _, rec := range s.arena {
		if rec.live() {
			remaining++
		}
	}
	if remaining == 0 {
		return
	}
	log.Printf("[Supervisor] grace period expired, force-closing %d workers", remaining)
	s.abortAllWorkers()
}

// handleAcceptFailed treats a dead data socket as fatal: the single accept
// loop serves every worker, so losing it takes the whole pool down.
func (s *Supervisor) handleAcceptFailed(m acceptFailedMsg) {
	if s.state == StateDraining || s.state == StateStopped {
		return
	}
	log.Printf("[Supervisor] data socket failed: %v", m.err)
	s.setExitErr(m.err)
	s.appendRing("accept_failed", "", 0, m.err.Error())
	s.beginDrain(ShutdownImmediate)
}

func (s *Supervisor) abortAllWorkers() {
	for _, rec := range s.arena {
		if !rec.live() {
			continue
		}
		rec.handle.worker.Abort()
		rec.handle.worker.ForceCloseConn()
	}
}

// failCrashLoop stops the whole server: a slot burning through its crash
// budget means replacements are not helping.
func (s *Supervisor) failCrashLoop(slot int) {
	n := s.crashes.count(slot)
	events.GetGlobalEventLogger().LogCrashLoop(slot, n, s.cfg.CrashLoopWindow.Milliseconds())
	s.appendRing("crash_loop", "", slot, fmt.Sprintf("%d crashes within %s", n, s.cfg.CrashLoopWindow))
	log.Printf("[Supervisor] crash loop on slot %d: %d crashes within %s, stopping", slot, n, s.cfg.CrashLoopWindow)
	s.setExitErr(fmt.Errorf("%w: slot %d crashed %d times within %s", ErrCrashLoop, slot, n, s.cfg.CrashLoopWindow))
	s.beginDrain(ShutdownImmediate)
}

// checkStopped finalizes the drain once the last worker is gone.
func (s *Supervisor) checkStopped() {
	if s.state != StateDraining {
		return
	}
	for _, rec := range s.arena {
		if rec.live() {
			return
		}
	}

	if !s.setState(StateStopped) {
		return
	}
	durationMs := s.nowFunc().Sub(s.drainStartedAt).Milliseconds()
	events.GetGlobalEventLogger().LogShutdownComplete(durationMs)
	s.appendRing("shutdown_complete", "", 0, "")
	log.Printf("[Supervisor] shutdown complete in %dms", durationMs)
	if s.drainSpan != nil {
		s.drainSpan.End()
		s.drainSpan = nil
	}

	status := s.buildStatus()
	s.finalStatus.Store(&status)
	close(s.doneCh)
}

// spawnWorker creates a worker for slot at generation and registers its
// record in the arena.
func (s *Supervisor) spawnWorker(slot, generation int, reason string) *WorkerRecord {
	id := s.generateWorkerID()

	chain := worker.Chain(s.app, worker.ChainConfig{
		WorkerID:   id,
		Slot:       slot,
		Generation: generation,
		Tracer:     s.tracer,
		Collector:  s.collector,
	})
	w := worker.New(worker.Config{
		ID:             id,
		Slot:           slot,
		Generation:     generation,
		RequestTimeout: s.cfg.RequestTimeout,
		KeepAlive:      s.cfg.KeepAlive,
		MaxRequests:    s.effectiveQuota(),
		Handler:        chain,
	}, s.conns, s.workerEvents)

	ctx, cancel := context.WithCancel(context.Background())
	now := s.nowFunc()
	rec := &WorkerRecord{
		ID:            id,
		Slot:          slot,
		Generation:    generation,
		State:         WorkerStarting,
		LastHeartbeat: now,
		StartedAt:     now,
		handle:        &workerHandle{worker: w, cancel: cancel},
	}
	s.arena[id] = rec

	if s.tracer != nil && s.tracer.Enabled() {
		_, span := s.tracer.StartLifecycleSpan(context.Background(), otel.LifecycleSpanOptions{
			Phase:      "spawn",
			Generation: generation,
			WorkerID:   id,
			Slot:       slot,
		})
		rec.span = span
	}

	if s.cfg.StartupTimeout > 0 {
		workerID := id
		rec.startupTimer = time.AfterFunc(s.cfg.StartupTimeout, func() {
			s.postControl(spawnTimeoutMsg{workerID: workerID})
		})
	}

	if s.monitor != nil {
		s.monitor.Record(id)
	}
	if s.collector != nil {
		s.collector.RecordWorkerSpawn(reason)
	}
	events.GetGlobalEventLogger().LogWorkerSpawned(id, slot, generation, reason)
	s.appendRing("worker_spawned", id, slot, reason)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w.Run(ctx)
	}()

	s.syncActiveWorkers()
	return rec
}

// respawnSlot replaces a dead worker with a fresh one of the same
// generation.
func (s *Supervisor) respawnSlot(dead *WorkerRecord, restartReason string) {
	s.counters.Respawns++
	s.spawnWorker(dead.Slot, dead.Generation, restartReason)
	if m := otel.GetGlobalMetrics(); m != nil {
		m.RecordWorkerRestart(context.Background(), restartReason)
	}
}

func (s *Supervisor) generateWorkerID() string {
	ts := s.nowFunc().UnixMilli()
	counter := s.workerCounter.Add(1)
	return fmt.Sprintf("wkr_%x%x", ts, counter)
}

// effectiveQuota folds the recycling jitter into MaxRequests so the pool
// does not recycle in lockstep.
func (s *Supervisor) effectiveQuota() int64 {
	if s.cfg.MaxRequests <= 0 {
		return 0
	}
	quota := s.cfg.MaxRequests
	if s.cfg.MaxRequestsJitter > 0 {
		quota += rand.Intn(s.cfg.MaxRequestsJitter + 1)
	}
	return int64(quota)
}

// setState drives the lifecycle state machine and mirrors the new state
// for lock-free reads.
func (s *Supervisor) setState(to State) bool {
	if !CanTransition(s.state, to) {
		log.Printf("[Supervisor] invalid state transition %s -> %s", s.state, to)
		return false
	}
	from := s.state
	s.state = to
	s.stateMirror.Store(to)
	events.GetGlobalEventLogger().LogStateTransition(string(from), string(to))
	s.appendRing("state_transition", "", 0, fmt.Sprintf("%s -> %s", from, to))
	return true
}

func (s *Supervisor) readyWorkers() int {
	n := 0
	for _, rec := range s.arena {
		if rec.State == WorkerIdle || rec.State == WorkerBusy {
			n++
		}
	}
	return n
}

func (s *Supervisor) syncActiveWorkers() {
	if m := otel.GetGlobalMetrics(); m != nil {
		n := 0
		for _, rec := range s.arena {
			if rec.live() {
				n++
			}
		}
		m.SetActiveWorkers(n)
	}
}

func (s *Supervisor) appendRing(eventType, workerID string, slot int, detail string) {
	if s.ring == nil {
		return
	}
	s.ring.Append(types.Event{
		Type:     eventType,
		WorkerID: workerID,
		Slot:     slot,
		Detail:   detail,
	})
}

func (s *Supervisor) buildStatus() types.StatusResponse {
	now := s.nowFunc()
	workers := make([]types.WorkerStatus, 0, len(s.arena))
	for _, rec := range s.arena {
		workers = append(workers, rec.status())
	}
	sort.Slice(workers, func(i, j int) bool {
		if workers[i].Slot != workers[j].Slot {
			return workers[i].Slot < workers[j].Slot
		}
		return workers[i].Generation < workers[j].Generation
	})

	counters := s.counters
	counters.AcceptedConns = s.ln.AcceptedConns()

	resp := types.StatusResponse{
		State:      string(s.state),
		BindAddr:   s.boundAddr(),
		Generation: s.generation,
		StartedAt:  s.startedAt,
		UptimeMs:   now.Sub(s.startedAt).Milliseconds(),
		Workers:    workers,
		Counters:   counters,
	}
	if s.sampler != nil {
		resp.Process = s.sampler.LastSample()
	}
	return resp
}

func (s *Supervisor) boundAddr() string {
	if s.ln == nil {
		return s.cfg.BindAddr
	}
	if s.ln.Network() == "unix" {
		return "unix:" + s.ln.Addr().String()
	}
	return s.ln.Addr().String()
}
