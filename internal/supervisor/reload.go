package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/bc-dunia/preforkd/internal/events"
	"github.com/bc-dunia/preforkd/internal/otel"
)

// reloadJob tracks a rolling reload in flight. Owned by the event loop.
// Slots are replaced one at a time, lowest first: spawn the new-generation
// worker, wait for its ready event, retire the old occupant, move on. The
// old worker finishes its in-flight request on its own time; the job does
// not wait for its exit.
type reloadJob struct {
	generation int
	slot       int
	replaced   int

	// pendingID is the replacement worker currently starting up. Its
	// ready event advances the job; its death or startup timeout aborts
	// the whole reload.
	pendingID string

	startedAt time.Time
	reply     chan error
	span      trace.Span
}

func (s *Supervisor) startReload(m reloadMsg) {
	switch s.state {
	case StateReloadInProgress:
		m.reply <- ErrReloadInProgress
		return
	case StateRunning:
	default:
		m.reply <- fmt.Errorf("%w: state is %s", ErrNotRunning, s.state)
		return
	}
	s.setState(StateReloadInProgress)

	s.generation++
	events.GetGlobalEventLogger().LogReloadStarted(s.generation)
	s.appendRing("reload_started", "", 0, fmt.Sprintf("generation %d", s.generation))
	log.Printf("[Supervisor] rolling reload to generation %d", s.generation)

	job := &reloadJob{
		generation: s.generation,
		startedAt:  s.nowFunc(),
		reply:      m.reply,
	}
	if s.tracer != nil && s.tracer.Enabled() {
		_, span := s.tracer.StartLifecycleSpan(context.Background(), otel.LifecycleSpanOptions{
			Phase:      "reload",
			Generation: s.generation,
		})
		job.span = span
	}
	s.reload = job
	s.advanceReload()
}

// advanceReload spawns the next replacement, or completes the reload when
// every slot carries the new generation.
func (s *Supervisor) advanceReload() {
	job := s.reload
	for job.slot < s.cfg.Workers {
		if s.oldGenInSlot(job.slot, job.generation) == nil {
			job.slot++
			continue
		}
		rec := s.spawnWorker(job.slot, job.generation, "reload")
		job.pendingID = rec.ID
		return
	}

	durationMs := s.nowFunc().Sub(job.startedAt).Milliseconds()
	events.GetGlobalEventLogger().LogReloadCompleted(job.generation, job.replaced, durationMs)
	s.appendRing("reload_completed", "", 0, fmt.Sprintf("generation %d, %d workers replaced", job.generation, job.replaced))
	log.Printf("[Supervisor] reload complete: generation %d, %d workers replaced in %dms", job.generation, job.replaced, durationMs)
	if job.span != nil {
		job.span.End()
	}
	s.reload = nil
	s.setState(StateRunning)
	job.reply <- nil
}

// oldGenInSlot finds the live worker a reload to newGeneration still has
// to replace in slot.
func (s *Supervisor) oldGenInSlot(slot, newGeneration int) *WorkerRecord {
	for _, rec := range s.arena {
		if rec.Slot == slot && rec.Generation < newGeneration && rec.live() && !rec.retiring {
			return rec
		}
	}
	return nil
}

// reloadReplacementReady retires the old occupant of the replacement's
// slot and moves the job to the next slot. Capacity never drops: the old
// worker is only cancelled once the new one is serving.
func (s *Supervisor) reloadReplacementReady(rec *WorkerRecord) {
	job := s.reload
	job.pendingID = ""

	if old := s.oldGenInSlot(rec.Slot, job.generation); old != nil {
		old.retiring = true
		old.handle.cancel()
	}
	job.replaced++
	job.slot++
	s.advanceReload()
}

// abortReload abandons a reload mid-way. Slots not yet replaced keep their
// old-generation workers serving.
func (s *Supervisor) abortReload(reason string) {
	job := s.reload
	if job == nil {
		return
	}
	events.GetGlobalEventLogger().LogReloadAborted(job.slot, reason)
	s.appendRing("reload_aborted", "", job.slot, reason)
	log.Printf("[Supervisor] reload to generation %d aborted at slot %d: %s", job.generation, job.slot, reason)
	if job.span != nil {
		otel.RecordError(job.span, errors.New(reason), "reload_aborted", false)
		job.span.End()
	}
	s.reload = nil
	s.setState(StateRunning)
	job.reply <- fmt.Errorf("%w at slot %d: %s", ErrReloadAborted, job.slot, reason)
}
