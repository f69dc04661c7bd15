package supervisor

import (
	"context"
	"time"

	"github.com/loykin/sentinel/internal/metrics"
	"github.com/loykin/sentinel/internal/workload"
)

// handleExit consumes the runner's final status and routes it through policy
// evaluation.
func (s *Supervisor) handleExit() {
	r := s.run
	if r == nil {
		return
	}
	st := r.Exit()
	s.run = nil
	s.exitCh = nil

	s.mu.Lock()
	s.state.LastExitCode = st.Code
	s.state.LastExitSignal = st.Signaled
	s.state.PID = 0
	name, id := s.w.Name, s.w.ID
	s.mu.Unlock()

	metrics.IncStop(name)
	s.emit(workload.Event{
		Type: workload.EventExited, WorkloadID: id, Time: st.At, ExitCode: st.Code,
	})
	uniq := s.runUniq
	s.runUniq = ""
	s.persist(func(ctx context.Context) error {
		return s.deps.Store.RecordStop(ctx, uniq, st.At, st.Code)
	})

	userStopped := s.stopping
	s.stopping = false
	s.evaluate(st.Code, st.Signaled, userStopped)
}

// evaluate applies the restart policy to one exit. The Evaluating phase is
// observable on the event stream even though the decision itself is
// immediate.
func (s *Supervisor) evaluate(code int, signaled bool, userStopped bool) {
	s.transition(workload.PhaseEvaluating)

	// 1. User-initiated stops never retry.
	if userStopped {
		s.setFailures(0)
		s.transition(workload.PhaseStopped)
		for _, p := range s.pendingStop {
			p.reply(nil)
		}
		s.pendingStop = nil
		if rc := s.restartCmd; rc != nil {
			s.restartCmd = nil
			if rc.Delay > 0 {
				s.armBackoff(rc.Delay)
			} else {
				s.spawn(false, "")
			}
			rc.reply(nil)
		}
		return
	}

	// 2-4. Classify the exit against the policy.
	success := code == 0 && !signaled
	if success {
		s.setFailures(0)
	}
	if !s.policy.ShouldRestart(code, signaled) {
		// Normal exit without restart-on-exit, or a failure code outside the
		// policy's restart set.
		s.transition(workload.PhaseStopped)
		return
	}

	// 5. Retry candidate: enforce the cap, then back off.
	f := s.failures()
	if !s.policy.Unbounded() && f+1 > s.policy.MaxRetries {
		s.transition(workload.PhaseFailed)
		return
	}
	delay := s.policy.Delay(f)
	s.setFailures(f + 1)
	s.armBackoff(delay)
}

// persist queues a store write on the bounded outbox and tries to flush.
// Store unavailability never blocks the state machine; overflow favors
// liveness over durability and is reported on the event stream.
func (s *Supervisor) persist(op persistOp) {
	if s.deps.Store == nil {
		return
	}
	s.outbox = append(s.outbox, op)
	if over := len(s.outbox) - outboxMax; over > 0 {
		s.outbox = s.outbox[over:]
		s.emit(workload.Event{
			Type: workload.EventPersistenceDropped, WorkloadID: s.id(), Time: time.Now(), Count: over,
		})
	}
	s.flushOutbox()
}

const outboxMax = 256

func (s *Supervisor) flushOutbox() {
	for len(s.outbox) > 0 {
		op := s.outbox[0]
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := op(ctx)
		cancel()
		if err != nil {
			return // retried on the next tick
		}
		s.outbox = s.outbox[1:]
	}
}
