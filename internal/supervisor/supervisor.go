// Package supervisor drives one workload's state machine. Each Supervisor is
// a single goroutine: commands from the coordinator and scheduler, runner
// exits, output lines, samples, and backoff timer fires are all handled one
// at a time, strictly serialized.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/sentinel/internal/apperr"
	"github.com/loykin/sentinel/internal/logger"
	"github.com/loykin/sentinel/internal/metrics"
	"github.com/loykin/sentinel/internal/runner"
	"github.com/loykin/sentinel/internal/store"
	"github.com/loykin/sentinel/internal/workload"
)

// Timers schedules a callback after d; the returned func cancels a pending
// callback and reports whether it was still pending. The coordinator backs
// this with the shared timer wheel.
type Timers interface {
	After(d time.Duration, fn func()) (cancel func() bool)
}

// Deps are the collaborators a Supervisor needs; all are owned elsewhere.
type Deps struct {
	Timers         Timers
	Events         func(workload.Event) // coordinator fan-in; must not block
	Appender       *store.Appender
	Store          store.Store // run audit; best-effort via outbox
	Mirror         logger.MirrorConfig
	SampleInterval time.Duration
	MaxLineBytes   int
	InitialSeq     uint64
	DefaultGrace   time.Duration
}

type persistOp func(ctx context.Context) error

// Supervisor owns a workload's RuntimeState and its current Runner.
type Supervisor struct {
	deps Deps

	cmds chan Command
	done chan struct{}

	// Loop-owned; never touched outside the loop goroutine.
	policy      workload.RestartPolicy
	run         *runner.Runner
	runUniq     string
	lines       <-chan runner.Line
	samples     <-chan workload.MetricSample
	exitCh      <-chan struct{}
	seq         uint64
	outbox      []persistOp
	cancelTimer func() bool
	timerFired  chan struct{}
	pendingStop []Command // repliers waiting for Stopped
	restartCmd  *Command  // non-nil while a fused restart is in flight
	stopping    bool      // user-initiated stop in flight

	// Snapshot for concurrent readers.
	mu    sync.RWMutex
	w     workload.Workload
	state workload.RuntimeState
}

// New creates the supervisor in Idle and starts its loop.
func New(w workload.Workload, policy workload.RestartPolicy, deps Deps) *Supervisor {
	if deps.DefaultGrace <= 0 {
		deps.DefaultGrace = 10 * time.Second
	}
	s := &Supervisor{
		deps:   deps,
		cmds:   make(chan Command, 16),
		done:   make(chan struct{}),
		w:      w.Clone(),
		policy: policy,
		seq:    deps.InitialSeq,
		state:  workload.RuntimeState{Phase: workload.PhaseIdle},
	}
	go s.loop()
	return s
}

// Send enqueues a command. It fails with NotFound once the supervisor has
// terminated.
func (s *Supervisor) Send(cmd Command) error {
	select {
	case <-s.done:
		return apperr.New(apperr.NotFound, "workload %s is terminated", s.name())
	case s.cmds <- cmd:
		return nil
	}
}

// State returns a copy of the current runtime state.
func (s *Supervisor) State() workload.RuntimeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Workload returns a copy of the declared workload.
func (s *Supervisor) Workload() workload.Workload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.w.Clone()
}

// Done is closed when the supervisor reaches Terminated.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

func (s *Supervisor) name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.w.Name
}

func (s *Supervisor) id() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.w.ID
}

func (s *Supervisor) declared() workload.Workload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.w.Clone()
}

func (s *Supervisor) loop() {
	retry := time.NewTicker(time.Second)
	defer retry.Stop()
	for {
		select {
		case cmd := <-s.cmds:
			if s.handleCommand(cmd) {
				return
			}
		case line, ok := <-s.lines:
			if ok {
				s.collectLine(line)
			} else {
				s.lines = nil
			}
		case sample, ok := <-s.samples:
			if ok {
				s.collectSample(sample)
			} else {
				s.samples = nil
			}
		case <-s.exitCh:
			s.drainStreams()
			s.handleExit()
			if s.phase() == workload.PhaseTerminated {
				return
			}
		case <-s.timerFired:
			s.handleTimerFire()
		case <-retry.C:
			s.flushOutbox()
		}
	}
}

// drainStreams consumes whatever the closed runner channels still buffer so
// no log line or sample is lost behind the exit notification.
func (s *Supervisor) drainStreams() {
	if s.lines != nil {
		for line := range s.lines {
			s.collectLine(line)
		}
		s.lines = nil
	}
	if s.samples != nil {
		for sample := range s.samples {
			s.collectSample(sample)
		}
		s.samples = nil
	}
}

func (s *Supervisor) phase() workload.Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Phase
}

// transition moves the state machine and publishes the change.
func (s *Supervisor) transition(to workload.Phase) {
	s.mu.Lock()
	from := s.state.Phase
	s.state.Phase = to
	switch to {
	case workload.PhaseIdle, workload.PhaseStopped, workload.PhaseFailed, workload.PhaseTerminated:
		s.state.PID = 0
		s.state.NextRestartAt = time.Time{}
	}
	name, id := s.w.Name, s.w.ID
	s.mu.Unlock()
	if from == to {
		return
	}
	metrics.RecordStateTransition(name, string(from), string(to))
	metrics.SetCurrentPhase(name, string(from), false)
	metrics.SetCurrentPhase(name, string(to), true)
	s.emit(workload.Event{
		Type: workload.EventPhaseChanged, WorkloadID: id, Time: time.Now(),
		From: from, To: to,
	})
}

func (s *Supervisor) emit(e workload.Event) {
	if s.deps.Events != nil {
		s.deps.Events(e)
	}
}

func (s *Supervisor) handleCommand(cmd Command) (terminated bool) {
	switch cmd.Type {
	case CmdStart:
		cmd.reply(s.handleStart(false, ""))
	case CmdStop:
		s.handleStop(cmd)
	case CmdRestart:
		s.handleRestart(cmd)
	case CmdFire:
		cmd.reply(s.handleFire(cmd.ScheduleID))
	case CmdUpdate:
		s.mu.Lock()
		s.w = cmd.Workload.Clone()
		s.mu.Unlock()
		s.policy = cmd.Policy
		cmd.reply(nil)
	case CmdLost:
		s.handleLost(cmd)
	case CmdDelete:
		s.handleDelete(cmd)
		return true
	}
	return false
}

func (s *Supervisor) handleStart(scheduled bool, scheduleID string) error {
	switch s.phase() {
	case workload.PhaseStarting, workload.PhaseRunning, workload.PhaseBackingOff:
		return apperr.New(apperr.AlreadyActive, "workload %s is already active", s.name())
	case workload.PhaseStopping:
		return apperr.New(apperr.TransientState, "workload %s is stopping", s.name()).
			WithHint("retry after the workload reaches stopped")
	case workload.PhaseTerminated:
		return apperr.New(apperr.NotFound, "workload %s is terminated", s.name())
	case workload.PhaseFailed:
		// Manual reset clears the failure streak.
		s.setFailures(0)
	}
	s.spawn(scheduled, scheduleID)
	return nil
}

// spawn performs Starting -> Running|Evaluating in one serialized step.
func (s *Supervisor) spawn(scheduled bool, scheduleID string) {
	s.cancelBackoff()
	s.transition(workload.PhaseStarting)
	w := s.declared()
	cmdStart := time.Now()

	r := runner.New(runner.Config{
		WorkloadID:     w.ID,
		Name:           w.Name,
		Argv:           w.Argv,
		WorkDir:        w.WorkDir,
		Env:            w.Env,
		MaxLineBytes:   s.deps.MaxLineBytes,
		SampleInterval: s.deps.SampleInterval,
		Mirror:         s.deps.Mirror,
	})
	pid, err := r.Start()
	if err != nil {
		// Spawn failures evaluate through the policy like any other failure.
		s.systemLog("spawn failed: " + err.Error())
		slog.Warn("workload spawn failed", "name", w.Name, "error", err)
		s.mu.Lock()
		s.state.LastExitCode = workload.SpawnFailureExitCode
		s.state.LastExitSignal = false
		s.mu.Unlock()
		s.evaluate(workload.SpawnFailureExitCode, false, false)
		return
	}

	s.run = r
	s.lines = r.Lines()
	s.samples = r.Samples()
	s.exitCh = r.Done()
	s.runUniq = store.UniqueKey(pid, r.StartedAt())

	s.mu.Lock()
	s.state.PID = pid
	s.state.StartedAt = r.StartedAt()
	s.mu.Unlock()

	s.transition(workload.PhaseRunning)
	s.emit(workload.Event{
		Type: workload.EventStarted, WorkloadID: w.ID, Time: r.StartedAt(), PID: pid,
		ScheduleID: scheduleID,
	})
	metrics.IncStart(w.Name)
	metrics.ObserveSpawnLatency(w.Name, time.Since(cmdStart).Seconds())
	if scheduled {
		metrics.IncScheduleFire(scheduleID, "started")
	}

	rec := store.RunRecord{WorkloadID: w.ID, PID: pid, StartedAt: r.StartedAt(), Running: true, Uniq: s.runUniq}
	s.persist(func(ctx context.Context) error { return s.deps.Store.RecordStart(ctx, rec) })
}

func (s *Supervisor) handleStop(cmd Command) {
	grace := cmd.Grace
	if grace <= 0 {
		grace = s.deps.DefaultGrace
	}
	switch s.phase() {
	case workload.PhaseIdle, workload.PhaseStopped, workload.PhaseFailed:
		cmd.reply(apperr.New(apperr.AlreadyStopped, "workload %s is not running", s.name()))
	case workload.PhaseBackingOff:
		s.cancelBackoff()
		s.setFailures(0)
		s.transition(workload.PhaseStopped)
		cmd.reply(nil)
	case workload.PhaseStopping:
		// Coalesce with the stop already in flight.
		s.pendingStop = append(s.pendingStop, cmd)
	case workload.PhaseStarting, workload.PhaseRunning:
		s.stopping = true
		s.transition(workload.PhaseStopping)
		s.pendingStop = append(s.pendingStop, cmd)
		r := s.run
		go r.Stop(grace)
	default:
		cmd.reply(apperr.New(apperr.Internal, "unexpected phase"))
	}
}

// handleRestart fuses stop and start so no external command interleaves.
func (s *Supervisor) handleRestart(cmd Command) {
	switch s.phase() {
	case workload.PhaseRunning, workload.PhaseStarting:
		s.stopping = true
		s.restartCmd = &cmd
		s.transition(workload.PhaseStopping)
		grace := cmd.Grace
		if grace <= 0 {
			grace = s.deps.DefaultGrace
		}
		r := s.run
		go r.Stop(grace)
	case workload.PhaseBackingOff:
		s.cancelBackoff()
		s.setFailures(0)
		s.spawn(false, "")
		cmd.reply(nil)
	case workload.PhaseStopping:
		cmd.reply(apperr.New(apperr.TransientState, "workload %s is stopping", s.name()))
	case workload.PhaseTerminated:
		cmd.reply(apperr.New(apperr.NotFound, "workload %s is terminated", s.name()))
	default:
		// Not running: restart degenerates to start, honoring the delay.
		if d := cmd.Delay; d > 0 {
			s.armBackoff(d)
			cmd.reply(nil)
			return
		}
		cmd.reply(s.handleStart(false, ""))
	}
}

func (s *Supervisor) handleFire(scheduleID string) error {
	if s.phase().Active() {
		s.emit(workload.Event{
			Type: workload.EventSkippedConcurrent, WorkloadID: s.id(), Time: time.Now(),
			ScheduleID: scheduleID,
		})
		metrics.IncScheduleFire(scheduleID, "skipped_concurrent")
		return nil
	}
	s.emit(workload.Event{
		Type: workload.EventScheduleFired, WorkloadID: s.id(), Time: time.Now(),
		ScheduleID: scheduleID,
	})
	return s.handleFireStart(scheduleID)
}

func (s *Supervisor) handleFireStart(scheduleID string) error {
	if s.phase() == workload.PhaseFailed {
		s.setFailures(0)
	}
	s.spawn(true, scheduleID)
	return nil
}

// handleLost reacts to a pid recorded as running by a prior daemon
// generation; the process is considered lost, never re-adopted.
func (s *Supervisor) handleLost(cmd Command) {
	s.systemLog("process lost across daemon restart")
	s.emit(workload.Event{
		Type: workload.EventLostOnRecovery, WorkloadID: s.id(), Time: time.Now(), PID: cmd.PriorPID,
	})
	if s.policy.RestartOnLost {
		cmd.reply(s.handleStart(false, ""))
		return
	}
	cmd.reply(nil)
}

func (s *Supervisor) handleDelete(cmd Command) {
	s.cancelBackoff()
	if r := s.run; r != nil {
		go r.Stop(cmd.Grace)
		// Keep draining output while waiting so full stream buffers cannot
		// stall the exit.
		deadline := time.NewTimer(cmd.Grace + 5*time.Second)
		defer deadline.Stop()
	waitExit:
		for {
			select {
			case line, ok := <-s.lines:
				if ok {
					s.collectLine(line)
				} else {
					s.lines = nil
				}
			case sample, ok := <-s.samples:
				if ok {
					s.collectSample(sample)
				} else {
					s.samples = nil
				}
			case <-r.Done():
				s.drainStreams()
				break waitExit
			case <-deadline.C:
				slog.Warn("workload did not exit before delete deadline; killing", "name", s.name())
				_ = r.Signal(syscall.SIGKILL)
				break waitExit
			}
		}
	}
	s.transition(workload.PhaseTerminated)
	s.flushOutbox()
	for _, p := range s.pendingStop {
		p.reply(nil)
	}
	s.pendingStop = nil
	close(s.done)
	cmd.reply(nil)
	// Reject anything that queued up behind the delete.
	for {
		select {
		case queued := <-s.cmds:
			queued.reply(apperr.New(apperr.NotFound, "workload %s is terminated", s.name()))
		default:
			return
		}
	}
}

func (s *Supervisor) armBackoff(d time.Duration) {
	s.mu.Lock()
	s.state.NextRestartAt = time.Now().Add(d)
	s.mu.Unlock()
	s.transition(workload.PhaseBackingOff)
	fired := make(chan struct{}, 1)
	s.timerFired = fired
	s.cancelTimer = s.deps.Timers.After(d, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
}

func (s *Supervisor) cancelBackoff() {
	if s.cancelTimer != nil {
		s.cancelTimer()
		s.cancelTimer = nil
	}
	s.timerFired = nil
}

func (s *Supervisor) handleTimerFire() {
	s.cancelTimer = nil
	s.timerFired = nil
	if s.phase() != workload.PhaseBackingOff {
		return
	}
	metrics.IncRestart(s.name())
	s.spawn(false, "")
}

func (s *Supervisor) setFailures(n int) {
	s.mu.Lock()
	s.state.ConsecutiveFailures = n
	s.mu.Unlock()
}

func (s *Supervisor) failures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ConsecutiveFailures
}
