// Package scheduler turns schedule declarations into fire events. It owns a
// priority queue of (next_fire, schedule) pairs mutated from a single
// goroutine; absolute-time sleeping is delegated to the timer wheel.
package scheduler

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/sentinel/internal/workload"
)

// Timers is the slice of the timer wheel the scheduler needs.
type Timers interface {
	After(d time.Duration, fn func()) (cancel func() bool)
}

// Dispatch delivers one fire to the owning workload's supervisor.
type Dispatch func(workloadID, scheduleID string)

// Persist records last/next fire updates; best-effort.
type Persist func(workload.Schedule)

type entry struct {
	sched workload.Schedule
	index int
}

type fireHeap []*entry

func (h fireHeap) Len() int { return len(h) }
func (h fireHeap) Less(i, j int) bool {
	return h[i].sched.NextFire.Before(h[j].sched.NextFire)
}
func (h fireHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *fireHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *fireHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler fires enabled schedules. Disabled schedules are absent from the
// queue but remain persisted by their owner.
type Scheduler struct {
	timers   Timers
	dispatch Dispatch
	persist  Persist
	loc      *time.Location

	mu        sync.Mutex
	queue     fireHeap
	byID      map[string]*entry
	cancelTop func() bool
	topAt     time.Time
	fireCh    chan struct{}
	done      chan struct{}
	closed    bool
}

func New(timers Timers, loc *time.Location, dispatch Dispatch, persist Persist) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	s := &Scheduler{
		timers:   timers,
		dispatch: dispatch,
		persist:  persist,
		loc:      loc,
		byID:     make(map[string]*entry),
		fireCh:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go s.loop()
	return s
}

// Upsert installs or replaces a schedule. Disabled schedules are removed
// from the queue. NextFire is recomputed unless already valid and future.
func (s *Scheduler) Upsert(sc workload.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byID[sc.ID]; ok && e.index >= 0 {
		heap.Remove(&s.queue, e.index)
	}
	delete(s.byID, sc.ID)
	if !sc.Enabled {
		s.rearmLocked()
		return nil
	}
	now := time.Now()
	if sc.NextFire.IsZero() || !sc.NextFire.After(now) {
		next, err := NextFire(sc.Kind, sc.Expression, now, sc.LastFire, s.loc)
		if err != nil {
			return err
		}
		sc.NextFire = next
	}
	e := &entry{sched: sc}
	heap.Push(&s.queue, e)
	s.byID[sc.ID] = e
	s.rearmLocked()
	return nil
}

// Remove drops a schedule from the queue.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byID[id]; ok {
		if e.index >= 0 {
			heap.Remove(&s.queue, e.index)
		}
		delete(s.byID, id)
		s.rearmLocked()
	}
}

// Snapshot returns the scheduler's view of a schedule.
func (s *Scheduler) Snapshot(id string) (workload.Schedule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return workload.Schedule{}, false
	}
	return e.sched, true
}

// Drift reports how far the most overdue undispatched fire is behind now.
func (s *Scheduler) Drift() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return 0
	}
	if d := time.Since(s.queue[0].sched.NextFire); d > 0 {
		return d
	}
	return 0
}

// Stop halts firing; pending queue state is discarded.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.cancelTop != nil {
		s.cancelTop()
		s.cancelTop = nil
	}
	close(s.done)
	s.mu.Unlock()
}

// rearmLocked points the single wheel deadline at the queue head.
func (s *Scheduler) rearmLocked() {
	if s.closed {
		return
	}
	if len(s.queue) == 0 {
		if s.cancelTop != nil {
			s.cancelTop()
			s.cancelTop = nil
		}
		s.topAt = time.Time{}
		return
	}
	top := s.queue[0].sched.NextFire
	if s.cancelTop != nil && s.topAt.Equal(top) {
		return
	}
	if s.cancelTop != nil {
		s.cancelTop()
	}
	s.topAt = top
	d := time.Until(top)
	if d < 0 {
		d = 0
	}
	s.cancelTop = s.timers.After(d, func() {
		select {
		case s.fireCh <- struct{}{}:
		default:
		}
	})
}

func (s *Scheduler) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.fireCh:
			s.fireDue()
		}
	}
}

// fireDue pops every due schedule, dispatches it, and pushes it back with a
// recomputed next fire. Fires never queue: dispatch is one message to the
// supervisor, which skips it if the workload is active.
func (s *Scheduler) fireDue() {
	now := time.Now()
	var fired []workload.Schedule
	s.mu.Lock()
	s.cancelTop = nil
	for len(s.queue) > 0 && !s.queue[0].sched.NextFire.After(now) {
		e := heap.Pop(&s.queue).(*entry)
		sc := e.sched
		sc.LastFire = now
		next, err := NextFire(sc.Kind, sc.Expression, now, sc.LastFire, s.loc)
		if sc.Kind == workload.ScheduleOneShot {
			// One-shots disable themselves after firing.
			sc.Enabled = false
			delete(s.byID, sc.ID)
		} else if err != nil {
			slog.Warn("schedule disabled: next fire computation failed",
				"schedule", sc.ID, "error", err)
			sc.Enabled = false
			delete(s.byID, sc.ID)
		} else {
			sc.NextFire = next
			e.sched = sc
			heap.Push(&s.queue, e)
		}
		fired = append(fired, sc)
	}
	s.rearmLocked()
	s.mu.Unlock()

	for _, sc := range fired {
		s.dispatch(sc.WorkloadID, sc.ID)
		if s.persist != nil {
			s.persist(sc)
		}
	}
}
