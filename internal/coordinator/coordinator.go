// Package coordinator is the single writer to the workload registry. It
// serializes external control requests, routes them to supervisors, fans
// events out to subscribers, arbitrates recovery, and aggregates health.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/sentinel/internal/history"
	"github.com/loykin/sentinel/internal/logger"
	"github.com/loykin/sentinel/internal/scheduler"
	"github.com/loykin/sentinel/internal/store"
	"github.com/loykin/sentinel/internal/supervisor"
	"github.com/loykin/sentinel/internal/timewheel"
	"github.com/loykin/sentinel/internal/workload"
)

// Config is the enumerated daemon configuration consumed by the core.
type Config struct {
	Timezone             string
	LogFlushBatch        int
	LogFlushInterval     time.Duration
	LogQueueMax          int
	MetricSampleInterval time.Duration
	DefaultStopGrace     time.Duration
	CommandTimeout       time.Duration
	RetentionMaxAge      time.Duration
	RetentionMaxRecords  int64
	MaxLineBytes         int
	Mirror               logger.MirrorConfig
}

func (c *Config) defaults() {
	if c.LogFlushBatch <= 0 {
		c.LogFlushBatch = 100
	}
	if c.LogFlushInterval <= 0 {
		c.LogFlushInterval = 200 * time.Millisecond
	}
	if c.LogQueueMax <= 0 {
		c.LogQueueMax = 10000
	}
	if c.MetricSampleInterval <= 0 {
		c.MetricSampleInterval = 5 * time.Second
	}
	if c.DefaultStopGrace <= 0 {
		c.DefaultStopGrace = 10 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 5 * time.Second
	}
	if c.RetentionMaxAge <= 0 {
		c.RetentionMaxAge = 30 * 24 * time.Hour
	}
	if c.RetentionMaxRecords <= 0 {
		c.RetentionMaxRecords = 1_000_000
	}
}

// Coordinator owns the registry. All registry mutations go through its
// mutex; supervisors own everything per-workload.
type Coordinator struct {
	cfg    Config
	st     store.Store
	app    *store.Appender
	wheel  *timewheel.Wheel
	timers *wheelTimers
	sched  *scheduler.Scheduler
	loc    *time.Location

	mu        sync.RWMutex
	byID      map[string]*supervisor.Supervisor
	byName    map[string]string
	schedules map[string]workload.Schedule
	policies  map[string]workload.RestartPolicy

	events chan workload.Event
	subMu  sync.Mutex
	subs   map[*Subscription]struct{}
	sinks  []history.Sink

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New wires the core together. Call Recover before serving traffic.
func New(st store.Store, cfg Config) (*Coordinator, error) {
	cfg.defaults()
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, err
		}
		loc = l
	}
	c := &Coordinator{
		cfg:       cfg,
		st:        st,
		loc:       loc,
		byID:      make(map[string]*supervisor.Supervisor),
		byName:    make(map[string]string),
		schedules: make(map[string]workload.Schedule),
		policies:  make(map[string]workload.RestartPolicy),
		events:    make(chan workload.Event, 1024),
		subs:      make(map[*Subscription]struct{}),
		done:      make(chan struct{}),
	}
	c.app = store.NewAppender(st, store.AppenderConfig{
		BatchSize:     cfg.LogFlushBatch,
		FlushInterval: cfg.LogFlushInterval,
		QueueMax:      cfg.LogQueueMax,
	}, func(workloadID string, dropped int) {
		c.publish(workload.Event{
			Type: workload.EventLogDropped, WorkloadID: workloadID,
			Time: time.Now(), Count: dropped,
		})
	})
	c.wheel = timewheel.New(256)
	c.timers = newWheelTimers(c.wheel)
	c.sched = scheduler.New(c.timers, loc, c.dispatchFire, c.persistSchedule)

	c.wg.Add(2)
	go c.busLoop()
	go c.retentionLoop()
	return c, nil
}

// SetHistorySinks configures external audit sinks. Passing none clears them.
func (c *Coordinator) SetHistorySinks(sinks ...history.Sink) {
	c.subMu.Lock()
	c.sinks = append([]history.Sink(nil), sinks...)
	c.subMu.Unlock()
}

// Close stops scheduling and flushes pending appends.
func (c *Coordinator) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.sched.Stop()
		close(c.done)
		c.wg.Wait()
		c.wheel.Stop()
		err = c.app.Close()
	})
	return err
}

// Shutdown stops every running workload with the default grace, then closes.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.RLock()
	sups := make([]*supervisor.Supervisor, 0, len(c.byID))
	for _, s := range c.byID {
		sups = append(sups, s)
	}
	c.mu.RUnlock()
	var wg sync.WaitGroup
	for _, s := range sups {
		if !s.State().Phase.Active() {
			continue
		}
		wg.Add(1)
		go func(s *supervisor.Supervisor) {
			defer wg.Done()
			reply := make(chan error, 1)
			if err := s.Send(supervisor.Command{Type: supervisor.CmdStop, Grace: c.cfg.DefaultStopGrace, Reply: reply}); err != nil {
				return
			}
			select {
			case <-reply:
			case <-ctx.Done():
			case <-time.After(c.cfg.DefaultStopGrace + c.cfg.CommandTimeout):
			}
		}(s)
	}
	wg.Wait()
	return c.Close()
}

// publish is the supervisor fan-in; it never blocks the emitter.
func (c *Coordinator) publish(e workload.Event) {
	select {
	case c.events <- e:
	default:
		slog.Warn("event bus overflow; dropping event", "type", e.Type, "workload", e.WorkloadID)
	}
}

func (c *Coordinator) supervisorByID(id string) *supervisor.Supervisor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byID[id]
}

// resolve accepts an id or a unique name.
func (c *Coordinator) resolve(ref string) *supervisor.Supervisor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.byID[ref]; ok {
		return s
	}
	if id, ok := c.byName[ref]; ok {
		return c.byID[id]
	}
	return nil
}

// send routes a command and awaits the reply with the configured timeout,
// extended by extra for operations that legitimately take longer.
func (c *Coordinator) send(ctx context.Context, s *supervisor.Supervisor, cmd supervisor.Command, extra time.Duration) error {
	reply := make(chan error, 1)
	cmd.Reply = reply
	if err := s.Send(cmd); err != nil {
		return err
	}
	timeout := c.cfg.CommandTimeout + extra
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return timeoutErr(cmd.Type, timeout)
	}
}

// dispatchFire routes a schedule fire into the owning supervisor.
func (c *Coordinator) dispatchFire(workloadID, scheduleID string) {
	s := c.supervisorByID(workloadID)
	if s == nil {
		slog.Warn("schedule fired for unknown workload", "workload", workloadID, "schedule", scheduleID)
		return
	}
	reply := make(chan error, 1)
	if err := s.Send(supervisor.Command{Type: supervisor.CmdFire, ScheduleID: scheduleID, Reply: reply}); err != nil {
		slog.Warn("schedule fire rejected", "schedule", scheduleID, "error", err)
		return
	}
	go func() {
		select {
		case err := <-reply:
			if err != nil {
				slog.Warn("scheduled start failed", "schedule", scheduleID, "error", err)
			}
		case <-time.After(c.cfg.CommandTimeout):
		}
	}()
}

// persistSchedule mirrors scheduler fire bookkeeping into the store.
func (c *Coordinator) persistSchedule(sc workload.Schedule) {
	c.mu.Lock()
	c.schedules[sc.ID] = sc
	c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.st.PutSchedule(ctx, sc); err != nil {
		slog.Warn("schedule state persist failed", "schedule", sc.ID, "error", err)
	}
}

func (c *Coordinator) retentionLoop() {
	defer c.wg.Done()
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			n, err := c.st.PurgeByRetention(ctx, c.cfg.RetentionMaxAge, c.cfg.RetentionMaxRecords)
			cancel()
			if err != nil {
				slog.Warn("retention purge failed", "error", err)
			} else if n > 0 {
				slog.Debug("retention purge", "records", n)
			}
		}
	}
}
