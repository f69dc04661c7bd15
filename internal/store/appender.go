package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/sentinel/internal/workload"
)

// AppenderConfig bounds the batching appender.
type AppenderConfig struct {
	BatchSize     int           // max records per write (default 100)
	FlushInterval time.Duration // max delay before flush (default 200ms)
	QueueMax      int           // per-workload in-memory bound (default 10000)
}

func (c *AppenderConfig) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 200 * time.Millisecond
	}
	if c.QueueMax <= 0 {
		c.QueueMax = 10000
	}
}

// Appender batches log and metric appends so producers never touch the store
// on the hot path. Enqueue never blocks: when a workload's queue is full the
// oldest records are dropped in memory and the drop is reported upward.
// Failed flushes are retried with exponential backoff; after three
// consecutive failures the appender reports persistence lag until a flush
// succeeds.
type Appender struct {
	st  Store
	cfg AppenderConfig

	mu        sync.Mutex
	logs      map[string][]workload.LogRecord
	logCount  int
	metrics   []workload.MetricSample
	failures  int
	lagSince  time.Time
	onDropLog func(workloadID string, dropped int)

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewAppender starts the flush goroutine. onDropLog may be nil.
func NewAppender(st Store, cfg AppenderConfig, onDropLog func(workloadID string, dropped int)) *Appender {
	cfg.defaults()
	a := &Appender{
		st:        st,
		cfg:       cfg,
		logs:      make(map[string][]workload.LogRecord),
		onDropLog: onDropLog,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

// EnqueueLog queues one record, dropping the oldest pending records for the
// same workload when the bound is hit.
func (a *Appender) EnqueueLog(r workload.LogRecord) {
	var dropped int
	a.mu.Lock()
	q := a.logs[r.WorkloadID]
	if len(q) >= a.cfg.QueueMax {
		dropped = len(q) - a.cfg.QueueMax + 1
		q = q[dropped:]
	}
	a.logs[r.WorkloadID] = append(q, r)
	a.logCount += 1 - dropped
	full := a.logCount >= a.cfg.BatchSize
	a.mu.Unlock()

	if dropped > 0 && a.onDropLog != nil {
		a.onDropLog(r.WorkloadID, dropped)
	}
	if full {
		a.kick()
	}
}

// EnqueueMetric queues one sample; the metric queue shares the workload bound.
func (a *Appender) EnqueueMetric(m workload.MetricSample) {
	a.mu.Lock()
	if len(a.metrics) >= a.cfg.QueueMax {
		a.metrics = a.metrics[1:]
	}
	a.metrics = append(a.metrics, m)
	full := len(a.metrics) >= a.cfg.BatchSize
	a.mu.Unlock()
	if full {
		a.kick()
	}
}

// Lag reports how long flushes have been failing; zero when healthy. It only
// becomes non-zero after three consecutive flush failures.
func (a *Appender) Lag() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failures < 3 || a.lagSince.IsZero() {
		return 0
	}
	return time.Since(a.lagSince)
}

// Flush synchronously drains everything pending; used on shutdown.
func (a *Appender) Flush(ctx context.Context) error {
	logs, metrics := a.take(0)
	return a.write(ctx, logs, metrics)
}

// Close stops the flush loop after a final drain.
func (a *Appender) Close() error {
	close(a.done)
	a.wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.Flush(ctx)
}

func (a *Appender) kick() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// take removes up to limit records (0 = all) preserving per-workload order.
func (a *Appender) take(limit int) ([]workload.LogRecord, []workload.MetricSample) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var logs []workload.LogRecord
	for id, q := range a.logs {
		n := len(q)
		if limit > 0 && n > limit-len(logs) {
			n = limit - len(logs)
		}
		if n <= 0 {
			break
		}
		logs = append(logs, q[:n]...)
		if n == len(q) {
			delete(a.logs, id)
		} else {
			a.logs[id] = q[n:]
		}
		a.logCount -= n
	}
	metrics := a.metrics
	a.metrics = nil
	return logs, metrics
}

func (a *Appender) write(ctx context.Context, logs []workload.LogRecord, metrics []workload.MetricSample) error {
	if len(logs) > 0 {
		if err := a.st.AppendLogs(ctx, logs); err != nil {
			return err
		}
	}
	if len(metrics) > 0 {
		if err := a.st.AppendMetrics(ctx, metrics); err != nil {
			return err
		}
	}
	return nil
}

func (a *Appender) loop() {
	defer a.wg.Done()
	backoff := a.cfg.FlushInterval
	timer := time.NewTimer(a.cfg.FlushInterval)
	defer timer.Stop()
	for {
		select {
		case <-a.done:
			return
		case <-a.wake:
		case <-timer.C:
		}

		logs, metrics := a.take(a.cfg.BatchSize)
		wait := a.cfg.FlushInterval
		if len(logs) > 0 || len(metrics) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := a.write(ctx, logs, metrics)
			cancel()
			a.mu.Lock()
			if err != nil {
				a.putBackLocked(logs, metrics)
				a.failures++
				if a.failures == 1 {
					a.lagSince = time.Now()
				}
				if a.failures == 3 {
					slog.Warn("store appends falling behind", "failures", a.failures, "error", err)
				}
				wait = backoff
				backoff *= 2
				if backoff > 5*time.Second {
					backoff = 5 * time.Second
				}
			} else {
				a.failures = 0
				a.lagSince = time.Time{}
				backoff = a.cfg.FlushInterval
			}
			a.mu.Unlock()
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
	}
}

// putBackLocked is putBack without re-locking; caller holds a.mu.
func (a *Appender) putBackLocked(logs []workload.LogRecord, metrics []workload.MetricSample) {
	regroup := make(map[string][]workload.LogRecord)
	for _, r := range logs {
		regroup[r.WorkloadID] = append(regroup[r.WorkloadID], r)
	}
	for id, front := range regroup {
		merged := append(front, a.logs[id]...)
		if over := len(merged) - a.cfg.QueueMax; over > 0 {
			merged = merged[over:]
		}
		a.logCount += len(merged) - len(a.logs[id])
		a.logs[id] = merged
	}
	a.metrics = append(metrics, a.metrics...)
}
