// Package sentinel embeds the workload supervisor core: declare command-line
// workloads with restart policies and schedules, and the daemon spawns,
// observes, and restarts them.
package sentinel

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/sentinel/internal/config"
	"github.com/loykin/sentinel/internal/coordinator"
	"github.com/loykin/sentinel/internal/history"
	"github.com/loykin/sentinel/internal/metrics"
	iapi "github.com/loykin/sentinel/internal/server"
	"github.com/loykin/sentinel/internal/store"
	"github.com/loykin/sentinel/internal/workload"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Workload = workload.Workload

type RestartPolicy = workload.RestartPolicy

type Schedule = workload.Schedule

type LogRecord = workload.LogRecord

type MetricSample = workload.MetricSample

type Phase = workload.Phase

type RuntimeState = workload.RuntimeState

type Event = workload.Event

type CreateRequest = coordinator.CreateRequest

type UpdatePatch = coordinator.UpdatePatch

type ScheduleRequest = coordinator.ScheduleRequest

type Summary = coordinator.Summary

type ListFilter = coordinator.ListFilter

type Health = coordinator.Health

type CoreConfig = coordinator.Config

type HistorySink = history.Sink

type Subscription = coordinator.Subscription

type LogQuery = store.LogQuery

// Daemon is a thin facade over the coordinator for embedding.
type Daemon struct{ inner *coordinator.Coordinator }

// NewDaemon opens the store behind dsn and wires the core. Call Recover
// before issuing control operations.
func NewDaemon(dsn string, cfg CoreConfig) (*Daemon, error) {
	st, err := store.NewFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	c, err := coordinator.New(st, cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &Daemon{inner: c}, nil
}

// NewDaemonWithStore wires the core over a caller-owned store.
func NewDaemonWithStore(st store.Store, cfg CoreConfig) (*Daemon, error) {
	c, err := coordinator.New(st, cfg)
	if err != nil {
		return nil, err
	}
	return &Daemon{inner: c}, nil
}

func (d *Daemon) Recover(ctx context.Context) error { return d.inner.Recover(ctx) }

func (d *Daemon) CreateWorkload(ctx context.Context, req CreateRequest) (string, error) {
	return d.inner.CreateWorkload(ctx, req)
}

func (d *Daemon) UpdateWorkload(ctx context.Context, ref string, patch UpdatePatch) error {
	return d.inner.UpdateWorkload(ctx, ref, patch)
}

func (d *Daemon) DeleteWorkload(ctx context.Context, ref string, force bool, grace time.Duration) error {
	return d.inner.DeleteWorkload(ctx, ref, force, grace)
}

func (d *Daemon) Start(ctx context.Context, ref string) error { return d.inner.Start(ctx, ref) }

func (d *Daemon) Stop(ctx context.Context, ref string, grace time.Duration) error {
	return d.inner.Stop(ctx, ref, grace, false)
}

func (d *Daemon) Restart(ctx context.Context, ref string, delay time.Duration) error {
	return d.inner.Restart(ctx, ref, delay)
}

func (d *Daemon) List(filter ListFilter) []Summary { return d.inner.List(filter) }

func (d *Daemon) Describe(ref string) (Workload, RuntimeState, error) {
	return d.inner.Describe(ref)
}

func (d *Daemon) PutPolicy(ctx context.Context, p RestartPolicy) error {
	return d.inner.PutPolicy(ctx, p)
}

func (d *Daemon) PutSchedule(ctx context.Context, req ScheduleRequest) (string, error) {
	return d.inner.PutSchedule(ctx, req)
}

func (d *Daemon) EnableSchedule(ctx context.Context, id string) error {
	return d.inner.EnableSchedule(ctx, id)
}

func (d *Daemon) DisableSchedule(ctx context.Context, id string) error {
	return d.inner.DisableSchedule(ctx, id)
}

func (d *Daemon) QueryLogs(ctx context.Context, ref string, q store.LogQuery) ([]LogRecord, error) {
	return d.inner.QueryLogs(ctx, ref, q)
}

func (d *Daemon) QueryMetrics(ctx context.Context, ref string, since, until time.Time) ([]MetricSample, error) {
	return d.inner.QueryMetrics(ctx, ref, since, until)
}

func (d *Daemon) Subscribe(workloadRef string, buffer int) *Subscription {
	return d.inner.Subscribe(workloadRef, buffer)
}

func (d *Daemon) Health() Health { return d.inner.Health() }

func (d *Daemon) SetHistorySinks(sinks ...HistorySink) { d.inner.SetHistorySinks(sinks...) }

func (d *Daemon) Shutdown(ctx context.Context) error { return d.inner.Shutdown(ctx) }

func (d *Daemon) Close() error { return d.inner.Close() }

// LoadConfig parses a daemon config file.
func LoadConfig(path string) (*config.Config, error) { return config.Load(path) }

// NewHTTPServer starts an HTTP server exposing the control API for d.
func NewHTTPServer(addr, basePath string, d *Daemon) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, d.inner)
}

// NewHTTPHandler returns the control API as a mountable handler.
func NewHTTPHandler(basePath string, d *Daemon) http.Handler {
	return iapi.NewRouter(d.inner, basePath).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It runs in the caller's goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}

// NewClickHouseHistorySink connects an audit sink for lifecycle events.
func NewClickHouseHistorySink(addr, table string) (HistorySink, error) {
	return history.NewClickHouse(addr, "", "", "", table)
}

// NewStoreFromDSN opens a store directly, for embedders that manage their
// own lifecycle.
func NewStoreFromDSN(dsn string) (store.Store, error) { return store.NewFromDSN(dsn) }
