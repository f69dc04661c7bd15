package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/sentinel/internal/apperr"
	"github.com/loykin/sentinel/internal/config"
	"github.com/loykin/sentinel/internal/coordinator"
	"github.com/loykin/sentinel/internal/history"
	"github.com/loykin/sentinel/internal/metrics"
	"github.com/loykin/sentinel/internal/server"
	"github.com/loykin/sentinel/internal/store"
	"github.com/loykin/sentinel/internal/workload"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		daemonize  bool
		pidFile    string
		logFile    string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sentinel daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if daemonize {
				return runDaemonized(pidFile, logFile)
			}
			return serve(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "sentinel.toml", "daemon config file")
	cmd.Flags().BoolVar(&daemonize, "daemonize", false, "detach and run in the background")
	cmd.Flags().StringVar(&pidFile, "pidfile", "", "daemon pid file (with --daemonize)")
	cmd.Flags().StringVar(&logFile, "logfile", "", "daemon log file (with --daemonize)")
	return cmd
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := cfg.Log.Setup()

	st, err := store.NewFromDSN(cfg.StoreDSN())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	coord, err := coordinator.New(st, cfg.CoreConfig())
	if err != nil {
		return err
	}
	if h := cfg.History; h != nil && h.ClickHouseAddr != "" {
		sink, err := history.NewClickHouse(h.ClickHouseAddr, h.ClickHouseDatabase, h.ClickHouseUsername, h.ClickHousePassword, h.ClickHouseTable)
		if err != nil {
			log.Warn("history sink unavailable", "error", err)
		} else {
			coord.SetHistorySinks(sink)
			defer func() { _ = sink.Close() }()
		}
	}

	ctx := context.Background()
	if err := coord.Recover(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	if err := reconcilePrograms(ctx, coord, cfg); err != nil {
		return err
	}

	listen := ":8420"
	basePath := "/api"
	if cfg.Server != nil {
		if cfg.Server.Listen != "" {
			listen = cfg.Server.Listen
		}
		if cfg.Server.BasePath != "" {
			basePath = cfg.Server.BasePath
		}
	}
	srv, err := server.NewServer(listen, basePath, coord)
	if err != nil {
		return fmt.Errorf("start api server: %w", err)
	}
	log.Info("sentinel serving", "listen", listen, "base_path", basePath)

	var metricsSrv *http.Server
	if m := cfg.Metrics; m != nil && m.Enabled && m.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: m.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("metrics server failed", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return coord.Shutdown(shutdownCtx)
}

// reconcilePrograms applies the declarative programs directory: policies
// first, then workloads (create-if-absent by name), then schedules.
func reconcilePrograms(ctx context.Context, coord *coordinator.Coordinator, cfg *config.Config) error {
	entries, err := config.LoadProgramEntries(cfg.ProgramsDir())
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	progs, err := config.DecodePrograms(entries)
	if err != nil {
		return err
	}
	for _, p := range progs.Policies {
		if err := coord.PutPolicy(ctx, p); err != nil {
			return fmt.Errorf("policy %q: %w", p.Name, err)
		}
	}
	for _, ws := range progs.Workloads {
		if _, _, err := coord.Describe(ws.Name); err == nil {
			continue // already declared
		}
		_, err := coord.CreateWorkload(ctx, coordinator.CreateRequest{
			Name:    ws.Name,
			Argv:    ws.Argv,
			WorkDir: ws.WorkDir,
			Env:     ws.Env,
			Group:   ws.Group,
			Policy:  ws.Policy,
		})
		if err != nil {
			return fmt.Errorf("workload %q: %w", ws.Name, err)
		}
	}
	for _, ss := range progs.Schedules {
		kind, err := ss.KindValue()
		if err != nil {
			return err
		}
		existing, err := coord.Schedules(ss.Workload)
		if err != nil {
			if apperr.Is(err, apperr.NotFound) {
				return fmt.Errorf("schedule references unknown workload %q", ss.Workload)
			}
			return err
		}
		if hasSchedule(existing, kind, ss.Expression) {
			continue
		}
		if _, err := coord.PutSchedule(ctx, coordinator.ScheduleRequest{
			Workload:   ss.Workload,
			Kind:       kind,
			Expression: ss.Expression,
			Enabled:    ss.Enabled,
		}); err != nil {
			return fmt.Errorf("schedule for %q: %w", ss.Workload, err)
		}
	}
	slog.Info("programs reconciled",
		"policies", len(progs.Policies), "workloads", len(progs.Workloads), "schedules", len(progs.Schedules))
	return nil
}

func hasSchedule(scheds []workload.Schedule, kind workload.ScheduleKind, expr string) bool {
	for _, sc := range scheds {
		if sc.Kind == kind && sc.Expression == expr {
			return true
		}
	}
	return false
}
