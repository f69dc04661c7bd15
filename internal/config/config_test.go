package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/sentinel/internal/workload"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "sentinel.toml", `
timezone = "UTC"
log_flush_batch = 50
log_flush_interval_ms = 100
metric_sample_interval_ms = 2000
default_stop_grace_ms = 5000
command_timeout_ms = 3000
retention_max_age = "7d"
retention_max_records = 500000

[store]
dsn = "sqlite://state.db"

[server]
listen = ":9000"
base_path = "/api"

[log]
level = "debug"
format = "json"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFlushBatch != 50 || cfg.MetricSampleIntervalMS != 2000 {
		t.Errorf("fields: %+v", cfg)
	}
	if cfg.StoreDSN() != "sqlite://state.db" {
		t.Errorf("dsn: %s", cfg.StoreDSN())
	}
	core := cfg.CoreConfig()
	if core.LogFlushInterval != 100*time.Millisecond ||
		core.DefaultStopGrace != 5*time.Second ||
		core.RetentionMaxAge != 7*24*time.Hour {
		t.Errorf("core config: %+v", core)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log config: %+v", cfg.Log)
	}
}

func TestUnknownKeysRejected(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.toml", `
timezone = "UTC"
no_such_key = true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("unknown key accepted")
	}
}

func TestInvalidTimezoneRejected(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tz.toml", `timezone = "Mars/OlympusMons"`)
	if _, err := Load(path); err == nil {
		t.Fatal("invalid timezone accepted")
	}
}

func TestDefaultDSNDerivedFromConfigPath(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "sentinel.toml", `timezone = "UTC"`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "sqlite://" + filepath.Join(dir, "sentinel.db")
	if cfg.StoreDSN() != want {
		t.Errorf("dsn = %s, want %s", cfg.StoreDSN(), want)
	}
}

func TestLoadProgramEntries(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "10-policy.toml", `
type = "policy"
[spec]
name = "steady"
max_retries = 3
initial_delay = "1s"
backoff_multiplier = 2.0
max_delay = "30s"
`)
	writeFile(t, dir, "20-web.toml", `
type = "workload"
[spec]
name = "web"
argv = ["/usr/bin/env", "true"]
policy = "steady"
group = "frontends"
[spec.env]
PORT = "8080"
`)
	writeFile(t, dir, "30-nightly.yaml", `
type: schedule
spec:
  workload: web
  kind: cron
  expression: "30 2 * * *"
  enabled: true
`)
	entries, err := LoadProgramEntries(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries", len(entries))
	}
	progs, err := DecodePrograms(entries)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(progs.Policies) != 1 || len(progs.Workloads) != 1 || len(progs.Schedules) != 1 {
		t.Fatalf("decoded: %+v", progs)
	}
	p := progs.Policies[0]
	if p.Name != "steady" || p.InitialDelay != time.Second || p.MaxDelay != 30*time.Second {
		t.Errorf("policy: %+v", p)
	}
	w := progs.Workloads[0]
	if w.Name != "web" || w.Env["PORT"] != "8080" || w.Policy != "steady" {
		t.Errorf("workload: %+v", w)
	}
	s := progs.Schedules[0]
	kind, err := s.KindValue()
	if err != nil || kind != workload.ScheduleCron {
		t.Errorf("schedule kind: %v %v", kind, err)
	}
}

func TestProgramsDirectoryMissingIsFine(t *testing.T) {
	entries, err := LoadProgramEntries(filepath.Join(t.TempDir(), "nope"))
	if err != nil || entries != nil {
		t.Errorf("missing dir: %v %v", entries, err)
	}
}

func TestProgramUnknownTypeRejected(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.toml", "type = \"mystery\"\n[spec]\nname = \"x\"\n")
	entries, err := LoadProgramEntries(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodePrograms(entries); err == nil {
		t.Fatal("unknown program type accepted")
	}
}

func TestUnlimitedPolicySpec(t *testing.T) {
	p, err := PolicySpec{Name: "forever", Unlimited: true, InitialDelay: "1s", MaxDelay: "10s"}.ToPolicy()
	if err != nil {
		t.Fatalf("to policy: %v", err)
	}
	if p.MaxRetries != workload.UnlimitedRetries || !p.Unbounded() {
		t.Errorf("policy: %+v", p)
	}
	if p.BackoffMultiplier != 1.0 {
		t.Errorf("default multiplier: %v", p.BackoffMultiplier)
	}
}
