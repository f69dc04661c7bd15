// Package config loads the daemon configuration file and the declarative
// program definitions. Configuration keys are enumerated; unknown keys are
// rejected at load time.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/loykin/sentinel/internal/coordinator"
	"github.com/loykin/sentinel/internal/duration"
	"github.com/loykin/sentinel/internal/logger"
)

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type HistoryConfig struct {
	ClickHouseAddr     string `mapstructure:"clickhouse_addr"`
	ClickHouseDatabase string `mapstructure:"clickhouse_database"`
	ClickHouseUsername string `mapstructure:"clickhouse_username"`
	ClickHousePassword string `mapstructure:"clickhouse_password"`
	ClickHouseTable    string `mapstructure:"clickhouse_table"`
}

// Config is the full daemon configuration.
type Config struct {
	Timezone               string `mapstructure:"timezone"`
	LogFlushBatch          int    `mapstructure:"log_flush_batch"`
	LogFlushIntervalMS     int    `mapstructure:"log_flush_interval_ms"`
	LogQueueMax            int    `mapstructure:"log_queue_max"`
	MetricSampleIntervalMS int    `mapstructure:"metric_sample_interval_ms"`
	DefaultStopGraceMS     int    `mapstructure:"default_stop_grace_ms"`
	CommandTimeoutMS       int    `mapstructure:"command_timeout_ms"`
	RetentionMaxAge        string `mapstructure:"retention_max_age"`
	RetentionMaxRecords    int64  `mapstructure:"retention_max_records"`
	MaxLineBytes           int    `mapstructure:"max_line_bytes"`
	ProgramsDirectory      string `mapstructure:"programs_directory"`

	Store       *StoreConfig        `mapstructure:"store"`
	Server      *ServerConfig       `mapstructure:"server"`
	Metrics     *MetricsConfig      `mapstructure:"metrics"`
	History     *HistoryConfig      `mapstructure:"history"`
	Log         logger.Config       `mapstructure:"log"`
	WorkloadLog logger.MirrorConfig `mapstructure:"workload_log"`

	Programs []ProgramEntry `mapstructure:"programs"`

	configPath string
}

// ProgramEntry is one declarative definition, discriminated by type.
type ProgramEntry struct {
	Type string         `mapstructure:"type"` // workload, policy, schedule
	Spec map[string]any `mapstructure:"spec"`
}

// decodeStrict decodes m into T rejecting unknown keys.
func decodeStrict[T any](m map[string]any) (T, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &out,
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(m); err != nil {
		return out, err
	}
	return out, nil
}

// Load parses the config file at path (TOML or YAML, by extension).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := decodeStrict[Config](v.AllSettings())
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.configPath = path
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
		}
	}
	if c.RetentionMaxAge != "" {
		if _, err := duration.Parse(c.RetentionMaxAge); err != nil {
			return fmt.Errorf("invalid retention_max_age: %w", err)
		}
	}
	return nil
}

// CoreConfig converts the file representation into the coordinator's config.
func (c *Config) CoreConfig() coordinator.Config {
	out := coordinator.Config{
		Timezone:             c.Timezone,
		LogFlushBatch:        c.LogFlushBatch,
		LogFlushInterval:     time.Duration(c.LogFlushIntervalMS) * time.Millisecond,
		LogQueueMax:          c.LogQueueMax,
		MetricSampleInterval: time.Duration(c.MetricSampleIntervalMS) * time.Millisecond,
		DefaultStopGrace:     time.Duration(c.DefaultStopGraceMS) * time.Millisecond,
		CommandTimeout:       time.Duration(c.CommandTimeoutMS) * time.Millisecond,
		RetentionMaxRecords:  c.RetentionMaxRecords,
		MaxLineBytes:         c.MaxLineBytes,
		Mirror:               c.WorkloadLog,
	}
	if c.RetentionMaxAge != "" {
		if d, err := duration.Parse(c.RetentionMaxAge); err == nil {
			out.RetentionMaxAge = d
		}
	}
	return out
}

// StoreDSN returns the configured DSN, defaulting to a sqlite file next to
// the config.
func (c *Config) StoreDSN() string {
	if c.Store != nil && c.Store.DSN != "" {
		return c.Store.DSN
	}
	dir := filepath.Dir(c.configPath)
	return "sqlite://" + filepath.Join(dir, "sentinel.db")
}

// ProgramsDir resolves the programs directory relative to the config file.
func (c *Config) ProgramsDir() string {
	dir := c.ProgramsDirectory
	if dir == "" {
		dir = "programs"
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(filepath.Dir(c.configPath), dir)
}

// LoadProgramEntries reads per-file definitions from the programs directory.
// Missing directory is not an error. Files are processed in name order.
func LoadProgramEntries(dir string) ([]ProgramEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".toml" || ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	var out []ProgramEntry
	for _, name := range names {
		path := filepath.Join(dir, name)
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read program %s: %w", name, err)
		}
		pe, err := decodeStrict[ProgramEntry](v.AllSettings())
		if err != nil {
			return nil, fmt.Errorf("parse program %s: %w", name, err)
		}
		if pe.Type == "" {
			return nil, fmt.Errorf("program %s: missing type", name)
		}
		out = append(out, pe)
	}
	return out, nil
}
