// Package model defines the configuration, state and monitoring structures of the ACD.
package model

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Project   ProjectConfig    `yaml:"project"`
	Dispatch  DispatchConfig   `yaml:"dispatch"`
	Queues    []QueueConfig    `yaml:"queues"`
	Operators []OperatorConfig `yaml:"operators"`
	Media     MediaConfig      `yaml:"media"`
	Sinks     SinksConfig      `yaml:"sinks"`
	Daemon    DaemonConfig     `yaml:"daemon"`
	Logging   LoggingConfig    `yaml:"logging"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type DispatchConfig struct {
	InviteTimeoutSec   int    `yaml:"invite_timeout_sec"`
	EndpointTimeoutSec int    `yaml:"endpoint_timeout_sec"`
	BusyTimeoutSec     int    `yaml:"busy_timeout_sec"`
	SweepSchedule      string `yaml:"sweep_schedule"`
	ResetStepOnMove    *bool  `yaml:"reset_step_on_move"`
}

type QueueConfig struct {
	Name             string         `yaml:"name"`
	MaxWaitSec       int            `yaml:"max_wait_sec"`
	TransferFallback string         `yaml:"transfer_fallback"`
	Average          AverageConfig  `yaml:"average"`
	OnBusy           []OnBusyConfig `yaml:"on_busy"`
}

type AverageConfig struct {
	// Policy is "cumulative" (default) or "ewma".
	Policy string  `yaml:"policy"`
	Alpha  float64 `yaml:"alpha"`
}

type OnBusyConfig struct {
	// Type is one of wait, reject, move, max_wait, reject_if_no_operators.
	Type string `yaml:"type"`
	// Policy is one of leave, goto, immediate.
	Policy     string `yaml:"policy"`
	Queue      string `yaml:"queue,omitempty"`
	TimeoutSec int    `yaml:"timeout_sec,omitempty"`
}

type OperatorConfig struct {
	ID             string   `yaml:"id"`
	Description    string   `yaml:"description"`
	Phones         []string `yaml:"phones"`
	Queues         []string `yaml:"queues"`
	Active         bool     `yaml:"active"`
	CallerIDPrefix string   `yaml:"caller_id_prefix,omitempty"`
}

type MediaConfig struct {
	Endpoints      int `yaml:"endpoints"`
	AnswerDelayMs  int `yaml:"answer_delay_ms"`
	TalkTimeMs     int `yaml:"talk_time_ms"`
	AcquireDelayMs int `yaml:"acquire_delay_ms"`
}

type SinksConfig struct {
	Kafka    KafkaSinkConfig    `yaml:"kafka"`
	Postgres PostgresSinkConfig `yaml:"postgres"`
	Journal  JournalConfig      `yaml:"journal"`
}

type KafkaSinkConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type PostgresSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	Table   string `yaml:"table"`
}

type JournalConfig struct {
	Enabled    bool  `yaml:"enabled"`
	MaxSizeMB  int64 `yaml:"max_size_mb"`
	BufferSize int   `yaml:"buffer_size"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec  int `yaml:"shutdown_timeout_sec"`
	SnapshotIntervalSec int `yaml:"snapshot_interval_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// InviteTimeout returns the configured invite timeout, defaulting to 30s.
func (c DispatchConfig) InviteTimeout() time.Duration {
	return secondsOr(c.InviteTimeoutSec, 30)
}

// EndpointTimeout returns the endpoint acquisition timeout, defaulting to 5s.
func (c DispatchConfig) EndpointTimeout() time.Duration {
	return secondsOr(c.EndpointTimeoutSec, 5)
}

// BusyTimeout returns the operator busy timer, defaulting to 20s.
func (c DispatchConfig) BusyTimeout() time.Duration {
	return secondsOr(c.BusyTimeoutSec, 20)
}

// ResetsStepOnMove reports whether a moved request restarts the destination
// chain at step 0. Defaults to true.
func (c DispatchConfig) ResetsStepOnMove() bool {
	if c.ResetStepOnMove == nil {
		return true
	}
	return *c.ResetStepOnMove
}

func secondsOr(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

// ApplyDefaults fills zero values with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Dispatch.SweepSchedule == "" {
		c.Dispatch.SweepSchedule = "@every 5s"
	}
	if c.Media.Endpoints <= 0 {
		c.Media.Endpoints = 8
	}
	if c.Sinks.Kafka.Topic == "" {
		c.Sinks.Kafka.Topic = "acd-events"
	}
	if c.Sinks.Postgres.Table == "" {
		c.Sinks.Postgres.Table = "call_records"
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Daemon.SnapshotIntervalSec <= 0 {
		c.Daemon.SnapshotIntervalSec = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the cross references between queues, chains and operators.
func (c *Config) Validate() error {
	names := make(map[string]bool, len(c.Queues))
	for _, q := range c.Queues {
		if strings.TrimSpace(q.Name) == "" {
			return fmt.Errorf("queue with empty name")
		}
		if names[q.Name] {
			return fmt.Errorf("duplicate queue %q", q.Name)
		}
		names[q.Name] = true
	}
	for _, q := range c.Queues {
		for i, step := range q.OnBusy {
			if step.Type == "move" && !names[step.Queue] {
				return fmt.Errorf("queue %q on_busy[%d]: unknown move target %q", q.Name, i, step.Queue)
			}
		}
	}
	ids := make(map[string]bool, len(c.Operators))
	for _, op := range c.Operators {
		if op.ID == "" {
			return fmt.Errorf("operator with empty id")
		}
		if ids[op.ID] {
			return fmt.Errorf("duplicate operator %q", op.ID)
		}
		ids[op.ID] = true
		for _, qn := range op.Queues {
			if !names[qn] {
				return fmt.Errorf("operator %q: unknown queue %q", op.ID, qn)
			}
		}
	}
	return nil
}

// LoadConfig reads a YAML config file, applies defaults and environment
// overrides, and validates the result.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ACD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ACD_KAFKA_BROKERS"); v != "" {
		cfg.Sinks.Kafka.Brokers = strings.Split(v, ",")
		cfg.Sinks.Kafka.Enabled = true
	}
	if v := os.Getenv("ACD_POSTGRES_DSN"); v != "" {
		cfg.Sinks.Postgres.DSN = v
		cfg.Sinks.Postgres.Enabled = true
	}
}

// Roster is the live operator availability file watched by the daemon.
type Roster struct {
	Operators map[string]bool `yaml:"operators"`
}

// LoadRoster reads operator availability flags keyed by operator id.
func LoadRoster(path string) (Roster, error) {
	var r Roster
	data, err := os.ReadFile(path)
	if err != nil {
		return r, fmt.Errorf("read roster: %w", err)
	}
	if err := yaml.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("parse roster: %w", err)
	}
	return r, nil
}
