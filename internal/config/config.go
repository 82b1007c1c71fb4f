// Package config loads the reviewflow service configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/reviewflow/internal/orchestrator"
	"github.com/petrijr/reviewflow/pkg/api"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
)

// DefaultWorkflow is the workflow type registered by DefaultConfig.
const DefaultWorkflow = "account_review"

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Workflows    []WorkflowConfig   `yaml:"workflows"`
	Schedules    []ScheduleConfig   `yaml:"schedules"`
	Logging      LoggingConfig      `yaml:"logging"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

type ServerConfig struct {
	Addr               string `yaml:"addr"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
	// EventBuffer is the per-subscriber event queue length.
	EventBuffer int `yaml:"event_buffer"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	// DSN is the SQLite file, Postgres connection string, Redis address or
	// Mongo URI, depending on Driver.
	DSN      string `yaml:"dsn"`
	Database string `yaml:"database"`
	Prefix   string `yaml:"prefix"`
}

type OrchestratorConfig struct {
	ApprovalTimeoutSec  int     `yaml:"approval_timeout_sec"`
	AutoApprove         bool    `yaml:"auto_approve"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	LeaseTTLSec         int     `yaml:"lease_ttl_sec"`
	RestartInterrupted  bool    `yaml:"restart_interrupted"`
	Owner               string  `yaml:"owner"`
}

type WorkflowConfig struct {
	Name  string       `yaml:"name"`
	Steps []StepConfig `yaml:"steps"`
}

type StepConfig struct {
	Name    string       `yaml:"name"`
	Task    string       `yaml:"task"`
	Group   string       `yaml:"group"`
	OnError string       `yaml:"on_error"`
	Retry   *RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts  int     `yaml:"max_attempts"`
	BackoffMs    int     `yaml:"backoff_ms"`
	MaxBackoffMs int     `yaml:"max_backoff_ms"`
	Multiplier   float64 `yaml:"multiplier"`
}

// ScheduleConfig launches a scheduled session on a cron spec.
type ScheduleConfig struct {
	Name         string   `yaml:"name"`
	Spec         string   `yaml:"spec"`
	WorkflowType string   `yaml:"workflow_type"`
	SubjectIDs   []string `yaml:"subject_ids"`
	OwnerFilter  string   `yaml:"owner_filter"`
	TimeoutSec   int      `yaml:"timeout_sec"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	// Output is a file path for exported spans; empty means stdout.
	Output string `yaml:"output"`
}

// DefaultConfig returns an in-memory configuration with the built-in
// account review workflow.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:               ":8080",
			ShutdownTimeoutSec: 15,
			EventBuffer:        1000,
		},
		Store: StoreConfig{Driver: DriverMemory},
		Orchestrator: OrchestratorConfig{
			ApprovalTimeoutSec:  300,
			ConfidenceThreshold: orchestrator.DefaultConfidenceThreshold,
			LeaseTTLSec:         30,
		},
		Workflows: []WorkflowConfig{{
			Name: DefaultWorkflow,
			Steps: []StepConfig{
				{Name: "retrieve_accounts", Retry: &RetryConfig{MaxAttempts: 3, BackoffMs: 200, MaxBackoffMs: 2000}},
				{Name: "analyze_history", Group: "analysis"},
				{Name: "score_signals", Group: "analysis", OnError: string(api.FailSkip)},
				{Name: "synthesize_recommendations"},
			},
		}},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Tracing: TracingConfig{ServiceName: "reviewflow"},
	}
}

// Load reads a YAML file on top of DefaultConfig and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of DefaultConfig and validates the result. A
// workflows list in data replaces the default workflows.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr must not be empty"))
	}
	if c.Server.ShutdownTimeoutSec <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout_sec must be positive"))
	}
	if c.Server.EventBuffer <= 0 {
		errs = append(errs, errors.New("server.event_buffer must be positive"))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres, DriverRedis, DriverMongo:
		if strings.TrimSpace(c.Store.DSN) == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}

	if c.Orchestrator.ApprovalTimeoutSec <= 0 {
		errs = append(errs, errors.New("orchestrator.approval_timeout_sec must be positive"))
	}
	if th := c.Orchestrator.ConfidenceThreshold; th < 0 || th > 1 {
		errs = append(errs, fmt.Errorf("orchestrator.confidence_threshold must be within [0,1], got %v", th))
	}
	if c.Orchestrator.LeaseTTLSec <= 0 {
		errs = append(errs, errors.New("orchestrator.lease_ttl_sec must be positive"))
	}

	workflows := make(map[string]struct{}, len(c.Workflows))
	for i, wf := range c.Workflows {
		if _, dup := workflows[wf.Name]; dup {
			errs = append(errs, fmt.Errorf("workflows[%d]: duplicate workflow %q", i, wf.Name))
		}
		workflows[wf.Name] = struct{}{}
		if err := wf.Definition().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("workflows[%d]: %w", i, err))
		}
	}

	for i, sc := range c.Schedules {
		if strings.TrimSpace(sc.Name) == "" {
			errs = append(errs, fmt.Errorf("schedules[%d]: name must not be empty", i))
		}
		if _, err := cron.ParseStandard(sc.Spec); err != nil {
			errs = append(errs, fmt.Errorf("schedules[%d]: invalid spec %q: %w", i, sc.Spec, err))
		}
		if _, ok := workflows[sc.WorkflowType]; !ok {
			errs = append(errs, fmt.Errorf("schedules[%d]: unknown workflow %q", i, sc.WorkflowType))
		}
		if len(sc.SubjectIDs) == 0 {
			errs = append(errs, fmt.Errorf("schedules[%d]: subject_ids must not be empty", i))
		}
		if sc.TimeoutSec < 0 {
			errs = append(errs, fmt.Errorf("schedules[%d]: timeout_sec must not be negative", i))
		}
	}

	if _, err := c.Logging.level(); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// Runtime converts the orchestrator section to an orchestrator.Config.
func (c OrchestratorConfig) Runtime() orchestrator.Config {
	return orchestrator.Config{
		DefaultApprovalTimeout: time.Duration(c.ApprovalTimeoutSec) * time.Second,
		AutoApprove:            c.AutoApprove,
		ConfidenceThreshold:    c.ConfidenceThreshold,
		LeaseTTL:               time.Duration(c.LeaseTTLSec) * time.Second,
		RestartInterrupted:     c.RestartInterrupted,
		Owner:                  c.Owner,
	}
}

// ShutdownTimeout is the grace period for in-flight requests and sessions.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}

// Definition converts the workflow section to a WorkflowDefinition.
func (w WorkflowConfig) Definition() api.WorkflowDefinition {
	def := api.WorkflowDefinition{Name: w.Name, Steps: make([]api.StepDefinition, len(w.Steps))}
	for i, s := range w.Steps {
		step := api.StepDefinition{
			Name:    s.Name,
			Task:    s.Task,
			Group:   s.Group,
			OnError: api.FailurePolicy(s.OnError),
		}
		if s.Retry != nil {
			step.Retry = &api.RetryPolicy{
				MaxAttempts: s.Retry.MaxAttempts,
				Backoff:     time.Duration(s.Retry.BackoffMs) * time.Millisecond,
				MaxBackoff:  time.Duration(s.Retry.MaxBackoffMs) * time.Millisecond,
				Multiplier:  s.Retry.Multiplier,
			}
		}
		def.Steps[i] = step
	}
	return def
}

// StartRequest builds the request a schedule launches on every tick.
func (s ScheduleConfig) StartRequest() api.StartRequest {
	return api.StartRequest{
		SubjectIDs:     append([]string(nil), s.SubjectIDs...),
		WorkflowType:   s.WorkflowType,
		SessionType:    api.SessionScheduled,
		OwnerFilter:    s.OwnerFilter,
		TimeoutSeconds: s.TimeoutSec,
	}
}

func (l LoggingConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return lvl, nil
}

// Logger builds a slog.Logger writing to w.
func (l LoggingConfig) Logger(w io.Writer) *slog.Logger {
	lvl, err := l.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
