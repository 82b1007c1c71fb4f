package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/reviewflow/pkg/api"
)

const (
	// DefaultApprovalTimeout is how long a session waits for a human
	// decision before resolving as timeout.
	DefaultApprovalTimeout = 5 * time.Minute
	// DefaultConfidenceThreshold is the minimum action confidence
	// auto-approve accepts.
	DefaultConfidenceThreshold = 0.9
	// DefaultLeaseTTL is how long a session lease outlives its last
	// renewal.
	DefaultLeaseTTL = 30 * time.Second
)

// Config holds the orchestrator defaults. Per-session values are resolved
// from it at Start and stored on the session.
type Config struct {
	// DefaultApprovalTimeout applies when a StartRequest sets no timeout.
	DefaultApprovalTimeout time.Duration
	// AutoApprove lets sessions skip the human gate when every proposed
	// action has Confidence >= ConfidenceThreshold.
	AutoApprove         bool
	ConfidenceThreshold float64

	// LeaseTTL bounds how long a crashed executor keeps a session locked.
	// Leases are renewed every LeaseTTL/3 while a run is active.
	LeaseTTL time.Duration
	// Owner identifies this process in session leases.
	Owner string
	// RestartInterrupted launches a recovery session for every session
	// found running at recovery time.
	RestartInterrupted bool

	Logger   *slog.Logger
	Observer api.Observer
	Applier  api.ActionApplier
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.DefaultApprovalTimeout == 0 {
		c.DefaultApprovalTimeout = DefaultApprovalTimeout
	}
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.Owner == "" {
		host, _ := os.Hostname()
		c.Owner = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Observer == nil {
		c.Observer = api.NoopObserver{}
	}
	return c
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.DefaultApprovalTimeout < time.Second {
		errs = append(errs, fmt.Errorf("orchestrator: default approval timeout must be at least 1s, got %s", c.DefaultApprovalTimeout))
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("orchestrator: confidence threshold must be within [0,1], got %v", c.ConfidenceThreshold))
	}
	if c.LeaseTTL <= 0 {
		errs = append(errs, errors.New("orchestrator: lease ttl must be positive"))
	}
	return errors.Join(errs...)
}

func (c Config) runOptions() api.RunOptions {
	return api.RunOptions{
		ApprovalTimeoutSeconds: int(c.DefaultApprovalTimeout / time.Second),
		AutoApprove:            c.AutoApprove,
		ConfidenceThreshold:    c.ConfidenceThreshold,
	}
}
