// Package scheduler starts review sessions on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petrijr/reviewflow/pkg/api"
)

// Launcher starts sessions in the background and reads them back.
// *orchestrator.Orchestrator satisfies it.
type Launcher interface {
	Launch(ctx context.Context, req api.StartRequest) (string, error)
	Session(ctx context.Context, sessionID string) (*api.Session, error)
}

// Parser accepts standard five-field specs and descriptors such as @daily.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLocation sets the time zone specs are evaluated in. Default UTC.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

type entry struct {
	id   cron.EntryID
	spec string
	req  api.StartRequest

	mu   sync.Mutex
	last string
}

// Scheduler fires one session per schedule tick. A tick is skipped while
// the session started by the previous tick of the same schedule is still
// unfinished.
type Scheduler struct {
	launcher Launcher
	logger   *slog.Logger
	loc      *time.Location
	cron     *cron.Cron

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a stopped Scheduler.
func New(l Launcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		launcher: l,
		logger:   slog.Default(),
		loc:      time.UTC,
		entries:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = cron.New(
		cron.WithParser(Parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLogger{s.logger}),
		cron.WithChain(cron.Recover(cronLogger{s.logger})),
	)
	return s
}

// Add registers a named schedule. The request's session type is forced to
// scheduled.
func (s *Scheduler) Add(name, spec string, req api.StartRequest) error {
	if name == "" {
		return &api.ValidationError{Field: "name", Message: "must not be empty"}
	}
	sched, err := Parser.Parse(spec)
	if err != nil {
		return &api.ValidationError{Field: "spec", Message: err.Error()}
	}
	req.SessionType = api.SessionScheduled

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("schedule %q already registered", name)
	}
	e := &entry{spec: spec, req: req}
	e.id = s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(name, e) }))
	s.entries[name] = e
	return nil
}

// Remove unregisters a schedule.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return false
	}
	s.cron.Remove(e.id)
	delete(s.entries, name)
	return true
}

// Names lists the registered schedules.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	return out
}

// Next returns the next activation time of a schedule.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(e.id).Next, true
}

// Start runs the schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler_started", slog.Int("schedules", len(s.Names())))
}

// Stop halts new ticks and waits for running ticks to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ErrUnknownSchedule is returned by Trigger for an unregistered name.
var ErrUnknownSchedule = errors.New("schedule not registered")

// Trigger fires a schedule immediately, subject to the same overlap rule as
// a regular tick. It returns the started session id, or "" when skipped.
func (s *Scheduler) Trigger(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSchedule, name)
	}
	return s.launch(ctx, name, e)
}

func (s *Scheduler) fire(name string, e *entry) {
	ctx := context.Background()
	if _, err := s.launch(ctx, name, e); err != nil {
		s.logger.ErrorContext(ctx, "schedule_failed",
			slog.String("schedule", name),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) launch(ctx context.Context, name string, e *entry) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.last != "" {
		prev, err := s.launcher.Session(ctx, e.last)
		if err == nil && !prev.Status.Terminal() {
			s.logger.InfoContext(ctx, "schedule_skipped",
				slog.String("schedule", name),
				slog.String("active_session_id", e.last),
				slog.String("status", string(prev.Status)),
			)
			return "", nil
		}
	}

	id, err := s.launcher.Launch(ctx, e.req)
	if err != nil {
		return "", fmt.Errorf("launch schedule %s: %w", name, err)
	}
	e.last = id
	s.logger.InfoContext(ctx, "schedule_fired",
		slog.String("schedule", name),
		slog.String("session_id", id),
		slog.String("workflow_type", e.req.WorkflowType),
	)
	return id, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron_"+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron_"+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
