package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/reviewflow/internal/approval"
	"github.com/petrijr/reviewflow/internal/persistence"
	"github.com/petrijr/reviewflow/internal/tracing"
	"github.com/petrijr/reviewflow/pkg/api"
)

func (o *Orchestrator) execute(r *run) (_ *api.Session, err error) {
	defer o.end(r)
	bg := context.WithoutCancel(r.ctx)

	s, err := o.p.Sessions.GetSession(bg, r.id)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return s, fmt.Errorf("execute %s: %w", r.id, api.ErrSessionTerminal)
	}
	acquired, err := o.p.Sessions.TryAcquireLease(bg, r.id, o.cfg.Owner, o.cfg.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire lease on %s: %w", r.id, err)
	}
	if !acquired {
		return s, fmt.Errorf("execute %s: %w", r.id, persistence.ErrSessionLocked)
	}
	stopLease := o.keepLease(r)
	defer func() {
		stopLease()
		if err := o.p.Sessions.ReleaseLease(bg, r.id, o.cfg.Owner); err != nil {
			o.logger.WarnContext(bg, "lease_release_failed",
				slog.String("session_id", r.id),
				slog.Any("error", err),
			)
		}
	}()

	r.mu.Lock()
	r.session = s
	r.mu.Unlock()

	ctx, span := tracing.StartSpan(r.ctx, "session.execute",
		attribute.String("session_id", r.id),
		attribute.String("workflow_type", s.WorkflowType),
	)
	defer func() { tracing.EndSpan(span, err) }()

	driveErr := o.safeDrive(ctx, r)
	err = o.conclude(ctx, r, driveErr)
	return r.snapshot(), err
}

func (o *Orchestrator) safeDrive(ctx context.Context, r *run) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &api.FatalError{Stage: "orchestrator", Err: fmt.Errorf("panic: %v", p), Stack: string(debug.Stack())}
		}
	}()
	return o.drive(ctx, r)
}

// conclude finalizes a session whose drive returned without reaching a
// terminal state and returns the error Execute reports.
func (o *Orchestrator) conclude(ctx context.Context, r *run, err error) error {
	if done, terr := r.result(); done {
		return terr
	}
	bg := context.WithoutCancel(ctx)

	if r.ctx.Err() != nil {
		cause := context.Cause(r.ctx)
		if errors.Is(cause, approval.ErrDetached) {
			o.logger.InfoContext(bg, "session_detached",
				slog.String("session_id", r.id),
				slog.String("status", string(r.status())),
			)
			return approval.ErrDetached
		}
		o.interruptPending(bg, r.id)
		o.finalize(bg, r, terminal{status: api.StatusInterrupted, reason: cause.Error(), err: ErrInterrupted})
		return ErrInterrupted
	}

	if err == nil {
		err = api.NewFatalError("orchestrator", errors.New("session stopped without a terminal state"))
	}
	data := map[string]any{}
	var fatal *api.FatalError
	if errors.As(err, &fatal) {
		data["stage"] = fatal.Stage
		o.audit(bg, r.id, api.ActorSystem, api.AuditFatalError, map[string]any{
			"stage": fatal.Stage,
			"error": fatal.Err.Error(),
			"stack": fatal.Stack,
		})
	}
	var taskErr *api.TaskError
	if errors.As(err, &taskErr) {
		data["agent"] = taskErr.Task
		data["attempts"] = taskErr.Attempts
	}
	o.finalize(bg, r, terminal{status: api.StatusFailed, err: err, data: data})
	return err
}

func (o *Orchestrator) drive(ctx context.Context, r *run) error {
	switch r.status() {
	case api.StatusPending:
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		def, err := o.reg.Resolve(r.snapshot().WorkflowType)
		if err != nil {
			return api.NewFatalError("resolve", err)
		}
		if err := o.transition(ctx, r, api.StatusRunning, nil); err != nil {
			return err
		}
		o.cfg.Observer.OnSessionStart(ctx, r.snapshot())

		actions, err := o.runStages(ctx, r, def)
		if err != nil {
			return err
		}
		if len(actions) == 0 {
			o.finalize(ctx, r, terminal{status: api.StatusCompleted, outcome: api.OutcomeCompleted})
			return nil
		}
		return o.gateActions(ctx, r, actions)

	case api.StatusPausedForApproval:
		return o.awaitApproval(ctx, r, r.snapshot().ApprovalRequestID, nil)

	case api.StatusRunning:
		// The executor that checkpointed this session is gone; its
		// in-flight work cannot be resumed.
		o.interruptPending(ctx, r.id)
		o.finalize(ctx, r, terminal{
			status: api.StatusInterrupted,
			reason: "executor lost while running",
			err:    ErrInterrupted,
		})
		return nil
	}
	return api.NewFatalError("drive", fmt.Errorf("unexpected status %q", r.status()))
}

// runStages runs every stage of def in order and returns the actions
// proposed by the final stage.
func (o *Orchestrator) runStages(ctx context.Context, r *run, def api.WorkflowDefinition) ([]api.ProposedAction, error) {
	stages := def.Stages()
	var proposed []api.ProposedAction
	index := 0
	for si, stage := range stages {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}

		outs := make([]api.TaskOutput, len(stage))
		errs := make([]error, len(stage))
		if len(stage) == 1 {
			outs[0], errs[0] = o.runStep(ctx, r, stage[0], index)
		} else {
			var g errgroup.Group
			for i, step := range stage {
				g.Go(func() error {
					outs[i], errs[i] = o.runStep(ctx, r, step, index+i)
					return nil
				})
			}
			_ = g.Wait()
		}
		index += len(stage)

		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		for i, err := range errs {
			if err == nil {
				continue
			}
			var fatal *api.FatalError
			if errors.As(err, &fatal) || stage[i].Policy() == api.FailAbort {
				return nil, err
			}
			o.logger.WarnContext(ctx, "step_skipped_after_failure",
				slog.String("session_id", r.id),
				slog.String("step", stage[i].Name),
				slog.Any("error", err),
			)
		}

		if si == len(stages)-1 {
			for i, out := range outs {
				if errs[i] == nil {
					proposed = append(proposed, out.ProposedActions...)
				}
			}
		}
	}
	return proposed, nil
}

// runStep invokes one step with its retry policy. It returns a
// *api.TaskError when the task keeps failing, a *api.FatalError when it
// panics and the cancellation cause when the session is cancelled.
func (o *Orchestrator) runStep(ctx context.Context, r *run, step api.StepDefinition, index int) (api.TaskOutput, error) {
	task, err := o.reg.Task(step.TaskName())
	if err != nil {
		return api.TaskOutput{}, api.NewFatalError("task."+step.Name, err)
	}
	policy := api.RetryPolicy{MaxAttempts: 1}
	if step.Retry != nil {
		policy = *step.Retry
	}

	o.updateStep(ctx, r, step.Name, func(ts *api.TaskStep) {
		ts.Status = api.StepRunning
		ts.StartedAt = time.Now().UTC()
	})
	started := map[string]any{"agent": step.Name, "step_index": index}
	if step.Group != "" {
		started["group"] = step.Group
	}
	o.emit(ctx, r.id, api.EventAgentStarted, started)

	rep := reporter{o: o, sessionID: r.id, step: step.Name}
	var (
		out      api.TaskOutput
		attempts int
	)
retry:
	for attempts = 1; ; attempts++ {
		begin := time.Now()
		o.cfg.Observer.OnTaskStart(ctx, r.snapshot(), step.Name, index)
		out, err = o.invoke(ctx, task, r.input(step.Name), rep)
		o.cfg.Observer.OnTaskCompleted(ctx, r.snapshot(), step.Name, index, err, time.Since(begin))

		var fatal *api.FatalError
		if err == nil || attempts >= policy.MaxAttempts || errors.As(err, &fatal) || ctx.Err() != nil {
			break
		}
		delay := policy.Delay(attempts)
		o.logger.WarnContext(ctx, "task_retry",
			slog.String("session_id", r.id),
			slog.String("step", step.Name),
			slog.Int("attempt", attempts),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				break retry
			case <-t.C:
			}
		}
	}

	if err == nil && ctx.Err() == nil {
		r.mu.Lock()
		if r.session.Context == nil {
			r.session.Context = make(map[string]any)
		}
		r.session.Context[step.Name] = out.Data
		r.mu.Unlock()
		o.updateStep(ctx, r, step.Name, func(ts *api.TaskStep) {
			ts.Status = api.StepCompleted
			ts.Output = out.Data
			ts.Attempts = attempts
			ts.CompletedAt = time.Now().UTC()
		})

		o.emit(ctx, r.id, api.EventAgentCompleted, map[string]any{
			"agent":            step.Name,
			"output":           out.Data,
			"attempts":         attempts,
			"proposed_actions": len(out.ProposedActions),
		})
		return out, nil
	}

	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		// A detached session belongs to whoever recovers it next.
		if errors.Is(cause, approval.ErrDetached) {
			return api.TaskOutput{}, cause
		}
		o.updateStep(ctx, r, step.Name, func(ts *api.TaskStep) {
			ts.Status = api.StepFailed
			ts.Error = cause.Error()
			ts.Attempts = attempts
			ts.CompletedAt = time.Now().UTC()
		})
		return api.TaskOutput{}, cause
	}

	var fatal *api.FatalError
	if !errors.As(err, &fatal) {
		err = &api.TaskError{Task: step.Name, Attempts: attempts, Err: err}
	}
	o.updateStep(ctx, r, step.Name, func(ts *api.TaskStep) {
		ts.Status = api.StepFailed
		ts.Error = err.Error()
		ts.Attempts = attempts
		ts.CompletedAt = time.Now().UTC()
	})
	o.emit(ctx, r.id, api.EventAgentError, map[string]any{
		"agent":    step.Name,
		"error":    err.Error(),
		"attempts": attempts,
		"fatal":    fatal != nil,
		"policy":   string(step.Policy()),
	})
	o.audit(ctx, r.id, api.ActorSystem, api.AuditTaskError, map[string]any{
		"step":     step.Name,
		"task":     step.TaskName(),
		"attempts": attempts,
		"error":    err.Error(),
		"policy":   string(step.Policy()),
	})
	return api.TaskOutput{}, err
}

func (o *Orchestrator) invoke(ctx context.Context, task api.Task, in api.TaskInput, rep api.Reporter) (out api.TaskOutput, err error) {
	ctx, span := tracing.StartSpan(ctx, "task."+task.Name(),
		attribute.String("session_id", in.SessionID),
		attribute.String("step", in.Step),
	)
	defer func() {
		if p := recover(); p != nil {
			err = &api.FatalError{Stage: "task." + in.Step, Err: fmt.Errorf("panic: %v", p), Stack: string(debug.Stack())}
		}
		tracing.EndSpan(span, err)
	}()
	return task.Invoke(ctx, in, rep)
}

// gateActions routes proposed actions through the approval gate.
func (o *Orchestrator) gateActions(ctx context.Context, r *run, actions []api.ProposedAction) error {
	opts := r.snapshot().Options
	if opts.Admits(actions) {
		res, err := o.gate.AutoApprove(ctx, r.id, actions, opts.ApprovalTimeoutSeconds,
			fmt.Sprintf("all %d action(s) at or above confidence %.2f", len(actions), opts.ConfidenceThreshold))
		if err != nil {
			return api.NewFatalError("approval", err)
		}
		r.mu.Lock()
		r.session.ApprovalRequestID = res.RequestID
		r.mu.Unlock()
		return o.applyApproved(ctx, r, actions, res)
	}

	req, err := o.gate.Create(ctx, r.id, actions, opts.ApprovalTimeoutSeconds)
	if err != nil {
		return api.NewFatalError("approval", err)
	}
	if err := o.transition(ctx, r, api.StatusPausedForApproval, func(s *api.Session) {
		s.ApprovalRequestID = req.ID
	}); err != nil {
		return err
	}
	o.emit(ctx, r.id, api.EventApprovalRequired, map[string]any{
		"approval_request_id": req.ID,
		"proposed_actions":    req.ProposedActions,
		"timeout_seconds":     req.TimeoutSeconds,
		"deadline":            req.Deadline(),
	})
	return o.awaitApproval(ctx, r, req.ID, req.ProposedActions)
}

// awaitApproval blocks on the gate and finalizes the session from the
// accepted resolution. actions may be nil, in which case they are read from
// the stored request.
func (o *Orchestrator) awaitApproval(ctx context.Context, r *run, requestID string, actions []api.ProposedAction) error {
	if requestID == "" {
		return api.NewFatalError("approval", errors.New("paused session has no approval request"))
	}
	res, err := o.gate.Wait(ctx, requestID)
	if err != nil {
		if errors.Is(err, approval.ErrDetached) {
			return err
		}
		return api.NewFatalError("approval", err)
	}

	data := map[string]any{
		"approval_request_id": res.RequestID,
		"resolved_by":         res.ResolvedBy,
	}
	switch res.Status {
	case api.ApprovalApproved:
		if actions == nil {
			req, err := o.gate.Get(context.WithoutCancel(ctx), requestID)
			if err != nil {
				return api.NewFatalError("approval", err)
			}
			actions = req.ProposedActions
		}
		if err := o.transition(ctx, r, api.StatusRunning, nil); err != nil {
			return err
		}
		return o.applyApproved(ctx, r, actions, res)

	case api.ApprovalRejected:
		o.finalize(ctx, r, terminal{status: api.StatusCompleted, outcome: api.OutcomeRejected, reason: res.Reason, data: data})
		return nil

	case api.ApprovalTimeout:
		o.finalize(ctx, r, terminal{status: api.StatusCompleted, outcome: api.OutcomeTimeout, reason: res.Reason, data: data})
		return nil

	case api.ApprovalInterrupted:
		o.finalize(ctx, r, terminal{status: api.StatusInterrupted, reason: res.Reason, err: ErrInterrupted, data: data})
		return nil
	}
	return api.NewFatalError("approval", fmt.Errorf("unexpected resolution status %q", res.Status))
}

// applyApproved applies the approved actions and completes the session.
// Modifications from the resolution replace the proposed list.
func (o *Orchestrator) applyApproved(ctx context.Context, r *run, actions []api.ProposedAction, res api.Resolution) error {
	final := actions
	if len(res.Modifications) > 0 {
		final = res.Modifications
	}
	if o.cfg.Applier != nil {
		if err := o.cfg.Applier.Apply(ctx, r.id, final); err != nil {
			return fmt.Errorf("apply approved actions: %w", err)
		}
	}
	o.audit(ctx, r.id, res.ResolvedBy, api.AuditActionsApplied, map[string]any{
		"approval_request_id": res.RequestID,
		"action_count":        len(final),
		"modified":            len(res.Modifications) > 0,
	})

	data := map[string]any{
		"approval_request_id": res.RequestID,
		"resolved_by":         res.ResolvedBy,
		"decision":            string(res.Decision),
		"applied_actions":     final,
	}
	if len(res.Modifications) > 0 {
		data["modifications"] = res.Modifications
	}
	o.finalize(ctx, r, terminal{status: api.StatusCompleted, outcome: api.OutcomeApproved, reason: res.Reason, data: data})
	return nil
}

// interruptPending resolves every pending request of a session as
// interrupted.
func (o *Orchestrator) interruptPending(ctx context.Context, sessionID string) {
	ctx = context.WithoutCancel(ctx)
	reqs, err := o.gate.ListPending(ctx, approval.WithSessionID(sessionID))
	if err != nil {
		o.logger.ErrorContext(ctx, "list_pending_failed", slog.String("session_id", sessionID), slog.Any("error", err))
		return
	}
	for _, req := range reqs {
		if _, err := o.gate.Interrupt(ctx, req.ID); err != nil && !errors.Is(err, api.ErrApprovalConflict) {
			o.logger.ErrorContext(ctx, "approval_interrupt_failed",
				slog.String("session_id", sessionID),
				slog.String("approval_request_id", req.ID),
				slog.Any("error", err),
			)
		}
	}
}
