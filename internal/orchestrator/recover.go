package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/reviewflow/pkg/api"
)

// RecoveryReport lists what Recover did with each recoverable session.
type RecoveryReport struct {
	// Resumed sessions are waiting on their approval request again.
	Resumed []string
	// Finalized sessions had their request resolved while no process was
	// waiting on it.
	Finalized []string
	// Interrupted sessions were checkpointed as running.
	Interrupted []string
	// Restarted holds the ids of recovery sessions launched for
	// interrupted ones.
	Restarted []string
	// Skipped sessions are leased by another live process.
	Skipped []string
}

// Recover picks up the sessions left running or paused by a previous
// process. Paused sessions with a pending request resume waiting with their
// original deadline; those whose request was resolved meanwhile are
// finalized from the stored resolution; running sessions are interrupted
// and, if RestartInterrupted is set, replaced by a new recovery session.
func (o *Orchestrator) Recover(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	if o.isClosed() {
		return rep, ErrShutdown
	}
	sessions, err := o.p.Sessions.ListRecoverable(ctx)
	if err != nil {
		return rep, fmt.Errorf("list recoverable sessions: %w", err)
	}

	var errs []error
	for _, s := range sessions {
		if _, ok := o.lookup(s.ID); ok {
			continue
		}
		acquired, err := o.p.Sessions.TryAcquireLease(ctx, s.ID, o.cfg.Owner, o.cfg.LeaseTTL)
		if err != nil {
			errs = append(errs, fmt.Errorf("recover %s: %w", s.ID, err))
			continue
		}
		if !acquired {
			rep.Skipped = append(rep.Skipped, s.ID)
			continue
		}

		switch s.Status {
		case api.StatusPausedForApproval:
			err = o.recoverPaused(ctx, s, &rep)
		case api.StatusRunning:
			err = o.recoverRunning(ctx, s, &rep)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("recover %s: %w", s.ID, err))
			if relErr := o.p.Sessions.ReleaseLease(context.WithoutCancel(ctx), s.ID, o.cfg.Owner); relErr != nil {
				errs = append(errs, relErr)
			}
		}
	}

	level := slog.LevelInfo
	if rep.empty() {
		level = slog.LevelDebug
	}
	o.logger.Log(ctx, level, "recovery_finished",
		slog.Int("resumed", len(rep.Resumed)),
		slog.Int("finalized", len(rep.Finalized)),
		slog.Int("interrupted", len(rep.Interrupted)),
		slog.Int("restarted", len(rep.Restarted)),
		slog.Int("skipped", len(rep.Skipped)),
	)
	return rep, errors.Join(errs...)
}

func (rep RecoveryReport) empty() bool {
	return len(rep.Resumed)+len(rep.Finalized)+len(rep.Interrupted)+len(rep.Restarted)+len(rep.Skipped) == 0
}

// RecoverEvery calls Recover every interval until ctx is done or the
// orchestrator shuts down. Sessions skipped because another owner still
// held their lease are picked up once that lease expires. A non-positive
// interval uses LeaseTTL.
func (o *Orchestrator) RecoverEvery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = o.cfg.LeaseTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.base.Done():
			return
		case <-ticker.C:
			if _, err := o.Recover(ctx); err != nil {
				if errors.Is(err, ErrShutdown) {
					return
				}
				o.logger.WarnContext(ctx, "recovery_incomplete", slog.Any("error", err))
			}
		}
	}
}

func (o *Orchestrator) recoverPaused(ctx context.Context, s *api.Session, rep *RecoveryReport) error {
	meta := map[string]any{
		"status":              string(s.Status),
		"action":              "finalized",
		"approval_request_id": s.ApprovalRequestID,
		"owner":               o.cfg.Owner,
	}
	if s.ApprovalRequestID != "" {
		req, err := o.gate.Get(ctx, s.ApprovalRequestID)
		if err != nil {
			return err
		}
		if req.Status == api.ApprovalPending {
			if err := o.gate.Register(req); err != nil {
				return err
			}
			meta["action"] = "resumed"
			o.audit(ctx, s.ID, api.ActorSystem, api.AuditSessionRecovered, meta)
			if err := o.spawn(s.ID); err != nil {
				return err
			}
			rep.Resumed = append(rep.Resumed, s.ID)
			return nil
		}
		meta["resolution"] = string(req.Status)
	}

	o.audit(ctx, s.ID, api.ActorSystem, api.AuditSessionRecovered, meta)
	snap, err := o.Execute(ctx, s.ID)
	if snap == nil || !snap.Status.Terminal() {
		return err
	}
	rep.Finalized = append(rep.Finalized, s.ID)
	return nil
}

func (o *Orchestrator) recoverRunning(ctx context.Context, s *api.Session, rep *RecoveryReport) error {
	o.audit(ctx, s.ID, api.ActorSystem, api.AuditSessionRecovered, map[string]any{
		"status": string(s.Status),
		"action": "interrupted",
		"owner":  o.cfg.Owner,
	})

	// Execute interrupts a session checkpointed as running.
	snap, err := o.Execute(ctx, s.ID)
	if snap == nil || snap.Status != api.StatusInterrupted {
		return err
	}
	rep.Interrupted = append(rep.Interrupted, s.ID)

	if !o.cfg.RestartInterrupted {
		return nil
	}
	opts := s.Options
	id, err := o.Launch(ctx, api.StartRequest{
		SubjectIDs:    s.SubjectIDs,
		WorkflowType:  s.WorkflowType,
		SessionType:   api.SessionRecovery,
		OwnerFilter:   s.OwnerFilter,
		Options:       &opts,
		RecoveredFrom: s.ID,
	})
	if err != nil {
		return fmt.Errorf("restart interrupted session: %w", err)
	}
	rep.Restarted = append(rep.Restarted, id)
	return nil
}
