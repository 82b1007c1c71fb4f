package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/petrijr/reviewflow/internal/approval"
	"github.com/petrijr/reviewflow/internal/persistence"
)

// keepLease renews the session lease every LeaseTTL/3 until the returned
// stop function is called. Once another owner holds the lease the run is
// detached and the session is left to that owner.
func (o *Orchestrator) keepLease(r *run) (stop func()) {
	interval := max(o.cfg.LeaseTTL/3, time.Millisecond)
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.ctx))
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := o.p.Sessions.RenewLease(ctx, r.id, o.cfg.Owner, o.cfg.LeaseTTL)
				if err == nil || ctx.Err() != nil {
					continue
				}
				if errors.Is(err, persistence.ErrSessionLocked) {
					o.logger.WarnContext(ctx, "lease_lost",
						slog.String("session_id", r.id),
						slog.String("owner", o.cfg.Owner),
					)
					r.cancel(approval.ErrDetached)
					return
				}
				o.logger.WarnContext(ctx, "lease_renew_failed",
					slog.String("session_id", r.id),
					slog.String("owner", o.cfg.Owner),
					slog.Any("error", err),
				)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
