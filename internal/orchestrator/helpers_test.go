package orchestrator

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/reviewflow/internal/approval"
	"github.com/petrijr/reviewflow/internal/events"
	"github.com/petrijr/reviewflow/internal/persistence"
	"github.com/petrijr/reviewflow/internal/registry"
	"github.com/petrijr/reviewflow/pkg/api"
)

type harness struct {
	store  *persistence.InMemoryStore
	reg    *registry.Registry
	gate   *approval.Gate
	broker *events.Broker
	orch   *Orchestrator
}

// newHarness wires an orchestrator over store. A nil store gets a fresh
// in-memory one.
func newHarness(t *testing.T, store *persistence.InMemoryStore, reg *registry.Registry, cfg Config) *harness {
	t.Helper()
	if store == nil {
		store = persistence.NewInMemoryStore()
	}
	gate := approval.NewGate(store, store, approval.WithObserver(cfg.Observer))
	broker := events.NewBroker(store)
	orch, err := New(store.Persistence(), reg, gate, broker, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return &harness{store: store, reg: reg, gate: gate, broker: broker, orch: orch}
}

func okTask(data any) api.TaskFunc {
	return func(ctx context.Context, in api.TaskInput, r api.Reporter) (api.TaskOutput, error) {
		return api.TaskOutput{Data: data}, nil
	}
}

func proposeTask(actions ...api.ProposedAction) api.TaskFunc {
	return func(ctx context.Context, in api.TaskInput, r api.Reporter) (api.TaskOutput, error) {
		return api.TaskOutput{Data: map[string]any{"proposals": len(actions)}, ProposedActions: actions}, nil
	}
}

func failTask(msg string) api.TaskFunc {
	return func(ctx context.Context, in api.TaskInput, r api.Reporter) (api.TaskOutput, error) {
		return api.TaskOutput{}, errors.New(msg)
	}
}

// pipeline registers a workflow named name whose steps call the given
// tasks in order.
func pipeline(t *testing.T, reg *registry.Registry, name string, steps []api.StepDefinition, tasks map[string]api.TaskFunc) {
	t.Helper()
	for taskName, fn := range tasks {
		require.NoError(t, reg.RegisterFunc(taskName, fn))
	}
	require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{Name: name, Steps: steps}))
}

func reviewActions() []api.ProposedAction {
	return []api.ProposedAction{
		{Type: "flag_account", SubjectID: "acct-1", Confidence: 0.95},
		{Type: "notify_owner", SubjectID: "acct-1", Confidence: 0.85},
	}
}

// approvalWorkflow registers collect -> analyze -> synthesize where the
// last step proposes actions.
func approvalWorkflow(t *testing.T, actions []api.ProposedAction) *registry.Registry {
	t.Helper()
	reg := registry.New()
	pipeline(t, reg, "review", []api.StepDefinition{
		{Name: "collect"}, {Name: "analyze"}, {Name: "synthesize"},
	}, map[string]api.TaskFunc{
		"collect":    okTask("accounts"),
		"analyze":    okTask("history"),
		"synthesize": proposeTask(actions...),
	})
	return reg
}

func request(subjects ...string) api.StartRequest {
	return api.StartRequest{SubjectIDs: subjects, WorkflowType: "review"}
}

// collectEvents reads a session stream from the start until it ends.
func collectEvents(t *testing.T, b *events.Broker, sessionID string) []api.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sub, err := b.Subscribe(ctx, sessionID, 0)
	require.NoError(t, err)
	defer sub.Close()

	var out []api.Event
	for {
		ev, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

// waitForEvent blocks until the session emits an event of type typ.
func waitForEvent(t *testing.T, b *events.Broker, sessionID string, typ api.EventType) api.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := b.Subscribe(ctx, sessionID, 0)
	require.NoError(t, err)
	defer sub.Close()
	for {
		ev, err := sub.Next(ctx)
		require.NoError(t, err, "waiting for %s", typ)
		if ev.Type == typ {
			return ev
		}
	}
}

func eventTypes(evs []api.Event) []api.EventType {
	out := make([]api.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func countType(evs []api.Event, typ api.EventType) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func audits(t *testing.T, store *persistence.InMemoryStore, f persistence.AuditFilter) []api.AuditEvent {
	t.Helper()
	evs, err := store.ListAudit(context.Background(), f)
	require.NoError(t, err)
	return evs
}

func waitSession(t *testing.T, o *Orchestrator, id string) *api.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := o.Wait(ctx, id)
	require.NoError(t, err)
	return s
}
