// Package specialists provides deterministic stand-ins for the external
// analysis services a review workflow calls: account retrieval, history
// analysis, signal scoring and recommendation synthesis.
//
// Every result is derived from a hash of the subject id, so the same input
// always yields the same output.
package specialists

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"

	"github.com/petrijr/reviewflow/internal/registry"
	"github.com/petrijr/reviewflow/pkg/api"
)

// Task names registered by Register.
const (
	RetrieveAccounts          = "retrieve_accounts"
	AnalyzeHistory            = "analyze_history"
	ScoreSignals              = "score_signals"
	SynthesizeRecommendations = "synthesize_recommendations"
)

// Register adds every specialist task to reg.
func Register(reg *registry.Registry) error {
	tasks := map[string]api.TaskFunc{
		RetrieveAccounts:          retrieveAccounts,
		AnalyzeHistory:            analyzeHistory,
		ScoreSignals:              scoreSignals,
		SynthesizeRecommendations: synthesizeRecommendations,
	}
	for _, name := range []string{RetrieveAccounts, AnalyzeHistory, ScoreSignals, SynthesizeRecommendations} {
		if err := reg.RegisterFunc(name, tasks[name]); err != nil {
			return err
		}
	}
	return nil
}

// seed returns a stable pseudo-random value for key.
func seed(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}

// decode converts a context value produced by an earlier step into out.
// Values may be the original Go types or their JSON form after a reload.
func decode(in api.TaskInput, step string, out any) error {
	v, ok := in.Context[step]
	if !ok {
		return fmt.Errorf("missing output of %s", step)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s output: %w", step, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s output: %w", step, err)
	}
	return nil
}

// LogApplier is an ActionApplier that only records applied actions in the
// log.
type LogApplier struct {
	Logger *slog.Logger
}

func (a LogApplier) Apply(ctx context.Context, sessionID string, actions []api.ProposedAction) error {
	log := a.Logger
	if log == nil {
		log = slog.Default()
	}
	for _, act := range actions {
		log.InfoContext(ctx, "action_applied",
			slog.String("session_id", sessionID),
			slog.String("action_id", act.ID),
			slog.String("type", act.Type),
			slog.String("subject_id", act.SubjectID),
		)
	}
	return nil
}
