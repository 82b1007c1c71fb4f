package specialists

import (
	"context"
	"fmt"
	"math"

	"github.com/petrijr/reviewflow/pkg/api"
)

// RiskThreshold is the history score above which an account gets a
// proposed action.
const RiskThreshold = 0.5

// Recommendations summarizes the synthesis step.
type Recommendations struct {
	Reviewed int `json:"reviewed"`
	Proposed int `json:"proposed"`
}

func synthesizeRecommendations(ctx context.Context, in api.TaskInput, r api.Reporter) (api.TaskOutput, error) {
	var hist History
	if err := decode(in, AnalyzeHistory, &hist); err != nil {
		return api.TaskOutput{}, err
	}
	// Signals are optional: score_signals may have been skipped.
	var sig Signals
	_ = decode(in, ScoreSignals, &sig)

	var actions []api.ProposedAction
	for _, risk := range hist.Risks {
		if risk.Score < RiskThreshold {
			continue
		}
		confidence := risk.Score
		if e, ok := sig.Engagement[risk.AccountID]; ok {
			confidence = (risk.Score + (1 - e)) / 2
		}
		confidence = math.Round(confidence*100) / 100

		typ := "schedule_owner_review"
		if risk.Pattern == "dormant" {
			typ = "flag_at_risk"
		}
		actions = append(actions, api.ProposedAction{
			Type:        typ,
			SubjectID:   risk.AccountID,
			Description: fmt.Sprintf("%s account %s", typ, risk.AccountID),
			Confidence:  confidence,
			Rationale:   fmt.Sprintf("history pattern %s with risk %.2f", risk.Pattern, risk.Score),
			Params:      map[string]any{"pattern": risk.Pattern},
		})
	}
	r.Stream(ctx, fmt.Sprintf("proposed %d action(s) for %d account(s)", len(actions), len(hist.Risks)))
	return api.TaskOutput{
		Data:            Recommendations{Reviewed: len(hist.Risks), Proposed: len(actions)},
		ProposedActions: actions,
	}, nil
}
