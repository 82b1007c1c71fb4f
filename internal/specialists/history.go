package specialists

import (
	"context"
	"fmt"

	"github.com/petrijr/reviewflow/pkg/api"
)

// Risk is the history analysis of one account.
type Risk struct {
	AccountID string  `json:"account_id"`
	Score     float64 `json:"score"`
	Pattern   string  `json:"pattern"`
}

// History is the output of analyze_history.
type History struct {
	Risks []Risk `json:"risks"`
}

// Signals is the output of score_signals, keyed by account id.
type Signals struct {
	Engagement map[string]float64 `json:"engagement"`
}

func analyzeHistory(ctx context.Context, in api.TaskInput, r api.Reporter) (api.TaskOutput, error) {
	var accts Accounts
	if err := decode(in, RetrieveAccounts, &accts); err != nil {
		return api.TaskOutput{}, err
	}
	out := History{Risks: make([]Risk, 0, len(accts.Accounts))}
	for _, a := range accts.Accounts {
		if err := ctx.Err(); err != nil {
			return api.TaskOutput{}, err
		}
		score := float64(a.IdleDays) / 180
		pattern := "steady"
		switch {
		case a.IdleDays > 120:
			pattern = "dormant"
		case a.IdleDays > 60:
			pattern = "declining"
		}
		out.Risks = append(out.Risks, Risk{AccountID: a.ID, Score: score, Pattern: pattern})
		r.Stream(ctx, fmt.Sprintf("%s: %s (risk %.2f)", a.ID, pattern, score))
	}
	return api.TaskOutput{Data: out}, nil
}

func scoreSignals(ctx context.Context, in api.TaskInput, r api.Reporter) (api.TaskOutput, error) {
	var accts Accounts
	if err := decode(in, RetrieveAccounts, &accts); err != nil {
		return api.TaskOutput{}, err
	}
	out := Signals{Engagement: make(map[string]float64, len(accts.Accounts))}
	for _, a := range accts.Accounts {
		out.Engagement[a.ID] = float64(seed("engagement:"+a.ID)%100) / 100
	}
	return api.TaskOutput{Data: out}, nil
}
