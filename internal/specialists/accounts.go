package specialists

import (
	"context"
	"fmt"

	"github.com/petrijr/reviewflow/pkg/api"
)

var (
	tiers  = []string{"bronze", "silver", "gold", "platinum"}
	owners = []string{"ana", "bo", "chen", "dara"}
)

// Account is the record returned by account retrieval.
type Account struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Tier        string `json:"tier"`
	Owner       string `json:"owner"`
	AnnualValue int    `json:"annual_value"`
	IdleDays    int    `json:"idle_days"`
}

// Accounts is the output of retrieve_accounts.
type Accounts struct {
	Accounts []Account `json:"accounts"`
}

func lookupAccount(id string) Account {
	s := seed(id)
	return Account{
		ID:          id,
		Name:        fmt.Sprintf("Account %s", id),
		Tier:        tiers[s%uint32(len(tiers))],
		Owner:       owners[(s/7)%uint32(len(owners))],
		AnnualValue: int(1000 + s%99000),
		IdleDays:    int((s / 13) % 180),
	}
}

func retrieveAccounts(ctx context.Context, in api.TaskInput, r api.Reporter) (api.TaskOutput, error) {
	out := Accounts{Accounts: make([]Account, 0, len(in.SubjectIDs))}
	for _, id := range in.SubjectIDs {
		if err := ctx.Err(); err != nil {
			return api.TaskOutput{}, err
		}
		r.ToolCall(ctx, "crm.get_account", map[string]any{"id": id})
		acct := lookupAccount(id)
		r.ToolResult(ctx, "crm.get_account", acct)
		if in.OwnerFilter != "" && acct.Owner != in.OwnerFilter {
			continue
		}
		out.Accounts = append(out.Accounts, acct)
	}
	r.Stream(ctx, fmt.Sprintf("retrieved %d account(s)", len(out.Accounts)))
	return api.TaskOutput{Data: out}, nil
}
