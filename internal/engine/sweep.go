package engine

import (
	"context"

	"gateline/internal/domain"
)

// SweepResult reports what one governance sweep did to a repository.
type SweepResult struct {
	RepositoryID string       `json:"repository_id"`
	From         domain.State `json:"from"`
	To           domain.State `json:"to"`
	Accepted     bool         `json:"accepted"`
	Reason       string       `json:"reason,omitempty"`
}

// Sweep walks every registered repository and attempts the next hop for
// those whose current state has exactly one outgoing edge. States with a
// choice of successors are left to an operator; terminal states are
// skipped. Each attempted hop goes through the normal gating decision,
// so a failing matrix just records a rejection.
func (e *Engine) Sweep(ctx context.Context) ([]SweepResult, error) {
	repos, err := e.Sink.ListRepositories(ctx)
	if err != nil {
		return nil, err
	}
	var results []SweepResult
	for _, r := range repos {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		next := e.Config.AllowedNext(r.State)
		if len(next) != 1 {
			continue
		}
		dec, err := e.AttemptTransition(ctx, TransitionRequest{RepositoryID: r.ID, To: next[0]})
		if err != nil {
			return results, err
		}
		results = append(results, SweepResult{
			RepositoryID: r.ID,
			From:         dec.From,
			To:           dec.To,
			Accepted:     dec.Accepted,
			Reason:       dec.Reason,
		})
	}
	return results, nil
}
