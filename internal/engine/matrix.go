package engine

import (
	"context"

	"gateline/internal/domain"
)

// Evaluate aggregates the latest result for each required check into a
// single verdict. It is a pure aggregation over externally-reported
// results: no check is executed and no result is mutated.
//
// A required check that has never reported is fail-closed: it appears
// in the breakdown as "unknown" and the verdict can never be pass.
// Overall is pass iff every required check passes, pending if any
// required check is pending, otherwise fail.
func Evaluate(ctx context.Context, src CheckSource, repositoryID string, required []string) (domain.Verdict, error) {
	verdict := domain.Verdict{Checks: make([]domain.CheckVerdict, 0, len(required))}
	allPass := true
	anyPending := false
	for _, name := range required {
		res, ok, err := src.LatestCheckResult(ctx, repositoryID, name)
		if err != nil {
			return domain.Verdict{}, err
		}
		cv := domain.CheckVerdict{Name: name, Status: domain.CheckUnknown}
		if ok {
			cv.Status = res.Status
			cv.LastRun = res.LastRun
			cv.Detail = res.Detail
		} else {
			cv.Detail = "check never reported"
		}
		verdict.Checks = append(verdict.Checks, cv)
		switch cv.Status {
		case domain.CheckPass:
		case domain.CheckPending:
			allPass = false
			anyPending = true
		default:
			allPass = false
		}
	}
	switch {
	case allPass:
		verdict.Overall = domain.CheckPass
	case anyPending:
		verdict.Overall = domain.CheckPending
	default:
		verdict.Overall = domain.CheckFail
	}
	return verdict, nil
}

// Evaluate runs the validation matrix for a repository against the
// required-check set configured for its current state.
func (e *Engine) Evaluate(ctx context.Context, repositoryID string) (domain.Verdict, error) {
	state, err := e.Sink.LoadState(ctx, repositoryID)
	if err != nil {
		return domain.Verdict{}, err
	}
	return Evaluate(ctx, e.Checks, repositoryID, e.Config.RequiredChecks(state))
}
