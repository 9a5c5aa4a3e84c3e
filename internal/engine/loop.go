package engine

import (
	"context"
	"errors"
	"fmt"

	"gateline/internal/domain"
	"gateline/internal/notify"
	"gateline/internal/registry"
)

// CycleState labels the explicit states of one gating cycle.
type CycleState string

const (
	CyclePendingEval CycleState = "PENDING_EVAL"
	CycleRemediating CycleState = "REMEDIATING"
	CycleAccepted    CycleState = "ACCEPTED"
	CycleEscalated   CycleState = "ESCALATED"
)

// GateOutcome is the terminal result of one gating cycle.
type GateOutcome struct {
	Final    CycleState                  `json:"final"`
	Decision Decision                    `json:"decision"`
	Attempts []domain.RemediationAttempt `json:"attempts,omitempty"`
}

// Escalated reports whether the cycle ended in human-review territory.
func (o GateOutcome) Escalated() bool { return o.Final == CycleEscalated }

// RunGatedTransition runs a full gating cycle: evaluate, remediate up to
// maxAttempts times on a non-pass verdict, re-evaluate after each
// attempt, and commit the final decision through the state machine. The
// whole cycle holds the repository lock, so ledger appends are strictly
// ordered by cycle completion and no step advances on a stale verdict.
//
// The cycle always terminates in ACCEPTED or ESCALATED; the remediation
// hook is invoked at most maxAttempts times, and a hook error consumes
// budget rather than aborting the cycle. Every attempt is recorded on
// the single ledger record the cycle eventually appends.
func (e *Engine) RunGatedTransition(ctx context.Context, repositoryID string, next domain.State, maxAttempts int) (GateOutcome, error) {
	if maxAttempts <= 0 {
		maxAttempts = e.Config.Remediation.MaxAttempts
	}
	unlock := e.lockRepository(repositoryID)
	defer unlock()

	current, err := e.Sink.LoadState(ctx, repositoryID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return GateOutcome{}, ErrUnknownRepository
		}
		return GateOutcome{}, fmt.Errorf("load state: %w", err)
	}

	// Illegal edges and no-ops short-circuit: the machine records them
	// (or not, for a no-op) and remediation cannot change the answer.
	if current == next || !domain.KnownState(next) || !e.legalEdge(current, next) {
		dec, err := e.attemptLocked(ctx, TransitionRequest{RepositoryID: repositoryID, To: next})
		if err != nil {
			return GateOutcome{}, err
		}
		out := GateOutcome{Decision: dec, Final: CycleEscalated}
		if dec.Accepted {
			out.Final = CycleAccepted
		}
		e.Metrics.GateCycle(string(out.Final))
		return out, nil
	}

	required := e.Config.RequiredChecks(current)
	var attempts []domain.RemediationAttempt

	for {
		if err := ctx.Err(); err != nil {
			// Cancelled before any commit; nothing has been ledgered.
			return GateOutcome{}, err
		}
		verdict, err := Evaluate(ctx, e.Checks, repositoryID, required)
		if err != nil {
			return GateOutcome{}, fmt.Errorf("evaluate matrix: %w", err)
		}
		if verdict.Overall == domain.CheckPass {
			dec, err := e.attemptLocked(ctx, TransitionRequest{RepositoryID: repositoryID, To: next, Attempts: attempts})
			if err != nil {
				return GateOutcome{}, err
			}
			final := CycleEscalated
			if dec.Accepted {
				final = CycleAccepted
			}
			e.Metrics.GateCycle(string(final))
			return GateOutcome{Final: final, Decision: dec, Attempts: attempts}, nil
		}
		if len(attempts) >= maxAttempts {
			dec, err := e.attemptLocked(ctx, TransitionRequest{RepositoryID: repositoryID, To: next, Attempts: attempts})
			if err != nil {
				return GateOutcome{}, err
			}
			e.Metrics.GateCycle(string(CycleEscalated))
			return GateOutcome{Final: CycleEscalated, Decision: dec, Attempts: attempts}, nil
		}
		attempts = append(attempts, e.remediate(ctx, repositoryID, current, next, verdict, len(attempts)+1))
	}
}

// remediate invokes the external fix hook once. Hook errors are a
// failed attempt, not a fatal abort.
func (e *Engine) remediate(ctx context.Context, repositoryID string, current, next domain.State, verdict domain.Verdict, number int) domain.RemediationAttempt {
	attempt := domain.RemediationAttempt{
		Number:      number,
		TriggeredAt: e.timestamp(),
	}
	if e.Fixer == nil {
		attempt.Outcome = "no remediation hook configured"
		e.Metrics.RemediationAttempt("skipped")
	} else if outcome, err := e.Fixer.AttemptFix(ctx, repositoryID, failingChecks(verdict)); err != nil {
		attempt.Outcome = fmt.Sprintf("hook error: %v", err)
		e.Metrics.RemediationAttempt("error")
	} else {
		if outcome == "" {
			outcome = "hook completed"
		}
		attempt.Outcome = outcome
		e.Metrics.RemediationAttempt("ok")
	}
	e.notify(notify.Event{
		Event:            notify.EventRemediationAttempt,
		Repository:       repositoryID,
		CurrentState:     current,
		NextState:        next,
		Reason:           verdict.Reason(),
		ValidationMatrix: notify.Matrix(verdict),
		Attempt:          &attempt,
		Timestamp:        attempt.TriggeredAt,
	})
	return attempt
}

func failingChecks(v domain.Verdict) []string {
	var failing []string
	for _, c := range v.Checks {
		if c.Status != domain.CheckPass {
			failing = append(failing, c.Name)
		}
	}
	return failing
}
