package engine

import (
	"context"
	"errors"
	"fmt"

	"gateline/internal/domain"
	"gateline/internal/notify"
	"gateline/internal/registry"
)

// TransitionRequest asks the state machine to advance a repository.
// Attempts carries the remediation history of the surrounding gating
// cycle, if any, so the appended ledger record preserves it.
type TransitionRequest struct {
	RepositoryID string
	To           domain.State
	Attempts     []domain.RemediationAttempt
}

// Decision is the outcome of one transition attempt. Rejections always
// carry a reason derived from the verdict breakdown, never a bare
// boolean.
type Decision struct {
	RepositoryID string         `json:"repository_id"`
	Accepted     bool           `json:"accepted"`
	NoOp         bool           `json:"no_op,omitempty"`
	Reject       RejectKind     `json:"reject,omitempty"`
	From         domain.State   `json:"from"`
	To           domain.State   `json:"to"`
	Reason       string         `json:"reason,omitempty"`
	Verdict      domain.Verdict `json:"verdict"`
	RecordID     int64          `json:"record_id,omitempty"`
}

// AttemptTransition runs one gating decision for a repository:
// load current state, check the proposed edge, evaluate the current
// state's required checks, and on a pass verdict commit the new state
// together with the ledger record. Every call appends exactly one
// record, accepted or rejected. The idempotent no-op case, where the
// repository is already in the target state, appends nothing.
//
// The machine never retries by itself; remediation is layered above it
// in RunGatedTransition.
func (e *Engine) AttemptTransition(ctx context.Context, req TransitionRequest) (Decision, error) {
	unlock := e.lockRepository(req.RepositoryID)
	defer unlock()
	return e.attemptLocked(ctx, req)
}

func (e *Engine) attemptLocked(ctx context.Context, req TransitionRequest) (Decision, error) {
	current, err := e.Sink.LoadState(ctx, req.RepositoryID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return Decision{}, ErrUnknownRepository
		}
		return Decision{}, fmt.Errorf("load state: %w", err)
	}
	dec := Decision{RepositoryID: req.RepositoryID, From: current, To: req.To}

	if current == req.To {
		// Already there: no-op success, no duplicate ledger entry.
		dec.Accepted = true
		dec.NoOp = true
		dec.Reason = fmt.Sprintf("already in state %s", current)
		e.Metrics.TransitionAttempt("noop")
		return dec, nil
	}

	if !domain.KnownState(req.To) || !e.legalEdge(current, req.To) {
		dec.Reject = RejectIllegalTransition
		dec.Reason = fmt.Sprintf("illegal transition %s -> %s (allowed: %v)", current, req.To, e.Config.AllowedNext(current))
		return e.commit(ctx, dec, req.Attempts, nil)
	}

	verdict, err := Evaluate(ctx, e.Checks, req.RepositoryID, e.Config.RequiredChecks(current))
	if err != nil {
		return Decision{}, fmt.Errorf("evaluate matrix: %w", err)
	}
	dec.Verdict = verdict

	switch verdict.Overall {
	case domain.CheckPass:
		dec.Accepted = true
		dec.Reason = verdict.Reason()
		return e.commit(ctx, dec, req.Attempts, &req.To)
	case domain.CheckPending:
		dec.Reject = RejectVerdictPending
		dec.Reason = verdict.Reason()
		return e.commit(ctx, dec, req.Attempts, nil)
	default:
		dec.Reject = RejectVerdictFail
		dec.Reason = verdict.Reason()
		return e.commit(ctx, dec, req.Attempts, nil)
	}
}

// commit appends the decision's ledger record and atomically saves the
// new state when the attempt was accepted. Mesh hooks fire after the
// record is durable.
func (e *Engine) commit(ctx context.Context, dec Decision, attempts []domain.RemediationAttempt, newState *domain.State) (Decision, error) {
	rec := domain.TransitionRecord{
		RepositoryID: dec.RepositoryID,
		From:         dec.From,
		To:           dec.To,
		TS:           e.timestamp(),
		Accepted:     dec.Accepted,
		Reason:       dec.Reason,
		Verdict:      dec.Verdict,
		Attempts:     attempts,
	}
	id, err := e.Sink.CommitAttempt(ctx, rec, newState)
	if err != nil {
		return Decision{}, LedgerWriteError{Err: err}
	}
	dec.RecordID = id

	result := "rejected"
	event := notify.EventTransitionRejected
	if dec.Accepted {
		result = "accepted"
		event = notify.EventStateTransition
	}
	e.Metrics.TransitionAttempt(result)
	e.notify(notify.Event{
		Event:            event,
		Repository:       rec.RepositoryID,
		CurrentState:     dec.From,
		NextState:        dec.To,
		Reason:           dec.Reason,
		ValidationMatrix: notify.Matrix(dec.Verdict),
		Timestamp:        rec.TS,
	})
	return dec, nil
}

func (e *Engine) legalEdge(from, to domain.State) bool {
	for _, allowed := range e.Config.AllowedNext(from) {
		if allowed == to {
			return true
		}
	}
	return false
}

func (e *Engine) notify(evt notify.Event) {
	if e.Notify == nil {
		return
	}
	e.Notify.Notify(evt)
}
