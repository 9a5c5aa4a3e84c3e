package engine_test

import (
	"testing"

	"gateline/internal/domain"
	"gateline/internal/engine"
)

func TestAcceptedTransitionAppendsRecord(t *testing.T) {
	env := newTestEnv(t)
	env.advanceTo(t, domain.StateBuildRunning)
	before, _ := env.Engine.History(env.Ctx, "repo-1")

	dec, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{RepositoryID: "repo-1", To: domain.StateValidation})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if !dec.Accepted {
		t.Fatalf("expected accepted, got %s", dec.Reason)
	}
	after, _ := env.Engine.History(env.Ctx, "repo-1")
	if len(after) != len(before)+1 {
		t.Fatalf("expected exactly one new record, got %d -> %d", len(before), len(after))
	}
	last := after[len(after)-1]
	if last.From != domain.StateBuildRunning || last.To != domain.StateValidation || !last.Accepted {
		t.Fatalf("unexpected record: %+v", last)
	}
	if last.Verdict.Overall != domain.CheckPass {
		t.Fatalf("expected pass verdict snapshot, got %s", last.Verdict.Overall)
	}
}

func TestFailingCheckRejectsWithReason(t *testing.T) {
	env := newTestEnv(t)
	env.advanceTo(t, domain.StateValidation)
	env.reportAll(t, domain.CheckFail, "pat")

	dec, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{RepositoryID: "repo-1", To: domain.StateApproval})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if dec.Accepted {
		t.Fatal("expected rejection")
	}
	if dec.Reject != engine.RejectVerdictFail {
		t.Fatalf("expected VerdictFail, got %s", dec.Reject)
	}
	if want := "pat: fail"; dec.Reason != want {
		t.Fatalf("expected reason %q, got %q", want, dec.Reason)
	}
	// The rejection is still ledgered, and the state did not move.
	records, _ := env.Engine.History(env.Ctx, "repo-1")
	last := records[len(records)-1]
	if last.Accepted || last.To != domain.StateApproval {
		t.Fatalf("expected rejected record for APPROVAL, got %+v", last)
	}
	state, _ := env.Sink.LoadState(env.Ctx, "repo-1")
	if state != domain.StateValidation {
		t.Fatalf("state moved on rejection: %s", state)
	}
}

func TestIllegalTransitionRecorded(t *testing.T) {
	env := newTestEnv(t)
	dec, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{RepositoryID: "repo-1", To: domain.StateReleased})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if dec.Accepted || dec.Reject != engine.RejectIllegalTransition {
		t.Fatalf("expected IllegalTransition rejection, got %+v", dec)
	}
	records, _ := env.Engine.History(env.Ctx, "repo-1")
	if len(records) != 1 {
		t.Fatalf("expected rejection to be ledgered, got %d records", len(records))
	}
	if records[0].Accepted {
		t.Fatal("illegal transition recorded as accepted")
	}
	state, _ := env.Sink.LoadState(env.Ctx, "repo-1")
	if state != domain.StateNewIdea {
		t.Fatalf("state mutated by illegal transition: %s", state)
	}
}

func TestIdempotentNoOpSkipsLedger(t *testing.T) {
	env := newTestEnv(t)
	dec, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{RepositoryID: "repo-1", To: domain.StateNewIdea})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if !dec.Accepted || !dec.NoOp {
		t.Fatalf("expected no-op success, got %+v", dec)
	}
	records, _ := env.Engine.History(env.Ctx, "repo-1")
	if len(records) != 0 {
		t.Fatalf("no-op appended %d records", len(records))
	}
}

func TestUnknownRepository(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{RepositoryID: "ghost", To: domain.StateDiscoveryRunning})
	if err != engine.ErrUnknownRepository {
		t.Fatalf("expected ErrUnknownRepository, got %v", err)
	}
}

func TestUnreportedCheckFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	// NEW_IDEA requires nothing, so the first hop is free.
	dec, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{RepositoryID: "repo-1", To: domain.StateDiscoveryRunning})
	if err != nil || !dec.Accepted {
		t.Fatalf("first hop: %v %+v", err, dec)
	}
	// DISCOVERY_RUNNING requires docs, which never reported.
	dec, err = env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{RepositoryID: "repo-1", To: domain.StateEvolutionComplete})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if dec.Accepted {
		t.Fatal("unreported check permitted advancement")
	}
	if want := "docs: unknown"; dec.Reason != want {
		t.Fatalf("expected reason %q, got %q", want, dec.Reason)
	}
}

func TestPendingCheckRejectsAsPending(t *testing.T) {
	env := newTestEnv(t)
	env.advanceTo(t, domain.StateBuildRunning)
	env.reportAll(t, domain.CheckPending, "codeql")

	dec, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{RepositoryID: "repo-1", To: domain.StateValidation})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if dec.Accepted || dec.Reject != engine.RejectVerdictPending {
		t.Fatalf("expected VerdictPending rejection, got %+v", dec)
	}
}

func TestLedgerInvariants(t *testing.T) {
	env := newTestEnv(t)
	env.advanceTo(t, domain.StateValidation)
	env.reportAll(t, domain.CheckFail, "pat")
	_, _ = env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{RepositoryID: "repo-1", To: domain.StateApproval})
	_, _ = env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{RepositoryID: "repo-1", To: domain.StateReleased})

	graph := env.Engine.Config.Graph()
	records, err := env.Engine.History(env.Ctx, "repo-1")
	if err != nil {
		t.Fatal(err)
	}
	prev := ""
	for _, rec := range records {
		if !domain.KnownState(rec.From) {
			t.Fatalf("record %d: from %s outside state set", rec.ID, rec.From)
		}
		if rec.TS < prev {
			t.Fatalf("record %d: timestamps regressed", rec.ID)
		}
		prev = rec.TS
		if !rec.Accepted {
			continue
		}
		legal := false
		for _, to := range graph[rec.From] {
			if to == rec.To {
				legal = true
			}
		}
		if !legal {
			t.Fatalf("accepted record %d is not a graph edge: %s -> %s", rec.ID, rec.From, rec.To)
		}
	}
	state, _ := env.Sink.LoadState(env.Ctx, "repo-1")
	if !domain.KnownState(state) {
		t.Fatalf("current state %s outside state set", state)
	}
}
