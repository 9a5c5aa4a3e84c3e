package engine_test

import (
	"testing"

	"gateline/internal/domain"
)

func TestSweepAdvancesSingleEdgeStates(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.RegisterRepository(env.Ctx, "repo-2", "second"); err != nil {
		t.Fatalf("register: %v", err)
	}

	// repo-1 through DISCOVERY_RUNNING with docs passing, repo-2 stays
	// fresh but NEW_IDEA requires nothing so it advances too.
	env.reportAll(t, domain.CheckPass, "docs")

	results, err := env.Engine.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %+v", results)
	}
	for _, res := range results {
		if !res.Accepted || res.To != domain.StateDiscoveryRunning {
			t.Fatalf("unexpected result %+v", res)
		}
	}
}

func TestSweepRecordsRejections(t *testing.T) {
	env := newTestEnv(t)
	env.advanceTo(t, domain.StateDiscoveryRunning)
	env.reportAll(t, domain.CheckFail, "docs")

	results, err := env.Engine.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %+v", results)
	}
	if results[0].Accepted {
		t.Fatalf("expected rejection, got %+v", results[0])
	}
	state, err := env.Sink.LoadState(env.Ctx, "repo-1")
	if err != nil || state != domain.StateDiscoveryRunning {
		t.Fatalf("state moved: %v %s", err, state)
	}
	records, err := env.Sink.LoadLedger(env.Ctx, "repo-1")
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	last := records[len(records)-1]
	if last.Accepted || last.Reason != "docs: fail" {
		t.Fatalf("rejection not ledgered: %+v", last)
	}
}

func TestSweepSkipsTerminal(t *testing.T) {
	env := newTestEnv(t)
	env.advanceTo(t, domain.StateReleased)

	results, err := env.Engine.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("terminal repo must be skipped, got %+v", results)
	}
}
