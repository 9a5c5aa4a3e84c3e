package engine_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/registry"
)

type testEnv struct {
	Engine *engine.Engine
	Sink   *registry.Memory
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	sink := registry.NewMemory()
	cfg := config.Default("repo-1")
	eng := engine.New(sink, cfg)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	eng.Now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	ctx := context.Background()
	if _, err := eng.RegisterRepository(ctx, "repo-1", "Test Repo"); err != nil {
		t.Fatalf("register: %v", err)
	}
	return testEnv{Engine: eng, Sink: sink, Ctx: ctx}
}

func (env testEnv) reportAll(t *testing.T, status domain.CheckStatus, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := env.Engine.ReportCheck(env.Ctx, domain.CheckResult{
			RepositoryID: "repo-1",
			Name:         name,
			Status:       status,
		}); err != nil {
			t.Fatalf("report %s: %v", name, err)
		}
	}
}

// advanceTo walks the happy path to target with all checks passing.
func (env testEnv) advanceTo(t *testing.T, target domain.State) {
	t.Helper()
	env.reportAll(t, domain.CheckPass, "pat", "docs", "codeql", "tech")
	for _, next := range []domain.State{
		domain.StateDiscoveryRunning,
		domain.StateEvolutionComplete,
		domain.StateBuildRunning,
		domain.StateValidation,
		domain.StateApproval,
		domain.StateReleased,
	} {
		state, err := env.Sink.LoadState(env.Ctx, "repo-1")
		if err != nil {
			t.Fatalf("load state: %v", err)
		}
		if state == target {
			return
		}
		dec, err := env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{RepositoryID: "repo-1", To: next})
		if err != nil {
			t.Fatalf("advance to %s: %v", next, err)
		}
		if !dec.Accepted {
			t.Fatalf("advance to %s rejected: %s", next, dec.Reason)
		}
	}
	state, _ := env.Sink.LoadState(env.Ctx, "repo-1")
	if state != target {
		t.Fatalf("could not advance to %s, stuck at %s", target, state)
	}
}

func TestRegisterStartsInNewIdea(t *testing.T) {
	env := newTestEnv(t)
	r, err := env.Sink.GetRepository(env.Ctx, "repo-1")
	if err != nil {
		t.Fatal(err)
	}
	if r.State != domain.StateNewIdea {
		t.Fatalf("expected %s, got %s", domain.StateNewIdea, r.State)
	}
	// Re-registering is a no-op success returning the existing record.
	again, err := env.Engine.RegisterRepository(env.Ctx, "repo-1", "other name")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if again.Name != "Test Repo" {
		t.Fatalf("re-register replaced repository: %+v", again)
	}
}

func TestReportCheckValidation(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.ReportCheck(env.Ctx, domain.CheckResult{RepositoryID: "repo-1", Name: "pat", Status: "maybe"}); err == nil {
		t.Fatal("expected invalid status error")
	}
	if err := env.Engine.ReportCheck(env.Ctx, domain.CheckResult{RepositoryID: "nope", Name: "pat", Status: domain.CheckPass}); err != engine.ErrUnknownRepository {
		t.Fatalf("expected ErrUnknownRepository, got %v", err)
	}
	if err := env.Engine.ReportCheck(env.Ctx, domain.CheckResult{RepositoryID: "repo-1", Name: "pat", Status: domain.CheckPass}); err != nil {
		t.Fatalf("report: %v", err)
	}
	res, ok, err := env.Sink.LatestCheckResult(env.Ctx, "repo-1", "pat")
	if err != nil || !ok {
		t.Fatalf("latest: ok=%v err=%v", ok, err)
	}
	if res.LastRun == "" {
		t.Fatal("expected last_run to be stamped")
	}
}

func TestConcurrentAttemptsSerializePerRepository(t *testing.T) {
	env := newTestEnv(t)
	// The ticking clock from newTestEnv is not safe for concurrent use.
	env.Engine.Now = time.Now
	env.reportAll(t, domain.CheckPass, "pat", "docs", "codeql", "tech")

	hammer := func(to domain.State) int32 {
		const workers = 16
		var wg sync.WaitGroup
		var committed atomic.Int32
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				var dec engine.Decision
				var err error
				if i%2 == 0 {
					dec, err = env.Engine.AttemptTransition(env.Ctx, engine.TransitionRequest{RepositoryID: "repo-1", To: to})
				} else {
					var out engine.GateOutcome
					out, err = env.Engine.RunGatedTransition(env.Ctx, "repo-1", to, 1)
					dec = out.Decision
				}
				if err != nil {
					t.Errorf("attempt %s: %v", to, err)
					return
				}
				if !dec.Accepted {
					t.Errorf("attempt %s rejected: %s", to, dec.Reason)
					return
				}
				if !dec.NoOp {
					committed.Add(1)
				}
			}(i)
		}
		wg.Wait()
		return committed.Load()
	}

	if got := hammer(domain.StateDiscoveryRunning); got != 1 {
		t.Fatalf("expected exactly one committing attempt, got %d", got)
	}
	if got := hammer(domain.StateEvolutionComplete); got != 1 {
		t.Fatalf("expected exactly one committing attempt, got %d", got)
	}

	records, err := env.Engine.History(env.Ctx, "repo-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 ledger records, got %d", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].ID <= records[i-1].ID {
			t.Fatalf("ledger ids not strictly increasing: %d then %d", records[i-1].ID, records[i].ID)
		}
	}
	state, err := env.Sink.LoadState(env.Ctx, "repo-1")
	if err != nil {
		t.Fatal(err)
	}
	if state != domain.StateEvolutionComplete {
		t.Fatalf("expected %s, got %s", domain.StateEvolutionComplete, state)
	}
}

func TestStateAtReplaysLedger(t *testing.T) {
	env := newTestEnv(t)
	env.advanceTo(t, domain.StateBuildRunning)
	records, err := env.Engine.History(env.Ctx, "repo-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	// As of the second accepted record the repository was in EVOLUTION_COMPLETE.
	ts, err := time.Parse(time.RFC3339, records[1].TS)
	if err != nil {
		t.Fatal(err)
	}
	state, err := env.Engine.StateAt(env.Ctx, "repo-1", ts)
	if err != nil {
		t.Fatal(err)
	}
	if state != domain.StateEvolutionComplete {
		t.Fatalf("expected %s at %s, got %s", domain.StateEvolutionComplete, records[1].TS, state)
	}
	// Before the first record the repository was brand new.
	state, err = env.Engine.StateAt(env.Ctx, "repo-1", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if state != domain.StateNewIdea {
		t.Fatalf("expected %s before history, got %s", domain.StateNewIdea, state)
	}
}
