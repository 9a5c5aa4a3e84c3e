package engine_test

import (
	"context"
	"testing"

	"gateline/internal/domain"
	"gateline/internal/engine"
)

type fakeSource map[string]domain.CheckStatus

func (f fakeSource) LatestCheckResult(_ context.Context, _ string, name string) (domain.CheckResult, bool, error) {
	st, ok := f[name]
	if !ok {
		return domain.CheckResult{}, false, nil
	}
	return domain.CheckResult{Name: name, Status: st, LastRun: "2024-01-01T00:00:00Z"}, true, nil
}

func TestEvaluateAllPass(t *testing.T) {
	src := fakeSource{"pat": domain.CheckPass, "docs": domain.CheckPass}
	v, err := engine.Evaluate(context.Background(), src, "r", []string{"pat", "docs"})
	if err != nil {
		t.Fatal(err)
	}
	if v.Overall != domain.CheckPass {
		t.Fatalf("expected pass, got %s", v.Overall)
	}
	if len(v.Checks) != 2 {
		t.Fatalf("expected full breakdown, got %d entries", len(v.Checks))
	}
}

func TestEvaluateEmptyRequiredSetPasses(t *testing.T) {
	v, err := engine.Evaluate(context.Background(), fakeSource{}, "r", nil)
	if err != nil {
		t.Fatal(err)
	}
	if v.Overall != domain.CheckPass {
		t.Fatalf("expected pass for empty required set, got %s", v.Overall)
	}
}

func TestEvaluateFailClosed(t *testing.T) {
	// "docs" never reported: the verdict must never be pass.
	src := fakeSource{"pat": domain.CheckPass}
	v, err := engine.Evaluate(context.Background(), src, "r", []string{"pat", "docs"})
	if err != nil {
		t.Fatal(err)
	}
	if v.Overall == domain.CheckPass {
		t.Fatal("missing check silently permitted advancement")
	}
	if v.Overall != domain.CheckFail {
		t.Fatalf("expected fail, got %s", v.Overall)
	}
	found := false
	for _, c := range v.Checks {
		if c.Name == "docs" && c.Status == domain.CheckUnknown {
			found = true
		}
	}
	if !found {
		t.Fatalf("breakdown missing unknown entry: %+v", v.Checks)
	}
}

func TestEvaluatePending(t *testing.T) {
	src := fakeSource{"pat": domain.CheckPass, "codeql": domain.CheckPending}
	v, err := engine.Evaluate(context.Background(), src, "r", []string{"pat", "codeql"})
	if err != nil {
		t.Fatal(err)
	}
	if v.Overall != domain.CheckPending {
		t.Fatalf("expected pending, got %s", v.Overall)
	}
}

func TestEvaluateCarriesLastRun(t *testing.T) {
	src := fakeSource{"pat": domain.CheckPass}
	v, err := engine.Evaluate(context.Background(), src, "r", []string{"pat", "docs"})
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range v.Checks {
		switch c.Name {
		case "pat":
			if c.LastRun != "2024-01-01T00:00:00Z" {
				t.Fatalf("reported check lost last_run: %+v", c)
			}
		case "docs":
			if c.LastRun != "" {
				t.Fatalf("never-reported check has last_run: %+v", c)
			}
		}
	}
}

func TestVerdictReason(t *testing.T) {
	src := fakeSource{"pat": domain.CheckFail, "docs": domain.CheckPass}
	v, err := engine.Evaluate(context.Background(), src, "r", []string{"pat", "docs", "codeql"})
	if err != nil {
		t.Fatal(err)
	}
	if want := "pat: fail; codeql: unknown"; v.Reason() != want {
		t.Fatalf("expected %q, got %q", want, v.Reason())
	}
}
