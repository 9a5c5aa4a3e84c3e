package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gateline/internal/domain"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default("gateline")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Repository.ID != "gateline" {
		t.Fatalf("repository id %q", cfg.Repository.ID)
	}
	if cfg.Remediation.MaxAttempts != 3 {
		t.Fatalf("max_attempts %d", cfg.Remediation.MaxAttempts)
	}
	next := cfg.AllowedNext(domain.StateNewIdea)
	if len(next) != 1 || next[0] != domain.StateDiscoveryRunning {
		t.Fatalf("allowed next from NEW_IDEA: %v", next)
	}
	if len(cfg.AllowedNext(domain.StateReleased)) != 0 {
		t.Fatal("RELEASED must have no outgoing edges")
	}
	if got := cfg.RequiredChecks(domain.StateApproval); len(got) != 4 {
		t.Fatalf("APPROVAL required checks: %v", got)
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("svc-a")))
	if err != nil {
		t.Fatalf("parse generated config: %v", err)
	}
	if cfg.Repository.ID != "svc-a" {
		t.Fatalf("repository id %q", cfg.Repository.ID)
	}
}

func TestValidateRejectsUnknownState(t *testing.T) {
	yml := `
transitions:
  NEW_IDEA: [LIMBO]
`
	_, err := FromYAML([]byte(yml))
	if err == nil || !strings.Contains(err.Error(), "LIMBO") {
		t.Fatalf("expected unknown-state error, got %v", err)
	}
}

func TestValidateRejectsTerminalEdges(t *testing.T) {
	cfg := Default("gateline")
	cfg.Transitions[string(domain.StateReleased)] = []string{string(domain.StateNewIdea)}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for edges out of RELEASED")
	}
}

func TestValidateRejectsUncataloguedCheck(t *testing.T) {
	cfg := Default("gateline")
	cfg.Checks.Required[string(domain.StateValidation)] = []string{"made-up"}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "made-up") {
		t.Fatalf("expected catalog error, got %v", err)
	}
}

func TestApplyDefaultsFillsGaps(t *testing.T) {
	cfg, err := FromYAML([]byte(`repository: {id: bare}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Transitions) == 0 {
		t.Fatal("default transitions not applied")
	}
	if cfg.Remediation.TimeoutSeconds != 30 || cfg.Server.BasePath != "/v0" {
		t.Fatalf("defaults not applied: %+v", cfg.Remediation)
	}
}

func TestLoadOptional(t *testing.T) {
	workspace := t.TempDir()

	cfg, err := LoadOptional(workspace, "fallback")
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if cfg.Repository.ID != "fallback" {
		t.Fatalf("expected default config, got id %q", cfg.Repository.ID)
	}

	path := filepath.Join(workspace, "gateline.yml")
	if err := os.WriteFile(path, []byte(GenerateDefault("on-disk")), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err = LoadOptional(workspace, "fallback")
	if err != nil {
		t.Fatalf("load existing: %v", err)
	}
	if cfg.Repository.ID != "on-disk" {
		t.Fatalf("expected file config, got id %q", cfg.Repository.ID)
	}
}
