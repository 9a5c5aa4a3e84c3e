package engine_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gateline/internal/config"
	"gateline/internal/engine"
	"gateline/internal/notify"
)

func TestNewHookFixerNilWithoutURL(t *testing.T) {
	if f := engine.NewHookFixer(config.RemediationConfig{}); f != nil {
		t.Fatal("expected nil fixer without a hook URL")
	}
}

func TestHookFixerPostsSignedRequest(t *testing.T) {
	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Hub-Signature-256")
		json.NewEncoder(w).Encode(map[string]string{"outcome": "patched docs"})
	}))
	defer srv.Close()

	fixer := engine.NewHookFixer(config.RemediationConfig{URL: srv.URL, Secret: "s3cret"})
	outcome, err := fixer.AttemptFix(context.Background(), "repo-1", []string{"docs"})
	if err != nil {
		t.Fatalf("attempt fix: %v", err)
	}
	if outcome != "patched docs" {
		t.Fatalf("outcome %q", outcome)
	}
	if gotSig != notify.Sign(gotBody, "s3cret") {
		t.Fatal("request signature does not verify")
	}
	var req struct {
		Repository    string   `json:"repository"`
		FailingChecks []string `json:"failing_checks"`
	}
	if err := json.Unmarshal(gotBody, &req); err != nil {
		t.Fatalf("request body: %v", err)
	}
	if req.Repository != "repo-1" || len(req.FailingChecks) != 1 || req.FailingChecks[0] != "docs" {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestHookFixerNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "remediation worker busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	fixer := engine.NewHookFixer(config.RemediationConfig{URL: srv.URL})
	_, err := fixer.AttemptFix(context.Background(), "repo-1", []string{"pat"})
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestHookFixerEmptyResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	fixer := engine.NewHookFixer(config.RemediationConfig{URL: srv.URL})
	outcome, err := fixer.AttemptFix(context.Background(), "repo-1", nil)
	if err != nil {
		t.Fatalf("attempt fix: %v", err)
	}
	if outcome != "hook responded 202" {
		t.Fatalf("outcome %q", outcome)
	}
}
