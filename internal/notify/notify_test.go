package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gateline/internal/config"
	"gateline/internal/domain"
)

func TestSign(t *testing.T) {
	payload := []byte(`{"event":"STATE_TRANSITION"}`)
	got := Sign(payload, "shared-secret")

	mac := hmac.New(sha256.New, []byte("shared-secret"))
	mac.Write(payload)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if got != want {
		t.Fatalf("signature mismatch: %s != %s", got, want)
	}
	if Sign(payload, "other") == got {
		t.Fatal("signature must depend on the secret")
	}
}

func TestMatrixFlattensVerdict(t *testing.T) {
	matrix := Matrix(domain.Verdict{
		Overall: domain.CheckFail,
		Checks: []domain.CheckVerdict{
			{Name: "pat", Status: domain.CheckPass},
			{Name: "docs", Status: domain.CheckFail},
			{Name: "codeql", Status: domain.CheckUnknown},
		},
	})
	want := map[string]bool{"pat": true, "docs": false, "codeql": false}
	if len(matrix) != len(want) {
		t.Fatalf("unexpected matrix %v", matrix)
	}
	for name, pass := range want {
		if matrix[name] != pass {
			t.Fatalf("%s: expected %v, got %v", name, pass, matrix[name])
		}
	}
}

func TestMatchEvent(t *testing.T) {
	if !matchEvent(nil, EventStateTransition) {
		t.Fatal("empty filter must match everything")
	}
	if !matchEvent([]string{"STATE_TRANSITION", " TRANSITION_REJECTED "}, EventTransitionRejected) {
		t.Fatal("filter entries should be trimmed")
	}
	if matchEvent([]string{"STATE_TRANSITION"}, EventRemediationAttempt) {
		t.Fatal("unlisted event must not match")
	}
}

func TestMeshDeliversSignedEvent(t *testing.T) {
	type delivery struct {
		event     string
		signature string
		body      []byte
	}
	got := make(chan delivery, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- delivery{
			event:     r.Header.Get("X-Gateline-Event"),
			signature: r.Header.Get("X-Hub-Signature-256"),
			body:      body,
		}
	}))
	defer srv.Close()

	mesh := NewMesh([]config.MeshHookConfig{
		{URL: srv.URL, Secret: "s3cret"},
		{URL: srv.URL, Events: []string{"REMEDIATION_ATTEMPT"}}, // filtered out
	})
	mesh.Notify(Event{
		Event:        EventStateTransition,
		Repository:   "repo-1",
		CurrentState: domain.StateValidation,
		NextState:    domain.StateApproval,
		ValidationMatrix: map[string]bool{
			"pat": true,
		},
		Timestamp: "2024-01-01T00:00:00Z",
	})

	select {
	case d := <-got:
		if d.event != EventStateTransition {
			t.Fatalf("event header: %s", d.event)
		}
		if d.signature != Sign(d.body, "s3cret") {
			t.Fatal("payload signature does not verify")
		}
		var evt Event
		if err := json.Unmarshal(d.body, &evt); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if evt.Repository != "repo-1" || evt.NextState != domain.StateApproval {
			t.Fatalf("unexpected payload %+v", evt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("hook was never called")
	}

	// The second hook filters on REMEDIATION_ATTEMPT and must stay silent.
	select {
	case d := <-got:
		t.Fatalf("unexpected second delivery: %+v", d)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMeshSkipsDisabledHook(t *testing.T) {
	called := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called <- struct{}{}
	}))
	defer srv.Close()

	off := false
	mesh := NewMesh([]config.MeshHookConfig{{URL: srv.URL, Enabled: &off}})
	mesh.Notify(Event{Event: EventStateTransition})

	select {
	case <-called:
		t.Fatal("disabled hook must not be called")
	case <-time.After(100 * time.Millisecond):
	}
}
