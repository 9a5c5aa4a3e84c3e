package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gateline/internal/config"
	"gateline/internal/notify"
)

// Fixer is the external remediation hook: best effort, may itself fail,
// invoked at most maxAttempts times per gating cycle.
type Fixer interface {
	AttemptFix(ctx context.Context, repositoryID string, failingChecks []string) (string, error)
}

// FixerFunc adapts a function to the Fixer interface.
type FixerFunc func(ctx context.Context, repositoryID string, failingChecks []string) (string, error)

func (f FixerFunc) AttemptFix(ctx context.Context, repositoryID string, failingChecks []string) (string, error) {
	return f(ctx, repositoryID, failingChecks)
}

// HookFixer posts the failing-check set to a remediation webhook and
// treats any non-2xx response as a failed attempt.
type HookFixer struct {
	Config config.RemediationConfig
	Client *http.Client
}

// NewHookFixer returns nil when no hook URL is configured, which the
// loop treats as "nothing to invoke".
func NewHookFixer(cfg config.RemediationConfig) *HookFixer {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HookFixer{
		Config: cfg,
		Client: &http.Client{Timeout: timeout},
	}
}

type fixRequest struct {
	Repository    string   `json:"repository"`
	FailingChecks []string `json:"failing_checks"`
}

type fixResponse struct {
	Outcome string `json:"outcome"`
}

func (h *HookFixer) AttemptFix(ctx context.Context, repositoryID string, failingChecks []string) (string, error) {
	payload, err := json.Marshal(fixRequest{Repository: repositoryID, FailingChecks: failingChecks})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Config.URL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(h.Config.Secret) != "" {
		req.Header.Set("X-Hub-Signature-256", notify.Sign(payload, h.Config.Secret))
	}
	res, err := h.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var parsed fixResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Outcome != "" {
		return parsed.Outcome, nil
	}
	return fmt.Sprintf("hook responded %d", res.StatusCode), nil
}
