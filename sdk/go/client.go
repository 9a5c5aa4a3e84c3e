package gatelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Gateline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Repository is the API repository model.
type Repository struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	State       string   `json:"state"`
	AllowedNext []string `json:"allowed_next"`
	Required    []string `json:"required_checks"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

// CheckResult is one reported check outcome.
type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	LastRun string `json:"last_run,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Verdict is an evaluated validation matrix.
type Verdict struct {
	Overall string `json:"overall"`
	Reason  string `json:"reason"`
	Checks  []struct {
		Name   string `json:"name"`
		Status string `json:"status"`
		Detail string `json:"detail,omitempty"`
	} `json:"checks"`
}

// RemediationAttempt is one hook invocation inside a gated transition.
type RemediationAttempt struct {
	Number      int    `json:"number"`
	TriggeredAt string `json:"triggered_at"`
	Outcome     string `json:"outcome"`
}

// Decision is the outcome of one transition attempt.
type Decision struct {
	RepositoryID string               `json:"repository_id"`
	Accepted     bool                 `json:"accepted"`
	NoOp         bool                 `json:"no_op,omitempty"`
	From         string               `json:"from"`
	To           string               `json:"to"`
	Reason       string               `json:"reason,omitempty"`
	Verdict      *Verdict             `json:"verdict,omitempty"`
	Attempts     []RemediationAttempt `json:"attempts,omitempty"`
}

// GateOutcome is the final result of a gated transition.
type GateOutcome struct {
	Final    string   `json:"final"`
	Decision Decision `json:"decision"`
}

// TransitionRecord is one ledger entry.
type TransitionRecord struct {
	ID       int64                `json:"id"`
	From     string               `json:"from"`
	To       string               `json:"to"`
	TS       string               `json:"ts"`
	Accepted bool                 `json:"accepted"`
	Reason   string               `json:"reason,omitempty"`
	Verdict  Verdict              `json:"verdict"`
	Attempts []RemediationAttempt `json:"attempts,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RegisterRepository registers a repository; it starts in NEW_IDEA.
func (c *Client) RegisterRepository(ctx context.Context, id, name string) (Repository, error) {
	body := map[string]any{"id": id}
	if name != "" {
		body["name"] = name
	}
	var resp Repository
	err := c.do(ctx, http.MethodPost, "v0/repositories", body, &resp)
	return resp, err
}

// GetRepository fetches one repository with its current gate.
func (c *Client) GetRepository(ctx context.Context, id string) (Repository, error) {
	var resp Repository
	err := c.do(ctx, http.MethodGet, c.repoPath(id, ""), nil, &resp)
	return resp, err
}

// ListRepositories lists every governed repository.
func (c *Client) ListRepositories(ctx context.Context) ([]Repository, error) {
	var resp []Repository
	err := c.do(ctx, http.MethodGet, "v0/repositories", nil, &resp)
	return resp, err
}

// ReportCheck records a check result.
func (c *Client) ReportCheck(ctx context.Context, repositoryID, name, status, detail string) (CheckResult, error) {
	body := map[string]any{"name": name, "status": status}
	if detail != "" {
		body["detail"] = detail
	}
	var resp CheckResult
	err := c.do(ctx, http.MethodPost, c.repoPath(repositoryID, "checks"), body, &resp)
	return resp, err
}

// Verdict evaluates the validation matrix for the repository's current state.
func (c *Client) Verdict(ctx context.Context, repositoryID string) (Verdict, error) {
	var resp Verdict
	err := c.do(ctx, http.MethodGet, c.repoPath(repositoryID, "verdict"), nil, &resp)
	return resp, err
}

// AttemptTransition attempts one lifecycle transition. A rejection is not
// an error; inspect Decision.Accepted.
func (c *Client) AttemptTransition(ctx context.Context, repositoryID, to string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, c.repoPath(repositoryID, "transitions"), map[string]any{"to": to}, &resp)
	return resp, err
}

// RunGate runs a gated transition with remediation. maxAttempts 0 uses
// the server's configured budget.
func (c *Client) RunGate(ctx context.Context, repositoryID, to string, maxAttempts int) (GateOutcome, error) {
	body := map[string]any{"to": to}
	if maxAttempts > 0 {
		body["max_attempts"] = maxAttempts
	}
	var resp GateOutcome
	err := c.do(ctx, http.MethodPost, c.repoPath(repositoryID, "gate"), body, &resp)
	return resp, err
}

// History returns the repository's transition ledger.
func (c *Client) History(ctx context.Context, repositoryID string) ([]TransitionRecord, error) {
	var resp struct {
		Records []TransitionRecord `json:"records"`
	}
	err := c.do(ctx, http.MethodGet, c.repoPath(repositoryID, "history"), nil, &resp)
	return resp.Records, err
}

// StateAt returns the state the repository was in at the given instant.
func (c *Client) StateAt(ctx context.Context, repositoryID string, at time.Time) (string, error) {
	var resp struct {
		State string `json:"state"`
	}
	endpoint := fmt.Sprintf("%s?at=%s", c.repoPath(repositoryID, "history"), url.QueryEscape(at.Format(time.RFC3339)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.State, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) repoPath(id, suffix string) string {
	p := fmt.Sprintf("v0/repositories/%s", url.PathEscape(id))
	if suffix != "" {
		p += "/" + strings.TrimLeft(suffix, "/")
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
