// Package notify fans governance events out to configured mesh hook
// endpoints. Delivery is fire-and-forget: it runs off the gating cycle's
// goroutine, never blocks a cycle and never fails a transition.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"gateline/internal/config"
	"gateline/internal/domain"
)

const (
	EventStateTransition    = "STATE_TRANSITION"
	EventTransitionRejected = "TRANSITION_REJECTED"
	EventRemediationAttempt = "REMEDIATION_ATTEMPT"
)

// Event is the mesh hook payload.
type Event struct {
	Event            string                     `json:"event"`
	Repository       string                     `json:"repository"`
	CurrentState     domain.State               `json:"current_state"`
	NextState        domain.State               `json:"next_state"`
	Reason           string                     `json:"reason,omitempty"`
	ValidationMatrix map[string]bool            `json:"validation_matrix"`
	Attempt          *domain.RemediationAttempt `json:"attempt,omitempty"`
	Timestamp        string                     `json:"timestamp"`
}

// Matrix flattens a verdict breakdown into the pass/fail map the mesh
// consumes.
func Matrix(v domain.Verdict) map[string]bool {
	matrix := make(map[string]bool, len(v.Checks))
	for _, c := range v.Checks {
		matrix[c.Name] = c.Status == domain.CheckPass
	}
	return matrix
}

// Notifier delivers governance events. Implementations must return
// promptly; slow or failing sinks are the implementation's problem.
type Notifier interface {
	Notify(evt Event)
}

// Noop drops all events.
type Noop struct{}

func (Noop) Notify(Event) {}

const (
	defaultHookTimeout = 30 * time.Second
)

// Mesh posts events to every enabled hook endpoint.
type Mesh struct {
	hooks  []config.MeshHookConfig
	client *http.Client
}

func NewMesh(hooks []config.MeshHookConfig) *Mesh {
	return &Mesh{
		hooks:  hooks,
		client: &http.Client{Timeout: defaultHookTimeout},
	}
}

func (m *Mesh) Notify(evt Event) {
	for _, hook := range m.hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if !matchEvent(hook.Events, evt.Event) {
			continue
		}
		go m.deliver(hook, evt)
	}
}

func (m *Mesh) deliver(hook config.MeshHookConfig, evt Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		log.Printf("mesh: marshal event failed: %v", err)
		return
	}
	timeout := defaultHookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(payload))
	if err != nil {
		log.Printf("mesh: build request for %s failed: %v", hook.URL, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gateline-Event", evt.Event)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Hub-Signature-256", Sign(payload, hook.Secret))
	}
	res, err := m.client.Do(req)
	if err != nil {
		log.Printf("mesh: deliver to %s failed: %v", hook.URL, err)
		return
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		log.Printf("mesh: deliver to %s: status %d: %s", hook.URL, res.StatusCode, strings.TrimSpace(string(body)))
	}
}

// Sign returns the HMAC-SHA256 signature header value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return fmt.Sprintf("sha256=%s", hex.EncodeToString(mac.Sum(nil)))
}

func matchEvent(filter []string, event string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if strings.TrimSpace(f) == event {
			return true
		}
	}
	return false
}
