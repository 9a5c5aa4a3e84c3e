package domain

import "strings"

// State is a lifecycle phase of a governed repository.
type State string

const (
	StateNewIdea           State = "NEW_IDEA"
	StateDiscoveryRunning  State = "DISCOVERY_RUNNING"
	StateEvolutionComplete State = "EVOLUTION_COMPLETE"
	StateBuildRunning      State = "BUILD_RUNNING"
	StateValidation        State = "VALIDATION"
	StateApproval          State = "APPROVAL"
	StateReleased          State = "RELEASED"
)

// States lists every lifecycle phase in happy-path order.
var States = []State{
	StateNewIdea,
	StateDiscoveryRunning,
	StateEvolutionComplete,
	StateBuildRunning,
	StateValidation,
	StateApproval,
	StateReleased,
}

// KnownState reports whether s is a member of the fixed state set.
func KnownState(s State) bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether s permits no further transitions.
func (s State) Terminal() bool { return s == StateReleased }

// CheckStatus is the reported status of a single validation check.
type CheckStatus string

const (
	CheckPass    CheckStatus = "pass"
	CheckFail    CheckStatus = "fail"
	CheckPending CheckStatus = "pending"
	CheckUnknown CheckStatus = "unknown"
)

// KnownCheckStatus reports whether st is a reportable status.
// "unknown" is reserved for checks that never reported.
func KnownCheckStatus(st CheckStatus) bool {
	return st == CheckPass || st == CheckFail || st == CheckPending
}

// CheckResult is the latest result reported by an external validator.
// Validators own their results; the engine only stores and aggregates them.
type CheckResult struct {
	RepositoryID string      `json:"repository_id"`
	Name         string      `json:"name"`
	Status       CheckStatus `json:"status" enum:"pass,fail,pending"`
	LastRun      string      `json:"last_run" format:"date-time"`
	Detail       string      `json:"detail,omitempty"`
}

// CheckVerdict is the per-check slice of a Verdict.
type CheckVerdict struct {
	Name    string      `json:"name"`
	Status  CheckStatus `json:"status" enum:"pass,fail,pending,unknown"`
	LastRun string      `json:"last_run,omitempty" format:"date-time"`
	Detail  string      `json:"detail,omitempty"`
}

// Verdict is the aggregated result over a required-check set.
type Verdict struct {
	Overall CheckStatus    `json:"overall" enum:"pass,fail,pending"`
	Checks  []CheckVerdict `json:"checks"`
}

// Reason renders the per-check breakdown as a human-readable string,
// e.g. "pat: fail; docs: pending". Passing checks are omitted unless
// everything passed.
func (v Verdict) Reason() string {
	if v.Overall == CheckPass {
		return "all required checks pass"
	}
	var parts []string
	for _, c := range v.Checks {
		if c.Status == CheckPass {
			continue
		}
		parts = append(parts, c.Name+": "+string(c.Status))
	}
	if len(parts) == 0 {
		return "verdict " + string(v.Overall)
	}
	return strings.Join(parts, "; ")
}

// RemediationAttempt records one invocation of the external fix hook
// within a single gating cycle.
type RemediationAttempt struct {
	Number      int    `json:"number"`
	TriggeredAt string `json:"triggered_at" format:"date-time"`
	Outcome     string `json:"outcome"`
}

// TransitionRecord is one immutable ledger entry. Every call to
// AttemptTransition appends exactly one record, accepted or not, except
// the idempotent no-op case which appends nothing.
type TransitionRecord struct {
	ID           int64                `json:"id"`
	RepositoryID string               `json:"repository_id"`
	From         State                `json:"from"`
	To           State                `json:"to"`
	TS           string               `json:"ts" format:"date-time"`
	Accepted     bool                 `json:"accepted"`
	Reason       string               `json:"reason"`
	Verdict      Verdict              `json:"verdict"`
	Attempts     []RemediationAttempt `json:"attempts,omitempty"`
}

// Repository is a governed repository.
type Repository struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	State     State  `json:"state"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// APIKey authenticates an external caller of the HTTP API.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
