package server

import (
	"gateline/internal/domain"
	"gateline/internal/engine"
)

// Request payloads

type RegisterRepositoryRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type ReportCheckRequest struct {
	Name   string `json:"name"`
	Status string `json:"status" enum:"pass,fail,pending"`
	Detail string `json:"detail,omitempty"`
}

type TransitionRequest struct {
	To string `json:"to" enum:"NEW_IDEA,DISCOVERY_RUNNING,EVOLUTION_COMPLETE,BUILD_RUNNING,VALIDATION,APPROVAL,RELEASED"`
}

type GateRequest struct {
	To          string `json:"to" enum:"NEW_IDEA,DISCOVERY_RUNNING,EVOLUTION_COMPLETE,BUILD_RUNNING,VALIDATION,APPROVAL,RELEASED"`
	MaxAttempts int    `json:"max_attempts,omitempty" minimum:"0"`
}

// ForgeEventRequest is the payload a forge posts on merge. The target
// state is implied: the repository's single outgoing edge.
type ForgeEventRequest struct {
	RepositoryID string `json:"repository_id"`
	Event        string `json:"event,omitempty"`
	Ref          string `json:"ref,omitempty"`
}

// Response payloads

type RepositoryResponse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	State       string   `json:"state"`
	AllowedNext []string `json:"allowed_next"`
	Required    []string `json:"required_checks"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

type CheckResultResponse struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	LastRun string `json:"last_run,omitempty" format:"date-time"`
	Detail  string `json:"detail,omitempty"`
}

type CheckVerdictResponse struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	LastRun string `json:"last_run,omitempty" format:"date-time"`
	Detail  string `json:"detail,omitempty"`
}

type VerdictResponse struct {
	Overall string                 `json:"overall"`
	Reason  string                 `json:"reason"`
	Checks  []CheckVerdictResponse `json:"checks"`
}

type RemediationAttemptResponse struct {
	Number      int    `json:"number"`
	TriggeredAt string `json:"triggered_at" format:"date-time"`
	Outcome     string `json:"outcome"`
}

type DecisionResponse struct {
	RepositoryID string                       `json:"repository_id"`
	Accepted     bool                         `json:"accepted"`
	NoOp         bool                         `json:"no_op,omitempty"`
	Reject       string                       `json:"reject,omitempty"`
	From         string                       `json:"from"`
	To           string                       `json:"to"`
	Reason       string                       `json:"reason,omitempty"`
	Verdict      *VerdictResponse             `json:"verdict,omitempty"`
	Attempts     []RemediationAttemptResponse `json:"attempts,omitempty"`
	RecordID     int64                        `json:"record_id,omitempty"`
}

type GateResponse struct {
	Final    string           `json:"final" enum:"ACCEPTED,ESCALATED"`
	Decision DecisionResponse `json:"decision"`
}

type TransitionRecordResponse struct {
	ID       int64                        `json:"id"`
	From     string                       `json:"from"`
	To       string                       `json:"to"`
	TS       string                       `json:"ts" format:"date-time"`
	Accepted bool                         `json:"accepted"`
	Reason   string                       `json:"reason,omitempty"`
	Verdict  VerdictResponse              `json:"verdict"`
	Attempts []RemediationAttemptResponse `json:"attempts,omitempty"`
}

type GraphResponse struct {
	States []string            `json:"states"`
	Edges  map[string][]string `json:"edges"`
}

func repositoryResponse(r domain.Repository, next []domain.State, required []string) RepositoryResponse {
	return RepositoryResponse{
		ID:          r.ID,
		Name:        r.Name,
		State:       string(r.State),
		AllowedNext: stateStrings(next),
		Required:    emptyNotNull(required),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func checkResultResponse(c domain.CheckResult) CheckResultResponse {
	return CheckResultResponse{
		Name:    c.Name,
		Status:  string(c.Status),
		LastRun: c.LastRun,
		Detail:  c.Detail,
	}
}

func verdictResponse(v domain.Verdict) VerdictResponse {
	out := VerdictResponse{
		Overall: string(v.Overall),
		Reason:  v.Reason(),
		Checks:  make([]CheckVerdictResponse, 0, len(v.Checks)),
	}
	for _, c := range v.Checks {
		out.Checks = append(out.Checks, CheckVerdictResponse{
			Name:    c.Name,
			Status:  string(c.Status),
			LastRun: c.LastRun,
			Detail:  c.Detail,
		})
	}
	return out
}

func attemptResponses(attempts []domain.RemediationAttempt) []RemediationAttemptResponse {
	if len(attempts) == 0 {
		return nil
	}
	out := make([]RemediationAttemptResponse, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, RemediationAttemptResponse{
			Number:      a.Number,
			TriggeredAt: a.TriggeredAt,
			Outcome:     a.Outcome,
		})
	}
	return out
}

func decisionResponse(dec engine.Decision, attempts []domain.RemediationAttempt) DecisionResponse {
	out := DecisionResponse{
		RepositoryID: dec.RepositoryID,
		Accepted:     dec.Accepted,
		NoOp:         dec.NoOp,
		Reject:       string(dec.Reject),
		From:         string(dec.From),
		To:           string(dec.To),
		Reason:       dec.Reason,
		Attempts:     attemptResponses(attempts),
		RecordID:     dec.RecordID,
	}
	if dec.Verdict.Overall != "" {
		v := verdictResponse(dec.Verdict)
		out.Verdict = &v
	}
	return out
}

func recordResponse(rec domain.TransitionRecord) TransitionRecordResponse {
	return TransitionRecordResponse{
		ID:       rec.ID,
		From:     string(rec.From),
		To:       string(rec.To),
		TS:       rec.TS,
		Accepted: rec.Accepted,
		Reason:   rec.Reason,
		Verdict:  verdictResponse(rec.Verdict),
		Attempts: attemptResponses(rec.Attempts),
	}
}

func stateStrings(states []domain.State) []string {
	out := make([]string, 0, len(states))
	for _, s := range states {
		out = append(out, string(s))
	}
	return out
}

func emptyNotNull(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
