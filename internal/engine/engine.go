// Package engine implements the lifecycle governance core: the state
// machine gating phase transitions on the validation matrix, the capped
// remediation loop layered above it, and the append-only audit trail
// both write through the registry sink.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/metrics"
	"gateline/internal/notify"
	"gateline/internal/registry"
)

// CheckSource is the read side over externally-reported check results.
// The engine never executes checks; validators report, the engine
// aggregates.
type CheckSource interface {
	LatestCheckResult(ctx context.Context, repositoryID, name string) (domain.CheckResult, bool, error)
}

type Engine struct {
	Sink    registry.Sink
	Checks  CheckSource
	Fixer   Fixer
	Notify  notify.Notifier
	Metrics *metrics.Metrics
	Config  *config.Config
	Now     func() time.Time

	mu        sync.Mutex
	repoLocks map[string]*sync.Mutex
}

func New(sink registry.Sink, cfg *config.Config) *Engine {
	return &Engine{
		Sink:      sink,
		Checks:    sink,
		Notify:    notify.Noop{},
		Config:    cfg,
		Now:       time.Now,
		repoLocks: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// lockRepository serialises gating cycles per repository. Cycles for
// different repositories run fully in parallel.
func (e *Engine) lockRepository(id string) func() {
	e.mu.Lock()
	l, ok := e.repoLocks[id]
	if !ok {
		l = &sync.Mutex{}
		e.repoLocks[id] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// RegisterRepository places a repository under governance, starting in
// NEW_IDEA. Registering an already-governed repository is a no-op that
// returns the existing record; registration is safe to re-run.
func (e *Engine) RegisterRepository(ctx context.Context, id, name string) (domain.Repository, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Repository{}, errors.New("repository id required")
	}
	if existing, err := e.Sink.GetRepository(ctx, id); err == nil {
		return existing, nil
	} else if !errors.Is(err, registry.ErrNotFound) {
		return domain.Repository{}, err
	}
	now := e.timestamp()
	r := domain.Repository{
		ID:        id,
		Name:      name,
		State:     domain.StateNewIdea,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Sink.CreateRepository(ctx, r); err != nil {
		if errors.Is(err, registry.ErrRepositoryExists) {
			return e.Sink.GetRepository(ctx, id)
		}
		return domain.Repository{}, fmt.Errorf("create repository: %w", err)
	}
	return r, nil
}

// ReportCheck stores the latest result for an externally-owned check.
func (e *Engine) ReportCheck(ctx context.Context, res domain.CheckResult) error {
	if strings.TrimSpace(res.Name) == "" {
		return errors.New("check name required")
	}
	if !domain.KnownCheckStatus(res.Status) {
		return fmt.Errorf("invalid check status %q", res.Status)
	}
	if _, err := e.Sink.GetRepository(ctx, res.RepositoryID); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return ErrUnknownRepository
		}
		return err
	}
	if res.LastRun == "" {
		res.LastRun = e.timestamp()
	}
	return e.Sink.PutCheckResult(ctx, res)
}

// History returns the full ordered transition ledger for a repository.
func (e *Engine) History(ctx context.Context, repositoryID string) ([]domain.TransitionRecord, error) {
	if _, err := e.Sink.GetRepository(ctx, repositoryID); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, ErrUnknownRepository
		}
		return nil, err
	}
	return e.Sink.LoadLedger(ctx, repositoryID)
}

// StateAt replays the ledger and returns the repository state as of t.
// Records appended after t are ignored; with no accepted record before
// t the state is NEW_IDEA.
func (e *Engine) StateAt(ctx context.Context, repositoryID string, t time.Time) (domain.State, error) {
	records, err := e.History(ctx, repositoryID)
	if err != nil {
		return "", err
	}
	state := domain.StateNewIdea
	for _, rec := range records {
		ts, err := time.Parse(time.RFC3339, rec.TS)
		if err != nil {
			return "", fmt.Errorf("ledger record %d: %w", rec.ID, err)
		}
		if ts.After(t) {
			break
		}
		if rec.Accepted {
			state = rec.To
		}
	}
	return state, nil
}
