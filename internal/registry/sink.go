// Package registry persists governed-repository state, the append-only
// transition ledger, and externally-reported check results. The engine
// only ever sees the Sink interface; production wires the SQLite
// implementation, tests usually wire Memory.
package registry

import (
	"context"
	"errors"

	"gateline/internal/domain"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrRepositoryExists = errors.New("repository already exists")
)

// Sink is the durable store the governance core reads at start and
// writes after each transition attempt.
type Sink interface {
	CreateRepository(ctx context.Context, r domain.Repository) error
	GetRepository(ctx context.Context, id string) (domain.Repository, error)
	ListRepositories(ctx context.Context) ([]domain.Repository, error)

	// LoadState returns the current lifecycle state for a repository.
	LoadState(ctx context.Context, id string) (domain.State, error)

	// CommitAttempt appends rec to the ledger and, when newState is
	// non-nil, saves it as the repository's current state. Both writes
	// commit atomically: a crash mid-commit must never leave a saved
	// state without its ledger record or vice versa. Returns the
	// appended record id.
	CommitAttempt(ctx context.Context, rec domain.TransitionRecord, newState *domain.State) (int64, error)

	// LoadLedger returns every transition record for a repository,
	// ordered by append time.
	LoadLedger(ctx context.Context, id string) ([]domain.TransitionRecord, error)

	// PutCheckResult stores the latest result for (repository, check name).
	PutCheckResult(ctx context.Context, res domain.CheckResult) error

	// LatestCheckResult returns the latest reported result, or ok=false
	// if the check has never reported for this repository.
	LatestCheckResult(ctx context.Context, id, name string) (domain.CheckResult, bool, error)

	// ListCheckResults returns every reported result for a repository.
	ListCheckResults(ctx context.Context, id string) ([]domain.CheckResult, error)
}
