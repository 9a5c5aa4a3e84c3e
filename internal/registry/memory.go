package registry

import (
	"context"
	"sync"

	"gateline/internal/domain"
)

// Memory is an in-process Sink for tests and dry runs. Appends and state
// saves happen under one lock, mirroring the transactional guarantee of
// the SQLite sink.
type Memory struct {
	mu     sync.Mutex
	repos  map[string]domain.Repository
	ledger map[string][]domain.TransitionRecord
	checks map[string]map[string]domain.CheckResult
	nextID int64
}

var _ Sink = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		repos:  make(map[string]domain.Repository),
		ledger: make(map[string][]domain.TransitionRecord),
		checks: make(map[string]map[string]domain.CheckResult),
	}
}

func (m *Memory) CreateRepository(_ context.Context, r domain.Repository) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.repos[r.ID]; ok {
		return ErrRepositoryExists
	}
	m.repos[r.ID] = r
	return nil
}

func (m *Memory) GetRepository(_ context.Context, id string) (domain.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.repos[id]
	if !ok {
		return domain.Repository{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) ListRepositories(_ context.Context) ([]domain.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]domain.Repository, 0, len(m.repos))
	for _, r := range m.repos {
		res = append(res, r)
	}
	return res, nil
}

func (m *Memory) LoadState(_ context.Context, id string) (domain.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.repos[id]
	if !ok {
		return "", ErrNotFound
	}
	return r.State, nil
}

func (m *Memory) CommitAttempt(_ context.Context, rec domain.TransitionRecord, newState *domain.State) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.repos[rec.RepositoryID]
	if !ok {
		return 0, ErrNotFound
	}
	m.nextID++
	rec.ID = m.nextID
	m.ledger[rec.RepositoryID] = append(m.ledger[rec.RepositoryID], rec)
	if newState != nil {
		r.State = *newState
		r.UpdatedAt = rec.TS
		m.repos[rec.RepositoryID] = r
	}
	return rec.ID, nil
}

func (m *Memory) LoadLedger(_ context.Context, id string) ([]domain.TransitionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := m.ledger[id]
	out := make([]domain.TransitionRecord, len(records))
	copy(out, records)
	return out, nil
}

func (m *Memory) PutCheckResult(_ context.Context, res domain.CheckResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byName, ok := m.checks[res.RepositoryID]
	if !ok {
		byName = make(map[string]domain.CheckResult)
		m.checks[res.RepositoryID] = byName
	}
	byName[res.Name] = res
	return nil
}

func (m *Memory) LatestCheckResult(_ context.Context, id, name string) (domain.CheckResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.checks[id][name]
	return res, ok, nil
}

func (m *Memory) ListCheckResults(_ context.Context, id string) ([]domain.CheckResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []domain.CheckResult
	for _, r := range m.checks[id] {
		res = append(res, r)
	}
	return res, nil
}
