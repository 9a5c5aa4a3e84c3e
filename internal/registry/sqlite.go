package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"gateline/internal/domain"
)

// SQLite is the durable Sink backed by the workspace database.
type SQLite struct {
	DB *sql.DB
}

var _ Sink = SQLite{}

func (s SQLite) CreateRepository(ctx context.Context, r domain.Repository) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO repositories(id,name,state,created_at,updated_at) VALUES (?,?,?,?,?)`,
		r.ID, nullable(r.Name), string(r.State), r.CreatedAt, r.UpdatedAt)
	return err
}

func (s SQLite) GetRepository(ctx context.Context, id string) (domain.Repository, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id, COALESCE(name,''), state, created_at, updated_at FROM repositories WHERE id=?`, id)
	var r domain.Repository
	err := row.Scan(&r.ID, &r.Name, &r.State, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Repository{}, ErrNotFound
	}
	return r, err
}

func (s SQLite) ListRepositories(ctx context.Context) ([]domain.Repository, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, COALESCE(name,''), state, created_at, updated_at FROM repositories ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Repository
	for rows.Next() {
		var r domain.Repository
		if err := rows.Scan(&r.ID, &r.Name, &r.State, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

func (s SQLite) LoadState(ctx context.Context, id string) (domain.State, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT state FROM repositories WHERE id=?`, id)
	var state string
	err := row.Scan(&state)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return domain.State(state), nil
}

// CommitAttempt appends the record and optionally saves the new state in
// one transaction, so a partially-written attempt is never observable.
func (s SQLite) CommitAttempt(ctx context.Context, rec domain.TransitionRecord, newState *domain.State) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	verdict, err := json.Marshal(rec.Verdict)
	if err != nil {
		return 0, fmt.Errorf("marshal verdict: %w", err)
	}
	var attempts any
	if len(rec.Attempts) > 0 {
		b, err := json.Marshal(rec.Attempts)
		if err != nil {
			return 0, fmt.Errorf("marshal attempts: %w", err)
		}
		attempts = string(b)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO transitions(repository_id,from_state,to_state,ts,accepted,reason,verdict_json,attempts_json) VALUES (?,?,?,?,?,?,?,?)`,
		rec.RepositoryID, string(rec.From), string(rec.To), rec.TS, boolInt(rec.Accepted), rec.Reason, string(verdict), attempts)
	if err != nil {
		return 0, fmt.Errorf("append ledger: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if newState != nil {
		upd, err := tx.ExecContext(ctx, `UPDATE repositories SET state=?, updated_at=? WHERE id=?`,
			string(*newState), rec.TS, rec.RepositoryID)
		if err != nil {
			return 0, fmt.Errorf("save state: %w", err)
		}
		if n, _ := upd.RowsAffected(); n == 0 {
			return 0, ErrNotFound
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s SQLite) LoadLedger(ctx context.Context, id string) ([]domain.TransitionRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,repository_id,from_state,to_state,ts,accepted,reason,verdict_json,attempts_json FROM transitions WHERE repository_id=? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TransitionRecord
	for rows.Next() {
		var (
			rec      domain.TransitionRecord
			accepted int
			verdict  string
			attempts sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.RepositoryID, &rec.From, &rec.To, &rec.TS, &accepted, &rec.Reason, &verdict, &attempts); err != nil {
			return nil, err
		}
		rec.Accepted = accepted != 0
		if err := json.Unmarshal([]byte(verdict), &rec.Verdict); err != nil {
			return nil, fmt.Errorf("ledger record %d: %w", rec.ID, err)
		}
		if attempts.Valid && attempts.String != "" {
			if err := json.Unmarshal([]byte(attempts.String), &rec.Attempts); err != nil {
				return nil, fmt.Errorf("ledger record %d attempts: %w", rec.ID, err)
			}
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (s SQLite) PutCheckResult(ctx context.Context, res domain.CheckResult) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO check_results(repository_id,name,status,last_run,detail) VALUES (?,?,?,?,?)
ON CONFLICT(repository_id,name) DO UPDATE SET status=excluded.status, last_run=excluded.last_run, detail=excluded.detail`,
		res.RepositoryID, res.Name, string(res.Status), res.LastRun, nullable(res.Detail))
	return err
}

func (s SQLite) LatestCheckResult(ctx context.Context, id, name string) (domain.CheckResult, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT repository_id,name,status,last_run,COALESCE(detail,'') FROM check_results WHERE repository_id=? AND name=?`, id, name)
	var res domain.CheckResult
	err := row.Scan(&res.RepositoryID, &res.Name, &res.Status, &res.LastRun, &res.Detail)
	if err == sql.ErrNoRows {
		return domain.CheckResult{}, false, nil
	}
	if err != nil {
		return domain.CheckResult{}, false, err
	}
	return res, true, nil
}

func (s SQLite) ListCheckResults(ctx context.Context, id string) ([]domain.CheckResult, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT repository_id,name,status,last_run,COALESCE(detail,'') FROM check_results WHERE repository_id=? ORDER BY name`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CheckResult
	for rows.Next() {
		var r domain.CheckResult
		if err := rows.Scan(&r.RepositoryID, &r.Name, &r.Status, &r.LastRun, &r.Detail); err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
