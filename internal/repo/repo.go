package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"workgate/internal/domain"
)

// Queryer is satisfied by *sql.DB and *sql.Tx.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const workItemColumns = `id,state,last_seq,created_at,updated_at`

func scanWorkItem(row *sql.Row) (domain.WorkItem, error) {
	var w domain.WorkItem
	var state string
	err := row.Scan(&w.ID, &state, &w.LastSeq, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	w.State = domain.HandoffState(state)
	return w, err
}

// EnsureWorkItemTx creates the work item in the proposed state if it does not exist yet.
func (r Repo) EnsureWorkItemTx(ctx context.Context, q Queryer, id, now string) (domain.WorkItem, error) {
	if id == "" {
		return domain.WorkItem{}, errors.New("work item id required")
	}
	if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO work_items(id,state,last_seq,created_at,updated_at) VALUES (?,?,0,?,?)`,
		id, string(domain.StateProposed), now, now); err != nil {
		return domain.WorkItem{}, fmt.Errorf("ensure work item: %w", err)
	}
	return r.GetWorkItemTx(ctx, q, id)
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return r.GetWorkItemTx(ctx, r.DB, id)
}

func (r Repo) GetWorkItemTx(ctx context.Context, q Queryer, id string) (domain.WorkItem, error) {
	return scanWorkItem(q.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id))
}

// UpdateWorkItemTx writes the projection. Callers hold the work item lock.
func (r Repo) UpdateWorkItemTx(ctx context.Context, q Queryer, id string, state domain.HandoffState, lastSeq int64, now string) error {
	res, err := q.ExecContext(ctx, `UPDATE work_items SET state=?, last_seq=?, updated_at=? WHERE id=?`,
		string(state), lastSeq, now, id)
	if err != nil {
		return fmt.Errorf("update work item: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWorkItemIDs returns every work item id in creation order.
func (r Repo) ListWorkItemIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM work_items ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) ListWorkItems(ctx context.Context, state domain.HandoffState, limit int) ([]domain.WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_items`
	var args []any
	if state != "" {
		query += ` WHERE state=?`
		args = append(args, string(state))
	}
	query += ` ORDER BY updated_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		var w domain.WorkItem
		var st string
		if err := rows.Scan(&w.ID, &st, &w.LastSeq, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		w.State = domain.HandoffState(st)
		res = append(res, w)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
