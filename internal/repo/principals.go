package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"workgate/internal/domain"
)

// UpsertPrincipalTx inserts or replaces a principal's kind, level and capabilities.
func (r Repo) UpsertPrincipalTx(ctx context.Context, q Queryer, p domain.Principal, now string) error {
	if err := p.Validate(); err != nil {
		return err
	}
	caps, err := json.Marshal(p.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	_, err = q.ExecContext(ctx, `
INSERT INTO principals(id,kind,level,capabilities_json,created_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET kind=excluded.kind, level=excluded.level,
  capabilities_json=excluded.capabilities_json, updated_at=excluded.updated_at`,
		p.ID, string(p.Kind), p.Level, string(caps), now, now)
	return err
}

func (r Repo) GetPrincipal(ctx context.Context, id string) (domain.Principal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,kind,level,COALESCE(capabilities_json,'') FROM principals WHERE id=?`, id)
	var p domain.Principal
	var kind, caps string
	err := row.Scan(&p.ID, &kind, &p.Level, &caps)
	if err == sql.ErrNoRows {
		return domain.Principal{}, ErrNotFound
	}
	if err != nil {
		return domain.Principal{}, err
	}
	p.Kind = domain.PrincipalKind(kind)
	if err := decodeCapabilities(caps, &p); err != nil {
		return domain.Principal{}, err
	}
	return p, nil
}

func (r Repo) ListPrincipals(ctx context.Context) ([]domain.Principal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,kind,level,COALESCE(capabilities_json,'') FROM principals ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Principal
	for rows.Next() {
		var p domain.Principal
		var kind, caps string
		if err := rows.Scan(&p.ID, &kind, &p.Level, &caps); err != nil {
			return nil, err
		}
		p.Kind = domain.PrincipalKind(kind)
		if err := decodeCapabilities(caps, &p); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SetPrincipalLevel changes the assigned engagement level of an existing principal.
func (r Repo) SetPrincipalLevel(ctx context.Context, id string, level int, now string) error {
	if level < domain.MinLevel || level > domain.MaxLevel {
		return fmt.Errorf("level %d out of range", level)
	}
	if id == "" {
		return errors.New("principal id required")
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE principals SET level=?, updated_at=? WHERE id=?`, level, now, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func decodeCapabilities(raw string, p *domain.Principal) error {
	if raw == "" || raw == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &p.Capabilities); err != nil {
		return fmt.Errorf("principal %s capabilities: %w", p.ID, err)
	}
	return nil
}
