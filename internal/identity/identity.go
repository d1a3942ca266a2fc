// Package identity resolves authenticated actor ids to principals with their
// assigned engagement level. The roster is seeded from workgate.yml and kept in SQLite.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"workgate/internal/config"
	"workgate/internal/domain"
	"workgate/internal/repo"
)

// UnknownPrincipalError is returned for actors missing from the roster.
type UnknownPrincipalError struct {
	ID string
}

func (e UnknownPrincipalError) Error() string {
	return fmt.Sprintf("unknown principal %q", e.ID)
}

type Service struct {
	DB   *sql.DB
	Repo repo.Repo
	Now  func() time.Time
}

func New(db *sql.DB) Service {
	return Service{DB: db, Repo: repo.Repo{DB: db}, Now: time.Now}
}

func (s Service) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// Resolve returns the principal registered under id.
func (s Service) Resolve(ctx context.Context, id string) (domain.Principal, error) {
	if id == "" {
		return domain.Principal{}, errors.New("actor id required")
	}
	p, err := s.Repo.GetPrincipal(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Principal{}, UnknownPrincipalError{ID: id}
	}
	return p, err
}

// Seed upserts every principal declared in config in one transaction.
// Principals created at runtime and missing from config are left alone.
func (s Service) Seed(ctx context.Context, specs []config.PrincipalSpec) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := s.now()
	for _, spec := range specs {
		if err := s.Repo.UpsertPrincipalTx(ctx, tx, spec.Principal(), now); err != nil {
			return fmt.Errorf("seed principal %s: %w", spec.ID, err)
		}
	}
	return tx.Commit()
}

func (s Service) Upsert(ctx context.Context, p domain.Principal) error {
	return s.Repo.UpsertPrincipalTx(ctx, s.DB, p, s.now())
}

func (s Service) SetLevel(ctx context.Context, id string, level int) error {
	err := s.Repo.SetPrincipalLevel(ctx, id, level, s.now())
	if errors.Is(err, repo.ErrNotFound) {
		return UnknownPrincipalError{ID: id}
	}
	return err
}

func (s Service) List(ctx context.Context) ([]domain.Principal, error) {
	return s.Repo.ListPrincipals(ctx)
}
