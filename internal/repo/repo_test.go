package repo_test

import (
	"context"
	"errors"
	"testing"

	"workgate/internal/db"
	"workgate/internal/domain"
	"workgate/internal/migrate"
	"workgate/internal/repo"
)

const now = "2024-01-01T00:00:00Z"

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestEnsureWorkItemIsIdempotent(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	w, err := r.EnsureWorkItemTx(ctx, r.DB, "issue-1", now)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if w.State != domain.StateProposed || w.LastSeq != 0 {
		t.Fatalf("unexpected new work item: %+v", w)
	}
	if err := r.UpdateWorkItemTx(ctx, r.DB, "issue-1", domain.StateInProgress, 1, now); err != nil {
		t.Fatalf("update: %v", err)
	}
	// a second ensure must not reset the projection
	w, err = r.EnsureWorkItemTx(ctx, r.DB, "issue-1", now)
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if w.State != domain.StateInProgress || w.LastSeq != 1 {
		t.Fatalf("ensure reset work item: %+v", w)
	}

	if err := r.UpdateWorkItemTx(ctx, r.DB, "missing", domain.StateResolved, 1, now); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.GetWorkItem(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListWorkItems(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := r.EnsureWorkItemTx(ctx, r.DB, id, now); err != nil {
			t.Fatalf("ensure %s: %v", id, err)
		}
	}
	if err := r.UpdateWorkItemTx(ctx, r.DB, "b", domain.StateReviewPending, 2, "2024-01-02T00:00:00Z"); err != nil {
		t.Fatalf("update: %v", err)
	}

	ids, err := r.ListWorkItemIDs(ctx)
	if err != nil {
		t.Fatalf("list ids: %v", err)
	}
	if len(ids) != 3 || ids[0] != "a" || ids[2] != "c" {
		t.Fatalf("unexpected ids: %v", ids)
	}

	pending, err := r.ListWorkItems(ctx, domain.StateReviewPending, 0)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "b" {
		t.Fatalf("unexpected filter result: %+v", pending)
	}
	limited, err := r.ListWorkItems(ctx, "", 2)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 || limited[0].ID != "b" {
		t.Fatalf("expected most recently updated first: %+v", limited)
	}
}

func TestPrincipals(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	p := domain.Principal{ID: "agent-1", Kind: domain.KindAgent, Level: 3, Capabilities: []string{"review"}}
	if err := r.UpsertPrincipalTx(ctx, r.DB, p, now); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	p.Level = 4
	if err := r.UpsertPrincipalTx(ctx, r.DB, p, now); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	got, err := r.GetPrincipal(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Level != 4 || len(got.Capabilities) != 1 {
		t.Fatalf("unexpected principal: %+v", got)
	}

	if err := r.UpsertPrincipalTx(ctx, r.DB, domain.Principal{ID: "bad", Kind: "robot", Level: 1}, now); err == nil {
		t.Fatalf("expected invalid kind to be rejected")
	}
	if err := r.SetPrincipalLevel(ctx, "agent-1", 6, now); err == nil {
		t.Fatalf("expected out of range level to be rejected")
	}
	if err := r.SetPrincipalLevel(ctx, "ghost", 2, now); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := r.SetPrincipalLevel(ctx, "agent-1", 2, now); err != nil {
		t.Fatalf("set level: %v", err)
	}
	all, err := r.ListPrincipals(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 || all[0].Level != 2 {
		t.Fatalf("unexpected roster: %+v", all)
	}
}

func TestAPIKeys(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	if err := r.UpsertPrincipalTx(ctx, r.DB, domain.Principal{ID: "agent-1", Kind: domain.KindAgent, Level: 2}, now); err != nil {
		t.Fatalf("upsert principal: %v", err)
	}
	hash := repo.HashAPIKey(" wg_secret ")
	if hash != repo.HashAPIKey("wg_secret") {
		t.Fatalf("hash must ignore surrounding whitespace")
	}
	if err := r.InsertAPIKey(ctx, domain.APIKey{ID: "k1", PrincipalID: "agent-1", KeyHash: hash}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := r.InsertAPIKey(ctx, domain.APIKey{ID: "k2", PrincipalID: "nobody", KeyHash: repo.HashAPIKey("x")}); err == nil {
		t.Fatalf("expected foreign key failure for unknown principal")
	}
	key, err := r.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if key.PrincipalID != "agent-1" {
		t.Fatalf("unexpected key: %+v", key)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, hash); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
