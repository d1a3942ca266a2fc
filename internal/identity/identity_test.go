package identity_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workgate/internal/config"
	"workgate/internal/db"
	"workgate/internal/domain"
	"workgate/internal/identity"
	"workgate/internal/migrate"
)

func newService(t *testing.T) identity.Service {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return identity.New(conn)
}

func TestSeedAndResolve(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	require.NoError(t, svc.Seed(ctx, config.Default().Principals))

	p, err := svc.Resolve(ctx, "security-specialist")
	require.NoError(t, err)
	assert.Equal(t, domain.KindAgent, p.Kind)
	assert.Equal(t, 4, p.Level)
	assert.Equal(t, []string{"security", "review"}, p.Capabilities)

	_, err = svc.Resolve(ctx, "nobody")
	var unknown identity.UnknownPrincipalError
	assert.True(t, errors.As(err, &unknown))

	// reseeding is idempotent
	require.NoError(t, svc.Seed(ctx, config.Default().Principals))
	all, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSetLevel(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	require.NoError(t, svc.Upsert(ctx, domain.Principal{ID: "alice", Kind: domain.KindHuman, Level: 2}))
	require.NoError(t, svc.SetLevel(ctx, "alice", 4))

	p, err := svc.Resolve(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 4, p.Level)
	assert.Empty(t, p.Capabilities)

	assert.Error(t, svc.SetLevel(ctx, "alice", 7))
	var unknown identity.UnknownPrincipalError
	assert.True(t, errors.As(svc.SetLevel(ctx, "bob", 3), &unknown))
	assert.Error(t, svc.Upsert(ctx, domain.Principal{ID: "eve", Kind: "robot", Level: 1}))
}
