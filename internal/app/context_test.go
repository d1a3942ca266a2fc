package app_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workgate/internal/app"
	"workgate/internal/config"
	"workgate/internal/domain"
)

func TestOpenWiresRuntime(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()

	rt, err := app.Open(ctx, ws, app.Options{})
	require.NoError(t, err)
	res, err := rt.Dispatcher.Handle(ctx, domain.VerifiedEvent{
		DeliveryID: "gh-1", Actor: "security-specialist", Target: "issue-1", Action: "claim",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Allowed, res.Result.Decision)
	require.NoError(t, rt.Close())

	// state survives a restart
	rt, err = app.Open(ctx, ws, app.Options{})
	require.NoError(t, err)
	defer rt.Close()
	item, err := rt.Gate.State(ctx, "issue-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateInProgress, item.State)
	assert.Equal(t, int64(1), item.LastSeq)
}

func TestOpenRepairsProjection(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()

	rt, err := app.Open(ctx, ws, app.Options{})
	require.NoError(t, err)
	_, err = rt.Dispatcher.Handle(ctx, domain.VerifiedEvent{
		DeliveryID: "gh-1", Actor: "security-specialist", Target: "issue-1", Action: "claim",
	})
	require.NoError(t, err)
	// simulate a crash between ledger append and projection update
	_, err = rt.DB.ExecContext(ctx, `UPDATE work_items SET state='proposed', last_seq=0 WHERE id='issue-1'`)
	require.NoError(t, err)
	require.NoError(t, rt.Close())

	rt, err = app.Open(ctx, ws, app.Options{})
	require.NoError(t, err)
	defer rt.Close()
	item, err := rt.Gate.State(ctx, "issue-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateInProgress, item.State)
}

func TestOpenWithRedisLock(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Lock.Backend = "redis"
	cfg.Lock.Redis.Addr = mr.Addr()

	ctx := context.Background()
	rt, err := app.Open(ctx, t.TempDir(), app.Options{Config: cfg})
	require.NoError(t, err)
	defer rt.Close()

	res, err := rt.Dispatcher.Handle(ctx, domain.VerifiedEvent{
		DeliveryID: "gh-1", Actor: "docs-writer", Target: "issue-1", Action: "comment",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Allowed, res.Result.Decision)
	// lease released
	assert.Empty(t, mr.Keys())
}

func TestOpenRejectsUnreachableRedis(t *testing.T) {
	cfg := config.Default()
	cfg.Lock.Backend = "redis"
	cfg.Lock.Redis.Addr = "127.0.0.1:1"
	_, err := app.Open(context.Background(), t.TempDir(), app.Options{Config: cfg})
	assert.Error(t, err)
}
