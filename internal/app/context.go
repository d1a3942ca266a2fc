// Package app wires the workgate components from a workspace and its config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"workgate/internal/config"
	"workgate/internal/db"
	"workgate/internal/dispatch"
	"workgate/internal/effects"
	"workgate/internal/gate"
	"workgate/internal/identity"
	"workgate/internal/ledger"
	"workgate/internal/lock"
	"workgate/internal/metrics"
	"workgate/internal/migrate"
	"workgate/internal/policy"
	"workgate/internal/routing"
)

// Runtime holds one process worth of wired components.
type Runtime struct {
	Workspace  string
	Config     *config.Config
	DB         *sql.DB
	Policy     *policy.Policy
	Gate       *gate.Gate
	Ledger     ledger.Ledger
	Identity   identity.Service
	Router     *routing.Router
	Dispatcher *dispatch.Dispatcher
	Metrics    *metrics.Collector
	Logger     *zap.Logger

	redis *redis.Client
}

type Options struct {
	// Config overrides the workspace workgate.yml when set.
	Config      *config.Config
	Logger      *zap.Logger
	// SkipRecover disables the start-up projection check.
	SkipRecover bool
}

// Open opens the workspace database, applies migrations, seeds the principal
// roster and rebuilds every work item projection from the ledger.
func Open(ctx context.Context, workspace string, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		cfg, err = config.LoadOptional(workspace)
		if err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	pol, err := policy.New(cfg.Engagement)
	if err != nil {
		return nil, err
	}
	router, err := routing.New(cfg.Routing.Rules)
	if err != nil {
		return nil, err
	}

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Policy:    pol,
		Router:    router,
		Metrics:   metrics.NewCollector("workgate", logger),
		Logger:    logger,
	}
	if err := rt.init(ctx, opts); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) init(ctx context.Context, opts Options) error {
	if err := migrate.Migrate(ctx, rt.DB); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	rt.Identity = identity.New(rt.DB)
	if err := rt.Identity.Seed(ctx, rt.Config.Principals); err != nil {
		return err
	}

	locker, err := rt.locker(ctx)
	if err != nil {
		return err
	}
	rt.Gate = gate.New(rt.DB, rt.Policy, locker, rt.Logger, rt.Metrics)
	rt.Ledger = rt.Gate.Ledger

	eff := effects.Multi{effects.Log{Logger: rt.Logger}}
	if len(rt.Config.Effects.Webhooks) > 0 {
		eff = append(eff, effects.NewWebhook(rt.Config.Effects.Webhooks, nil, rt.Logger))
	}
	rt.Dispatcher = dispatch.New(rt.Gate, rt.Identity, rt.Router, eff, rt.Config.Dispatch, rt.Logger, rt.Metrics)

	if opts.SkipRecover {
		return nil
	}
	reports, err := rt.Gate.RecoverAll(ctx)
	if err != nil {
		return fmt.Errorf("recover projections: %w", err)
	}
	repaired := 0
	for _, r := range reports {
		if r.Repaired {
			repaired++
		}
	}
	rt.Logger.Info("projections checked", zap.Int("work_items", len(reports)), zap.Int("repaired", repaired))
	return nil
}

func (rt *Runtime) locker(ctx context.Context) (lock.Locker, error) {
	if rt.Config.Lock.Backend != "redis" {
		return lock.NewLocal(), nil
	}
	rc := rt.Config.Lock.Redis
	rt.redis = redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rt.redis.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis lock backend %s: %w", rc.Addr, err)
	}
	return lock.NewRedis(rt.redis, lock.RedisConfig{KeyPrefix: rc.KeyPrefix, TTL: rc.TTL}, rt.Logger), nil
}

func (rt *Runtime) Close() error {
	var errs []error
	if rt.redis != nil {
		errs = append(errs, rt.redis.Close())
	}
	if rt.DB != nil {
		errs = append(errs, rt.DB.Close())
	}
	return errors.Join(errs...)
}
