package policy_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"workgate/internal/config"
	"workgate/internal/domain"
	"workgate/internal/policy"
)

func newPolicy(t testing.TB) *policy.Policy {
	t.Helper()
	p, err := policy.New(config.Default().Engagement)
	require.NoError(t, err)
	return p
}

func agent(level int) domain.Principal {
	return domain.Principal{ID: "agent-1", Kind: domain.KindAgent, Level: level}
}

func TestEvaluateProductionCap(t *testing.T) {
	p := newPolicy(t)

	d, err := p.Evaluate(agent(3), domain.EnvProduction, domain.T3)
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Nil(t, d.Denial)

	d, err = p.Evaluate(agent(3), domain.EnvProduction, domain.T4)
	require.NoError(t, err)
	assert.False(t, d.Allow)
	require.NotNil(t, d.Denial)
	assert.Equal(t, policy.InsufficientEngagementLevel{Have: domain.T3, Need: domain.T4}, *d.Denial)
}

func TestEvaluateStagingCapsOrchestrator(t *testing.T) {
	p := newPolicy(t)
	d, err := p.Evaluate(agent(5), domain.EnvStaging, domain.T5)
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, 4, d.Effective)
	assert.Equal(t, "insufficient engagement level: have T4, need T5", d.Denial.Error())
}

func TestEvaluateInputErrors(t *testing.T) {
	p := newPolicy(t)

	_, err := p.Evaluate(agent(3), "qa", domain.T1)
	var envErr policy.UnknownEnvironmentError
	assert.True(t, errors.As(err, &envErr))

	_, err = p.Evaluate(agent(0), domain.EnvDev, domain.T1)
	assert.Error(t, err)
	_, err = p.Evaluate(agent(6), domain.EnvDev, domain.T1)
	assert.Error(t, err)
	_, err = p.Evaluate(agent(3), domain.EnvDev, domain.Tier(0))
	assert.Error(t, err)
	_, err = p.Evaluate(agent(3), domain.EnvDev, domain.Tier(6))
	assert.Error(t, err)
}

func TestEvaluateAllowIffEffectiveCoversTier(t *testing.T) {
	p := newPolicy(t)
	envs := []domain.Environment{domain.EnvLocal, domain.EnvDev, domain.EnvStaging, domain.EnvProduction}
	rapid.Check(t, func(rt *rapid.T) {
		level := rapid.IntRange(domain.MinLevel, domain.MaxLevel).Draw(rt, "level")
		env := rapid.SampledFrom(envs).Draw(rt, "env")
		tier := domain.Tier(rapid.IntRange(1, 5).Draw(rt, "tier"))

		limit, err := p.Cap(env)
		if err != nil {
			rt.Fatalf("cap: %v", err)
		}
		d, err := p.Evaluate(agent(level), env, tier)
		if err != nil {
			rt.Fatalf("evaluate: %v", err)
		}
		want := min(level, limit) >= int(tier)
		if d.Allow != want {
			rt.Fatalf("level=%d env=%s tier=%s: allow=%v want %v", level, env, tier, d.Allow, want)
		}
		if !d.Allow && (d.Denial == nil || int(d.Denial.Have) != min(level, limit) || d.Denial.Need != tier) {
			rt.Fatalf("unexpected denial %+v", d.Denial)
		}
	})
}

func TestEvaluateIsMonotonicInLevel(t *testing.T) {
	p := newPolicy(t)
	rapid.Check(t, func(rt *rapid.T) {
		lo := rapid.IntRange(1, 5).Draw(rt, "lo")
		hi := rapid.IntRange(lo, 5).Draw(rt, "hi")
		tier := domain.Tier(rapid.IntRange(1, 5).Draw(rt, "tier"))
		a, _ := p.Evaluate(agent(lo), domain.EnvDev, tier)
		b, _ := p.Evaluate(agent(hi), domain.EnvDev, tier)
		if a.Allow && !b.Allow {
			rt.Fatalf("level %d allowed %s but level %d denied", lo, tier, hi)
		}
	})
}

func TestCustomLevelTable(t *testing.T) {
	eng := config.Default().Engagement
	// contributor gets T3 in this table
	eng.Levels[1].Tier = 3
	p, err := policy.New(eng)
	require.NoError(t, err)

	d, err := p.Evaluate(agent(2), domain.EnvDev, domain.T3)
	require.NoError(t, err)
	assert.True(t, d.Allow)

	lvl, ok := p.Level(2)
	require.True(t, ok)
	assert.Equal(t, "contributor", lvl.Name)
}

func TestNewRejectsInvalidTables(t *testing.T) {
	eng := config.Default().Engagement
	eng.Levels = eng.Levels[:3]
	_, err := policy.New(eng)
	assert.Error(t, err)
}

func TestResolveAndActions(t *testing.T) {
	p := newPolicy(t)
	r, ok := p.Resolve("merge")
	require.True(t, ok)
	assert.Equal(t, domain.T4, r.Tier)
	assert.Equal(t, domain.EventApprove, r.Event)

	r, ok = p.Resolve("comment")
	require.True(t, ok)
	assert.Equal(t, domain.HandoffEvent(""), r.Event)

	_, ok = p.Resolve("rm-rf")
	assert.False(t, ok)

	actions := p.Actions()
	require.NotEmpty(t, actions)
	assert.Equal(t, domain.T1, actions[0].Tier)
	assert.Equal(t, domain.T5, actions[len(actions)-1].Tier)

	envs := p.Environments()
	envs[domain.EnvProduction] = 5
	limit, err := p.Cap(domain.EnvProduction)
	require.NoError(t, err)
	assert.Equal(t, 3, limit)
	assert.Equal(t, domain.EnvDev, p.DefaultEnvironment())
}
