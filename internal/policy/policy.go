// Package policy decides whether a principal may perform an action tier in an
// environment. A Policy is built once from configuration and never mutated, so
// Evaluate is safe for concurrent use without locking.
package policy

import (
	"fmt"
	"sort"

	"workgate/internal/config"
	"workgate/internal/domain"
)

// InsufficientEngagementLevel is the policy denial reason.
type InsufficientEngagementLevel struct {
	Have domain.Tier
	Need domain.Tier
}

func (e InsufficientEngagementLevel) Error() string {
	return fmt.Sprintf("insufficient engagement level: have %s, need %s", e.Have, e.Need)
}

// UnknownEnvironmentError is returned for environments missing from the cap table.
type UnknownEnvironmentError struct {
	Environment domain.Environment
}

func (e UnknownEnvironmentError) Error() string {
	return fmt.Sprintf("unknown environment %q", e.Environment)
}

// Decision is the outcome of Evaluate. Denial is nil when Allow is true.
type Decision struct {
	Allow     bool
	Effective int
	Denial    *InsufficientEngagementLevel
}

// ActionRule is the static tier and optional handoff event of an action.
type ActionRule struct {
	Name  string
	Tier  domain.Tier
	Event domain.HandoffEvent
}

type Level struct {
	Level int
	Name  string
	Tier  domain.Tier
}

type Policy struct {
	levels     [domain.MaxLevel + 1]Level
	caps       map[domain.Environment]int
	actions    map[string]ActionRule
	defaultEnv domain.Environment
}

// New copies the engagement tables into an immutable Policy.
func New(cfg config.Engagement) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Policy{
		caps:       make(map[domain.Environment]int, len(cfg.Environments)),
		actions:    make(map[string]ActionRule, len(cfg.Actions)),
		defaultEnv: domain.Environment(cfg.DefaultEnvironment),
	}
	for _, l := range cfg.Levels {
		p.levels[l.Level] = Level{Level: l.Level, Name: l.Name, Tier: domain.Tier(l.Tier)}
	}
	for env, limit := range cfg.Environments {
		p.caps[domain.Environment(env)] = limit
	}
	for name, a := range cfg.Actions {
		p.actions[name] = ActionRule{Name: name, Tier: domain.Tier(a.Tier), Event: domain.HandoffEvent(a.Event)}
	}
	return p, nil
}

// Cap returns the maximum engagement level of an environment.
func (p *Policy) Cap(env domain.Environment) (int, error) {
	limit, ok := p.caps[env]
	if !ok {
		return 0, UnknownEnvironmentError{Environment: env}
	}
	return limit, nil
}

// EffectiveLevel is min(principal.level, environment cap).
func (p *Policy) EffectiveLevel(principal domain.Principal, env domain.Environment) (int, error) {
	limit, err := p.Cap(env)
	if err != nil {
		return 0, err
	}
	return min(principal.Level, limit), nil
}

// Evaluate allows iff the tier granted at the effective level covers the requested tier.
func (p *Policy) Evaluate(principal domain.Principal, env domain.Environment, requested domain.Tier) (Decision, error) {
	if principal.Level < domain.MinLevel || principal.Level > domain.MaxLevel {
		return Decision{}, fmt.Errorf("principal %s level %d out of range", principal.ID, principal.Level)
	}
	if !requested.Valid() {
		return Decision{}, fmt.Errorf("requested tier %d out of range", int(requested))
	}
	effective, err := p.EffectiveLevel(principal, env)
	if err != nil {
		return Decision{}, err
	}
	granted := p.levels[effective].Tier
	if granted >= requested {
		return Decision{Allow: true, Effective: effective}, nil
	}
	return Decision{
		Effective: effective,
		Denial:    &InsufficientEngagementLevel{Have: granted, Need: requested},
	}, nil
}

// Resolve maps an action name to its rule.
func (p *Policy) Resolve(action string) (ActionRule, bool) {
	r, ok := p.actions[action]
	return r, ok
}

func (p *Policy) DefaultEnvironment() domain.Environment { return p.defaultEnv }

func (p *Policy) Level(level int) (Level, bool) {
	if level < domain.MinLevel || level > domain.MaxLevel {
		return Level{}, false
	}
	return p.levels[level], true
}

// Actions lists the action rules sorted by tier then name.
func (p *Policy) Actions() []ActionRule {
	out := make([]ActionRule, 0, len(p.actions))
	for _, a := range p.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (p *Policy) Environments() map[domain.Environment]int {
	out := make(map[domain.Environment]int, len(p.caps))
	for k, v := range p.caps {
		out[k] = v
	}
	return out
}
