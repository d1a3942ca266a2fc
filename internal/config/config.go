package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"workgate/internal/domain"
)

// Config models workgate.yml.
type Config struct {
	Engagement Engagement      `yaml:"engagement" json:"engagement"`
	Principals []PrincipalSpec `yaml:"principals" json:"principals"`
	Routing    struct {
		Rules []RoutingRule `yaml:"rules" json:"rules"`
	} `yaml:"routing" json:"routing"`
	Effects struct {
		Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks"`
	} `yaml:"effects" json:"effects"`
	Dispatch DispatchConfig `yaml:"dispatch" json:"dispatch"`
	Lock     LockConfig     `yaml:"lock" json:"lock"`
	Log      LogConfig      `yaml:"log" json:"log"`
}

// Engagement holds the level table, environment caps and the action map.
type Engagement struct {
	Levels             []LevelSpec           `yaml:"levels" json:"levels"`
	Environments       map[string]int        `yaml:"environments" json:"environments"`
	DefaultEnvironment string                `yaml:"default_environment" json:"default_environment"`
	Actions            map[string]ActionSpec `yaml:"actions" json:"actions"`
}

type LevelSpec struct {
	Level int    `yaml:"level" json:"level"`
	Name  string `yaml:"name" json:"name"`
	Tier  int    `yaml:"tier" json:"tier"`
}

type ActionSpec struct {
	Tier  int    `yaml:"tier" json:"tier"`
	Event string `yaml:"event,omitempty" json:"event,omitempty"`
}

type PrincipalSpec struct {
	ID           string   `yaml:"id" json:"id"`
	Kind         string   `yaml:"kind" json:"kind"`
	Level        int      `yaml:"level" json:"level"`
	Capabilities []string `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
}

// RoutingRule maps a CODEOWNERS style pattern to eligible agents.
type RoutingRule struct {
	Pattern string   `yaml:"pattern" json:"pattern"`
	Agents  []string `yaml:"agents" json:"agents"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Actions        []string `yaml:"actions,omitempty" json:"actions,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

type DispatchConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
	Burst         int     `yaml:"burst" json:"burst"`
	// Intake lists the callers allowed to submit events on behalf of any
	// actor, or with no actor for path routing. Everyone else may only submit
	// events naming themselves.
	Intake []string `yaml:"intake,omitempty" json:"intake,omitempty"`
}

// IsIntake reports whether id may submit events for other principals.
func (d DispatchConfig) IsIntake(id string) bool {
	for _, in := range d.Intake {
		if in == id {
			return true
		}
	}
	return false
}

type LockConfig struct {
	Backend string `yaml:"backend" json:"backend"`
	Redis   struct {
		Addr      string        `yaml:"addr" json:"addr"`
		Password  string        `yaml:"password,omitempty" json:"-"`
		DB        int           `yaml:"db" json:"db"`
		KeyPrefix string        `yaml:"key_prefix" json:"key_prefix"`
		TTL       time.Duration `yaml:"ttl" json:"ttl"`
	} `yaml:"redis" json:"redis"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

var knownEvents = map[string]bool{
	string(domain.EventClaim):           true,
	string(domain.EventSubmitForReview): true,
	string(domain.EventApprove):         true,
	string(domain.EventReject):          true,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with wg config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := c.Engagement.Validate(); err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, p := range c.Principals {
		if seen[p.ID] {
			return fmt.Errorf("principal %s declared twice", p.ID)
		}
		seen[p.ID] = true
		if err := p.Principal().Validate(); err != nil {
			return fmt.Errorf("config.principals: %w", err)
		}
	}
	for i, r := range c.Routing.Rules {
		if r.Pattern == "" {
			return fmt.Errorf("config.routing.rules[%d] has empty pattern", i)
		}
		for _, a := range r.Agents {
			if a == "" {
				return fmt.Errorf("routing pattern %s has empty agent id", r.Pattern)
			}
		}
	}
	for i, h := range c.Effects.Webhooks {
		if h.URL == "" {
			return fmt.Errorf("config.effects.webhooks[%d].url is required", i)
		}
		for _, a := range h.Actions {
			if _, ok := c.Engagement.Actions[a]; !ok {
				return fmt.Errorf("webhook %s references unknown action %s", h.URL, a)
			}
		}
	}
	if c.Dispatch.RatePerSecond < 0 || c.Dispatch.Burst < 0 {
		return fmt.Errorf("config.dispatch rate and burst must be >= 0")
	}
	for i, id := range c.Dispatch.Intake {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("config.dispatch.intake[%d] is empty", i)
		}
	}
	switch c.Lock.Backend {
	case "", "local":
	case "redis":
		if c.Lock.Redis.Addr == "" {
			return fmt.Errorf("config.lock.redis.addr is required for redis backend")
		}
	default:
		return fmt.Errorf("config.lock.backend must be local or redis")
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	return nil
}

// Validate checks the level table, environment caps and action map.
func (e Engagement) Validate() error {
	if len(e.Levels) != domain.MaxLevel {
		return fmt.Errorf("config.engagement.levels must define levels 1-%d", domain.MaxLevel)
	}
	levels := append([]LevelSpec(nil), e.Levels...)
	sort.Slice(levels, func(i, j int) bool { return levels[i].Level < levels[j].Level })
	prev := 0
	for i, l := range levels {
		if l.Level != i+1 {
			return fmt.Errorf("config.engagement.levels: missing level %d", i+1)
		}
		if !domain.Tier(l.Tier).Valid() {
			return fmt.Errorf("level %d maps to invalid tier %d", l.Level, l.Tier)
		}
		if l.Tier < prev {
			return fmt.Errorf("level %d maps to tier %d below level %d", l.Level, l.Tier, l.Level-1)
		}
		prev = l.Tier
	}
	if len(e.Environments) == 0 {
		return fmt.Errorf("config.engagement.environments is required")
	}
	for env, limit := range e.Environments {
		if env == "" {
			return fmt.Errorf("config.engagement.environments has empty name")
		}
		if limit < domain.MinLevel || limit > domain.MaxLevel {
			return fmt.Errorf("environment %s cap %d out of range", env, limit)
		}
	}
	if e.DefaultEnvironment != "" {
		if _, ok := e.Environments[e.DefaultEnvironment]; !ok {
			return fmt.Errorf("default environment %s not declared", e.DefaultEnvironment)
		}
	}
	if len(e.Actions) == 0 {
		return fmt.Errorf("config.engagement.actions is required")
	}
	for name, a := range e.Actions {
		if name == "" {
			return fmt.Errorf("config.engagement.actions has empty name")
		}
		if !domain.Tier(a.Tier).Valid() {
			return fmt.Errorf("action %s has invalid tier %d", name, a.Tier)
		}
		if a.Event != "" && !knownEvents[a.Event] {
			return fmt.Errorf("action %s maps to unknown handoff event %s", name, a.Event)
		}
	}
	return nil
}

func (p PrincipalSpec) Principal() domain.Principal {
	return domain.Principal{
		ID:           p.ID,
		Kind:         domain.PrincipalKind(p.Kind),
		Level:        p.Level,
		Capabilities: append([]string(nil), p.Capabilities...),
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "workgate.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `engagement:
  levels:
    - {level: 1, name: observer, tier: 1}
    - {level: 2, name: contributor, tier: 2}
    - {level: 3, name: collaborator, tier: 3}
    - {level: 4, name: maintainer, tier: 4}
    - {level: 5, name: orchestrator, tier: 5}

  environments:
    local: 5
    dev: 5
    staging: 4
    production: 3
  default_environment: dev

  actions:
    read: {tier: 1}
    view-history: {tier: 1}
    comment: {tier: 2}
    label: {tier: 2}
    claim: {tier: 3, event: claim}
    submit-for-review: {tier: 3, event: submit_for_review}
    open-pr: {tier: 3}
    request-changes: {tier: 3, event: reject}
    approve: {tier: 4, event: approve}
    merge: {tier: 4, event: approve}
    close: {tier: 4}
    create-branch: {tier: 4}
    push-commit: {tier: 4}
    deploy: {tier: 5}
    orchestrate: {tier: 5}

principals:
  - id: security-specialist
    kind: agent
    level: 4
    capabilities: [security, review]
  - id: docs-writer
    kind: agent
    level: 2
    capabilities: [docs]
  - id: release-orchestrator
    kind: agent
    level: 5
    capabilities: [deploy]

routing:
  rules:
    - pattern: "*"
      agents: [docs-writer]
    - pattern: "internal/auth/**"
      agents: [security-specialist]
    - pattern: "deploy/"
      agents: [release-orchestrator]

dispatch:
  rate_per_second: 0
  burst: 0
  intake: [webhook-relay]

lock:
  backend: local
  redis:
    key_prefix: "workgate:lock:"
    ttl: 30s

log:
  level: info
  format: json
`
