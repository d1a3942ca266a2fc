package domain

import "fmt"

type PrincipalKind string

const (
	KindHuman PrincipalKind = "human"
	KindAgent PrincipalKind = "agent"
)

// Principal is an authenticated actor with its assigned engagement level.
type Principal struct {
	ID           string        `json:"id"`
	Kind         PrincipalKind `json:"kind" enum:"human,agent"`
	Level        int           `json:"level" minimum:"1" maximum:"5"`
	Capabilities []string      `json:"capabilities,omitempty"`
}

func (p Principal) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("principal id required")
	}
	if p.Kind != KindHuman && p.Kind != KindAgent {
		return fmt.Errorf("principal %s: invalid kind %q", p.ID, p.Kind)
	}
	if p.Level < MinLevel || p.Level > MaxLevel {
		return fmt.Errorf("principal %s: level %d out of range", p.ID, p.Level)
	}
	return nil
}

const (
	MinLevel = 1
	MaxLevel = 5
)

type Environment string

const (
	EnvLocal      Environment = "local"
	EnvDev        Environment = "dev"
	EnvStaging    Environment = "staging"
	EnvProduction Environment = "production"
)

// Tier is an action tier, T1 (read-only) through T5 (deploy/orchestrate).
type Tier int

const (
	T1 Tier = iota + 1
	T2
	T3
	T4
	T5
)

func (t Tier) Valid() bool { return t >= T1 && t <= T5 }

func (t Tier) String() string { return fmt.Sprintf("T%d", int(t)) }

type HandoffState string

const (
	StateProposed      HandoffState = "proposed"
	StateInProgress    HandoffState = "in_progress"
	StateReviewPending HandoffState = "review_pending"
	StateResolved      HandoffState = "resolved"
)

type HandoffEvent string

const (
	EventClaim           HandoffEvent = "claim"
	EventSubmitForReview HandoffEvent = "submit_for_review"
	EventApprove         HandoffEvent = "approve"
	EventReject          HandoffEvent = "reject"
)

// WorkItem is the unit undergoing handoff. State is a projection of the ledger.
type WorkItem struct {
	ID        string       `json:"id"`
	State     HandoffState `json:"state" enum:"proposed,in_progress,review_pending,resolved"`
	LastSeq   int64        `json:"last_seq"`
	CreatedAt string       `json:"created_at" format:"date-time"`
	UpdatedAt string       `json:"updated_at" format:"date-time"`
}

type Decision string

const (
	Allowed Decision = "allowed"
	Denied  Decision = "denied"
)

type ReasonCode string

const (
	ReasonInsufficientEngagementLevel ReasonCode = "insufficient_engagement_level"
	ReasonConflictingState            ReasonCode = "conflicting_state"
)

// Reason is the structured explanation attached to a denial.
type Reason struct {
	Code    ReasonCode   `json:"code"`
	Message string       `json:"message"`
	Have    Tier         `json:"have,omitempty"`
	Need    Tier         `json:"need,omitempty"`
	State   HandoffState `json:"state,omitempty"`
	Event   HandoffEvent `json:"event,omitempty"`
	Allowed []string     `json:"allowed_events,omitempty"`
}

// LedgerEntry is an immutable record of one authorization decision.
type LedgerEntry struct {
	ID             string       `json:"id"`
	Seq            int64        `json:"seq"`
	WorkItemID     string       `json:"work_item_id"`
	IdempotencyKey string       `json:"idempotency_key"`
	PrincipalID    string       `json:"principal_id"`
	Action         string       `json:"action"`
	Event          HandoffEvent `json:"event,omitempty"`
	Environment    Environment  `json:"environment"`
	Tier           Tier         `json:"tier"`
	FromState      HandoffState `json:"from_state"`
	ToState        HandoffState `json:"to_state"`
	Decision       Decision     `json:"decision" enum:"allowed,denied"`
	Reason         *Reason      `json:"reason,omitempty"`
	Timestamp      string       `json:"timestamp" format:"date-time"`
	PrevHash       string       `json:"prev_hash"`
	Hash           string       `json:"hash"`
}

// VerifiedEvent is what the webhook verification layer hands us.
type VerifiedEvent struct {
	DeliveryID  string         `json:"delivery_id"`
	Actor       string         `json:"actor,omitempty"`
	Target      string         `json:"target"`
	Action      string         `json:"action"`
	Environment Environment    `json:"environment,omitempty"`
	Path        string         `json:"path,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// APIKey authenticates a principal against the HTTP API. Only the hash is stored.
type APIKey struct {
	ID          string `json:"id"`
	PrincipalID string `json:"principal_id"`
	Name        string `json:"name,omitempty"`
	KeyHash     string `json:"-"`
	CreatedAt   string `json:"created_at"`
}
