package server

import (
	"workgate/internal/dispatch"
	"workgate/internal/domain"
	"workgate/internal/gate"
	"workgate/internal/handoff"
)

// AuthorizeRequest asks the gate to decide an action for the calling principal.
type AuthorizeRequest struct {
	Action         string             `json:"action" minLength:"1"`
	Environment    domain.Environment `json:"environment,omitempty"`
	IdempotencyKey string             `json:"idempotency_key" minLength:"1"`
}

type DecisionResponse struct {
	Decision    domain.Decision     `json:"decision" enum:"allowed,denied"`
	WorkItemID  string              `json:"work_item_id"`
	PrincipalID string              `json:"principal_id"`
	Action      string              `json:"action"`
	Tier        domain.Tier         `json:"tier"`
	Event       domain.HandoffEvent `json:"event,omitempty"`
	FromState   domain.HandoffState `json:"from_state"`
	ToState     domain.HandoffState `json:"to_state"`
	Reason      *domain.Reason      `json:"reason,omitempty"`
	Replayed    bool                `json:"replayed"`
	Seq         int64               `json:"seq"`
	Hash        string              `json:"hash"`
}

type DispatchResponse struct {
	DeliveryID    string           `json:"delivery_id"`
	PrincipalID   string           `json:"principal_id"`
	Routed        bool             `json:"routed"`
	Candidates    []string         `json:"candidates,omitempty"`
	Decision      DecisionResponse `json:"decision"`
	EffectApplied bool             `json:"effect_applied"`
	EffectError   string           `json:"effect_error,omitempty"`
}

type WorkItemResponse struct {
	ID            string              `json:"id"`
	State         domain.HandoffState `json:"state"`
	LastSeq       int64               `json:"last_seq"`
	AllowedEvents []string            `json:"allowed_events"`
	Terminal      bool                `json:"terminal"`
	CreatedAt     string              `json:"created_at"`
	UpdatedAt     string              `json:"updated_at"`
}

type HistoryResponse struct {
	Items        []domain.LedgerEntry `json:"items"`
	// NextAfterSeq is passed back as after_seq to continue; zero when exhausted.
	NextAfterSeq int64                `json:"next_after_seq,omitempty"`
}

type PrincipalResponse struct {
	ID           string   `json:"id"`
	Kind         string   `json:"kind"`
	Level        int      `json:"level"`
	Capabilities []string `json:"capabilities"`
	Source       string   `json:"source"`
}

type DevLoginRequest struct {
	PrincipalID string `json:"principal_id" minLength:"1"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func decisionResponse(r gate.Result) DecisionResponse {
	return DecisionResponse{
		Decision:    r.Decision,
		WorkItemID:  r.WorkItemID,
		PrincipalID: r.Entry.PrincipalID,
		Action:      r.Action,
		Tier:        r.Tier,
		Event:       r.Event,
		FromState:   r.From,
		ToState:     r.To,
		Reason:      r.Reason,
		Replayed:    r.Replayed,
		Seq:         r.Entry.Seq,
		Hash:        r.Entry.Hash,
	}
}

func dispatchResponse(r dispatch.DispatchResult) DispatchResponse {
	return DispatchResponse{
		DeliveryID:    r.DeliveryID,
		PrincipalID:   r.PrincipalID,
		Routed:        r.Routed,
		Candidates:    r.Candidates,
		Decision:      decisionResponse(r.Result),
		EffectApplied: r.EffectApplied,
		EffectError:   r.EffectError,
	}
}

func workItemResponse(w domain.WorkItem) WorkItemResponse {
	events := handoff.Events(w.State)
	names := make([]string, 0, len(events))
	for _, e := range events {
		names = append(names, string(e))
	}
	return WorkItemResponse{
		ID:            w.ID,
		State:         w.State,
		LastSeq:       w.LastSeq,
		AllowedEvents: names,
		Terminal:      handoff.Terminal(w.State),
		CreatedAt:     w.CreatedAt,
		UpdatedAt:     w.UpdatedAt,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
