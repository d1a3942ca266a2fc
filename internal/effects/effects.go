// Package effects holds the side-effecting collaborators the dispatcher calls
// after an action has been authorized.
package effects

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"workgate/internal/domain"
)

// Effect describes one authorized action to carry out.
type Effect struct {
	DeliveryID  string              `json:"delivery_id"`
	WorkItemID  string              `json:"work_item_id"`
	Action      string              `json:"action"`
	PrincipalID string              `json:"principal_id"`
	Environment domain.Environment  `json:"environment"`
	FromState   domain.HandoffState `json:"from_state"`
	ToState     domain.HandoffState `json:"to_state"`
	Seq         int64               `json:"seq"`
	Payload     map[string]any      `json:"payload,omitempty"`
}

type Effector interface {
	Apply(ctx context.Context, e Effect) error
}

// Multi applies every effector and joins their errors.
type Multi []Effector

func (m Multi) Apply(ctx context.Context, e Effect) error {
	var errs []error
	for _, eff := range m {
		if err := eff.Apply(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log records the effect and nothing else; used when no webhook is configured.
type Log struct {
	Logger *zap.Logger
}

func (l Log) Apply(_ context.Context, e Effect) error {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("effect",
		zap.String("delivery_id", e.DeliveryID),
		zap.String("work_item", e.WorkItemID),
		zap.String("action", e.Action),
		zap.String("principal", e.PrincipalID),
		zap.String("to", string(e.ToState)))
	return nil
}

// Func adapts a function to Effector.
type Func func(ctx context.Context, e Effect) error

func (f Func) Apply(ctx context.Context, e Effect) error { return f(ctx, e) }
