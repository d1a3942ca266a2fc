// Package dispatch turns verified external events into gate calls and invokes
// the side-effecting collaborator only for fresh allowed decisions.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"workgate/internal/config"
	"workgate/internal/domain"
	"workgate/internal/effects"
	"workgate/internal/gate"
	"workgate/internal/metrics"
)

var (
	ErrRateLimited     = errors.New("rate limited")
	ErrNoEligibleAgent = errors.New("no eligible agent")
)

type PrincipalResolver interface {
	Resolve(ctx context.Context, id string) (domain.Principal, error)
}

type Router interface {
	EligibleAgents(path string) []string
}

type Authorizer interface {
	Authorize(ctx context.Context, req gate.Request) (gate.Result, error)
}

// DispatchResult is what the caller surfaces upstream, e.g. as a PR comment on denial.
type DispatchResult struct {
	DeliveryID    string         `json:"delivery_id"`
	PrincipalID   string         `json:"principal_id"`
	Routed        bool           `json:"routed"`
	Candidates    []string       `json:"candidates,omitempty"`
	Result        gate.Result    `json:"result"`
	Denial        *domain.Reason `json:"denial,omitempty"`
	EffectApplied bool           `json:"effect_applied"`
	EffectError   string         `json:"effect_error,omitempty"`
}

type Dispatcher struct {
	Gate       Authorizer
	Principals PrincipalResolver
	Router     Router
	Effector   effects.Effector
	Metrics    *metrics.Collector
	Logger     *zap.Logger
	Now        func() time.Time

	limiter *principalLimiter
	tracer  trace.Tracer
}

func New(g Authorizer, principals PrincipalResolver, router Router, eff effects.Effector, cfg config.DispatchConfig, logger *zap.Logger, m *metrics.Collector) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		Gate:       g,
		Principals: principals,
		Router:     router,
		Effector:   eff,
		Metrics:    m,
		Logger:     logger.With(zap.String("component", "dispatcher")),
		Now:        time.Now,
		limiter:    newPrincipalLimiter(cfg.RatePerSecond, cfg.Burst),
		tracer:     otel.Tracer("workgate/dispatch"),
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Handle resolves the acting principal, authorizes the action and applies the
// effect. The delivery id is the idempotency key.
func (d *Dispatcher) Handle(ctx context.Context, evt domain.VerifiedEvent) (DispatchResult, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.handle", trace.WithAttributes(
		attribute.String("delivery.id", evt.DeliveryID),
		attribute.String("work_item.id", evt.Target),
		attribute.String("action", evt.Action),
	))
	defer span.End()

	res, err := d.handle(ctx, evt)
	outcome := "error"
	switch {
	case errors.Is(err, ErrRateLimited):
		outcome = "rate_limited"
	case err != nil:
	case res.Result.Replayed:
		outcome = "replayed"
	default:
		outcome = string(res.Result.Decision)
	}
	d.Metrics.RecordDispatch(outcome)
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (d *Dispatcher) handle(ctx context.Context, evt domain.VerifiedEvent) (DispatchResult, error) {
	switch {
	case evt.DeliveryID == "":
		return DispatchResult{}, gate.InputError{Field: "delivery_id", Message: "required"}
	case evt.Target == "":
		return DispatchResult{}, gate.InputError{Field: "target", Message: "required"}
	case evt.Action == "":
		return DispatchResult{}, gate.InputError{Field: "action", Message: "required"}
	}
	out := DispatchResult{DeliveryID: evt.DeliveryID}

	principal, candidates, err := d.resolvePrincipal(ctx, evt)
	if err != nil {
		return out, err
	}
	out.PrincipalID = principal.ID
	out.Routed = evt.Actor == ""
	out.Candidates = candidates

	if !d.limiter.allow(principal.ID, d.now()) {
		d.Logger.Warn("dispatch rate limited", zap.String("principal", principal.ID), zap.String("delivery_id", evt.DeliveryID))
		return out, fmt.Errorf("%w: principal %s", ErrRateLimited, principal.ID)
	}

	res, err := d.Gate.Authorize(ctx, gate.Request{
		Principal:      principal,
		Environment:    evt.Environment,
		WorkItemID:     evt.Target,
		Action:         evt.Action,
		IdempotencyKey: evt.DeliveryID,
	})
	if err != nil {
		return out, err
	}
	out.Result = res

	if !res.Allowed() {
		out.Denial = res.Reason
		d.Metrics.RecordEffect("skipped")
		return out, nil
	}
	if res.Replayed || d.Effector == nil {
		// the first delivery already ran the effect
		d.Metrics.RecordEffect("skipped")
		return out, nil
	}
	err = d.Effector.Apply(ctx, effects.Effect{
		DeliveryID:  evt.DeliveryID,
		WorkItemID:  res.WorkItemID,
		Action:      res.Action,
		PrincipalID: principal.ID,
		Environment: res.Entry.Environment,
		FromState:   res.From,
		ToState:     res.To,
		Seq:         res.Entry.Seq,
		Payload:     evt.Payload,
	})
	if err != nil {
		// authorization stands; compensation belongs to the collaborator
		out.EffectError = err.Error()
		d.Metrics.RecordEffect("failed")
		d.Logger.Error("effect failed after authorization",
			zap.String("delivery_id", evt.DeliveryID),
			zap.String("work_item", res.WorkItemID),
			zap.String("action", res.Action),
			zap.Int64("seq", res.Entry.Seq),
			zap.Error(err))
		return out, nil
	}
	out.EffectApplied = true
	d.Metrics.RecordEffect("ok")
	return out, nil
}

func (d *Dispatcher) resolvePrincipal(ctx context.Context, evt domain.VerifiedEvent) (domain.Principal, []string, error) {
	if evt.Actor != "" {
		p, err := d.Principals.Resolve(ctx, evt.Actor)
		return p, nil, err
	}
	if evt.Path == "" || d.Router == nil {
		return domain.Principal{}, nil, gate.InputError{Field: "actor", Message: "required when no path is given"}
	}
	candidates := d.Router.EligibleAgents(evt.Path)
	for _, id := range candidates {
		p, err := d.Principals.Resolve(ctx, id)
		if err != nil {
			d.Logger.Debug("routing candidate skipped", zap.String("agent", id), zap.Error(err))
			continue
		}
		if p.Kind != domain.KindAgent {
			continue
		}
		return p, candidates, nil
	}
	return domain.Principal{}, candidates, fmt.Errorf("%w for path %s", ErrNoEligibleAgent, evt.Path)
}
