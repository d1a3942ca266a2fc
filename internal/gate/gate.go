// Package gate authorizes a single action on a work item: it checks the
// engagement policy, applies the handoff transition and appends the decision
// to the ledger in one SQL transaction while holding the work item lock.
package gate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"workgate/internal/domain"
	"workgate/internal/handoff"
	"workgate/internal/ledger"
	"workgate/internal/lock"
	"workgate/internal/metrics"
	"workgate/internal/policy"
	"workgate/internal/repo"
)

const sharedCallTimeout = 30 * time.Second

// ErrPersistence marks failures where nothing was committed; callers retry the whole request.
var ErrPersistence = errors.New("persistence failure")

// InputError rejects a request before anything is recorded.
type InputError struct {
	Field   string
	Message string
}

func (e InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

type Request struct {
	Principal      domain.Principal
	Environment    domain.Environment
	WorkItemID     string
	Action         string
	IdempotencyKey string
}

// Result is the decision recorded for a request. Replayed results come from an
// earlier delivery with the same idempotency key.
type Result struct {
	Decision   domain.Decision     `json:"decision"`
	WorkItemID string              `json:"work_item_id"`
	Action     string              `json:"action"`
	Tier       domain.Tier         `json:"tier"`
	Event      domain.HandoffEvent `json:"event,omitempty"`
	From       domain.HandoffState `json:"from_state"`
	To         domain.HandoffState `json:"to_state"`
	Reason     *domain.Reason      `json:"reason,omitempty"`
	Replayed   bool                `json:"replayed"`
	Entry      domain.LedgerEntry  `json:"entry"`
}

func (r Result) Allowed() bool { return r.Decision == domain.Allowed }

type Gate struct {
	DB      *sql.DB
	Repo    repo.Repo
	Ledger  ledger.Ledger
	Policy  *policy.Policy
	Locker  lock.Locker
	Metrics *metrics.Collector
	Logger  *zap.Logger
	Now     func() time.Time

	group  *singleflight.Group
	tracer trace.Tracer
}

func New(db *sql.DB, pol *policy.Policy, locker lock.Locker, logger *zap.Logger, m *metrics.Collector) *Gate {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gate{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Ledger:  ledger.New(db),
		Policy:  pol,
		Locker:  locker,
		Metrics: m,
		Logger:  logger.With(zap.String("component", "gate")),
		Now:     time.Now,
		group:   &singleflight.Group{},
		tracer:  otel.Tracer("workgate/gate"),
	}
	g.Ledger.Now = g.now
	return g
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *Gate) validate(req *Request) (policy.ActionRule, error) {
	if err := req.Principal.Validate(); err != nil {
		return policy.ActionRule{}, InputError{Field: "principal", Message: err.Error()}
	}
	if req.WorkItemID == "" {
		return policy.ActionRule{}, InputError{Field: "work_item_id", Message: "required"}
	}
	if req.IdempotencyKey == "" {
		return policy.ActionRule{}, InputError{Field: "idempotency_key", Message: "required"}
	}
	if req.Environment == "" {
		req.Environment = g.Policy.DefaultEnvironment()
	}
	if _, err := g.Policy.Cap(req.Environment); err != nil {
		return policy.ActionRule{}, InputError{Field: "environment", Message: err.Error()}
	}
	rule, ok := g.Policy.Resolve(req.Action)
	if !ok {
		return policy.ActionRule{}, InputError{Field: "action", Message: fmt.Sprintf("unknown action %q", req.Action)}
	}
	return rule, nil
}

// Authorize decides req and records the decision. Concurrent calls for the same
// work item are serialized; concurrent duplicates of one delivery share a single
// evaluation and all but the first see Replayed.
func (g *Gate) Authorize(ctx context.Context, req Request) (Result, error) {
	start := g.now()
	ctx, span := g.tracer.Start(ctx, "gate.authorize", trace.WithAttributes(
		attribute.String("work_item.id", req.WorkItemID),
		attribute.String("action", req.Action),
		attribute.String("principal.id", req.Principal.ID),
		attribute.String("environment", string(req.Environment)),
	))
	defer span.End()

	rule, err := g.validate(&req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	// The shared evaluation outlives any single caller so a cancelled leader
	// does not fail the duplicates waiting on it.
	executed := false
	ch := g.group.DoChan(req.WorkItemID+"\x00"+req.IdempotencyKey, func() (any, error) {
		executed = true
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedCallTimeout)
		defer cancel()
		return g.authorizeLocked(shared, req, rule)
	})
	var v any
	select {
	case r := <-ch:
		v, err = r.Val, r.Err
	case <-ctx.Done():
		// outcome unknown; a redelivery replays whatever was recorded
		span.RecordError(ctx.Err())
		span.SetStatus(codes.Error, ctx.Err().Error())
		return Result{}, ctx.Err()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.Logger.Error("authorize failed",
			zap.String("work_item", req.WorkItemID),
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Error(err))
		return Result{}, err
	}
	res := v.(Result)
	if !executed {
		res.Replayed = true
	}

	reason := ""
	if res.Reason != nil {
		reason = string(res.Reason.Code)
	}
	span.SetAttributes(
		attribute.String("decision", string(res.Decision)),
		attribute.Bool("replayed", res.Replayed),
	)
	if res.Replayed {
		g.Metrics.RecordReplay()
		g.Logger.Debug("authorize replayed",
			zap.String("work_item", res.WorkItemID),
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("decision", string(res.Decision)))
		return res, nil
	}
	g.Metrics.RecordDecision(string(res.Decision), reason, string(req.Environment), g.now().Sub(start))
	if res.Allowed() && res.From != res.To {
		g.Metrics.RecordTransition(string(res.From), string(res.To))
	}
	g.Logger.Info("authorize",
		zap.String("work_item", res.WorkItemID),
		zap.String("principal", req.Principal.ID),
		zap.String("action", req.Action),
		zap.String("environment", string(req.Environment)),
		zap.String("decision", string(res.Decision)),
		zap.String("reason", reason),
		zap.String("from", string(res.From)),
		zap.String("to", string(res.To)),
		zap.Int64("seq", res.Entry.Seq))
	return res, nil
}

func (g *Gate) authorizeLocked(ctx context.Context, req Request, rule policy.ActionRule) (Result, error) {
	release, err := g.Locker.Lock(ctx, req.WorkItemID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: lock work item %s: %w", ErrPersistence, req.WorkItemID, err)
	}
	defer release()

	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("%w: begin: %w", ErrPersistence, err)
	}
	defer tx.Rollback()

	prior, found, err := g.Ledger.LookupTx(ctx, tx, req.WorkItemID, req.IdempotencyKey)
	if err != nil {
		return Result{}, fmt.Errorf("%w: lookup: %w", ErrPersistence, err)
	}
	if found {
		return fromEntry(prior, true), nil
	}

	now := g.now().UTC().Format(time.RFC3339Nano)
	item, err := g.Repo.EnsureWorkItemTx(ctx, tx, req.WorkItemID, now)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	entry := domain.LedgerEntry{
		WorkItemID:     req.WorkItemID,
		IdempotencyKey: req.IdempotencyKey,
		PrincipalID:    req.Principal.ID,
		Action:         req.Action,
		Event:          rule.Event,
		Environment:    req.Environment,
		Tier:           rule.Tier,
		FromState:      item.State,
		ToState:        item.State,
		Timestamp:      now,
	}
	decision, err := g.Policy.Evaluate(req.Principal, req.Environment, rule.Tier)
	if err != nil {
		return Result{}, InputError{Field: "request", Message: err.Error()}
	}
	switch {
	case !decision.Allow:
		entry.Decision = domain.Denied
		entry.Reason = &domain.Reason{
			Code:    domain.ReasonInsufficientEngagementLevel,
			Message: decision.Denial.Error(),
			Have:    decision.Denial.Have,
			Need:    decision.Denial.Need,
			State:   item.State,
		}
	case rule.Event != "":
		next, err := handoff.Transition(item.State, rule.Event)
		if err != nil {
			entry.Decision = domain.Denied
			entry.Reason = &domain.Reason{
				Code:    domain.ReasonConflictingState,
				Message: err.Error(),
				State:   item.State,
				Event:   rule.Event,
				Allowed: eventNames(handoff.Events(item.State)),
			}
			break
		}
		entry.Decision = domain.Allowed
		entry.ToState = next
	default:
		entry.Decision = domain.Allowed
	}

	appended, err := g.Ledger.AppendTx(ctx, tx, entry)
	if errors.Is(err, ledger.ErrDuplicateKey) {
		// another process without a shared lock won the race; report its decision
		_ = tx.Rollback()
		prior, found, lerr := g.Ledger.Lookup(ctx, req.WorkItemID, req.IdempotencyKey)
		if lerr != nil || !found {
			return Result{}, fmt.Errorf("%w: duplicate key without entry: %v", ErrPersistence, lerr)
		}
		return fromEntry(prior, true), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if err := g.Repo.UpdateWorkItemTx(ctx, tx, req.WorkItemID, appended.ToState, appended.Seq, now); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("%w: commit: %w", ErrPersistence, err)
	}
	return fromEntry(appended, false), nil
}

func fromEntry(e domain.LedgerEntry, replayed bool) Result {
	return Result{
		Decision:   e.Decision,
		WorkItemID: e.WorkItemID,
		Action:     e.Action,
		Tier:       e.Tier,
		Event:      e.Event,
		From:       e.FromState,
		To:         e.ToState,
		Reason:     e.Reason,
		Replayed:   replayed,
		Entry:      e,
	}
}

func eventNames(events []domain.HandoffEvent) []string {
	if len(events) == 0 {
		return nil
	}
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e)
	}
	return out
}

// State returns the current projection of a work item.
func (g *Gate) State(ctx context.Context, workItemID string) (domain.WorkItem, error) {
	return g.Repo.GetWorkItem(ctx, workItemID)
}
