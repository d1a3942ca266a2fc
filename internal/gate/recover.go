package gate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"workgate/internal/domain"
)

// RecoverReport compares the stored projection with the ledger replay.
type RecoverReport struct {
	WorkItemID string              `json:"work_item_id"`
	Stored     domain.HandoffState `json:"stored_state"`
	StoredSeq  int64               `json:"stored_seq"`
	Replayed   domain.HandoffState `json:"replayed_state"`
	LastSeq    int64               `json:"last_seq"`
	Repaired   bool                `json:"repaired"`
}

// Recover rebuilds one work item projection from its ledger history and
// rewrites it when it diverges.
func (g *Gate) Recover(ctx context.Context, workItemID string) (RecoverReport, error) {
	release, err := g.Locker.Lock(ctx, workItemID)
	if err != nil {
		return RecoverReport{}, fmt.Errorf("%w: lock work item %s: %w", ErrPersistence, workItemID, err)
	}
	defer release()

	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return RecoverReport{}, fmt.Errorf("%w: begin: %w", ErrPersistence, err)
	}
	defer tx.Rollback()

	item, err := g.Repo.GetWorkItemTx(ctx, tx, workItemID)
	if err != nil {
		return RecoverReport{}, err
	}
	state, last, err := g.Ledger.ReplayTx(ctx, tx, workItemID)
	if err != nil {
		return RecoverReport{}, fmt.Errorf("replay %s: %w", workItemID, err)
	}
	rep := RecoverReport{
		WorkItemID: workItemID,
		Stored:     item.State,
		StoredSeq:  item.LastSeq,
		Replayed:   state,
		LastSeq:    last,
	}
	if item.State == state && item.LastSeq == last {
		g.Metrics.RecordRecovery("ok")
		return rep, nil
	}
	if err := g.Repo.UpdateWorkItemTx(ctx, tx, workItemID, state, last, g.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return RecoverReport{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if err := tx.Commit(); err != nil {
		return RecoverReport{}, fmt.Errorf("%w: commit: %w", ErrPersistence, err)
	}
	rep.Repaired = true
	g.Metrics.RecordRecovery("repaired")
	g.Logger.Warn("work item projection repaired",
		zap.String("work_item", workItemID),
		zap.String("stored", string(item.State)),
		zap.String("replayed", string(state)),
		zap.Int64("stored_seq", item.LastSeq),
		zap.Int64("last_seq", last))
	return rep, nil
}

// RecoverAll runs Recover for every known work item. It stops at the first error.
func (g *Gate) RecoverAll(ctx context.Context) ([]RecoverReport, error) {
	ids, err := g.Repo.ListWorkItemIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list work items: %w", ErrPersistence, err)
	}
	reports := make([]RecoverReport, 0, len(ids))
	repaired := 0
	for _, id := range ids {
		rep, err := g.Recover(ctx, id)
		if err != nil {
			return reports, err
		}
		if rep.Repaired {
			repaired++
		}
		reports = append(reports, rep)
	}
	g.Logger.Info("recovery complete", zap.Int("work_items", len(ids)), zap.Int("repaired", repaired))
	return reports, nil
}
