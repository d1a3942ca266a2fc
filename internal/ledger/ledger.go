// Package ledger is the append-only record of every authorization decision.
//
// Entries are chained per work item: each entry carries the hash of its
// predecessor (or "genesis") and a sha256 over its own content. The work item
// state stored in work_items is a projection that Replay can rebuild.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"workgate/internal/domain"
	"workgate/internal/handoff"
	"workgate/internal/repo"
)

// GenesisHash is the prev hash of the first entry of every work item.
const GenesisHash = "genesis"

var (
	// ErrDuplicateKey is returned when (work item, idempotency key) already has an entry.
	ErrDuplicateKey = errors.New("duplicate idempotency key")
	// ErrSequenceConflict means another writer appended to the same work item concurrently.
	ErrSequenceConflict = errors.New("ledger sequence conflict")
)

type Ledger struct {
	DB   *sql.DB
	Repo repo.Repo
	Now  func() time.Time
}

func New(db *sql.DB) Ledger {
	return Ledger{DB: db, Repo: repo.Repo{DB: db}, Now: time.Now}
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

const entryColumns = `id,seq,work_item_id,idempotency_key,principal_id,action,COALESCE(event,''),environment,tier,from_state,to_state,decision,COALESCE(reason_json,''),ts,prev_hash,hash`

// Append writes entry in its own transaction, creating the work item if needed.
func (l Ledger) Append(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	defer tx.Rollback()

	if _, err := l.Repo.EnsureWorkItemTx(ctx, tx, entry.WorkItemID, l.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return domain.LedgerEntry{}, err
	}
	out, err := l.AppendTx(ctx, tx, entry)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.LedgerEntry{}, err
	}
	return out, nil
}

// AppendTx assigns id, seq, timestamp and hashes, then inserts the entry using q.
// The work item row must exist.
func (l Ledger) AppendTx(ctx context.Context, q repo.Queryer, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	if entry.WorkItemID == "" {
		return domain.LedgerEntry{}, errors.New("work_item_id required")
	}
	if entry.IdempotencyKey == "" {
		return domain.LedgerEntry{}, errors.New("idempotency_key required")
	}
	if entry.Decision != domain.Allowed && entry.Decision != domain.Denied {
		return domain.LedgerEntry{}, fmt.Errorf("invalid decision %q", entry.Decision)
	}
	seq, prev, err := l.head(ctx, q, entry.WorkItemID)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp == "" {
		entry.Timestamp = l.now().UTC().Format(time.RFC3339Nano)
	}
	entry.Seq = seq + 1
	entry.PrevHash = prev
	entry.Hash, err = computeHash(entry)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	var reason any
	if entry.Reason != nil {
		raw, err := json.Marshal(entry.Reason)
		if err != nil {
			return domain.LedgerEntry{}, fmt.Errorf("marshal reason: %w", err)
		}
		reason = string(raw)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO ledger_entries(id,seq,work_item_id,idempotency_key,principal_id,action,event,environment,tier,from_state,to_state,decision,reason_json,ts,prev_hash,hash)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		entry.ID, entry.Seq, entry.WorkItemID, entry.IdempotencyKey, entry.PrincipalID, entry.Action,
		nullable(string(entry.Event)), string(entry.Environment), int(entry.Tier),
		string(entry.FromState), string(entry.ToState), string(entry.Decision), reason,
		entry.Timestamp, entry.PrevHash, entry.Hash)
	if err != nil {
		return domain.LedgerEntry{}, classify(err)
	}
	return entry, nil
}

func (l Ledger) head(ctx context.Context, q repo.Queryer, workItemID string) (int64, string, error) {
	var seq int64
	var hash string
	err := q.QueryRowContext(ctx, `SELECT seq, hash FROM ledger_entries WHERE work_item_id=? ORDER BY seq DESC LIMIT 1`, workItemID).Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		return 0, GenesisHash, nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("read ledger head: %w", err)
	}
	return seq, hash, nil
}

// Lookup returns the entry recorded for an idempotency key on a work item.
func (l Ledger) Lookup(ctx context.Context, workItemID, key string) (domain.LedgerEntry, bool, error) {
	return l.LookupTx(ctx, l.DB, workItemID, key)
}

func (l Ledger) LookupTx(ctx context.Context, q repo.Queryer, workItemID, key string) (domain.LedgerEntry, bool, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE work_item_id=? AND idempotency_key=?`, workItemID, key)
	e, err := scanEntry(row.Scan)
	if err == sql.ErrNoRows {
		return domain.LedgerEntry{}, false, nil
	}
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}
	return e, true, nil
}

// History returns every entry of a work item in append order.
func (l Ledger) History(ctx context.Context, workItemID string) ([]domain.LedgerEntry, error) {
	return l.HistoryPage(ctx, workItemID, 0, 0)
}

// HistoryPage returns entries with seq > afterSeq, at most limit (0 means no limit).
// Callers resume by passing the last seq they saw.
func (l Ledger) HistoryPage(ctx context.Context, workItemID string, afterSeq int64, limit int) ([]domain.LedgerEntry, error) {
	return l.historyTx(ctx, l.DB, workItemID, afterSeq, limit)
}

func (l Ledger) historyTx(ctx context.Context, q repo.Queryer, workItemID string, afterSeq int64, limit int) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE work_item_id=? AND seq>? ORDER BY seq`
	args := []any{workItemID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// VerifyReport describes the integrity of one work item's chain.
type VerifyReport struct {
	WorkItemID string `json:"work_item_id"`
	Entries    int    `json:"entries"`
	Head       string `json:"head"`
	OK         bool   `json:"ok"`
	BrokenAt   int64  `json:"broken_at,omitempty"`
	Message    string `json:"message"`
}

// Verify recomputes every hash and checks seq and prev links.
func (l Ledger) Verify(ctx context.Context, workItemID string) (VerifyReport, error) {
	entries, err := l.History(ctx, workItemID)
	if err != nil {
		return VerifyReport{}, err
	}
	return VerifyEntries(workItemID, entries), nil
}

func VerifyEntries(workItemID string, entries []domain.LedgerEntry) VerifyReport {
	rep := VerifyReport{WorkItemID: workItemID, Entries: len(entries), Head: GenesisHash}
	prev := GenesisHash
	for i, e := range entries {
		want := int64(i + 1)
		if e.Seq != want {
			rep.BrokenAt = e.Seq
			rep.Message = fmt.Sprintf("sequence gap: expected %d, got %d", want, e.Seq)
			return rep
		}
		if e.PrevHash != prev {
			rep.BrokenAt = e.Seq
			rep.Message = fmt.Sprintf("chain broken at entry %d: expected prev %s, got %s", e.Seq, prev, e.PrevHash)
			return rep
		}
		computed, err := computeHash(e)
		if err != nil {
			rep.BrokenAt = e.Seq
			rep.Message = fmt.Sprintf("failed to hash entry %d: %v", e.Seq, err)
			return rep
		}
		if computed != e.Hash {
			rep.BrokenAt = e.Seq
			rep.Message = fmt.Sprintf("hash mismatch at entry %d", e.Seq)
			return rep
		}
		prev = e.Hash
	}
	rep.Head = prev
	rep.OK = true
	rep.Message = "chain verified"
	return rep
}

// Replay folds the Allowed entries of a work item from the initial state.
// It returns the rebuilt state and the seq of the last entry.
func (l Ledger) Replay(ctx context.Context, workItemID string) (domain.HandoffState, int64, error) {
	return l.ReplayTx(ctx, l.DB, workItemID)
}

func (l Ledger) ReplayTx(ctx context.Context, q repo.Queryer, workItemID string) (domain.HandoffState, int64, error) {
	entries, err := l.historyTx(ctx, q, workItemID, 0, 0)
	if err != nil {
		return "", 0, err
	}
	state, err := ReplayEntries(entries)
	if err != nil {
		return "", 0, err
	}
	var last int64
	if n := len(entries); n > 0 {
		last = entries[n-1].Seq
	}
	return state, last, nil
}

// ReplayEntries applies only Allowed entries, in order.
func ReplayEntries(entries []domain.LedgerEntry) (domain.HandoffState, error) {
	steps := make([]handoff.Step, 0, len(entries))
	for _, e := range entries {
		if e.Decision != domain.Allowed {
			continue
		}
		steps = append(steps, handoff.Step{Seq: e.Seq, Event: e.Event, From: e.FromState, To: e.ToState})
	}
	return handoff.Replay(steps)
}

type hashInput struct {
	ID             string              `json:"id"`
	Seq            int64               `json:"seq"`
	WorkItemID     string              `json:"work_item_id"`
	IdempotencyKey string              `json:"idempotency_key"`
	PrincipalID    string              `json:"principal_id"`
	Action         string              `json:"action"`
	Event          domain.HandoffEvent `json:"event"`
	Environment    domain.Environment  `json:"environment"`
	Tier           domain.Tier         `json:"tier"`
	FromState      domain.HandoffState `json:"from_state"`
	ToState        domain.HandoffState `json:"to_state"`
	Decision       domain.Decision     `json:"decision"`
	Reason         *domain.Reason      `json:"reason"`
	Timestamp      string              `json:"ts"`
	PrevHash       string              `json:"prev"`
}

func computeHash(e domain.LedgerEntry) (string, error) {
	raw, err := json.Marshal(hashInput{
		ID:             e.ID,
		Seq:            e.Seq,
		WorkItemID:     e.WorkItemID,
		IdempotencyKey: e.IdempotencyKey,
		PrincipalID:    e.PrincipalID,
		Action:         e.Action,
		Event:          e.Event,
		Environment:    e.Environment,
		Tier:           e.Tier,
		FromState:      e.FromState,
		ToState:        e.ToState,
		Decision:       e.Decision,
		Reason:         e.Reason,
		Timestamp:      e.Timestamp,
		PrevHash:       e.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}
	h := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

func scanEntry(scan func(dest ...any) error) (domain.LedgerEntry, error) {
	var (
		e                                 domain.LedgerEntry
		event, env, from, to, dec, reason string
		tier                              int
	)
	if err := scan(&e.ID, &e.Seq, &e.WorkItemID, &e.IdempotencyKey, &e.PrincipalID, &e.Action, &event, &env, &tier,
		&from, &to, &dec, &reason, &e.Timestamp, &e.PrevHash, &e.Hash); err != nil {
		return domain.LedgerEntry{}, err
	}
	e.Event = domain.HandoffEvent(event)
	e.Environment = domain.Environment(env)
	e.Tier = domain.Tier(tier)
	e.FromState = domain.HandoffState(from)
	e.ToState = domain.HandoffState(to)
	e.Decision = domain.Decision(dec)
	if reason != "" {
		var r domain.Reason
		if err := json.Unmarshal([]byte(reason), &r); err != nil {
			return domain.LedgerEntry{}, fmt.Errorf("ledger entry %s reason: %w", e.ID, err)
		}
		e.Reason = &r
	}
	return e, nil
}

func classify(err error) error {
	unique := strings.Contains(err.Error(), "UNIQUE constraint failed")
	var serr *sqlite.Error
	if errors.As(err, &serr) && serr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		unique = true
	}
	if !unique {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	if strings.Contains(err.Error(), "idempotency_key") {
		return ErrDuplicateKey
	}
	return ErrSequenceConflict
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
