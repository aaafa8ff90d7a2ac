package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/czhaoca/pathfinder-sub004/internal/audit"
	"github.com/czhaoca/pathfinder-sub004/internal/governance"
	"github.com/czhaoca/pathfinder-sub004/internal/obs"
)

// auditAppendLockID scopes the advisory lock serializing appends so the
// sequence stays gapless without locking unrelated tables.
const auditAppendLockID = 7741

// AuditLedger is the durable audit.Ledger. Appends serialize on a
// transaction-scoped advisory lock; reads never block appends.
type AuditLedger struct {
	store *Store
	now   func() time.Time
}

var _ audit.Ledger = (*AuditLedger)(nil)

// NewAuditLedger binds the ledger to a store.
func NewAuditLedger(store *Store) *AuditLedger {
	return &AuditLedger{store: store, now: time.Now}
}

// SetClock overrides the time source. Test use only.
func (l *AuditLedger) SetClock(fn func() time.Time) { l.now = fn }

func (l *AuditLedger) Append(ctx context.Context, evt audit.Event) (audit.Entry, error) {
	if evt.EventType == "" || evt.ActorID == "" || evt.Severity == "" {
		return audit.Entry{}, fmt.Errorf("%w: actor_id, event_type and severity are required", governance.ErrValidation)
	}

	tx, err := l.store.db.BeginTx(ctx, nil)
	if err != nil {
		return audit.Entry{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Serialize appenders for the duration of the transaction; the lock
	// releases automatically at commit or rollback.
	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, auditAppendLockID); err != nil {
		return audit.Entry{}, err
	}

	var (
		prevSeq  uint64
		prevHash string
	)
	err = tx.QueryRowContext(ctx, `
		select seq, hash from audit_entries order by seq desc limit 1
	`).Scan(&prevSeq, &prevHash)
	if errors.Is(err, sql.ErrNoRows) {
		prevSeq, prevHash = 0, audit.GenesisHash
	} else if err != nil {
		return audit.Entry{}, err
	}

	e := audit.Entry{
		Seq:        prevSeq + 1,
		OccurredAt: l.now().UTC().Truncate(time.Microsecond),
		ActorID:    evt.ActorID,
		EventType:  evt.EventType,
		TargetID:   evt.TargetID,
		OldValue:   evt.OldValue,
		NewValue:   evt.NewValue,
		Severity:   evt.Severity,
		PrevHash:   prevHash,
	}
	e.Hash = audit.ComputeHash(prevHash, e)

	if _, err := tx.ExecContext(ctx, `
		insert into audit_entries (seq, occurred_at, actor_id, event_type, target_id, old_value, new_value, severity, prev_hash, hash)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, e.Seq, e.OccurredAt, e.ActorID, e.EventType, e.TargetID,
		nullIfEmptyJSON(e.OldValue), nullIfEmptyJSON(e.NewValue),
		string(e.Severity), e.PrevHash, e.Hash); err != nil {
		return audit.Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return audit.Entry{}, err
	}
	return e, nil
}

func (l *AuditLedger) VerifyChain(ctx context.Context, fromSeq, toSeq uint64) (audit.VerifyResult, error) {
	if fromSeq == 0 {
		fromSeq = 1
	}
	query := `
		select seq, occurred_at, actor_id, event_type, target_id,
		       coalesce(old_value, ''), coalesce(new_value, ''), severity, prev_hash, hash
		from audit_entries
		where seq >= $1`
	args := []any{fromSeq}
	if toSeq > 0 {
		query += ` and seq <= $2`
		args = append(args, toSeq)
	}
	query += ` order by seq asc`

	rows, err := l.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return audit.VerifyResult{}, err
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return audit.VerifyResult{}, err
	}

	prevHash := audit.GenesisHash
	if fromSeq > 1 && len(entries) > 0 {
		prevHash = entries[0].PrevHash
	}
	res := audit.VerifyEntries(prevHash, entries)
	if !res.Valid {
		obs.ChainVerifyFailures.Inc()
		obs.LogEvent(map[string]any{
			"event":         "audit.chain_broken",
			"broken_at_seq": res.BrokenAtSeq,
			"checked_from":  res.CheckedFrom,
			"checked_to":    res.CheckedTo,
		})
	}
	return res, nil
}

func (l *AuditLedger) Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	var (
		conds []string
		args  []any
		idx   = 1
	)
	add := func(cond string, v any) {
		conds = append(conds, fmt.Sprintf(cond, idx))
		args = append(args, v)
		idx++
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.TargetID != "" {
		add("target_id = $%d", f.TargetID)
	}
	if f.EventType != "" {
		add("event_type = $%d", f.EventType)
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at <= $%d", f.To)
	}

	query := `
		select seq, occurred_at, actor_id, event_type, target_id,
		       coalesce(old_value, ''), coalesce(new_value, ''), severity, prev_hash, hash
		from audit_entries`
	if len(conds) > 0 {
		query += " where " + strings.Join(conds, " and ")
	}
	query += " order by seq asc"
	if f.Limit > 0 {
		query += fmt.Sprintf(" limit $%d", idx)
		args = append(args, f.Limit)
	}

	rows, err := l.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]audit.Entry, error) {
	var entries []audit.Entry
	for rows.Next() {
		var (
			e        audit.Entry
			oldVal   string
			newVal   string
			severity string
		)
		if err := rows.Scan(&e.Seq, &e.OccurredAt, &e.ActorID, &e.EventType, &e.TargetID,
			&oldVal, &newVal, &severity, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		if oldVal != "" {
			e.OldValue = []byte(oldVal)
		}
		if newVal != "" {
			e.NewValue = []byte(newVal)
		}
		e.Severity = audit.Severity(severity)
		e.OccurredAt = e.OccurredAt.UTC().Truncate(time.Microsecond)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func nullIfEmptyJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
