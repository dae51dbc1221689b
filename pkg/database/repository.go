// Copyright 2025 Certen Protocol
//
// Transaction-record archive repository: a queryable Postgres index of
// finalized transactions, written once a TransactionRecord reaches a
// terminal FinalDecision (§3, §7 "submitted transactions terminate in
// exactly one final status"). The consensus-path store of record stays
// pkg/storage's kv store; this index exists purely to serve the
// range/aggregate archival queries that store's (id)-keyed layout can't.

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/certen/dan-validator/pkg/types"
)

// TransactionRepository persists and queries archived transaction records.
type TransactionRepository struct {
	client *Client
}

// NewTransactionRepository wraps a Client for transaction-record archival.
func NewTransactionRepository(client *Client) *TransactionRepository {
	return &TransactionRepository{client: client}
}

// Insert archives a finalized TransactionRecord. Called once, at the
// moment a record's FinalDecision is set; re-archiving the same
// transaction id is an upsert so a retried commit-hook call is harmless.
func (r *TransactionRepository) Insert(ctx context.Context, rec *types.TransactionRecord) error {
	if rec.FinalDecision == nil {
		return fmt.Errorf("database: refusing to archive unfinalized transaction %s", rec.Transaction.ID)
	}

	txJSON, err := json.Marshal(rec.Transaction)
	if err != nil {
		return fmt.Errorf("database: marshal transaction %s: %w", rec.Transaction.ID, err)
	}
	resultJSON, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("database: marshal result %s: %w", rec.Transaction.ID, err)
	}

	var finalizedTime *time.Time
	if rec.FinalizedTime != nil {
		finalizedTime = rec.FinalizedTime
	}

	_, err = r.client.ExecContext(ctx, `
		INSERT INTO transaction_records (
			transaction_id, decision, reason, transaction, result, finalized_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (transaction_id) DO UPDATE SET
			decision = EXCLUDED.decision,
			reason = EXCLUDED.reason,
			transaction = EXCLUDED.transaction,
			result = EXCLUDED.result,
			finalized_at = EXCLUDED.finalized_at
	`, rec.Transaction.ID.String(), rec.FinalDecision.Decision.String(), abortReasonString(rec.FinalDecision.Reason),
		txJSON, resultJSON, finalizedTime)
	if err != nil {
		return fmt.Errorf("database: insert transaction record %s: %w", rec.Transaction.ID, err)
	}
	return nil
}

// Get returns the archived record for a transaction id, or
// ErrTransactionRecordNotFound if none was ever finalized.
func (r *TransactionRepository) Get(ctx context.Context, id types.TransactionId) (*types.TransactionRecord, error) {
	row := r.client.QueryRowContext(ctx, `
		SELECT transaction, result, decision, reason, finalized_at
		FROM transaction_records
		WHERE transaction_id = $1
	`, id.String())
	return scanTransactionRecord(row)
}

// ListFinalizedSince returns every record finalized at or after since,
// oldest first, bounded by limit. Used by archival/audit tooling, not by
// the consensus hot path.
func (r *TransactionRepository) ListFinalizedSince(ctx context.Context, since time.Time, limit int) ([]*types.TransactionRecord, error) {
	rows, err := r.client.QueryContext(ctx, `
		SELECT transaction, result, decision, reason, finalized_at
		FROM transaction_records
		WHERE finalized_at >= $1
		ORDER BY finalized_at ASC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("database: list finalized since %s: %w", since, err)
	}
	defer rows.Close()

	var out []*types.TransactionRecord
	for rows.Next() {
		rec, err := scanTransactionRecordRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransactionRecord(row *sql.Row) (*types.TransactionRecord, error) {
	return scan(row)
}

func scanTransactionRecordRows(rows *sql.Rows) (*types.TransactionRecord, error) {
	return scan(rows)
}

func scan(s rowScanner) (*types.TransactionRecord, error) {
	var (
		txJSON, resultJSON []byte
		decision, reason   string
		finalizedAt        sql.NullTime
	)
	if err := s.Scan(&txJSON, &resultJSON, &decision, &reason, &finalizedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionRecordNotFound
		}
		return nil, fmt.Errorf("database: scan transaction record: %w", err)
	}

	var tx types.Transaction
	if err := json.Unmarshal(txJSON, &tx); err != nil {
		return nil, fmt.Errorf("database: unmarshal transaction: %w", err)
	}
	var result *types.FinalizeResult
	if len(resultJSON) > 0 && string(resultJSON) != "null" {
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return nil, fmt.Errorf("database: unmarshal result: %w", err)
		}
	}

	rec := &types.TransactionRecord{
		Transaction: tx,
		Result:      result,
		FinalDecision: &types.FinalDecision{
			Decision: decisionFromString(decision),
			Reason:   abortReasonFromString(reason),
		},
	}
	if finalizedAt.Valid {
		t := finalizedAt.Time
		rec.FinalizedTime = &t
	}
	return rec, nil
}

func decisionFromString(s string) types.Decision {
	if s == types.DecisionAccept.String() {
		return types.DecisionAccept
	}
	return types.DecisionAbort
}

// abortReasonString and abortReasonFromString round-trip AbortReason
// through the archive's text column; AbortReason itself carries no
// String method, since pkg/types only needed the numeric enum for
// comparisons until this repository needed a stable text form to store.
func abortReasonString(r types.AbortReason) string {
	switch r {
	case types.AbortReasonExecutionReject:
		return "ExecutionReject"
	case types.AbortReasonPledgeConflict:
		return "PledgeConflict"
	case types.AbortReasonForeignAbort:
		return "ForeignAbort"
	case types.AbortReasonInputConsistency:
		return "InputConsistency"
	default:
		return "None"
	}
}

func abortReasonFromString(s string) types.AbortReason {
	switch s {
	case "ExecutionReject":
		return types.AbortReasonExecutionReject
	case "PledgeConflict":
		return types.AbortReasonPledgeConflict
	case "ForeignAbort":
		return types.AbortReasonForeignAbort
	case "InputConsistency":
		return types.AbortReasonInputConsistency
	default:
		return types.AbortReasonNone
	}
}
