// Copyright 2025 Certen Protocol
//
// Transactions and their finalized records (§3).

package types

import "time"

// Transaction is the unit of work submitted by users. Its identity (ID) is
// the hash of everything except the mutable auxiliary autofill fields
// (DeclaredInputRefs is considered autofill and excluded, matching the
// original's "identity excludes the mutable autofill fields").
type Transaction struct {
	ID                 TransactionId         `json:"id"`
	FeeInstructions    []byte                `json:"fee_instructions"`
	Instructions       []byte                `json:"instructions"`
	Signature          []byte                `json:"signature"`
	DeclaredInputs     []VersionedSubstateId `json:"declared_inputs"`
	DeclaredInputRefs  []VersionedSubstateId `json:"declared_input_refs"`
	MinEpoch           *Epoch                `json:"min_epoch,omitempty"`
	MaxEpoch           *Epoch                `json:"max_epoch,omitempty"`
}

// ComputeID derives the content hash identity over fee instructions,
// instructions, signature and declared inputs, in that order. DeclaredInputRefs
// and the epoch bounds are excluded because the source intentionally allows
// them to be refined/autofilled after initial construction without changing
// transaction identity.
func (t *Transaction) ComputeID() TransactionId {
	w := NewCanonicalWriter()
	w.WriteBytes(t.FeeInstructions)
	w.WriteBytes(t.Instructions)
	w.WriteBytes(t.Signature)
	w.WriteU32(uint32(len(t.DeclaredInputs)))
	for _, in := range t.DeclaredInputs {
		w.WriteHash(in.ID).WriteU64(in.Version)
	}
	return Blake2b256(domainTransaction, w.Bytes())
}

// InvolvedShards returns the set of shards touched by the transaction's
// declared inputs (the set used to decide LocalOnly vs multi-shard, §4.7).
func (t *Transaction) InvolvedShards(shardBits uint32) map[Shard]struct{} {
	out := make(map[Shard]struct{})
	for _, in := range t.DeclaredInputs {
		out[ShardOf(in.ID, shardBits)] = struct{}{}
	}
	for _, in := range t.DeclaredInputRefs {
		out[ShardOf(in.ID, shardBits)] = struct{}{}
	}
	return out
}

// Decision is the accept/abort outcome of local or foreign execution.
type Decision int

const (
	DecisionAccept Decision = iota
	DecisionAbort
)

func (d Decision) String() string {
	if d == DecisionAccept {
		return "Accept"
	}
	return "Abort"
}

// AbortReason enumerates why a transaction was locally aborted. Closed per
// §7/§4.7 (pledge conflicts and foreign aborts are the two paths the engine
// itself originates; ExecutionReject covers everything the executor adapter
// reports).
type AbortReason int

const (
	AbortReasonNone AbortReason = iota
	AbortReasonExecutionReject
	AbortReasonPledgeConflict
	AbortReasonForeignAbort
	AbortReasonInputConsistency
)

// FinalizeResult is the executor adapter's output for one transaction (§4.8).
type FinalizeResult struct {
	TransactionHash TransactionId  `json:"transaction_hash"`
	Logs            []string       `json:"logs"`
	Decision        Decision       `json:"decision"`
	Diff            *SubstateDiff  `json:"diff,omitempty"` // set iff Decision == Accept
	RejectReason    string         `json:"reject_reason,omitempty"`
	FeeReceipt      *FeeReceipt    `json:"fee_receipt,omitempty"`
}

// FeeReceipt records the fee charged and the leader fee portion of it.
type FeeReceipt struct {
	TotalFeeCharged uint64 `json:"total_fee_charged"`
	LeaderFee       uint64 `json:"leader_fee"`
}

// FinalDecision is the terminal outcome of a transaction, surfaced to
// submitters (§7 "exactly one final status").
type FinalDecision struct {
	Decision Decision    `json:"decision"`
	Reason   AbortReason `json:"reason,omitempty"`
}

// TransactionRecord is the store's canonical record for a submitted
// transaction, from arrival through finalization (§3).
type TransactionRecord struct {
	Transaction    Transaction      `json:"transaction"`
	Result         *FinalizeResult  `json:"result,omitempty"`
	FinalDecision  *FinalDecision   `json:"final_decision,omitempty"`
	LocalDecision  *Decision        `json:"local_decision,omitempty"`
	FinalizedTime  *time.Time       `json:"finalized_time,omitempty"`
	ExecutionTime  *time.Duration   `json:"execution_time,omitempty"`
}

// IsFinalized reports whether the transaction has reached a terminal decision.
func (r *TransactionRecord) IsFinalized() bool {
	return r.FinalDecision != nil
}
