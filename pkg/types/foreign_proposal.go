// Copyright 2025 Certen Protocol
//
// Cross-shard coordination: foreign proposals and the substate lock table
// (§3, §4.9).

package types

// ForeignProposalStatus tracks a received foreign block through the §4.9
// lifecycle: inserted as Received, moved to Proposed once local consensus
// names it in a ForeignProposal command, and to Confirmed on commit.
// Duplicate/out-of-epoch/invalid proposals are dropped as Invalid.
type ForeignProposalStatus int

const (
	ForeignProposalReceived ForeignProposalStatus = iota
	ForeignProposalProposed
	ForeignProposalConfirmed
	ForeignProposalInvalid
)

func (s ForeignProposalStatus) String() string {
	switch s {
	case ForeignProposalReceived:
		return "Received"
	case ForeignProposalProposed:
		return "Proposed"
	case ForeignProposalConfirmed:
		return "Confirmed"
	case ForeignProposalInvalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// ForeignProposal is a block received from another shard group's committee,
// carried here just far enough for the evidence/atom it contributes to be
// extracted and folded into local pool entries (§4.9). BlockPledge binds the
// specific substate versions the foreign committee committed B against, so a
// receiving committee can re-validate every Accept command's pledge before
// trusting the evidence.
type ForeignProposal struct {
	Block        Block                 `json:"block"`
	FromShard    ShardGroup            `json:"from_shard_group"`
	BlockPledge  []SubstateLock        `json:"block_pledge,omitempty"`
	ReceivedQC   QuorumCertificate     `json:"received_qc"`
	Status       ForeignProposalStatus `json:"status"`
	RejectReason string                `json:"reject_reason,omitempty"`
}

// SubstateLock is held while a transaction is prepared but not yet
// committed/aborted, preventing a conflicting transaction from pledging the
// same substate version (§4.7 "pledge/lock management").
type SubstateLock struct {
	SubstateId    VersionedSubstateId `json:"substate_id"`
	LockedByTx    TransactionId       `json:"locked_by_transaction"`
	LockedAtBlock BlockId             `json:"locked_at_block"`
	ForWrite      bool                `json:"for_write"`
}

// Conflicts reports whether two locks over the same substate version cannot
// coexist: two locks for the same tx never conflict (idempotent re-pledge);
// otherwise any write lock conflicts with any other lock.
func (l *SubstateLock) Conflicts(other *SubstateLock) bool {
	if l.SubstateId != other.SubstateId {
		return false
	}
	if l.LockedByTx == other.LockedByTx {
		return false
	}
	return l.ForWrite || other.ForWrite
}
