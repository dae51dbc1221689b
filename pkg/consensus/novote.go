// Copyright 2025 Certen Protocol
//
// NoVoteReason: the closed tagged enum surfacing every way a candidate
// block can be structurally valid yet fail a vote precondition (§4.5,
// §4.7). Unlike ProposalValidationError (pkg/blockstore), a NoVoteReason is
// never a protocol fault by itself — it is the first-class refusal signal
// telemetry is meant to observe.

package consensus

// NoVoteReason enumerates every reason a validator withholds its vote from
// an otherwise structurally valid candidate.
type NoVoteReason int

const (
	ShouldNotVote NoVoteReason = iota
	StageDisagreement
	TransactionNotInPool
	DecisionDisagreement
	FeeDisagreement
	LeaderFeeDisagreement
	TotalLeaderFeeDisagreement
	NoLeaderFee
	LocalOnlyProposedForMultiShard
	MultiShardProposedForLocalOnly
	NotAllInputsPrepared
	ForeignProposalCommandInBlockMissing
	ForeignProposalAlreadyProposed
	ForeignProposalNotReceived
	ForeignProposalAlreadyConfirmed
	ForeignProposalProcessingFailed
	MintConfidentialOutputUnknown
	MintConfidentialOutputStoreFailed
	MintConfidentialOutputInvalidProof
	NotEndOfEpoch
	EndOfEpochWithOtherCommands
	MerkleRootMismatch
)

func (r NoVoteReason) String() string {
	switch r {
	case ShouldNotVote:
		return "ShouldNotVote"
	case StageDisagreement:
		return "StageDisagreement"
	case TransactionNotInPool:
		return "TransactionNotInPool"
	case DecisionDisagreement:
		return "DecisionDisagreement"
	case FeeDisagreement:
		return "FeeDisagreement"
	case LeaderFeeDisagreement:
		return "LeaderFeeDisagreement"
	case TotalLeaderFeeDisagreement:
		return "TotalLeaderFeeDisagreement"
	case NoLeaderFee:
		return "NoLeaderFee"
	case LocalOnlyProposedForMultiShard:
		return "LocalOnlyProposedForMultiShard"
	case MultiShardProposedForLocalOnly:
		return "MultiShardProposedForLocalOnly"
	case NotAllInputsPrepared:
		return "NotAllInputsPrepared"
	case ForeignProposalCommandInBlockMissing:
		return "ForeignProposalCommandInBlockMissing"
	case ForeignProposalAlreadyProposed:
		return "ForeignProposalAlreadyProposed"
	case ForeignProposalNotReceived:
		return "ForeignProposalNotReceived"
	case ForeignProposalAlreadyConfirmed:
		return "ForeignProposalAlreadyConfirmed"
	case ForeignProposalProcessingFailed:
		return "ForeignProposalProcessingFailed"
	case MintConfidentialOutputUnknown:
		return "MintConfidentialOutputUnknown"
	case MintConfidentialOutputStoreFailed:
		return "MintConfidentialOutputStoreFailed"
	case MintConfidentialOutputInvalidProof:
		return "MintConfidentialOutputInvalidProof"
	case NotEndOfEpoch:
		return "NotEndOfEpoch"
	case EndOfEpochWithOtherCommands:
		return "EndOfEpochWithOtherCommands"
	case MerkleRootMismatch:
		return "MerkleRootMismatch"
	default:
		return "Unknown"
	}
}
