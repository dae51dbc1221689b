// Copyright 2025 Certen Protocol
//
// Voting rule (§4.5 safety, §4.7 vote preconditions). ShouldVote is called
// against both an inbound proposal (voting) and a candidate the engine
// itself composed (self-check before broadcasting a proposal as leader).

package consensus

import (
	"github.com/certen/dan-validator/pkg/storage"
	"github.com/certen/dan-validator/pkg/types"
)

// ShouldVote applies §4.5's safety rule (monotonicity, lock rule) followed
// by §4.7's per-command preconditions, returning the first reason found to
// withhold the vote, or ok=true if none applies. Candidate must already
// have passed pkg/blockstore.Validate; this function never re-checks
// structural validity.
func (e *Engine) ShouldVote(candidate *types.Block) (ok bool, reason NoVoteReason) {
	e.mu.Lock()
	locked := e.locked
	lastVoted := e.lastVotedHeight
	e.mu.Unlock()

	if candidate.Height <= lastVoted {
		return false, ShouldNotVote
	}
	if locked != nil && !candidate.IsDummy() {
		extendsLock := candidate.ExtendsID(locked.Id, e.getParent, 256)
		if candidate.Justify.BlockHeight < locked.Height && !extendsLock {
			return false, ShouldNotVote
		}
	}
	if candidate.IsDummy() {
		return true, ShouldNotVote
	}

	return e.checkCommandPreconditions(candidate)
}

func (e *Engine) getParent(id types.BlockId) (*types.Block, bool) {
	b, err := e.cfg.Blocks.Get(id)
	if err != nil {
		return nil, false
	}
	return b, true
}

// checkCommandPreconditions walks every command in candidate and applies
// the §4.7 precondition table for its kind.
func (e *Engine) checkCommandPreconditions(candidate *types.Block) (bool, NoVoteReason) {
	hasEndEpoch := false
	for _, c := range candidate.Commands {
		if c.Kind == types.CommandEndEpoch {
			hasEndEpoch = true
		}
	}
	if hasEndEpoch {
		if len(candidate.Commands) != 1 {
			return false, EndOfEpochWithOtherCommands
		}
		if !e.cfg.EpochManager.ConfirmEndOfEpoch(candidate.Epoch, candidate.Height) {
			return false, NotEndOfEpoch
		}
		return true, ShouldNotVote
	}

	for _, c := range candidate.Commands {
		if ok, reason := e.checkOneCommand(candidate, c); !ok {
			return false, reason
		}
	}
	return true, ShouldNotVote
}

func (e *Engine) checkOneCommand(candidate *types.Block, c types.Command) (bool, NoVoteReason) {
	switch c.Kind {
	case types.CommandPrepare:
		return e.checkPrepare(c.Atom)
	case types.CommandLocalPrepared:
		return e.checkLocalPrepared(c.Atom)
	case types.CommandAllPrepared:
		return e.checkAllPrepared(c.Atom)
	case types.CommandSomePrepared:
		return e.checkSomePrepared(c.Atom)
	case types.CommandLocalOnly:
		return e.checkLocalOnly(c.Atom)
	case types.CommandAccept:
		return e.checkAccept(c.Atom)
	case types.CommandForeignProposal:
		return e.checkForeignProposal(candidate, c.ForeignBlockId)
	case types.CommandMintConfidentialOutput:
		return e.checkMintOutput(c.MintOutput)
	case types.CommandSuspendNode, types.CommandResumeNode:
		return true, ShouldNotVote
	default:
		return true, ShouldNotVote
	}
}

func (e *Engine) checkPrepare(atom *types.TxAtom) (bool, NoVoteReason) {
	entry, err := e.cfg.Pool.Get(atom.TransactionId)
	if err != nil {
		return false, TransactionNotInPool
	}
	if entry.Stage != types.StageNew {
		return false, StageDisagreement
	}
	if entry.LocalDecision != nil && *entry.LocalDecision != atom.Decision {
		return false, DecisionDisagreement
	}
	if entry.IsLocalOnly() {
		return false, LocalOnlyProposedForMultiShard
	}
	return true, ShouldNotVote
}

func (e *Engine) checkLocalPrepared(atom *types.TxAtom) (bool, NoVoteReason) {
	entry, err := e.cfg.Pool.Get(atom.TransactionId)
	if err != nil {
		return false, TransactionNotInPool
	}
	if entry.Stage != types.StagePrepared {
		return false, StageDisagreement
	}
	if entry.LocalDecision != nil && *entry.LocalDecision != atom.Decision {
		return false, DecisionDisagreement
	}
	return true, ShouldNotVote
}

func (e *Engine) checkAllPrepared(atom *types.TxAtom) (bool, NoVoteReason) {
	entry, err := e.cfg.Pool.Get(atom.TransactionId)
	if err != nil {
		return false, TransactionNotInPool
	}
	if entry.Stage != types.StageLocalPrepared {
		return false, StageDisagreement
	}
	for _, sg := range entry.InvolvedShardGroups {
		if sg == e.cfg.ShardGroup {
			continue
		}
		ev, ok := entry.ForeignEvidence[sg.Encode()]
		if !ok {
			return false, NotAllInputsPrepared
		}
		if ev.Decision != types.DecisionAccept {
			return false, DecisionDisagreement
		}
	}
	return true, ShouldNotVote
}

func (e *Engine) checkSomePrepared(atom *types.TxAtom) (bool, NoVoteReason) {
	entry, err := e.cfg.Pool.Get(atom.TransactionId)
	if err != nil {
		return false, TransactionNotInPool
	}
	if entry.Stage != types.StageLocalPrepared {
		return false, StageDisagreement
	}
	if !entry.AnyForeignAborted() {
		return false, NotAllInputsPrepared
	}
	return true, ShouldNotVote
}

func (e *Engine) checkLocalOnly(atom *types.TxAtom) (bool, NoVoteReason) {
	entry, err := e.cfg.Pool.Get(atom.TransactionId)
	if err != nil {
		return false, TransactionNotInPool
	}
	if entry.Stage != types.StageNew {
		return false, StageDisagreement
	}
	if !entry.IsLocalOnly() {
		return false, MultiShardProposedForLocalOnly
	}
	return true, ShouldNotVote
}

func (e *Engine) checkAccept(atom *types.TxAtom) (bool, NoVoteReason) {
	entry, err := e.cfg.Pool.Get(atom.TransactionId)
	if err != nil {
		return false, TransactionNotInPool
	}
	if entry.Stage != types.StageAllPrepared && entry.Stage != types.StageLocalOnly {
		return false, StageDisagreement
	}
	if entry.Diff == nil {
		return false, FeeDisagreement
	}
	return true, ShouldNotVote
}

func (e *Engine) checkForeignProposal(candidate *types.Block, blockID *types.BlockId) (bool, NoVoteReason) {
	fp, err := e.cfg.Store.GetForeignProposal(*blockID)
	if err != nil {
		if storage.IsNotFound(err) {
			return false, ForeignProposalNotReceived
		}
		return false, ForeignProposalProcessingFailed
	}
	switch fp.Status {
	case types.ForeignProposalConfirmed:
		return false, ForeignProposalAlreadyConfirmed
	case types.ForeignProposalProposed:
		return false, ForeignProposalAlreadyProposed
	case types.ForeignProposalInvalid:
		return false, ForeignProposalProcessingFailed
	}
	return true, ShouldNotVote
}

func (e *Engine) checkMintOutput(data *types.MintConfidentialOutputData) (bool, NoVoteReason) {
	if data == nil || len(data.Commitment) == 0 {
		return false, MintConfidentialOutputUnknown
	}
	if e.cfg.Executor == nil {
		return true, ShouldNotVote
	}
	ok, err := e.cfg.Executor.VerifyMintOutput(*data)
	if err != nil {
		e.logger.Printf("mint output %s range-proof verification errored: %v", data.SubstateId, err)
		return false, MintConfidentialOutputStoreFailed
	}
	if !ok {
		return false, MintConfidentialOutputInvalidProof
	}
	return true, ShouldNotVote
}
