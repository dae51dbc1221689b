// Copyright 2025 Certen Protocol

package consensus

import (
	"testing"

	"github.com/certen/dan-validator/pkg/storage"
	"github.com/certen/dan-validator/pkg/types"
)

// chainQC builds the quorum certificate justifying b, just enough of one
// for TryCommit's bookkeeping (it never verifies signatures itself; that is
// blockstore.ValidateQC's job, exercised elsewhere).
func chainQC(b *types.Block) types.QuorumCertificate {
	return types.QuorumCertificate{
		BlockId:     b.Id,
		BlockHeight: b.Height,
		Epoch:       b.Epoch,
		ShardGroup:  b.ShardGroup,
		Decision:    types.QCAccept,
	}
}

// putChain persists a three-block chain b1 <- b2 <- b3 onto genesis, each
// justified by the previous block's QC, and returns the three QCs in order.
func putChain(t *testing.T, e *Engine, genesis *types.Block, ep types.Epoch, sg types.ShardGroup, cmds1, cmds2, cmds3 []types.Command) (*types.Block, *types.Block, *types.Block, types.QuorumCertificate, types.QuorumCertificate, types.QuorumCertificate) {
	t.Helper()

	b1 := candidateBlock(genesis, 1, ep, sg, cmds1...)
	if err := e.cfg.Blocks.Put(b1); err != nil {
		t.Fatalf("put b1: %v", err)
	}
	qc1 := chainQC(b1)

	b2 := candidateBlock(b1, 2, ep, sg, cmds2...)
	b2.Justify = qc1
	b2.Id = b2.ComputeId()
	if err := e.cfg.Blocks.Put(b2); err != nil {
		t.Fatalf("put b2: %v", err)
	}
	qc2 := chainQC(b2)

	b3 := candidateBlock(b2, 3, ep, sg, cmds3...)
	b3.Justify = qc2
	b3.Id = b3.ComputeId()
	if err := e.cfg.Blocks.Put(b3); err != nil {
		t.Fatalf("put b3: %v", err)
	}
	qc3 := chainQC(b3)

	return b1, b2, b3, qc1, qc2, qc3
}

func TestTryCommitFinalizesGrandparentOnCompleteThreeChain(t *testing.T) {
	e, _, sg, ep, genesis := newVoteRuleEngine(t)

	var committed []*types.Block
	e.cfg.OnCommit = func(b *types.Block) { committed = append(committed, b) }

	b1, b2, _, qc1, qc2, qc3 := putChain(t, e, genesis, ep, sg, nil, nil, nil)

	if err := e.TryCommit(qc1); err != nil {
		t.Fatalf("try commit qc1: %v", err)
	}
	if len(committed) != 0 {
		t.Fatalf("expected no commit after a single QC, got %d", len(committed))
	}

	if err := e.TryCommit(qc2); err != nil {
		t.Fatalf("try commit qc2: %v", err)
	}
	if len(committed) != 0 {
		t.Fatalf("expected no commit after two QCs, got %d", len(committed))
	}
	if e.LockedBlock() == nil || e.LockedBlock().Id != b1.Id {
		t.Fatalf("expected b1 locked after qc2 (b2's justify), got %v", e.LockedBlock())
	}

	if err := e.TryCommit(qc3); err != nil {
		t.Fatalf("try commit qc3: %v", err)
	}
	if len(committed) != 1 || committed[0].Id != b1.Id {
		t.Fatalf("expected b1 finalized as the three-chain's grandparent, got %v", committed)
	}
	if e.LockedBlock() == nil || e.LockedBlock().Id != b2.Id {
		t.Fatalf("expected b2 locked after qc3 (b3's justify), got %v", e.LockedBlock())
	}
}

func TestTryCommitIsNoOpWhenQCDoesNotAdvanceHighQC(t *testing.T) {
	e, _, sg, ep, genesis := newVoteRuleEngine(t)

	var committed []*types.Block
	e.cfg.OnCommit = func(b *types.Block) { committed = append(committed, b) }

	_, _, _, qc1, qc2, qc3 := putChain(t, e, genesis, ep, sg, nil, nil, nil)

	if err := e.TryCommit(qc3); err != nil {
		t.Fatalf("try commit qc3: %v", err)
	}
	if len(committed) != 1 {
		t.Fatalf("expected one commit from qc3 alone, got %d", len(committed))
	}

	// Replaying the lower QCs after high_qc has already advanced past them
	// must not re-finalize or error.
	if err := e.TryCommit(qc1); err != nil {
		t.Fatalf("try commit stale qc1: %v", err)
	}
	if err := e.TryCommit(qc2); err != nil {
		t.Fatalf("try commit stale qc2: %v", err)
	}
	if len(committed) != 1 {
		t.Fatalf("expected stale QCs to be ignored, got %d commits", len(committed))
	}
}

func TestApplyCommandAcceptFinalizesPoolEntry(t *testing.T) {
	e, p, sg, ep, genesis := newVoteRuleEngine(t)

	tx := &types.Transaction{
		ID:             types.Hash32{0x10},
		DeclaredInputs: []types.VersionedSubstateId{localOnlySubstate(1)},
	}
	if _, err := p.Submit(tx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := p.RecordLocalExecution(tx.ID, types.DecisionAccept, &types.SubstateDiff{}, 1, genesis.Id); err != nil {
		t.Fatalf("record local execution: %v", err)
	}

	atom := types.TxAtom{TransactionId: tx.ID, Decision: types.DecisionAccept}
	cmds1 := []types.Command{types.AcceptCommand(atom)}
	_, _, _, qc1, qc2, qc3 := putChain(t, e, genesis, ep, sg, cmds1, nil, nil)

	if err := e.TryCommit(qc1); err != nil {
		t.Fatalf("try commit qc1: %v", err)
	}
	if err := e.TryCommit(qc2); err != nil {
		t.Fatalf("try commit qc2: %v", err)
	}
	if err := e.TryCommit(qc3); err != nil {
		t.Fatalf("try commit qc3: %v", err)
	}

	if _, err := p.Get(tx.ID); !storage.IsNotFound(err) {
		t.Fatalf("expected pool entry removed after Accept command finalized, got err %v", err)
	}
	rec, err := e.cfg.Store.GetTransactionRecord(tx.ID)
	if err != nil {
		t.Fatalf("get transaction record: %v", err)
	}
	if rec.FinalDecision == nil || rec.FinalDecision.Decision != types.DecisionAccept {
		t.Fatalf("expected transaction record finalized as Accept, got %+v", rec.FinalDecision)
	}
}

func TestApplyCommandForeignProposalConfirms(t *testing.T) {
	e, _, sg, ep, genesis := newVoteRuleEngine(t)

	foreignBlockID := types.Hash32{0x20}
	fp := &types.ForeignProposal{Block: types.Block{Id: foreignBlockID}, Status: types.ForeignProposalProposed}
	if err := e.cfg.Store.PutForeignProposal(fp); err != nil {
		t.Fatalf("put foreign proposal: %v", err)
	}

	cmds1 := []types.Command{types.ForeignProposalCommand(foreignBlockID)}
	_, _, _, qc1, qc2, qc3 := putChain(t, e, genesis, ep, sg, cmds1, nil, nil)

	if err := e.TryCommit(qc1); err != nil {
		t.Fatalf("try commit qc1: %v", err)
	}
	if err := e.TryCommit(qc2); err != nil {
		t.Fatalf("try commit qc2: %v", err)
	}
	if err := e.TryCommit(qc3); err != nil {
		t.Fatalf("try commit qc3: %v", err)
	}

	got, err := e.cfg.Store.GetForeignProposal(foreignBlockID)
	if err != nil {
		t.Fatalf("get foreign proposal: %v", err)
	}
	if got.Status != types.ForeignProposalConfirmed {
		t.Fatalf("expected foreign proposal confirmed after commit, got status %s", got.Status)
	}
}

func TestApplyCommandSuspendNode(t *testing.T) {
	e, _, sg, ep, genesis := newVoteRuleEngine(t)
	pubKey := []byte("validator-to-suspend")

	cmds1 := []types.Command{types.SuspendNodeCommand(pubKey)}
	_, _, _, qc1, qc2, qc3 := putChain(t, e, genesis, ep, sg, cmds1, nil, nil)

	if err := e.TryCommit(qc1); err != nil {
		t.Fatalf("try commit qc1: %v", err)
	}
	if err := e.TryCommit(qc2); err != nil {
		t.Fatalf("try commit qc2: %v", err)
	}
	if err := e.TryCommit(qc3); err != nil {
		t.Fatalf("try commit qc3: %v", err)
	}

	stats, err := e.cfg.Store.GetValidatorStats(pubKey)
	if err != nil {
		t.Fatalf("get validator stats: %v", err)
	}
	if !stats.Suspended {
		t.Fatalf("expected validator suspended after SuspendNode command finalized")
	}
}

func TestApplyCommandEndEpochReturnsToIdle(t *testing.T) {
	e, _, sg, ep, genesis := newVoteRuleEngine(t)
	e.state = StateRunning

	cmds1 := []types.Command{types.EndEpochCommand()}
	_, _, _, qc1, qc2, qc3 := putChain(t, e, genesis, ep, sg, cmds1, nil, nil)

	if err := e.TryCommit(qc1); err != nil {
		t.Fatalf("try commit qc1: %v", err)
	}
	if err := e.TryCommit(qc2); err != nil {
		t.Fatalf("try commit qc2: %v", err)
	}
	if err := e.TryCommit(qc3); err != nil {
		t.Fatalf("try commit qc3: %v", err)
	}

	if e.State() != StateIdle {
		t.Fatalf("expected engine back at Idle after EndEpoch command finalized, got %s", e.State())
	}
}
