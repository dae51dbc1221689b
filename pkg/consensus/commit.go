// Copyright 2025 Certen Protocol
//
// Three-chain commit rule (§4.5): a QC over b3, whose parent b2 carries the
// QC justifying it, whose own parent b1 carries the QC justifying it, with
// all three at consecutive heights, finalises b1.

package consensus

import (
	"fmt"

	"github.com/certen/dan-validator/pkg/statetree"
	"github.com/certen/dan-validator/pkg/storage"
	"github.com/certen/dan-validator/pkg/types"
)

// TryCommit checks whether qc (a quorum certificate just formed or
// received over some block b3) completes a three-chain, and if so applies
// and finalises the grandparent block. It also advances high_qc and,
// opportunistically, locked_block per the lock rule (b3's parent b2, the
// block b3's own justify certifies, becomes the new lock whenever it is
// higher than the current one).
func (e *Engine) TryCommit(qc types.QuorumCertificate) error {
	if qc.IsGenesis() {
		return nil
	}

	e.mu.Lock()
	advanced := e.observeQC(qc)
	e.mu.Unlock()
	if !advanced {
		return nil
	}

	b3, err := e.cfg.Blocks.Get(qc.BlockId)
	if err != nil {
		return fmt.Errorf("consensus: three-chain: resolve b3 %s: %w", qc.BlockId, err)
	}

	b2, err := e.cfg.Blocks.Parent(b3)
	if err != nil {
		return nil // parent not yet known locally; nothing to commit yet
	}
	if b3.Justify.BlockId != b2.Id {
		return nil
	}

	e.mu.Lock()
	if e.locked == nil || b2.Height > e.locked.Height {
		e.locked = b2
	}
	e.mu.Unlock()

	if b2.IsGenesis() {
		return nil
	}
	b1, err := e.cfg.Blocks.Parent(b2)
	if err != nil {
		return nil
	}
	if b2.Justify.BlockId != b1.Id {
		return nil
	}

	if !(b1.Height+1 == b2.Height && b2.Height+1 == b3.Height) {
		return nil
	}

	return e.finalize(b1, qc)
}

// finalize applies b's effects to the pool, the substate store, the state
// tree and validator stats, then fires OnCommit. committingQC is the QC
// whose three-chain completion finalized b (qc, per TryCommit), recorded
// on every state-transition logged here.
func (e *Engine) finalize(b *types.Block, committingQC types.QuorumCertificate) error {
	if b.IsDummy() || b.IsGenesis() {
		return nil
	}

	for _, c := range b.Commands {
		if err := e.applyCommand(b, committingQC, c); err != nil {
			return fmt.Errorf("consensus: finalize block %s: %w", b.Id, err)
		}
	}

	if e.cfg.OnCommit != nil {
		e.cfg.OnCommit(b)
	}
	return nil
}

func (e *Engine) applyCommand(b *types.Block, qc types.QuorumCertificate, c types.Command) error {
	switch c.Kind {
	case types.CommandPrepare:
		_, err := e.cfg.Pool.ConfirmLocalPrepared(c.Atom.TransactionId)
		return err
	case types.CommandLocalPrepared:
		// Already transitioned to LocalPrepared when the Prepare command
		// committed; LocalPrepared commands themselves carry no further
		// pool-state change beyond what RecordForeignEvidence folds in.
		return nil
	case types.CommandAllPrepared, types.CommandSomePrepared:
		return nil
	case types.CommandLocalOnly:
		return nil
	case types.CommandAccept:
		return e.applyAccept(b, qc, c.Atom)
	case types.CommandForeignProposal:
		return e.confirmForeignProposal(*c.ForeignBlockId)
	case types.CommandSuspendNode:
		return e.setSuspended(c.SuspendPublicKey, b.Height, true)
	case types.CommandResumeNode:
		return e.setSuspended(c.SuspendPublicKey, b.Height, false)
	case types.CommandEndEpoch:
		e.ReturnToIdle()
		return nil
	case types.CommandMintConfidentialOutput:
		return e.applyMintOutput(b, qc, c.MintOutput)
	default:
		return nil
	}
}

// applyAccept finalizes the pool entry for atom's transaction and, for an
// Accept decision, applies the diff the local executor recorded at prepare
// time to S and T (§2 "on each commit, C applies the accepted substate diff
// to S, updates T, emits state transitions"). The pool entry is read before
// Finalize deletes it, since Finalize archives the terminal pool row into
// the transaction record and the diff otherwise wouldn't survive past this
// call.
func (e *Engine) applyAccept(b *types.Block, qc types.QuorumCertificate, atom *types.TxAtom) error {
	entry, err := e.cfg.Pool.Get(atom.TransactionId)
	if err != nil {
		return fmt.Errorf("consensus: load pool entry for accept %s: %w", atom.TransactionId, err)
	}

	if err := e.cfg.Pool.Finalize(atom.TransactionId, atom.Decision, types.AbortReasonNone); err != nil {
		return err
	}
	if atom.Decision != types.DecisionAccept || entry.Diff == nil {
		return nil
	}

	for _, down := range entry.Diff.Down {
		sub, err := e.cfg.Store.GetSubstate(down.ID, down.Version)
		if err != nil {
			return fmt.Errorf("consensus: load downed substate %s: %w", down, err)
		}
		sub.DestroyedBy = &types.DestroyedBy{
			TransactionId: atom.TransactionId,
			Shard:         b.ShardGroup.Start,
			BlockId:       b.Id,
		}
		if err := e.cfg.Store.PutSubstate(sub); err != nil {
			return fmt.Errorf("consensus: mark substate %s down: %w", down, err)
		}
		if err := e.cfg.Store.ReleaseSubstateLock(down); err != nil && !storage.IsNotFound(err) {
			return fmt.Errorf("consensus: release lock on %s: %w", down, err)
		}
	}
	for i := range entry.Diff.Up {
		up := entry.Diff.Up[i]
		if err := e.cfg.Store.PutSubstate(&up); err != nil {
			return fmt.Errorf("consensus: persist up substate %s: %w", up.ID, err)
		}
	}

	return e.applyStateTreeDiff(b, qc, entry.Diff)
}

// applyMintOutput re-verifies data's range proof at commit time (vote-time
// verification in checkMintOutput only guards honest leaders; a byzantine
// leader could still form a quorum over a tampered proof if verification
// only happened before voting) and, once confirmed, mints the confidential
// output substate into S and T.
func (e *Engine) applyMintOutput(b *types.Block, qc types.QuorumCertificate, data *types.MintConfidentialOutputData) error {
	if e.cfg.Executor != nil {
		ok, err := e.cfg.Executor.VerifyMintOutput(*data)
		if err != nil {
			return fmt.Errorf("consensus: verify mint output %s at commit: %w", data.SubstateId, err)
		}
		if !ok {
			return fmt.Errorf("consensus: mint output %s failed range-proof verification at commit", data.SubstateId)
		}
	}

	sub := types.Substate{ID: data.SubstateId, Version: 0, ValueBytes: data.Commitment, CreatedByTx: b.Id}
	if err := e.cfg.Store.PutSubstate(&sub); err != nil {
		return fmt.Errorf("consensus: persist mint output substate %s: %w", sub.ID, err)
	}

	diff := &types.SubstateDiff{Up: []types.Substate{sub}}
	return e.applyStateTreeDiff(b, qc, diff)
}

// applyStateTreeDiff folds diff into the engine's state tree, persists the
// resulting node batch and root pointer, and appends a StateTransition
// entry logging the change (§4.2, §4.10). A no-op when the engine was
// constructed without a TreeStore, the escape hatch test harnesses use.
func (e *Engine) applyStateTreeDiff(b *types.Block, qc types.QuorumCertificate, diff *types.SubstateDiff) error {
	if e.tree == nil {
		return nil
	}

	changes := changesFromDiff(diff)

	e.mu.Lock()
	root := e.root
	e.mu.Unlock()

	newRoot, newNodes, staleHashes, err := e.tree.PutBatch(root, b.Height, changes)
	if err != nil {
		return fmt.Errorf("consensus: apply substate diff to state tree: %w", err)
	}
	if err := e.cfg.TreeStore.PutNodes(newNodes); err != nil {
		return fmt.Errorf("consensus: persist state tree nodes: %w", err)
	}
	if err := e.cfg.TreeStore.MarkStale(b.Height, staleHashes); err != nil {
		return fmt.Errorf("consensus: mark stale state tree nodes: %w", err)
	}
	if err := e.cfg.Store.PutStateTreeRoot(e.Epoch(), treeShardKey(e.cfg.ShardGroup), newRoot); err != nil {
		return fmt.Errorf("consensus: persist state tree root: %w", err)
	}

	e.mu.Lock()
	e.root = newRoot
	e.mu.Unlock()

	st := &types.StateTransition{
		Id:              types.StateTransitionId{Epoch: e.Epoch(), ShardGroup: e.cfg.ShardGroup, Height: b.Height},
		BlockId:         b.Id,
		QCId:            qc.BlockId,
		Diff:            *diff,
		MerkleRootAfter: newRoot,
	}
	return e.cfg.Store.PutStateTransition(st)
}

func (e *Engine) confirmForeignProposal(blockID types.BlockId) error {
	fp, err := e.cfg.Store.GetForeignProposal(blockID)
	if err != nil {
		return err
	}
	fp.Status = types.ForeignProposalConfirmed
	return e.cfg.Store.PutForeignProposal(fp)
}

func (e *Engine) setSuspended(pubKey []byte, height uint64, suspended bool) error {
	stats, err := e.cfg.Store.GetValidatorStats(pubKey)
	if err != nil {
		stats = &types.ValidatorConsensusStats{PublicKey: pubKey}
	}
	if suspended {
		stats.Suspended = true
		stats.SuspendedAtHeight = height
	} else {
		stats.Resume()
	}
	return e.cfg.Store.PutValidatorStats(stats)
}

// ExpectedMerkleRoot predicts the state-tree root that applying commands at
// height on top of the engine's current root would produce, without
// persisting anything (§4.2, §4.5 "state_merkle_root embedded in every
// block"). A leader calls this ahead of signing its own candidate to fill
// in BuildInput.PostStateRoot; a follower calls it against an inbound
// proposal's own command list to check blockstore.Validate's MerkleRoot
// field isn't forged. Both call sites must walk commands in the exact
// order the block itself carries them, since tree puts are order-sensitive
// whenever two commands in the same batch touch the same substate id.
func (e *Engine) ExpectedMerkleRoot(height uint64, commands []types.Command) (types.Hash32, error) {
	if e.tree == nil {
		return statetree.EmptyRoot(), nil
	}

	e.mu.Lock()
	root := e.root
	e.mu.Unlock()

	for _, c := range commands {
		diff, err := e.diffForCommand(c)
		if err != nil {
			return types.Hash32{}, err
		}
		if diff == nil {
			continue
		}
		newRoot, _, _, err := e.tree.PutBatch(root, height, changesFromDiff(diff))
		if err != nil {
			return types.Hash32{}, fmt.Errorf("consensus: predict state tree root: %w", err)
		}
		root = newRoot
	}
	return root, nil
}

// diffForCommand resolves the substate diff command c would apply at
// commit time, or nil for a command kind that never touches T. Mirrors
// applyAccept/applyMintOutput's diff sourcing exactly, since
// ExpectedMerkleRoot must predict precisely what finalize will later do.
func (e *Engine) diffForCommand(c types.Command) (*types.SubstateDiff, error) {
	switch c.Kind {
	case types.CommandAccept:
		if c.Atom.Decision != types.DecisionAccept {
			return nil, nil
		}
		entry, err := e.cfg.Pool.Get(c.Atom.TransactionId)
		if err != nil {
			return nil, fmt.Errorf("consensus: resolve diff for accept %s: %w", c.Atom.TransactionId, err)
		}
		return entry.Diff, nil
	case types.CommandMintConfidentialOutput:
		sub := types.Substate{ID: c.MintOutput.SubstateId, Version: 0, ValueBytes: c.MintOutput.Commitment}
		return &types.SubstateDiff{Up: []types.Substate{sub}}, nil
	default:
		return nil, nil
	}
}

// changesFromDiff flattens a substate diff into the id -> value-hash map
// statetree.Tree.PutBatch consumes, folding "down" ids that have no
// corresponding "up" entry in the same diff to the zero hash.
func changesFromDiff(diff *types.SubstateDiff) map[types.SubstateId]types.Hash32 {
	changes := make(map[types.SubstateId]types.Hash32, len(diff.Up)+len(diff.Down))
	for _, up := range diff.Up {
		changes[up.ID] = up.ValueHash()
	}
	for _, down := range diff.Down {
		if _, stillUp := changes[down.ID]; !stillUp {
			changes[down.ID] = types.Hash32{}
		}
	}
	return changes
}

// StateProof returns an inclusion or absence proof for id against the
// engine's current state-tree root, the primitive a client-facing Merkle
// query endpoint needs to answer "is this substate part of T" without
// trusting the node that answers (§4.2 get_proof). Returns an error if the
// engine was constructed without a TreeStore.
func (e *Engine) StateProof(id types.SubstateId) (*statetree.Proof, types.Hash32, error) {
	if e.tree == nil {
		return nil, types.Hash32{}, fmt.Errorf("consensus: state tree not configured")
	}
	root := e.CurrentStateRoot()
	proof, err := e.tree.GetProof(root, id)
	if err != nil {
		return nil, types.Hash32{}, fmt.Errorf("consensus: build state proof for %s: %w", id, err)
	}
	return proof, root, nil
}
