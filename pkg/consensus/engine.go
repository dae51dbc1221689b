// Copyright 2025 Certen Protocol
//
// Proposal handling, voting, and leader-side vote aggregation (§4.5): the
// three operations the pacemaker drives the engine through on every tick.

package consensus

import (
	"fmt"
	"sync"

	"github.com/certen/dan-validator/pkg/blockstore"
	"github.com/certen/dan-validator/pkg/merkle"
	"github.com/certen/dan-validator/pkg/types"
)

// ProposalContext carries what the engine cannot derive on its own: the
// post-state Merkle root the caller independently computed by speculatively
// applying the candidate's accept diffs to its own copy of T, and a
// resolver for whether a referenced transaction is known (§4.3(g)-(h)).
type ProposalContext struct {
	ExpectedMerkleRoot types.Hash32
	KnownTransactions  blockstore.KnownTransactions
}

// HandleProposal validates an inbound candidate (§4.3/§4.4), applies the
// voting rule (§4.5/§4.7), and if the vote is granted, signs and returns it
// along with the pool/pointer-state side effects already applied. A
// withheld vote is reported via reason, never as an error; an error return
// means the proposal was structurally invalid and discarded.
func (e *Engine) HandleProposal(candidate *types.Block, ctx ProposalContext) (*types.Vote, NoVoteReason, error) {
	parent, err := e.cfg.Blocks.Parent(candidate)
	if err != nil {
		return nil, ShouldNotVote, fmt.Errorf("consensus: resolve parent: %w", err)
	}

	verr := blockstore.Validate(blockstore.ValidationInput{
		Candidate:          candidate,
		Parent:             parent,
		EpochManager:       e.cfg.EpochManager,
		KnownTransactions:  ctx.KnownTransactions,
		ExpectedMerkleRoot: ctx.ExpectedMerkleRoot,
		MaxSizeBytes:       e.cfg.MaxSizeBytes,
		MaxCommands:        e.cfg.MaxCommands,
	})
	if verr != nil {
		return nil, ShouldNotVote, verr
	}

	if err := e.cfg.Blocks.Put(candidate); err != nil {
		return nil, ShouldNotVote, fmt.Errorf("consensus: persist candidate: %w", err)
	}
	if err := e.TryCommit(candidate.Justify); err != nil {
		e.logger.Printf("three-chain commit check failed for %s: %v", candidate.Id, err)
	}

	ok, reason := e.ShouldVote(candidate)
	if !ok {
		if e.cfg.OnNoVote != nil {
			e.cfg.OnNoVote(candidate, reason)
		}
		return nil, reason, nil
	}

	e.mu.Lock()
	e.lastVotedHeight = candidate.Height
	e.leaf = candidate
	e.mu.Unlock()

	vote, err := e.signVote(candidate)
	if err != nil {
		return nil, ShouldNotVote, fmt.Errorf("consensus: sign vote: %w", err)
	}
	return vote, ShouldNotVote, nil
}

// Propose composes, signs and persists the next candidate block as leader,
// using whatever the caller has staged in in.ReadyAtoms/ForeignReady/
// MintOutputs. It fills Parent/Justify/Height/Epoch/ShardGroup/ProposedBy
// from the engine's own pointer state; the caller supplies everything
// content-dependent (ready transactions, stats snapshot, timestamp,
// post-state root). Voting bookkeeping happens later, when the leader runs
// its own proposal back through HandleProposal like any other replica.
func (e *Engine) Propose(in blockstore.BuildInput) (*types.Block, error) {
	if e.cfg.SelfPrivKey == nil {
		return nil, fmt.Errorf("consensus: no signing key configured")
	}

	e.mu.Lock()
	in.Parent = e.leaf
	in.Justify = e.highQC
	in.Height = e.leaf.Height + 1
	in.Epoch = e.epochNum
	e.mu.Unlock()

	in.ShardGroup = e.cfg.ShardGroup
	in.ProposedBy = e.cfg.SelfPubKey

	b, err := blockstore.BuildCandidate(in)
	if err != nil {
		return nil, fmt.Errorf("consensus: build candidate: %w", err)
	}

	sig := e.cfg.SelfPrivKey.SignWithDomain(b.SigningBytes(), blockstore.DomainBlockProposal)
	b.Signature = sig.Bytes()
	b.Id = b.ComputeId()

	if err := e.cfg.Blocks.Put(b); err != nil {
		return nil, fmt.Errorf("consensus: persist proposed block: %w", err)
	}

	return b, nil
}

// signVote signs the same per-signer challenge ValidateQC recomputes
// (§4.4 step 4): H(leaf_hash || block_id || decision), where leaf_hash is
// this validator's own leaf in the epoch's validator-set tree.
func (e *Engine) signVote(candidate *types.Block) (*types.Vote, error) {
	if e.cfg.SelfPrivKey == nil {
		return nil, fmt.Errorf("consensus: no signing key configured")
	}
	tree, err := e.cfg.EpochManager.ValidatorSetTree(candidate.Epoch)
	if err != nil {
		return nil, fmt.Errorf("consensus: resolve validator set tree: %w", err)
	}
	idx, ok := tree.IndexOf(e.cfg.SelfPubKey)
	if !ok {
		return nil, fmt.Errorf("consensus: self public key is not a committee member for epoch %d", candidate.Epoch)
	}
	leaf, err := tree.LeafHash(idx)
	if err != nil {
		return nil, fmt.Errorf("consensus: resolve own leaf hash: %w", err)
	}
	var leafHash types.Hash32
	copy(leafHash[:], leaf)

	decision := types.QCAccept
	qc := types.QuorumCertificate{
		BlockId:     candidate.Id,
		BlockHeight: candidate.Height,
		Epoch:       candidate.Epoch,
		ShardGroup:  candidate.ShardGroup,
		Decision:    decision,
	}
	challenge := qc.Challenge(leafHash)
	sig := e.cfg.SelfPrivKey.SignWithDomain(challenge[:], blockstore.DomainQCVote)
	return &types.Vote{
		BlockId:     candidate.Id,
		BlockHeight: candidate.Height,
		Epoch:       candidate.Epoch,
		ShardGroup:  candidate.ShardGroup,
		Decision:    decision,
		Signature: types.ValidatorSignature{
			PublicKey: e.cfg.SelfPubKey,
			Signature: sig.Bytes(),
		},
	}, nil
}

// VoteAggregator accumulates votes per block until quorum, then builds a
// QuorumCertificate (§4.4). One aggregator instance is expected to live for
// the lifetime of a single height's voting round.
type VoteAggregator struct {
	mu    sync.Mutex
	votes map[types.BlockId]map[string]types.ValidatorSignature
}

func NewVoteAggregator() *VoteAggregator {
	return &VoteAggregator{votes: make(map[types.BlockId]map[string]types.ValidatorSignature)}
}

// HandleVote folds in one validator's vote; when the committee's quorum
// threshold is reached for that block, it returns the assembled QC. Returns
// (nil, false, nil) while still short of quorum.
func (e *Engine) HandleVote(agg *VoteAggregator, v types.Vote) (*types.QuorumCertificate, bool, error) {
	committee, err := e.cfg.EpochManager.CommitteeInfo(v.Epoch, v.ShardGroup)
	if err != nil {
		return nil, false, fmt.Errorf("consensus: resolve committee for vote: %w", err)
	}
	threshold := e.cfg.EpochManager.QuorumThreshold(len(committee.Validators))

	agg.mu.Lock()
	bucket, ok := agg.votes[v.BlockId]
	if !ok {
		bucket = make(map[string]types.ValidatorSignature)
		agg.votes[v.BlockId] = bucket
	}
	bucket[string(v.Signature.PublicKey)] = v.Signature
	count := len(bucket)
	agg.mu.Unlock()

	if count < threshold {
		return nil, false, nil
	}

	tree, err := e.cfg.EpochManager.ValidatorSetTree(v.Epoch)
	if err != nil {
		return nil, false, fmt.Errorf("consensus: resolve validator set tree: %w", err)
	}

	qc := types.QuorumCertificate{
		BlockId:      v.BlockId,
		BlockHeight:  v.BlockHeight,
		Epoch:        v.Epoch,
		ShardGroup:   v.ShardGroup,
		Decision:     v.Decision,
		JustifyEpoch: v.Epoch,
	}

	agg.mu.Lock()
	bucket = agg.votes[v.BlockId]
	agg.mu.Unlock()

	indices := make([]int, 0, len(bucket))
	for pubKey, sig := range bucket {
		idx, ok := tree.IndexOf([]byte(pubKey))
		if !ok {
			continue
		}
		qc.Signatures = append(qc.Signatures, sig)
		indices = append(indices, idx)
	}

	mp, err := tree.BuildMergedProof(indices)
	if err != nil {
		return nil, false, fmt.Errorf("consensus: build merged proof: %w", err)
	}
	qc.MergedMerkleProof = mergedProofToWire(mp)

	return &qc, true, nil
}

func mergedProofToWire(mp *merkle.MergedProof) types.MergedValidatorProof {
	out := types.MergedValidatorProof{Siblings: mp.Siblings, Indices: mp.Indices}
	for _, l := range mp.Leaves {
		var h types.Hash32
		copy(h[:], l)
		out.Leaves = append(out.Leaves, h)
	}
	return out
}
