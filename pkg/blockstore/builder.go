// Copyright 2025 Certen Protocol
//
// Leader construction path (§4.3): composes an ordered command list from
// the pool's ready transactions and the foreign-ready set, subject to block
// size, per-command legality, end-of-epoch exclusivity, and missed-
// participation accounting. Grounded on
// pkg/consensus/validator_block_builder.go's staged "=== N.M name ===
// section" build pipeline, generalized from one-shot intent-to-block
// conversion into a repeated per-height build call over whatever is ready.

package blockstore

import (
	"fmt"

	"github.com/certen/dan-validator/pkg/epoch"
	"github.com/certen/dan-validator/pkg/types"
)

// ReadyAtom is a local transaction ready to be proposed, paired with the
// command kind its current pool stage licenses (Prepare/LocalPrepared/
// AllPrepared/SomePrepared/LocalOnly/Accept per §4.7).
type ReadyAtom struct {
	Kind types.CommandKind
	Atom types.TxAtom
}

// BuildInput bundles everything the leader snapshots before composing a
// block (§4.5 "Proposing" step 1).
type BuildInput struct {
	Parent             *types.Block
	Justify            types.QuorumCertificate
	Height             uint64
	Epoch              types.Epoch
	ShardGroup         types.ShardGroup
	ProposedBy         []byte
	ReadyAtoms         []ReadyAtom
	ForeignReady       []types.BlockId // foreign blocks eligible for ForeignProposal
	MintOutputs        []types.MintConfidentialOutputData
	EndOfEpoch         bool
	StatsByValidator   map[string]*types.ValidatorConsensusStats
	MissedProposalCap  uint64
	SuspendThreshold   uint64
	MaxCommands        int
	Timestamp          uint64
	PostStateRoot      types.Hash32
	TotalLeaderFee     uint64
}

// BuildCandidate composes an unsigned candidate block body from in,
// applying the ordering and legality rules §4.3 requires. The caller signs
// the result (SigningBytes/ComputeId) and fills in base-layer anchor
// fields. Returns an error only when the ordered command list exceeds
// in.MaxCommands, never for ordinary emptiness. When in.EndOfEpoch is set
// the block carries EndEpoch alone and every other ready item is left out.
func BuildCandidate(in BuildInput) (*types.Block, error) {
	commands := OrderedCommands(in)

	if in.MaxCommands > 0 && len(commands) > in.MaxCommands {
		return nil, fmt.Errorf("blockstore: %d ready commands exceeds max_commands %d for height %d", len(commands), in.MaxCommands, in.Height)
	}

	// foreign_indexes names the shard groups a ForeignProposal command draws
	// evidence from; the builder has no foreign-group context of its own, so
	// it leaves this to the caller's foreign handler to fill in before
	// signing whenever in.ForeignReady is non-empty.
	var foreignIndexes []uint32

	b := &types.Block{
		ParentId:       in.Parent.Id,
		NetworkTag:     in.Parent.NetworkTag,
		Epoch:          in.Epoch,
		ShardGroup:     in.ShardGroup,
		Height:         in.Height,
		ProposedBy:     in.ProposedBy,
		Justify:        in.Justify,
		Commands:       commands,
		MerkleRoot:     in.PostStateRoot,
		TotalLeaderFee: in.TotalLeaderFee,
		ForeignIndexes: foreignIndexes,
		Timestamp:      in.Timestamp,

		BaseLayerBlockHeight: in.Parent.BaseLayerBlockHeight,
		BaseLayerBlockHash:   in.Parent.BaseLayerBlockHash,
	}
	b.Id = b.ComputeId()
	return b, nil
}

// OrderedCommands assembles in's command list in the same order
// BuildCandidate embeds it in the signed block, without doing any of the
// signing or size-checking work. A leader's pacemaker calls this ahead of
// BuildCandidate to predict the post-state Merkle root the about-to-be-built
// block will need to embed (§4.2), so the two must never diverge.
func OrderedCommands(in BuildInput) []types.Command {
	if in.EndOfEpoch {
		return []types.Command{types.EndEpochCommand()}
	}

	var commands []types.Command
	for _, ra := range in.ReadyAtoms {
		commands = append(commands, commandFromAtom(ra))
	}
	commands = sortCommandsCanonically(commands)

	for _, fb := range in.ForeignReady {
		commands = append(commands, types.ForeignProposalCommand(fb))
	}
	for _, mo := range in.MintOutputs {
		commands = append(commands, types.MintConfidentialOutputCommand(mo))
	}
	commands = append(commands, suspendResumeCommands(in.StatsByValidator, in.MissedProposalCap, in.SuspendThreshold)...)
	return commands
}

func commandFromAtom(ra ReadyAtom) types.Command {
	switch ra.Kind {
	case types.CommandPrepare:
		return types.PrepareCommand(ra.Atom)
	case types.CommandLocalPrepared:
		return types.LocalPreparedCommand(ra.Atom)
	case types.CommandAllPrepared:
		return types.AllPreparedCommand(ra.Atom)
	case types.CommandSomePrepared:
		return types.SomePreparedCommand(ra.Atom)
	case types.CommandLocalOnly:
		return types.LocalOnlyCommand(ra.Atom)
	default:
		return types.AcceptCommand(ra.Atom)
	}
}

// suspendResumeCommands emits SuspendNode for any validator whose
// consecutive-miss count has crossed suspendThreshold and isn't already
// suspended, and ResumeNode for any suspended validator whose miss streak
// has reset below the cap (§4.3 "missing-participation accounting").
func suspendResumeCommands(stats map[string]*types.ValidatorConsensusStats, missedProposalCap, suspendThreshold uint64) []types.Command {
	var out []types.Command
	for pubKey, s := range stats {
		switch {
		case !s.Suspended && s.ConsecutiveMisses >= suspendThreshold:
			out = append(out, types.SuspendNodeCommand([]byte(pubKey)))
		case s.Suspended && s.ConsecutiveMisses < missedProposalCap:
			out = append(out, types.ResumeNodeCommand([]byte(pubKey)))
		}
	}
	return out
}

// committeeLeaderFor is a thin pass-through used by callers that only have
// an epoch manager and want the expected leader without going through the
// full block validator.
func committeeLeaderFor(em epoch.Manager, epochNum types.Epoch, sg types.ShardGroup, height uint64) ([]byte, error) {
	committee, err := em.CommitteeInfo(epochNum, sg)
	if err != nil {
		return nil, err
	}
	return committee.Leader(height), nil
}
