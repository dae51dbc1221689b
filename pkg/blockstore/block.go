// Copyright 2025 Certen Protocol
//
// Block validation (§4.3): runs every inbound candidate block through
// (a)-(h) in order, stopping at the first failure and reporting it as a
// ProposalValidationError rather than panicking — a validation failure is
// never fatal to the node. Grounded structurally on
// pkg/consensus/validator_block_invariants.go's accumulate-violations
// shape, adapted here to short-circuit on the first failure since §4.3
// treats validation as an ordered pipeline rather than an all-violations
// report.

package blockstore

import (
	"sort"

	"github.com/certen/dan-validator/pkg/crypto/bls"
	"github.com/certen/dan-validator/pkg/epoch"
	"github.com/certen/dan-validator/pkg/types"
)

// DomainBlockProposal is the BLS domain separation tag a leader signs a
// block id under.
const DomainBlockProposal = "DAN_BLOCK_PROPOSAL_V1"

// KnownTransactions reports whether every transaction a block's commands
// reference is either already known to the pool or simultaneously attached
// as foreign evidence, the check §4.3(h) requires.
type KnownTransactions func(txID types.TransactionId) bool

// ValidationInput bundles everything Validate needs beyond the block
// itself: the parent it extends, the epoch manager, a resolver for
// known transactions, and the Merkle root the validator independently
// computed by applying this block's accept diffs to its own copy of the
// state tree (§4.3(g) — blockstore never touches the state tree directly).
type ValidationInput struct {
	Candidate          *types.Block
	Parent             *types.Block
	EpochManager       epoch.Manager
	KnownTransactions  KnownTransactions
	ExpectedMerkleRoot types.Hash32
	MaxSizeBytes       int
	MaxCommands        int
}

// Validate runs §4.3 (a) through (h) against in.Candidate, returning the
// first ProposalValidationError encountered, or nil if every check passes.
func Validate(in ValidationInput) error {
	b := in.Candidate

	if b.IsGenesis() {
		return &ProposalValidationError{Kind: ProposingGenesisBlock}
	}

	// (a) hash matches.
	if b.ComputeId() != b.Id {
		return &ProposalValidationError{Kind: NodeHashMismatch}
	}

	// (c) leader identity matches leader(epoch, height).
	committee, err := in.EpochManager.CommitteeInfo(b.Epoch, b.ShardGroup)
	if err != nil {
		return newErr(NotLeader, "resolve committee: %v", err)
	}
	expectedLeader := committee.Leader(b.Height)
	if expectedLeader == nil || string(expectedLeader) != string(b.ProposedBy) {
		return newErr(NotLeader, "expected leader %x, block proposed by %x", expectedLeader, b.ProposedBy)
	}

	// Dummy blocks carry no signature by construction (§4.5, §9) and skip
	// (d); every other check still applies.
	if !b.IsDummy() {
		// (d) signature over id verifies against proposed_by.
		if len(b.Signature) == 0 {
			return &ProposalValidationError{Kind: MissingSignature}
		}
		pub, err := bls.PublicKeyFromBytes(b.ProposedBy)
		if err != nil {
			return newErr(InvalidSignature, "decode proposer key: %v", err)
		}
		sig, err := bls.SignatureFromBytes(b.Signature)
		if err != nil {
			return newErr(InvalidSignature, "decode signature: %v", err)
		}
		if !pub.VerifyWithDomain(sig, b.SigningBytes(), DomainBlockProposal) {
			return &ProposalValidationError{Kind: InvalidSignature}
		}
	}

	// (e) justify QC validates (§4.4).
	if err := ValidateQC(&b.Justify, b.Height, in.EpochManager); err != nil {
		if qcErr, ok := err.(*QuorumCertificateValidationError); ok {
			return &ProposalValidationError{Kind: qcErr.Kind, Details: qcErr.Details}
		}
		return newErr(QCisNotValid, "%v", err)
	}
	// A justify QC from another epoch is rejected, not carried across the
	// epoch boundary.
	if !b.Justify.IsGenesis() && b.Justify.Epoch != b.Epoch {
		return newErr(QCisNotValid, "justify epoch %d differs from block epoch %d", b.Justify.Epoch, b.Epoch)
	}

	// (f) height > justify.block_height, strictly (redundant with QC step 1
	// for non-genesis QCs, but genesis QCs skip that step entirely).
	if !b.Justify.IsGenesis() && b.Height <= b.Justify.BlockHeight {
		return &ProposalValidationError{Kind: CandidateBlockNotHigherThanJustify}
	}

	// (g) Merkle root equals the independently recomputed post-state root.
	if b.MerkleRoot != in.ExpectedMerkleRoot {
		return &ProposalValidationError{Kind: MerkleRootMismatch}
	}

	// (h) commands are well-formed, within size limits, and every
	// referenced transaction is known or simultaneously attached.
	if in.MaxCommands > 0 && len(b.Commands) > in.MaxCommands {
		return newErr(OversizedBlock, "%d commands exceeds limit %d", len(b.Commands), in.MaxCommands)
	}
	if in.MaxSizeBytes > 0 && approximateSize(b) > in.MaxSizeBytes {
		return newErr(OversizedBlock, "block exceeds max size %d bytes", in.MaxSizeBytes)
	}
	if err := validateCommandOrdering(b.Commands); err != nil {
		return err
	}
	if in.KnownTransactions != nil {
		for _, c := range b.Commands {
			if txID, ok := c.TransactionID(); ok && !in.KnownTransactions(txID) {
				return newErr(UnknownTransaction, "transaction %s", txID)
			}
		}
	}

	return nil
}

// validateCommandOrdering enforces the two ordering invariants §4.3/§4.7
// name: EndEpoch, if present, is the sole command in the block, and
// transaction commands are ordered fee-descending then transaction-id
// ascending.
func validateCommandOrdering(commands []types.Command) error {
	hasEndEpoch := false
	for _, c := range commands {
		if c.Kind == types.CommandEndEpoch {
			hasEndEpoch = true
		}
	}
	if hasEndEpoch && len(commands) != 1 {
		return newErr(CommandOrderingInvalid, "EndEpoch must be the sole command in its block")
	}

	var prev *types.TxAtom
	for _, c := range commands {
		if c.Atom == nil {
			continue
		}
		if prev != nil {
			if prev.Fee < c.Atom.Fee {
				return newErr(CommandOrderingInvalid, "commands must be fee-descending")
			}
			if prev.Fee == c.Atom.Fee && prev.TransactionId.String() > c.Atom.TransactionId.String() {
				return newErr(CommandOrderingInvalid, "commands with equal fee must be transaction-id ascending")
			}
		}
		prev = c.Atom
	}
	return nil
}

// approximateSize estimates a block's wire size by summing its commands'
// variant payload lengths; a coarse but deterministic and cheap stand-in for
// the exact canonical encoding length, sufficient for the size cap's
// purpose of bounding worst-case message size.
func approximateSize(b *types.Block) int {
	size := len(b.ProposedBy) + len(b.Signature) + len(b.ExtraData) + 128
	for _, c := range b.Commands {
		if c.Atom != nil {
			size += 64 + len(c.Atom.Evidence)*48
		}
		if c.MintOutput != nil {
			size += len(c.MintOutput.Commitment) + len(c.MintOutput.RangeProof)
		}
		size += len(c.SuspendPublicKey)
	}
	return size
}

// sortCommandsCanonically returns a copy of commands ordered fee-descending
// then transaction-id ascending, the order the leader construction path
// (§4.3) must produce and validators re-check via validateCommandOrdering.
func sortCommandsCanonically(commands []types.Command) []types.Command {
	out := append([]types.Command(nil), commands...)
	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := out[i].Atom, out[j].Atom
		if ai == nil || aj == nil {
			return false
		}
		if ai.Fee != aj.Fee {
			return ai.Fee > aj.Fee
		}
		return ai.TransactionId.String() < aj.TransactionId.String()
	})
	return out
}
