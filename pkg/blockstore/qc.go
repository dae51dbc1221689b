// Copyright 2025 Certen Protocol
//
// QC validation (§4.4): resolves each signer through the epoch manager,
// verifies the merged validator-set Merkle proof, recomputes and checks
// every per-signer challenge, and enforces the quorum threshold. Grounded
// on pkg/merkle/validator_set.go's VerifyMergedProof plus
// pkg/crypto/bls.PublicKey.VerifyWithDomain for the per-signer signature
// check, composed here into the five ordered steps §4.4 lists.

package blockstore

import (
	"github.com/certen/dan-validator/pkg/crypto/bls"
	"github.com/certen/dan-validator/pkg/epoch"
	"github.com/certen/dan-validator/pkg/merkle"
	"github.com/certen/dan-validator/pkg/types"
)

// DomainQCVote is the BLS domain separation tag each validator signs a QC
// vote challenge under.
const DomainQCVote = "DAN_QC_CHALLENGE_V1"

// ValidateQC runs every §4.4 step against qc, given the height of the
// candidate block it justifies (step 1 compares against that height, not
// qc's own). The genesis QC is always valid and skips every step.
func ValidateQC(qc *types.QuorumCertificate, candidateHeight uint64, em epoch.Manager) error {
	if qc.IsGenesis() {
		return nil
	}

	// Step 1: qc.block_height >= candidate.height is forbidden.
	if qc.BlockHeight >= candidateHeight {
		return &QuorumCertificateValidationError{
			Kind:    CandidateBlockNotHigherThanJustify,
			Details: "justify.block_height must be strictly less than the candidate's height",
		}
	}

	committee, err := em.CommitteeInfo(qc.Epoch, qc.ShardGroup)
	if err != nil {
		return &QuorumCertificateValidationError{Kind: QCisNotValid, Details: err.Error()}
	}
	threshold := em.QuorumThreshold(len(committee.Validators))
	if len(qc.Signatures) < threshold {
		return &QuorumCertificateValidationError{
			Kind:    QuorumWasNotReached,
			Details: "insufficient signatures for committee quorum",
		}
	}

	tree, err := em.ValidatorSetTree(qc.Epoch)
	if err != nil {
		return &QuorumCertificateValidationError{Kind: QCisNotValid, Details: err.Error()}
	}
	root, err := em.ValidatorSetMerkleRoot(qc.Epoch)
	if err != nil {
		return &QuorumCertificateValidationError{Kind: QCisNotValid, Details: err.Error()}
	}

	// Step 2: resolve every signer and collect their leaf hashes/indices.
	// Each committee member may contribute at most one signature toward
	// quorum; otherwise a single validator's vote could be repeated to
	// satisfy the threshold alone.
	seen := make(map[string]struct{}, len(qc.Signatures))
	leaves := make([][]byte, 0, len(qc.Signatures))
	indices := make([]uint64, 0, len(qc.Signatures))
	leafHashes := make([]types.Hash32, 0, len(qc.Signatures))
	for _, sig := range qc.Signatures {
		key := string(sig.PublicKey)
		if _, dup := seen[key]; dup {
			return &QuorumCertificateValidationError{Kind: QCisNotValid, Details: "duplicate signer in quorum certificate"}
		}
		seen[key] = struct{}{}

		if _, err := em.ValidatorByPublicKey(qc.Epoch, sig.PublicKey); err != nil {
			return &QuorumCertificateValidationError{Kind: QCisNotValid, Details: "unknown signer: " + err.Error()}
		}
		idx, ok := tree.IndexOf(sig.PublicKey)
		if !ok {
			return &QuorumCertificateValidationError{Kind: QCisNotValid, Details: "signer not a committee member"}
		}
		leaf, err := tree.LeafHash(idx)
		if err != nil {
			return &QuorumCertificateValidationError{Kind: QCisNotValid, Details: err.Error()}
		}
		var leafHash types.Hash32
		copy(leafHash[:], leaf)
		leaves = append(leaves, leaf)
		indices = append(indices, uint64(idx))
		leafHashes = append(leafHashes, leafHash)
	}

	// Step 3: verify the merged Merkle proof against the validator-set root.
	ok, err := merkle.VerifyMergedProof(leaves, qc.MergedMerkleProof.Siblings, indices, tree.Depth(), root[:])
	if err != nil {
		return &QuorumCertificateValidationError{Kind: QCisNotValid, Details: err.Error()}
	}
	if !ok {
		return &QuorumCertificateValidationError{Kind: QCisNotValid, Details: "merged validator-set proof does not recompute to the committee root"}
	}

	// Step 4: recompute and verify every per-signer challenge.
	for i, sig := range qc.Signatures {
		challenge := qc.Challenge(leafHashes[i])
		pub, err := bls.PublicKeyFromBytes(sig.PublicKey)
		if err != nil {
			return &QuorumCertificateValidationError{Kind: QCInvalidSignature, Details: err.Error()}
		}
		blsSig, err := bls.SignatureFromBytes(sig.Signature)
		if err != nil {
			return &QuorumCertificateValidationError{Kind: QCInvalidSignature, Details: err.Error()}
		}
		if !pub.VerifyWithDomain(blsSig, challenge[:], DomainQCVote) {
			return &QuorumCertificateValidationError{Kind: QCInvalidSignature, Details: "signature does not verify against recomputed challenge"}
		}
	}

	return nil
}
