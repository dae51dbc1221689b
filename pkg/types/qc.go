// Copyright 2025 Certen Protocol
//
// Quorum certificates (§3, §4.4).

package types

// QCDecision is the outcome a quorum certified for a block.
type QCDecision uint8

const (
	QCAccept QCDecision = iota
	QCReject
)

// ValidatorSignature is one validator's signature over a QC's challenge.
type ValidatorSignature struct {
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
}

// QuorumCertificate aggregates >= quorum_threshold signatures attesting that
// a committee agreed on block_id at block_height (§3).
type QuorumCertificate struct {
	BlockId     BlockId              `json:"block_id"`
	BlockHeight uint64               `json:"block_height"`
	Epoch       Epoch                `json:"epoch"`
	ShardGroup  ShardGroup           `json:"shard_group"`
	Decision    QCDecision           `json:"decision"`
	Signatures  []ValidatorSignature `json:"signatures"`

	// MergedMerkleProof authenticates every signer in Signatures against the
	// epoch manager's validator-set Merkle root (§4.4 step 3) in a single
	// batch proof rather than one proof per signer.
	MergedMerkleProof MergedValidatorProof `json:"merged_merkle_proof_over_validator_set"`

	JustifyEpoch Epoch `json:"justify_epoch"`
}

// GenesisQC is the all-zero sentinel justifying the genesis block (§3).
func GenesisQC() QuorumCertificate {
	return QuorumCertificate{}
}

// IsGenesis reports whether this QC is the all-zero sentinel.
func (qc *QuorumCertificate) IsGenesis() bool {
	return qc.BlockId.IsZero() && qc.BlockHeight == 0 && len(qc.Signatures) == 0
}

// Challenge returns the per-signer challenge each validator signs:
// H(leaf_hash || block_id || decision) (§4.4 step 4). leafHash is the
// validator-set Merkle leaf hash for the signing validator's public key,
// supplied by the epoch manager.
func (qc *QuorumCertificate) Challenge(leafHash Hash32) Hash32 {
	w := NewCanonicalWriter()
	w.WriteHash(leafHash)
	w.WriteHash(qc.BlockId)
	w.WriteU8(uint8(qc.Decision))
	return Blake2b256(domainQCChallenge, w.Bytes())
}

// Encode writes the QC's canonical form, used both for hashing (a QC never
// needs its own id, but is embedded inside a block's canonical encoding) and
// for wire framing.
func (qc *QuorumCertificate) Encode(w *CanonicalWriter) {
	w.WriteHash(qc.BlockId)
	w.WriteU64(qc.BlockHeight)
	w.WriteU64(uint64(qc.Epoch))
	w.WriteU32(qc.ShardGroup.Encode())
	w.WriteU8(uint8(qc.Decision))
	w.WriteU32(uint32(len(qc.Signatures)))
	for _, sig := range qc.Signatures {
		w.WriteBytes(sig.PublicKey)
		w.WriteBytes(sig.Signature)
	}
	w.WriteBytes(qc.MergedMerkleProof.Encode())
	w.WriteU64(uint64(qc.JustifyEpoch))
}

// MergedValidatorProof is a single batch Merkle proof covering every signer
// leaf in a QC against the epoch's validator-set root (§4.4 step 3).
type MergedValidatorProof struct {
	Leaves   []Hash32   `json:"leaves"`
	Siblings [][32]byte `json:"siblings"`
	Indices  []uint64   `json:"indices"`
}

func (p MergedValidatorProof) Encode() []byte {
	w := NewCanonicalWriter()
	w.WriteU32(uint32(len(p.Leaves)))
	for _, l := range p.Leaves {
		w.WriteHash(l)
	}
	w.WriteU32(uint32(len(p.Siblings)))
	for _, s := range p.Siblings {
		w.WriteFixed(s[:])
	}
	w.WriteU32(uint32(len(p.Indices)))
	for _, idx := range p.Indices {
		w.WriteU64(idx)
	}
	return w.Bytes()
}
