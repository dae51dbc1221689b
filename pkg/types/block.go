// Copyright 2025 Certen Protocol
//
// Block: the consensus unit (§3). Canonical encoding and id computation
// follow §6 field order exactly, since the signature is computed over the
// id and any reordering would be a hard fork.

package types

// Block is a candidate or committed unit of the chain.
type Block struct {
	Id         BlockId `json:"id"`
	ParentId   BlockId `json:"parent_id"`
	NetworkTag uint8   `json:"network_tag"`
	Epoch      Epoch   `json:"epoch"`
	ShardGroup ShardGroup `json:"shard_group"`
	Height     uint64  `json:"height"`
	ProposedBy []byte  `json:"proposed_by"` // public key

	Justify QuorumCertificate `json:"justify"`

	Commands []Command `json:"commands"`

	MerkleRoot      Hash32   `json:"merkle_root"`
	TotalLeaderFee  uint64   `json:"total_leader_fee"`
	ForeignIndexes  []uint32 `json:"foreign_indexes"` // ShardGroup.Encode() values referenced by ForeignProposal commands

	Signature []byte `json:"signature,omitempty"`

	Timestamp uint64 `json:"timestamp"` // seconds

	BaseLayerBlockHeight uint64  `json:"base_layer_block_height"`
	BaseLayerBlockHash   Hash32  `json:"base_layer_block_hash"`

	ExtraData []byte `json:"extra_data,omitempty"`
}

// IsGenesis reports whether this is the unsigned, height-0 genesis block,
// which is never voted on (§3).
func (b *Block) IsGenesis() bool {
	return b.Height == 0 && b.ParentId.IsZero()
}

// IsDummy reports whether this is a pacemaker-generated view-change filler
// block: no commands, no signature (§4.5, §9 "Dummy block canonical form",
// resolved in SPEC_FULL.md).
func (b *Block) IsDummy() bool {
	return len(b.Signature) == 0 && len(b.Commands) == 0 && !b.IsGenesis()
}

// canonicalEncoding writes every field except Signature, in the exact order
// specified in §6, so `id = H(encoding)` is stable and the signature can be
// computed/verified over that id.
func (b *Block) canonicalEncoding() []byte {
	w := NewCanonicalWriter()
	w.WriteU8(b.NetworkTag)
	w.WriteHash(b.ParentId)
	b.Justify.Encode(w)
	w.WriteU64(b.Height)
	w.WriteU64(uint64(b.Epoch))
	w.WriteU32(b.ShardGroup.Encode())
	w.WriteBytes(b.ProposedBy)

	w.WriteU32(uint32(len(b.Commands)))
	for _, c := range b.Commands {
		c.encode(w)
	}

	w.WriteHash(b.MerkleRoot)
	w.WriteU64(b.TotalLeaderFee)

	w.WriteU32(uint32(len(b.ForeignIndexes)))
	for _, idx := range b.ForeignIndexes {
		w.WriteU32(idx)
	}

	w.WriteU64(b.Timestamp)
	w.WriteU64(b.BaseLayerBlockHeight)
	w.WriteHash(b.BaseLayerBlockHash)
	w.WriteOptionalBytes(b.ExtraData, b.ExtraData != nil)

	return w.Bytes()
}

// ComputeId returns H(canonical_encoding(block without signature)) (§3
// invariant 1, §6).
func (b *Block) ComputeId() BlockId {
	return Blake2b256(domainBlock, b.canonicalEncoding())
}

// SigningBytes returns the bytes a validator signs to produce Block.Signature:
// the block id itself, per §6 "The signature is over id = H(encoding)".
func (b *Block) SigningBytes() []byte {
	id := b.ComputeId()
	return id[:]
}

// ExtendsID reports whether b descends from ancestor via parent links,
// scanning a resolver function the caller supplies (the block store), up to
// maxDepth hops to bound the walk.
func (b *Block) ExtendsID(ancestorID BlockId, getParent func(BlockId) (*Block, bool), maxDepth int) bool {
	cur := b
	for i := 0; i < maxDepth; i++ {
		if cur.Id == ancestorID {
			return true
		}
		if cur.IsGenesis() {
			return false
		}
		parent, ok := getParent(cur.ParentId)
		if !ok {
			return false
		}
		cur = parent
	}
	return false
}

// NewDummyBlock constructs the locally-generated placeholder produced after
// a leader timeout (§4.5, resolved form documented in SPEC_FULL.md):
// no commands, no signature, merkle_root carried forward unchanged from the
// parent (no state transition), proposed_by set to the *expected* leader for
// this height so equivocation detection still applies to dummy production.
func NewDummyBlock(parent *Block, expectedHeight uint64, expectedLeader []byte, justify QuorumCertificate, tickTime uint64) *Block {
	b := &Block{
		ParentId:             parent.Id,
		NetworkTag:           parent.NetworkTag,
		Epoch:                parent.Epoch,
		ShardGroup:           parent.ShardGroup,
		Height:               expectedHeight,
		ProposedBy:           expectedLeader,
		Justify:              justify,
		Commands:             nil,
		MerkleRoot:           parent.MerkleRoot,
		TotalLeaderFee:       0,
		ForeignIndexes:       nil,
		Signature:            nil,
		Timestamp:            tickTime,
		BaseLayerBlockHeight: parent.BaseLayerBlockHeight,
		BaseLayerBlockHash:   parent.BaseLayerBlockHash,
	}
	b.Id = b.ComputeId()
	return b
}
