// Copyright 2025 Certen Protocol
//
// Decode counterparts to the canonical encoders in encoding.go, command.go,
// qc.go and block.go. The encoders exist to produce bit-exact bytes for
// hashing and signing (§6); decoding them back is only needed once a second
// consumer of the same bytes shows up, which is pkg/wire's message framing.
// Kept here rather than in pkg/wire itself since the field order these
// decoders walk is private knowledge of the encoders they mirror.

package types

import "fmt"

// Encode exposes the command's canonical form to callers outside this
// package (pkg/wire framing a Proposal message), without duplicating the
// per-variant field order encode already owns.
func (c Command) Encode(w *CanonicalWriter) {
	c.encode(w)
}

// DecodeCommand reads one command back from its canonical form.
func DecodeCommand(r *CanonicalReader) (Command, error) {
	kindRaw, err := r.ReadU8()
	if err != nil {
		return Command{}, fmt.Errorf("command kind: %w", err)
	}
	kind := CommandKind(kindRaw)

	c := Command{Kind: kind}
	switch kind {
	case CommandPrepare, CommandLocalPrepared, CommandAllPrepared, CommandSomePrepared,
		CommandLocalOnly, CommandAccept:
		txID, err := r.ReadHash()
		if err != nil {
			return Command{}, fmt.Errorf("command atom transaction id: %w", err)
		}
		decisionRaw, err := r.ReadU8()
		if err != nil {
			return Command{}, fmt.Errorf("command atom decision: %w", err)
		}
		fee, err := r.ReadU64()
		if err != nil {
			return Command{}, fmt.Errorf("command atom fee: %w", err)
		}
		leaderFee, err := r.ReadU64()
		if err != nil {
			return Command{}, fmt.Errorf("command atom leader fee: %w", err)
		}
		n, err := r.ReadU32()
		if err != nil {
			return Command{}, fmt.Errorf("command atom evidence count: %w", err)
		}
		evidence := make(Evidence, n)
		for i := uint32(0); i < n; i++ {
			key, err := r.ReadU32()
			if err != nil {
				return Command{}, fmt.Errorf("command atom evidence key: %w", err)
			}
			blockID, err := r.ReadHash()
			if err != nil {
				return Command{}, fmt.Errorf("command atom evidence block id: %w", err)
			}
			qcID, err := r.ReadHash()
			if err != nil {
				return Command{}, fmt.Errorf("command atom evidence qc id: %w", err)
			}
			evDecisionRaw, err := r.ReadU8()
			if err != nil {
				return Command{}, fmt.Errorf("command atom evidence decision: %w", err)
			}
			evidence[key] = EvidenceEntry{
				ShardGroup: DecodeShardGroup(key),
				BlockId:    blockID,
				QCId:       qcID,
				Decision:   Decision(evDecisionRaw),
			}
		}
		c.Atom = &TxAtom{
			TransactionId: txID,
			Decision:      Decision(decisionRaw),
			Fee:           fee,
			LeaderFee:     leaderFee,
			Evidence:      evidence,
		}
	case CommandForeignProposal:
		blockID, err := r.ReadHash()
		if err != nil {
			return Command{}, fmt.Errorf("command foreign block id: %w", err)
		}
		c.ForeignBlockId = &blockID
	case CommandMintConfidentialOutput:
		substateID, err := r.ReadHash()
		if err != nil {
			return Command{}, fmt.Errorf("command mint substate id: %w", err)
		}
		commitment, err := r.ReadBytes()
		if err != nil {
			return Command{}, fmt.Errorf("command mint commitment: %w", err)
		}
		rangeProof, err := r.ReadBytes()
		if err != nil {
			return Command{}, fmt.Errorf("command mint range proof: %w", err)
		}
		c.MintOutput = &MintConfidentialOutputData{SubstateId: substateID, Commitment: commitment, RangeProof: rangeProof}
	case CommandSuspendNode, CommandResumeNode:
		pubKey, err := r.ReadBytes()
		if err != nil {
			return Command{}, fmt.Errorf("command suspend/resume public key: %w", err)
		}
		c.SuspendPublicKey = pubKey
	case CommandEndEpoch:
		// no payload
	default:
		return Command{}, fmt.Errorf("command: unknown kind %d", kindRaw)
	}
	return c, nil
}

// DecodeMergedValidatorProof reads back the batch Merkle proof QC.Encode
// embeds as a length-prefixed byte string.
func DecodeMergedValidatorProof(r *CanonicalReader) (MergedValidatorProof, error) {
	raw, err := r.ReadBytes()
	if err != nil {
		return MergedValidatorProof{}, fmt.Errorf("merged validator proof bytes: %w", err)
	}
	pr := NewCanonicalReader(raw)

	nLeaves, err := pr.ReadU32()
	if err != nil {
		return MergedValidatorProof{}, fmt.Errorf("merged validator proof leaf count: %w", err)
	}
	leaves := make([]Hash32, nLeaves)
	for i := range leaves {
		leaves[i], err = pr.ReadHash()
		if err != nil {
			return MergedValidatorProof{}, fmt.Errorf("merged validator proof leaf: %w", err)
		}
	}

	nSiblings, err := pr.ReadU32()
	if err != nil {
		return MergedValidatorProof{}, fmt.Errorf("merged validator proof sibling count: %w", err)
	}
	siblings := make([][32]byte, nSiblings)
	for i := range siblings {
		b, err := pr.ReadFixed(32)
		if err != nil {
			return MergedValidatorProof{}, fmt.Errorf("merged validator proof sibling: %w", err)
		}
		copy(siblings[i][:], b)
	}

	nIndices, err := pr.ReadU32()
	if err != nil {
		return MergedValidatorProof{}, fmt.Errorf("merged validator proof index count: %w", err)
	}
	indices := make([]uint64, nIndices)
	for i := range indices {
		indices[i], err = pr.ReadU64()
		if err != nil {
			return MergedValidatorProof{}, fmt.Errorf("merged validator proof index: %w", err)
		}
	}

	if pr.Remaining() != 0 {
		return MergedValidatorProof{}, fmt.Errorf("merged validator proof: %d unexpected trailing bytes", pr.Remaining())
	}
	return MergedValidatorProof{Leaves: leaves, Siblings: siblings, Indices: indices}, nil
}

// DecodeQC reads a quorum certificate back from its canonical form, mirroring
// QuorumCertificate.Encode field for field.
func DecodeQC(r *CanonicalReader) (QuorumCertificate, error) {
	blockID, err := r.ReadHash()
	if err != nil {
		return QuorumCertificate{}, fmt.Errorf("qc block id: %w", err)
	}
	height, err := r.ReadU64()
	if err != nil {
		return QuorumCertificate{}, fmt.Errorf("qc block height: %w", err)
	}
	epoch, err := r.ReadU64()
	if err != nil {
		return QuorumCertificate{}, fmt.Errorf("qc epoch: %w", err)
	}
	shardGroupRaw, err := r.ReadU32()
	if err != nil {
		return QuorumCertificate{}, fmt.Errorf("qc shard group: %w", err)
	}
	decisionRaw, err := r.ReadU8()
	if err != nil {
		return QuorumCertificate{}, fmt.Errorf("qc decision: %w", err)
	}
	nSigs, err := r.ReadU32()
	if err != nil {
		return QuorumCertificate{}, fmt.Errorf("qc signature count: %w", err)
	}
	sigs := make([]ValidatorSignature, nSigs)
	for i := range sigs {
		pk, err := r.ReadBytes()
		if err != nil {
			return QuorumCertificate{}, fmt.Errorf("qc signer public key: %w", err)
		}
		sig, err := r.ReadBytes()
		if err != nil {
			return QuorumCertificate{}, fmt.Errorf("qc signature: %w", err)
		}
		sigs[i] = ValidatorSignature{PublicKey: pk, Signature: sig}
	}
	proof, err := DecodeMergedValidatorProof(r)
	if err != nil {
		return QuorumCertificate{}, err
	}
	justifyEpoch, err := r.ReadU64()
	if err != nil {
		return QuorumCertificate{}, fmt.Errorf("qc justify epoch: %w", err)
	}

	return QuorumCertificate{
		BlockId:           blockID,
		BlockHeight:       height,
		Epoch:             Epoch(epoch),
		ShardGroup:        DecodeShardGroup(shardGroupRaw),
		Decision:          QCDecision(decisionRaw),
		Signatures:        sigs,
		MergedMerkleProof: proof,
		JustifyEpoch:      Epoch(justifyEpoch),
	}, nil
}

// EncodeWire writes the complete wire form of a block: the same field order
// canonicalEncoding uses for hashing, plus the id and signature that
// encoding deliberately omits, so a peer can reconstruct and independently
// verify (via ComputeId) the block it just received (§6 Proposal{block}).
func (b *Block) EncodeWire(w *CanonicalWriter) {
	w.WriteHash(b.Id)
	w.WriteFixed(b.canonicalEncoding())
	w.WriteBytes(b.Signature)
}

// DecodeBlock reads a block back from its wire form. The field order below
// must track canonicalEncoding exactly; only the leading id and trailing
// signature fall outside it.
func DecodeBlock(r *CanonicalReader) (*Block, error) {
	id, err := r.ReadHash()
	if err != nil {
		return nil, fmt.Errorf("block id: %w", err)
	}
	networkTag, err := r.ReadU8()
	if err != nil {
		return nil, fmt.Errorf("block network tag: %w", err)
	}
	parentID, err := r.ReadHash()
	if err != nil {
		return nil, fmt.Errorf("block parent id: %w", err)
	}
	justify, err := DecodeQC(r)
	if err != nil {
		return nil, fmt.Errorf("block justify: %w", err)
	}
	height, err := r.ReadU64()
	if err != nil {
		return nil, fmt.Errorf("block height: %w", err)
	}
	epoch, err := r.ReadU64()
	if err != nil {
		return nil, fmt.Errorf("block epoch: %w", err)
	}
	shardGroupRaw, err := r.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("block shard group: %w", err)
	}
	proposedBy, err := r.ReadBytes()
	if err != nil {
		return nil, fmt.Errorf("block proposed_by: %w", err)
	}
	nCommands, err := r.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("block command count: %w", err)
	}
	commands := make([]Command, nCommands)
	for i := range commands {
		commands[i], err = DecodeCommand(r)
		if err != nil {
			return nil, fmt.Errorf("block command %d: %w", i, err)
		}
	}
	merkleRoot, err := r.ReadHash()
	if err != nil {
		return nil, fmt.Errorf("block merkle root: %w", err)
	}
	totalLeaderFee, err := r.ReadU64()
	if err != nil {
		return nil, fmt.Errorf("block total leader fee: %w", err)
	}
	nForeign, err := r.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("block foreign index count: %w", err)
	}
	foreignIndexes := make([]uint32, nForeign)
	for i := range foreignIndexes {
		foreignIndexes[i], err = r.ReadU32()
		if err != nil {
			return nil, fmt.Errorf("block foreign index %d: %w", i, err)
		}
	}
	timestamp, err := r.ReadU64()
	if err != nil {
		return nil, fmt.Errorf("block timestamp: %w", err)
	}
	baseLayerHeight, err := r.ReadU64()
	if err != nil {
		return nil, fmt.Errorf("block base layer height: %w", err)
	}
	baseLayerHash, err := r.ReadHash()
	if err != nil {
		return nil, fmt.Errorf("block base layer hash: %w", err)
	}
	extraDataPresent, err := r.ReadU8()
	if err != nil {
		return nil, fmt.Errorf("block extra data presence: %w", err)
	}
	var extraData []byte
	if extraDataPresent == 1 {
		extraData, err = r.ReadBytes()
		if err != nil {
			return nil, fmt.Errorf("block extra data: %w", err)
		}
	}
	signature, err := r.ReadBytes()
	if err != nil {
		return nil, fmt.Errorf("block signature: %w", err)
	}

	b := &Block{
		Id:                   id,
		ParentId:             parentID,
		NetworkTag:           networkTag,
		Epoch:                Epoch(epoch),
		ShardGroup:           DecodeShardGroup(shardGroupRaw),
		Height:               height,
		ProposedBy:           proposedBy,
		Justify:              justify,
		Commands:             commands,
		MerkleRoot:           merkleRoot,
		TotalLeaderFee:       totalLeaderFee,
		ForeignIndexes:       foreignIndexes,
		Signature:            signature,
		Timestamp:            timestamp,
		BaseLayerBlockHeight: baseLayerHeight,
		BaseLayerBlockHash:   baseLayerHash,
		ExtraData:            extraData,
	}
	if b.Id != b.ComputeId() {
		return nil, fmt.Errorf("block %s: id does not match recomputed hash", id)
	}
	return b, nil
}
