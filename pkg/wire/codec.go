// Copyright 2025 Certen Protocol
//
// Canonical payload encoding for each wire message kind, built on
// types.CanonicalWriter/CanonicalReader the same way block and QC encoding
// is (pkg/types/encoding.go, block.go, qc.go). Field order here is this
// package's own contract, not mirrored from anywhere else, since none of
// these message shapes existed in pkg/types before this package needed
// them.

package wire

import (
	"fmt"

	"github.com/certen/dan-validator/pkg/sync"
	"github.com/certen/dan-validator/pkg/types"
)

func encodeVote(w *types.CanonicalWriter, v *types.Vote) {
	w.WriteHash(v.BlockId)
	w.WriteU64(v.BlockHeight)
	w.WriteU64(uint64(v.Epoch))
	w.WriteU32(v.ShardGroup.Encode())
	w.WriteU8(uint8(v.Decision))
	w.WriteBytes(v.Signature.PublicKey)
	w.WriteBytes(v.Signature.Signature)
}

func decodeVote(r *types.CanonicalReader) (*types.Vote, error) {
	blockID, err := r.ReadHash()
	if err != nil {
		return nil, fmt.Errorf("vote block id: %w", err)
	}
	height, err := r.ReadU64()
	if err != nil {
		return nil, fmt.Errorf("vote block height: %w", err)
	}
	epoch, err := r.ReadU64()
	if err != nil {
		return nil, fmt.Errorf("vote epoch: %w", err)
	}
	shardGroupRaw, err := r.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("vote shard group: %w", err)
	}
	decisionRaw, err := r.ReadU8()
	if err != nil {
		return nil, fmt.Errorf("vote decision: %w", err)
	}
	pk, err := r.ReadBytes()
	if err != nil {
		return nil, fmt.Errorf("vote signer public key: %w", err)
	}
	sig, err := r.ReadBytes()
	if err != nil {
		return nil, fmt.Errorf("vote signature: %w", err)
	}
	return &types.Vote{
		BlockId:     blockID,
		BlockHeight: height,
		Epoch:       types.Epoch(epoch),
		ShardGroup:  types.DecodeShardGroup(shardGroupRaw),
		Decision:    types.QCDecision(decisionRaw),
		Signature:   types.ValidatorSignature{PublicKey: pk, Signature: sig},
	}, nil
}

func encodeTransaction(w *types.CanonicalWriter, t *types.Transaction) {
	w.WriteHash(t.ID)
	w.WriteBytes(t.FeeInstructions)
	w.WriteBytes(t.Instructions)
	w.WriteBytes(t.Signature)
	w.WriteU32(uint32(len(t.DeclaredInputs)))
	for _, in := range t.DeclaredInputs {
		w.WriteHash(in.ID).WriteU64(in.Version)
	}
	w.WriteU32(uint32(len(t.DeclaredInputRefs)))
	for _, in := range t.DeclaredInputRefs {
		w.WriteHash(in.ID).WriteU64(in.Version)
	}
	w.WriteOptionalBytes(encodeEpochPtr(t.MinEpoch), t.MinEpoch != nil)
	w.WriteOptionalBytes(encodeEpochPtr(t.MaxEpoch), t.MaxEpoch != nil)
}

func encodeEpochPtr(e *types.Epoch) []byte {
	if e == nil {
		return nil
	}
	w := types.NewCanonicalWriter()
	w.WriteU64(uint64(*e))
	return w.Bytes()
}

func decodeTransaction(r *types.CanonicalReader) (*types.Transaction, error) {
	id, err := r.ReadHash()
	if err != nil {
		return nil, fmt.Errorf("transaction id: %w", err)
	}
	feeInstructions, err := r.ReadBytes()
	if err != nil {
		return nil, fmt.Errorf("transaction fee instructions: %w", err)
	}
	instructions, err := r.ReadBytes()
	if err != nil {
		return nil, fmt.Errorf("transaction instructions: %w", err)
	}
	signature, err := r.ReadBytes()
	if err != nil {
		return nil, fmt.Errorf("transaction signature: %w", err)
	}
	declaredInputs, err := decodeVersionedSubstateIds(r)
	if err != nil {
		return nil, fmt.Errorf("transaction declared inputs: %w", err)
	}
	declaredInputRefs, err := decodeVersionedSubstateIds(r)
	if err != nil {
		return nil, fmt.Errorf("transaction declared input refs: %w", err)
	}
	minEpoch, err := decodeOptionalEpoch(r)
	if err != nil {
		return nil, fmt.Errorf("transaction min epoch: %w", err)
	}
	maxEpoch, err := decodeOptionalEpoch(r)
	if err != nil {
		return nil, fmt.Errorf("transaction max epoch: %w", err)
	}
	return &types.Transaction{
		ID:                id,
		FeeInstructions:   feeInstructions,
		Instructions:      instructions,
		Signature:         signature,
		DeclaredInputs:    declaredInputs,
		DeclaredInputRefs: declaredInputRefs,
		MinEpoch:          minEpoch,
		MaxEpoch:          maxEpoch,
	}, nil
}

func decodeVersionedSubstateIds(r *types.CanonicalReader) ([]types.VersionedSubstateId, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	out := make([]types.VersionedSubstateId, n)
	for i := range out {
		id, err := r.ReadHash()
		if err != nil {
			return nil, err
		}
		version, err := r.ReadU64()
		if err != nil {
			return nil, err
		}
		out[i] = types.VersionedSubstateId{ID: id, Version: version}
	}
	return out, nil
}

func decodeOptionalEpoch(r *types.CanonicalReader) (*types.Epoch, error) {
	present, err := r.ReadU8()
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	raw, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}
	inner := types.NewCanonicalReader(raw)
	v, err := inner.ReadU64()
	if err != nil {
		return nil, err
	}
	e := types.Epoch(v)
	return &e, nil
}

func encodeSyncRequest(w *types.CanonicalWriter, req *sync.SyncRequest) {
	req.HighQC.Encode(w)
}

func decodeSyncRequest(r *types.CanonicalReader) (*sync.SyncRequest, error) {
	qc, err := types.DecodeQC(r)
	if err != nil {
		return nil, fmt.Errorf("sync request high qc: %w", err)
	}
	return &sync.SyncRequest{HighQC: qc}, nil
}

func encodeCatchUpSyncRequest(w *types.CanonicalWriter, req *sync.CatchUpSyncRequest) {
	req.HighQC.Encode(w)
}

func decodeCatchUpSyncRequest(r *types.CanonicalReader) (*sync.CatchUpSyncRequest, error) {
	qc, err := types.DecodeQC(r)
	if err != nil {
		return nil, fmt.Errorf("catch up sync request high qc: %w", err)
	}
	return &sync.CatchUpSyncRequest{HighQC: qc}, nil
}

func encodeSyncResponse(w *types.CanonicalWriter, resp *sync.SyncResponse) {
	w.WriteU32(uint32(len(resp.Blocks)))
	for _, b := range resp.Blocks {
		b.EncodeWire(w)
	}
}

func decodeSyncResponse(r *types.CanonicalReader) (*sync.SyncResponse, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("sync response block count: %w", err)
	}
	blocks := make([]*types.Block, n)
	for i := range blocks {
		b, err := types.DecodeBlock(r)
		if err != nil {
			return nil, fmt.Errorf("sync response block %d: %w", i, err)
		}
		blocks[i] = b
	}
	return &sync.SyncResponse{Blocks: blocks}, nil
}

func encodeRequestMissingTransactions(w *types.CanonicalWriter, req *RequestMissingTransactions) {
	w.WriteHash(req.BlockId)
	w.WriteU64(uint64(req.Epoch))
	w.WriteU32(uint32(len(req.Transactions)))
	for _, id := range req.Transactions {
		w.WriteHash(id)
	}
}

func decodeRequestMissingTransactions(r *types.CanonicalReader) (*RequestMissingTransactions, error) {
	blockID, err := r.ReadHash()
	if err != nil {
		return nil, fmt.Errorf("request missing transactions block id: %w", err)
	}
	epoch, err := r.ReadU64()
	if err != nil {
		return nil, fmt.Errorf("request missing transactions epoch: %w", err)
	}
	n, err := r.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("request missing transactions count: %w", err)
	}
	ids := make([]types.TransactionId, n)
	for i := range ids {
		ids[i], err = r.ReadHash()
		if err != nil {
			return nil, fmt.Errorf("request missing transactions id %d: %w", i, err)
		}
	}
	return &RequestMissingTransactions{BlockId: blockID, Epoch: types.Epoch(epoch), Transactions: ids}, nil
}

func encodeMissingTransactionsResponse(w *types.CanonicalWriter, resp *MissingTransactionsResponse) {
	w.WriteHash(resp.BlockId)
	w.WriteU32(uint32(len(resp.Transactions)))
	for _, tx := range resp.Transactions {
		encodeTransaction(w, tx)
	}
}

func decodeMissingTransactionsResponse(r *types.CanonicalReader) (*MissingTransactionsResponse, error) {
	blockID, err := r.ReadHash()
	if err != nil {
		return nil, fmt.Errorf("missing transactions response block id: %w", err)
	}
	n, err := r.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("missing transactions response count: %w", err)
	}
	txs := make([]*types.Transaction, n)
	for i := range txs {
		tx, err := decodeTransaction(r)
		if err != nil {
			return nil, fmt.Errorf("missing transactions response transaction %d: %w", i, err)
		}
		txs[i] = tx
	}
	return &MissingTransactionsResponse{BlockId: blockID, Transactions: txs}, nil
}
