// Copyright 2025 Certen Protocol
//
// BlockStore wraps pkg/storage.Store with the narrow surface block
// construction and validation need: resolving a candidate's parent,
// building the KnownTransactions resolver Validate takes, and persisting a
// newly-accepted block. Pointer state (leaf block, high QC, locked block)
// is consensus's concern, not this package's; blockstore only ever reads
// and writes committed or candidate blocks by id/height.

package blockstore

import (
	"github.com/certen/dan-validator/pkg/storage"
	"github.com/certen/dan-validator/pkg/types"
)

// BlockStore is the persistence facade blockstore's validation and
// construction paths use.
type BlockStore struct {
	store *storage.Store
}

// New wraps an already-open storage.Store.
func New(store *storage.Store) *BlockStore {
	return &BlockStore{store: store}
}

// Parent resolves the block a candidate extends.
func (bs *BlockStore) Parent(candidate *types.Block) (*types.Block, error) {
	return bs.store.GetBlock(candidate.ParentId)
}

// Get looks up a block by id.
func (bs *BlockStore) Get(id types.BlockId) (*types.Block, error) {
	return bs.store.GetBlock(id)
}

// GetByHeight resolves the block committed at (shardGroup, height).
func (bs *BlockStore) GetByHeight(sg types.ShardGroup, height uint64) (*types.Block, error) {
	return bs.store.GetBlockByHeight(sg, height)
}

// Put persists an accepted block.
func (bs *BlockStore) Put(b *types.Block) error {
	return bs.store.PutBlock(b)
}

// Transaction returns the transaction body for id, if this store holds a
// transaction record for it. Used to answer a peer's direct request for
// transaction bodies a proposal referenced that it doesn't hold locally.
func (bs *BlockStore) Transaction(id types.TransactionId) (*types.Transaction, error) {
	rec, err := bs.store.GetTransactionRecord(id)
	if err != nil {
		return nil, err
	}
	return &rec.Transaction, nil
}

// KnownTransactionsResolver builds a KnownTransactions closure backed by
// this store: a transaction is known if it already has a pool entry or a
// finalized transaction record, or if it appears in the supplied attached
// set (evidence a ForeignProposal or sync response carries alongside the
// block itself, never persisted independently of the block that names it).
func (bs *BlockStore) KnownTransactionsResolver(attached map[types.TransactionId]struct{}) KnownTransactions {
	return func(txID types.TransactionId) bool {
		if _, ok := attached[txID]; ok {
			return true
		}
		if _, err := bs.store.GetPoolEntry(txID); err == nil {
			return true
		}
		if _, err := bs.store.GetTransactionRecord(txID); err == nil {
			return true
		}
		return false
	}
}
