// Copyright 2025 Certen Protocol
//
// Store is the state store S (§4.1): the single source of truth for
// blocks, QCs (embedded in blocks via Justify), transaction records, pool
// entries, substates, substate locks, foreign proposals, the state-transition
// log and validator participation stats. Backed by pkg/kvdb's cometbft-db
// adapter, mirroring the teacher's repository-over-a-driver-handle shape
// (pkg/database.Client) but over a KV store instead of Postgres, since S's
// access pattern is point lookups by content hash rather than relational
// queries.

package storage

import (
	"encoding/json"
	"log"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/certen/dan-validator/pkg/kvdb"
	"github.com/certen/dan-validator/pkg/types"
)

// Store wraps a KVAdapter with typed accessors for every entity S holds.
type Store struct {
	kv     *kvdb.KVAdapter
	logger *log.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New wraps an already-open KVAdapter.
func New(kv *kvdb.KVAdapter, opts ...Option) (*Store, error) {
	if kv == nil {
		return nil, ErrNilAdapter
	}
	s := &Store{
		kv:     kv,
		logger: log.New(log.Writer(), "[Storage] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) get(key []byte, out interface{}) error {
	raw, err := s.kv.Get(key)
	if err != nil {
		return err
	}
	if raw == nil {
		return ErrNotFound
	}
	return json.Unmarshal(raw, out)
}

func (s *Store) put(key []byte, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.kv.Set(key, raw)
}

// PutBlock persists a block and its height index entry.
func (s *Store) PutBlock(b *types.Block) error {
	batch := s.kv.NewBatch()
	defer batch.Close()

	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	if err := batch.Set(blockKey(b.Id), raw); err != nil {
		return err
	}
	if err := batch.Set(blockHeightIndexKey(b.ShardGroup, b.Height), b.Id[:]); err != nil {
		return err
	}
	return batch.WriteSync()
}

// GetBlock looks up a block by id.
func (s *Store) GetBlock(id types.BlockId) (*types.Block, error) {
	var b types.Block
	if err := s.get(blockKey(id), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBlockByHeight resolves the block id committed at (shardGroup, height)
// and loads it, used by the sync subsystem to serve range requests (§4.10).
func (s *Store) GetBlockByHeight(sg types.ShardGroup, height uint64) (*types.Block, error) {
	raw, err := s.kv.Get(blockHeightIndexKey(sg, height))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	var id types.BlockId
	copy(id[:], raw)
	return s.GetBlock(id)
}

// PutTransactionRecord persists a transaction record.
func (s *Store) PutTransactionRecord(r *types.TransactionRecord) error {
	return s.put(transactionRecordKey(r.Transaction.ID), r)
}

// GetTransactionRecord looks up a transaction record by transaction id.
func (s *Store) GetTransactionRecord(id types.TransactionId) (*types.TransactionRecord, error) {
	var r types.TransactionRecord
	if err := s.get(transactionRecordKey(id), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// PutPoolEntry persists a pool entry.
func (s *Store) PutPoolEntry(e *types.PoolEntry) error {
	return s.put(poolEntryKey(e.TransactionId), e)
}

// GetPoolEntry looks up a pool entry by transaction id.
func (s *Store) GetPoolEntry(id types.TransactionId) (*types.PoolEntry, error) {
	var e types.PoolEntry
	if err := s.get(poolEntryKey(id), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// DeletePoolEntry removes a pool entry once it reaches a terminal stage and
// has been archived into the transaction record (the pool itself only holds
// in-flight entries).
func (s *Store) DeletePoolEntry(id types.TransactionId) error {
	return s.kv.Delete(poolEntryKey(id))
}

// ListPoolEntries enumerates every pool entry currently held, in key order.
// Used by the leader's block-building path to find ready transactions; not
// on any hot per-transaction lookup path.
func (s *Store) ListPoolEntries() ([]*types.PoolEntry, error) {
	prefix := []byte{prefixPoolEntry}
	end := append([]byte{}, prefix...)
	end[len(end)-1]++
	it, err := s.kv.Iterator(prefix, end)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []*types.PoolEntry
	for ; it.Valid(); it.Next() {
		var e types.PoolEntry
		if err := json.Unmarshal(it.Value(), &e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, it.Error()
}

// PutSubstate persists one versioned substate row. Substate rows are never
// deleted once "up" (§3): a destroy rewrites the row via the same key to set
// DestroyedBy, it never removes it.
func (s *Store) PutSubstate(sub *types.Substate) error {
	return s.put(substateKey(sub.ID, sub.Version), sub)
}

// GetSubstate looks up a specific version of a substate.
func (s *Store) GetSubstate(id types.SubstateId, version uint64) (*types.Substate, error) {
	var sub types.Substate
	if err := s.get(substateKey(id, version), &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// PutSubstateLock acquires a lock row, failing with ErrLockConflict if an
// incompatible lock is already held (§4.7 pledge/lock management).
func (s *Store) PutSubstateLock(lock *types.SubstateLock) error {
	existing, err := s.GetSubstateLock(lock.SubstateId)
	if err != nil && !IsNotFound(err) {
		return err
	}
	if err == nil && existing.Conflicts(lock) {
		return ErrLockConflict
	}
	return s.put(substateLockKey(lock.SubstateId), lock)
}

// GetSubstateLock looks up the lock held over a versioned substate id, if any.
func (s *Store) GetSubstateLock(v types.VersionedSubstateId) (*types.SubstateLock, error) {
	var lock types.SubstateLock
	if err := s.get(substateLockKey(v), &lock); err != nil {
		return nil, err
	}
	return &lock, nil
}

// ReleaseSubstateLock drops a lock once its owning transaction commits or
// aborts.
func (s *Store) ReleaseSubstateLock(v types.VersionedSubstateId) error {
	return s.kv.Delete(substateLockKey(v))
}

// PutForeignProposal persists a received foreign proposal, keyed by the
// foreign block's own id.
func (s *Store) PutForeignProposal(fp *types.ForeignProposal) error {
	return s.put(foreignProposalKey(fp.Block.Id), fp)
}

// GetForeignProposal looks up a foreign proposal by the foreign block id.
func (s *Store) GetForeignProposal(blockID types.BlockId) (*types.ForeignProposal, error) {
	var fp types.ForeignProposal
	if err := s.get(foreignProposalKey(blockID), &fp); err != nil {
		return nil, err
	}
	return &fp, nil
}

// PutStateTransition appends an entry to the state-transition log.
func (s *Store) PutStateTransition(st *types.StateTransition) error {
	return s.put(stateTransitionKey(st.Id), st)
}

// GetStateTransition looks up a logged state transition by id.
func (s *Store) GetStateTransition(id types.StateTransitionId) (*types.StateTransition, error) {
	var st types.StateTransition
	if err := s.get(stateTransitionKey(id), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// PutValidatorStats persists one validator's consensus participation stats.
func (s *Store) PutValidatorStats(stats *types.ValidatorConsensusStats) error {
	return s.put(validatorStatsKey(stats.PublicKey), stats)
}

// GetValidatorStats looks up a validator's consensus participation stats,
// returning a fresh zero-value record (not ErrNotFound) if none exists yet,
// matching the teacher's health monitor convention of lazily initializing
// per-node state on first sight.
func (s *Store) GetValidatorStats(pubKey []byte) (*types.ValidatorConsensusStats, error) {
	var stats types.ValidatorConsensusStats
	err := s.get(validatorStatsKey(pubKey), &stats)
	if IsNotFound(err) {
		return &types.ValidatorConsensusStats{PublicKey: pubKey}, nil
	}
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// ListValidatorStats enumerates every validator's participation stats
// currently held. Used by the participation monitor's decay loop, which
// has no narrower key to look up by.
func (s *Store) ListValidatorStats() ([]*types.ValidatorConsensusStats, error) {
	prefix := []byte{prefixValidatorStats}
	end := append([]byte{}, prefix...)
	end[len(end)-1]++
	it, err := s.kv.Iterator(prefix, end)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []*types.ValidatorConsensusStats
	for ; it.Valid(); it.Next() {
		var stats types.ValidatorConsensusStats
		if err := json.Unmarshal(it.Value(), &stats); err != nil {
			return nil, err
		}
		out = append(out, &stats)
	}
	return out, it.Error()
}

// PutStateTreeRoot records the current substate tree root for (epoch, shard),
// the pointer pkg/statetree needs to resume from after a restart.
func (s *Store) PutStateTreeRoot(epoch types.Epoch, shard types.Shard, root types.Hash32) error {
	return s.kv.Set(stateTreeRootKey(epoch, shard), root[:])
}

// GetStateTreeRoot looks up the current substate tree root for (epoch, shard).
func (s *Store) GetStateTreeRoot(epoch types.Epoch, shard types.Shard) (types.Hash32, error) {
	raw, err := s.kv.Get(stateTreeRootKey(epoch, shard))
	if err != nil {
		return types.Hash32{}, err
	}
	if raw == nil {
		return types.Hash32{}, ErrNotFound
	}
	var h types.Hash32
	copy(h[:], raw)
	return h, nil
}

// Close closes the underlying KV adapter.
func (s *Store) Close() error {
	return s.kv.Close()
}

// batchOf is a narrow alias kept for readability at call sites that build
// dbm.Batch directly against this store's adapter (e.g. pkg/blockstore
// committing a block, its state transitions and substate writes atomically).
type batchOf = dbm.Batch

// NewBatch starts an atomic write batch against the underlying store.
func (s *Store) NewBatch() batchOf {
	return s.kv.NewBatch()
}
