// Copyright 2025 Certen Protocol

package storage

import (
	"testing"

	"github.com/certen/dan-validator/pkg/kvdb"
	"github.com/certen/dan-validator/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := kvdb.Open(kvdb.DriverMemory, "test", "")
	if err != nil {
		t.Fatalf("open memdb: %v", err)
	}
	store, err := New(kvdb.NewKVAdapter(db))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestStoreBlockRoundTrip(t *testing.T) {
	store := newTestStore(t)
	sg := types.ShardGroup{Start: 0, End: 15}
	block := &types.Block{
		ParentId:   types.BlockId{},
		NetworkTag: 1,
		Epoch:      1,
		ShardGroup: sg,
		Height:     5,
		ProposedBy: []byte("leader-key"),
	}
	block.Id = block.ComputeId()

	if err := store.PutBlock(block); err != nil {
		t.Fatalf("put block: %v", err)
	}

	got, err := store.GetBlock(block.Id)
	if err != nil {
		t.Fatalf("get block: %v", err)
	}
	if got.Height != 5 || got.Epoch != 1 {
		t.Fatalf("unexpected block: %+v", got)
	}

	byHeight, err := store.GetBlockByHeight(sg, 5)
	if err != nil {
		t.Fatalf("get block by height: %v", err)
	}
	if byHeight.Id != block.Id {
		t.Fatalf("height index mismatch: got %v want %v", byHeight.Id, block.Id)
	}

	if _, err := store.GetBlock(types.BlockId{0xff}); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStorePoolEntryLifecycle(t *testing.T) {
	store := newTestStore(t)
	txID := types.TransactionId{1, 2, 3}
	entry := &types.PoolEntry{TransactionId: txID, Stage: types.StageNew}

	if err := store.PutPoolEntry(entry); err != nil {
		t.Fatalf("put pool entry: %v", err)
	}

	got, err := store.GetPoolEntry(txID)
	if err != nil {
		t.Fatalf("get pool entry: %v", err)
	}
	if got.Stage != types.StageNew {
		t.Fatalf("unexpected stage: %v", got.Stage)
	}

	if err := store.DeletePoolEntry(txID); err != nil {
		t.Fatalf("delete pool entry: %v", err)
	}
	if _, err := store.GetPoolEntry(txID); !IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestStoreSubstateLockConflict(t *testing.T) {
	store := newTestStore(t)
	vsid := types.VersionedSubstateId{ID: types.SubstateId{9}, Version: 1}

	lockA := &types.SubstateLock{
		SubstateId: vsid,
		LockedByTx: types.TransactionId{1},
		ForWrite:   true,
	}
	if err := store.PutSubstateLock(lockA); err != nil {
		t.Fatalf("acquire lock A: %v", err)
	}

	lockB := &types.SubstateLock{
		SubstateId: vsid,
		LockedByTx: types.TransactionId{2},
		ForWrite:   true,
	}
	if err := store.PutSubstateLock(lockB); err != ErrLockConflict {
		t.Fatalf("expected lock conflict, got %v", err)
	}

	// Re-acquiring for the same tx is idempotent.
	if err := store.PutSubstateLock(lockA); err != nil {
		t.Fatalf("re-acquire lock A: %v", err)
	}

	if err := store.ReleaseSubstateLock(vsid); err != nil {
		t.Fatalf("release lock: %v", err)
	}
	if err := store.PutSubstateLock(lockB); err != nil {
		t.Fatalf("acquire lock B after release: %v", err)
	}
}

func TestStoreValidatorStatsLazyInit(t *testing.T) {
	store := newTestStore(t)
	pubKey := []byte("validator-1")

	stats, err := store.GetValidatorStats(pubKey)
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if stats.MissedVotes != 0 {
		t.Fatalf("expected zero-value stats, got %+v", stats)
	}

	stats.RecordMiss(10, 3)
	if err := store.PutValidatorStats(stats); err != nil {
		t.Fatalf("put stats: %v", err)
	}

	got, err := store.GetValidatorStats(pubKey)
	if err != nil {
		t.Fatalf("get stats after put: %v", err)
	}
	if got.MissedVotes != 1 || got.ConsecutiveMisses != 1 {
		t.Fatalf("unexpected stats after miss: %+v", got)
	}
}

func TestStoreStateTreeRootRoundTrip(t *testing.T) {
	store := newTestStore(t)
	root := types.Hash32{1, 2, 3, 4}

	if err := store.PutStateTreeRoot(1, 0, root); err != nil {
		t.Fatalf("put root: %v", err)
	}
	got, err := store.GetStateTreeRoot(1, 0)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if got != root {
		t.Fatalf("root mismatch: got %v want %v", got, root)
	}

	if _, err := store.GetStateTreeRoot(2, 0); !IsNotFound(err) {
		t.Fatalf("expected not found for unset scope, got %v", err)
	}
}
