// Copyright 2025 Certen Protocol

package pool

import (
	"testing"

	"github.com/certen/dan-validator/pkg/kvdb"
	"github.com/certen/dan-validator/pkg/storage"
	"github.com/certen/dan-validator/pkg/types"
)

func newTestPool(t *testing.T, resolve ShardResolver) *Pool {
	t.Helper()
	db, err := kvdb.Open(kvdb.DriverMemory, "test", "")
	if err != nil {
		t.Fatalf("open memdb: %v", err)
	}
	store, err := storage.New(kvdb.NewKVAdapter(db))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	p, err := New(store, Config{
		Local:        types.ShardGroup{Start: 0, End: 255},
		ShardBits:    8,
		ResolveShard: resolve,
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	return p
}

func singleGroupResolver(sg types.ShardGroup) ShardResolver {
	return func(types.Shard) types.ShardGroup { return sg }
}

func TestPoolLocalOnlyShortcut(t *testing.T) {
	group := types.ShardGroup{Start: 0, End: 255}
	p := newTestPool(t, singleGroupResolver(group))

	tx := &types.Transaction{
		Instructions:   []byte("instr"),
		DeclaredInputs: []types.VersionedSubstateId{{ID: types.SubstateId{1}, Version: 0}},
	}
	tx.ID = tx.ComputeID()

	entry, err := p.Submit(tx)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if entry.Stage != types.StageNew {
		t.Fatalf("expected New, got %v", entry.Stage)
	}
	if !entry.IsLocalOnly() {
		t.Fatal("expected single shard group to be local-only")
	}

	diff := &types.SubstateDiff{}
	entry, err = p.RecordLocalExecution(tx.ID, types.DecisionAccept, diff, 1, types.BlockId{})
	if err != nil {
		t.Fatalf("record local execution: %v", err)
	}
	if entry.Stage != types.StageLocalOnly {
		t.Fatalf("expected LocalOnly, got %v", entry.Stage)
	}

	if err := p.Finalize(tx.ID, types.DecisionAccept, types.AbortReasonNone); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := p.Get(tx.ID); !storage.IsNotFound(err) {
		t.Fatalf("expected pool entry removed after finalize, got %v", err)
	}
}

func TestPoolMultiShardLattice(t *testing.T) {
	groupA := types.ShardGroup{Start: 0, End: 0}
	groupB := types.ShardGroup{Start: 1, End: 1}
	resolver := func(s types.Shard) types.ShardGroup {
		if s == 0 {
			return groupA
		}
		return groupB
	}
	p := newTestPool(t, resolver)
	p.cfg.Local = groupA

	var idA, idB types.SubstateId
	idA[0] = 0
	idB[0] = 1
	tx := &types.Transaction{
		Instructions: []byte("instr"),
		DeclaredInputs: []types.VersionedSubstateId{
			{ID: idA, Version: 0},
			{ID: idB, Version: 0},
		},
	}
	tx.ID = tx.ComputeID()

	entry, err := p.Submit(tx)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if entry.IsLocalOnly() {
		t.Fatal("expected multi-shard transaction")
	}

	diff := &types.SubstateDiff{}
	if _, err := p.RecordLocalExecution(tx.ID, types.DecisionAccept, diff, 1, types.BlockId{}); err != nil {
		t.Fatalf("record local execution: %v", err)
	}
	if _, err := p.ConfirmLocalPrepared(tx.ID); err != nil {
		t.Fatalf("confirm local prepared: %v", err)
	}

	entry, err = p.RecordForeignEvidence(tx.ID, types.EvidenceEntry{ShardGroup: groupB, Decision: types.DecisionAccept})
	if err != nil {
		t.Fatalf("record foreign evidence: %v", err)
	}
	if entry.Stage != types.StageAllPrepared {
		t.Fatalf("expected AllPrepared, got %v", entry.Stage)
	}

	if err := p.Finalize(tx.ID, types.DecisionAccept, types.AbortReasonNone); err != nil {
		t.Fatalf("finalize: %v", err)
	}
}

func TestPoolForeignAbortLeadsToSomePrepared(t *testing.T) {
	groupA := types.ShardGroup{Start: 0, End: 0}
	groupB := types.ShardGroup{Start: 1, End: 1}
	resolver := func(s types.Shard) types.ShardGroup {
		if s == 0 {
			return groupA
		}
		return groupB
	}
	p := newTestPool(t, resolver)
	p.cfg.Local = groupA

	var idA, idB types.SubstateId
	idA[0] = 0
	idB[0] = 1
	tx := &types.Transaction{
		Instructions: []byte("instr"),
		DeclaredInputs: []types.VersionedSubstateId{
			{ID: idA, Version: 0},
			{ID: idB, Version: 0},
		},
	}
	tx.ID = tx.ComputeID()

	if _, err := p.Submit(tx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	diff := &types.SubstateDiff{}
	if _, err := p.RecordLocalExecution(tx.ID, types.DecisionAccept, diff, 1, types.BlockId{}); err != nil {
		t.Fatalf("record local execution: %v", err)
	}
	if _, err := p.ConfirmLocalPrepared(tx.ID); err != nil {
		t.Fatalf("confirm local prepared: %v", err)
	}

	entry, err := p.RecordForeignEvidence(tx.ID, types.EvidenceEntry{ShardGroup: groupB, Decision: types.DecisionAbort})
	if err != nil {
		t.Fatalf("record foreign evidence: %v", err)
	}
	if entry.Stage != types.StageSomePrepared {
		t.Fatalf("expected SomePrepared, got %v", entry.Stage)
	}

	if err := p.Finalize(tx.ID, types.DecisionAbort, types.AbortReasonForeignAbort); err != nil {
		t.Fatalf("finalize: %v", err)
	}
}

func TestPoolRejectsInvalidTransition(t *testing.T) {
	group := types.ShardGroup{Start: 0, End: 255}
	p := newTestPool(t, singleGroupResolver(group))

	tx := &types.Transaction{Instructions: []byte("instr")}
	tx.ID = tx.ComputeID()
	if _, err := p.Submit(tx); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := p.ConfirmLocalPrepared(tx.ID); err == nil {
		t.Fatal("expected invalid transition error moving New -> LocalPrepared directly")
	}
}
