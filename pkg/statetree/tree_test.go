// Copyright 2025 Certen Protocol

package statetree

import (
	"testing"

	"github.com/certen/dan-validator/pkg/types"
)

type memStore struct {
	nodes map[types.Hash32]*Node
}

func newMemStore() *memStore {
	return &memStore{nodes: make(map[types.Hash32]*Node)}
}

func (m *memStore) GetNode(hash types.Hash32) (*Node, bool, error) {
	n, ok := m.nodes[hash]
	return n, ok, nil
}

func (m *memStore) PutNodes(nodes map[types.Hash32]*Node) error {
	for h, n := range nodes {
		m.nodes[h] = n
	}
	return nil
}

func (m *memStore) MarkStale(version uint64, hashes []types.Hash32) error {
	return nil
}

func substateID(b byte) types.SubstateId {
	var id types.SubstateId
	id[31] = b
	return id
}

func valueHash(b byte) types.Hash32 {
	var h types.Hash32
	h[0] = b
	return h
}

func TestTreePutAndGet(t *testing.T) {
	store := newMemStore()
	tree := New(store, Scope{Epoch: 1, Shard: 0})

	root := EmptyRoot()
	changes := map[types.SubstateId]types.Hash32{
		substateID(1): valueHash(11),
		substateID(2): valueHash(22),
		substateID(3): valueHash(33),
	}
	newRoot, newNodes, _, err := tree.PutBatch(root, 1, changes)
	if err != nil {
		t.Fatalf("put batch: %v", err)
	}
	if err := store.PutNodes(newNodes); err != nil {
		t.Fatalf("persist nodes: %v", err)
	}

	for id, want := range changes {
		got, ok, err := tree.Get(newRoot, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !ok {
			t.Fatalf("expected id %v present", id)
		}
		if got != want {
			t.Fatalf("value mismatch for %v: got %v want %v", id, got, want)
		}
	}

	if _, ok, err := tree.Get(newRoot, substateID(99)); err != nil || ok {
		t.Fatalf("expected absent key to resolve ok=false, got ok=%v err=%v", ok, err)
	}
}

func TestTreeUpdateExistingLeaf(t *testing.T) {
	store := newMemStore()
	tree := New(store, Scope{Epoch: 1, Shard: 0})

	root := EmptyRoot()
	root, newNodes, _, err := tree.PutBatch(root, 1, map[types.SubstateId]types.Hash32{
		substateID(5): valueHash(50),
	})
	if err != nil {
		t.Fatalf("initial put: %v", err)
	}
	store.PutNodes(newNodes)

	root, newNodes, stale, err := tree.PutBatch(root, 2, map[types.SubstateId]types.Hash32{
		substateID(5): valueHash(99),
	})
	if err != nil {
		t.Fatalf("update put: %v", err)
	}
	store.PutNodes(newNodes)
	if len(stale) == 0 {
		t.Fatal("expected stale nodes recorded after leaf update")
	}

	got, ok, err := tree.Get(root, substateID(5))
	if err != nil || !ok {
		t.Fatalf("get after update: ok=%v err=%v", ok, err)
	}
	if got != valueHash(99) {
		t.Fatalf("expected updated value, got %v", got)
	}
}

func TestTreeInclusionProofRoundTrip(t *testing.T) {
	store := newMemStore()
	tree := New(store, Scope{Epoch: 1, Shard: 0})

	root := EmptyRoot()
	changes := map[types.SubstateId]types.Hash32{
		substateID(1): valueHash(11),
		substateID(2): valueHash(22),
		substateID(3): valueHash(33),
		substateID(4): valueHash(44),
	}
	root, newNodes, _, err := tree.PutBatch(root, 7, changes)
	if err != nil {
		t.Fatalf("put batch: %v", err)
	}
	store.PutNodes(newNodes)

	for id, val := range changes {
		proof, err := tree.GetProof(root, id)
		if err != nil {
			t.Fatalf("get proof: %v", err)
		}
		if !proof.Present {
			t.Fatalf("expected inclusion proof to report present for %v", id)
		}
		if !proof.VerifyInclusion(id, val, 7, root) {
			t.Fatalf("inclusion proof failed to verify for %v", id)
		}
		if proof.VerifyInclusion(id, valueHash(200), 7, root) {
			t.Fatal("inclusion proof verified against wrong value hash")
		}
	}
}

func TestTreeAbsenceProof(t *testing.T) {
	store := newMemStore()
	tree := New(store, Scope{Epoch: 1, Shard: 0})

	root := EmptyRoot()
	root, newNodes, _, err := tree.PutBatch(root, 1, map[types.SubstateId]types.Hash32{
		substateID(1): valueHash(11),
	})
	if err != nil {
		t.Fatalf("put batch: %v", err)
	}
	store.PutNodes(newNodes)

	proof, err := tree.GetProof(root, substateID(200))
	if err != nil {
		t.Fatalf("get proof: %v", err)
	}
	if proof.Present {
		t.Fatal("expected absence proof")
	}
	if !proof.VerifyAbsence(substateID(200), root) {
		t.Fatal("absence proof failed to verify")
	}
	if proof.VerifyAbsence(substateID(1), root) {
		t.Fatal("absence proof incorrectly verified for a present key")
	}
}

func TestTreeAbsenceProofAgainstEmptyTree(t *testing.T) {
	store := newMemStore()
	tree := New(store, Scope{Epoch: 1, Shard: 0})

	root := EmptyRoot()
	proof, err := tree.GetProof(root, substateID(1))
	if err != nil {
		t.Fatalf("get proof: %v", err)
	}
	if proof.Present {
		t.Fatal("expected absence on empty tree")
	}
	if !proof.VerifyAbsence(substateID(1), root) {
		t.Fatal("absence proof against empty tree failed to verify")
	}
}
