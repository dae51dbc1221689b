// Copyright 2025 Certen Protocol
//
// Inclusion / absence proofs over the state tree (§4.2 get_proof).

package statetree

import (
	"fmt"

	"github.com/certen/dan-validator/pkg/types"
)

// Proof is a sparse Merkle proof: the sibling hash at every level from the
// leaf up to the root, plus enough of the terminal node to distinguish
// inclusion from absence.
type Proof struct {
	Siblings [treeDepth]types.Hash32

	// Present is true when the key resolves to a leaf holding it.
	Present bool

	// LeafKey/LeafValueHash/LeafVersion are populated when Present, or when
	// the proof terminates at a different leaf (a non-membership proof
	// against an occupied but non-matching leaf).
	LeafKey       types.SubstateId
	LeafValueHash types.Hash32
	LeafVersion   uint64
}

// GetProof builds an inclusion or absence proof for id against root.
func (t *Tree) GetProof(root types.Hash32, id types.SubstateId) (*Proof, error) {
	proof := &Proof{}
	cur := root
	for depth := 0; depth <= treeDepth; depth++ {
		if cur == emptySubtreeHash[treeDepth-depth] {
			for d := depth; d < treeDepth; d++ {
				proof.Siblings[d] = emptySubtreeHash[treeDepth-1-d]
			}
			return proof, nil
		}
		node, found, err := t.store.GetNode(cur)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("statetree: missing node %s at depth %d", cur, depth)
		}
		if node.IsLeaf {
			proof.LeafKey = node.Key
			proof.LeafValueHash = node.ValueHash
			proof.LeafVersion = node.Version
			proof.Present = node.Key == id
			for d := depth; d < treeDepth; d++ {
				proof.Siblings[d] = emptySubtreeHash[0]
			}
			return proof, nil
		}
		if keyBit(id, depth) == 0 {
			proof.Siblings[depth] = node.Right
			cur = node.Left
		} else {
			proof.Siblings[depth] = node.Left
			cur = node.Right
		}
	}
	return proof, nil
}

// VerifyInclusion recomputes the root implied by the proof for (id,
// valueHash, version) and checks it matches expectedRoot.
func (p *Proof) VerifyInclusion(id types.SubstateId, valueHash types.Hash32, version uint64, expectedRoot types.Hash32) bool {
	if !p.Present || p.LeafKey != id || p.LeafValueHash != valueHash || p.LeafVersion != version {
		return false
	}
	leaf := Node{IsLeaf: true, Key: id, ValueHash: valueHash, Version: version}
	return p.recompute(id, leaf.hash()) == expectedRoot
}

// VerifyAbsence recomputes the root implied by the proof for id, treating it
// as a non-membership proof, and checks it matches expectedRoot.
func (p *Proof) VerifyAbsence(id types.SubstateId, expectedRoot types.Hash32) bool {
	if p.Present {
		return false
	}
	var terminal types.Hash32 = emptySubtreeHash[0]
	if p.LeafKey != (types.SubstateId{}) || p.LeafValueHash != (types.Hash32{}) || p.LeafVersion != 0 {
		if p.LeafKey == id {
			return false // claims absence but terminal leaf matches the key
		}
		leaf := Node{IsLeaf: true, Key: p.LeafKey, ValueHash: p.LeafValueHash, Version: p.LeafVersion}
		terminal = leaf.hash()
	}
	return p.recompute(id, terminal) == expectedRoot
}

// recompute walks the sibling path from the leaf level back to the root.
func (p *Proof) recompute(id types.SubstateId, leafHash types.Hash32) types.Hash32 {
	cur := leafHash
	for d := treeDepth - 1; d >= 0; d-- {
		n := Node{}
		if keyBit(id, d) == 0 {
			n.Left, n.Right = cur, p.Siblings[d]
		} else {
			n.Left, n.Right = p.Siblings[d], cur
		}
		cur = n.hash()
	}
	return cur
}
