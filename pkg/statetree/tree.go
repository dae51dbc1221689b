// Copyright 2025 Certen Protocol
//
// Versioned, sparse state tree over the 256-bit substate id keyspace
// (§4.2). Implements Jellyfish Merkle Tree semantics — versioned roots,
// stale-node tracking for late sync, inclusion/absence proofs — as a
// binary-radix (one bit per level) sparse Merkle tree rather than the
// 4-bit/16-ary radix the reference Jellyfish design uses: a binary radix
// keeps node encoding and proof verification simple while preserving every
// property §4.2 depends on (versioned root per put, stale nodes retained
// for late sync, O(depth) proofs). Scoped by (epoch, shard) the same way
// the source scopes its Merkle trees by partition.

package statetree

import (
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/certen/dan-validator/pkg/types"
)

// Node is one internal or leaf node of the tree, content-addressed by its
// own hash.
type Node struct {
	IsLeaf bool

	// Leaf fields
	Key       types.SubstateId
	ValueHash types.Hash32
	Version   uint64

	// Internal fields
	Left, Right types.Hash32
}

func (n *Node) hash() types.Hash32 {
	if n.IsLeaf {
		w := types.NewCanonicalWriter()
		w.WriteU8(leafDomain)
		w.WriteHash(n.Key)
		w.WriteHash(n.ValueHash)
		w.WriteU64(n.Version)
		return blake2bSum(w.Bytes())
	}
	w := types.NewCanonicalWriter()
	w.WriteU8(internalDomain)
	w.WriteHash(n.Left)
	w.WriteHash(n.Right)
	return blake2bSum(w.Bytes())
}

const (
	leafDomain     byte = 0xA0
	internalDomain byte = 0xA1
	treeDepth           = 256
)

func blake2bSum(data []byte) types.Hash32 {
	h, _ := blake2b.New256(nil)
	h.Write(data)
	var out types.Hash32
	copy(out[:], h.Sum(nil))
	return out
}

// emptySubtreeHash[d] is the root hash of an empty subtree of depth d
// (0 = leaf level). Precomputed once; every absent branch resolves to one
// of these without a stored node.
var emptySubtreeHash [treeDepth + 1]types.Hash32

func init() {
	emptySubtreeHash[0] = types.Hash32{}
	for d := 1; d <= treeDepth; d++ {
		n := Node{Left: emptySubtreeHash[d-1], Right: emptySubtreeHash[d-1]}
		emptySubtreeHash[d] = n.hash()
	}
}

// NodeStore is the persistence contract a Tree needs: content-addressed get
// and a batch put, plus a stale-index write so old versions can be
// eventually pruned once no proof needs them.
type NodeStore interface {
	GetNode(hash types.Hash32) (*Node, bool, error)
	PutNodes(nodes map[types.Hash32]*Node) error
	MarkStale(version uint64, hashes []types.Hash32) error
}

// Scope identifies which (epoch, shard) partition a tree instance belongs
// to, mirroring the source's per-partition Merkle tree scoping.
type Scope struct {
	Epoch types.Epoch
	Shard types.Shard
}

// Tree is a handle onto one versioned state tree scoped to (epoch, shard).
// It holds no mutable state of its own besides the store; Get/PutBatch work
// purely from content-addressed nodes so concurrent readers at different
// versions never contend with a writer.
type Tree struct {
	store NodeStore
	scope Scope
}

func New(store NodeStore, scope Scope) *Tree {
	return &Tree{store: store, scope: scope}
}

// keyBit returns bit i of id, MSB-first (bit 0 is the top of the tree).
func keyBit(id types.SubstateId, i int) int {
	byteIdx := i / 8
	bitIdx := 7 - uint(i%8)
	return int((id[byteIdx] >> bitIdx) & 1)
}

// Get resolves the value hash stored for id at the tree rooted at root, or
// ok=false if absent.
func (t *Tree) Get(root types.Hash32, id types.SubstateId) (value types.Hash32, ok bool, err error) {
	cur := root
	for depth := 0; depth <= treeDepth; depth++ {
		if cur == emptySubtreeHash[treeDepth-depth] {
			return types.Hash32{}, false, nil
		}
		node, found, err := t.store.GetNode(cur)
		if err != nil {
			return types.Hash32{}, false, err
		}
		if !found {
			return types.Hash32{}, false, fmt.Errorf("statetree: missing node %s at depth %d", cur, depth)
		}
		if node.IsLeaf {
			if node.Key == id {
				return node.ValueHash, true, nil
			}
			return types.Hash32{}, false, nil
		}
		if keyBit(id, depth) == 0 {
			cur = node.Left
		} else {
			cur = node.Right
		}
	}
	return types.Hash32{}, false, nil
}

// PutBatch applies every (id -> valueHash) pair in changes on top of root at
// the given version, returning the new root and the set of newly created
// nodes the caller must persist atomically with the inducing block
// (§4.2 "batch-put-value-set returns both the new root and a node-batch").
// A zero valueHash is stored like any other value (callers use it for
// "down" substates): the key stays in the tree with a zero value hash, and
// PutBatch never removes a key.
func (t *Tree) PutBatch(root types.Hash32, version uint64, changes map[types.SubstateId]types.Hash32) (types.Hash32, map[types.Hash32]*Node, []types.Hash32, error) {
	newNodes := make(map[types.Hash32]*Node)
	var staleHashes []types.Hash32

	newRoot := root
	for id, valueHash := range changes {
		var err error
		newRoot, err = t.putOne(newRoot, version, id, valueHash, newNodes, &staleHashes)
		if err != nil {
			return types.Hash32{}, nil, nil, err
		}
	}
	return newRoot, newNodes, staleHashes, nil
}

func (t *Tree) putOne(root types.Hash32, version uint64, id types.SubstateId, valueHash types.Hash32, newNodes map[types.Hash32]*Node, stale *[]types.Hash32) (types.Hash32, error) {
	return t.putAt(root, 0, version, id, valueHash, newNodes, stale)
}

// putAt recursively descends depth levels, rebuilding the path to the root
// with path-copying (the unmodified sibling subtree is reused by hash).
func (t *Tree) putAt(nodeHash types.Hash32, depth int, version uint64, id types.SubstateId, valueHash types.Hash32, newNodes map[types.Hash32]*Node, stale *[]types.Hash32) (types.Hash32, error) {
	if depth == treeDepth {
		leaf := &Node{IsLeaf: true, Key: id, ValueHash: valueHash, Version: version}
		h := leaf.hash()
		newNodes[h] = leaf
		return h, nil
	}

	if nodeHash == emptySubtreeHash[treeDepth-depth] {
		// Descend to a fresh leaf directly; every intermediate level along
		// the way materializes a single-child internal node.
		leafHash, err := t.putAt(emptySubtreeHash[0], treeDepth, version, id, valueHash, newNodes, stale)
		if err != nil {
			return types.Hash32{}, err
		}
		return t.wrapPath(id, depth, leafHash, newNodes)
	}

	node, found, err := t.store.GetNode(nodeHash)
	if err != nil {
		return types.Hash32{}, err
	}
	if !found {
		return types.Hash32{}, fmt.Errorf("statetree: missing node %s at depth %d", nodeHash, depth)
	}

	if node.IsLeaf {
		if node.Key == id {
			leaf := &Node{IsLeaf: true, Key: id, ValueHash: valueHash, Version: version}
			h := leaf.hash()
			newNodes[h] = leaf
			*stale = append(*stale, nodeHash)
			return h, nil
		}
		// Split: push the existing leaf down alongside the new one.
		return t.split(node, depth, version, id, valueHash, newNodes)
	}

	*stale = append(*stale, nodeHash)
	var newChild types.Hash32
	updated := &Node{Left: node.Left, Right: node.Right}
	if keyBit(id, depth) == 0 {
		newChild, err = t.putAt(node.Left, depth+1, version, id, valueHash, newNodes, stale)
		updated.Left = newChild
	} else {
		newChild, err = t.putAt(node.Right, depth+1, version, id, valueHash, newNodes, stale)
		updated.Right = newChild
	}
	if err != nil {
		return types.Hash32{}, err
	}
	h := updated.hash()
	newNodes[h] = updated
	return h, nil
}

// wrapPath builds the chain of internal nodes from depth up to the leaf,
// each with an empty sibling, after descending into a previously-empty
// subtree.
func (t *Tree) wrapPath(id types.SubstateId, depth int, childHash types.Hash32, newNodes map[types.Hash32]*Node) (types.Hash32, error) {
	if depth == treeDepth {
		return childHash, nil
	}
	return t.collapseEmptyPath(id, depth, childHash, newNodes)
}

// collapseEmptyPath builds every internal node from depth (exclusive, i.e.
// starting at treeDepth-1) back up to depth, each with one empty sibling.
func (t *Tree) collapseEmptyPath(id types.SubstateId, depth int, leafHash types.Hash32, newNodes map[types.Hash32]*Node) (types.Hash32, error) {
	cur := leafHash
	for d := treeDepth - 1; d >= depth; d-- {
		node := &Node{}
		if keyBit(id, d) == 0 {
			node.Left = cur
			node.Right = emptySubtreeHash[treeDepth-1-d]
		} else {
			node.Left = emptySubtreeHash[treeDepth-1-d]
			node.Right = cur
		}
		h := node.hash()
		newNodes[h] = node
		cur = h
	}
	return cur, nil
}

// split handles inserting a new leaf where an existing leaf with a
// different key currently sits: both leaves descend together until their
// key bits diverge, materializing internal nodes down to that point.
func (t *Tree) split(existing *Node, depth int, version uint64, id types.SubstateId, valueHash types.Hash32, newNodes map[types.Hash32]*Node) (types.Hash32, error) {
	existingLeaf := &Node{IsLeaf: true, Key: existing.Key, ValueHash: existing.ValueHash, Version: existing.Version}
	existingHash := existingLeaf.hash()
	newNodes[existingHash] = existingLeaf

	newLeaf := &Node{IsLeaf: true, Key: id, ValueHash: valueHash, Version: version}
	newLeafHash := newLeaf.hash()
	newNodes[newLeafHash] = newLeaf

	d := treeDepth - 1
	for d >= depth && keyBit(existing.Key, d) == keyBit(id, d) {
		d--
	}
	if d < depth {
		return types.Hash32{}, fmt.Errorf("statetree: colliding keys at depth %d", depth)
	}

	divergeBit := keyBit(id, d)
	node := &Node{}
	if divergeBit == 0 {
		node.Left = newLeafHash
		node.Right = existingHash
	} else {
		node.Left = existingHash
		node.Right = newLeafHash
	}
	h := node.hash()
	newNodes[h] = node
	cur := h

	for i := d - 1; i >= depth; i-- {
		parent := &Node{}
		if keyBit(id, i) == 0 {
			parent.Left = cur
			parent.Right = emptySubtreeHash[treeDepth-1-i]
		} else {
			parent.Left = emptySubtreeHash[treeDepth-1-i]
			parent.Right = cur
		}
		ph := parent.hash()
		newNodes[ph] = parent
		cur = ph
	}
	return cur, nil
}

// EmptyRoot returns the root hash of an empty tree, the starting point for
// epoch 0 / genesis.
func EmptyRoot() types.Hash32 { return emptySubtreeHash[treeDepth] }
