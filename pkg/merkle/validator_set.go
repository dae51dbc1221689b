// Copyright 2025 Certen Protocol
//
// Validator-set Merkle tree: the epoch manager exposes one of these per
// (epoch, shard group), leaf-hashed by validator public key. A quorum
// certificate's MergedMerkleProof batches every signer's individual
// inclusion proof into one structure so a verifier can authenticate all
// signers against the committee root without a pairwise proof per signer
// (§4.4 step 3).

package merkle

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// ValidatorSetTree wraps Tree with blake2b-256 leaf hashing over validator
// public keys, preserving the order validators were registered in (their
// index is also their tree leaf index).
type ValidatorSetTree struct {
	tree    *Tree
	pubKeys [][]byte
}

// BuildValidatorSetTree constructs the tree for one committee's validator
// set, in registration order.
func BuildValidatorSetTree(pubKeys [][]byte) (*ValidatorSetTree, error) {
	leaves := make([][]byte, len(pubKeys))
	for i, pk := range pubKeys {
		leaves[i] = validatorLeafHash(pk)
	}
	tree, err := BuildTree(leaves)
	if err != nil {
		return nil, fmt.Errorf("build validator set tree: %w", err)
	}
	return &ValidatorSetTree{tree: tree, pubKeys: pubKeys}, nil
}

func validatorLeafHash(pubKey []byte) []byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte{0x10}) // domain tag: validator-set leaf
	h.Write(pubKey)
	return h.Sum(nil)
}

// Root returns the committee's validator-set Merkle root.
func (v *ValidatorSetTree) Root() []byte { return v.tree.Root() }

// Depth returns the proof path length every leaf shares, needed by
// VerifyMergedProof to slice a flattened sibling list back into per-signer
// paths.
func (v *ValidatorSetTree) Depth() int {
	v.tree.mu.RLock()
	defer v.tree.mu.RUnlock()
	if len(v.tree.levels) == 0 {
		return 0
	}
	return len(v.tree.levels) - 1
}

// LeafHash returns the leaf hash for the validator at index idx, the value a
// QC's per-signer challenge is computed against (§4.4 step 4).
func (v *ValidatorSetTree) LeafHash(idx int) ([]byte, error) {
	return v.tree.GetLeaf(idx)
}

// IndexOf returns the leaf index for a validator's public key, or false if
// it isn't a committee member.
func (v *ValidatorSetTree) IndexOf(pubKey []byte) (int, bool) {
	for i, pk := range v.pubKeys {
		if string(pk) == string(pubKey) {
			return i, true
		}
	}
	return 0, false
}

// MergedProof is the intermediate form built while accumulating signer
// proofs for a QC; the caller flattens it into types.MergedValidatorProof.
type MergedProof struct {
	Leaves   [][]byte
	Siblings [][32]byte
	Indices  []uint64
}

// BuildMergedProof produces one flattened batch proof covering every signer
// index in signerIndices, concatenating each signer's individual inclusion
// path. This is a simple, auditable batching scheme: verification replays
// each signer's path independently against the shared root rather than
// deduplicating shared internal nodes, trading a larger proof for a verifier
// that needs no tree-structure awareness beyond "list of (leaf, siblings)".
func (v *ValidatorSetTree) BuildMergedProof(signerIndices []int) (*MergedProof, error) {
	mp := &MergedProof{}
	for _, idx := range signerIndices {
		leaf, err := v.tree.GetLeaf(idx)
		if err != nil {
			return nil, fmt.Errorf("signer index %d: %w", idx, err)
		}
		proof, err := v.tree.GenerateProof(idx)
		if err != nil {
			return nil, fmt.Errorf("generate proof for signer %d: %w", idx, err)
		}
		mp.Leaves = append(mp.Leaves, leaf)
		mp.Indices = append(mp.Indices, uint64(idx))
		for _, node := range proof.Path {
			var sib [32]byte
			b, err := hex.DecodeString(node.Hash)
			if err != nil {
				return nil, fmt.Errorf("decode sibling hash: %w", err)
			}
			copy(sib[:], b)
			mp.Siblings = append(mp.Siblings, sib)
		}
	}
	return mp, nil
}

// VerifyMergedProof checks that every (leaf, signer path) pair recomputes to
// root, where each signer's path occupies depth consecutive entries in
// siblings starting at signerPosition*depth.
func VerifyMergedProof(leaves [][]byte, siblings [][32]byte, indices []uint64, depth int, root []byte) (bool, error) {
	if depth == 0 {
		return len(leaves) == 1 && constantEqual(leaves[0], root), nil
	}
	if len(siblings) != len(leaves)*depth {
		return false, fmt.Errorf("merged proof malformed: want %d sibling entries, got %d", len(leaves)*depth, len(siblings))
	}
	for i, leaf := range leaves {
		current := append([]byte(nil), leaf...)
		idx := indices[i]
		for d := 0; d < depth; d++ {
			sib := siblings[i*depth+d]
			if idx%2 == 0 {
				current = hashPair(current, sib[:])
			} else {
				current = hashPair(sib[:], current)
			}
			idx /= 2
		}
		if !constantEqual(current, root) {
			return false, nil
		}
	}
	return true, nil
}

func constantEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

