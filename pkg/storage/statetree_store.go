// Copyright 2025 Certen Protocol
//
// TreeNodeStore backs pkg/statetree's NodeStore contract with the same KV
// adapter the rest of S uses, content-addressing nodes by their own hash
// and keeping a separate stale-hash index per version for later pruning
// (§4.2).

package storage

import (
	"encoding/json"

	"github.com/certen/dan-validator/pkg/statetree"
	"github.com/certen/dan-validator/pkg/types"
)

// TreeNodeStore implements statetree.NodeStore over a Store's key space.
type TreeNodeStore struct {
	s *Store
}

// TreeNodeStore returns the state-tree node persistence handle backed by
// this store, so callers can build a *statetree.Tree without reaching into
// Store's internals.
func (s *Store) TreeNodeStore() *TreeNodeStore {
	return &TreeNodeStore{s: s}
}

// GetNode looks up a content-addressed tree node by its own hash.
func (t *TreeNodeStore) GetNode(hash types.Hash32) (*statetree.Node, bool, error) {
	raw, err := t.s.kv.Get(treeNodeKey(hash))
	if err != nil {
		return nil, false, err
	}
	if raw == nil {
		return nil, false, nil
	}
	var n statetree.Node
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, false, err
	}
	return &n, true, nil
}

// PutNodes persists a batch of newly created tree nodes atomically.
func (t *TreeNodeStore) PutNodes(nodes map[types.Hash32]*statetree.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	batch := t.s.kv.NewBatch()
	defer batch.Close()
	for hash, n := range nodes {
		raw, err := json.Marshal(n)
		if err != nil {
			return err
		}
		if err := batch.Set(treeNodeKey(hash), raw); err != nil {
			return err
		}
	}
	return batch.WriteSync()
}

// MarkStale records that every hash in hashes was superseded at version,
// so a future pruning pass can retire them once no in-flight proof or sync
// peer still needs that version (§4.2 "superseded nodes are marked stale,
// not physically removed within the epoch").
func (t *TreeNodeStore) MarkStale(version uint64, hashes []types.Hash32) error {
	if len(hashes) == 0 {
		return nil
	}
	batch := t.s.kv.NewBatch()
	defer batch.Close()
	for _, hash := range hashes {
		if err := batch.Set(staleNodeKey(version, hash), []byte{1}); err != nil {
			return err
		}
	}
	return batch.WriteSync()
}
