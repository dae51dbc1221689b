// Copyright 2025 Certen Protocol
//
// Key-space layout for the state store S (§4.1): every entity the engine
// persists lives under a single-byte prefix followed by its natural id, so
// a cometbft-db iterator over one prefix enumerates exactly one entity kind.

package storage

import (
	"encoding/binary"

	"github.com/certen/dan-validator/pkg/types"
)

const (
	prefixBlock            byte = 0x01
	prefixTransactionRec   byte = 0x02
	prefixPoolEntry        byte = 0x03
	prefixSubstate         byte = 0x04
	prefixSubstateLock     byte = 0x05
	prefixForeignProposal  byte = 0x06
	prefixStateTransition  byte = 0x07
	prefixValidatorStats   byte = 0x08
	prefixConsensusState   byte = 0x09
	prefixStateTreeRoot    byte = 0x0A
	prefixBlockHeightIndex byte = 0x0B
	prefixStateTreeNode    byte = 0x0C
	prefixStateTreeStale   byte = 0x0D
)

func blockKey(id types.BlockId) []byte {
	return append([]byte{prefixBlock}, id[:]...)
}

func blockHeightIndexKey(sg types.ShardGroup, height uint64) []byte {
	k := make([]byte, 1+4+8)
	k[0] = prefixBlockHeightIndex
	binary.BigEndian.PutUint32(k[1:5], sg.Encode())
	binary.BigEndian.PutUint64(k[5:13], height)
	return k
}

func transactionRecordKey(id types.TransactionId) []byte {
	return append([]byte{prefixTransactionRec}, id[:]...)
}

func poolEntryKey(id types.TransactionId) []byte {
	return append([]byte{prefixPoolEntry}, id[:]...)
}

func substateKey(id types.SubstateId, version uint64) []byte {
	k := make([]byte, 1+32+8)
	k[0] = prefixSubstate
	copy(k[1:33], id[:])
	binary.BigEndian.PutUint64(k[33:41], version)
	return k
}

func substateLockKey(v types.VersionedSubstateId) []byte {
	k := make([]byte, 1+32+8)
	k[0] = prefixSubstateLock
	copy(k[1:33], v.ID[:])
	binary.BigEndian.PutUint64(k[33:41], v.Version)
	return k
}

func foreignProposalKey(blockID types.BlockId) []byte {
	return append([]byte{prefixForeignProposal}, blockID[:]...)
}

func stateTransitionKey(id types.StateTransitionId) []byte {
	k := make([]byte, 1+8+4+8)
	k[0] = prefixStateTransition
	binary.BigEndian.PutUint64(k[1:9], uint64(id.Epoch))
	binary.BigEndian.PutUint32(k[9:13], id.ShardGroup.Encode())
	binary.BigEndian.PutUint64(k[13:21], id.Height)
	return k
}

func validatorStatsKey(pubKey []byte) []byte {
	return append([]byte{prefixValidatorStats}, pubKey...)
}

// consensusStateKey namespaces the handful of small scalar values the
// consensus state machine keeps (locked block, high QC, leaf block, last
// voted height) per §4.4, one entry per shard group this node serves.
func consensusStateKey(sg types.ShardGroup, field string) []byte {
	k := []byte{prefixConsensusState}
	sgBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(sgBytes, sg.Encode())
	k = append(k, sgBytes...)
	return append(k, []byte(field)...)
}

func stateTreeRootKey(scope types.Epoch, shard types.Shard) []byte {
	k := make([]byte, 1+8+4)
	k[0] = prefixStateTreeRoot
	binary.BigEndian.PutUint64(k[1:9], uint64(scope))
	binary.BigEndian.PutUint32(k[9:13], uint32(shard))
	return k
}

func treeNodeKey(hash types.Hash32) []byte {
	return append([]byte{prefixStateTreeNode}, hash[:]...)
}

func staleNodeKey(version uint64, hash types.Hash32) []byte {
	k := make([]byte, 1+8+32)
	k[0] = prefixStateTreeStale
	binary.BigEndian.PutUint64(k[1:9], version)
	copy(k[9:41], hash[:])
	return k
}
