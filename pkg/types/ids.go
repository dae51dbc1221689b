// Copyright 2025 Certen Protocol
//
// Core identifier types for the sharded consensus engine: epochs, shards,
// shard groups and the content-addressed substate/transaction/block/QC ids.

package types

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Epoch is a monotonic tag anchoring committee membership and state-tree
// scoping. Epoch 0 is reserved for genesis.
type Epoch uint64

// Shard is a partition of the substate keyspace.
type Shard uint32

// Hash32 is a 32-byte content hash, used for substate ids, transaction ids,
// block ids and qc ids alike.
type Hash32 [32]byte

func (h Hash32) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero sentinel (used for the genesis
// block's parent id and the genesis QC's block id).
func (h Hash32) IsZero() bool {
	return h == Hash32{}
}

// MarshalJSON renders h the way every external-facing id in this protocol
// is shown, 0x-prefixed hex via go-ethereum's common.Hash, so the HTTP API
// reads a hash the same way a block explorer would instead of a raw
// 32-element byte array.
func (h Hash32) MarshalJSON() ([]byte, error) {
	return json.Marshal(common.Hash(h).Hex())
}

// UnmarshalJSON accepts either 0x-prefixed or bare hex.
func (h *Hash32) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := HashFromHex(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return err
	}
	*h = decoded
	return nil
}

func HashFromHex(s string) (Hash32, error) {
	var h Hash32
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("decode hash hex: %w", err)
	}
	if len(b) != 32 {
		return h, fmt.Errorf("hash must be 32 bytes, got %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// BlockId, TransactionId, QCId and SubstateId are all Hash32 under the hood;
// distinct names prevent accidentally crossing id spaces at call sites.
type (
	BlockId       = Hash32
	TransactionId = Hash32
	QCId          = Hash32
	SubstateId    = Hash32
)

// VersionedSubstateId pins a SubstateId to the specific version a
// transaction observed or produced. The store keeps at most one "up"
// version per SubstateId at any time (§3 invariant 6).
type VersionedSubstateId struct {
	ID      SubstateId `json:"id"`
	Version uint64     `json:"version"`
}

func (v VersionedSubstateId) String() string {
	return fmt.Sprintf("%s:v%d", v.ID, v.Version)
}

// ShardGroup is an inclusive, contiguous range of shards owned by one
// committee. It packs into a single u32 for wire and storage: the high
// 16 bits hold Start, the low 16 bits hold End. This assumes the network's
// preshard bit-width k (NetworkSettings.ShardBits) never exceeds 16, which
// holds for every deployment size this engine targets (k is a small power
// of two chosen by the epoch manager).
type ShardGroup struct {
	Start Shard
	End   Shard
}

// Encode packs the group into a single u32, per §3 "Encoded compactly into
// a u32 for wire and storage".
func (g ShardGroup) Encode() uint32 {
	return uint32(g.Start)<<16 | (uint32(g.End) & 0xffff)
}

func DecodeShardGroup(v uint32) ShardGroup {
	return ShardGroup{Start: Shard(v >> 16), End: Shard(v & 0xffff)}
}

// Contains reports whether shard s falls within the group's inclusive range.
func (g ShardGroup) Contains(s Shard) bool {
	return s >= g.Start && s <= g.End
}

// ContainsGroup reports whether other is entirely contained within g.
func (g ShardGroup) ContainsGroup(other ShardGroup) bool {
	return other.Start >= g.Start && other.End <= g.End
}

func (g ShardGroup) String() string {
	return fmt.Sprintf("%d-%d", g.Start, g.End)
}

// ShardOf maps a substate id to its shard via a fixed prefix-of-address
// function: the top shardBits bits of the 32-byte id, interpreted as a
// big-endian integer. shardBits is the network constant k (a power of two)
// from NetworkSettings.ShardBits; the preshard space is 2^k.
func ShardOf(id SubstateId, shardBits uint32) Shard {
	if shardBits == 0 || shardBits > 32 {
		shardBits = 8
	}
	prefix := binary.BigEndian.Uint32(id[:4])
	return Shard(prefix >> (32 - shardBits))
}

// ShardGroupOf returns the contiguous shard group of width 2^(shardBits-committeeBits)
// that owns shard s, given the total number of committees is a power of two
// dividing the preshard space evenly.
func ShardGroupOf(s Shard, shardBits uint32, numCommittees uint32) ShardGroup {
	if numCommittees == 0 {
		numCommittees = 1
	}
	total := Shard(1) << shardBits
	width := total / Shard(numCommittees)
	if width == 0 {
		width = 1
	}
	idx := s / width
	start := idx * width
	end := start + width - 1
	return ShardGroup{Start: start, End: end}
}
