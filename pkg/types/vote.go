// Copyright 2025 Certen Protocol
//
// The HotStuff vote message (§3, §4.5): a validator's signed endorsement of
// one candidate block, sent to the next height's leader for aggregation
// into a quorum certificate.

package types

// Vote is one validator's endorsement of a candidate block.
type Vote struct {
	BlockId     BlockId    `json:"block_id"`
	BlockHeight uint64     `json:"block_height"`
	Epoch       Epoch      `json:"epoch"`
	ShardGroup  ShardGroup `json:"shard_group"`
	Decision    QCDecision `json:"decision"`
	Signature   ValidatorSignature `json:"signature"`
}
