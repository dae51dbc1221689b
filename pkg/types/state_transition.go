// Copyright 2025 Certen Protocol
//
// The state-transition log: an ordered, append-only record of every
// committed change to the substate tree, keyed by (epoch, shard group,
// height) so a sync peer can replay exactly the transitions it is missing
// (§4.2, §4.10).

package types

// StateTransitionId identifies one entry in the log.
type StateTransitionId struct {
	Epoch      Epoch      `json:"epoch"`
	ShardGroup ShardGroup `json:"shard_group"`
	Height     uint64     `json:"height"`
}

// StateTransition is one committed block's net effect on the substate tree,
// stored alongside the committing block/QC so a follower can verify it
// without re-executing any transaction.
type StateTransition struct {
	Id StateTransitionId `json:"id"`

	BlockId BlockId `json:"block_id"`
	QCId    QCId    `json:"qc_id"`

	Diff SubstateDiff `json:"diff"`

	MerkleRootAfter Hash32 `json:"merkle_root_after"`
}
