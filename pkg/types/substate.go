// Copyright 2025 Certen Protocol
//
// Substates: the fundamental, versioned, append-only unit of state (§3).

package types

// DestroyedBy records which transaction superseded a substate version, and
// in which committee's block that happened — needed so a foreign committee
// can verify a "down" without re-executing the destroying transaction.
type DestroyedBy struct {
	TransactionId TransactionId `json:"transaction_id"`
	Shard         Shard         `json:"shard"`
	BlockId       BlockId       `json:"block_id"`
}

// Substate is the durable row: creation is permanent, a "down" mutates the
// row in place rather than deleting it (§3 "Lifecycle & ownership").
type Substate struct {
	ID                SubstateId   `json:"id"`
	Version           uint64       `json:"version"`
	ValueBytes        []byte       `json:"value_bytes"`
	CreatedByTx       TransactionId `json:"created_by_transaction"`
	DestroyedBy       *DestroyedBy `json:"destroyed_by,omitempty"`
}

// IsUp reports whether this is the live (not-yet-superseded) version.
func (s *Substate) IsUp() bool { return s.DestroyedBy == nil }

// ValueHash returns the canonical Blake2b-256 hash of the substate value,
// the quantity stored as the state tree's leaf value (§4.2).
func (s *Substate) ValueHash() Hash32 {
	return Blake2b256(domainSubstateHash, s.ValueBytes)
}

// Versioned returns the {id, version} pair identifying this row.
func (s *Substate) Versioned() VersionedSubstateId {
	return VersionedSubstateId{ID: s.ID, Version: s.Version}
}

// SubstateDiff is the accept-path output of executing a transaction: the set
// of substates it destroys (by version) and the set of new up substates it
// creates. This is the payload an Accept(tx) command's evidence must match
// by hash of canonical encoding (§4.7).
type SubstateDiff struct {
	Down []VersionedSubstateId `json:"down"`
	Up   []Substate            `json:"up"`
}

// CanonicalHash hashes the diff deterministically: down ids/versions then up
// substates, each field length-prefixed, in the order provided. Callers are
// responsible for giving the diff a stable order (transaction execution is
// deterministic, so the order naturally is too).
func (d *SubstateDiff) CanonicalHash() Hash32 {
	w := NewCanonicalWriter()
	w.WriteU32(uint32(len(d.Down)))
	for _, v := range d.Down {
		w.WriteHash(v.ID).WriteU64(v.Version)
	}
	w.WriteU32(uint32(len(d.Up)))
	for _, s := range d.Up {
		w.WriteHash(s.ID).WriteU64(s.Version).WriteBytes(s.ValueBytes)
	}
	return Blake2b256(domainSubstateHash, w.Bytes())
}
