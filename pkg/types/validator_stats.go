// Copyright 2025 Certen Protocol
//
// Per-validator consensus participation stats, used by the suspend/resume
// policy (§4.6, grounded on the source's node health tracking).

package types

// ValidatorConsensusStats tracks one validator's recent participation, used
// to decide whether it should be suspended from the active committee for
// failing to vote/propose.
type ValidatorConsensusStats struct {
	PublicKey []byte `json:"public_key"`

	MissedProposals  uint64 `json:"missed_proposals"`
	MissedVotes      uint64 `json:"missed_votes"`
	ConsecutiveMisses uint64 `json:"consecutive_misses"`

	LastParticipatedHeight uint64 `json:"last_participated_height"`
	Suspended              bool   `json:"suspended"`
	SuspendedAtHeight      uint64 `json:"suspended_at_height,omitempty"`
}

// RecordParticipation resets the consecutive-miss counter and advances the
// last-participated height.
func (s *ValidatorConsensusStats) RecordParticipation(height uint64) {
	s.ConsecutiveMisses = 0
	s.LastParticipatedHeight = height
}

// RecordMiss increments miss counters. suspendThreshold consecutive misses
// trip Suspended (§4.6).
func (s *ValidatorConsensusStats) RecordMiss(height uint64, suspendThreshold uint64) {
	s.MissedVotes++
	s.ConsecutiveMisses++
	if s.ConsecutiveMisses >= suspendThreshold && !s.Suspended {
		s.Suspended = true
		s.SuspendedAtHeight = height
	}
}

// Resume clears suspension after a ResumeNode command is committed.
func (s *ValidatorConsensusStats) Resume() {
	s.Suspended = false
	s.SuspendedAtHeight = 0
	s.ConsecutiveMisses = 0
}
