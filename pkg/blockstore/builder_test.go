// Copyright 2025 Certen Protocol

package blockstore

import (
	"testing"

	"github.com/certen/dan-validator/pkg/types"
)

func TestBuildCandidateOrdersCommandsCanonically(t *testing.T) {
	parent := genesisBlock(types.ShardGroup{Start: 0, End: 15}, types.Epoch(1))
	in := BuildInput{
		Parent:     parent,
		Justify:    types.GenesisQC(),
		Height:     1,
		Epoch:      1,
		ShardGroup: types.ShardGroup{Start: 0, End: 15},
		ProposedBy: []byte("leader"),
		ReadyAtoms: []ReadyAtom{
			{Kind: types.CommandPrepare, Atom: types.TxAtom{TransactionId: types.Hash32{0x02}, Fee: 5}},
			{Kind: types.CommandPrepare, Atom: types.TxAtom{TransactionId: types.Hash32{0x01}, Fee: 10}},
		},
		PostStateRoot: types.Hash32{0xBB},
	}

	b, err := BuildCandidate(in)
	if err != nil {
		t.Fatalf("build candidate: %v", err)
	}
	if len(b.Commands) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(b.Commands))
	}
	if b.Commands[0].Atom.Fee != 10 || b.Commands[1].Atom.Fee != 5 {
		t.Fatalf("expected fee-descending order, got %+v", b.Commands)
	}
	if b.Id != b.ComputeId() {
		t.Fatal("block id does not match its own computed id")
	}
}

func TestBuildCandidateEndOfEpochIsSoleCommand(t *testing.T) {
	parent := genesisBlock(types.ShardGroup{Start: 0, End: 15}, types.Epoch(1))
	in := BuildInput{
		Parent:     parent,
		Justify:    types.GenesisQC(),
		Height:     1,
		Epoch:      1,
		ShardGroup: types.ShardGroup{Start: 0, End: 15},
		ProposedBy: []byte("leader"),
		EndOfEpoch: true,
		ReadyAtoms: []ReadyAtom{
			{Kind: types.CommandPrepare, Atom: types.TxAtom{TransactionId: types.Hash32{0x01}, Fee: 5}},
		},
	}

	b, err := BuildCandidate(in)
	if err != nil {
		t.Fatalf("build candidate: %v", err)
	}
	if len(b.Commands) != 1 || b.Commands[0].Kind != types.CommandEndEpoch {
		t.Fatalf("expected sole EndEpoch command, got %+v", b.Commands)
	}
}

func TestBuildCandidateRejectsOverMaxCommands(t *testing.T) {
	parent := genesisBlock(types.ShardGroup{Start: 0, End: 15}, types.Epoch(1))
	in := BuildInput{
		Parent:      parent,
		Justify:     types.GenesisQC(),
		Height:      1,
		Epoch:       1,
		ShardGroup:  types.ShardGroup{Start: 0, End: 15},
		ProposedBy:  []byte("leader"),
		MaxCommands: 1,
		ReadyAtoms: []ReadyAtom{
			{Kind: types.CommandPrepare, Atom: types.TxAtom{TransactionId: types.Hash32{0x01}, Fee: 5}},
			{Kind: types.CommandPrepare, Atom: types.TxAtom{TransactionId: types.Hash32{0x02}, Fee: 10}},
		},
	}

	if _, err := BuildCandidate(in); err == nil {
		t.Fatal("expected error for exceeding max commands")
	}
}

func TestBuildCandidateEmitsSuspendAndResume(t *testing.T) {
	parent := genesisBlock(types.ShardGroup{Start: 0, End: 15}, types.Epoch(1))
	in := BuildInput{
		Parent:     parent,
		Justify:    types.GenesisQC(),
		Height:     1,
		Epoch:      1,
		ShardGroup: types.ShardGroup{Start: 0, End: 15},
		ProposedBy: []byte("leader"),
		StatsByValidator: map[string]*types.ValidatorConsensusStats{
			"laggard": {PublicKey: []byte("laggard"), ConsecutiveMisses: 10},
			"back":    {PublicKey: []byte("back"), Suspended: true, ConsecutiveMisses: 0},
		},
		MissedProposalCap: 5,
		SuspendThreshold:  8,
	}

	b, err := BuildCandidate(in)
	if err != nil {
		t.Fatalf("build candidate: %v", err)
	}
	var sawSuspend, sawResume bool
	for _, c := range b.Commands {
		switch c.Kind {
		case types.CommandSuspendNode:
			if string(c.SuspendPublicKey) == "laggard" {
				sawSuspend = true
			}
		case types.CommandResumeNode:
			if string(c.SuspendPublicKey) == "back" {
				sawResume = true
			}
		}
	}
	if !sawSuspend {
		t.Fatal("expected a SuspendNode command for the laggard validator")
	}
	if !sawResume {
		t.Fatal("expected a ResumeNode command for the recovered validator")
	}
}
