// Copyright 2025 Certen Protocol

package pacemaker

import (
	"context"
	"testing"
	"time"

	"github.com/certen/dan-validator/pkg/blockstore"
	"github.com/certen/dan-validator/pkg/consensus"
	"github.com/certen/dan-validator/pkg/crypto/bls"
	"github.com/certen/dan-validator/pkg/epoch"
	"github.com/certen/dan-validator/pkg/kvdb"
	"github.com/certen/dan-validator/pkg/pool"
	"github.com/certen/dan-validator/pkg/storage"
	"github.com/certen/dan-validator/pkg/types"
)

// newTestPacemaker mirrors pkg/consensus's newTestEngine setup: a single
// validator committee with quorum threshold 1, so a vote folded back into
// the pacemaker always forms a QC immediately.
func newTestPacemaker(t *testing.T, onCommit consensus.CommitFunc) (*Pacemaker, *consensus.Engine, *epoch.StaticManager, types.ShardGroup, types.Epoch, *bls.PrivateKey, *types.Block) {
	t.Helper()
	if err := bls.Initialize(); err != nil {
		t.Fatalf("bls initialize: %v", err)
	}
	sk, pk, err := bls.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}

	sg := types.ShardGroup{Start: 0, End: 15}
	ep := types.Epoch(1)
	m := epoch.NewStaticManager(ep)
	if err := m.SetCommittee(ep, sg, []epoch.Validator{{PublicKey: pk.Bytes(), VotingPower: 1}}); err != nil {
		t.Fatalf("set committee: %v", err)
	}

	db, err := kvdb.Open(kvdb.DriverMemory, "test", "")
	if err != nil {
		t.Fatalf("open memdb: %v", err)
	}
	store, err := storage.New(kvdb.NewKVAdapter(db))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	bs := blockstore.New(store)

	p, err := pool.New(store, pool.Config{
		Local:        sg,
		ShardBits:    8,
		ResolveShard: func(types.Shard) types.ShardGroup { return sg },
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	genesis := &types.Block{NetworkTag: 1, Epoch: ep, ShardGroup: sg, Justify: types.GenesisQC()}
	genesis.Id = genesis.ComputeId()
	if err := bs.Put(genesis); err != nil {
		t.Fatalf("put genesis: %v", err)
	}

	e, err := consensus.New(consensus.Config{
		Store:        store,
		Blocks:       bs,
		EpochManager: m,
		Pool:         p,
		ShardGroup:   sg,
		SelfPubKey:   pk.Bytes(),
		SelfPrivKey:  sk,
		MaxCommands:  100,
		MaxSizeBytes: 1 << 20,
		OnCommit:     onCommit,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.AdvanceToRunning(ep, genesis); err != nil {
		t.Fatalf("advance to running: %v", err)
	}

	pm, err := New(Config{
		Engine:        e,
		BlockTime:     time.Hour,
		LeaderTimeout: time.Hour,
		BuildInput:    func(context.Context, uint64) (blockstore.BuildInput, error) { return blockstore.BuildInput{}, nil },
	})
	if err != nil {
		t.Fatalf("new pacemaker: %v", err)
	}
	return pm, e, m, sg, ep, sk, genesis
}

func TestNewPacemakerSeedsHeightFromLeaf(t *testing.T) {
	pm, _, _, _, _, _, genesis := newTestPacemaker(t, nil)
	if pm.NodeHeight() != genesis.Height+1 {
		t.Fatalf("expected node height %d, got %d", genesis.Height+1, pm.NodeHeight())
	}
}

func TestNotifyHigherQCAdvancesHeight(t *testing.T) {
	pm, _, _, sg, ep, _, genesis := newTestPacemaker(t, nil)

	qc := types.QuorumCertificate{BlockId: types.Hash32{0x01}, BlockHeight: genesis.Height + 5, Epoch: ep, ShardGroup: sg, Decision: types.QCAccept}
	pm.NotifyHigherQC(qc)

	if got, want := pm.NodeHeight(), qc.BlockHeight+1; got != want {
		t.Fatalf("expected height %d after higher QC, got %d", want, got)
	}
}

func TestNotifyHigherQCIsNoOpWhenNotHigher(t *testing.T) {
	pm, _, _, sg, ep, _, genesis := newTestPacemaker(t, nil)

	qc := types.QuorumCertificate{BlockId: types.Hash32{0x01}, BlockHeight: genesis.Height + 5, Epoch: ep, ShardGroup: sg, Decision: types.QCAccept}
	pm.NotifyHigherQC(qc)
	before := pm.NodeHeight()

	lower := types.QuorumCertificate{BlockId: types.Hash32{0x02}, BlockHeight: genesis.Height + 1, Epoch: ep, ShardGroup: sg, Decision: types.QCAccept}
	pm.NotifyHigherQC(lower)

	if pm.NodeHeight() != before {
		t.Fatalf("expected height unchanged by a lower QC, got %d (was %d)", pm.NodeHeight(), before)
	}
}

func TestNotifyEpochChangeResetsHeightAndGeneration(t *testing.T) {
	pm, e, _, sg, ep, _, genesis := newTestPacemaker(t, nil)

	qc := types.QuorumCertificate{BlockId: types.Hash32{0x01}, BlockHeight: genesis.Height + 5, Epoch: ep, ShardGroup: sg, Decision: types.QCAccept}
	pm.NotifyHigherQC(qc)

	genBefore := pm.generation
	e.ReturnToIdle()
	pm.NotifyEpochChange()

	if pm.generation != genBefore+1 {
		t.Fatalf("expected generation bumped by epoch change, got %d (was %d)", pm.generation, genBefore)
	}
	if pm.NodeHeight() != 1 {
		t.Fatalf("expected height reset to 1 after epoch change with nil leaf, got %d", pm.NodeHeight())
	}
}

func TestHandleProposalAdvancesHeightAndBroadcastsVote(t *testing.T) {
	pm, e, _, _, _, _, _ := newTestPacemaker(t, nil)

	var votes []*types.Vote
	pm.cfg.OnVote = func(v *types.Vote) { votes = append(votes, v) }

	b, err := e.Propose(blockstore.BuildInput{})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	vote, reason, err := pm.HandleProposal(b, consensus.ProposalContext{})
	if err != nil {
		t.Fatalf("handle proposal: %v", err)
	}
	if vote == nil {
		t.Fatalf("expected a vote, got no-vote reason %s", reason)
	}
	if len(votes) != 1 {
		t.Fatalf("expected the vote to be broadcast exactly once, got %d", len(votes))
	}
	if pm.NodeHeight() != b.Height+1 {
		t.Fatalf("expected pacemaker height to advance past the proposal, got %d", pm.NodeHeight())
	}
}

func TestHandleVoteFormsQuorumAndCommits(t *testing.T) {
	var committed []*types.Block
	pm, e, _, _, _, _, _ := newTestPacemaker(t, func(b *types.Block) { committed = append(committed, b) })

	b1, err := e.Propose(blockstore.BuildInput{})
	if err != nil {
		t.Fatalf("propose b1: %v", err)
	}
	vote1, _, err := pm.HandleProposal(b1, consensus.ProposalContext{})
	if err != nil || vote1 == nil {
		t.Fatalf("handle proposal b1: vote=%v err=%v", vote1, err)
	}
	if err := pm.HandleVote(*vote1); err != nil {
		t.Fatalf("handle vote 1: %v", err)
	}
	if pm.NodeHeight() != b1.Height+1 {
		t.Fatalf("expected height advanced past b1 after its QC formed, got %d", pm.NodeHeight())
	}

	b2, err := e.Propose(blockstore.BuildInput{})
	if err != nil {
		t.Fatalf("propose b2: %v", err)
	}
	vote2, _, err := pm.HandleProposal(b2, consensus.ProposalContext{})
	if err != nil || vote2 == nil {
		t.Fatalf("handle proposal b2: vote=%v err=%v", vote2, err)
	}
	if err := pm.HandleVote(*vote2); err != nil {
		t.Fatalf("handle vote 2: %v", err)
	}

	b3, err := e.Propose(blockstore.BuildInput{})
	if err != nil {
		t.Fatalf("propose b3: %v", err)
	}
	vote3, _, err := pm.HandleProposal(b3, consensus.ProposalContext{})
	if err != nil || vote3 == nil {
		t.Fatalf("handle proposal b3: vote=%v err=%v", vote3, err)
	}
	if err := pm.HandleVote(*vote3); err != nil {
		t.Fatalf("handle vote 3: %v", err)
	}

	if len(committed) != 1 || committed[0].Id != b1.Id {
		t.Fatalf("expected b1 finalized by the third QC's three-chain, got %v", committed)
	}
}

func TestStartStopIsIdempotentAgainstDoubleStart(t *testing.T) {
	pm, _, _, _, _, _, _ := newTestPacemaker(t, nil)
	if err := pm.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer pm.Stop()
	if err := pm.Start(); err == nil {
		t.Fatalf("expected second Start to fail while already running")
	}
}

func TestOnTimeoutEmitsDummyBlockAndBumpsGeneration(t *testing.T) {
	pm, _, _, _, _, _, genesis := newTestPacemaker(t, nil)

	var proposals []*types.Block
	pm.cfg.OnProposal = func(b *types.Block) { proposals = append(proposals, b) }

	genBefore := pm.generation
	pm.onTimeout()

	if pm.generation != genBefore+1 {
		t.Fatalf("expected generation bumped on timeout, got %d (was %d)", pm.generation, genBefore)
	}
	if len(proposals) != 1 {
		t.Fatalf("expected exactly one dummy block broadcast, got %d", len(proposals))
	}
	if proposals[0].Height != genesis.Height+1 {
		t.Fatalf("expected dummy block at height %d, got %d", genesis.Height+1, proposals[0].Height)
	}
	if len(proposals[0].Commands) != 0 {
		t.Fatalf("expected dummy block to carry no commands, got %d", len(proposals[0].Commands))
	}
}
