// Copyright 2025 Certen Protocol

package consensus

import (
	"testing"

	"github.com/certen/dan-validator/pkg/blockstore"
	"github.com/certen/dan-validator/pkg/crypto/bls"
	"github.com/certen/dan-validator/pkg/epoch"
	"github.com/certen/dan-validator/pkg/kvdb"
	"github.com/certen/dan-validator/pkg/pool"
	"github.com/certen/dan-validator/pkg/storage"
	"github.com/certen/dan-validator/pkg/types"
)

type testValidator struct {
	sk *bls.PrivateKey
	pk *bls.PublicKey
}

// newTestEngine sets up a single-validator committee (quorum threshold 1),
// so the validator proposing a block is always its own sole voter and a QC
// forms as soon as it votes, without needing to simulate several engines.
func newTestEngine(t *testing.T) (*Engine, *epoch.StaticManager, types.ShardGroup, types.Epoch, testValidator, *types.Block) {
	t.Helper()
	if err := bls.Initialize(); err != nil {
		t.Fatalf("bls initialize: %v", err)
	}

	sk, pk, err := bls.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	v := testValidator{sk: sk, pk: pk}

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

	e, err := New(Config{
		Store:        store,
		Blocks:       bs,
		EpochManager: m,
		Pool:         p,
		ShardGroup:   sg,
		SelfPubKey:   pk.Bytes(),
		SelfPrivKey:  sk,
		MaxCommands:  100,
		MaxSizeBytes: 1 << 20,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.AdvanceToRunning(ep, genesis); err != nil {
		t.Fatalf("advance to running: %v", err)
	}
	return e, m, sg, ep, v, genesis
}

// proposeVoteAggregate drives one height through propose, self-vote and
// (trivially, since quorum is 1) aggregation into a QC, returning the new
// block and the QC justifying it.
func proposeVoteAggregate(t *testing.T, e *Engine, agg *VoteAggregator) (*types.Block, *types.QuorumCertificate) {
	t.Helper()
	b, err := e.Propose(blockstore.BuildInput{})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	vote, reason, err := e.HandleProposal(b, ProposalContext{ExpectedMerkleRoot: types.Hash32{}})
	if err != nil {
		t.Fatalf("handle proposal: %v", err)
	}
	if vote == nil {
		t.Fatalf("expected a vote, got no-vote reason %s", reason)
	}

	qc, ok, err := e.HandleVote(agg, *vote)
	if err != nil {
		t.Fatalf("handle vote: %v", err)
	}
	if !ok {
		t.Fatalf("expected quorum to be reached with a single-validator committee")
	}

	// A pacemaker advances high_qc as soon as a QC forms, so it's ready to
	// justify the very next proposal.
	if err := e.TryCommit(*qc); err != nil {
		t.Fatalf("observe qc: %v", err)
	}
	return b, qc
}

func TestEngineProposeVoteThreeChainCommits(t *testing.T) {
	e, _, _, _, _, _ := newTestEngine(t)

	var committed []*types.Block
	e.cfg.OnCommit = func(b *types.Block) { committed = append(committed, b) }

	agg1 := NewVoteAggregator()
	b1, qc1 := proposeVoteAggregate(t, e, agg1)
	if b1.Height != 1 {
		t.Fatalf("expected height 1, got %d", b1.Height)
	}

	agg2 := NewVoteAggregator()
	b2, qc2 := proposeVoteAggregate(t, e, agg2)
	if b2.Justify.BlockId != b1.Id {
		t.Fatalf("expected b2 to justify b1")
	}
	if err := e.TryCommit(*qc1); err != nil {
		t.Fatalf("try commit qc1: %v", err)
	}
	if len(committed) != 0 {
		t.Fatalf("expected no commit yet after only one QC, got %d", len(committed))
	}

	agg3 := NewVoteAggregator()
	b3, qc3 := proposeVoteAggregate(t, e, agg3)
	if b3.Justify.BlockId != b2.Id {
		t.Fatalf("expected b3 to justify b2")
	}
	if err := e.TryCommit(*qc2); err != nil {
		t.Fatalf("try commit qc2: %v", err)
	}
	if err := e.TryCommit(*qc3); err != nil {
		t.Fatalf("try commit qc3: %v", err)
	}

	if len(committed) != 1 {
		t.Fatalf("expected exactly one commit, got %d", len(committed))
	}
	if committed[0].Id != b1.Id {
		t.Fatalf("expected b1 to be the finalized block, got height %d", committed[0].Height)
	}
	if e.LockedBlock() == nil || e.LockedBlock().Id != b2.Id {
		t.Fatalf("expected b2 to be locked after qc3's three-chain")
	}
	if e.LastVotedHeight() != 3 {
		t.Fatalf("expected last voted height 3, got %d", e.LastVotedHeight())
	}
}

func TestEngineWithholdsVoteBelowLastVotedHeight(t *testing.T) {
	e, _, _, _, _, _ := newTestEngine(t)
	agg := NewVoteAggregator()
	b1, _ := proposeVoteAggregate(t, e, agg)

	// Replay the same height: last_voted_height already advanced past it.
	_, reason, err := e.HandleProposal(b1, ProposalContext{ExpectedMerkleRoot: types.Hash32{}})
	if err != nil {
		t.Fatalf("handle proposal: %v", err)
	}
	if reason != ShouldNotVote {
		t.Fatalf("expected ShouldNotVote (monotonicity), got %s", reason)
	}
}

func TestHandleVoteRequiresCommitteeQuorum(t *testing.T) {
	if err := bls.Initialize(); err != nil {
		t.Fatalf("bls initialize: %v", err)
	}
	sg := types.ShardGroup{Start: 0, End: 15}
	ep := types.Epoch(1)
	m := epoch.NewStaticManager(ep)

	n := 4
	validators := make([]testValidator, n)
	epochValidators := make([]epoch.Validator, n)
	for i := 0; i < n; i++ {
		sk, pk, err := bls.GenerateKeyPair()
		if err != nil {
			t.Fatalf("generate key pair: %v", err)
		}
		validators[i] = testValidator{sk: sk, pk: pk}
		epochValidators[i] = epoch.Validator{PublicKey: pk.Bytes(), VotingPower: 1}
	}
	if err := m.SetCommittee(ep, sg, epochValidators); err != nil {
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

	e, err := New(Config{
		Store:        store,
		Blocks:       bs,
		EpochManager: m,
		Pool:         p,
		ShardGroup:   sg,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	blockID := types.Hash32{0xAA}
	agg := NewVoteAggregator()
	var lastQC *types.QuorumCertificate
	var reached bool
	for i := 0; i < 3; i++ {
		vote := types.Vote{
			BlockId:     blockID,
			BlockHeight: 1,
			Epoch:       ep,
			ShardGroup:  sg,
			Decision:    types.QCAccept,
			Signature:   types.ValidatorSignature{PublicKey: validators[i].pk.Bytes()},
		}
		lastQC, reached, err = e.HandleVote(agg, vote)
		if err != nil {
			t.Fatalf("handle vote %d: %v", i, err)
		}
		if i < 2 && reached {
			t.Fatalf("did not expect quorum after only %d votes", i+1)
		}
	}
	if !reached {
		t.Fatal("expected quorum to be reached after 3 of 4 votes (threshold 3)")
	}
	if len(lastQC.Signatures) != 3 {
		t.Fatalf("expected 3 signatures in the assembled QC, got %d", len(lastQC.Signatures))
	}
}
