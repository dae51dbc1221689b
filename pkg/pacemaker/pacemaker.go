// Copyright 2025 Certen Protocol
//
// Pacemaker (§4.6): the single logical clock driving one committee's
// consensus engine. Owns the monotonic node height and the leader-timeout
// timer, resets both on progress, and emits a dummy block on timeout.
// Structurally grounded on pkg/consensus/health_monitor.go's
// context/cancel-plus-ticker monitor loop, generalized from periodic
// health polling into a height-driven view-change clock.

package pacemaker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/certen/dan-validator/pkg/blockstore"
	"github.com/certen/dan-validator/pkg/consensus"
	"github.com/certen/dan-validator/pkg/types"
)

// BuildInputFunc supplies the content-dependent fields of the next
// proposal (ready transaction atoms, foreign-ready commands, mint
// outputs, the post-state Merkle root) for the given expected height. The
// consensus engine fills every pointer-derived field itself.
type BuildInputFunc func(ctx context.Context, height uint64) (blockstore.BuildInput, error)

// ProposalFunc hands a signed candidate block to the network layer for
// delivery to the rest of the committee.
type ProposalFunc func(b *types.Block)

// VoteFunc hands a signed vote to the network layer for delivery to the
// height's leader.
type VoteFunc func(v *types.Vote)

// Config wires a Pacemaker to its collaborators.
type Config struct {
	Engine        *consensus.Engine
	BlockTime     time.Duration // pacemaker_block_time: reset on every committed block
	LeaderTimeout time.Duration // leader_timeout: reset on every higher QC observed
	BuildInput    BuildInputFunc
	OnProposal    ProposalFunc
	OnVote        VoteFunc
	// OnMiss is invoked with the expected leader's public key whenever the
	// leader timeout fires without a real proposal landing (§4.6).
	OnMiss func(pubKey []byte, height uint64)
	// OnParticipation is invoked whenever a non-dummy candidate from pubKey
	// is accepted as a vote-worthy proposal.
	OnParticipation func(pubKey []byte, height uint64)
	Logger          *log.Logger
}

// Pacemaker is the per-committee logical clock (§4.6). Its block-time and
// leader-timeout events are processed by a single goroutine (run);
// HandleProposal and HandleVote run on the goroutine of whoever calls them.
type Pacemaker struct {
	mu     sync.Mutex
	cfg    Config
	logger *log.Logger

	height     uint64
	generation uint64
	agg        *consensus.VoteAggregator

	ctx     context.Context
	cancel  context.CancelFunc
	running bool

	resetBlock  chan struct{}
	resetLeader chan struct{}
}

// New constructs a Pacemaker starting at the engine's current leaf height
// plus one.
func New(cfg Config) (*Pacemaker, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("pacemaker: Engine is required")
	}
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = 5 * time.Second
	}
	if cfg.LeaderTimeout <= 0 {
		cfg.LeaderTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Pacemaker] ", log.LstdFlags)
	}

	height := uint64(1)
	if leaf := cfg.Engine.Leaf(); leaf != nil {
		height = leaf.Height + 1
	}

	return &Pacemaker{
		cfg:         cfg,
		logger:      cfg.Logger,
		height:      height,
		agg:         consensus.NewVoteAggregator(),
		resetBlock:  make(chan struct{}, 1),
		resetLeader: make(chan struct{}, 1),
	}, nil
}

// Start launches the pacemaker's single-writer event loop.
func (pm *Pacemaker) Start() error {
	pm.mu.Lock()
	if pm.running {
		pm.mu.Unlock()
		return fmt.Errorf("pacemaker: already running")
	}
	pm.ctx, pm.cancel = context.WithCancel(context.Background())
	pm.running = true
	pm.mu.Unlock()

	go pm.run()
	return nil
}

// Stop halts the loop. Every future scheduled against the generation this
// bumps is dropped silently when it tries to apply its result (§4.6).
func (pm *Pacemaker) Stop() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if !pm.running {
		return
	}
	pm.cancel()
	pm.generation++
	pm.running = false
}

// NodeHeight returns the pacemaker's current expected height.
func (pm *Pacemaker) NodeHeight() uint64 {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.height
}

// NotifyCommit resets the block-time interval: a block just committed, so
// there is no reason to rush the next proposal.
func (pm *Pacemaker) NotifyCommit(b *types.Block) {
	pm.signalReset(pm.resetBlock)
}

// NotifyHigherQC advances the expected height and resets the leader
// timeout whenever a QC higher than any seen so far arrives, whether
// self-formed or observed from a peer.
func (pm *Pacemaker) NotifyHigherQC(qc types.QuorumCertificate) {
	pm.mu.Lock()
	if qc.BlockHeight+1 > pm.height {
		pm.height = qc.BlockHeight + 1
		pm.agg = consensus.NewVoteAggregator()
	}
	pm.mu.Unlock()
	pm.signalReset(pm.resetLeader)
}

// NotifyEpochChange bumps the cancellation generation, dropping every
// future still in flight for the epoch that just ended, and re-seeds
// height from the engine's (now reset) leaf.
func (pm *Pacemaker) NotifyEpochChange() {
	pm.mu.Lock()
	pm.generation++
	pm.agg = consensus.NewVoteAggregator()
	height := uint64(1)
	if leaf := pm.cfg.Engine.Leaf(); leaf != nil {
		height = leaf.Height + 1
	}
	pm.height = height
	pm.mu.Unlock()
	pm.signalReset(pm.resetLeader)
	pm.signalReset(pm.resetBlock)
}

// HandleProposal runs an inbound candidate through the engine, broadcasts
// the resulting vote if one is granted, and treats proposal arrival as
// progress (resets the leader timeout, advances height if the candidate is
// higher than what the pacemaker currently expects).
func (pm *Pacemaker) HandleProposal(candidate *types.Block, ctx consensus.ProposalContext) (*types.Vote, consensus.NoVoteReason, error) {
	vote, reason, err := pm.cfg.Engine.HandleProposal(candidate, ctx)
	if err != nil {
		return nil, reason, err
	}

	pm.mu.Lock()
	if candidate.Height >= pm.height {
		pm.height = candidate.Height + 1
	}
	pm.mu.Unlock()
	pm.signalReset(pm.resetLeader)

	if vote != nil && pm.cfg.OnVote != nil {
		pm.cfg.OnVote(vote)
	}
	if vote != nil && !candidate.IsDummy() && pm.cfg.OnParticipation != nil {
		pm.cfg.OnParticipation(candidate.ProposedBy, candidate.Height)
	}
	return vote, reason, nil
}

// HandleVote folds an inbound vote into the round's aggregator, extends
// the chain with the resulting QC once quorum forms, and advances the
// pacemaker's own height/timers accordingly. Safe to call concurrently;
// vote folding itself is serialized by the underlying VoteAggregator.
func (pm *Pacemaker) HandleVote(v types.Vote) error {
	pm.mu.Lock()
	agg := pm.agg
	pm.mu.Unlock()

	qc, ok, err := pm.cfg.Engine.HandleVote(agg, v)
	if err != nil {
		return fmt.Errorf("pacemaker: handle vote: %w", err)
	}
	if !ok {
		return nil
	}
	if err := pm.cfg.Engine.TryCommit(*qc); err != nil {
		pm.logger.Printf("three-chain commit check failed after quorum at height %d: %v", qc.BlockHeight, err)
	}
	pm.NotifyHigherQC(*qc)
	return nil
}

// signalReset notifies the loop goroutine to restart one of its timers. A
// no-op (and race-free) when the loop isn't running, since run's select
// is the only reader and nothing is waiting on the channel yet; the next
// Start picks a fresh interval from cfg anyway.
func (pm *Pacemaker) signalReset(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (pm *Pacemaker) run() {
	blockTimer := time.NewTimer(pm.cfg.BlockTime)
	leaderTimer := time.NewTimer(pm.cfg.LeaderTimeout)
	defer blockTimer.Stop()
	defer leaderTimer.Stop()

	for {
		select {
		case <-pm.ctx.Done():
			return
		case <-blockTimer.C:
			pm.tryPropose()
			blockTimer.Reset(pm.cfg.BlockTime)
		case <-leaderTimer.C:
			pm.onTimeout()
			leaderTimer.Reset(pm.cfg.LeaderTimeout)
		case <-pm.resetBlock:
			resetTimer(blockTimer, pm.cfg.BlockTime)
		case <-pm.resetLeader:
			resetTimer(leaderTimer, pm.cfg.LeaderTimeout)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// tryPropose runs on the pacemaker's loop goroutine: if this validator is
// the expected leader for the current height, it builds, signs and
// broadcasts the next candidate. Runs the (potentially slow) BuildInput
// call under the current generation so a timeout firing meanwhile drops
// the result instead of broadcasting a stale proposal.
func (pm *Pacemaker) tryPropose() {
	e := pm.cfg.Engine
	committee, err := e.EpochManager().CommitteeInfo(e.Epoch(), e.ShardGroup())
	if err != nil {
		pm.logger.Printf("resolve committee: %v", err)
		return
	}

	pm.mu.Lock()
	height := pm.height
	generation := pm.generation
	pm.mu.Unlock()

	leader := committee.Leader(height)
	if string(leader) != string(e.SelfPubKey()) {
		return
	}
	if pm.cfg.BuildInput == nil {
		return
	}

	in, err := pm.cfg.BuildInput(pm.ctx, height)
	if err != nil {
		pm.logger.Printf("build input for height %d: %v", height, err)
		return
	}

	pm.mu.Lock()
	stale := pm.generation != generation
	pm.mu.Unlock()
	if stale {
		pm.logger.Printf("dropping stale proposal build for height %d (view changed)", height)
		return
	}

	b, err := e.Propose(in)
	if err != nil {
		pm.logger.Printf("propose at height %d: %v", height, err)
		return
	}
	if pm.cfg.OnProposal != nil {
		pm.cfg.OnProposal(b)
	}
}

// onTimeout runs on the pacemaker's loop goroutine: emits a dummy block
// for the current height (§4.5 view-change), feeds it back through the
// engine exactly like any other proposal so locked/leaf bookkeeping stays
// consistent, and bumps the generation so any in-flight tryPropose future
// for the superseded height is dropped on completion.
func (pm *Pacemaker) onTimeout() {
	e := pm.cfg.Engine
	committee, err := e.EpochManager().CommitteeInfo(e.Epoch(), e.ShardGroup())
	if err != nil {
		pm.logger.Printf("resolve committee for view-change: %v", err)
		return
	}

	pm.mu.Lock()
	height := pm.height
	pm.generation++
	pm.mu.Unlock()

	parent := e.Leaf()
	if parent == nil {
		return
	}
	leader := committee.Leader(height)
	dummy := types.NewDummyBlock(parent, height, leader, e.HighQC(), uint64(time.Now().Unix()))

	pm.logger.Printf("leader timeout at height %d, emitting dummy block", height)
	if pm.cfg.OnMiss != nil {
		pm.cfg.OnMiss(leader, height)
	}

	if _, _, err := pm.HandleProposal(dummy, consensus.ProposalContext{}); err != nil {
		pm.logger.Printf("handle own dummy block: %v", err)
		return
	}
	if pm.cfg.OnProposal != nil {
		pm.cfg.OnProposal(dummy)
	}
}
