// Copyright 2025 Certen Protocol
//
// Consensus state machine core (§4.5): Idle/SyncRequesting/Running states
// plus the four pointers (leaf, high QC, locked block, last voted height) a
// running committee maintains. Grounded structurally on
// pkg/consensus/health_monitor.go's mutex-guarded-struct-plus-injected-
// collaborator shape, generalized from "observe a status source" to "own
// and mutate consensus pointer state".

package consensus

import (
	"fmt"
	"log"
	"sync"

	"github.com/certen/dan-validator/pkg/blockstore"
	"github.com/certen/dan-validator/pkg/crypto/bls"
	"github.com/certen/dan-validator/pkg/epoch"
	"github.com/certen/dan-validator/pkg/executor"
	"github.com/certen/dan-validator/pkg/pool"
	"github.com/certen/dan-validator/pkg/statetree"
	"github.com/certen/dan-validator/pkg/storage"
	"github.com/certen/dan-validator/pkg/types"
)

// State is the top-level consensus lifecycle state (§4.5).
type State int

const (
	StateIdle State = iota
	StateSyncRequesting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateSyncRequesting:
		return "SyncRequesting"
	case StateRunning:
		return "Running"
	default:
		return "Unknown"
	}
}

// CommitFunc is invoked with a block the three-chain rule just finalised,
// after its effects have already been applied to the store.
type CommitFunc func(b *types.Block)

// NoVoteFunc is invoked whenever a candidate is withheld a vote, carrying
// the reason so telemetry hooks can observe it (§4.5).
type NoVoteFunc func(candidate *types.Block, reason NoVoteReason)

// Config wires an Engine to its collaborators. Every field is a contract
// the engine only reads from or calls into; nothing here is owned by the
// engine itself.
type Config struct {
	Store        *storage.Store
	Blocks       *blockstore.BlockStore
	EpochManager epoch.Manager
	Pool         *pool.Pool
	ShardGroup   types.ShardGroup
	SelfPubKey   []byte
	SelfPrivKey  *bls.PrivateKey
	MaxSizeBytes int
	MaxCommands  int
	OnCommit     CommitFunc
	OnNoVote     NoVoteFunc
	Logger       *log.Logger

	// TreeStore backs the engine's state tree T (§4.2). Nil is accepted for
	// test harnesses that only exercise pool-stage bookkeeping; commit then
	// skips substate/tree application entirely rather than panicking.
	TreeStore statetree.NodeStore

	// Executor verifies MintConfidentialOutput range proofs (§4.8) both
	// before voting and again at commit. Nil disables range-proof
	// verification, matching TreeStore's test-harness escape hatch.
	Executor *executor.Adapter
}

// Engine is the per-committee consensus state machine. Exactly one Engine
// runs per shard group a validator serves, driven single-threaded by the
// pacemaker (§4.6, §5).
type Engine struct {
	mu     sync.Mutex
	cfg    Config
	logger *log.Logger
	tree   *statetree.Tree

	state State

	epochNum        types.Epoch
	leaf            *types.Block
	highQC          types.QuorumCertificate
	locked          *types.Block
	lastVotedHeight uint64
	root            types.Hash32
}

// New constructs an Engine starting at Idle; call AdvanceToRunning once the
// epoch manager confirms committee membership.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Blocks == nil || cfg.EpochManager == nil || cfg.Pool == nil {
		return nil, fmt.Errorf("consensus: Store, Blocks, EpochManager and Pool are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Consensus] ", log.LstdFlags)
	}
	e := &Engine{cfg: cfg, logger: cfg.Logger, state: StateIdle, root: statetree.EmptyRoot()}
	if cfg.TreeStore != nil {
		e.tree = statetree.New(cfg.TreeStore, statetree.Scope{Shard: treeShardKey(cfg.ShardGroup)})
	}
	return e, nil
}

// treeShardKey maps a shard group to the single Shard value the state-tree
// root pointer is keyed by in S: the group's own encoding, so a committee
// serving a range of shards addresses one root under one key rather than
// needing a tree per shard it owns (§4.1 persisted-state-layout entry for
// state-tree nodes keyed by (epoch, shard, node_key) is scoped per
// committee in this single-tree-per-group deployment shape).
func treeShardKey(sg types.ShardGroup) types.Shard {
	return types.Shard(sg.Encode())
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// AdvanceToRunning transitions Idle -> Running, seeding the pointer state
// from genesis (or from whatever the store already holds after a sync, the
// common case after a restart).
func (e *Engine) AdvanceToRunning(epochNum types.Epoch, genesis *types.Block) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateRunning {
		return nil
	}
	e.epochNum = epochNum
	if e.leaf == nil {
		e.leaf = genesis
		e.locked = genesis
		e.highQC = types.GenesisQC()
		e.lastVotedHeight = 0
	}
	if e.tree != nil {
		if root, err := e.cfg.Store.GetStateTreeRoot(epochNum, treeShardKey(e.cfg.ShardGroup)); err == nil {
			e.root = root
		} else if !storage.IsNotFound(err) {
			return fmt.Errorf("consensus: load state tree root: %w", err)
		}
	}
	e.state = StateRunning
	e.logger.Printf("epoch %d: Idle -> Running at height %d", epochNum, e.leaf.Height)
	return nil
}

// EnterSyncRequesting transitions to SyncRequesting, used when the engine
// detects it has fallen behind (a QC or proposal references a height it
// cannot extend locally).
func (e *Engine) EnterSyncRequesting() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateSyncRequesting
}

// ReturnToIdle handles an EndEpoch handoff (§4.5): draining in-flight
// pointer state back to Idle until the epoch manager signals the next
// committee assignment.
func (e *Engine) ReturnToIdle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateIdle
	e.leaf = nil
	e.locked = nil
	e.highQC = types.QuorumCertificate{}
	e.lastVotedHeight = 0
	e.root = statetree.EmptyRoot()
	e.logger.Printf("epoch %d: Running -> Idle (epoch change)", e.epochNum)
}

// Leaf returns the block the engine currently extends.
func (e *Engine) Leaf() *types.Block {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaf
}

// HighQC returns the highest quorum certificate the engine has seen.
func (e *Engine) HighQC() types.QuorumCertificate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.highQC
}

// LockedBlock returns the engine's current lock.
func (e *Engine) LockedBlock() *types.Block {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.locked
}

// LastVotedHeight returns the monotonic last-voted-height counter.
func (e *Engine) LastVotedHeight() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastVotedHeight
}

// Epoch returns the epoch the engine currently believes it is running in.
func (e *Engine) Epoch() types.Epoch {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epochNum
}

// CurrentStateRoot returns the engine's current state-tree root for its
// (epoch, shard group) scope, the quantity every proposal at this height
// must embed as MerkleRoot (§4.2, §4.5).
func (e *Engine) CurrentStateRoot() types.Hash32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.root
}

// EpochManager returns the committee/validator-set collaborator this
// engine was configured with, for callers (the pacemaker) that need to
// resolve the expected leader independently of a proposal/vote.
func (e *Engine) EpochManager() epoch.Manager {
	return e.cfg.EpochManager
}

// ShardGroup returns the shard group this engine's committee serves.
func (e *Engine) ShardGroup() types.ShardGroup {
	return e.cfg.ShardGroup
}

// SelfPubKey returns this validator's own public key, as configured.
func (e *Engine) SelfPubKey() []byte {
	return e.cfg.SelfPubKey
}

// observeQC updates high_qc if qc is higher than what's currently held, and
// returns whether it advanced.
func (e *Engine) observeQC(qc types.QuorumCertificate) bool {
	if qc.IsGenesis() {
		return false
	}
	if !e.highQC.IsGenesis() && qc.BlockHeight <= e.highQC.BlockHeight {
		return false
	}
	e.highQC = qc
	return true
}
