// Copyright 2025 Certen Protocol
//
// Transaction pool: walks each submitted transaction through the stage
// lattice (§3, §4.7) from New to a terminal Committed/Aborted, fed by local
// execution results and cross-shard evidence arriving via commands committed
// in blocks. Structurally grounded on pkg/batch/consensus_coordinator.go's
// mutex-guarded map-of-entries-plus-callbacks shape, generalized from
// per-batch consensus tracking to per-transaction stage tracking.

package pool

import (
	"fmt"
	"log"
	"sync"

	"github.com/certen/dan-validator/pkg/blockstore"
	"github.com/certen/dan-validator/pkg/storage"
	"github.com/certen/dan-validator/pkg/types"
)

// ReadyAtom is an alias of blockstore.ReadyAtom, the shape the leader build
// path consumes; kept so callers outside blockstore don't need their own
// import when all they want is the pool's view of readiness.
type ReadyAtom = blockstore.ReadyAtom

// ShardResolver maps a substate shard to the shard group that currently owns
// it, a lookup the epoch manager provides (§6).
type ShardResolver func(types.Shard) types.ShardGroup

// StageChangeFunc is invoked whenever a pool entry's stage advances.
type StageChangeFunc func(entry *types.PoolEntry, from types.PoolStage)

// Config configures a Pool.
type Config struct {
	Local         types.ShardGroup
	ShardBits     uint32
	ResolveShard  ShardResolver
	OnStageChange StageChangeFunc
	Logger        *log.Logger
}

// Pool is the per-validator transaction pool for one shard group.
type Pool struct {
	mu     sync.RWMutex
	store  *storage.Store
	cfg    Config
	logger *log.Logger
}

// New constructs a Pool backed by store.
func New(store *storage.Store, cfg Config) (*Pool, error) {
	if store == nil {
		return nil, fmt.Errorf("pool: store cannot be nil")
	}
	if cfg.ResolveShard == nil {
		return nil, fmt.Errorf("pool: ResolveShard resolver is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Pool] ", log.LstdFlags)
	}
	return &Pool{store: store, cfg: cfg, logger: cfg.Logger}, nil
}

// Submit admits a new transaction into the pool at stage New, computing its
// involved shard groups from its declared inputs (§4.7).
func (p *Pool) Submit(tx *types.Transaction) (*types.PoolEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, err := p.store.GetPoolEntry(tx.ID); err == nil {
		return existing, nil // idempotent resubmission
	} else if !storage.IsNotFound(err) {
		return nil, err
	}

	shards := tx.InvolvedShards(p.cfg.ShardBits)
	groupSet := make(map[uint32]types.ShardGroup, len(shards))
	for shard := range shards {
		sg := p.cfg.ResolveShard(shard)
		groupSet[sg.Encode()] = sg
	}
	groups := make([]types.ShardGroup, 0, len(groupSet))
	for _, sg := range groupSet {
		groups = append(groups, sg)
	}

	entry := &types.PoolEntry{
		TransactionId:       tx.ID,
		Stage:               types.StageNew,
		InvolvedShardGroups: groups,
		ForeignEvidence:     make(map[uint32]types.EvidenceEntry),
	}

	record := &types.TransactionRecord{Transaction: *tx}
	if err := p.store.PutTransactionRecord(record); err != nil {
		return nil, fmt.Errorf("pool: persist transaction record: %w", err)
	}
	if err := p.store.PutPoolEntry(entry); err != nil {
		return nil, fmt.Errorf("pool: persist pool entry: %w", err)
	}
	p.logger.Printf("admitted tx %s (local_only=%v, shard_groups=%d)", tx.ID, entry.IsLocalOnly(), len(groups))
	return entry, nil
}

// Get returns the current pool entry for a transaction.
func (p *Pool) Get(txID types.TransactionId) (*types.PoolEntry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.store.GetPoolEntry(txID)
}

// stageCommandKind maps a pool entry's current stage to the command kind
// that announces it to the rest of the committee, for every stage that is
// itself a block command (§3, §4.7). Committed/Aborted entries are never
// proposed directly: they are reached by an AllPrepared/LocalOnly entry's
// evidence completing, which the leader expresses as an Accept command the
// caller composes separately.
func stageCommandKind(stage types.PoolStage) (types.CommandKind, bool) {
	switch stage {
	case types.StagePrepared:
		return types.CommandPrepare, true
	case types.StageLocalPrepared:
		return types.CommandLocalPrepared, true
	case types.StageAllPrepared:
		return types.CommandAllPrepared, true
	case types.StageSomePrepared:
		return types.CommandSomePrepared, true
	case types.StageLocalOnly:
		return types.CommandLocalOnly, true
	default:
		return 0, false
	}
}

// ReadyAtoms returns one atom per pool entry whose current stage is ready to
// be announced in the next block proposed for local, in the order the
// store enumerates them. Entries whose stage carries no command of its own
// (New, Committed, Aborted) are skipped.
func (p *Pool) ReadyAtoms(local types.ShardGroup) ([]ReadyAtom, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries, err := p.store.ListPoolEntries()
	if err != nil {
		return nil, err
	}

	var atoms []ReadyAtom
	for _, e := range entries {
		kind, ok := stageCommandKind(e.Stage)
		if !ok {
			continue
		}
		involved := false
		for _, sg := range e.InvolvedShardGroups {
			if sg == local {
				involved = true
				break
			}
		}
		if !involved {
			continue
		}
		decision := types.DecisionAccept
		if e.LocalDecision != nil {
			decision = *e.LocalDecision
		}
		atoms = append(atoms, ReadyAtom{
			Kind: kind,
			Atom: types.TxAtom{
				TransactionId: e.TransactionId,
				Decision:      decision,
				Evidence:      types.Evidence(e.ForeignEvidence),
			},
		})
	}
	return atoms, nil
}

// transition moves entry to next, enforcing the lattice, persisting the new
// stage and firing the configured callback.
func (p *Pool) transition(entry *types.PoolEntry, next types.PoolStage) error {
	if !entry.Stage.CanTransition(next) {
		return &types.ErrInvalidStageTransition{From: entry.Stage, To: next}
	}
	from := entry.Stage
	entry.Stage = next
	if err := p.store.PutPoolEntry(entry); err != nil {
		return err
	}
	if p.cfg.OnStageChange != nil {
		p.cfg.OnStageChange(entry, from)
	}
	return nil
}

// RecordLocalExecution applies the executor's result to a New entry,
// advancing it to Prepared with the diff it pledges (§4.7). An entry that
// involves only the local shard group goes straight to LocalOnly instead,
// skipping the Prepared/LocalPrepared path.
func (p *Pool) RecordLocalExecution(txID types.TransactionId, decision types.Decision, diff *types.SubstateDiff, preparedHeight uint64, preparedBlock types.BlockId) (*types.PoolEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, err := p.store.GetPoolEntry(txID)
	if err != nil {
		return nil, err
	}
	entry.LocalDecision = &decision
	entry.Diff = diff
	entry.PreparedAtHeight = preparedHeight
	entry.PreparedAtBlock = preparedBlock

	target := types.StagePrepared
	if entry.IsLocalOnly() {
		target = types.StageLocalOnly
	}
	if err := p.transition(entry, target); err != nil {
		return nil, err
	}
	return entry, nil
}

// ConfirmLocalPrepared advances a Prepared entry to LocalPrepared once the
// Prepare command committed in a block (§4.7).
func (p *Pool) ConfirmLocalPrepared(txID types.TransactionId) (*types.PoolEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, err := p.store.GetPoolEntry(txID)
	if err != nil {
		return nil, err
	}
	if err := p.transition(entry, types.StageLocalPrepared); err != nil {
		return nil, err
	}
	return entry, nil
}

// RecordForeignEvidence folds in another shard group's reported decision for
// a LocalPrepared entry, advancing it to AllPrepared/SomePrepared once every
// involved foreign group has reported (§4.7, §4.9).
func (p *Pool) RecordForeignEvidence(txID types.TransactionId, ev types.EvidenceEntry) (*types.PoolEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, err := p.store.GetPoolEntry(txID)
	if err != nil {
		return nil, err
	}
	if entry.ForeignEvidence == nil {
		entry.ForeignEvidence = make(map[uint32]types.EvidenceEntry)
	}
	entry.ForeignEvidence[ev.ShardGroup.Encode()] = ev

	if !entry.AllForeignReported(p.cfg.Local) {
		if err := p.store.PutPoolEntry(entry); err != nil {
			return nil, err
		}
		return entry, nil
	}

	target := types.StageAllPrepared
	if entry.AnyForeignAborted() {
		target = types.StageSomePrepared
	}
	if err := p.transition(entry, target); err != nil {
		return nil, err
	}
	return entry, nil
}

// Finalize commits or aborts a terminal entry, writing the final decision
// into the archived transaction record and dropping the pool's in-flight row
// (§3 "exactly one final status").
func (p *Pool) Finalize(txID types.TransactionId, decision types.Decision, reason types.AbortReason) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, err := p.store.GetPoolEntry(txID)
	if err != nil {
		return err
	}

	target := types.StageCommitted
	if decision == types.DecisionAbort {
		target = types.StageAborted
		entry.AbortReason = &reason
	}
	if !entry.Stage.CanTransition(target) {
		return &types.ErrInvalidStageTransition{From: entry.Stage, To: target}
	}
	from := entry.Stage
	entry.Stage = target
	if err := p.store.PutPoolEntry(entry); err != nil {
		return err
	}

	record, err := p.store.GetTransactionRecord(txID)
	if err != nil {
		return err
	}
	record.FinalDecision = &types.FinalDecision{Decision: decision, Reason: reason}
	if err := p.store.PutTransactionRecord(record); err != nil {
		return err
	}

	if p.cfg.OnStageChange != nil {
		p.cfg.OnStageChange(entry, from)
	}

	p.logger.Printf("finalized tx %s: %s", txID, decision)
	return p.store.DeletePoolEntry(txID)
}
