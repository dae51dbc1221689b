// Copyright 2025 Certen Protocol
//
// Foreign proposal handler (§4.9): ingests blocks gossiped from other shard
// groups' committees, verifies their QC and pledges, and tracks each one
// through Received -> Proposed -> Confirmed (or Invalid) so local consensus
// can reference it by id in a ForeignProposal command and so committed
// evidence reaches the local pool entries waiting on it.

package foreign

import (
	"fmt"
	"log"
	"sync"

	"github.com/certen/dan-validator/pkg/blockstore"
	"github.com/certen/dan-validator/pkg/epoch"
	"github.com/certen/dan-validator/pkg/pool"
	"github.com/certen/dan-validator/pkg/storage"
	"github.com/certen/dan-validator/pkg/types"
)

// InvalidReason enumerates every way an inbound foreign proposal is dropped
// rather than accepted (§4.9 "duplicate / out-of-epoch / invalid proposals
// are dropped with status Invalid").
type InvalidReason int

const (
	ReasonNone InvalidReason = iota
	ReasonQCInvalid
	ReasonPledgeMismatch
	ReasonDuplicate
)

func (r InvalidReason) String() string {
	switch r {
	case ReasonQCInvalid:
		return "QCInvalid"
	case ReasonPledgeMismatch:
		return "PledgeMismatch"
	case ReasonDuplicate:
		return "Duplicate"
	default:
		return "None"
	}
}

// InvalidFunc is invoked whenever an inbound foreign proposal is dropped,
// for telemetry (§4.9 "metrics counted; they are never fatal").
type InvalidFunc func(blockID types.BlockId, reason InvalidReason)

// Config wires a Handler to its collaborators.
type Config struct {
	Store        *storage.Store
	Pool         *pool.Pool
	EpochManager epoch.Manager
	OnInvalid    InvalidFunc
	Logger       *log.Logger
}

// Handler is the per-committee foreign proposal ingestion point. Exactly
// one runs per shard group a validator serves, mirroring the one-Engine-
// per-committee shape (§5 "single-threaded cooperative per committee").
type Handler struct {
	mu     sync.Mutex
	cfg    Config
	logger *log.Logger
}

// New constructs a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Store == nil || cfg.Pool == nil || cfg.EpochManager == nil {
		return nil, fmt.Errorf("foreign: Store, Pool and EpochManager are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Foreign] ", log.LstdFlags)
	}
	return &Handler{cfg: cfg, logger: cfg.Logger}, nil
}

// Receive ingests a gossiped foreign block B (§4.9 steps 1-3): verifies its
// certifying QC against the epoch manager's validator set for B's epoch and
// shard group, re-validates blockPledge against B's commands, and inserts
// the result as Received. A failure at either check is recorded as Invalid
// and reported via OnInvalid rather than returned as a fatal error — only
// genuine storage failures are returned to the caller.
func (h *Handler) Receive(b *types.Block, receivedQC types.QuorumCertificate, fromShard types.ShardGroup, blockPledge []types.SubstateLock) (*types.ForeignProposal, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, err := h.cfg.Store.GetForeignProposal(b.Id); err == nil && existing != nil {
		return h.invalid(b, fromShard, blockPledge, receivedQC, ReasonDuplicate)
	} else if err != nil && !storage.IsNotFound(err) {
		return nil, fmt.Errorf("foreign: lookup existing proposal %s: %w", b.Id, err)
	}

	if err := blockstore.ValidateQC(&receivedQC, b.Height+1, h.cfg.EpochManager); err != nil {
		h.logger.Printf("foreign proposal %s: invalid QC: %v", b.Id, err)
		return h.invalid(b, fromShard, blockPledge, receivedQC, ReasonQCInvalid)
	}

	if !pledgesCoverAccepts(b, blockPledge) {
		h.logger.Printf("foreign proposal %s: pledge does not cover every Accept command", b.Id)
		return h.invalid(b, fromShard, blockPledge, receivedQC, ReasonPledgeMismatch)
	}

	fp := &types.ForeignProposal{
		Block:       *b,
		FromShard:   fromShard,
		BlockPledge: blockPledge,
		ReceivedQC:  receivedQC,
		Status:      types.ForeignProposalReceived,
	}
	if err := h.cfg.Store.PutForeignProposal(fp); err != nil {
		return nil, fmt.Errorf("foreign: put proposal %s: %w", b.Id, err)
	}
	return fp, nil
}

func (h *Handler) invalid(b *types.Block, fromShard types.ShardGroup, blockPledge []types.SubstateLock, receivedQC types.QuorumCertificate, reason InvalidReason) (*types.ForeignProposal, error) {
	fp := &types.ForeignProposal{
		Block:        *b,
		FromShard:    fromShard,
		BlockPledge:  blockPledge,
		ReceivedQC:   receivedQC,
		Status:       types.ForeignProposalInvalid,
		RejectReason: reason.String(),
	}
	if err := h.cfg.Store.PutForeignProposal(fp); err != nil {
		return nil, fmt.Errorf("foreign: put invalid proposal %s: %w", b.Id, err)
	}
	if h.cfg.OnInvalid != nil {
		h.cfg.OnInvalid(b.Id, reason)
	}
	return fp, nil
}

// pledgesCoverAccepts checks that every Accept command in b corresponds to
// at least one lock in blockPledge held by that command's transaction
// (§4.9 step 2). The exact substate versions a pledge asserts are carried
// on SubstateLock.SubstateId; TxAtom itself names only the transaction, so
// per-transaction lock presence is the validation this data supports.
func pledgesCoverAccepts(b *types.Block, blockPledge []types.SubstateLock) bool {
	pledgedTx := make(map[types.TransactionId]bool, len(blockPledge))
	for _, lock := range blockPledge {
		pledgedTx[lock.LockedByTx] = true
	}
	for _, c := range b.Commands {
		if c.Kind != types.CommandAccept || c.Atom == nil {
			continue
		}
		if !pledgedTx[c.Atom.TransactionId] {
			return false
		}
	}
	return true
}

// MarkProposed transitions a Received proposal to Proposed, called by the
// orchestrator the moment local consensus includes ForeignProposal(B.id) in
// a candidate it builds or accepts (§4.9 step 3, "when local consensus
// proposes ForeignProposal(B.id), transition to Proposed").
func (h *Handler) MarkProposed(blockID types.BlockId) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	fp, err := h.cfg.Store.GetForeignProposal(blockID)
	if err != nil {
		return fmt.Errorf("foreign: mark proposed %s: %w", blockID, err)
	}
	if fp.Status != types.ForeignProposalReceived {
		return nil
	}
	fp.Status = types.ForeignProposalProposed
	return h.cfg.Store.PutForeignProposal(fp)
}

// FoldEvidence records B's Accept decisions onto every local pool entry
// waiting on them, once the ForeignProposal(B.id) command that references B
// has itself committed (§4.9 step 3, "record evidence on every involved
// pool entry"). The status flip to Confirmed is pkg/consensus's
// responsibility (consensus.Engine.finalize already owns commit-time
// bookkeeping); FoldEvidence is the complementary pool-facing half,
// called by the orchestrator from the same commit hook.
func (h *Handler) FoldEvidence(blockID types.BlockId) error {
	h.mu.Lock()
	fp, err := h.cfg.Store.GetForeignProposal(blockID)
	h.mu.Unlock()
	if err != nil {
		return fmt.Errorf("foreign: fold evidence %s: %w", blockID, err)
	}

	for _, c := range fp.Block.Commands {
		if c.Kind != types.CommandAccept || c.Atom == nil {
			continue
		}
		ev := types.EvidenceEntry{
			ShardGroup: fp.FromShard,
			BlockId:    fp.Block.Id,
			QCId:       fp.ReceivedQC.BlockId,
			Decision:   c.Atom.Decision,
		}
		if _, err := h.cfg.Pool.RecordForeignEvidence(c.Atom.TransactionId, ev); err != nil && !storage.IsNotFound(err) {
			return fmt.Errorf("foreign: record evidence for %s: %w", c.Atom.TransactionId, err)
		}
	}
	return nil
}
