// Copyright 2025 Certen Protocol
//
// Block and state-transition sync (§4.10): a lagging validator issues a
// SyncRequest carrying its own high_qc; the server streams back up to
// MaxBlocksPerSync blocks after that high_qc's block, up to and including
// its own leaf block, oldest first. State-transition streaming is a separate,
// narrower path (GetNAfter) used to bootstrap the substate store. Runs as
// its own parallel task outside the single-writer consensus loop (§5 "sync
// streaming" is named as one of the tasks that run in parallel with the
// per-committee consensus task).

package sync

import (
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/certen/dan-validator/pkg/blockstore"
	"github.com/certen/dan-validator/pkg/epoch"
	"github.com/certen/dan-validator/pkg/storage"
	"github.com/certen/dan-validator/pkg/types"
)

// MaxBlocksPerSync bounds a single SyncResponse (§4.10 "MAX_BLOCKS_PER_SYNC
// (=100)").
const MaxBlocksPerSync = 100

// SyncRequest is issued by a lagging validator, carrying the highest QC it
// currently holds.
type SyncRequest struct {
	HighQC types.QuorumCertificate
}

// CatchUpSyncRequest is issued when a validator detects it is more than one
// view behind (a NeedsSync signal) while still pursuing the same committee;
// distinct message type, same block-range server as SyncRequest.
type CatchUpSyncRequest struct {
	HighQC types.QuorumCertificate
}

// SyncResponse carries the streamed blocks, oldest first.
type SyncResponse struct {
	Blocks []*types.Block
}

// ComputeExpectedMerkleRoot independently recomputes the post-state root a
// candidate block's commands should produce, the same collaborator contract
// blockstore.ValidationInput.ExpectedMerkleRoot requires (blockstore never
// touches the state tree directly, and neither does this package).
type ComputeExpectedMerkleRoot func(b *types.Block) (types.Hash32, error)

// Config wires a Syncer to its collaborators.
type Config struct {
	Store                     *storage.Store
	EpochManager              epoch.Manager
	MaxBlocksPerSync          int
	ComputeExpectedMerkleRoot ComputeExpectedMerkleRoot
	KnownTransactions         blockstore.KnownTransactions
	Logger                    *log.Logger
}

// Syncer serves and applies block/state-transition sync streams.
type Syncer struct {
	cfg    Config
	logger *log.Logger
}

// New constructs a Syncer.
func New(cfg Config) (*Syncer, error) {
	if cfg.Store == nil || cfg.EpochManager == nil {
		return nil, fmt.Errorf("sync: Store and EpochManager are required")
	}
	if cfg.MaxBlocksPerSync <= 0 {
		cfg.MaxBlocksPerSync = MaxBlocksPerSync
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Sync] ", log.LstdFlags)
	}
	return &Syncer{cfg: cfg, logger: cfg.Logger}, nil
}

// HandleSyncRequest is the server side: it streams every block after
// req.HighQC's block up to and including serverHeadHeight, oldest first, clipped to
// Config.MaxBlocksPerSync. A request already at or ahead of the server's
// head returns an empty response, not an error.
func (s *Syncer) HandleSyncRequest(req SyncRequest, serverHeadHeight uint64) (*SyncResponse, error) {
	sessionID := uuid.NewString()
	start := req.HighQC.BlockHeight + 1
	if start > serverHeadHeight {
		s.logger.Printf("sync session %s: requester already caught up (start=%d, head=%d)", sessionID, start, serverHeadHeight)
		return &SyncResponse{}, nil
	}

	end := serverHeadHeight
	if end-start+1 > uint64(s.cfg.MaxBlocksPerSync) {
		end = start + uint64(s.cfg.MaxBlocksPerSync) - 1
	}

	blocks := make([]*types.Block, 0, end-start+1)
	for h := start; h <= end; h++ {
		b, err := s.cfg.Store.GetBlockByHeight(req.HighQC.ShardGroup, h)
		if err != nil {
			if storage.IsNotFound(err) {
				break
			}
			return nil, fmt.Errorf("sync: get block at height %d: %w", h, err)
		}
		blocks = append(blocks, b)
	}
	s.logger.Printf("sync session %s: serving %d blocks (%d..%d)", sessionID, len(blocks), start, end)
	return &SyncResponse{Blocks: blocks}, nil
}

// HandleCatchUpSyncRequest is a thin wrapper over HandleSyncRequest, per
// §4.10's note that CatchUpSyncRequest reuses the same block-range server.
func (s *Syncer) HandleCatchUpSyncRequest(req CatchUpSyncRequest, serverHeadHeight uint64) (*SyncResponse, error) {
	return s.HandleSyncRequest(SyncRequest{HighQC: req.HighQC}, serverHeadHeight)
}

// ApplyBlocks is the receiving side: every block in resp.Blocks is validated
// via §4.3/§4.4 (blockstore.Validate, which itself calls ValidateQC over the
// block's own justify) against the growing chain tip before being persisted,
// so an invalid or out-of-order block halts the stream rather than
// corrupting the local store. Returns the new chain tip.
func (s *Syncer) ApplyBlocks(resp *SyncResponse, parent *types.Block) (*types.Block, error) {
	tip := parent
	for _, b := range resp.Blocks {
		if b.Height != tip.Height+1 || b.ParentId != tip.Id {
			return tip, fmt.Errorf("sync: block %s does not extend tip %s at height %d", b.Id, tip.Id, tip.Height)
		}

		var expectedRoot types.Hash32
		if s.cfg.ComputeExpectedMerkleRoot != nil {
			root, err := s.cfg.ComputeExpectedMerkleRoot(b)
			if err != nil {
				return tip, fmt.Errorf("sync: recompute merkle root for block %s: %w", b.Id, err)
			}
			expectedRoot = root
		} else {
			expectedRoot = b.MerkleRoot
		}

		if err := blockstore.Validate(blockstore.ValidationInput{
			Candidate:          b,
			Parent:             tip,
			EpochManager:       s.cfg.EpochManager,
			KnownTransactions:  s.cfg.KnownTransactions,
			ExpectedMerkleRoot: expectedRoot,
		}); err != nil {
			return tip, fmt.Errorf("sync: validate block %s: %w", b.Id, err)
		}

		if err := s.cfg.Store.PutBlock(b); err != nil {
			return tip, fmt.Errorf("sync: persist block %s: %w", b.Id, err)
		}
		tip = b
	}
	return tip, nil
}

// GetNAfter streams up to n state transitions strictly after start, used to
// bootstrap the substate store (§4.10). It stops early at the epoch
// boundary unless endEpoch names a later epoch, in which case it advances
// into the next epoch at the next height and keeps going (committee
// reshuffles are orthogonal to the shard group identity carried in
// StateTransitionId, so the shard group is held fixed across the crossing).
func (s *Syncer) GetNAfter(start types.StateTransitionId, n int, endEpoch types.Epoch) ([]*types.StateTransition, error) {
	if n <= 0 {
		return nil, nil
	}
	out := make([]*types.StateTransition, 0, n)

	currentEpoch := start.Epoch
	height := start.Height
	for len(out) < n {
		if currentEpoch > endEpoch {
			break
		}
		height++
		id := types.StateTransitionId{Epoch: currentEpoch, ShardGroup: start.ShardGroup, Height: height}
		st, err := s.cfg.Store.GetStateTransition(id)
		if err != nil {
			if storage.IsNotFound(err) {
				if currentEpoch < endEpoch && s.cfg.EpochManager.ConfirmEndOfEpoch(currentEpoch, height-1) {
					currentEpoch++
					height = 0
					continue
				}
				break
			}
			return nil, fmt.Errorf("sync: get state transition %+v: %w", id, err)
		}
		out = append(out, st)

		if currentEpoch < endEpoch && s.cfg.EpochManager.ConfirmEndOfEpoch(currentEpoch, height) {
			currentEpoch++
			height = 0
		}
	}
	return out, nil
}
