// Copyright 2025 Certen Protocol
//
// Epoch manager contract (§6, consumed): the consensus engine treats
// committee membership, validator-set Merkle roots and quorum thresholds as
// owned by an external collaborator it only reads from. Manager is that
// contract; StaticManager is a concrete, config-driven implementation for
// deployments (and tests) that don't need live epoch transitions driven by a
// base layer. Grounded on pkg/consensus/health_monitor.go's
// injected-interface-plus-callback shape (there: StatusFetcher feeds a
// health monitor; here: Manager feeds the consensus state machine and
// proposal validator).

package epoch

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/certen/dan-validator/pkg/merkle"
	"github.com/certen/dan-validator/pkg/types"
)

// Validator is one committee member as the epoch manager reports it.
type Validator struct {
	PublicKey   []byte
	VotingPower uint64
}

// Committee is the validator set serving one shard group in one epoch.
type Committee struct {
	Epoch      types.Epoch
	ShardGroup types.ShardGroup
	Validators []Validator
}

// Leader returns the expected leader's public key for height within this
// committee, per §4.5's rotation contract: round-robin by height over the
// committee's membership sorted by validator identity.
func (c *Committee) Leader(height uint64) []byte {
	sorted := append([]Validator(nil), c.Validators...)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].PublicKey, sorted[j].PublicKey) < 0
	})
	if len(sorted) == 0 {
		return nil
	}
	return sorted[height%uint64(len(sorted))].PublicKey
}

// Manager is the epoch-manager contract consumed per §6: current_epoch(),
// get_validator_set(epoch), get_validator_by_public_key(epoch, pk),
// get_validator_set_merkle_root(epoch), committee_info(epoch, shard_group),
// quorum_threshold(committee_size), and an EpochChanged(epoch) event stream.
type Manager interface {
	CurrentEpoch() types.Epoch
	ValidatorSet(epoch types.Epoch) ([]Validator, error)
	ValidatorByPublicKey(epoch types.Epoch, pubKey []byte) (*Validator, error)
	ValidatorSetMerkleRoot(epoch types.Epoch) (types.Hash32, error)
	ValidatorSetTree(epoch types.Epoch) (*merkle.ValidatorSetTree, error)
	CommitteeInfo(epoch types.Epoch, shardGroup types.ShardGroup) (*Committee, error)
	QuorumThreshold(committeeSize int) int
	Subscribe() <-chan types.Epoch

	// ConfirmEndOfEpoch reports whether height is the configured last block
	// height of epoch, the confirmation an EndEpoch command's vote
	// precondition requires (§4.7).
	ConfirmEndOfEpoch(epoch types.Epoch, height uint64) bool
}

// StaticManager is a Manager backed by a fixed, externally-supplied mapping
// from epoch to committee; it never advances on its own, which suits tests
// and single-epoch deployments. EpochChanged events are delivered whenever
// AdvanceEpoch is called explicitly.
type StaticManager struct {
	mu             sync.RWMutex
	current        types.Epoch
	committees     map[types.Epoch]map[uint32]Committee // epoch -> ShardGroup.Encode() -> committee
	trees          map[types.Epoch]*merkle.ValidatorSetTree
	epochEndHeight map[types.Epoch]uint64
	subscribers    []chan types.Epoch
}

// NewStaticManager constructs a manager starting at startEpoch.
func NewStaticManager(startEpoch types.Epoch) *StaticManager {
	return &StaticManager{
		current:        startEpoch,
		committees:     make(map[types.Epoch]map[uint32]Committee),
		trees:          make(map[types.Epoch]*merkle.ValidatorSetTree),
		epochEndHeight: make(map[types.Epoch]uint64),
	}
}

// SetEpochEndHeight records the height at which epoch is configured to end,
// consulted by ConfirmEndOfEpoch. Deployments that never rotate epochs can
// leave this unset.
func (m *StaticManager) SetEpochEndHeight(epoch types.Epoch, height uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epochEndHeight[epoch] = height
}

// ConfirmEndOfEpoch reports whether height is the registered end height for
// epoch. An epoch with no registered end height never confirms.
func (m *StaticManager) ConfirmEndOfEpoch(epoch types.Epoch, height uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	end, ok := m.epochEndHeight[epoch]
	return ok && end == height
}

// SetCommittee registers (or replaces) the committee serving shardGroup in
// epoch, rebuilding its validator-set Merkle tree.
func (m *StaticManager) SetCommittee(epoch types.Epoch, shardGroup types.ShardGroup, validators []Validator) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pubKeys := make([][]byte, len(validators))
	for i, v := range validators {
		pubKeys[i] = v.PublicKey
	}
	tree, err := merkle.BuildValidatorSetTree(pubKeys)
	if err != nil {
		return fmt.Errorf("epoch: build validator set tree: %w", err)
	}

	if m.committees[epoch] == nil {
		m.committees[epoch] = make(map[uint32]Committee)
	}
	m.committees[epoch][shardGroup.Encode()] = Committee{
		Epoch:      epoch,
		ShardGroup: shardGroup,
		Validators: validators,
	}
	m.trees[epoch] = tree
	return nil
}

// AdvanceEpoch moves current forward and notifies subscribers.
func (m *StaticManager) AdvanceEpoch(next types.Epoch) {
	m.mu.Lock()
	m.current = next
	subs := append([]chan types.Epoch(nil), m.subscribers...)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- next:
		default:
		}
	}
}

func (m *StaticManager) CurrentEpoch() types.Epoch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *StaticManager) ValidatorSet(epoch types.Epoch) ([]Validator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byGroup, ok := m.committees[epoch]
	if !ok {
		return nil, fmt.Errorf("epoch: no committees registered for epoch %d", epoch)
	}
	seen := make(map[string]struct{})
	var out []Validator
	for _, c := range byGroup {
		for _, v := range c.Validators {
			key := string(v.PublicKey)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *StaticManager) ValidatorByPublicKey(epoch types.Epoch, pubKey []byte) (*Validator, error) {
	validators, err := m.ValidatorSet(epoch)
	if err != nil {
		return nil, err
	}
	for _, v := range validators {
		if string(v.PublicKey) == string(pubKey) {
			return &v, nil
		}
	}
	return nil, fmt.Errorf("epoch: validator not found in epoch %d", epoch)
}

func (m *StaticManager) ValidatorSetMerkleRoot(epoch types.Epoch) (types.Hash32, error) {
	m.mu.RLock()
	tree, ok := m.trees[epoch]
	m.mu.RUnlock()
	if !ok {
		return types.Hash32{}, fmt.Errorf("epoch: no validator set tree for epoch %d", epoch)
	}
	var root types.Hash32
	copy(root[:], tree.Root())
	return root, nil
}

func (m *StaticManager) ValidatorSetTree(epoch types.Epoch) (*merkle.ValidatorSetTree, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tree, ok := m.trees[epoch]
	if !ok {
		return nil, fmt.Errorf("epoch: no validator set tree for epoch %d", epoch)
	}
	return tree, nil
}

func (m *StaticManager) CommitteeInfo(epoch types.Epoch, shardGroup types.ShardGroup) (*Committee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byGroup, ok := m.committees[epoch]
	if !ok {
		return nil, fmt.Errorf("epoch: no committees registered for epoch %d", epoch)
	}
	c, ok := byGroup[shardGroup.Encode()]
	if !ok {
		return nil, fmt.Errorf("epoch: no committee for shard group %d-%d in epoch %d", shardGroup.Start, shardGroup.End, epoch)
	}
	return &c, nil
}

// QuorumThreshold returns the smallest count satisfying the standard BFT
// bound: strictly more than two thirds of the committee, per §3/§4.4.
func (m *StaticManager) QuorumThreshold(committeeSize int) int {
	return (2*committeeSize)/3 + 1
}

// Subscribe registers a channel delivered EpochChanged events via
// AdvanceEpoch; delivery is best-effort (non-blocking) to keep the epoch
// manager from ever stalling on a slow subscriber.
func (m *StaticManager) Subscribe() <-chan types.Epoch {
	ch := make(chan types.Epoch, 1)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}
