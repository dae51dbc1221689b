// Copyright 2025 Certen Protocol
//
// Participation monitor: tracks each committee member's recent voting and
// proposing record and decays stale misses over time (§4.6). Adapted from
// the source's ConsensusHealthMonitor, which watched a single CometBFT
// node's block height for silence; generalized here into watching every
// validator in a committee for missed proposals, backed by the state
// store instead of an in-memory-only report.

package consensus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/certen/dan-validator/pkg/storage"
	"github.com/certen/dan-validator/pkg/types"
)

// ParticipationMonitorConfig configures a ParticipationMonitor.
type ParticipationMonitorConfig struct {
	SuspendThreshold uint64        // consecutive misses before suspension (§4.6)
	DecayShare       float64       // fraction of lifetime misses forgiven per tick
	DecayInterval    time.Duration // how often the decay tick runs
	Logger           *log.Logger
}

// DefaultParticipationMonitorConfig returns the network's default suspend
// policy knobs.
func DefaultParticipationMonitorConfig() ParticipationMonitorConfig {
	return ParticipationMonitorConfig{
		SuspendThreshold: 10,
		DecayShare:       0.1,
		DecayInterval:    time.Minute,
	}
}

// ParticipationMonitor keeps the per-validator stats behind the
// suspend/resume policy: every missed proposal adds to the consecutive-miss
// streak that trips suspension and to the lifetime MissedProposals count,
// and every tick of DecayInterval forgives a DecayShare fraction of
// MissedProposals, so a recovered validator's record does not keep a past
// outage forever.
type ParticipationMonitor struct {
	mu     sync.Mutex
	store  *storage.Store
	cfg    ParticipationMonitorConfig
	logger *log.Logger

	onSuspend func(pubKey []byte, height uint64)

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// NewParticipationMonitor constructs a monitor backed by store.
func NewParticipationMonitor(store *storage.Store, cfg ParticipationMonitorConfig) *ParticipationMonitor {
	if cfg.SuspendThreshold == 0 {
		cfg.SuspendThreshold = DefaultParticipationMonitorConfig().SuspendThreshold
	}
	if cfg.DecayInterval <= 0 {
		cfg.DecayInterval = DefaultParticipationMonitorConfig().DecayInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[ParticipationMonitor] ", log.LstdFlags)
	}
	return &ParticipationMonitor{store: store, cfg: cfg, logger: cfg.Logger}
}

// SetOnSuspend sets the callback fired the instant RecordMiss trips a
// validator's suspension.
func (m *ParticipationMonitor) SetOnSuspend(fn func(pubKey []byte, height uint64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSuspend = fn
}

// RecordMiss charges pubKey with a missed proposal at height, persisting
// the updated stats (§4.6). Called from the pacemaker's leader-timeout
// path with the leader who failed to produce a timely block.
func (m *ParticipationMonitor) RecordMiss(pubKey []byte, height uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats, err := m.store.GetValidatorStats(pubKey)
	if err != nil {
		return fmt.Errorf("participation monitor: load stats: %w", err)
	}
	wasSuspended := stats.Suspended
	stats.MissedProposals++
	stats.RecordMiss(height, m.cfg.SuspendThreshold)
	if err := m.store.PutValidatorStats(stats); err != nil {
		return fmt.Errorf("participation monitor: persist stats: %w", err)
	}

	if stats.Suspended && !wasSuspended {
		m.logger.Printf("validator %x crossed suspend threshold at height %d (consecutive misses: %d)",
			pubKey, height, stats.ConsecutiveMisses)
		if m.onSuspend != nil {
			go m.onSuspend(pubKey, height)
		}
	}
	return nil
}

// RecordParticipation credits pubKey with a vote or proposal accepted at
// height, resetting its consecutive-miss streak. Called whenever this node
// votes for a non-dummy proposal from pubKey.
func (m *ParticipationMonitor) RecordParticipation(pubKey []byte, height uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats, err := m.store.GetValidatorStats(pubKey)
	if err != nil {
		return fmt.Errorf("participation monitor: load stats: %w", err)
	}
	stats.RecordParticipation(height)
	return m.store.PutValidatorStats(stats)
}

// StatsByValidator builds the map the block builder needs to decide
// suspend/resume commands for the given committee (blockstore.BuildInput's
// StatsByValidator field), keyed by the raw public key bytes stringified.
func (m *ParticipationMonitor) StatsByValidator(committee [][]byte) (map[string]*types.ValidatorConsensusStats, error) {
	out := make(map[string]*types.ValidatorConsensusStats, len(committee))
	for _, pubKey := range committee {
		stats, err := m.store.GetValidatorStats(pubKey)
		if err != nil {
			return nil, fmt.Errorf("participation monitor: load stats: %w", err)
		}
		out[string(pubKey)] = stats
	}
	return out, nil
}

// Start begins the background decay loop.
func (m *ParticipationMonitor) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("participation monitor already running")
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.running = true
	m.mu.Unlock()

	go m.decayLoop()
	return nil
}

// Stop halts the decay loop.
func (m *ParticipationMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.cancel()
	m.running = false
}

func (m *ParticipationMonitor) decayLoop() {
	ticker := time.NewTicker(m.cfg.DecayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.decayAll(); err != nil {
				m.logger.Printf("decay tick: %v", err)
			}
		}
	}
}

// decayAll forgives a DecayShare fraction of every known validator's
// lifetime miss count, so a validator that has returned to steady
// participation is not carrying a permanent record of a past outage.
// Suspension itself is lifted only by a committed ResumeNode command
// (§4.6). The suspend decision rests on ConsecutiveMisses, which decay
// does not touch; decay lowers only MissedProposals.
func (m *ParticipationMonitor) decayAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	all, err := m.store.ListValidatorStats()
	if err != nil {
		return err
	}
	for _, stats := range all {
		if stats.MissedProposals == 0 {
			continue
		}
		forgiven := uint64(float64(stats.MissedProposals) * m.cfg.DecayShare)
		if forgiven == 0 {
			forgiven = 1
		}
		if forgiven > stats.MissedProposals {
			forgiven = stats.MissedProposals
		}
		stats.MissedProposals -= forgiven
		if err := m.store.PutValidatorStats(stats); err != nil {
			return err
		}
	}
	return nil
}
