// Copyright 2025 Certen Protocol
//
// Executor adapter (§4.8): a thin, deterministic wrapper around an external
// template engine. The adapter itself never executes untrusted logic — it
// only validates, dispatches to the Engine collaborator, enforces a gas
// ceiling, and converts panics into Reject results so a misbehaving engine
// can never take down the consensus task. Task-pool fan-out is grounded on
// pkg/batch/attestation_broadcaster.go's wg-plus-buffered-channel shape,
// generalized from "broadcast to N peers" to "drain a bounded job queue
// across N workers".

package executor

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/certen/dan-validator/pkg/crypto/bls_zkp"
	"github.com/certen/dan-validator/pkg/types"
)

// defaultGasCeiling bounds execution when a transaction's fee instructions
// don't encode an explicit ceiling.
const defaultGasCeiling = 1_000_000

// gasToWallClock scales a gas ceiling into a worst-case wall-clock timeout
// for the executor's engine call; it bounds only how long a misbehaving
// engine is allowed to run, never which results are valid.
const gasToWallClock = 1 * time.Microsecond

// maxExecutionTimeout caps the derived timeout so a very large declared gas
// ceiling can't starve the worker pool indefinitely.
const maxExecutionTimeout = 30 * time.Second

// Engine is the external template engine this adapter wraps (§6 "Executor
// contract (consumed)"). Implementations are untrusted: the adapter assumes
// Execute may panic, loop, or misbehave, and guards accordingly.
type Engine interface {
	Validate(tx *types.Transaction, currentEpoch types.Epoch) error
	Execute(ctx context.Context, tx *types.Transaction, inputs []types.Substate, virtualSubstates []types.Substate) (*types.FinalizeResult, error)
}

// Job is one unit of execution work submitted to the adapter's task pool.
type Job struct {
	ID               uuid.UUID
	Transaction      *types.Transaction
	CurrentEpoch     types.Epoch
	Inputs           []types.Substate
	VirtualSubstates []types.Substate
}

// Config configures an Adapter.
type Config struct {
	Workers     int
	GasCeiling  uint64
	RangeProver *bls_zkp.RangeProver
	Logger      *log.Logger
}

// Adapter runs an Engine behind a bounded worker pool, enforcing the
// deterministic-execution-budget and panic-isolation guarantees §4.8 and §5
// require of the executor boundary.
type Adapter struct {
	engine Engine
	cfg    Config
	logger *log.Logger

	jobs    chan jobRequest
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

type jobRequest struct {
	job    Job
	result chan<- *types.FinalizeResult
}

// New constructs an Adapter wrapping engine and starts its worker pool.
func New(engine Engine, cfg Config) (*Adapter, error) {
	if engine == nil {
		return nil, fmt.Errorf("executor: engine cannot be nil")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.GasCeiling == 0 {
		cfg.GasCeiling = defaultGasCeiling
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Executor] ", log.LstdFlags)
	}

	a := &Adapter{
		engine: engine,
		cfg:    cfg,
		logger: cfg.Logger,
		jobs:   make(chan jobRequest, cfg.Workers*4),
	}
	a.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go a.worker(i)
	}
	return a, nil
}

// Submit enqueues a job and blocks until it is executed, returning the
// finalize result. Safe for concurrent use; ctx cancellation unblocks the
// caller without cancelling in-flight work already handed to a worker.
func (a *Adapter) Submit(ctx context.Context, job Job) (*types.FinalizeResult, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	result := make(chan *types.FinalizeResult, 1)

	a.closeMu.Lock()
	if a.closed {
		a.closeMu.Unlock()
		return nil, fmt.Errorf("executor: adapter closed")
	}
	a.closeMu.Unlock()

	select {
	case a.jobs <- jobRequest{job: job, result: result}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-result:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting new jobs and waits for in-flight workers to drain.
func (a *Adapter) Close() {
	a.closeMu.Lock()
	if a.closed {
		a.closeMu.Unlock()
		return
	}
	a.closed = true
	close(a.jobs)
	a.closeMu.Unlock()
	a.wg.Wait()
}

func (a *Adapter) worker(id int) {
	defer a.wg.Done()
	for req := range a.jobs {
		req.result <- a.runOne(req.job)
	}
}

// runOne validates then executes one job, converting a panicking or
// non-deterministic engine into a Reject result rather than propagating the
// panic into the consensus task (§5 "the executor adapter is the only
// boundary permitted to run untrusted code; it returns owned data and
// isolates panics").
func (a *Adapter) runOne(job Job) (result *types.FinalizeResult) {
	tx := job.Transaction
	result = &types.FinalizeResult{TransactionHash: tx.ID}

	defer func() {
		if r := recover(); r != nil {
			a.logger.Printf("engine panic executing tx %s: %v", tx.ID, r)
			result.Decision = types.DecisionAbort
			result.RejectReason = fmt.Sprintf("executor panic: %v", r)
		}
	}()

	if err := a.engine.Validate(tx, job.CurrentEpoch); err != nil {
		result.Decision = types.DecisionAbort
		result.RejectReason = fmt.Sprintf("validation failed: %v", err)
		return result
	}

	ceiling := gasCeiling(tx.FeeInstructions, a.cfg.GasCeiling)
	ctx, cancel := context.WithTimeout(context.Background(), budgetToTimeout(ceiling))
	defer cancel()

	out, err := a.engine.Execute(ctx, tx, job.Inputs, job.VirtualSubstates)
	if err != nil {
		result.Decision = types.DecisionAbort
		result.RejectReason = fmt.Sprintf("execution failed: %v", err)
		return result
	}
	if ctx.Err() != nil {
		result.Decision = types.DecisionAbort
		result.RejectReason = "execution exceeded gas ceiling"
		return result
	}
	return out
}

// gasCeiling extracts a gas ceiling from the first 8 bytes of the fee
// instructions, falling back to def when the instructions are too short to
// encode one. Every honest node derives the same ceiling from the same
// instructions, so this stays deterministic.
func gasCeiling(feeInstructions []byte, def uint64) uint64 {
	if len(feeInstructions) < 8 {
		return def
	}
	if v := binary.BigEndian.Uint64(feeInstructions[:8]); v != 0 {
		return v
	}
	return def
}

// budgetToTimeout is a coarse mapping from a gas ceiling to a wall-clock
// timeout used only to bound a misbehaving engine's worst case; it never
// affects which results are valid, only how long a worker waits before
// giving up on one.
func budgetToTimeout(ceiling uint64) time.Duration {
	d := time.Duration(ceiling) * gasToWallClock
	if d <= 0 || d > maxExecutionTimeout {
		return maxExecutionTimeout
	}
	return d
}
