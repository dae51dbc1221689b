// Copyright 2025 Certen Protocol
//
// HTTP transaction submission API (§6 "external submission interface",
// §7 "submitted transactions terminate in exactly one final status —
// Accepted ... or Rejected(reason) ... surfaced via the external submission
// interface"). Handlers are plain net/http, matching the teacher's own
// handler style (pkg/server/ledger_handlers.go): no router framework, one
// ServeMux registered in cmd/validator.

package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/certen/dan-validator/pkg/consensus"
	"github.com/certen/dan-validator/pkg/database"
	"github.com/certen/dan-validator/pkg/pool"
	"github.com/certen/dan-validator/pkg/storage"
	"github.com/certen/dan-validator/pkg/types"
)

// TransactionHandlers serves transaction submission and status queries.
type TransactionHandlers struct {
	pool        *pool.Pool
	archive     *database.TransactionRepository
	engine      *consensus.Engine
	rateLimiter *RateLimiter
	logger      *log.Logger
}

// Config wires TransactionHandlers to its collaborators. Archive is
// optional: when nil, status queries fall back to the pool's in-flight
// view and finalized-but-evicted transactions return 404. Engine is
// optional: when nil, the state-proof endpoint reports 503 rather than
// panicking.
type Config struct {
	Pool               *pool.Pool
	Archive            *database.TransactionRepository
	Engine             *consensus.Engine
	RateLimitPerMinute int
	Logger             *log.Logger
}

// NewTransactionHandlers constructs the handler set.
func NewTransactionHandlers(cfg Config) (*TransactionHandlers, error) {
	if cfg.Pool == nil {
		return nil, errors.New("server: Pool is required")
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 600
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Server] ", log.LstdFlags)
	}
	return &TransactionHandlers{
		pool:        cfg.Pool,
		archive:     cfg.Archive,
		engine:      cfg.Engine,
		rateLimiter: NewRateLimiter(cfg.RateLimitPerMinute),
		logger:      cfg.Logger,
	}, nil
}

type submitRequest struct {
	FeeInstructions   []byte                       `json:"fee_instructions"`
	Instructions      []byte                       `json:"instructions"`
	Signature         []byte                       `json:"signature"`
	DeclaredInputs    []types.VersionedSubstateId  `json:"declared_inputs"`
	DeclaredInputRefs []types.VersionedSubstateId  `json:"declared_input_refs"`
	MinEpoch          *types.Epoch                 `json:"min_epoch,omitempty"`
	MaxEpoch          *types.Epoch                 `json:"max_epoch,omitempty"`
}

type submitResponse struct {
	TransactionId types.TransactionId `json:"transaction_id"`
	Stage         string              `json:"stage"`
}

// HandleSubmit handles POST /v1/transactions: builds a Transaction from the
// request body, computes its identity, and submits it to the pool. The
// response carries only the assigned id and initial stage; the terminal
// Accepted/Rejected status is retrieved later via HandleStatus, per §7's
// "exactly one final status" contract.
func (h *TransactionHandlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if !h.rateLimiter.Allow(r.RemoteAddr) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tx := &types.Transaction{
		FeeInstructions:   req.FeeInstructions,
		Instructions:      req.Instructions,
		Signature:         req.Signature,
		DeclaredInputs:    req.DeclaredInputs,
		DeclaredInputRefs: req.DeclaredInputRefs,
		MinEpoch:          req.MinEpoch,
		MaxEpoch:          req.MaxEpoch,
	}
	tx.ID = tx.ComputeID()

	entry, err := h.pool.Submit(tx)
	if err != nil {
		h.logger.Printf("submit %s: %v", tx.ID, err)
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{TransactionId: tx.ID, Stage: entry.Stage.String()})
}

type statusResponse struct {
	TransactionId types.TransactionId   `json:"transaction_id"`
	Stage         string                `json:"stage,omitempty"`
	Decision      *string               `json:"decision,omitempty"`
	Reason        *string               `json:"reason,omitempty"`
	FinalizedAt   *time.Time            `json:"finalized_at,omitempty"`
}

// HandleStatus handles GET /v1/transactions/{id}: reports the in-flight
// pool stage while a transaction is still live, falling back to the
// archive once the pool has evicted a finalized entry.
func (h *TransactionHandlers) HandleStatus(w http.ResponseWriter, r *http.Request, txID types.TransactionId) {
	if entry, err := h.pool.Get(txID); err == nil {
		writeJSON(w, http.StatusOK, statusResponse{TransactionId: txID, Stage: entry.Stage.String()})
		return
	} else if !storage.IsNotFound(err) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if h.archive == nil {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}

	rec, err := h.archive.Get(r.Context(), txID)
	if err != nil {
		if errors.Is(err, database.ErrTransactionRecordNotFound) {
			writeError(w, http.StatusNotFound, "transaction not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := statusResponse{TransactionId: txID, FinalizedAt: rec.FinalizedTime}
	if rec.FinalDecision != nil {
		decision := rec.FinalDecision.Decision.String()
		resp.Decision = &decision
		if rec.FinalDecision.Decision == types.DecisionAbort {
			reason := rec.FinalDecision.Reason
			reasonStr := abortReasonLabel(reason)
			resp.Reason = &reasonStr
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleHealth handles GET /healthz: a liveness probe independent of any
// particular committee's consensus state.
func (h *TransactionHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type stateProofResponse struct {
	SubstateId    types.SubstateId    `json:"substate_id"`
	Root          types.Hash32        `json:"root"`
	Present       bool                `json:"present"`
	LeafKey       types.SubstateId    `json:"leaf_key,omitempty"`
	LeafValueHash types.Hash32        `json:"leaf_value_hash,omitempty"`
	LeafVersion   uint64              `json:"leaf_version,omitempty"`
	Siblings      []types.Hash32      `json:"siblings"`
}

// HandleStateProof handles GET /v1/state/{id}/proof: builds an inclusion or
// absence proof for the substate id named in the path against this
// committee's current state-tree root, so a client can verify for itself
// whether a substate belongs to T without trusting this node (§4.2
// get_proof).
func (h *TransactionHandlers) HandleStateProof(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "state tree not configured")
		return
	}

	id, err := types.HashFromHex(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid substate id")
		return
	}

	proof, root, err := h.engine.StateProof(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, stateProofResponse{
		SubstateId:    id,
		Root:          root,
		Present:       proof.Present,
		LeafKey:       proof.LeafKey,
		LeafValueHash: proof.LeafValueHash,
		LeafVersion:   proof.LeafVersion,
		Siblings:      proof.Siblings[:],
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func abortReasonLabel(r types.AbortReason) string {
	switch r {
	case types.AbortReasonExecutionReject:
		return "ExecutionReject"
	case types.AbortReasonPledgeConflict:
		return "PledgeConflict"
	case types.AbortReasonForeignAbort:
		return "ForeignAbort"
	case types.AbortReasonInputConsistency:
		return "InputConsistency"
	default:
		return "None"
	}
}
