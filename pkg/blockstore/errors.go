// Copyright 2025 Certen Protocol
//
// Block and QC validation error kinds (§4.3, §4.4, §7). Closed enums,
// mirrored on the teacher's NoVoteReason-style tagged-enum pattern in
// pkg/consensus/validator_block_invariants.go's accumulate-then-report
// invariant checker.

package blockstore

import "fmt"

// ProposalValidationErrorKind enumerates every way an inbound candidate
// block can fail validation (§4.3).
type ProposalValidationErrorKind int

const (
	NodeHashMismatch ProposalValidationErrorKind = iota
	NotLeader
	MissingSignature
	InvalidSignature
	CandidateBlockNotHigherThanJustify
	QCisNotValid
	QCInvalidSignature
	QuorumWasNotReached
	MerkleRootMismatch
	UnknownTransaction
	CommandOrderingInvalid
	OversizedBlock
	ProposingGenesisBlock
)

func (k ProposalValidationErrorKind) String() string {
	switch k {
	case NodeHashMismatch:
		return "NodeHashMismatch"
	case NotLeader:
		return "NotLeader"
	case MissingSignature:
		return "MissingSignature"
	case InvalidSignature:
		return "InvalidSignature"
	case CandidateBlockNotHigherThanJustify:
		return "CandidateBlockNotHigherThanJustify"
	case QCisNotValid:
		return "QCisNotValid"
	case QCInvalidSignature:
		return "QCInvalidSignature"
	case QuorumWasNotReached:
		return "QuorumWasNotReached"
	case MerkleRootMismatch:
		return "MerkleRootMismatch"
	case UnknownTransaction:
		return "UnknownTransaction"
	case CommandOrderingInvalid:
		return "CommandOrderingInvalid"
	case OversizedBlock:
		return "OversizedBlock"
	case ProposingGenesisBlock:
		return "ProposingGenesisBlock"
	default:
		return "Unknown"
	}
}

// ProposalValidationError reports a single validation failure; it is never
// fatal to the node (§4.3 "a failure aborts validation but is NOT fatal").
type ProposalValidationError struct {
	Kind    ProposalValidationErrorKind
	Details string
}

func (e *ProposalValidationError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("proposal validation failed: %s", e.Kind)
	}
	return fmt.Sprintf("proposal validation failed: %s: %s", e.Kind, e.Details)
}

func newErr(kind ProposalValidationErrorKind, format string, args ...interface{}) *ProposalValidationError {
	return &ProposalValidationError{Kind: kind, Details: fmt.Sprintf(format, args...)}
}

// QuorumCertificateValidationError wraps the specific reason a QC failed
// its own validation (§4.4), kept distinct from ProposalValidationError so
// callers outside block validation (sync, foreign proposals) can validate a
// QC standalone.
type QuorumCertificateValidationError struct {
	Kind    ProposalValidationErrorKind
	Details string
}

func (e *QuorumCertificateValidationError) Error() string {
	return fmt.Sprintf("qc validation failed: %s: %s", e.Kind, e.Details)
}
