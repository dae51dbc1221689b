// Copyright 2025 Certen Protocol

package executor

import (
	"fmt"
	"math/big"

	"github.com/certen/dan-validator/pkg/crypto/bls_zkp"
	"github.com/certen/dan-validator/pkg/types"
)

// VerifyMintOutput checks a MintConfidentialOutput command's range proof
// against its commitment, using the adapter's configured RangeProver (§4.8
// DOMAIN STACK: gnark-backed range-proof verifier). Returns false, nil for a
// proof that parses but fails verification; an error only for a malformed
// proof or a missing prover.
func (a *Adapter) VerifyMintOutput(data types.MintConfidentialOutputData) (bool, error) {
	if a.cfg.RangeProver == nil {
		return false, fmt.Errorf("executor: no range prover configured")
	}
	proof, err := bls_zkp.UnmarshalRangeProof(data.RangeProof)
	if err != nil {
		return false, err
	}
	proof.Commitment = new(big.Int).SetBytes(data.Commitment)
	return a.cfg.RangeProver.VerifyProofLocally(proof)
}
