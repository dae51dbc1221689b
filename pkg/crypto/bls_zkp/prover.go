// Copyright 2025 Certen Protocol
//
// Range-proof prover: generates and verifies Groth16 proofs for confidential
// output amounts.
//
// This package provides:
//   - Circuit compilation and setup (one-time)
//   - Proof generation for a confidential amount commitment
//   - Proof/key (de)serialization so a proving key can be generated once and
//     reused across validator restarts

package bls_zkp

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	groth16_bn254 "github.com/consensys/gnark/backend/groth16/bn254"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
)

// =============================================================================
// TYPES
// =============================================================================

// RangeProver handles ZK proof generation for confidential amount range
// proofs.
type RangeProver struct {
	mu sync.RWMutex

	cs constraint.ConstraintSystem
	pk groth16.ProvingKey
	vk groth16.VerifyingKey

	initialized bool
}

// RangeProof is a generated proof that a confidential amount is within
// [0, 2^64), ready to be attached to a MintConfidentialOutput command.
type RangeProof struct {
	ProofA [2]*big.Int     `json:"proofA"`
	ProofB [2][2]*big.Int  `json:"proofB"`
	ProofC [2]*big.Int     `json:"proofC"`

	// Commitment is the single public input: the committed amount.
	Commitment *big.Int `json:"commitment"`
}

// RangeWitness carries the private inputs for proof generation.
type RangeWitness struct {
	Amount   uint64
	Blinding *big.Int
}

// Marshal serializes the proof to JSON, the form a MintConfidentialOutput
// command's RangeProof field carries on the wire. The JSON includes the
// Commitment alongside the proof points.
func (r *RangeProof) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalRangeProof parses a proof previously produced by Marshal.
func UnmarshalRangeProof(data []byte) (*RangeProof, error) {
	var r RangeProof
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal range proof: %w", err)
	}
	return &r, nil
}

// =============================================================================
// PROVER INITIALIZATION
// =============================================================================

// NewRangeProver creates a new, uninitialized prover.
func NewRangeProver() *RangeProver {
	return &RangeProver{}
}

// Initialize compiles the circuit and runs the Groth16 trusted setup. One-time,
// can take several seconds; callers typically run this at validator startup
// and cache the keys via SaveKeys.
func (p *RangeProver) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	var circuit RangeProofCircuit
	cs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &circuit)
	if err != nil {
		return fmt.Errorf("compile circuit: %w", err)
	}
	p.cs = cs

	pk, vk, err := groth16.Setup(cs)
	if err != nil {
		return fmt.Errorf("groth16 setup: %w", err)
	}
	p.pk = pk
	p.vk = vk

	p.initialized = true
	return nil
}

// InitializeFromKeys loads pre-generated keys from files instead of running
// a fresh trusted setup.
func (p *RangeProver) InitializeFromKeys(pkPath, vkPath, csPath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	csFile, err := os.Open(csPath)
	if err != nil {
		return fmt.Errorf("open constraint system: %w", err)
	}
	defer csFile.Close()

	p.cs = groth16.NewCS(ecc.BN254)
	if _, err := p.cs.ReadFrom(csFile); err != nil {
		return fmt.Errorf("read constraint system: %w", err)
	}

	pkFile, err := os.Open(pkPath)
	if err != nil {
		return fmt.Errorf("open proving key: %w", err)
	}
	defer pkFile.Close()

	p.pk = groth16.NewProvingKey(ecc.BN254)
	if _, err := p.pk.ReadFrom(pkFile); err != nil {
		return fmt.Errorf("read proving key: %w", err)
	}

	vkFile, err := os.Open(vkPath)
	if err != nil {
		return fmt.Errorf("open verification key: %w", err)
	}
	defer vkFile.Close()

	p.vk = groth16.NewVerifyingKey(ecc.BN254)
	if _, err := p.vk.ReadFrom(vkFile); err != nil {
		return fmt.Errorf("read verification key: %w", err)
	}

	p.initialized = true
	return nil
}

// SaveKeys persists the compiled circuit and keys so a future process can
// skip the trusted setup via InitializeFromKeys.
func (p *RangeProver) SaveKeys(pkPath, vkPath, csPath string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.initialized {
		return errors.New("prover not initialized")
	}

	csFile, err := os.Create(csPath)
	if err != nil {
		return fmt.Errorf("create constraint system file: %w", err)
	}
	defer csFile.Close()
	if _, err := p.cs.WriteTo(csFile); err != nil {
		return fmt.Errorf("write constraint system: %w", err)
	}

	pkFile, err := os.Create(pkPath)
	if err != nil {
		return fmt.Errorf("create proving key file: %w", err)
	}
	defer pkFile.Close()
	if _, err := p.pk.WriteTo(pkFile); err != nil {
		return fmt.Errorf("write proving key: %w", err)
	}

	vkFile, err := os.Create(vkPath)
	if err != nil {
		return fmt.Errorf("create verification key file: %w", err)
	}
	defer vkFile.Close()
	if _, err := p.vk.WriteTo(vkFile); err != nil {
		return fmt.Errorf("write verification key: %w", err)
	}

	return nil
}

// =============================================================================
// PROOF GENERATION AND VERIFICATION
// =============================================================================

// GenerateProof produces a range proof for the given witness.
func (p *RangeProver) GenerateProof(witness *RangeWitness) (*RangeProof, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.initialized {
		return nil, errors.New("prover not initialized")
	}

	amount := new(big.Int).SetUint64(witness.Amount)
	commitment := commitmentValue(amount, witness.Blinding)

	assignment := &RangeProofCircuit{
		Commitment: commitment,
		Amount:     amount,
		Blinding:   witness.Blinding,
	}

	witnessData, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("create witness: %w", err)
	}

	proof, err := groth16.Prove(p.cs, p.pk, witnessData)
	if err != nil {
		return nil, fmt.Errorf("generate proof: %w", err)
	}

	zkProof, err := extractProofComponents(proof)
	if err != nil {
		return nil, fmt.Errorf("extract proof components: %w", err)
	}
	zkProof.Commitment = commitment

	return zkProof, nil
}

// VerifyProofLocally verifies a range proof against its public commitment.
func (p *RangeProver) VerifyProofLocally(proof *RangeProof) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.initialized {
		return false, errors.New("prover not initialized")
	}

	assignment := &RangeProofCircuit{
		Commitment: proof.Commitment,
	}

	publicWitness, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return false, fmt.Errorf("create public witness: %w", err)
	}

	groth16Proof, err := reconstructProof(proof)
	if err != nil {
		return false, fmt.Errorf("reconstruct proof: %w", err)
	}

	if err := groth16.Verify(groth16Proof, p.vk, publicWitness); err != nil {
		return false, nil
	}
	return true, nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// commitmentValue computes the out-of-circuit commitment, matching the
// circuit's computeCommitment exactly: amount + blinding*7.
func commitmentValue(amount, blinding *big.Int) *big.Int {
	if blinding == nil {
		blinding = big.NewInt(0)
	}
	result := new(big.Int).Mul(blinding, big.NewInt(commitmentMixCoeff))
	result.Add(result, amount)
	return result
}

func extractProofComponents(proof groth16.Proof) (*RangeProof, error) {
	proofBN254, ok := proof.(*groth16_bn254.Proof)
	if !ok {
		return nil, errors.New("proof is not BN254 type")
	}

	proofAX := new(big.Int)
	proofAY := new(big.Int)
	proofBN254.Ar.X.BigInt(proofAX)
	proofBN254.Ar.Y.BigInt(proofAY)

	proofBX0 := new(big.Int)
	proofBX1 := new(big.Int)
	proofBY0 := new(big.Int)
	proofBY1 := new(big.Int)
	proofBN254.Bs.X.A0.BigInt(proofBX0)
	proofBN254.Bs.X.A1.BigInt(proofBX1)
	proofBN254.Bs.Y.A0.BigInt(proofBY0)
	proofBN254.Bs.Y.A1.BigInt(proofBY1)

	proofCX := new(big.Int)
	proofCY := new(big.Int)
	proofBN254.Krs.X.BigInt(proofCX)
	proofBN254.Krs.Y.BigInt(proofCY)

	return &RangeProof{
		ProofA: [2]*big.Int{proofAX, proofAY},
		ProofB: [2][2]*big.Int{{proofBX0, proofBX1}, {proofBY0, proofBY1}},
		ProofC: [2]*big.Int{proofCX, proofCY},
	}, nil
}

func reconstructProof(zkProof *RangeProof) (groth16.Proof, error) {
	proof := &groth16_bn254.Proof{}

	proof.Ar.X.SetBigInt(zkProof.ProofA[0])
	proof.Ar.Y.SetBigInt(zkProof.ProofA[1])

	proof.Bs.X.A0.SetBigInt(zkProof.ProofB[0][0])
	proof.Bs.X.A1.SetBigInt(zkProof.ProofB[0][1])
	proof.Bs.Y.A0.SetBigInt(zkProof.ProofB[1][0])
	proof.Bs.Y.A1.SetBigInt(zkProof.ProofB[1][1])

	proof.Krs.X.SetBigInt(zkProof.ProofC[0])
	proof.Krs.Y.SetBigInt(zkProof.ProofC[1])

	return proof, nil
}
