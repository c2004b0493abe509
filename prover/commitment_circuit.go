package prover

import (
	"context"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/reilabs/gnark-lean-extractor/v3/abstractor"

	"github.com/zyfrank/privacy-vault/logging"
)

// CommitmentCircuit proves a public commitment opens to the public amount.
type CommitmentCircuit struct {
	Commitment frontend.Variable `gnark:",public"`
	Amount     frontend.Variable `gnark:",public"`

	Nullifier frontend.Variable `gnark:",secret"`
	Secret    frontend.Variable `gnark:",secret"`
}

func (circuit *CommitmentCircuit) Define(api frontend.API) error {
	abstractor.CallVoid(api, AssertFitsBits{Value: circuit.Amount, N: AmountBits})
	commitment := abstractor.Call(api, NoteCommitmentGadget{
		Nullifier: circuit.Nullifier,
		Secret:    circuit.Secret,
		Amount:    circuit.Amount,
	})
	api.AssertIsEqual(commitment, circuit.Commitment)
	return nil
}

func R1CSCommitment() (constraint.ConstraintSystem, error) {
	return frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &CommitmentCircuit{})
}

func SetupCommitment() (*ProvingSystem, error) {
	ccs, err := R1CSCommitment()
	if err != nil {
		return nil, err
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, err
	}
	return &ProvingSystem{
		CircuitType:      CommitmentCircuitType,
		ProvingKey:       pk,
		VerifyingKey:     vk,
		ConstraintSystem: ccs,
	}, nil
}

func ProveCommitment(ctx context.Context, ps *ProvingSystem, params *CommitmentParameters) (*Proof, error) {
	assignment := &CommitmentCircuit{
		Commitment: params.Commitment,
		Amount:     params.Amount,
		Nullifier:  params.Nullifier,
		Secret:     params.Secret,
	}
	witness, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, err
	}
	logging.Logger().Info().Msg("proving commitment")
	return prove(ctx, ps, witness)
}

func VerifyCommitment(ps *ProvingSystem, commitment, amount big.Int, proof *Proof) error {
	assignment := &CommitmentCircuit{Commitment: commitment, Amount: amount}
	witness, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return err
	}
	if err := groth16.Verify(proof.Proof, ps.VerifyingKey, witness); err != nil {
		return fmt.Errorf("commitment proof: %w", err)
	}
	return nil
}
