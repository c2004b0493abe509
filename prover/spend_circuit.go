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

// SpendCircuit proves knowledge of a note in the tree under Root whose amount
// is Amount + Remainder, without revealing which leaf it is.
type SpendCircuit struct {
	Root          frontend.Variable `gnark:",public"`
	NullifierHash frontend.Variable `gnark:",public"`
	Amount        frontend.Variable `gnark:",public"`
	Remainder     frontend.Variable `gnark:",public"`
	Recipient     frontend.Variable `gnark:",public"`

	Nullifier    frontend.Variable   `gnark:",secret"`
	Secret       frontend.Variable   `gnark:",secret"`
	PathElements []frontend.Variable `gnark:",secret"`
	PathIndices  []frontend.Variable `gnark:",secret"`

	Height uint32
}

func (circuit *SpendCircuit) Define(api frontend.API) error {
	abstractor.CallVoid(api, AssertFitsBits{Value: circuit.Amount, N: AmountBits})
	abstractor.CallVoid(api, AssertFitsBits{Value: circuit.Remainder, N: AmountBits})

	noteAmount := api.Add(circuit.Amount, circuit.Remainder)
	leaf := abstractor.Call(api, NoteCommitmentGadget{
		Nullifier: circuit.Nullifier,
		Secret:    circuit.Secret,
		Amount:    noteAmount,
	})

	nullifierHash := abstractor.Call(api, NullifierHashGadget{Nullifier: circuit.Nullifier})
	api.AssertIsEqual(nullifierHash, circuit.NullifierHash)

	root := abstractor.Call(api, MerkleRootGadget{
		Hash:   leaf,
		Index:  circuit.PathIndices,
		Path:   circuit.PathElements,
		Height: int(circuit.Height),
	})
	api.AssertIsEqual(root, circuit.Root)

	// tie the recipient into the proof so it cannot be swapped
	api.Mul(circuit.Recipient, circuit.Recipient)
	return nil
}

func newSpendCircuit(treeHeight uint32) *SpendCircuit {
	return &SpendCircuit{
		PathElements: make([]frontend.Variable, treeHeight),
		PathIndices:  make([]frontend.Variable, treeHeight),
		Height:       treeHeight,
	}
}

func R1CSSpend(treeHeight uint32) (constraint.ConstraintSystem, error) {
	return frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, newSpendCircuit(treeHeight))
}

func SetupSpend(treeHeight uint32) (*ProvingSystem, error) {
	ccs, err := R1CSSpend(treeHeight)
	if err != nil {
		return nil, err
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, err
	}
	return &ProvingSystem{
		CircuitType:      SpendCircuitType,
		TreeHeight:       treeHeight,
		ProvingKey:       pk,
		VerifyingKey:     vk,
		ConstraintSystem: ccs,
	}, nil
}

func (p *SpendParameters) assignment() *SpendCircuit {
	pathElements := make([]frontend.Variable, len(p.PathElements))
	pathIndices := make([]frontend.Variable, len(p.PathIndices))
	for i := range p.PathElements {
		pathElements[i] = p.PathElements[i]
		pathIndices[i] = p.PathIndices[i]
	}
	return &SpendCircuit{
		Root:          p.Root,
		NullifierHash: p.NullifierHash,
		Amount:        p.Amount,
		Remainder:     p.Remainder,
		Recipient:     p.Recipient,
		Nullifier:     p.Nullifier,
		Secret:        p.Secret,
		PathElements:  pathElements,
		PathIndices:   pathIndices,
	}
}

func ProveSpend(ctx context.Context, ps *ProvingSystem, params *SpendParameters) (*Proof, error) {
	if err := params.ValidateShape(ps.TreeHeight); err != nil {
		return nil, err
	}
	witness, err := frontend.NewWitness(params.assignment(), ecc.BN254.ScalarField())
	if err != nil {
		return nil, err
	}
	logging.Logger().Info().Uint32("tree_height", ps.TreeHeight).Msg("proving spend")
	return prove(ctx, ps, witness)
}

// SpendPublicInputs are the values a verifier sees.
type SpendPublicInputs struct {
	Root          big.Int
	NullifierHash big.Int
	Amount        big.Int
	Remainder     big.Int
	Recipient     big.Int
}

func VerifySpend(ps *ProvingSystem, public SpendPublicInputs, proof *Proof) error {
	assignment := &SpendCircuit{
		Root:          public.Root,
		NullifierHash: public.NullifierHash,
		Amount:        public.Amount,
		Remainder:     public.Remainder,
		Recipient:     public.Recipient,
		PathElements:  make([]frontend.Variable, ps.TreeHeight),
		PathIndices:   make([]frontend.Variable, ps.TreeHeight),
	}
	witness, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return err
	}
	if err := groth16.Verify(proof.Proof, ps.VerifyingKey, witness); err != nil {
		return fmt.Errorf("spend proof: %w", err)
	}
	return nil
}
