package prover

import (
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"

	"github.com/reilabs/gnark-lean-extractor/v3/abstractor"
)

// AmountBits bounds note amounts; preimage fields are 31 bytes wide.
const AmountBits = 248

type Proof struct {
	Proof groth16.Proof
}

type ProvingSystem struct {
	CircuitType      CircuitType
	TreeHeight       uint32
	ProvingKey       groth16.ProvingKey
	VerifyingKey     groth16.VerifyingKey
	ConstraintSystem constraint.ConstraintSystem
}

// MiMCHash absorbs Inputs as field elements, in order.
type MiMCHash struct {
	Inputs []frontend.Variable
}

func (gadget MiMCHash) DefineGadget(api frontend.API) interface{} {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		// frontend.Compile recovers and reports this
		panic(err)
	}
	h.Write(gadget.Inputs...)
	return h.Sum()
}

type ProveParentHash struct {
	Bit     frontend.Variable
	Hash    frontend.Variable
	Sibling frontend.Variable
}

func (gadget ProveParentHash) DefineGadget(api frontend.API) interface{} {
	api.AssertIsBoolean(gadget.Bit)
	d1 := api.Select(gadget.Bit, gadget.Sibling, gadget.Hash)
	d2 := api.Select(gadget.Bit, gadget.Hash, gadget.Sibling)
	return abstractor.Call(api, MiMCHash{Inputs: []frontend.Variable{d1, d2}})
}

type MerkleRootGadget struct {
	Hash   frontend.Variable
	Index  []frontend.Variable
	Path   []frontend.Variable
	Height int
}

func (gadget MerkleRootGadget) DefineGadget(api frontend.API) interface{} {
	currentHash := gadget.Hash
	for i := 0; i < gadget.Height; i++ {
		currentHash = abstractor.Call(api, ProveParentHash{
			Bit:     gadget.Index[i],
			Hash:    currentHash,
			Sibling: gadget.Path[i],
		})
	}
	return currentHash
}

// NoteCommitmentGadget computes H(nullifier, secret, amount).
type NoteCommitmentGadget struct {
	Nullifier frontend.Variable
	Secret    frontend.Variable
	Amount    frontend.Variable
}

func (gadget NoteCommitmentGadget) DefineGadget(api frontend.API) interface{} {
	return abstractor.Call(api, MiMCHash{Inputs: []frontend.Variable{gadget.Nullifier, gadget.Secret, gadget.Amount}})
}

type NullifierHashGadget struct {
	Nullifier frontend.Variable
}

func (gadget NullifierHashGadget) DefineGadget(api frontend.API) interface{} {
	return abstractor.Call(api, MiMCHash{Inputs: []frontend.Variable{gadget.Nullifier}})
}

// AssertFitsBits constrains Value to N bits.
type AssertFitsBits struct {
	Value frontend.Variable
	N     int
}

func (gadget AssertFitsBits) DefineGadget(api frontend.API) interface{} {
	api.ToBinary(gadget.Value, gadget.N)
	return []frontend.Variable{}
}
