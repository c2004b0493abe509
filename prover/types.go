package prover

import (
	"fmt"
	"math/big"
)

type CircuitType string

const (
	SpendCircuitType      CircuitType = "spend"
	CommitmentCircuitType CircuitType = "commitment"
)

func (c CircuitType) code() uint32 {
	switch c {
	case SpendCircuitType:
		return 1
	case CommitmentCircuitType:
		return 2
	default:
		return 0
	}
}

func circuitFromCode(code uint32) (CircuitType, error) {
	switch code {
	case 1:
		return SpendCircuitType, nil
	case 2:
		return CommitmentCircuitType, nil
	default:
		return "", fmt.Errorf("unknown circuit code %d", code)
	}
}

// Witness is a complete input record for one circuit.
type Witness interface {
	Circuit() CircuitType
}

type SpendParameters struct {
	Root          big.Int
	NullifierHash big.Int
	Amount        big.Int
	Remainder     big.Int
	Recipient     big.Int

	Nullifier    big.Int
	Secret       big.Int
	PathElements []big.Int
	PathIndices  []uint
}

func (p *SpendParameters) Circuit() CircuitType {
	return SpendCircuitType
}

func (p *SpendParameters) TreeHeight() uint32 {
	return uint32(len(p.PathElements))
}

func (p *SpendParameters) ValidateShape(treeHeight uint32) error {
	if p.TreeHeight() != treeHeight {
		return fmt.Errorf("wrong size of merkle proof: %d, want %d", p.TreeHeight(), treeHeight)
	}
	if len(p.PathIndices) != len(p.PathElements) {
		return fmt.Errorf("path has %d elements but %d direction bits", len(p.PathElements), len(p.PathIndices))
	}
	for i, bit := range p.PathIndices {
		if bit > 1 {
			return fmt.Errorf("path index %d is not a bit: %d", i, bit)
		}
	}
	return nil
}

func (p *SpendParameters) PublicInputs() SpendPublicInputs {
	return SpendPublicInputs{
		Root:          p.Root,
		NullifierHash: p.NullifierHash,
		Amount:        p.Amount,
		Remainder:     p.Remainder,
		Recipient:     p.Recipient,
	}
}

type CommitmentParameters struct {
	Commitment big.Int
	Amount     big.Int

	Nullifier big.Int
	Secret    big.Int
}

func (p *CommitmentParameters) Circuit() CircuitType {
	return CommitmentCircuitType
}
