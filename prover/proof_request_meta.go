package prover

import (
	"encoding/json"
	"fmt"
)

// ProofRequestMeta is what the prover service needs to route a request.
type ProofRequestMeta struct {
	CircuitType CircuitType
	TreeHeight  uint32
}

func ParseProofRequestMeta(data []byte) (ProofRequestMeta, error) {
	var rawInput map[string]interface{}
	if err := json.Unmarshal(data, &rawInput); err != nil {
		return ProofRequestMeta{}, fmt.Errorf("failed to parse JSON: %w", err)
	}

	circuitType, ok := rawInput["circuitType"].(string)
	if !ok || circuitType == "" {
		return ProofRequestMeta{}, fmt.Errorf("missing or invalid 'circuitType'")
	}

	treeHeight := uint32(0)
	if height, ok := rawInput["treeHeight"].(float64); ok && height > 0 {
		treeHeight = uint32(height)
	}

	switch CircuitType(circuitType) {
	case SpendCircuitType:
		if treeHeight == 0 {
			return ProofRequestMeta{}, fmt.Errorf("no 'treeHeight' provided for a spend proof")
		}
	case CommitmentCircuitType:
	default:
		return ProofRequestMeta{}, fmt.Errorf("unknown circuit type %q", circuitType)
	}

	return ProofRequestMeta{CircuitType: CircuitType(circuitType), TreeHeight: treeHeight}, nil
}

// ParseWitness decodes a proof request body into its witness record.
func ParseWitness(data []byte) (Witness, error) {
	meta, err := ParseProofRequestMeta(data)
	if err != nil {
		return nil, err
	}
	switch meta.CircuitType {
	case SpendCircuitType:
		var params SpendParameters
		if err := json.Unmarshal(data, &params); err != nil {
			return nil, err
		}
		return &params, nil
	default:
		var params CommitmentParameters
		if err := json.Unmarshal(data, &params); err != nil {
			return nil, err
		}
		return &params, nil
	}
}
