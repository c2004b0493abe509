package prover

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	groth16_bn254 "github.com/consensys/gnark/backend/groth16/bn254"
)

// CalldataSize is the byte length of a proof as the vault contract takes it:
// Ar, Bs and Krs as eight 32-byte words.
const CalldataSize = 8 * fpSize

const fpSize = 32

func FromHex(i *big.Int, s string) error {
	s = strings.TrimPrefix(s, "0x")
	_, ok := i.SetString(s, 16)
	if !ok {
		return fmt.Errorf("invalid number: %s", s)
	}
	return nil
}

func ToHex(i *big.Int) string {
	return fmt.Sprintf("0x%064x", i)
}

type ProofJSON struct {
	Ar  [2]string    `json:"ar"`
	Bs  [2][2]string `json:"bs"`
	Krs [2]string    `json:"krs"`
}

// Calldata returns the proof points as uncompressed big-endian words.
func (p *Proof) Calldata() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := p.Proof.WriteRawTo(&buf); err != nil {
		return nil, err
	}
	if buf.Len() < CalldataSize {
		return nil, fmt.Errorf("proof encoding is %d bytes, want at least %d", buf.Len(), CalldataSize)
	}
	return buf.Bytes()[:CalldataSize], nil
}

// ProofFromCalldata decodes a proof produced by Calldata.
func ProofFromCalldata(data []byte) (*Proof, error) {
	if len(data) != CalldataSize {
		return nil, fmt.Errorf("proof calldata is %d bytes, want %d", len(data), CalldataSize)
	}
	proof := new(groth16_bn254.Proof)
	if _, err := proof.Ar.SetBytes(data[0 : 2*fpSize]); err != nil {
		return nil, fmt.Errorf("decoding Ar: %w", err)
	}
	if _, err := proof.Bs.SetBytes(data[2*fpSize : 6*fpSize]); err != nil {
		return nil, fmt.Errorf("decoding Bs: %w", err)
	}
	if _, err := proof.Krs.SetBytes(data[6*fpSize : 8*fpSize]); err != nil {
		return nil, fmt.Errorf("decoding Krs: %w", err)
	}
	return &Proof{Proof: proof}, nil
}

func (p *Proof) MarshalJSON() ([]byte, error) {
	proofBytes, err := p.Calldata()
	if err != nil {
		return nil, err
	}
	proofHexNumbers := [8]string{}
	for i := 0; i < 8; i++ {
		proofHexNumbers[i] = ToHex(new(big.Int).SetBytes(proofBytes[i*fpSize : (i+1)*fpSize]))
	}

	proofJson := ProofJSON{}
	proofJson.Ar = [2]string{proofHexNumbers[0], proofHexNumbers[1]}
	proofJson.Bs = [2][2]string{
		{proofHexNumbers[2], proofHexNumbers[3]},
		{proofHexNumbers[4], proofHexNumbers[5]},
	}
	proofJson.Krs = [2]string{proofHexNumbers[6], proofHexNumbers[7]}
	return json.Marshal(proofJson)
}

func (p *Proof) UnmarshalJSON(data []byte) error {
	var proofJson ProofJSON
	if err := json.Unmarshal(data, &proofJson); err != nil {
		return err
	}
	proofHexNumbers := [8]string{
		proofJson.Ar[0],
		proofJson.Ar[1],
		proofJson.Bs[0][0],
		proofJson.Bs[0][1],
		proofJson.Bs[1][0],
		proofJson.Bs[1][1],
		proofJson.Krs[0],
		proofJson.Krs[1],
	}
	proofBytes := make([]byte, CalldataSize)
	for i := 0; i < 8; i++ {
		var n big.Int
		if err := FromHex(&n, proofHexNumbers[i]); err != nil {
			return err
		}
		if n.BitLen() > 8*fpSize {
			return fmt.Errorf("proof word %d does not fit in %d bytes", i, fpSize)
		}
		n.FillBytes(proofBytes[i*fpSize : (i+1)*fpSize])
	}
	proof, err := ProofFromCalldata(proofBytes)
	if err != nil {
		return err
	}
	*p = *proof
	return nil
}

type SpendParametersJSON struct {
	CircuitType   CircuitType `json:"circuitType"`
	TreeHeight    uint32      `json:"treeHeight"`
	Root          string      `json:"root"`
	NullifierHash string      `json:"nullifierHash"`
	Amount        string      `json:"amount"`
	Remainder     string      `json:"remainder"`
	Recipient     string      `json:"recipient"`
	Nullifier     string      `json:"nullifier"`
	Secret        string      `json:"secret"`
	PathElements  []string    `json:"pathElements"`
	PathIndices   []uint      `json:"pathIndices"`
}

func (p *SpendParameters) MarshalJSON() ([]byte, error) {
	paramsJson := SpendParametersJSON{
		CircuitType:   SpendCircuitType,
		TreeHeight:    p.TreeHeight(),
		Root:          ToHex(&p.Root),
		NullifierHash: ToHex(&p.NullifierHash),
		Amount:        ToHex(&p.Amount),
		Remainder:     ToHex(&p.Remainder),
		Recipient:     ToHex(&p.Recipient),
		Nullifier:     ToHex(&p.Nullifier),
		Secret:        ToHex(&p.Secret),
		PathElements:  make([]string, len(p.PathElements)),
		PathIndices:   p.PathIndices,
	}
	for i := range p.PathElements {
		paramsJson.PathElements[i] = ToHex(&p.PathElements[i])
	}
	return json.Marshal(paramsJson)
}

func (p *SpendParameters) UnmarshalJSON(data []byte) error {
	var params SpendParametersJSON
	if err := json.Unmarshal(data, &params); err != nil {
		return err
	}
	if params.CircuitType != "" && params.CircuitType != SpendCircuitType {
		return fmt.Errorf("circuit type %q is not %q", params.CircuitType, SpendCircuitType)
	}
	fields := []struct {
		dst *big.Int
		src string
	}{
		{&p.Root, params.Root},
		{&p.NullifierHash, params.NullifierHash},
		{&p.Amount, params.Amount},
		{&p.Remainder, params.Remainder},
		{&p.Recipient, params.Recipient},
		{&p.Nullifier, params.Nullifier},
		{&p.Secret, params.Secret},
	}
	for _, field := range fields {
		if err := FromHex(field.dst, field.src); err != nil {
			return err
		}
	}
	p.PathElements = make([]big.Int, len(params.PathElements))
	for i, e := range params.PathElements {
		if err := FromHex(&p.PathElements[i], e); err != nil {
			return err
		}
	}
	p.PathIndices = params.PathIndices
	if params.TreeHeight != 0 {
		return p.ValidateShape(params.TreeHeight)
	}
	return nil
}

type CommitmentParametersJSON struct {
	CircuitType CircuitType `json:"circuitType"`
	Commitment  string      `json:"commitment"`
	Amount      string      `json:"amount"`
	Nullifier   string      `json:"nullifier"`
	Secret      string      `json:"secret"`
}

func (p *CommitmentParameters) MarshalJSON() ([]byte, error) {
	return json.Marshal(CommitmentParametersJSON{
		CircuitType: CommitmentCircuitType,
		Commitment:  ToHex(&p.Commitment),
		Amount:      ToHex(&p.Amount),
		Nullifier:   ToHex(&p.Nullifier),
		Secret:      ToHex(&p.Secret),
	})
}

func (p *CommitmentParameters) UnmarshalJSON(data []byte) error {
	var params CommitmentParametersJSON
	if err := json.Unmarshal(data, &params); err != nil {
		return err
	}
	if params.CircuitType != "" && params.CircuitType != CommitmentCircuitType {
		return fmt.Errorf("circuit type %q is not %q", params.CircuitType, CommitmentCircuitType)
	}
	for _, field := range []struct {
		dst *big.Int
		src string
	}{
		{&p.Commitment, params.Commitment},
		{&p.Amount, params.Amount},
		{&p.Nullifier, params.Nullifier},
		{&p.Secret, params.Secret},
	} {
		if err := FromHex(field.dst, field.src); err != nil {
			return err
		}
	}
	return nil
}
