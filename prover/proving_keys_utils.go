package prover

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"

	"github.com/zyfrank/privacy-vault/logging"
)

// KeyFileName names the proving system file for a circuit. Commitment keys do
// not depend on the tree height.
func KeyFileName(circuit CircuitType, treeHeight uint32) string {
	if circuit == SpendCircuitType {
		return fmt.Sprintf("%s_%d.key", circuit, treeHeight)
	}
	return fmt.Sprintf("%s.key", circuit)
}

// LoadKeys reads the spend and commitment proving systems for treeHeight from keysDir.
func LoadKeys(keysDir string, treeHeight uint32) ([]*ProvingSystem, error) {
	var systems []*ProvingSystem
	for _, circuit := range []CircuitType{SpendCircuitType, CommitmentCircuitType} {
		path := filepath.Join(keysDir, KeyFileName(circuit, treeHeight))
		logging.Logger().Info().Str("filepath", path).Msg("reading proving system")
		ps, err := ReadSystemFromFile(path)
		if err != nil {
			return nil, err
		}
		if ps.CircuitType != circuit {
			return nil, fmt.Errorf("%s holds a %s circuit", path, ps.CircuitType)
		}
		if circuit == SpendCircuitType && ps.TreeHeight != treeHeight {
			return nil, fmt.Errorf("%s is for tree height %d, want %d", path, ps.TreeHeight, treeHeight)
		}
		systems = append(systems, ps)
	}
	return systems, nil
}

// LoadProvingKey reads a bare groth16 proving key.
func LoadProvingKey(filepath string) (pk groth16.ProvingKey, err error) {
	logging.Logger().Info().
		Str("filepath", filepath).
		Msg("start reading proving key")

	pk = groth16.NewProvingKey(ecc.BN254)
	f, err := os.Open(filepath)
	if err != nil {
		logging.Logger().Error().
			Str("filepath", filepath).
			Err(err).
			Msg("error opening proving key file")
		return pk, fmt.Errorf("error opening proving key file: %w", err)
	}
	defer f.Close()

	n, err := pk.ReadFrom(f)
	if err != nil {
		logging.Logger().Error().
			Str("filepath", filepath).
			Int64("bytesRead", n).
			Err(err).
			Msg("error reading proving key file")
		return pk, fmt.Errorf("error reading proving key: %w", err)
	}

	logging.Logger().Info().
		Str("filepath", filepath).
		Int64("bytesRead", n).
		Msg("successfully read proving key")
	return pk, nil
}

func LoadVerifyingKey(filepath string) (groth16.VerifyingKey, error) {
	logging.Logger().Info().Str("filepath", filepath).Msg("start reading verifying key")
	vk := groth16.NewVerifyingKey(ecc.BN254)
	f, err := os.Open(filepath)
	if err != nil {
		return nil, fmt.Errorf("error opening verifying key file: %w", err)
	}
	defer f.Close()

	if _, err := vk.ReadFrom(f); err != nil {
		return nil, fmt.Errorf("error reading verifying key: %w", err)
	}
	return vk, nil
}
