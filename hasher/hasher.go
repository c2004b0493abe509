package hasher

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

var (
	ErrNotInField    = errors.New("hasher: value is not a BN254 scalar field element")
	ErrUnknownHasher = errors.New("hasher: unknown hasher")
)

// Hasher is the one-way function used for commitments, nullifier hashes and
// Merkle tree nodes. Inputs and output are BN254 scalar field elements.
type Hasher interface {
	Hash(inputs ...*big.Int) (*big.Int, error)
	Name() string
}

// FieldModulus returns the BN254 scalar field modulus.
func FieldModulus() *big.Int {
	return fr.Modulus()
}

func CheckField(x *big.Int) error {
	if x == nil || x.Sign() < 0 || x.Cmp(fr.Modulus()) >= 0 {
		return fmt.Errorf("%w: %v", ErrNotInField, x)
	}
	return nil
}

func ByName(name string) (Hasher, error) {
	switch name {
	case "", MiMCName:
		return MiMC{}, nil
	case PoseidonName:
		return Poseidon{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownHasher, name)
	}
}
