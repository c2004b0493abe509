package hasher

import (
	"math/big"

	"github.com/iden3/go-iden3-crypto/poseidon"
)

const PoseidonName = "poseidon"

type Poseidon struct{}

func (Poseidon) Name() string {
	return PoseidonName
}

func (Poseidon) Hash(inputs ...*big.Int) (*big.Int, error) {
	for _, in := range inputs {
		if err := CheckField(in); err != nil {
			return nil, err
		}
	}
	return poseidon.Hash(inputs)
}
