package hasher

import (
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
)

const MiMCName = "mimc"

// MiMC is the BN254 MiMC sponge, the same construction gnark's std/hash/mimc
// computes inside circuits.
type MiMC struct{}

func (MiMC) Name() string {
	return MiMCName
}

func (MiMC) Hash(inputs ...*big.Int) (*big.Int, error) {
	h := mimc.NewMiMC()
	for _, in := range inputs {
		if err := CheckField(in); err != nil {
			return nil, err
		}
		var e fr.Element
		e.SetBigInt(in)
		b := e.Bytes()
		if _, err := h.Write(b[:]); err != nil {
			return nil, err
		}
	}
	return new(big.Int).SetBytes(h.Sum(nil)), nil
}
