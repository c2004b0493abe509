package note

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/zyfrank/privacy-vault/hasher"
)

const (
	// FieldWidth is the byte width of each preimage field.
	FieldWidth   = 31
	PreimageSize = 3 * FieldWidth
)

var (
	ErrNegativeAmount = errors.New("note: amount must not be negative")
	ErrAmountOverflow = errors.New("note: field does not fit in 31 bytes")
)

var maxField = new(big.Int).Lsh(big.NewInt(1), 8*FieldWidth)

// Note is a shielded (nullifier, secret, amount) triple together with its derived
// public values. A Note is never mutated after creation.
type Note struct {
	Nullifier *big.Int
	Secret    *big.Int
	Amount    *big.Int

	Preimage      []byte
	Commitment    *big.Int
	NullifierHash *big.Int
}

// CreateNote derives the preimage, commitment and nullifier hash of a note.
func CreateNote(h hasher.Hasher, nullifier, secret, amount *big.Int) (*Note, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	for name, v := range map[string]*big.Int{"nullifier": nullifier, "secret": secret, "amount": amount} {
		if v == nil || v.Sign() < 0 || v.Cmp(maxField) >= 0 {
			return nil, fmt.Errorf("%w: %s", ErrAmountOverflow, name)
		}
	}

	preimage := make([]byte, 0, PreimageSize)
	preimage = append(preimage, leBytes(nullifier)...)
	preimage = append(preimage, leBytes(secret)...)
	preimage = append(preimage, leBytes(amount)...)

	commitment, err := h.Hash(nullifier, secret, amount)
	if err != nil {
		return nil, fmt.Errorf("computing commitment: %w", err)
	}
	nullifierHash, err := h.Hash(nullifier)
	if err != nil {
		return nil, fmt.Errorf("computing nullifier hash: %w", err)
	}

	return &Note{
		Nullifier:     new(big.Int).Set(nullifier),
		Secret:        new(big.Int).Set(secret),
		Amount:        new(big.Int).Set(amount),
		Preimage:      preimage,
		Commitment:    commitment,
		NullifierHash: nullifierHash,
	}, nil
}

// FromPreimage rebuilds a note from its 93-byte preimage.
func FromPreimage(h hasher.Hasher, preimage []byte) (*Note, error) {
	if len(preimage) != PreimageSize {
		return nil, fmt.Errorf("%w: preimage is %d bytes, want %d", ErrInvalidFormat, len(preimage), PreimageSize)
	}
	nullifier := fromLEBytes(preimage[0:FieldWidth])
	secret := fromLEBytes(preimage[FieldWidth : 2*FieldWidth])
	amount := fromLEBytes(preimage[2*FieldWidth : 3*FieldWidth])
	return CreateNote(h, nullifier, secret, amount)
}

// NewRandomNote creates a note for amount with a fresh random nullifier and secret.
func NewRandomNote(h hasher.Hasher, amount *big.Int) (*Note, error) {
	nullifier, err := RandomScalar()
	if err != nil {
		return nil, err
	}
	secret, err := RandomScalar()
	if err != nil {
		return nil, err
	}
	return CreateNote(h, nullifier, secret, amount)
}

// RandomScalar returns a uniformly random 31-byte value.
func RandomScalar() (*big.Int, error) {
	buf := make([]byte, FieldWidth)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("reading randomness: %w", err)
	}
	return fromLEBytes(buf), nil
}

func (n *Note) PreimageHex() string {
	return "0x" + hex.EncodeToString(n.Preimage)
}

func (n *Note) CommitmentHex() string {
	return fmt.Sprintf("0x%064x", n.Commitment)
}

func (n *Note) NullifierHashHex() string {
	return fmt.Sprintf("0x%064x", n.NullifierHash)
}

func leBytes(v *big.Int) []byte {
	out := make([]byte, FieldWidth)
	be := v.Bytes()
	for i, b := range be {
		out[len(be)-1-i] = b
	}
	return out
}

func fromLEBytes(le []byte) *big.Int {
	be := make([]byte, len(le))
	for i, b := range le {
		be[len(le)-1-i] = b
	}
	return new(big.Int).SetBytes(be)
}
