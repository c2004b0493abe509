package prover

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/witness"
)

type proveResult struct {
	proof groth16.Proof
	err   error
}

// prove runs groth16.Prove and returns early if ctx is done. The proving
// goroutine is left to finish in the background.
func prove(ctx context.Context, ps *ProvingSystem, w witness.Witness) (*Proof, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	done := make(chan proveResult, 1)
	go func() {
		proof, err := groth16.Prove(ps.ConstraintSystem, ps.ProvingKey, w)
		done <- proveResult{proof, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		return &Proof{res.proof}, nil
	}
}

func (ps *ProvingSystem) WriteTo(w io.Writer) (int64, error) {
	var totalWritten int64 = 0
	var intBuf [4]byte

	fieldsToWrite := []uint32{
		ps.CircuitType.code(),
		ps.TreeHeight,
	}

	for _, field := range fieldsToWrite {
		binary.BigEndian.PutUint32(intBuf[:], field)
		written, err := w.Write(intBuf[:])
		totalWritten += int64(written)
		if err != nil {
			return totalWritten, err
		}
	}

	keyWritten, err := ps.ProvingKey.WriteTo(w)
	totalWritten += keyWritten
	if err != nil {
		return totalWritten, err
	}

	keyWritten, err = ps.VerifyingKey.WriteTo(w)
	totalWritten += keyWritten
	if err != nil {
		return totalWritten, err
	}

	keyWritten, err = ps.ConstraintSystem.WriteTo(w)
	totalWritten += keyWritten
	if err != nil {
		return totalWritten, err
	}
	return totalWritten, nil
}

func (ps *ProvingSystem) UnsafeReadFrom(r io.Reader) (int64, error) {
	var totalRead int64 = 0
	var intBuf [4]byte
	var circuitCode uint32

	fieldsToRead := []*uint32{
		&circuitCode,
		&ps.TreeHeight,
	}

	for _, field := range fieldsToRead {
		read, err := io.ReadFull(r, intBuf[:])
		totalRead += int64(read)
		if err != nil {
			return totalRead, err
		}
		*field = binary.BigEndian.Uint32(intBuf[:])
	}
	circuitType, err := circuitFromCode(circuitCode)
	if err != nil {
		return totalRead, err
	}
	ps.CircuitType = circuitType

	ps.ProvingKey = groth16.NewProvingKey(ecc.BN254)
	keyRead, err := ps.ProvingKey.UnsafeReadFrom(r)
	totalRead += keyRead
	if err != nil {
		return totalRead, err
	}

	ps.VerifyingKey = groth16.NewVerifyingKey(ecc.BN254)
	keyRead, err = ps.VerifyingKey.UnsafeReadFrom(r)
	totalRead += keyRead
	if err != nil {
		return totalRead, err
	}

	ps.ConstraintSystem = groth16.NewCS(ecc.BN254)
	keyRead, err = ps.ConstraintSystem.ReadFrom(r)
	totalRead += keyRead
	if err != nil {
		return totalRead, err
	}

	return totalRead, nil
}

func ReadSystemFromFile(path string) (*ProvingSystem, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	ps := new(ProvingSystem)
	if _, err := ps.UnsafeReadFrom(file); err != nil {
		return nil, fmt.Errorf("reading proving system %s: %w", path, err)
	}
	return ps, nil
}

func WriteProvingSystem(ps *ProvingSystem, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := ps.WriteTo(file); err != nil {
		return err
	}
	return file.Sync()
}
