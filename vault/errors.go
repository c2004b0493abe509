package vault

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zyfrank/privacy-vault/ledger"
	"github.com/zyfrank/privacy-vault/prover"
)

var (
	ErrInsufficientAmount = errors.New("vault: spend amount exceeds note amount")
	ErrProofBackend       = errors.New("vault: proof backend failed")
	ErrTxReverted         = errors.New("vault: transaction reverted")
	ErrNetworkMismatch    = errors.New("vault: this note is for a different network")
	ErrCurrencyMismatch   = errors.New("vault: this note is for a different currency")
)

// ProofError is a proving failure for one circuit. The flow stops at the
// first one.
type ProofError struct {
	Circuit prover.CircuitType
	Err     error
}

func (e *ProofError) Error() string {
	return fmt.Sprintf("vault: generating %s proof: %v", e.Circuit, e.Err)
}

func (e *ProofError) Unwrap() error {
	return e.Err
}

func (e *ProofError) Is(target error) bool {
	return target == ErrProofBackend
}

// TxError reports a transaction that was mined but reverted.
type TxError struct {
	TxHash  common.Hash
	Receipt *ledger.Receipt
}

func (e *TxError) Error() string {
	return fmt.Sprintf("vault: transaction %s reverted in block %d", e.TxHash.Hex(), e.Receipt.BlockNumber)
}

func (e *TxError) Is(target error) bool {
	return target == ErrTxReverted
}
