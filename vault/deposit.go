package vault

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zyfrank/privacy-vault/ledger"
	"github.com/zyfrank/privacy-vault/logging"
	"github.com/zyfrank/privacy-vault/note"
	"github.com/zyfrank/privacy-vault/prover"
)

type PreparedDeposit struct {
	Note  *note.Note
	Proof *prover.Proof
	Args  ledger.DepositArgs
}

type DepositResult struct {
	Note       *note.Note
	NoteString string
	TxHash     common.Hash
	Receipt    *ledger.Receipt
}

func commitmentWitness(n *note.Note) *prover.CommitmentParameters {
	params := &prover.CommitmentParameters{}
	params.Commitment.Set(n.Commitment)
	params.Amount.Set(n.Amount)
	params.Nullifier.Set(n.Nullifier)
	params.Secret.Set(n.Secret)
	return params
}

// PrepareDeposit mints a fresh note for amount and proves its commitment.
func (s *Session) PrepareDeposit(ctx context.Context, amount *big.Int) (*PreparedDeposit, error) {
	n, err := note.NewRandomNote(s.Hasher, amount)
	if err != nil {
		return nil, err
	}
	proof, err := s.Backend.Prove(ctx, commitmentWitness(n))
	if err != nil {
		return nil, &ProofError{Circuit: prover.CommitmentCircuitType, Err: err}
	}
	return &PreparedDeposit{
		Note:  n,
		Proof: proof,
		Args:  ledger.DepositArgs{Commitment: n.Commitment, Amount: n.Amount},
	}, nil
}

// Deposit prepares, submits and confirms a deposit.
func (s *Session) Deposit(ctx context.Context, amount *big.Int) (*DepositResult, error) {
	prepared, err := s.PrepareDeposit(ctx, amount)
	if err != nil {
		return nil, err
	}
	calldata, err := prepared.Proof.Calldata()
	if err != nil {
		return nil, err
	}

	noteString := s.NoteString(prepared.Note)
	logger := logging.Logger().With().Str("commitment", prepared.Note.CommitmentHex()).Logger()
	logger.Info().Str("amount", note.ToDecimals(amount, s.Decimals)).Str("currency", s.Currency).Msg("submitting deposit")

	txHash, err := s.Ledger.SubmitDeposit(ctx, calldata, prepared.Args)
	if err != nil {
		return nil, fmt.Errorf("submitting deposit: %w", err)
	}
	result := &DepositResult{Note: prepared.Note, NoteString: noteString, TxHash: txHash}

	receipt, err := ledger.AwaitConfirmation(ctx, s.Ledger, txHash, s.Confirm)
	if err != nil {
		return result, err
	}
	result.Receipt = receipt
	if !receipt.Succeeded() {
		return result, &TxError{TxHash: txHash, Receipt: receipt}
	}
	logger.Info().Str("tx_hash", txHash.Hex()).Uint64("block", receipt.BlockNumber).Msg("deposit confirmed")
	return result, nil
}
