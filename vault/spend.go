package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zyfrank/privacy-vault/ledger"
	"github.com/zyfrank/privacy-vault/logging"
	"github.com/zyfrank/privacy-vault/note"
	"github.com/zyfrank/privacy-vault/prover"
)

type State string

const (
	Gathering     State = "gathering"
	ProvingSpend  State = "proving-spend"
	ProvingChange State = "proving-change"
	Ready         State = "ready"
)

type SpendRequest struct {
	Note      *note.Note
	Recipient common.Address
	Amount    *big.Int
}

// PreparedSpend is a spend ready for submission. ChangeNote and ChangeProof
// are nil when the spend consumes the whole note.
type PreparedSpend struct {
	Request     SpendRequest
	SpendProof  *prover.Proof
	ChangeNote  *note.Note
	ChangeProof *prover.Proof
	Args        ledger.SpendArgs
	Trace       []State
}

func (p *PreparedSpend) HasChange() bool {
	return p.ChangeNote != nil
}

// Calldata returns the spend proof and the change proof, or the no-change
// sentinel in its place.
func (p *PreparedSpend) Calldata() (spend, change []byte, err error) {
	spend, err = p.SpendProof.Calldata()
	if err != nil {
		return nil, nil, err
	}
	if p.ChangeProof == nil {
		return spend, ledger.NoChangeProof, nil
	}
	change, err = p.ChangeProof.Calldata()
	if err != nil {
		return nil, nil, err
	}
	return spend, change, nil
}

type SpendResult struct {
	TxHash           common.Hash
	Receipt          *ledger.Receipt
	Args             ledger.SpendArgs
	ChangeNote       *note.Note
	ChangeNoteString string
}

// PrepareSpend walks Gathering, ProvingSpend, optionally ProvingChange, and
// Ready. An over-large amount is rejected before the ledger or the backend is
// touched.
func (s *Session) PrepareSpend(ctx context.Context, req SpendRequest) (*PreparedSpend, error) {
	if req.Note == nil {
		return nil, errors.New("vault: no note to spend")
	}
	if req.Amount == nil || req.Amount.Sign() < 0 {
		return nil, note.ErrNegativeAmount
	}
	if req.Amount.Cmp(req.Note.Amount) > 0 {
		return nil, fmt.Errorf("%w: spending %s of %s", ErrInsufficientAmount, req.Amount, req.Note.Amount)
	}
	remainder := new(big.Int).Sub(req.Note.Amount, req.Amount)
	prepared := &PreparedSpend{Request: req}
	logger := logging.Logger().With().Str("nullifier_hash", req.Note.NullifierHashHex()).Logger()

	prepared.Trace = append(prepared.Trace, Gathering)
	membership, err := s.Resolver.Resolve(ctx, req.Note)
	if err != nil {
		return nil, err
	}

	prepared.Trace = append(prepared.Trace, ProvingSpend)
	witness := &prover.SpendParameters{
		PathElements: make([]big.Int, len(membership.Proof.PathElements)),
		PathIndices:  membership.Proof.PathIndices,
	}
	witness.Root.Set(membership.Proof.Root)
	witness.NullifierHash.Set(req.Note.NullifierHash)
	witness.Amount.Set(req.Amount)
	witness.Remainder.Set(remainder)
	witness.Recipient.SetBytes(req.Recipient.Bytes())
	witness.Nullifier.Set(req.Note.Nullifier)
	witness.Secret.Set(req.Note.Secret)
	for i, e := range membership.Proof.PathElements {
		witness.PathElements[i].Set(e)
	}
	logger.Info().Int("leaf_index", membership.Proof.LeafIndex).Msg("generating spend proof")
	prepared.SpendProof, err = s.Backend.Prove(ctx, witness)
	if err != nil {
		return nil, &ProofError{Circuit: prover.SpendCircuitType, Err: err}
	}

	prepared.Args = ledger.SpendArgs{
		Root:          membership.Proof.Root,
		TreeSize:      membership.TreeSize,
		Amount:        new(big.Int).Set(req.Amount),
		Remainder:     remainder,
		NullifierHash: req.Note.NullifierHash,
		Recipient:     req.Recipient,
	}

	if remainder.Sign() > 0 {
		prepared.Trace = append(prepared.Trace, ProvingChange)
		change, err := note.NewRandomNote(s.Hasher, remainder)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("change_commitment", change.CommitmentHex()).Msg("generating change proof")
		prepared.ChangeProof, err = s.Backend.Prove(ctx, commitmentWitness(change))
		if err != nil {
			return nil, &ProofError{Circuit: prover.CommitmentCircuitType, Err: err}
		}
		prepared.ChangeNote = change
		prepared.Args.ChangeCommitment = change.Commitment
	}

	prepared.Trace = append(prepared.Trace, Ready)
	return prepared, nil
}

// SubmitSpend sends a prepared spend. It must not be called twice for the
// same preparation; the ledger rejects the second one as already spent.
func (s *Session) SubmitSpend(ctx context.Context, prepared *PreparedSpend) (common.Hash, error) {
	spendCalldata, changeCalldata, err := prepared.Calldata()
	if err != nil {
		return common.Hash{}, err
	}
	logging.Logger().Info().Str("args", prepared.Args.String()).Msg("submitting spend")
	txHash, err := s.Ledger.SubmitSpend(ctx, spendCalldata, changeCalldata, prepared.Args)
	if err != nil {
		return common.Hash{}, fmt.Errorf("submitting spend: %w", err)
	}
	return txHash, nil
}

// Spend prepares, submits and confirms a spend.
func (s *Session) Spend(ctx context.Context, req SpendRequest) (*SpendResult, error) {
	prepared, err := s.PrepareSpend(ctx, req)
	if err != nil {
		return nil, err
	}
	txHash, err := s.SubmitSpend(ctx, prepared)
	if err != nil {
		return nil, err
	}
	result := &SpendResult{TxHash: txHash, Args: prepared.Args, ChangeNote: prepared.ChangeNote}
	if prepared.ChangeNote != nil {
		result.ChangeNoteString = s.NoteString(prepared.ChangeNote)
	}

	receipt, err := ledger.AwaitConfirmation(ctx, s.Ledger, txHash, s.Confirm)
	if err != nil {
		return result, err
	}
	result.Receipt = receipt
	if !receipt.Succeeded() {
		return result, &TxError{TxHash: txHash, Receipt: receipt}
	}
	logging.Logger().Info().
		Str("tx_hash", txHash.Hex()).
		Uint64("block", receipt.BlockNumber).
		Bool("change", prepared.HasChange()).
		Msg("spend confirmed")
	return result, nil
}
