package vault

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zyfrank/privacy-vault/logging"
)

// RoundTripResult holds the three transactions of a round trip.
type RoundTripResult struct {
	Deposit *DepositResult
	Partial *SpendResult
	Change  *SpendResult
}

// RoundTrip deposits amount, spends half of it to recipient and then spends
// the change note in full.
func (s *Session) RoundTrip(ctx context.Context, amount *big.Int, recipient common.Address) (*RoundTripResult, error) {
	if amount.Cmp(big.NewInt(2)) < 0 {
		return nil, fmt.Errorf("round trip needs an amount of at least 2 base units, got %s", amount)
	}
	logger := logging.Logger().With().Str("amount", amount.String()).Logger()

	deposit, err := s.Deposit(ctx, amount)
	if err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	}
	logger.Info().Str("tx", deposit.TxHash.Hex()).Msg("round trip deposit mined")

	// spend from the note string, not the in-memory note
	ns, err := s.ParseNote(deposit.NoteString)
	if err != nil {
		return nil, err
	}
	half := new(big.Int).Rsh(amount, 1)
	partial, err := s.Spend(ctx, SpendRequest{Note: ns.Note, Recipient: recipient, Amount: half})
	if err != nil {
		return nil, fmt.Errorf("partial spend: %w", err)
	}
	logger.Info().Str("tx", partial.TxHash.Hex()).Msg("round trip partial spend mined")

	change, err := s.ParseNote(partial.ChangeNoteString)
	if err != nil {
		return nil, err
	}
	rest, err := s.Spend(ctx, SpendRequest{Note: change.Note, Recipient: recipient, Amount: change.Note.Amount})
	if err != nil {
		return nil, fmt.Errorf("change spend: %w", err)
	}
	logger.Info().Str("tx", rest.TxHash.Hex()).Msg("round trip change spend mined")
	return &RoundTripResult{Deposit: deposit, Partial: partial, Change: rest}, nil
}
