package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zyfrank/privacy-vault/logging"
)

var ErrNotMined = errors.New("ledger: transaction was not mined")

type NotMinedError struct {
	TxHash   common.Hash
	Attempts int
}

func (e *NotMinedError) Error() string {
	return fmt.Sprintf("ledger: transaction %s was not mined after %d attempts", e.TxHash.Hex(), e.Attempts)
}

func (e *NotMinedError) Unwrap() error {
	return ErrNotMined
}

type ConfirmOptions struct {
	MaxAttempts  int
	PollInterval time.Duration
}

func DefaultConfirmOptions() ConfirmOptions {
	return ConfirmOptions{MaxAttempts: 60, PollInterval: time.Second}
}

// AwaitConfirmation polls for the receipt of tx at most opts.MaxAttempts times.
// A reverted transaction is returned as a receipt; callers check Succeeded.
func AwaitConfirmation(ctx context.Context, q ReceiptQuerier, tx common.Hash, opts ConfirmOptions) (*Receipt, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultConfirmOptions().MaxAttempts
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultConfirmOptions().PollInterval
	}
	logger := logging.Logger().With().Str("tx_hash", tx.Hex()).Logger()

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		receipt, err := q.TransactionReceipt(ctx, tx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn().Err(err).Int("attempt", attempt).Msg("receipt query failed")
		case receipt.Mined():
			logger.Debug().Uint64("block", receipt.BlockNumber).Uint64("status", receipt.Status).Int("attempt", attempt).Msg("transaction mined")
			return receipt, nil
		default:
			logger.Debug().Int("attempt", attempt).Msg("transaction pending")
		}

		if attempt == opts.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.PollInterval):
		}
	}
	return nil, &NotMinedError{TxHash: tx, Attempts: opts.MaxAttempts}
}
