// Package audit reconstructs the public history of a note for compliance
// reports. It only reads from the ledger.
package audit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zyfrank/privacy-vault/ledger"
	"github.com/zyfrank/privacy-vault/logging"
	"github.com/zyfrank/privacy-vault/note"
)

// ErrNoSuchDeposit means no deposit event carries the note's commitment. The
// note may belong to another network, may never have been deposited, or may
// be corrupted.
var ErrNoSuchDeposit = errors.New("audit: the deposit is invalid or does not exist")

var errMissingSpendEvent = errors.New("audit: note is spent but its spend event was not found")

type DepositRecord struct {
	Commitment  *big.Int
	LeafIndex   uint32
	Timestamp   time.Time
	TxHash      common.Hash
	BlockNumber uint64
	Depositor   common.Address
}

type SpendRecord struct {
	NullifierHash *big.Int
	Timestamp     time.Time
	TxHash        common.Hash
	BlockNumber   uint64
	To            common.Address
	Relayer       common.Address
	Fee           *big.Int
}

type Report struct {
	Deposit DepositRecord
	IsSpent bool
	// Spend is nil while the note is unspent.
	Spend *SpendRecord
}

type Auditor struct {
	source     ledger.EventSource
	querier    ledger.Querier
	startBlock uint64
}

type Option func(*Auditor)

func WithStartBlock(block uint64) Option {
	return func(a *Auditor) { a.startBlock = block }
}

func New(source ledger.EventSource, querier ledger.Querier, options ...Option) *Auditor {
	a := &Auditor{source: source, querier: querier}
	for _, option := range options {
		option(a)
	}
	return a
}

func (a *Auditor) AuditNote(ctx context.Context, n *note.Note) (*Report, error) {
	latest, err := a.source.LatestBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching latest block: %w", err)
	}
	deposits, err := a.source.DepositEvents(ctx, a.startBlock, latest)
	if err != nil {
		return nil, fmt.Errorf("fetching deposit events: %w", err)
	}

	var found *ledger.DepositEvent
	for i := range deposits {
		if deposits[i].Commitment.Cmp(n.Commitment) != 0 {
			continue
		}
		if found == nil || deposits[i].LeafIndex < found.LeafIndex {
			found = &deposits[i]
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: commitment %s", ErrNoSuchDeposit, n.CommitmentHex())
	}

	report := &Report{Deposit: DepositRecord{
		Commitment:  found.Commitment,
		LeafIndex:   found.LeafIndex,
		Timestamp:   time.Unix(int64(found.Timestamp), 0).UTC(),
		TxHash:      found.TxHash,
		BlockNumber: found.BlockNumber,
	}}
	receipt, err := a.querier.TransactionReceipt(ctx, found.TxHash)
	if err != nil {
		return nil, fmt.Errorf("fetching deposit receipt: %w", err)
	}
	if receipt != nil {
		report.Deposit.Depositor = receipt.From
	}

	report.IsSpent, err = a.querier.IsSpent(ctx, n.NullifierHash)
	if err != nil {
		return nil, fmt.Errorf("checking nullifier: %w", err)
	}
	if !report.IsSpent {
		return report, nil
	}

	spends, err := a.source.SpendEvents(ctx, found.BlockNumber, latest)
	if err != nil {
		return nil, fmt.Errorf("fetching spend events: %w", err)
	}
	for _, e := range spends {
		if e.NullifierHash.Cmp(n.NullifierHash) != 0 {
			continue
		}
		report.Spend = &SpendRecord{
			NullifierHash: e.NullifierHash,
			Timestamp:     time.Unix(int64(e.Timestamp), 0).UTC(),
			TxHash:        e.TxHash,
			BlockNumber:   e.BlockNumber,
			To:            e.To,
			Relayer:       e.Relayer,
			Fee:           e.Fee,
		}
		return report, nil
	}
	logging.Logger().Warn().Str("nullifier_hash", n.NullifierHashHex()).Msg("spent note has no spend event in range")
	return nil, errMissingSpendEvent
}
