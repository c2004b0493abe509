package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// DepositEvent is emitted when a commitment is inserted into the vault tree.
type DepositEvent struct {
	Commitment  *big.Int
	LeafIndex   uint32
	Timestamp   uint64
	TxHash      common.Hash
	BlockNumber uint64
}

// SpendEvent is emitted when a nullifier hash is marked spent.
type SpendEvent struct {
	NullifierHash *big.Int
	To            common.Address
	Relayer       common.Address
	Fee           *big.Int
	Timestamp     uint64
	TxHash        common.Hash
	BlockNumber   uint64
}

type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	From        common.Address
	Status      uint64
}

// Mined reports whether the receipt carries a block number.
func (r *Receipt) Mined() bool {
	return r != nil && r.BlockNumber > 0
}

func (r *Receipt) Succeeded() bool {
	return r.Mined() && r.Status == types.ReceiptStatusSuccessful
}

// EventSource answers deposit and spend event queries over inclusive block ranges.
type EventSource interface {
	LatestBlock(ctx context.Context) (uint64, error)
	DepositEvents(ctx context.Context, fromBlock, toBlock uint64) ([]DepositEvent, error)
	SpendEvents(ctx context.Context, fromBlock, toBlock uint64) ([]SpendEvent, error)
}

// Resettable event sources can drop whatever they have cached.
type Resettable interface {
	Reset(ctx context.Context) error
}

type ReceiptQuerier interface {
	// TransactionReceipt returns a nil receipt while the transaction is unknown or pending.
	TransactionReceipt(ctx context.Context, tx common.Hash) (*Receipt, error)
}

type Querier interface {
	ReceiptQuerier
	IsKnownRoot(ctx context.Context, root *big.Int, treeSize uint64) (bool, error)
	IsSpent(ctx context.Context, nullifierHash *big.Int) (bool, error)
	// Balance returns the native balance when token is nil.
	Balance(ctx context.Context, account common.Address, token *common.Address) (*big.Int, error)
}

type Submitter interface {
	SubmitDeposit(ctx context.Context, proof []byte, args DepositArgs) (common.Hash, error)
	SubmitSpend(ctx context.Context, spendProof, changeProof []byte, args SpendArgs) (common.Hash, error)
}

type Ledger interface {
	EventSource
	Querier
	Submitter
}
