package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedQuerier struct {
	calls   atomic.Int32
	mineAt  int32
	failAt  int32
	receipt Receipt
}

func (q *scriptedQuerier) TransactionReceipt(ctx context.Context, tx common.Hash) (*Receipt, error) {
	n := q.calls.Add(1)
	if n == q.failAt {
		return nil, errors.New("connection reset")
	}
	if q.mineAt > 0 && n >= q.mineAt {
		r := q.receipt
		r.TxHash = tx
		return &r, nil
	}
	if n%2 == 0 {
		// pending transactions may come back without a block number
		return &Receipt{TxHash: tx}, nil
	}
	return nil, nil
}

var fastPoll = ConfirmOptions{MaxAttempts: 5, PollInterval: time.Millisecond}

func TestAwaitConfirmationMined(t *testing.T) {
	q := &scriptedQuerier{mineAt: 3, receipt: Receipt{BlockNumber: 7, Status: types.ReceiptStatusSuccessful}}
	tx := common.HexToHash("0x01")
	receipt, err := AwaitConfirmation(context.Background(), q, tx, fastPoll)
	require.NoError(t, err)
	assert.Equal(t, tx, receipt.TxHash)
	assert.True(t, receipt.Succeeded())
	assert.Equal(t, int32(3), q.calls.Load())
}

func TestAwaitConfirmationReturnsReverted(t *testing.T) {
	q := &scriptedQuerier{mineAt: 1, receipt: Receipt{BlockNumber: 7, Status: types.ReceiptStatusFailed}}
	receipt, err := AwaitConfirmation(context.Background(), q, common.HexToHash("0x02"), fastPoll)
	require.NoError(t, err)
	assert.True(t, receipt.Mined())
	assert.False(t, receipt.Succeeded())
}

func TestAwaitConfirmationTransientErrorCountsAsAttempt(t *testing.T) {
	q := &scriptedQuerier{mineAt: 3, failAt: 2, receipt: Receipt{BlockNumber: 1, Status: types.ReceiptStatusSuccessful}}
	_, err := AwaitConfirmation(context.Background(), q, common.HexToHash("0x03"), fastPoll)
	require.NoError(t, err)
	assert.Equal(t, int32(3), q.calls.Load())
}

func TestAwaitConfirmationNotMined(t *testing.T) {
	q := &scriptedQuerier{}
	tx := common.HexToHash("0x04")
	_, err := AwaitConfirmation(context.Background(), q, tx, fastPoll)
	require.ErrorIs(t, err, ErrNotMined)

	var notMined *NotMinedError
	require.True(t, errors.As(err, &notMined))
	assert.Equal(t, tx, notMined.TxHash)
	assert.Equal(t, 5, notMined.Attempts)
	assert.Equal(t, int32(5), q.calls.Load())
}

func TestAwaitConfirmationCancelled(t *testing.T) {
	q := &scriptedQuerier{}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := AwaitConfirmation(ctx, q, common.HexToHash("0x05"), ConfirmOptions{MaxAttempts: 1000, PollInterval: 10 * time.Millisecond})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSpendArgsWords(t *testing.T) {
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	args := SpendArgs{
		Root:          big.NewInt(1),
		TreeSize:      3,
		Amount:        big.NewInt(30),
		Remainder:     big.NewInt(70),
		NullifierHash: big.NewInt(5),
		Recipient:     recipient,
	}
	words := args.Words()
	require.Len(t, words, 7)
	assert.False(t, args.HasChange())
	assert.Equal(t, common.Hash{}, words[6])
	assert.Equal(t, common.BigToHash(big.NewInt(3)), words[1])
	assert.Equal(t, common.BigToHash(big.NewInt(70)), words[3])
	assert.Equal(t, byte(0xaa), words[5][31])

	args.ChangeCommitment = big.NewInt(9)
	assert.True(t, args.HasChange())
	assert.Equal(t, common.BigToHash(big.NewInt(9)), args.Words()[6])
	assert.Contains(t, args.String(), "size=3")
}

func TestDepositArgsWords(t *testing.T) {
	words := DepositArgs{Commitment: big.NewInt(2), Amount: big.NewInt(100)}.Words()
	assert.Equal(t, []common.Hash{common.BigToHash(big.NewInt(2)), common.BigToHash(big.NewInt(100))}, words)
}
