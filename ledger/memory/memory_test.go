package memory

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyfrank/privacy-vault/hasher"
	"github.com/zyfrank/privacy-vault/ledger"
	merkletree "github.com/zyfrank/privacy-vault/merkle-tree"
)

var (
	recipient = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	fixedNow  = func() time.Time { return time.Unix(1700000000, 0) }
)

func newLedger(t *testing.T, options ...Option) *Ledger {
	t.Helper()
	options = append([]Option{WithClock(fixedNow)}, options...)
	l := New(hasher.MiMC{}, 4, merkletree.DefaultZeroValue(), options...)
	l.Fund(l.Sender(), big.NewInt(1000))
	return l
}

func mustReceipt(t *testing.T, l *Ledger, tx common.Hash) *ledger.Receipt {
	t.Helper()
	receipt, err := l.TransactionReceipt(context.Background(), tx)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	return receipt
}

func deposit(t *testing.T, l *Ledger, commitment, amount int64) common.Hash {
	t.Helper()
	tx, err := l.SubmitDeposit(context.Background(), []byte{1}, ledger.DepositArgs{Commitment: big.NewInt(commitment), Amount: big.NewInt(amount)})
	require.NoError(t, err)
	require.True(t, mustReceipt(t, l, tx).Succeeded())
	return tx
}

func currentRoot(t *testing.T, l *Ledger) (*big.Int, uint64) {
	t.Helper()
	events, err := l.DepositEvents(context.Background(), 0, 1<<62)
	require.NoError(t, err)
	leaves := make([]merkletree.Leaf, len(events))
	for i, e := range events {
		leaves[i] = merkletree.Leaf{Index: e.LeafIndex, Commitment: e.Commitment}
	}
	snap, err := merkletree.Rebuild(leaves, 4, hasher.MiMC{}, merkletree.DefaultZeroValue())
	require.NoError(t, err)
	return snap.Root(), uint64(snap.Size())
}

func TestDepositRecordsEventAndRoot(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	tx := deposit(t, l, 11, 100)

	events, err := l.DepositEvents(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint32(0), events[0].LeafIndex)
	assert.Equal(t, tx, events[0].TxHash)
	assert.Equal(t, uint64(1700000000), events[0].Timestamp)

	root, size := currentRoot(t, l)
	known, err := l.IsKnownRoot(ctx, root, size)
	require.NoError(t, err)
	assert.True(t, known)
	known, err = l.IsKnownRoot(ctx, root, size+1)
	require.NoError(t, err)
	assert.False(t, known)

	balance, err := l.Balance(ctx, l.Sender(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(900), balance.Int64())
	assert.Equal(t, l.Sender(), mustReceipt(t, l, tx).From)
}

func TestDuplicateDepositReverts(t *testing.T) {
	l := newLedger(t)
	deposit(t, l, 11, 10)
	tx, err := l.SubmitDeposit(context.Background(), nil, ledger.DepositArgs{Commitment: big.NewInt(11), Amount: big.NewInt(10)})
	require.NoError(t, err)
	assert.False(t, mustReceipt(t, l, tx).Succeeded())
	assert.Error(t, l.RevertReason(tx))
}

func TestSpendWithChange(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	deposit(t, l, 11, 100)
	root, size := currentRoot(t, l)

	args := ledger.SpendArgs{
		Root:             root,
		TreeSize:         size,
		Amount:           big.NewInt(30),
		Remainder:        big.NewInt(70),
		NullifierHash:    big.NewInt(5),
		Recipient:        recipient,
		ChangeCommitment: big.NewInt(12),
	}
	tx, err := l.SubmitSpend(ctx, []byte{1}, []byte{2}, args)
	require.NoError(t, err)
	require.True(t, mustReceipt(t, l, tx).Succeeded())

	spent, err := l.IsSpent(ctx, big.NewInt(5))
	require.NoError(t, err)
	assert.True(t, spent)

	deposits, err := l.DepositEvents(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, deposits, 2)
	assert.Equal(t, uint32(1), deposits[1].LeafIndex)
	assert.Equal(t, 0, deposits[1].Commitment.Cmp(big.NewInt(12)))

	spends, err := l.SpendEvents(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, spends, 1)
	assert.Equal(t, recipient, spends[0].To)
	assert.Equal(t, 0, spends[0].Fee.Sign())

	balance, err := l.Balance(ctx, recipient, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance.Int64())
}

func TestSpendIsAtomic(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	deposit(t, l, 11, 100)
	root, size := currentRoot(t, l)
	good := ledger.SpendArgs{
		Root:             root,
		TreeSize:         size,
		Amount:           big.NewInt(30),
		Remainder:        big.NewInt(70),
		NullifierHash:    big.NewInt(5),
		Recipient:        recipient,
		ChangeCommitment: big.NewInt(12),
	}

	cases := map[string]func(a *ledger.SpendArgs){
		"unknown root":        func(a *ledger.SpendArgs) { a.Root = big.NewInt(1) },
		"stale size":          func(a *ledger.SpendArgs) { a.TreeSize = 7 },
		"missing change":      func(a *ledger.SpendArgs) { a.ChangeCommitment = nil },
		"change without rest": func(a *ledger.SpendArgs) { a.Remainder = big.NewInt(0) },
		"reused commitment":   func(a *ledger.SpendArgs) { a.ChangeCommitment = big.NewInt(11) },
		"drains pool":         func(a *ledger.SpendArgs) { a.Amount = big.NewInt(1000) },
	}
	for name, mutate := range cases {
		args := good
		mutate(&args)
		tx, err := l.SubmitSpend(ctx, nil, nil, args)
		require.NoError(t, err, name)
		assert.False(t, mustReceipt(t, l, tx).Succeeded(), name)

		spent, err := l.IsSpent(ctx, good.NullifierHash)
		require.NoError(t, err)
		assert.False(t, spent, name)
		deposits, err := l.DepositEvents(ctx, 0, 1000)
		require.NoError(t, err)
		assert.Len(t, deposits, 1, name)
	}
}

type rejectingVerifier struct {
	spendCalls, commitmentCalls int
}

func (v *rejectingVerifier) VerifySpend(proof []byte, args ledger.SpendArgs) error {
	v.spendCalls++
	return nil
}

func (v *rejectingVerifier) VerifyCommitment(proof []byte, args ledger.DepositArgs) error {
	v.commitmentCalls++
	if args.Commitment.Cmp(big.NewInt(12)) == 0 {
		return errors.New("bad proof")
	}
	return nil
}

func TestInvalidChangeProofRevertsWholeSpend(t *testing.T) {
	ctx := context.Background()
	v := &rejectingVerifier{}
	l := newLedger(t, WithVerifier(v))
	deposit(t, l, 11, 100)
	root, size := currentRoot(t, l)

	tx, err := l.SubmitSpend(ctx, []byte{1}, []byte{2}, ledger.SpendArgs{
		Root:             root,
		TreeSize:         size,
		Amount:           big.NewInt(30),
		Remainder:        big.NewInt(70),
		NullifierHash:    big.NewInt(5),
		Recipient:        recipient,
		ChangeCommitment: big.NewInt(12),
	})
	require.NoError(t, err)
	assert.False(t, mustReceipt(t, l, tx).Succeeded())
	assert.ErrorContains(t, l.RevertReason(tx), "change proof")
	assert.Equal(t, 1, v.spendCalls)

	spent, err := l.IsSpent(ctx, big.NewInt(5))
	require.NoError(t, err)
	assert.False(t, spent)
}

func TestDoubleSpendReverts(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	deposit(t, l, 11, 100)
	root, size := currentRoot(t, l)
	args := ledger.SpendArgs{Root: root, TreeSize: size, Amount: big.NewInt(100), Remainder: big.NewInt(0), NullifierHash: big.NewInt(5), Recipient: recipient}

	first, err := l.SubmitSpend(ctx, nil, ledger.NoChangeProof, args)
	require.NoError(t, err)
	assert.True(t, mustReceipt(t, l, first).Succeeded())

	second, err := l.SubmitSpend(ctx, nil, ledger.NoChangeProof, args)
	require.NoError(t, err)
	assert.False(t, mustReceipt(t, l, second).Succeeded())
}

func TestRootHistoryIsBounded(t *testing.T) {
	ctx := context.Background()
	l := New(hasher.MiMC{}, 6, merkletree.DefaultZeroValue())
	l.Fund(l.Sender(), big.NewInt(100))
	empty, err := l.IsKnownRoot(ctx, l.tree.RootHash(), 0)
	require.NoError(t, err)
	assert.True(t, empty)

	for i := 1; i <= RootHistorySize; i++ {
		_, err := l.SubmitDeposit(ctx, nil, ledger.DepositArgs{Commitment: big.NewInt(int64(i)), Amount: big.NewInt(1)})
		require.NoError(t, err)
	}
	l.mu.Lock()
	assert.Len(t, l.roots, RootHistorySize)
	l.mu.Unlock()

	var emptyRoot *big.Int
	{
		fresh := merkletree.NewTree(6, hasher.MiMC{}, merkletree.DefaultZeroValue())
		emptyRoot = fresh.RootHash()
	}
	known, err := l.IsKnownRoot(ctx, emptyRoot, 0)
	require.NoError(t, err)
	assert.False(t, known)
}

func TestPendingPollsAndNeverMine(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, WithPendingPolls(2))
	tx, err := l.SubmitDeposit(ctx, nil, ledger.DepositArgs{Commitment: big.NewInt(3), Amount: big.NewInt(1)})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		assert.False(t, mustReceipt(t, l, tx).Mined())
	}
	assert.True(t, mustReceipt(t, l, tx).Succeeded())

	stuck := newLedger(t, NeverMine())
	tx, err = stuck.SubmitDeposit(ctx, nil, ledger.DepositArgs{Commitment: big.NewInt(3), Amount: big.NewInt(1)})
	require.NoError(t, err)
	receipt, err := stuck.TransactionReceipt(ctx, tx)
	require.NoError(t, err)
	assert.Nil(t, receipt)

	_, err = ledger.AwaitConfirmation(ctx, stuck, tx, ledger.ConfirmOptions{MaxAttempts: 3, PollInterval: time.Millisecond})
	assert.ErrorIs(t, err, ledger.ErrNotMined)
}

func TestShuffledEventsKeepIndexes(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, WithShuffledEvents(7))
	for i := int64(1); i <= 8; i++ {
		deposit(t, l, i*10, 1)
	}
	events, err := l.DepositEvents(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 8)
	for _, e := range events {
		assert.Equal(t, int64(e.LeafIndex+1)*10, e.Commitment.Int64())
	}
}

func TestTokenBalances(t *testing.T) {
	ctx := context.Background()
	token := common.HexToAddress("0x00000000000000000000000000000000000000d1")
	l := New(hasher.MiMC{}, 4, merkletree.DefaultZeroValue(), WithToken(token))
	l.Fund(l.Sender(), big.NewInt(50))

	native, err := l.Balance(ctx, l.Sender(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, native.Sign())
	balance, err := l.Balance(ctx, l.Sender(), &token)
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance.Int64())

	tx, err := l.SubmitDeposit(ctx, nil, ledger.DepositArgs{Commitment: big.NewInt(1), Amount: big.NewInt(60)})
	require.NoError(t, err)
	assert.ErrorContains(t, l.RevertReason(tx), "insufficient balance")
}
