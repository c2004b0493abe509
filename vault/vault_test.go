package vault

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	groth16_bn254 "github.com/consensys/gnark/backend/groth16/bn254"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyfrank/privacy-vault/hasher"
	"github.com/zyfrank/privacy-vault/ledger"
	"github.com/zyfrank/privacy-vault/ledger/memory"
	merkletree "github.com/zyfrank/privacy-vault/merkle-tree"
	"github.com/zyfrank/privacy-vault/note"
	"github.com/zyfrank/privacy-vault/prover"
	"github.com/zyfrank/privacy-vault/resolver"
)

const testTreeHeight = 4

var recipient = common.HexToAddress("0x00000000000000000000000000000000000000aa")

var errBackendDown = errors.New("backend down")

// stubBackend returns empty proofs and counts calls per circuit.
type stubBackend struct {
	mu    sync.Mutex
	calls map[prover.CircuitType]int
	fail  prover.CircuitType
}

func (b *stubBackend) Prove(ctx context.Context, w prover.Witness) (*prover.Proof, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.calls == nil {
		b.calls = make(map[prover.CircuitType]int)
	}
	b.calls[w.Circuit()]++
	if w.Circuit() == b.fail {
		return nil, errBackendDown
	}
	return &prover.Proof{Proof: new(groth16_bn254.Proof)}, nil
}

func (b *stubBackend) count(c prover.CircuitType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[c]
}

// countingLedger records every call that reaches the ledger.
type countingLedger struct {
	ledger.Ledger
	mu    sync.Mutex
	calls int
}

func (l *countingLedger) touch() {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
}

func (l *countingLedger) LatestBlock(ctx context.Context) (uint64, error) {
	l.touch()
	return l.Ledger.LatestBlock(ctx)
}

func (l *countingLedger) DepositEvents(ctx context.Context, from, to uint64) ([]ledger.DepositEvent, error) {
	l.touch()
	return l.Ledger.DepositEvents(ctx, from, to)
}

func (l *countingLedger) IsSpent(ctx context.Context, nullifierHash *big.Int) (bool, error) {
	l.touch()
	return l.Ledger.IsSpent(ctx, nullifierHash)
}

func newMemoryLedger(options ...memory.Option) *memory.Ledger {
	options = append([]memory.Option{memory.WithClock(func() time.Time { return time.Unix(1700000000, 0) })}, options...)
	l := memory.New(hasher.MiMC{}, testTreeHeight, merkletree.DefaultZeroValue(), options...)
	l.Fund(l.Sender(), big.NewInt(1000))
	return l
}

func newSession(l ledger.Ledger, backend prover.Backend) *Session {
	return NewSession(l, backend,
		WithNetwork(1337, "ETH", 18),
		WithTree(testTreeHeight, merkletree.DefaultZeroValue()),
		WithConfirmOptions(ledger.ConfirmOptions{MaxAttempts: 3, PollInterval: time.Millisecond}),
	)
}

func depositNote(t *testing.T, s *Session, amount int64) *note.Note {
	t.Helper()
	result, err := s.Deposit(context.Background(), big.NewInt(amount))
	require.NoError(t, err)
	require.True(t, result.Receipt.Succeeded())
	return result.Note
}

func TestInsufficientAmountTouchesNothing(t *testing.T) {
	backend := &stubBackend{}
	l := &countingLedger{Ledger: newMemoryLedger()}
	s := newSession(l, backend)
	n, err := note.CreateNote(s.Hasher, big.NewInt(1), big.NewInt(2), big.NewInt(10))
	require.NoError(t, err)

	_, err = s.PrepareSpend(context.Background(), SpendRequest{Note: n, Recipient: recipient, Amount: big.NewInt(11)})
	assert.ErrorIs(t, err, ErrInsufficientAmount)
	assert.Equal(t, 0, l.calls)
	assert.Equal(t, 0, backend.count(prover.SpendCircuitType))
	assert.Equal(t, 0, backend.count(prover.CommitmentCircuitType))
}

func TestPrepareSpendWithChange(t *testing.T) {
	backend := &stubBackend{}
	l := newMemoryLedger()
	s := newSession(l, backend)
	n := depositNote(t, s, 100)

	prepared, err := s.PrepareSpend(context.Background(), SpendRequest{Note: n, Recipient: recipient, Amount: big.NewInt(30)})
	require.NoError(t, err)
	assert.Equal(t, []State{Gathering, ProvingSpend, ProvingChange, Ready}, prepared.Trace)
	require.True(t, prepared.HasChange())
	assert.Equal(t, int64(70), prepared.ChangeNote.Amount.Int64())
	assert.Equal(t, int64(70), prepared.Args.Remainder.Int64())
	assert.Equal(t, int64(30), prepared.Args.Amount.Int64())
	assert.Equal(t, 0, prepared.Args.ChangeCommitment.Cmp(prepared.ChangeNote.Commitment))
	assert.Equal(t, uint64(1), prepared.Args.TreeSize)
	assert.Equal(t, 1, backend.count(prover.SpendCircuitType))
	assert.Equal(t, 2, backend.count(prover.CommitmentCircuitType))

	_, change, err := prepared.Calldata()
	require.NoError(t, err)
	assert.Len(t, change, prover.CalldataSize)

	ctx := context.Background()
	tx, err := s.SubmitSpend(ctx, prepared)
	require.NoError(t, err)
	receipt, err := ledger.AwaitConfirmation(ctx, l, tx, s.Confirm)
	require.NoError(t, err)
	require.True(t, receipt.Succeeded(), "%v", l.RevertReason(tx))

	spent, err := l.IsSpent(ctx, n.NullifierHash)
	require.NoError(t, err)
	assert.True(t, spent)
	balance, err := l.Balance(ctx, recipient, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance.Int64())

	// the change note is itself spendable
	result, err := s.Spend(ctx, SpendRequest{Note: prepared.ChangeNote, Recipient: recipient, Amount: big.NewInt(70)})
	require.NoError(t, err)
	assert.Nil(t, result.ChangeNote)
	assert.Empty(t, result.ChangeNoteString)
	balance, err = l.Balance(ctx, recipient, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.Int64())
}

func TestFullSpendHasNoChange(t *testing.T) {
	backend := &stubBackend{}
	s := newSession(newMemoryLedger(), backend)
	n := depositNote(t, s, 100)

	prepared, err := s.PrepareSpend(context.Background(), SpendRequest{Note: n, Recipient: recipient, Amount: big.NewInt(100)})
	require.NoError(t, err)
	assert.Equal(t, []State{Gathering, ProvingSpend, Ready}, prepared.Trace)
	assert.False(t, prepared.HasChange())
	assert.Nil(t, prepared.Args.ChangeCommitment)
	assert.Equal(t, common.Hash{}, prepared.Args.Words()[6])
	assert.Equal(t, 1, backend.count(prover.CommitmentCircuitType))

	_, change, err := prepared.Calldata()
	require.NoError(t, err)
	assert.Equal(t, ledger.NoChangeProof, change)
}

func TestSpendReturnsChangeNoteString(t *testing.T) {
	s := newSession(newMemoryLedger(), &stubBackend{})
	n := depositNote(t, s, 100)

	result, err := s.Spend(context.Background(), SpendRequest{Note: n, Recipient: recipient, Amount: big.NewInt(40)})
	require.NoError(t, err)
	require.NotEmpty(t, result.ChangeNoteString)

	ns, err := s.ParseNote(result.ChangeNoteString)
	require.NoError(t, err)
	assert.Equal(t, int64(60), ns.Note.Amount.Int64())
	assert.Equal(t, 0, ns.Note.Commitment.Cmp(result.ChangeNote.Commitment))
}

func TestBackendFailureIsProofError(t *testing.T) {
	for _, circuit := range []prover.CircuitType{prover.SpendCircuitType, prover.CommitmentCircuitType} {
		t.Run(string(circuit), func(t *testing.T) {
			backend := &stubBackend{}
			l := newMemoryLedger()
			s := newSession(l, backend)
			n := depositNote(t, s, 100)
			backend.fail = circuit

			_, err := s.Spend(context.Background(), SpendRequest{Note: n, Recipient: recipient, Amount: big.NewInt(30)})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrProofBackend)
			assert.ErrorIs(t, err, errBackendDown)
			var proofErr *ProofError
			require.ErrorAs(t, err, &proofErr)
			assert.Equal(t, circuit, proofErr.Circuit)
			assert.Equal(t, 1, backend.count(prover.SpendCircuitType))

			spent, err := l.IsSpent(context.Background(), n.NullifierHash)
			require.NoError(t, err)
			assert.False(t, spent)
		})
	}
}

func TestSpendOfSpentNote(t *testing.T) {
	s := newSession(newMemoryLedger(), &stubBackend{})
	n := depositNote(t, s, 100)
	_, err := s.Spend(context.Background(), SpendRequest{Note: n, Recipient: recipient, Amount: big.NewInt(100)})
	require.NoError(t, err)

	_, err = s.Spend(context.Background(), SpendRequest{Note: n, Recipient: recipient, Amount: big.NewInt(100)})
	assert.ErrorIs(t, err, resolver.ErrAlreadySpent)
}

func TestConcurrentSpendsOfOneNote(t *testing.T) {
	l := newMemoryLedger()
	s := newSession(l, &stubBackend{})
	n := depositNote(t, s, 100)
	ctx := context.Background()

	first, err := s.PrepareSpend(ctx, SpendRequest{Note: n, Recipient: recipient, Amount: big.NewInt(100)})
	require.NoError(t, err)
	second, err := s.PrepareSpend(ctx, SpendRequest{Note: n, Recipient: recipient, Amount: big.NewInt(100)})
	require.NoError(t, err)

	tx1, err := s.SubmitSpend(ctx, first)
	require.NoError(t, err)
	tx2, err := s.SubmitSpend(ctx, second)
	require.NoError(t, err)

	r1, err := ledger.AwaitConfirmation(ctx, l, tx1, s.Confirm)
	require.NoError(t, err)
	r2, err := ledger.AwaitConfirmation(ctx, l, tx2, s.Confirm)
	require.NoError(t, err)
	assert.True(t, r1.Succeeded())
	assert.False(t, r2.Succeeded())
}

func TestRevertedDepositIsTxError(t *testing.T) {
	l := memory.New(hasher.MiMC{}, testTreeHeight, merkletree.DefaultZeroValue())
	s := newSession(l, &stubBackend{})

	// the sender was never funded
	result, err := s.Deposit(context.Background(), big.NewInt(100))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTxReverted)
	var txErr *TxError
	require.ErrorAs(t, err, &txErr)
	assert.False(t, txErr.Receipt.Succeeded())
	assert.Equal(t, result.TxHash, txErr.TxHash)
	assert.Error(t, l.RevertReason(result.TxHash))
}

func TestDepositNotMined(t *testing.T) {
	s := newSession(newMemoryLedger(memory.NeverMine()), &stubBackend{})
	result, err := s.Deposit(context.Background(), big.NewInt(1))
	assert.ErrorIs(t, err, ledger.ErrNotMined)
	require.NotNil(t, result)
	assert.NotEqual(t, common.Hash{}, result.TxHash)
	assert.NotEmpty(t, result.NoteString)
}

func TestCheckNote(t *testing.T) {
	s := newSession(newMemoryLedger(), &stubBackend{})
	n, err := note.CreateNote(s.Hasher, big.NewInt(1), big.NewInt(2), big.NewInt(5e17))
	require.NoError(t, err)

	ns, err := s.ParseNote(s.NoteString(n))
	require.NoError(t, err)
	assert.Equal(t, "0.5", ns.Amount.String())

	other := note.EncodeNoteString(n, "eth", 1, 18)
	_, err = s.ParseNote(other)
	assert.ErrorIs(t, err, ErrNetworkMismatch)

	other = note.EncodeNoteString(n, "dai", 1337, 18)
	_, err = s.ParseNote(other)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)

	_, err = s.ParseNote("privacyVault-eth-0.5-1337-0x00")
	assert.ErrorIs(t, err, note.ErrInvalidFormat)
}

func TestEndToEndWithGroth16(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup is slow")
	}
	spendSystem, err := prover.SetupSpend(testTreeHeight)
	require.NoError(t, err)
	commitmentSystem, err := prover.SetupCommitment()
	require.NoError(t, err)
	backend := prover.NewLocalBackend(spendSystem, commitmentSystem)

	l := newMemoryLedger(memory.WithVerifier(backend))
	s := newSession(l, backend)
	ctx := context.Background()
	n := depositNote(t, s, 100)

	result, err := s.Spend(ctx, SpendRequest{Note: n, Recipient: recipient, Amount: big.NewInt(30)})
	require.NoError(t, err)
	require.NotNil(t, result.ChangeNote)

	_, err = s.Spend(ctx, SpendRequest{Note: result.ChangeNote, Recipient: recipient, Amount: big.NewInt(70)})
	require.NoError(t, err)

	balance, err := l.Balance(ctx, recipient, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.Int64())
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := newMemoryLedger()
	s := newSession(l, &stubBackend{})

	result, err := s.RoundTrip(ctx, big.NewInt(101), recipient)
	require.NoError(t, err)
	assert.True(t, result.Deposit.Receipt.Succeeded())
	assert.Equal(t, int64(50), result.Partial.Args.Amount.Int64())
	require.NotNil(t, result.Partial.ChangeNote)
	assert.Equal(t, int64(51), result.Partial.ChangeNote.Amount.Int64())
	assert.Nil(t, result.Change.ChangeNote)

	balance, err := l.Balance(ctx, recipient, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(101), balance.Int64())

	_, err = s.RoundTrip(ctx, big.NewInt(1), recipient)
	assert.Error(t, err)
}
