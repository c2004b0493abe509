// Package memory is an in-process vault ledger. It keeps the same tree, root
// history and nullifier set as the on-chain vault and mines every accepted
// transaction into its own block.
package memory

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zyfrank/privacy-vault/hasher"
	"github.com/zyfrank/privacy-vault/ledger"
	"github.com/zyfrank/privacy-vault/logging"
	merkletree "github.com/zyfrank/privacy-vault/merkle-tree"
)

// RootHistorySize is the number of recent roots the vault accepts.
const RootHistorySize = 30

// Verifier checks proofs carried by vault transactions.
type Verifier interface {
	VerifySpend(proof []byte, args ledger.SpendArgs) error
	VerifyCommitment(proof []byte, args ledger.DepositArgs) error
}

type knownRoot struct {
	root *big.Int
	size uint64
}

type transaction struct {
	receipt     ledger.Receipt
	pendingFor  int
	neverMined  bool
	revertCause error
}

type Ledger struct {
	mu sync.Mutex

	hasher   hasher.Hasher
	tree     *merkletree.MerkleTree
	size     uint64
	roots    []knownRoot
	spent    map[string]bool
	inserted map[string]bool

	deposits []ledger.DepositEvent
	spends   []ledger.SpendEvent
	txs      map[common.Hash]*transaction
	nonce    uint64
	block    uint64

	token    common.Address
	pool     common.Address
	balances map[common.Address]map[common.Address]*big.Int

	sender       common.Address
	verifier     Verifier
	pendingPolls int
	neverMine    bool
	shuffle      *rand.Rand
	now          func() time.Time
}

type Option func(*Ledger)

func WithVerifier(v Verifier) Option {
	return func(l *Ledger) { l.verifier = v }
}

// WithPendingPolls hides each receipt for the first n receipt queries.
func WithPendingPolls(n int) Option {
	return func(l *Ledger) { l.pendingPolls = n }
}

// NeverMine accepts transactions but never includes them in a block.
func NeverMine() Option {
	return func(l *Ledger) { l.neverMine = true }
}

// WithShuffledEvents returns event query results in a random order.
func WithShuffledEvents(seed int64) Option {
	return func(l *Ledger) { l.shuffle = rand.New(rand.NewSource(seed)) }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithSender sets the account that signs submitted transactions.
func WithSender(sender common.Address) Option {
	return func(l *Ledger) { l.sender = sender }
}

// WithToken makes the vault hold an ERC20-style token instead of the native currency.
func WithToken(token common.Address) Option {
	return func(l *Ledger) { l.token = token }
}

func New(h hasher.Hasher, height int, zeroValue *big.Int, options ...Option) *Ledger {
	l := &Ledger{
		hasher:   h,
		tree:     merkletree.NewTree(height, h, zeroValue),
		spent:    make(map[string]bool),
		inserted: make(map[string]bool),
		txs:      make(map[common.Hash]*transaction),
		balances: make(map[common.Address]map[common.Address]*big.Int),
		pool:     common.HexToAddress("0x000000000000000000000000000000000000beef"),
		sender:   common.HexToAddress("0x0000000000000000000000000000000000000001"),
		now:      time.Now,
	}
	for _, option := range options {
		option(l)
	}
	l.roots = append(l.roots, knownRoot{root: l.tree.RootHash(), size: 0})
	return l
}

func (l *Ledger) Sender() common.Address {
	return l.sender
}

func (l *Ledger) Pool() common.Address {
	return l.pool
}

// Fund credits account with amount of the vault currency.
func (l *Ledger) Fund(account common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(l.token, account, amount)
}

func (l *Ledger) LatestBlock(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.block, nil
}

func (l *Ledger) DepositEvents(ctx context.Context, fromBlock, toBlock uint64) ([]ledger.DepositEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ledger.DepositEvent
	for _, e := range l.deposits {
		if e.BlockNumber >= fromBlock && e.BlockNumber <= toBlock {
			out = append(out, e)
		}
	}
	if l.shuffle != nil {
		l.shuffle.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	return out, nil
}

func (l *Ledger) SpendEvents(ctx context.Context, fromBlock, toBlock uint64) ([]ledger.SpendEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ledger.SpendEvent
	for _, e := range l.spends {
		if e.BlockNumber >= fromBlock && e.BlockNumber <= toBlock {
			out = append(out, e)
		}
	}
	if l.shuffle != nil {
		l.shuffle.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	return out, nil
}

func (l *Ledger) IsKnownRoot(ctx context.Context, root *big.Int, treeSize uint64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isKnownRoot(root, treeSize), nil
}

func (l *Ledger) IsSpent(ctx context.Context, nullifierHash *big.Int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spent[nullifierHash.String()], nil
}

func (l *Ledger) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ledger.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.txs[txHash]
	if !ok || tx.neverMined {
		return nil, nil
	}
	if tx.pendingFor > 0 {
		tx.pendingFor--
		return &ledger.Receipt{TxHash: txHash}, nil
	}
	receipt := tx.receipt
	return &receipt, nil
}

// RevertReason returns why a transaction reverted, or nil.
func (l *Ledger) RevertReason(txHash common.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tx, ok := l.txs[txHash]; ok {
		return tx.revertCause
	}
	return nil
}

func (l *Ledger) Balance(ctx context.Context, account common.Address, token *common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := common.Address{}
	if token != nil {
		key = *token
	}
	if b, ok := l.balances[key][account]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (l *Ledger) SubmitDeposit(ctx context.Context, proof []byte, args ledger.DepositArgs) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	txHash := l.nextTxHash("deposit")
	if l.neverMine {
		l.txs[txHash] = &transaction{neverMined: true}
		return txHash, nil
	}
	if err := l.checkDeposit(proof, args); err != nil {
		l.revert(txHash, err)
		return txHash, nil
	}

	block := l.mine()
	l.debit(l.token, l.sender, args.Amount)
	l.credit(l.token, l.pool, args.Amount)
	l.insert(args.Commitment, txHash, block)
	l.succeed(txHash, block)
	return txHash, nil
}

func (l *Ledger) checkDeposit(proof []byte, args ledger.DepositArgs) error {
	if err := hasher.CheckField(args.Commitment); err != nil {
		return err
	}
	if l.inserted[args.Commitment.String()] {
		return errors.New("the commitment has been submitted")
	}
	if l.size >= uint64(l.tree.Capacity()) {
		return merkletree.ErrTreeFull
	}
	if l.balanceOf(l.token, l.sender).Cmp(args.Amount) < 0 {
		return errors.New("insufficient balance")
	}
	if l.verifier != nil {
		if err := l.verifier.VerifyCommitment(proof, args); err != nil {
			return fmt.Errorf("invalid deposit proof: %w", err)
		}
	}
	return nil
}

// SubmitSpend checks every condition before touching state, so a spend and its
// change insertion either both apply or neither does.
func (l *Ledger) SubmitSpend(ctx context.Context, spendProof, changeProof []byte, args ledger.SpendArgs) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	txHash := l.nextTxHash("spend")
	if l.neverMine {
		l.txs[txHash] = &transaction{neverMined: true}
		return txHash, nil
	}
	if err := l.checkSpend(spendProof, changeProof, args); err != nil {
		l.revert(txHash, err)
		return txHash, nil
	}

	block := l.mine()
	l.spent[args.NullifierHash.String()] = true
	if args.HasChange() {
		l.insert(args.ChangeCommitment, txHash, block)
	}
	l.debit(l.token, l.pool, args.Amount)
	l.credit(l.token, args.Recipient, args.Amount)
	l.spends = append(l.spends, ledger.SpendEvent{
		NullifierHash: new(big.Int).Set(args.NullifierHash),
		To:            args.Recipient,
		Relayer:       common.Address{},
		Fee:           big.NewInt(0),
		Timestamp:     uint64(l.now().Unix()),
		TxHash:        txHash,
		BlockNumber:   block,
	})
	l.succeed(txHash, block)
	return txHash, nil
}

func (l *Ledger) checkSpend(spendProof, changeProof []byte, args ledger.SpendArgs) error {
	if !l.isKnownRoot(args.Root, args.TreeSize) {
		return errors.New("cannot find your merkle root")
	}
	if l.spent[args.NullifierHash.String()] {
		return errors.New("the note has been already spent")
	}
	if args.Amount.Sign() < 0 || args.Remainder.Sign() < 0 {
		return errors.New("negative amount")
	}
	if args.HasChange() != (args.Remainder.Sign() > 0) {
		return errors.New("change commitment does not match remainder")
	}
	if args.HasChange() {
		if l.inserted[args.ChangeCommitment.String()] {
			return errors.New("the commitment has been submitted")
		}
		if l.size >= uint64(l.tree.Capacity()) {
			return merkletree.ErrTreeFull
		}
	}
	if l.balanceOf(l.token, l.pool).Cmp(args.Amount) < 0 {
		return errors.New("insufficient pool balance")
	}
	if l.verifier != nil {
		if err := l.verifier.VerifySpend(spendProof, args); err != nil {
			return fmt.Errorf("invalid spend proof: %w", err)
		}
		if args.HasChange() {
			change := ledger.DepositArgs{Commitment: args.ChangeCommitment, Amount: args.Remainder}
			if err := l.verifier.VerifyCommitment(changeProof, change); err != nil {
				return fmt.Errorf("invalid change proof: %w", err)
			}
		}
	}
	return nil
}

func (l *Ledger) isKnownRoot(root *big.Int, size uint64) bool {
	for _, known := range l.roots {
		if known.size == size && known.root.Cmp(root) == 0 {
			return true
		}
	}
	return false
}

func (l *Ledger) insert(commitment *big.Int, txHash common.Hash, block uint64) {
	index := l.size
	if _, err := l.tree.Update(int(index), commitment); err != nil {
		// checked before mining
		panic(err)
	}
	l.size++
	l.inserted[commitment.String()] = true
	l.roots = append(l.roots, knownRoot{root: l.tree.RootHash(), size: l.size})
	if len(l.roots) > RootHistorySize {
		l.roots = l.roots[len(l.roots)-RootHistorySize:]
	}
	l.deposits = append(l.deposits, ledger.DepositEvent{
		Commitment:  new(big.Int).Set(commitment),
		LeafIndex:   uint32(index),
		Timestamp:   uint64(l.now().Unix()),
		TxHash:      txHash,
		BlockNumber: block,
	})
}

func (l *Ledger) mine() uint64 {
	l.block++
	return l.block
}

func (l *Ledger) succeed(txHash common.Hash, block uint64) {
	l.txs[txHash] = &transaction{
		receipt: ledger.Receipt{
			TxHash:      txHash,
			BlockNumber: block,
			From:        l.sender,
			Status:      types.ReceiptStatusSuccessful,
		},
		pendingFor: l.pendingPolls,
	}
}

func (l *Ledger) revert(txHash common.Hash, cause error) {
	block := l.mine()
	logging.Logger().Debug().Str("tx_hash", txHash.Hex()).Err(cause).Msg("transaction reverted")
	l.txs[txHash] = &transaction{
		receipt: ledger.Receipt{
			TxHash:      txHash,
			BlockNumber: block,
			From:        l.sender,
			Status:      types.ReceiptStatusFailed,
		},
		pendingFor:  l.pendingPolls,
		revertCause: cause,
	}
}

func (l *Ledger) nextTxHash(kind string) common.Hash {
	l.nonce++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], l.nonce)
	return crypto.Keccak256Hash([]byte(kind), l.sender.Bytes(), buf[:])
}

func (l *Ledger) balanceOf(token, account common.Address) *big.Int {
	if b, ok := l.balances[token][account]; ok {
		return b
	}
	return big.NewInt(0)
}

func (l *Ledger) credit(token, account common.Address, amount *big.Int) {
	if l.balances[token] == nil {
		l.balances[token] = make(map[common.Address]*big.Int)
	}
	l.balances[token][account] = new(big.Int).Add(l.balanceOf(token, account), amount)
}

func (l *Ledger) debit(token, account common.Address, amount *big.Int) {
	l.credit(token, account, new(big.Int).Neg(amount))
}

var _ ledger.Ledger = (*Ledger)(nil)
