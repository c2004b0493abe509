// Package evm talks to a vault contract on an EVM chain over JSON-RPC.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/zyfrank/privacy-vault/ledger"
	"github.com/zyfrank/privacy-vault/logging"
)

var (
	ErrReadOnly         = errors.New("evm: no private key configured")
	ErrApprovalReverted = errors.New("evm: token approval reverted")
)

// Client is the part of ethclient.Client the ledger uses.
type Client interface {
	ethereum.ContractCaller
	ethereum.LogFilterer
	ethereum.TransactionSender
	ethereum.TransactionReader
	ethereum.GasPricer
	ethereum.GasEstimator
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	NetworkID(ctx context.Context) (*big.Int, error)
}

type Config struct {
	Vault common.Address
	// Token is nil when the vault holds the native currency.
	Token *common.Address
	// PrivateKey is hex without 0x. Empty means read-only.
	PrivateKey string
	// GasLimit of 0 estimates gas per transaction.
	GasLimit uint64
	Confirm  ledger.ConfirmOptions
}

type Ledger struct {
	client  Client
	cfg     Config
	chainID *big.Int
	key     *ecdsa.PrivateKey
	from    common.Address
}

// Dial connects to rpcURL and binds the vault in cfg.
func Dial(ctx context.Context, rpcURL string, cfg Config) (*Ledger, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", rpcURL, err)
	}
	return New(ctx, client, cfg)
}

func New(ctx context.Context, client Client, cfg Config) (*Ledger, error) {
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching chain id: %w", err)
	}
	l := &Ledger{client: client, cfg: cfg, chainID: chainID}
	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parsing private key: %w", err)
		}
		l.key = key
		l.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	if l.cfg.Confirm.MaxAttempts == 0 {
		l.cfg.Confirm = ledger.DefaultConfirmOptions()
	}
	return l, nil
}

// From is the account that signs transactions, or the zero address when read-only.
func (l *Ledger) From() common.Address {
	return l.from
}

func (l *Ledger) NetworkID(ctx context.Context) (uint64, error) {
	id, err := l.client.NetworkID(ctx)
	if err != nil {
		return 0, err
	}
	return id.Uint64(), nil
}

func (l *Ledger) LatestBlock(ctx context.Context) (uint64, error) {
	return l.client.BlockNumber(ctx)
}

func (l *Ledger) filter(ctx context.Context, topic common.Hash, fromBlock, toBlock uint64) ([]types.Log, error) {
	return l.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{l.cfg.Vault},
		Topics:    [][]common.Hash{{topic}},
	})
}

func (l *Ledger) DepositEvents(ctx context.Context, fromBlock, toBlock uint64) ([]ledger.DepositEvent, error) {
	logs, err := l.filter(ctx, depositTopic, fromBlock, toBlock)
	if err != nil {
		return nil, fmt.Errorf("filtering Deposit logs: %w", err)
	}
	events := make([]ledger.DepositEvent, 0, len(logs))
	for _, log := range logs {
		if log.Removed {
			continue
		}
		e, err := parseDepositLog(log)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

func (l *Ledger) SpendEvents(ctx context.Context, fromBlock, toBlock uint64) ([]ledger.SpendEvent, error) {
	logs, err := l.filter(ctx, spendTopic, fromBlock, toBlock)
	if err != nil {
		return nil, fmt.Errorf("filtering Spend logs: %w", err)
	}
	times := make(map[uint64]uint64)
	events := make([]ledger.SpendEvent, 0, len(logs))
	for _, log := range logs {
		if log.Removed {
			continue
		}
		e, err := parseSpendLog(log)
		if err != nil {
			return nil, err
		}
		ts, ok := times[e.BlockNumber]
		if !ok {
			header, err := l.client.HeaderByNumber(ctx, new(big.Int).SetUint64(e.BlockNumber))
			if err != nil {
				return nil, fmt.Errorf("fetching header %d: %w", e.BlockNumber, err)
			}
			ts = header.Time
			times[e.BlockNumber] = ts
		}
		e.Timestamp = ts
		events = append(events, e)
	}
	return events, nil
}

func (l *Ledger) call(ctx context.Context, contractABI abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	out, err := l.client.CallContract(ctx, ethereum.CallMsg{From: l.from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", method, err)
	}
	return contractABI.Unpack(method, out)
}

func (l *Ledger) IsKnownRoot(ctx context.Context, root *big.Int, treeSize uint64) (bool, error) {
	out, err := l.call(ctx, vaultABI, l.cfg.Vault, "isKnownRoot", word(root), new(big.Int).SetUint64(treeSize))
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

func (l *Ledger) IsSpent(ctx context.Context, nullifierHash *big.Int) (bool, error) {
	out, err := l.call(ctx, vaultABI, l.cfg.Vault, "isSpent", word(nullifierHash))
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

// Balance returns the native balance of account, or its ERC20 balance when
// token is set.
func (l *Ledger) Balance(ctx context.Context, account common.Address, token *common.Address) (*big.Int, error) {
	if token == nil {
		return l.client.BalanceAt(ctx, account, nil)
	}
	out, err := l.call(ctx, erc20ABI, *token, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// TransactionReceipt returns nil while the transaction is unknown or pending.
func (l *Ledger) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ledger.Receipt, error) {
	receipt, err := l.client.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if receipt.BlockNumber == nil {
		return nil, nil
	}
	out := &ledger.Receipt{
		TxHash:      txHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		Status:      receipt.Status,
	}
	tx, _, err := l.client.TransactionByHash(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("fetching transaction %s: %w", txHash.Hex(), err)
	}
	out.From, err = types.Sender(types.LatestSignerForChainID(l.chainID), tx)
	if err != nil {
		return nil, fmt.Errorf("recovering sender of %s: %w", txHash.Hex(), err)
	}
	return out, nil
}

func (l *Ledger) SubmitDeposit(ctx context.Context, proof []byte, args ledger.DepositArgs) (common.Hash, error) {
	data, err := packDeposit(proof, args)
	if err != nil {
		return common.Hash{}, err
	}
	value := new(big.Int)
	if l.cfg.Token == nil {
		value.Set(args.Amount)
	} else if err := l.ensureAllowance(ctx, args.Amount); err != nil {
		return common.Hash{}, err
	}
	return l.send(ctx, l.cfg.Vault, value, data)
}

func (l *Ledger) SubmitSpend(ctx context.Context, spendProof, changeProof []byte, args ledger.SpendArgs) (common.Hash, error) {
	data, err := packSpend(spendProof, changeProof, args)
	if err != nil {
		return common.Hash{}, err
	}
	return l.send(ctx, l.cfg.Vault, new(big.Int), data)
}

// ensureAllowance approves the vault for amount when the current allowance is
// short, and waits for the approval to be mined.
func (l *Ledger) ensureAllowance(ctx context.Context, amount *big.Int) error {
	token := *l.cfg.Token
	out, err := l.call(ctx, erc20ABI, token, "allowance", l.from, l.cfg.Vault)
	if err != nil {
		return err
	}
	allowance := out[0].(*big.Int)
	logger := logging.Logger().With().Str("token", token.Hex()).Logger()
	logger.Debug().Str("allowance", allowance.String()).Str("amount", amount.String()).Msg("checking allowance")
	if allowance.Cmp(amount) >= 0 {
		return nil
	}

	data, err := erc20ABI.Pack("approve", l.cfg.Vault, amount)
	if err != nil {
		return err
	}
	txHash, err := l.send(ctx, token, new(big.Int), data)
	if err != nil {
		return fmt.Errorf("submitting approval: %w", err)
	}
	logger.Info().Str("tx_hash", txHash.Hex()).Msg("waiting for token approval")
	receipt, err := ledger.AwaitConfirmation(ctx, l, txHash, l.cfg.Confirm)
	if err != nil {
		return err
	}
	if !receipt.Succeeded() {
		return fmt.Errorf("%w: %s", ErrApprovalReverted, txHash.Hex())
	}
	return nil
}

func (l *Ledger) send(ctx context.Context, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	if l.key == nil {
		return common.Hash{}, ErrReadOnly
	}
	nonce, err := l.client.PendingNonceAt(ctx, l.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetching nonce: %w", err)
	}
	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetching gas price: %w", err)
	}
	gas := l.cfg.GasLimit
	if gas == 0 {
		gas, err = l.client.EstimateGas(ctx, ethereum.CallMsg{From: l.from, To: &to, Value: value, Data: data})
		if err != nil {
			return common.Hash{}, fmt.Errorf("estimating gas: %w", err)
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(l.chainID), l.key)
	if err != nil {
		return common.Hash{}, err
	}
	if err := l.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("sending transaction: %w", err)
	}
	logging.Logger().Debug().
		Str("tx_hash", signed.Hash().Hex()).
		Uint64("nonce", nonce).
		Uint64("gas", gas).
		Msg("transaction sent")
	return signed.Hash(), nil
}
