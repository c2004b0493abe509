package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/zyfrank/privacy-vault/ledger"
)

const vaultABIJSON = `[
	{"type":"function","name":"deposit","stateMutability":"payable","inputs":[
		{"name":"proof","type":"bytes"},
		{"name":"commitment","type":"bytes32"},
		{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"spend","stateMutability":"payable","inputs":[
		{"name":"proof","type":"bytes"},
		{"name":"changeProof","type":"bytes"},
		{"name":"root","type":"bytes32"},
		{"name":"treeSize","type":"uint256"},
		{"name":"amount","type":"uint256"},
		{"name":"remainder","type":"uint256"},
		{"name":"nullifierHash","type":"bytes32"},
		{"name":"recipient","type":"address"},
		{"name":"changeCommitment","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"isKnownRoot","stateMutability":"view","inputs":[
		{"name":"root","type":"bytes32"},
		{"name":"treeSize","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"isSpent","stateMutability":"view","inputs":[
		{"name":"nullifierHash","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"event","name":"Deposit","anonymous":false,"inputs":[
		{"name":"commitment","type":"bytes32","indexed":true},
		{"name":"leafIndex","type":"uint32","indexed":false},
		{"name":"timestamp","type":"uint256","indexed":false}]},
	{"type":"event","name":"Spend","anonymous":false,"inputs":[
		{"name":"to","type":"address","indexed":false},
		{"name":"nullifierHash","type":"bytes32","indexed":false},
		{"name":"relayer","type":"address","indexed":true},
		{"name":"fee","type":"uint256","indexed":false}]}
]`

const erc20ABIJSON = `[
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"},
		{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
		{"name":"spender","type":"address"},
		{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
		{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	vaultABI = mustParseABI(vaultABIJSON)
	erc20ABI = mustParseABI(erc20ABIJSON)

	depositTopic = vaultABI.Events["Deposit"].ID
	spendTopic   = vaultABI.Events["Spend"].ID
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI: %v", err))
	}
	return parsed
}

func word(x *big.Int) [32]byte {
	return [32]byte(common.BigToHash(x))
}

func packDeposit(proof []byte, args ledger.DepositArgs) ([]byte, error) {
	return vaultABI.Pack("deposit", proof, word(args.Commitment), args.Amount)
}

// packSpend lays the arguments out in the order of SpendArgs.Words.
func packSpend(spendProof, changeProof []byte, args ledger.SpendArgs) ([]byte, error) {
	w := args.Words()
	return vaultABI.Pack("spend",
		spendProof,
		changeProof,
		[32]byte(w[0]),
		new(big.Int).SetUint64(args.TreeSize),
		args.Amount,
		args.Remainder,
		[32]byte(w[4]),
		args.Recipient,
		[32]byte(w[6]),
	)
}

func parseDepositLog(log types.Log) (ledger.DepositEvent, error) {
	if len(log.Topics) != 2 || log.Topics[0] != depositTopic {
		return ledger.DepositEvent{}, fmt.Errorf("log %s:%d is not a Deposit event", log.TxHash.Hex(), log.Index)
	}
	values, err := vaultABI.Unpack("Deposit", log.Data)
	if err != nil {
		return ledger.DepositEvent{}, fmt.Errorf("decoding Deposit event: %w", err)
	}
	return ledger.DepositEvent{
		Commitment:  log.Topics[1].Big(),
		LeafIndex:   values[0].(uint32),
		Timestamp:   values[1].(*big.Int).Uint64(),
		TxHash:      log.TxHash,
		BlockNumber: log.BlockNumber,
	}, nil
}

// parseSpendLog decodes a Spend event. The event carries no timestamp; the
// caller fills it from the block header.
func parseSpendLog(log types.Log) (ledger.SpendEvent, error) {
	if len(log.Topics) != 2 || log.Topics[0] != spendTopic {
		return ledger.SpendEvent{}, fmt.Errorf("log %s:%d is not a Spend event", log.TxHash.Hex(), log.Index)
	}
	values, err := vaultABI.Unpack("Spend", log.Data)
	if err != nil {
		return ledger.SpendEvent{}, fmt.Errorf("decoding Spend event: %w", err)
	}
	nullifierHash := values[1].([32]byte)
	return ledger.SpendEvent{
		NullifierHash: new(big.Int).SetBytes(nullifierHash[:]),
		To:            values[0].(common.Address),
		Relayer:       common.BytesToAddress(log.Topics[1].Bytes()),
		Fee:           values[2].(*big.Int),
		TxHash:        log.TxHash,
		BlockNumber:   log.BlockNumber,
	}, nil
}
