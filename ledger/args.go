package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// NoChangeProof is submitted in place of the change proof when a spend consumes
// the whole note.
var NoChangeProof = []byte{0x00}

type DepositArgs struct {
	Commitment *big.Int
	Amount     *big.Int
}

func (a DepositArgs) Words() []common.Hash {
	return []common.Hash{common.BigToHash(a.Commitment), common.BigToHash(a.Amount)}
}

// SpendArgs are the public arguments of a spend. ChangeCommitment is nil when
// the spend leaves no remainder.
type SpendArgs struct {
	Root             *big.Int
	TreeSize         uint64
	Amount           *big.Int
	Remainder        *big.Int
	NullifierHash    *big.Int
	Recipient        common.Address
	ChangeCommitment *big.Int
}

func (a SpendArgs) HasChange() bool {
	return a.ChangeCommitment != nil
}

// Words returns the ordered argument list of the vault's spend call. The absent
// change commitment is encoded as the zero word.
func (a SpendArgs) Words() []common.Hash {
	change := common.Hash{}
	if a.ChangeCommitment != nil {
		change = common.BigToHash(a.ChangeCommitment)
	}
	return []common.Hash{
		common.BigToHash(a.Root),
		common.BigToHash(new(big.Int).SetUint64(a.TreeSize)),
		common.BigToHash(a.Amount),
		common.BigToHash(a.Remainder),
		common.BigToHash(a.NullifierHash),
		common.BytesToHash(a.Recipient.Bytes()),
		change,
	}
}

func (a SpendArgs) String() string {
	change := "none"
	if a.ChangeCommitment != nil {
		change = fmt.Sprintf("0x%064x", a.ChangeCommitment)
	}
	return fmt.Sprintf("root=0x%064x size=%d amount=%s remainder=%s nullifierHash=0x%064x recipient=%s change=%s",
		a.Root, a.TreeSize, a.Amount, a.Remainder, a.NullifierHash, a.Recipient.Hex(), change)
}
