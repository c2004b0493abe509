package note

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// FromDecimals converts an amount in whole units ("0.1") to base units.
func FromDecimals(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %s", ErrNegativeAmount, amount)
	}
	shifted := d.Shift(decimals)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", amount, decimals)
	}
	return shifted.BigInt(), nil
}

// ToDecimals renders base units as whole units without trailing zeros.
func ToDecimals(value *big.Int, decimals int32) string {
	return decimal.NewFromBigInt(value, -decimals).String()
}
