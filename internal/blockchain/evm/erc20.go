package evm

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ERC20ABI covers the subset of the token interface used for sweeps
const ERC20ABI = `[
	{
		"inputs": [
			{"internalType": "address", "name": "to", "type": "address"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"}
		],
		"name": "transfer",
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// ToSmallestUnit converts a whole-unit amount to its integer representation.
// Amounts with more precision than `decimals` are rejected rather than rounded.
func ToSmallestUnit(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("negative amount: %s", amount)
	}
	scaled := amount.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %s exceeds %d decimal places", amount, decimals)
	}
	return scaled.BigInt(), nil
}

// FromSmallestUnit converts an integer amount to whole units
func FromSmallestUnit(value *big.Int, decimals int32) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, -decimals)
}
