package units

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Decimals is the fixed scale between the smallest integer unit (wei) and the
// display unit (ether). Token amounts are converted with the same constant.
const Decimals = 18

// ToDisplay converts an amount in the smallest unit into display units.
// A nil amount is treated as zero.
func ToDisplay(amount *big.Int) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -Decimals)
}

// FromDisplay converts a display amount back into the smallest unit,
// truncating any precision below one wei.
func FromDisplay(amount decimal.Decimal) *big.Int {
	return amount.Shift(Decimals).BigInt()
}

// ParseDisplay parses a display-unit decimal string such as "0.01".
func ParseDisplay(input string) (decimal.Decimal, error) {
	return decimal.NewFromString(input)
}

// AtLeast reports whether amount, in the smallest unit, meets min in display units.
func AtLeast(amount *big.Int, min decimal.Decimal) bool {
	return ToDisplay(amount).GreaterThanOrEqual(min)
}
