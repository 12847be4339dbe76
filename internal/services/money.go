package services

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Amounts cross the wire as decimal dollars and are stored as int64 cents.
// decimal.Decimal does the conversion so no float ever touches a balance.

// ParseAmountCents converts a positive decimal dollar amount to cents.
// Rejects zero, negative amounts and more than two fractional digits.
func ParseAmountCents(amount decimal.Decimal) (int64, error) {
	if !amount.IsPositive() {
		return 0, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	cents := amount.Shift(2)
	if !cents.IsInteger() {
		return 0, fmt.Errorf("%w: amount has sub-cent precision", ErrInvalidInput)
	}
	if !cents.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: amount out of range", ErrInvalidInput)
	}
	return cents.IntPart(), nil
}

// CentsToAmount renders cents back to a decimal dollar amount for responses.
func CentsToAmount(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Shift(-2)
}

// MatchedCents computes the donation match in cents: the matched amount is
// amount × percent / 100 rounded half-up to whole currency units, same as the
// dashboard shows it. A 33% match on $3.00 is $1.00, not $0.99.
func MatchedCents(amountCents, percent int64) int64 {
	dollars := decimal.NewFromInt(amountCents).
		Mul(decimal.NewFromInt(percent)).
		Div(decimal.NewFromInt(100)).
		Shift(-2).
		Round(0)
	return dollars.Shift(2).IntPart()
}
