package types

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// CoinPrecision is the number of fractional digits carried by on-chain
// amounts for both supported chain families (1 coin = 10^8 base units).
const CoinPrecision = 8

// Amount is an exact decimal monetary value. It wraps decimal.Decimal so
// that amounts parsed from node responses are never routed through binary
// floating point, and it renders with exactly CoinPrecision fractional
// digits so that the textual form is stable across parse/format cycles.
type Amount struct {
	value decimal.Decimal
}

// ZeroAmount returns the zero value amount.
func ZeroAmount() Amount {
	return Amount{value: decimal.Zero}
}

// AmountFromString parses a decimal string (e.g. "0.00500000") into an
// Amount. It returns an error for anything that is not a plain decimal
// number.
func AmountFromString(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}

	return Amount{value: d}, nil
}

// AmountFromCoins builds an Amount from a float as returned by the node
// JSON-RPC APIs that report values in whole coins. The float is rendered
// through decimal at CoinPrecision, matching the node's own 8-digit
// formatting, so no precision beyond what the node reported is invented.
func AmountFromCoins(coins float64) Amount {
	return Amount{value: decimal.NewFromFloat(coins).Round(CoinPrecision)}
}

// String renders the amount with exactly CoinPrecision fractional digits.
func (a Amount) String() string {
	return a.value.StringFixed(CoinPrecision)
}

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool {
	return a.value.IsZero()
}

// IsPositive reports whether the amount is strictly greater than zero.
func (a Amount) IsPositive() bool {
	return a.value.IsPositive()
}

// Cmp compares two amounts, returning -1, 0 or +1.
func (a Amount) Cmp(other Amount) int {
	return a.value.Cmp(other.value)
}

// Add returns the sum of the two amounts.
func (a Amount) Add(other Amount) Amount {
	return Amount{value: a.value.Add(other.value)}
}

// MarshalJSON encodes the amount as a JSON string to preserve exactness.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes either a JSON string or a bare JSON number into
// the amount. Node responses use numbers; our own payloads use strings.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		d, numErr := decimal.NewFromString(string(data))
		if numErr != nil {
			return fmt.Errorf("invalid amount payload %s: %w", data, numErr)
		}

		a.value = d
		return nil
	}

	parsed, err := AmountFromString(s)
	if err != nil {
		return err
	}

	*a = parsed
	return nil
}
