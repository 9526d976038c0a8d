package orderbook

import "github.com/shopspring/decimal"

// Scale is the number of decimal places a PriceRoundKey preserves. It is
// generous enough for spot markets generally, without requiring
// per-symbol tick-size metadata, which is out of scope for the core
// (spec.md treats tick/lot metadata as an external collaborator
// concern).
const Scale = 8

// PriceRoundKey is an integer-encoded price level: price * 10^Scale,
// rounded, per spec.md §3. Two keys compare by their integer form and
// are totally ordered and hashable, making them safe Go map keys.
type PriceRoundKey int64

// NewPriceRoundKey rounds price to Scale decimal places and encodes it.
func NewPriceRoundKey(price decimal.Decimal) PriceRoundKey {
	return PriceRoundKey(price.Shift(Scale).Round(0).IntPart())
}

// Decimal decodes the key back to its decimal price.
func (k PriceRoundKey) Decimal() decimal.Decimal {
	return decimal.New(int64(k), -Scale)
}
