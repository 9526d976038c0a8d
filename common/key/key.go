// Package key defines small, comparable map-key types, used instead of
// raw strings as map keys across the pipeline.
package key

import "strings"

// Symbol is a case-normalized exchange symbol used as a map key across
// the pipeline (stream shard assignment, orderbook lookup, pending
// repair set).
type Symbol string

// NewSymbol normalizes input to the canonical comparable form.
func NewSymbol(s string) Symbol {
	return Symbol(strings.ToUpper(strings.TrimSpace(s)))
}

// String implements fmt.Stringer.
func (s Symbol) String() string {
	return string(s)
}
