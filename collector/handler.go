package collector

import (
	"context"

	"github.com/thrasher-corp/obmirror/common/key"
	"github.com/thrasher-corp/obmirror/orderbook"
)

// Handler is a raw dispatch target, per spec.md §6's handle(symbol,
// bids, asks, cancel) outbound interface.
type Handler interface {
	Handle(ctx context.Context, symbol key.Symbol, bids, asks *orderbook.SortedView) error
}

// Aggregator transforms a symbol's current book views into downstream
// data before fan-out to AggregatingHandlers, per spec.md §4.8.
type Aggregator interface {
	Aggregate(ctx context.Context, symbol key.Symbol, bids, asks *orderbook.SortedView) (any, error)
}

// AggregatingHandler receives an Aggregator's output rather than raw
// book views.
type AggregatingHandler interface {
	HandleAggregate(ctx context.Context, symbol key.Symbol, data any) error
}

// AggregatorBinding pairs one Aggregator with the handlers that consume
// its output.
type AggregatorBinding struct {
	Aggregator Aggregator
	Handlers   []AggregatingHandler
}
