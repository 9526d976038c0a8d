package collector

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thrasher-corp/obmirror/common/key"
	"github.com/thrasher-corp/obmirror/filter"
	"github.com/thrasher-corp/obmirror/ingest"
	"github.com/thrasher-corp/obmirror/orderbook"
	"github.com/thrasher-corp/obmirror/repair"
	"github.com/thrasher-corp/obmirror/stream"
)

func dec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type fakeClient struct {
	symbols []key.Symbol
}

func (c *fakeClient) ListSymbols(ctx context.Context, useCache, checkStatus bool) ([]key.Symbol, error) {
	return c.symbols, nil
}

func (c *fakeClient) GetOrderbook(ctx context.Context, symbol key.Symbol, limit int) (*orderbook.SnapshotResponse, error) {
	return &orderbook.SnapshotResponse{Symbol: symbol, LastUpdateID: 1}, nil
}

type fakeStream struct {
	mu      sync.Mutex
	symbols []key.Symbol
}

func (f *fakeStream) Register(symbol key.Symbol) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.symbols = append(f.symbols, symbol)
	return true
}

func (f *fakeStream) Run(ctx context.Context, sink chan<- *orderbook.DiffEnvelope) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeStream) LastEventTime() time.Time                     { return time.Now() }
func (f *fakeStream) LastEventTimeFor(symbol key.Symbol) time.Time { return time.Now() }
func (f *fakeStream) Stop() error                                  { return nil }

type countingHandler struct {
	calls int32
}

func (h *countingHandler) Handle(ctx context.Context, symbol key.Symbol, bids, asks *orderbook.SortedView) error {
	atomic.AddInt32(&h.calls, 1)
	return nil
}

type fakeAggregator struct{}

func (fakeAggregator) Aggregate(ctx context.Context, symbol key.Symbol, bids, asks *orderbook.SortedView) (any, error) {
	return "mid-price-placeholder", nil
}

type countingAggHandler struct {
	calls int32
}

func (h *countingAggHandler) HandleAggregate(ctx context.Context, symbol key.Symbol, data any) error {
	atomic.AddInt32(&h.calls, 1)
	return nil
}

func newTestCollector(t *testing.T, symbols []key.Symbol) (*Collector, *orderbook.Registry) {
	t.Helper()
	registry := orderbook.NewRegistry()
	pending := orderbook.NewPendingRepair()
	client := &fakeClient{symbols: symbols}
	ingestor := ingest.New(registry, pending, ingest.Config{QueueCapacity: 64, PostBatchSleep: time.Millisecond})
	repairer := repair.New(client, registry, pending, repair.Config{PollInterval: time.Hour})
	metrics := NewMetrics(prometheus.NewRegistry())

	factory := func() stream.Stream { return &fakeStream{} }

	c := New(Config{
		SymbolsExpiry: time.Minute,
		EntryExpiry:   24 * time.Hour,
		StreamConfig:  stream.Config{MaxStreams: 16, IdleGlobal: time.Hour, IdleSymbol: time.Hour, Warmup: time.Hour, MonitorEvery: time.Hour},
	}, filter.New(), client, factory, registry, pending, ingestor, repairer, metrics)

	return c, registry
}

func TestCollectDispatchesNonEmptyBooks(t *testing.T) {
	sym := key.NewSymbol("BTCUSDT")
	c, registry := newTestCollector(t, []key.Symbol{sym})

	book := registry.GetOrCreate(sym)
	book.ApplyDiff(&orderbook.DiffEnvelope{
		FirstID: 1, FinalID: 1,
		BidChanges: []orderbook.PriceQty{{Price: dec("10.0"), Quantity: dec("1.0")}},
		AskChanges: []orderbook.PriceQty{{Price: dec("11.0"), Quantity: dec("1.0")}},
	})

	h := &countingHandler{}
	c.AddHandler(h)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, c.Collect(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.calls))
}

func TestCollectSkipsEmptyBooks(t *testing.T) {
	sym := key.NewSymbol("BTCUSDT")
	c, registry := newTestCollector(t, []key.Symbol{sym})
	registry.GetOrCreate(sym) // empty

	h := &countingHandler{}
	c.AddHandler(h)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, c.Collect(ctx))
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.calls))
}

func TestCollectDispatchesAggregators(t *testing.T) {
	sym := key.NewSymbol("ETHUSDT")
	c, registry := newTestCollector(t, []key.Symbol{sym})
	book := registry.GetOrCreate(sym)
	book.ApplyDiff(&orderbook.DiffEnvelope{
		FirstID: 1, FinalID: 1,
		BidChanges: []orderbook.PriceQty{{Price: dec("10.0"), Quantity: dec("1.0")}},
	})

	ah := &countingAggHandler{}
	c.AddAggregatorBinding(AggregatorBinding{Aggregator: fakeAggregator{}, Handlers: []AggregatingHandler{ah}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, c.Collect(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ah.calls))
}

func TestCollectDropsOutdatedEntries(t *testing.T) {
	sym := key.NewSymbol("BTCUSDT")
	c, registry := newTestCollector(t, []key.Symbol{sym})
	c.cfg.EntryExpiry = time.Millisecond

	book := registry.GetOrCreate(sym)
	book.ApplyDiff(&orderbook.DiffEnvelope{
		FirstID: 1, FinalID: 1,
		BidChanges: []orderbook.PriceQty{{Price: dec("10.0"), Quantity: dec("1.0")}},
	})

	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Collect(ctx))

	st := book.Stats()
	assert.Equal(t, 0, st.BidLevels)
}
