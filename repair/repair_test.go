package repair

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thrasher-corp/obmirror/common/key"
	"github.com/thrasher-corp/obmirror/orderbook"
)

func dec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type fakeClient struct {
	mu       sync.Mutex
	response *orderbook.SnapshotResponse
	err      error
	calls    int
}

func (c *fakeClient) GetOrderbook(ctx context.Context, symbol key.Symbol, limit int) (*orderbook.SnapshotResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.response, nil
}

func (c *fakeClient) ListSymbols(ctx context.Context, useCache, checkStatus bool) ([]key.Symbol, error) {
	return nil, nil
}

func TestTickReconcilesFlaggedSymbol(t *testing.T) {
	sym := key.NewSymbol("BTCUSDT")
	books := orderbook.NewRegistry()
	pending := orderbook.NewPendingRepair()
	pending.Add(sym)

	client := &fakeClient{response: &orderbook.SnapshotResponse{
		Symbol:       sym,
		LastUpdateID: 150,
		Bids:         []orderbook.PriceQty{{Price: dec("99.0"), Quantity: dec("3.0")}},
		Asks:         []orderbook.PriceQty{{Price: dec("102.0"), Quantity: dec("4.0")}},
	}}

	r := New(client, books, pending, Config{PollInterval: time.Millisecond})
	r.tick(context.Background())

	book, ok := books.Get(sym)
	require.True(t, ok)
	assert.Equal(t, int64(150), book.LastUpdateID())
	assert.Equal(t, 0, pending.Len())
}

func TestTickRequeuesOnFetchError(t *testing.T) {
	sym := key.NewSymbol("ETHUSDT")
	books := orderbook.NewRegistry()
	pending := orderbook.NewPendingRepair()
	pending.Add(sym)

	client := &fakeClient{err: errors.New("network down")}
	r := New(client, books, pending, Config{PollInterval: time.Millisecond})
	r.tick(context.Background())

	popped, ok := pending.Pop()
	require.True(t, ok)
	assert.Equal(t, sym, popped)
}

func TestTickNoopWhenPendingEmpty(t *testing.T) {
	books := orderbook.NewRegistry()
	pending := orderbook.NewPendingRepair()
	client := &fakeClient{}

	r := New(client, books, pending, Config{PollInterval: time.Millisecond})
	r.tick(context.Background())

	assert.Equal(t, 0, client.calls)
}

func TestRunPollsAtInterval(t *testing.T) {
	sym := key.NewSymbol("BTCUSDT")
	books := orderbook.NewRegistry()
	pending := orderbook.NewPendingRepair()
	pending.Add(sym)

	client := &fakeClient{response: &orderbook.SnapshotResponse{Symbol: sym, LastUpdateID: 1}}
	r := New(client, books, pending, Config{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = r.Run(ctx)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.GreaterOrEqual(t, client.calls, 1)
}
