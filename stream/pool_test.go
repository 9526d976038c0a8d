package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thrasher-corp/obmirror/common/key"
	"github.com/thrasher-corp/obmirror/orderbook"
)

// fakeStream is a test Stream with a fixed capacity and a controllable
// run behavior.
type fakeStream struct {
	mu       sync.Mutex
	capacity int
	symbols  []key.Symbol
	lastAll  time.Time
	lastSym  map[key.Symbol]time.Time
	stopped  bool
	runFunc  func(ctx context.Context, sink chan<- *orderbook.DiffEnvelope) error
}

func newFakeStream(capacity int) *fakeStream {
	return &fakeStream{capacity: capacity, lastAll: time.Now(), lastSym: make(map[key.Symbol]time.Time)}
}

func (f *fakeStream) Register(symbol key.Symbol) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.symbols) >= f.capacity {
		return false
	}
	f.symbols = append(f.symbols, symbol)
	f.lastSym[symbol] = time.Now()
	return true
}

func (f *fakeStream) Run(ctx context.Context, sink chan<- *orderbook.DiffEnvelope) error {
	if f.runFunc != nil {
		return f.runFunc(ctx, sink)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeStream) LastEventTime() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAll
}

func (f *fakeStream) LastEventTimeFor(symbol key.Symbol) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSym[symbol]
}

func (f *fakeStream) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeStream) setLastEventTime(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAll = t
}

func symbolsOf(n int) []key.Symbol {
	out := make([]key.Symbol, n)
	for i := range out {
		out[i] = key.NewSymbol(string(rune('A'+i%26)) + string(rune('a'+(i/26)%26)))
	}
	return out
}

func TestShardCountBelowTenIsOneStream(t *testing.T) {
	assert.Equal(t, 1, shardCount(9, 256))
	assert.Equal(t, 1, shardCount(1, 256))
}

func TestShardCountClampsToMaxStreams(t *testing.T) {
	assert.Equal(t, 11, shardCount(1024, 256))
	assert.Equal(t, 8, shardCount(1024, 8))
}

func TestNewAssignsEverySymbolExactlyOnce(t *testing.T) {
	symbols := symbolsOf(50)
	var made []*fakeStream
	factory := func() Stream {
		s := newFakeStream(10)
		made = append(made, s)
		return s
	}

	pool, err := New(symbols, factory, Config{MaxStreams: 256})
	require.NoError(t, err)
	require.NotNil(t, pool)

	total := 0
	for _, s := range made {
		total += len(s.symbols)
	}
	assert.Equal(t, len(symbols), total)
}

func TestNewFailsWithOverCapacity(t *testing.T) {
	symbols := symbolsOf(20)
	factory := func() Stream { return newFakeStream(0) }

	_, err := New(symbols, factory, Config{MaxStreams: 256})
	assert.ErrorIs(t, err, ErrOverCapacity)
}

func TestRunReturnsWhenAStreamExits(t *testing.T) {
	factory := func() Stream {
		s := newFakeStream(100)
		s.runFunc = func(ctx context.Context, sink chan<- *orderbook.DiffEnvelope) error {
			return nil
		}
		return s
	}

	pool, err := New(symbolsOf(5), factory, Config{MaxStreams: 256, IdleGlobal: time.Minute, MonitorEvery: time.Hour})
	require.NoError(t, err)

	sink := make(chan *orderbook.DiffEnvelope, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err = pool.Run(ctx, sink)
	assert.NoError(t, err)
}

func TestMonitorStopsOnGlobalIdle(t *testing.T) {
	fs := newFakeStream(100)
	fs.setLastEventTime(time.Now().Add(-25 * time.Second))
	factory := func() Stream { return fs }

	pool, err := New(symbolsOf(5), factory, Config{
		MaxStreams:   256,
		IdleGlobal:   20 * time.Second,
		IdleSymbol:   60 * time.Second,
		Warmup:       120 * time.Second,
		MonitorEvery: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	sink := make(chan *orderbook.DiffEnvelope, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err = pool.Run(ctx, sink)
	assert.Error(t, err)
}

func TestHashChangesWithMembership(t *testing.T) {
	a := []key.Symbol{key.NewSymbol("BTCUSDT"), key.NewSymbol("ETHUSDT")}
	b := []key.Symbol{key.NewSymbol("ETHUSDT"), key.NewSymbol("BTCUSDT")}
	c := []key.Symbol{key.NewSymbol("BTCUSDT")}

	assert.Equal(t, symbolsHash(a), symbolsHash(b))
	assert.NotEqual(t, symbolsHash(a), symbolsHash(c))
}
