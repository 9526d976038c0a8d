// Package stream implements StreamPool (C4): a set of streaming
// connections sharding a symbol universe, with liveness monitoring.
// Sharding and round-robin registration are grounded on spec.md §4.4;
// the errgroup-coordinated run loop follows the standard
// golang.org/x/sync/errgroup worker-pool shape. A pool is rebuilt, not
// mutated, when membership changes; that dispose-then-reconstruct
// serialization lives in collector.Collector, one level up.
package stream

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/thrasher-corp/obmirror/common/key"
	"github.com/thrasher-corp/obmirror/log"
	"github.com/thrasher-corp/obmirror/orderbook"
)

// ErrOverCapacity is returned by New when a symbol cannot be placed on
// any stream after |streams| refusals in a row, per spec.md §4.4.
var ErrOverCapacity = errors.New("stream: over capacity")

// Stream is one streaming connection carrying a shard of symbols.
type Stream interface {
	// Register attempts to add symbol to this stream's shard. ok is
	// false if the stream is at capacity.
	Register(symbol key.Symbol) (ok bool)
	// Run blocks, delivering diff envelopes to sink until ctx is
	// cancelled or the connection fails.
	Run(ctx context.Context, sink chan<- *orderbook.DiffEnvelope) error
	// LastEventTime reports the most recent time any symbol on this
	// stream produced an event.
	LastEventTime() time.Time
	// LastEventTimeFor reports the most recent event time for a single
	// symbol, used for the post-warmup per-symbol idle check.
	LastEventTimeFor(symbol key.Symbol) time.Time
	// Stop closes the underlying connection.
	Stop() error
}

// Factory constructs a new, empty Stream.
type Factory func() Stream

// shardCount implements N = clamp(log2(|S|)+1, 1, 256), with the
// |S| < 10 special case forcing a single stream, per spec.md §4.4.
func shardCount(numSymbols, maxStreams int) int {
	if numSymbols < 10 {
		return 1
	}
	n := int(math.Log2(float64(numSymbols))) + 1
	if n < 1 {
		n = 1
	}
	if n > maxStreams {
		n = maxStreams
	}
	return n
}

// symbolsHash computes a stable hash over the sorted, case-normalized
// symbol list, used by the orchestrator to detect when the filter
// output changed and the pool must be rebuilt.
func symbolsHash(symbols []key.Symbol) uint64 {
	sorted := make([]string, len(symbols))
	for i, s := range symbols {
		sorted[i] = s.String()
	}
	sort.Strings(sorted)
	h := xxhash.New()
	for _, s := range sorted {
		_, _ = h.WriteString(s)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// Config carries the liveness-monitor timing knobs from spec.md §6.
type Config struct {
	MaxStreams   int
	IdleGlobal   time.Duration
	IdleSymbol   time.Duration
	Warmup       time.Duration
	MonitorEvery time.Duration
}

// Pool is StreamPool (C4).
type Pool struct {
	cfg     Config
	factory Factory

	runGate *semaphore.Weighted

	mu      sync.Mutex
	streams []Stream
	symbols []key.Symbol
	hash    uint64
	start   time.Time
}

// New builds a Pool by sharding symbols across clamp(log2(|symbols|)+1,
// 1, cfg.MaxStreams) streams (1 when |symbols| < 10), round-robin
// registering each symbol and failing with ErrOverCapacity after
// len(streams) consecutive refusals, per spec.md §4.4.
func New(symbols []key.Symbol, factory Factory, cfg Config) (*Pool, error) {
	n := shardCount(len(symbols), cfg.MaxStreams)
	streams := make([]Stream, n)
	for i := range streams {
		streams[i] = factory()
	}

	next := 0
	for _, sym := range symbols {
		refusals := 0
		for {
			if streams[next].Register(sym) {
				next = (next + 1) % n
				break
			}
			next = (next + 1) % n
			refusals++
			if refusals >= n {
				return nil, ErrOverCapacity
			}
		}
	}

	return &Pool{
		cfg:        cfg,
		factory:    factory,
		runGate:    semaphore.NewWeighted(1),
		streams:    streams,
		symbols:    append([]key.Symbol(nil), symbols...),
		hash:       symbolsHash(symbols),
	}, nil
}

// Hash returns the pool's symbols_hash, used by the orchestrator to
// decide whether a rebuild is required.
func (p *Pool) Hash() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hash
}

// NeedsRebuild reports whether symbols differs from the pool's current
// membership.
func (p *Pool) NeedsRebuild(symbols []key.Symbol) bool {
	return p.Hash() != symbolsHash(symbols)
}

// Run starts every stream's receive loop concurrently and a liveness
// monitor goroutine, per spec.md §4.4. It returns as soon as any
// stream's loop exits, the monitor stops a stream, or ctx is
// cancelled; all other streams are then stopped. runGate rejects a
// second concurrent call to Run on the same Pool.
func (p *Pool) Run(ctx context.Context, sink chan<- *orderbook.DiffEnvelope) error {
	if !p.runGate.TryAcquire(1) {
		return errors.New("stream: pool already running")
	}
	defer p.runGate.Release(1)

	p.mu.Lock()
	p.start = time.Now()
	streams := append([]Stream(nil), p.streams...)
	p.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	for _, s := range streams {
		s := s
		g.Go(func() error {
			defer cancel()
			return s.Run(gctx, sink)
		})
	}

	monitorEvery := p.cfg.MonitorEvery
	if monitorEvery <= 0 {
		monitorEvery = 10 * time.Second
	}
	g.Go(func() error {
		if err := p.monitor(gctx, streams, monitorEvery); gctx.Err() == nil {
			return err
		}
		return nil
	})

	err := g.Wait()
	for _, s := range streams {
		if stopErr := s.Stop(); stopErr != nil {
			log.Warnf(log.StreamMgr, "stop stream: %v", stopErr)
		}
	}
	return err
}

// monitor implements spec.md §4.4's liveness checks every
// monitorEvery: stop a stream whose global idle time exceeds
// IdleGlobal; after Warmup has elapsed since pool start, also stop a
// stream with any symbol idle past IdleSymbol.
func (p *Pool) monitor(ctx context.Context, streams []Stream, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			p.mu.Lock()
			start := p.start
			symbols := append([]key.Symbol(nil), p.symbols...)
			p.mu.Unlock()

			for _, s := range streams {
				if now.Sub(s.LastEventTime()) > p.cfg.IdleGlobal {
					log.Warnf(log.StreamMgr, "stream idle past global threshold, stopping")
					return errors.New("stream: global idle timeout")
				}
				if now.Sub(start) <= p.cfg.Warmup {
					continue
				}
				for _, sym := range symbols {
					if now.Sub(s.LastEventTimeFor(sym)) > p.cfg.IdleSymbol {
						log.Warnf(log.StreamMgr, "symbol %s idle past per-symbol threshold, stopping stream", sym)
						return errors.New("stream: symbol idle timeout")
					}
				}
			}
		}
	}
}

// Dispose awaits every stream's shutdown, then clears bookkeeping and
// resets the hash to zero, per spec.md §4.4.
func (p *Pool) Dispose() error {
	p.mu.Lock()
	streams := p.streams
	p.mu.Unlock()

	var firstErr error
	for _, s := range streams {
		if err := s.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	p.mu.Lock()
	p.streams = nil
	p.symbols = nil
	p.hash = 0
	p.mu.Unlock()
	return firstErr
}
