// Package collector implements OrderbookCollector (C8): orchestrates
// C1-C7 and exposes collect() to dispatch periodic snapshots to
// downstream handlers, per spec.md §4.8.
package collector

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/thrasher-corp/obmirror/common/key"
	"github.com/thrasher-corp/obmirror/filter"
	"github.com/thrasher-corp/obmirror/ingest"
	"github.com/thrasher-corp/obmirror/log"
	"github.com/thrasher-corp/obmirror/orderbook"
	"github.com/thrasher-corp/obmirror/repair"
	"github.com/thrasher-corp/obmirror/stream"
)

// Config carries the collector-level timing knobs from spec.md §6.
type Config struct {
	SymbolsExpiry time.Duration
	EntryExpiry   time.Duration
	StreamConfig  stream.Config
}

// Collector is OrderbookCollector (C8).
type Collector struct {
	cfg Config

	filter        *filter.Filter
	client        repair.HttpClient
	streamFactory stream.Factory

	registry *orderbook.Registry
	pending  *orderbook.PendingRepair
	ingestor *ingest.Ingestor
	repairer *repair.Repairer
	metrics  *Metrics

	handlers    []Handler
	aggregators []AggregatorBinding

	rebuildSem *semaphore.Weighted

	mu                 sync.Mutex
	cachedSymbols      []key.Symbol
	lastSymbolsRefresh time.Time
	pool               *stream.Pool

	backgroundOnce sync.Once
}

// New wires a Collector from its collaborators. The caller owns
// starting New's returned Collector.Collect loop (typically driven by
// a TaskScheduler task in cmd/obmirror).
func New(
	cfg Config,
	f *filter.Filter,
	client repair.HttpClient,
	streamFactory stream.Factory,
	registry *orderbook.Registry,
	pending *orderbook.PendingRepair,
	ingestor *ingest.Ingestor,
	repairer *repair.Repairer,
	metrics *Metrics,
) *Collector {
	return &Collector{
		cfg:           cfg,
		filter:        f,
		client:        client,
		streamFactory: streamFactory,
		registry:      registry,
		pending:       pending,
		ingestor:      ingestor,
		repairer:      repairer,
		metrics:       metrics,
		rebuildSem:    semaphore.NewWeighted(1),
	}
}

// AddHandler registers a raw dispatch target.
func (c *Collector) AddHandler(h Handler) { c.handlers = append(c.handlers, h) }

// AddAggregatorBinding registers an aggregator and the handlers that
// consume its output.
func (c *Collector) AddAggregatorBinding(b AggregatorBinding) { c.aggregators = append(c.aggregators, b) }

// Collect implements spec.md §4.8's collect(): setup, dispatch every
// non-empty book to registered handlers, then reset statistics and
// drop stale entries.
func (c *Collector) Collect(ctx context.Context) error {
	if err := c.setup(ctx); err != nil {
		return err
	}

	c.registry.Range(func(symbol key.Symbol, b *orderbook.Book) {
		if b.IsEmpty() {
			return
		}
		c.dispatch(ctx, symbol, b)
	})

	if c.metrics != nil {
		c.metrics.PendingRepairDepth.Set(float64(c.pending.Len()))
	}

	cutoff := time.Now().Add(-c.cfg.EntryExpiry)
	c.registry.Range(func(symbol key.Symbol, b *orderbook.Book) {
		b.ResetStatistics()
		b.DropOutdated(cutoff)
	})

	return nil
}

// setup implements spec.md §4.8 step 1: refresh the symbol cache,
// rebuild the stream pool if membership changed, and ensure the
// background ingest and repair loops are running.
func (c *Collector) setup(ctx context.Context) error {
	c.mu.Lock()
	needsRefresh := c.cachedSymbols == nil || time.Since(c.lastSymbolsRefresh) > c.cfg.SymbolsExpiry
	c.mu.Unlock()

	if needsRefresh {
		all, err := c.client.ListSymbols(ctx, false, true)
		if err != nil {
			return err
		}
		filtered := make([]key.Symbol, 0, len(all))
		for _, s := range all {
			if c.filter.Match(s.String()) {
				filtered = append(filtered, s)
			}
		}
		c.mu.Lock()
		c.cachedSymbols = filtered
		c.lastSymbolsRefresh = time.Now()
		c.mu.Unlock()
	}

	if err := c.rebuildPoolIfNeeded(ctx); err != nil {
		return err
	}

	c.backgroundOnce.Do(func() {
		go func() {
			if err := c.ingestor.Run(ctx); err != nil {
				log.Warnf(log.CollectorMgr, "ingest loop stopped: %v", err)
			}
		}()
		go func() {
			if err := c.repairer.Run(ctx); err != nil {
				log.Warnf(log.CollectorMgr, "repair loop stopped: %v", err)
			}
		}()
	})

	return nil
}

// rebuildPoolIfNeeded serializes pool disposal and reconstruction
// through a single semaphore, per spec.md §5.
func (c *Collector) rebuildPoolIfNeeded(ctx context.Context) error {
	c.mu.Lock()
	symbols := append([]key.Symbol(nil), c.cachedSymbols...)
	pool := c.pool
	c.mu.Unlock()

	if pool != nil && !pool.NeedsRebuild(symbols) {
		return nil
	}

	if err := c.rebuildSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.rebuildSem.Release(1)

	if pool != nil {
		if err := pool.Dispose(); err != nil {
			log.Warnf(log.CollectorMgr, "dispose stream pool: %v", err)
		}
	}

	newPool, err := stream.New(symbols, c.streamFactory, c.cfg.StreamConfig)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.pool = newPool
	c.mu.Unlock()

	go func() {
		if err := newPool.Run(ctx, c.ingestor.Queue()); err != nil {
			log.Warnf(log.CollectorMgr, "stream pool stopped: %v", err)
		}
	}()

	return nil
}

// dispatch implements spec.md §4.8 step 2 for one symbol: materialize
// both sides' SortedViews and fan out to every raw handler, then to
// every aggregating handler via its aggregator.
func (c *Collector) dispatch(ctx context.Context, symbol key.Symbol, b *orderbook.Book) {
	bids := b.BidView()
	asks := b.AskView()

	if c.metrics != nil {
		c.metrics.DispatchTotal.WithLabelValues(symbol.String()).Inc()
		st := b.Stats()
		c.metrics.BookLevels.WithLabelValues(symbol.String(), "bid").Set(float64(st.BidLevels))
		c.metrics.BookLevels.WithLabelValues(symbol.String(), "ask").Set(float64(st.AskLevels))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range c.handlers {
		h := h
		g.Go(func() error {
			if err := h.Handle(gctx, symbol, bids, asks); err != nil {
				c.logHandlerError(symbol, "raw", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(c.aggregators) == 0 {
		return
	}

	ag, agctx := errgroup.WithContext(ctx)
	for _, binding := range c.aggregators {
		binding := binding
		ag.Go(func() error {
			data, err := binding.Aggregator.Aggregate(agctx, symbol, bids, asks)
			if err != nil {
				c.logHandlerError(symbol, "aggregator", err)
				return nil
			}
			for _, h := range binding.Handlers {
				if err := h.HandleAggregate(agctx, symbol, data); err != nil {
					c.logHandlerError(symbol, "aggregating", err)
				}
			}
			return nil
		})
	}
	_ = ag.Wait()
}

func (c *Collector) logHandlerError(symbol key.Symbol, handler string, err error) {
	if c.metrics != nil {
		c.metrics.HandlerErrorsTotal.WithLabelValues(symbol.String(), handler).Inc()
	}
	if errors.Is(err, context.Canceled) {
		log.Debugf(log.CollectorMgr, "%s handler for %s: %v", handler, symbol, err)
		return
	}
	log.Warnf(log.CollectorMgr, "%s handler for %s: %v", handler, symbol, err)
}
