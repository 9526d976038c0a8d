// Package ingest implements DiffIngestor (C5): drains the bounded diff
// queue into per-symbol books and flags sequence gaps for repair, per
// spec.md §4.5. The bounded-worker-pool batch path uses
// golang.org/x/sync/errgroup's SetLimit for bounded concurrent fan-out.
package ingest

import (
	"context"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/thrasher-corp/obmirror/log"
	"github.com/thrasher-corp/obmirror/orderbook"
)

// parallelBatchThreshold is the batch size above which envelopes are
// processed across a worker pool instead of sequentially.
const parallelBatchThreshold = 32

// Config carries DiffIngestor's timing knobs from spec.md §6.
type Config struct {
	QueueCapacity  int
	BatchThreshold int
	PostBatchSleep time.Duration
	Workers        int
}

// Ingestor is DiffIngestor (C5).
type Ingestor struct {
	cfg     Config
	books   *orderbook.Registry
	pending *orderbook.PendingRepair
	queue   chan *orderbook.DiffEnvelope
}

// New returns an Ingestor with its own bounded queue, per spec.md §4.5
// (capacity 8192 by default via cfg.QueueCapacity).
func New(books *orderbook.Registry, pending *orderbook.PendingRepair, cfg Config) *Ingestor {
	if cfg.BatchThreshold <= 0 {
		cfg.BatchThreshold = parallelBatchThreshold
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Ingestor{
		cfg:     cfg,
		books:   books,
		pending: pending,
		queue:   make(chan *orderbook.DiffEnvelope, cfg.QueueCapacity),
	}
}

// Queue returns the ingestor's inbound sink. A StreamPool's Run feeds
// diff envelopes into this channel.
func (i *Ingestor) Queue() chan<- *orderbook.DiffEnvelope { return i.queue }

// Run drains the queue until ctx is cancelled, draining whatever is
// currently buffered as one batch each iteration, per spec.md §4.5.
func (i *Ingestor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case first := <-i.queue:
			batch := i.drainBatch(first)
			i.processBatch(batch)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(i.cfg.PostBatchSleep):
			}
		}
	}
}

// drainBatch collects first plus whatever else is immediately
// available on the queue, without blocking for more.
func (i *Ingestor) drainBatch(first *orderbook.DiffEnvelope) []*orderbook.DiffEnvelope {
	batch := []*orderbook.DiffEnvelope{first}
	for {
		select {
		case d := <-i.queue:
			batch = append(batch, d)
		default:
			return batch
		}
	}
}

// processBatch applies every envelope, sequentially for small batches
// and across a bounded, symbol-sharded worker pool above
// BatchThreshold, per spec.md §4.5 and SPEC_FULL.md §4.5's ordering
// requirement (same symbol always lands on the same worker slot).
func (i *Ingestor) processBatch(batch []*orderbook.DiffEnvelope) {
	if len(batch) <= i.cfg.BatchThreshold {
		for _, d := range batch {
			i.applyOne(d)
		}
		return
	}

	shards := make([][]*orderbook.DiffEnvelope, i.cfg.Workers)
	for _, d := range batch {
		shard := xxhash.Sum64String(d.Symbol.String()) % uint64(i.cfg.Workers)
		shards[shard] = append(shards[shard], d)
	}

	g := new(errgroup.Group)
	g.SetLimit(i.cfg.Workers)
	for _, shard := range shards {
		shard := shard
		if len(shard) == 0 {
			continue
		}
		g.Go(func() error {
			for _, d := range shard {
				i.applyOne(d)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// applyOne looks up/creates the envelope's book, applies the diff, and
// flags a gap if one was detected.
func (i *Ingestor) applyOne(d *orderbook.DiffEnvelope) {
	book := i.books.GetOrCreate(d.Symbol)
	gapped := book.ApplyDiff(d)
	if gapped {
		i.pending.Add(d.Symbol)
		log.Warnf(log.IngestMgr, "gap detected for %s: first_id=%d last_update_id=%d", d.Symbol, d.FirstID, book.LastUpdateID())
	}
}
