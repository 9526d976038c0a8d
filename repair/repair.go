// Package repair implements SnapshotRepairer (C6): polls the pending
// repair set and reconciles flagged books against authoritative HTTP
// snapshots, per spec.md §4.6.
package repair

import (
	"context"
	"time"

	"github.com/thrasher-corp/obmirror/common/key"
	"github.com/thrasher-corp/obmirror/log"
	"github.com/thrasher-corp/obmirror/orderbook"
)

// HttpClient is the inbound snapshot/listing capability, per spec.md §6.
type HttpClient interface {
	// GetOrderbook fetches an authoritative snapshot for symbol, up to
	// limit price levels per side (limit up to 5000).
	GetOrderbook(ctx context.Context, symbol key.Symbol, limit int) (*orderbook.SnapshotResponse, error)
	// ListSymbols returns the exchange's tradable symbol universe.
	ListSymbols(ctx context.Context, useCache, checkStatus bool) ([]key.Symbol, error)
}

const snapshotLimit = 5000

// Config carries SnapshotRepairer's timing knob from spec.md §6.
type Config struct {
	PollInterval time.Duration
}

// Repairer is SnapshotRepairer (C6).
type Repairer struct {
	cfg     Config
	client  HttpClient
	books   *orderbook.Registry
	pending *orderbook.PendingRepair
}

// New returns a Repairer polling pending at cfg.PollInterval (5s by
// default).
func New(client HttpClient, books *orderbook.Registry, pending *orderbook.PendingRepair, cfg Config) *Repairer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Repairer{cfg: cfg, client: client, books: books, pending: pending}
}

// Run executes spec.md §4.6's loop until ctx is cancelled: sleep, pop
// one symbol, fetch its snapshot, reconcile under the book's lock, and
// on any error re-queue the symbol for the next cycle.
func (r *Repairer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Repairer) tick(ctx context.Context) {
	symbol, ok := r.pending.Pop()
	if !ok {
		return
	}

	snapshot, err := r.client.GetOrderbook(ctx, symbol, snapshotLimit)
	if err != nil {
		log.Warnf(log.RepairMgr, "fetch snapshot for %s: %v", symbol, err)
		r.pending.Add(symbol)
		return
	}

	book := r.books.GetOrCreate(symbol)
	book.ReconcileWithSnapshot(snapshot, time.Now())
}
