// Package orderbook implements InMemoryOrderbook (C2) and SortedView
// (C3) from spec.md §4.2-§4.3: a per-side map of price levels guarded
// by a per-book lock, with a version counter per side for optimistic
// concurrent reads.
package orderbook

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/thrasher-corp/obmirror/common/key"
)

// PriceQty is an absolute-quantity replacement at one price level. A
// zero quantity deletes the level.
type PriceQty struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// DiffEnvelope is an incremental update, per spec.md §3. Instances are
// never mutated after construction, so a single allocation can be
// shared by every ingest worker that reads it via plain GC-backed
// pointer sharing, with no custom refcounting needed.
type DiffEnvelope struct {
	Symbol     key.Symbol
	FirstID    int64
	FinalID    int64
	BidChanges []PriceQty
	AskChanges []PriceQty
	EventTime  time.Time
}

// SnapshotResponse is an authoritative REST snapshot, per spec.md §3.
type SnapshotResponse struct {
	Symbol       key.Symbol
	LastUpdateID int64
	Bids         []PriceQty
	Asks         []PriceQty
	Timestamp    time.Time
}

// BookEntry is one resting price level, per spec.md §3.
type BookEntry struct {
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	Time         time.Time
	UpdateCount  uint64
	LastUpdateID uint64
}

// side holds one book side's levels and its monotonic version counter.
type side struct {
	levels  map[PriceRoundKey]BookEntry
	version atomic.Uint64
}

func newSide() *side {
	return &side{levels: make(map[PriceRoundKey]BookEntry)}
}

// Book is InMemoryOrderbook (C2): per-symbol bid/ask maps with
// monotonic version counters and a running last_update_id.
type Book struct {
	mu           sync.Mutex
	symbol       key.Symbol
	bids         *side
	asks         *side
	lastUpdateID atomic.Int64
}

// NewBook constructs an empty book for symbol.
func NewBook(symbol key.Symbol) *Book {
	return &Book{symbol: symbol, bids: newSide(), asks: newSide()}
}

// Symbol returns the book's symbol.
func (b *Book) Symbol() key.Symbol { return b.symbol }

// LastUpdateID returns the highest sequence number ever applied. Safe
// to call without the book lock.
func (b *Book) LastUpdateID() int64 { return b.lastUpdateID.Load() }

// IsEmpty reports whether both sides have no resting levels.
func (b *Book) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bids.levels) == 0 && len(b.asks.levels) == 0
}

// ApplyDiff applies d under the book lock and reports whether d arrived
// as a gap: d.FirstID > lastUpdateID+1, or the book was empty, evaluated
// before the mutation (spec.md §4.2 "Gap detection"). The diff is
// applied regardless of whether a gap was detected.
func (b *Book) ApplyDiff(d *DiffEnvelope) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	gapped := d.FirstID > b.lastUpdateID.Load()+1 ||
		(len(b.bids.levels) == 0 && len(b.asks.levels) == 0)

	if applySideChanges(b.bids, d.BidChanges, uint64(d.FinalID), d.EventTime) {
		b.bids.version.Add(1)
	}
	if applySideChanges(b.asks, d.AskChanges, uint64(d.FinalID), d.EventTime) {
		b.asks.version.Add(1)
	}

	if d.FinalID > b.lastUpdateID.Load() {
		b.lastUpdateID.Store(d.FinalID)
	}
	return gapped
}

// applySideChanges mutates one side's map in place and reports whether
// anything changed (so the caller only bumps the version counter once
// per call that actually mutated that side, per spec.md §4.2).
func applySideChanges(s *side, changes []PriceQty, finalID uint64, t time.Time) bool {
	if len(changes) == 0 {
		return false
	}
	for _, c := range changes {
		k := NewPriceRoundKey(c.Price)
		if c.Quantity.Sign() == 0 {
			delete(s.levels, k)
			continue
		}
		entry, existed := s.levels[k]
		entry.Price = c.Price
		entry.Quantity = c.Quantity
		entry.Time = t
		entry.LastUpdateID = finalID
		if existed {
			entry.UpdateCount++
		} else {
			entry.UpdateCount = 1
		}
		s.levels[k] = entry
	}
	return true
}

// DropOutdatedForSnapshot removes levels that predate s and are not
// present in s. Called by the snapshot repairer immediately before
// ApplySnapshot.
func (b *Book) DropOutdatedForSnapshot(s *SnapshotResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropOutdatedForSnapshotLocked(b, s)
}

// dropOutdatedForSnapshotLocked is DropOutdatedForSnapshot's body,
// factored out so ReconcileWithSnapshot can run it and applySnapshotLocked
// under a single lock acquisition. Must be called with b.mu held.
func dropOutdatedForSnapshotLocked(b *Book, s *SnapshotResponse) {
	present := make(map[PriceRoundKey]struct{}, len(s.Bids))
	for _, pq := range s.Bids {
		present[NewPriceRoundKey(pq.Price)] = struct{}{}
	}
	droppedBids := dropStaleAbsent(b.bids, uint64(s.LastUpdateID), present)

	present = make(map[PriceRoundKey]struct{}, len(s.Asks))
	for _, pq := range s.Asks {
		present[NewPriceRoundKey(pq.Price)] = struct{}{}
	}
	droppedAsks := dropStaleAbsent(b.asks, uint64(s.LastUpdateID), present)

	if droppedBids {
		b.bids.version.Add(1)
	}
	if droppedAsks {
		b.asks.version.Add(1)
	}
}

func dropStaleAbsent(s *side, cutoffID uint64, present map[PriceRoundKey]struct{}) bool {
	var dropped bool
	for k, e := range s.levels {
		if e.LastUpdateID >= cutoffID {
			continue
		}
		if _, ok := present[k]; ok {
			continue
		}
		delete(s.levels, k)
		dropped = true
	}
	return dropped
}

// ReconcileWithSnapshot performs DropOutdatedForSnapshot followed by
// ApplySnapshot as one critical section, per spec.md §4.6 step 4
// ("under the book lock: drop_outdated(snapshot), then
// apply_snapshot(snapshot, now)"). Used by the snapshot repairer so no
// concurrent diff application can land between the two steps.
func (b *Book) ReconcileWithSnapshot(s *SnapshotResponse, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropOutdatedForSnapshotLocked(b, s)
	applySnapshotLocked(b, s, now)
}

// ApplySnapshot drops levels strictly older than s, then overwrites the
// book from s, per spec.md §4.2. Both side version counters are bumped
// unconditionally since a snapshot always materially changes the book.
func (b *Book) ApplySnapshot(s *SnapshotResponse, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	applySnapshotLocked(b, s, now)
}

// applySnapshotLocked is ApplySnapshot's body, factored out so
// ReconcileWithSnapshot can run it and dropOutdatedForSnapshotLocked
// under a single lock acquisition. Must be called with b.mu held.
func applySnapshotLocked(b *Book, s *SnapshotResponse, now time.Time) {
	cutoff := uint64(s.LastUpdateID)
	for k, e := range b.bids.levels {
		if e.LastUpdateID < cutoff {
			delete(b.bids.levels, k)
		}
	}
	for k, e := range b.asks.levels {
		if e.LastUpdateID < cutoff {
			delete(b.asks.levels, k)
		}
	}

	overwriteSide(b.bids, s.Bids, cutoff, now)
	overwriteSide(b.asks, s.Asks, cutoff, now)

	b.bids.version.Add(1)
	b.asks.version.Add(1)
	b.lastUpdateID.Store(s.LastUpdateID)
}

func overwriteSide(s *side, levels []PriceQty, updateID uint64, t time.Time) {
	for _, pq := range levels {
		if pq.Quantity.Sign() == 0 {
			continue
		}
		k := NewPriceRoundKey(pq.Price)
		entry := s.levels[k]
		entry.Price = pq.Price
		entry.Quantity = pq.Quantity
		entry.Time = t
		entry.LastUpdateID = updateID
		s.levels[k] = entry
	}
}

// DropOutdated removes entries whose Time is before cutoff, per
// spec.md §4.2. Used by the collector's periodic cleanup pass.
func (b *Book) DropOutdated(cutoff time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if dropBeforeCutoff(b.bids, cutoff) {
		b.bids.version.Add(1)
	}
	if dropBeforeCutoff(b.asks, cutoff) {
		b.asks.version.Add(1)
	}
}

func dropBeforeCutoff(s *side, cutoff time.Time) bool {
	var dropped bool
	for k, e := range s.levels {
		if e.Time.Before(cutoff) {
			delete(s.levels, k)
			dropped = true
		}
	}
	return dropped
}

// ResetStatistics zeroes per-entry UpdateCount without touching
// quantities or version counters, per spec.md §4.2.
func (b *Book) ResetStatistics() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, e := range b.bids.levels {
		e.UpdateCount = 0
		b.bids.levels[k] = e
	}
	for k, e := range b.asks.levels {
		e.UpdateCount = 0
		b.asks.levels[k] = e
	}
}

// Stats summarizes book contents for metrics/handler dispatch.
type Stats struct {
	BidLevels    int
	AskLevels    int
	TotalBidQty  decimal.Decimal
	TotalAskQty  decimal.Decimal
	LastUpdateID int64
}

// Stats returns a point-in-time summary of the book.
func (b *Book) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Stats{
		BidLevels:    len(b.bids.levels),
		AskLevels:    len(b.asks.levels),
		TotalBidQty:  decimal.Zero,
		TotalAskQty:  decimal.Zero,
		LastUpdateID: b.lastUpdateID.Load(),
	}
	for _, e := range b.bids.levels {
		st.TotalBidQty = st.TotalBidQty.Add(e.Quantity)
	}
	for _, e := range b.asks.levels {
		st.TotalAskQty = st.TotalAskQty.Add(e.Quantity)
	}
	return st
}

// BidView returns a SortedView over the bid side (descending).
func (b *Book) BidView() *SortedView {
	return newSortedView(b, b.bids, descending)
}

// AskView returns a SortedView over the ask side (ascending).
func (b *Book) AskView() *SortedView {
	return newSortedView(b, b.asks, ascending)
}

// ErrConcurrentModification is raised by SortedView.CheckConcurrentModification
// when the view's captured version no longer matches the live side
// version, per spec.md §4.3.
var ErrConcurrentModification = fmt.Errorf("orderbook: concurrent modification detected")
