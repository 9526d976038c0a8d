package orderbook

import (
	"sort"
	"time"
)

// sortOrder controls how a SortedView orders its side's keys.
type sortOrder int

const (
	ascending sortOrder = iota
	descending
)

// maxEnforceAttempts bounds SortedView's optimistic retry loop before it
// falls back to a fully locked materialization.
const maxEnforceAttempts = 8

// SortedView is C3: a price-ordered read view over one side of a Book.
// It caches a sorted key slice tagged with the side's version at
// capture time, and re-materializes whenever a concurrent write has
// moved the version on (spec.md §4.3).
type SortedView struct {
	book  *Book
	side  *side
	order sortOrder

	capturedVersion uint64
	keys            []PriceRoundKey
}

func newSortedView(book *Book, s *side, order sortOrder) *SortedView {
	v := &SortedView{book: book, side: s, order: order}
	v.materialize()
	return v
}

// materialize takes the book lock, snapshots the side's keys and
// version together, and sorts the keys by price in the view's order.
func (v *SortedView) materialize() {
	v.book.mu.Lock()
	version := v.side.version.Load()
	keys := make([]PriceRoundKey, 0, len(v.side.levels))
	for k := range v.side.levels {
		keys = append(keys, k)
	}
	v.book.mu.Unlock()

	if v.order == ascending {
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	} else {
		sort.Slice(keys, func(i, j int) bool { return keys[i] > keys[j] })
	}

	v.capturedVersion = version
	v.keys = keys
}

// CheckConcurrentModification reports ErrConcurrentModification if the
// side has been written to since the view's keys were last captured.
func (v *SortedView) CheckConcurrentModification() error {
	if v.side.version.Load() != v.capturedVersion {
		return ErrConcurrentModification
	}
	return nil
}

// Entries returns the view's levels in price order, re-materializing up
// to maxEnforceAttempts times if a concurrent write is detected before
// the read completes, then falling back to one forced, fully locked
// read that is guaranteed consistent (spec.md §4.3 enforce()).
//
// A level that vanishes between key capture and read (a concurrent
// delete) is reported as a synthetic zero-quantity placeholder rather
// than silently omitted, so callers computing depth over a fixed key
// set never see the slice shrink mid-iteration.
func (v *SortedView) Entries() []BookEntry {
	for attempt := 0; attempt < maxEnforceAttempts; attempt++ {
		entries, consistent := v.tryRead()
		if consistent {
			return entries
		}
		v.materialize()
	}
	return v.lockedRead()
}

// tryRead reads the currently cached keys against the live map without
// re-validating the version until after the read completes.
func (v *SortedView) tryRead() ([]BookEntry, bool) {
	v.book.mu.Lock()
	entries := v.readLocked()
	consistent := v.side.version.Load() == v.capturedVersion
	v.book.mu.Unlock()
	return entries, consistent
}

// lockedRead re-materializes and reads in a single critical section, so
// no concurrent write can land between the two steps.
func (v *SortedView) lockedRead() []BookEntry {
	v.book.mu.Lock()
	version := v.side.version.Load()
	keys := make([]PriceRoundKey, 0, len(v.side.levels))
	for k := range v.side.levels {
		keys = append(keys, k)
	}
	if v.order == ascending {
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	} else {
		sort.Slice(keys, func(i, j int) bool { return keys[i] > keys[j] })
	}
	v.keys = keys
	v.capturedVersion = version
	entries := v.readLocked()
	v.book.mu.Unlock()
	return entries
}

// readLocked must be called with v.book.mu held.
func (v *SortedView) readLocked() []BookEntry {
	entries := make([]BookEntry, len(v.keys))
	for i, k := range v.keys {
		if e, ok := v.side.levels[k]; ok {
			entries[i] = e
		} else {
			entries[i] = BookEntry{Price: k.Decimal(), Time: time.Now()}
		}
	}
	return entries
}
