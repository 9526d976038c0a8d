package orderbook

import (
	"sync"

	"github.com/thrasher-corp/obmirror/common/key"
)

// Registry is the shared per-symbol Book store. It is the lookup/create
// table that DiffIngestor, SnapshotRepairer, and OrderbookCollector all
// operate against, per spec.md §2's data flow.
type Registry struct {
	mu    sync.RWMutex
	books map[key.Symbol]*Book
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{books: make(map[key.Symbol]*Book)}
}

// GetOrCreate returns the book for symbol, creating an empty one if
// none exists yet.
func (r *Registry) GetOrCreate(symbol key.Symbol) *Book {
	r.mu.RLock()
	b, ok := r.books[symbol]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.books[symbol]; ok {
		return b
	}
	b = NewBook(symbol)
	r.books[symbol] = b
	return b
}

// Get returns the book for symbol, if it has been created.
func (r *Registry) Get(symbol key.Symbol) (*Book, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.books[symbol]
	return b, ok
}

// Delete removes symbol's book.
func (r *Registry) Delete(symbol key.Symbol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.books, symbol)
}

// Symbols returns the currently tracked symbols.
func (r *Registry) Symbols() []key.Symbol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]key.Symbol, 0, len(r.books))
	for s := range r.books {
		out = append(out, s)
	}
	return out
}

// Range calls fn for every tracked book. fn must not call back into
// the registry.
func (r *Registry) Range(fn func(symbol key.Symbol, b *Book)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for s, b := range r.books {
		fn(s, b)
	}
}
