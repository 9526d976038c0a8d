package orderbook

import (
	"sync"

	"github.com/thrasher-corp/obmirror/common/key"
)

// PendingRepair is the set of symbols flagged as needing an HTTP
// resync, per spec.md §3. It is guarded by its own mutex, independent
// of any Book's lock.
type PendingRepair struct {
	mu  sync.Mutex
	set map[key.Symbol]struct{}
}

// NewPendingRepair returns an empty PendingRepair set.
func NewPendingRepair() *PendingRepair {
	return &PendingRepair{set: make(map[key.Symbol]struct{})}
}

// Add flags symbol as needing repair.
func (p *PendingRepair) Add(symbol key.Symbol) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.set[symbol] = struct{}{}
}

// Pop removes and returns an arbitrary flagged symbol. ok is false if
// the set is empty.
func (p *PendingRepair) Pop() (symbol key.Symbol, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for s := range p.set {
		delete(p.set, s)
		return s, true
	}
	return "", false
}

// Len reports the number of currently flagged symbols.
func (p *PendingRepair) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.set)
}
