// Package filter implements PairFilter, the literal+regex symbol
// membership predicate described in spec.md §4.1.
package filter

import (
	"container/list"
	"regexp"
	"strings"
	"sync"

	"github.com/thrasher-corp/obmirror/common/key"
)

// plainSymbol matches lines that are a literal symbol rather than a
// regex, per spec.md §4.1: ^[A-Za-z][\w:/-]+$
var plainSymbol = regexp.MustCompile(`^[A-Za-z][\w:/-]+$`)

type regexEntry struct {
	source string
	re     *regexp.Regexp
}

// Filter is PairFilter (C1): a set of case-normalized literal symbols
// (a map, with no defined order) plus an LRU list of regex entries.
type Filter struct {
	mu       sync.Mutex
	literals map[key.Symbol]struct{}
	regexes  *list.List // of *regexEntry, most-recently-matched at Front()
}

// New returns an empty Filter. An empty filter matches everything, per
// spec.md §4.1 rule 1.
func New() *Filter {
	return &Filter{
		literals: make(map[key.Symbol]struct{}),
		regexes:  list.New(),
	}
}

// AddRules parses a newline/semicolon/CR-separated blob of rules.
// Lines starting with # or // are comments. Every trimmed non-empty
// remaining line becomes a literal; a line that also fails the
// plain-symbol check additionally compiles as a case-insensitive regex.
func (f *Filter) AddRules(text string) error {
	lines := splitRules(text)

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		f.literals[key.NewSymbol(line)] = struct{}{}
		if plainSymbol.MatchString(line) {
			continue
		}
		re, err := regexp.Compile("(?i)" + line)
		if err != nil {
			return err
		}
		f.regexes.PushBack(&regexEntry{source: line, re: re})
	}
	return nil
}

func splitRules(text string) []string {
	replacer := strings.NewReplacer("\r\n", "\n", "\r", "\n", ";", "\n")
	return strings.Split(replacer.Replace(text), "\n")
}

// Match reports whether input satisfies the filter, per spec.md §4.1
// match(input) steps 1-4.
func (f *Filter) Match(input string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.literals) == 0 {
		return true
	}

	if _, ok := f.literals[key.NewSymbol(input)]; ok {
		return true
	}

	for e := f.regexes.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*regexEntry)
		if entry.re.MatchString(input) {
			f.regexes.MoveToFront(e)
			return true
		}
	}
	return false
}

// Stats reports the current rule counts, exposed for metrics.
type Stats struct {
	Literals int
	Regexes  int
}

// Stats returns a snapshot of the current rule counts.
func (f *Filter) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{Literals: len(f.literals), Regexes: f.regexes.Len()}
}
