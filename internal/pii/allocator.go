package pii

// Allocator issues stable placeholders for PII values within one scope
// (a single processing run or a single preview call). The same original
// value always receives the placeholder it was first issued; a new value
// increments the category counter. Allocators must never be shared across
// runs: numbering is scoped state, not process state.
//
// An Allocator is not safe for concurrent use. The row loop that owns it
// is sequential per run.
type Allocator struct {
	counters map[Category]int
	values   map[string]string
}

// NewAllocator creates an empty allocation scope.
func NewAllocator() *Allocator {
	return &Allocator{
		counters: make(map[Category]int),
		values:   make(map[string]string),
	}
}

// Allocate returns the placeholder for value, minting a new one on first sight.
// Matching is exact string equality.
func (a *Allocator) Allocate(cat Category, value string) string {
	if p, ok := a.values[value]; ok {
		return p
	}

	a.counters[cat]++
	p := placeholder(cat, a.counters[cat])
	a.values[value] = p
	return p
}

// Lookup reports the placeholder previously issued for value, if any.
func (a *Allocator) Lookup(value string) (string, bool) {
	p, ok := a.values[value]
	return p, ok
}

// Counts returns the number of distinct values allocated per category.
func (a *Allocator) Counts() map[Category]int {
	counts := make(map[Category]int, len(a.counters))
	for cat, n := range a.counters {
		counts[cat] = n
	}
	return counts
}

// Size returns the total number of distinct values in the scope.
func (a *Allocator) Size() int {
	return len(a.values)
}
