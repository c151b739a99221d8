package batching

import (
	"fmt"
	"slices"
)

// BatchSizeFunc derives the size of the chunk starting at pos from its first
// item. Returning <= 0 takes everything that is left.
type BatchSizeFunc[T any] func(pos int, first T) int

// CollatorOption configures a Collator.
type CollatorOption[T any] func(*Collator[T])

// WithDedupe makes the collator process identical content once. key must
// return the same string exactly when two items would produce the same result.
func WithDedupe[T any](key func(T) string) CollatorOption[T] {
	return func(c *Collator[T]) {
		c.dedupe = key
	}
}

// Collator sorts requests for batching and restores the input order of the
// results afterwards.
type Collator[T any] struct {
	dedupe func(T) string

	// sorted holds one representative per distinct item, in processing order.
	sorted []T
	// positions[i] lists every input index represented by sorted[i].
	positions [][]int
	size      int
}

// NewCollator stably sorts items with cmp.
func NewCollator[T any](items []T, cmp func(a, b T) int, opts ...CollatorOption[T]) *Collator[T] {
	c := &Collator[T]{size: len(items)}
	for _, opt := range opts {
		opt(c)
	}

	type entry struct {
		item      T
		positions []int
	}

	entries := make([]*entry, 0, len(items))
	byKey := make(map[string]*entry)
	for i, item := range items {
		if c.dedupe != nil {
			k := c.dedupe(item)
			if e, ok := byKey[k]; ok {
				e.positions = append(e.positions, i)
				continue
			}
			e := &entry{item: item, positions: []int{i}}
			byKey[k] = e
			entries = append(entries, e)
			continue
		}
		entries = append(entries, &entry{item: item, positions: []int{i}})
	}

	slices.SortStableFunc(entries, func(a, b *entry) int {
		return cmp(a.item, b.item)
	})

	c.sorted = make([]T, len(entries))
	c.positions = make([][]int, len(entries))
	for i, e := range entries {
		c.sorted[i] = e.item
		c.positions[i] = e.positions
	}

	return c
}

// Sorted returns the items in processing order.
func (c *Collator[T]) Sorted() []T {
	return c.sorted
}

// Len is the number of input items, duplicates included.
func (c *Collator[T]) Len() int {
	return c.size
}

// Batched splits the sorted items into chunks of n (n <= 0 is one chunk).
// When fn is set it decides each chunk's size instead of n.
func (c *Collator[T]) Batched(n int, fn BatchSizeFunc[T]) [][]T {
	if fn == nil {
		return Chunks(c.sorted, n)
	}

	var out [][]T
	for pos := 0; pos < len(c.sorted); {
		size := fn(pos, c.sorted[pos])
		end := len(c.sorted)
		if size > 0 && pos+size < end {
			end = pos + size
		}
		out = append(out, c.sorted[pos:end])
		pos = end
	}
	return out
}

// Original takes results in processing order, one per sorted item, and
// returns them in input order, copying a deduplicated result to every
// position that shared its content.
func Original[T, R any](c *Collator[T], results []R) ([]R, error) {
	if len(results) != len(c.sorted) {
		return nil, fmt.Errorf("batching: collator expected %d results, got %d", len(c.sorted), len(results))
	}

	out := make([]R, c.size)
	for i, res := range results {
		for _, pos := range c.positions[i] {
			out[pos] = res
		}
	}
	return out, nil
}
