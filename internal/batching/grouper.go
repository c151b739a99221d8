package batching

import "fmt"

// Grouper partitions items by a key while remembering where each item came
// from, so per-group results can be put back in input order.
type Grouper[T any] struct {
	keys    []string
	groups  map[string][]T
	indices map[string][]int
	size    int
}

// NewGrouper groups items by key. Groups are listed in order of first
// appearance and keep the relative order of their members.
// key must be deterministic or Ungroup cannot restore the order.
func NewGrouper[T any](items []T, key func(T) string) *Grouper[T] {
	g := &Grouper[T]{
		groups:  make(map[string][]T),
		indices: make(map[string][]int),
		size:    len(items),
	}

	for i, item := range items {
		k := key(item)
		if _, seen := g.groups[k]; !seen {
			g.keys = append(g.keys, k)
		}
		g.groups[k] = append(g.groups[k], item)
		g.indices[k] = append(g.indices[k], i)
	}

	return g
}

// Keys returns the group keys in order of first appearance.
func (g *Grouper[T]) Keys() []string {
	return g.keys
}

// Group returns the members of one group.
func (g *Grouper[T]) Group(key string) []T {
	return g.groups[key]
}

// Len is the number of items that were grouped.
func (g *Grouper[T]) Len() int {
	return g.size
}

// Ungroup flattens per-group results back into the original input order.
// results[key] must hold one entry per member of that group, in group order.
func Ungroup[T, R any](g *Grouper[T], results map[string][]R) ([]R, error) {
	out := make([]R, g.size)

	for _, k := range g.keys {
		res, ok := results[k]
		if !ok {
			return nil, fmt.Errorf("batching: no results for group %q", k)
		}
		idx := g.indices[k]
		if len(res) != len(idx) {
			return nil, fmt.Errorf("batching: group %q has %d members but %d results", k, len(idx), len(res))
		}
		for j, pos := range idx {
			out[pos] = res[j]
		}
	}

	return out, nil
}
