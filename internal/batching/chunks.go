package batching

// Chunks splits items into consecutive slices of n. n <= 0 yields a single
// chunk holding everything; an empty input yields no chunks.
func Chunks[T any](items []T, n int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if n <= 0 || n >= len(items) {
		return [][]T{items}
	}

	out := make([][]T, 0, (len(items)+n-1)/n)
	for start := 0; start < len(items); start += n {
		end := min(start+n, len(items))
		out = append(out, items[start:end])
	}
	return out
}
