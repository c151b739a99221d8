package batching

// Distribute deals items round-robin into n partitions: item i goes to
// partition i%n. Interleaving spreads long and short prompts evenly across
// workers. It panics if n < 1.
func Distribute[T any](n int, items []T) [][]T {
	if n < 1 {
		panic("batching: distribute needs at least one partition")
	}

	parts := make([][]T, n)
	for i := range parts {
		parts[i] = make([]T, 0, (len(items)+n-1-i)/n)
	}
	for i, item := range items {
		parts[i%n] = append(parts[i%n], item)
	}
	return parts
}

// Undistribute is the inverse of Distribute: it reads one element from each
// partition in turn until all are exhausted.
func Undistribute[T any](parts [][]T) []T {
	total := 0
	for _, p := range parts {
		total += len(p)
	}

	out := make([]T, 0, total)
	for row := 0; len(out) < total; row++ {
		for _, p := range parts {
			if row < len(p) {
				out = append(out, p[row])
			}
		}
	}
	return out
}
