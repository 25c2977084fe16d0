package batch

// GroupByKey buckets items by a key extracted from each item, preserving
// first-seen key order so callers get deterministic group iteration.
func GroupByKey[T any, K comparable](items []T, keyFn func(T) K) ([]K, map[K][]T) {
	groups := make(map[K][]T)
	var order []K
	for _, item := range items {
		k := keyFn(item)
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], item)
	}
	return order, groups
}

// Chunk splits a slice into sub-slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if len(items) == 0 || size <= 0 {
		return nil
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for i := 0; i < len(items); i += size {
		out = append(out, items[i:min(i+size, len(items))])
	}
	return out
}
