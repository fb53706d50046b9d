package domain

import "iter"

// Batches splits ids into consecutive groups of size, the last one possibly
// smaller. The sequence is lazy and can be ranged over more than once.
// A non-positive size yields everything as one batch.
func Batches(ids []EntityID, size int) iter.Seq[Batch] {
	return func(yield func(Batch) bool) {
		if len(ids) == 0 {
			return
		}
		n := size
		if n <= 0 {
			n = len(ids)
		}
		for i, start := 0, 0; start < len(ids); i, start = i+1, start+n {
			end := min(start+n, len(ids))
			if !yield(Batch{Index: i, IDs: ids[start:end:end]}) {
				return
			}
		}
	}
}

// BatchCount returns how many batches Batches yields for n ids.
func BatchCount(n, size int) int {
	if n == 0 {
		return 0
	}
	if size <= 0 {
		return 1
	}
	return (n + size - 1) / size
}
