package protpred

// Partition splits items into min(workers, len(items)) contiguous batches.
// The first len(items) % n batches carry one extra item, so batch sizes never
// differ by more than one. Batches share the backing array of items.
func Partition(items []Item, workers int) ([]Batch, error) {
	if workers <= 0 {
		return nil, ErrInvalidWorkerCount
	}
	if len(items) == 0 {
		return []Batch{}, nil
	}

	n := min(workers, len(items))
	size := len(items) / n
	rem := len(items) % n

	batches := make([]Batch, n)
	start := 0
	for i := range batches {
		end := start + size
		if i < rem {
			end++
		}
		batches[i] = Batch{
			Index: i,
			Start: start,
			Items: items[start:end:end],
		}
		start = end
	}

	return batches, nil
}

// BatchSizes returns the sizes Partition would produce without slicing.
func BatchSizes(total, workers int) ([]int, error) {
	if workers <= 0 {
		return nil, ErrInvalidWorkerCount
	}
	if total == 0 {
		return []int{}, nil
	}

	n := min(workers, total)
	sizes := make([]int, n)
	for i := range sizes {
		sizes[i] = total / n
		if i < total%n {
			sizes[i]++
		}
	}

	return sizes, nil
}
