package dispatch

// paginate partitions items into fixed-size chunks, preserving order.
// The result has ceil(len(items)/size) pages; the chunks are subslices of
// the input, never copies.
func paginate(items []Item, size int) [][]Item {
	if size <= 0 {
		size = defaultPageSize
	}
	if len(items) == 0 {
		return nil
	}
	pages := make([][]Item, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		pages = append(pages, items[start:min(start+size, len(items))])
	}
	return pages
}
