package paging

// bitmap is a fixed-size set of page indexes.
type bitmap []uint64

func newBitmap(n int) bitmap { return make(bitmap, (n+63)/64) }

func (b bitmap) test(i int) bool { return b[i/64]&(1<<(uint(i)%64)) != 0 }

func (b bitmap) set(i int) { b[i/64] |= 1 << (uint(i) % 64) }

func (b bitmap) clear(i int) { b[i/64] &^= 1 << (uint(i) % 64) }

// pageRing holds the resident page indexes in the order they were mapped.
type pageRing struct {
	pages []int
	start int
	size  int
}

func newPageRing(capacity int) *pageRing {
	return &pageRing{pages: make([]int, capacity)}
}

func (r *pageRing) len() int { return r.size }

func (r *pageRing) full() bool { return r.size == len(r.pages) }

// push appends page. The ring must not be full.
func (r *pageRing) push(page int) {
	r.pages[(r.start+r.size)%len(r.pages)] = page
	r.size++
}

// pop removes and returns the oldest page.
func (r *pageRing) pop() int {
	page := r.pages[r.start]
	r.start = (r.start + 1) % len(r.pages)
	r.size--
	return page
}

// each calls fn for every page, oldest first.
func (r *pageRing) each(fn func(page int)) {
	for i := range r.size {
		fn(r.pages[(r.start+i)%len(r.pages)])
	}
}

func (r *pageRing) reset() {
	r.start, r.size = 0, 0
}
