package memeffect

const wordSize = 4

// Scratch evicts the CPU caches by running a dependent write chain over a
// buffer larger than the last-level cache.
type Scratch struct {
	words  []uint32
	passes int
}

// NewScratch allocates size bytes of scratch space.
func NewScratch(size int) *Scratch {
	return &Scratch{words: make([]uint32, size/wordSize)}
}

// Invalidate runs one pass of the chain. Every write depends on the previous
// one, so the pass cannot be vectorised or reordered.
func (s *Scratch) Invalidate() {
	w := s.words
	if len(w) == 0 {
		return
	}

	w[0] = 1
	for i := 1; i < len(w); i++ {
		w[i] = w[i-1]
	}

	s.passes++
}

// Passes returns how many times Invalidate ran.
func (s *Scratch) Passes() int {
	return s.passes
}

// Len returns the scratch size in bytes.
func (s *Scratch) Len() int {
	return len(s.words) * wordSize
}
