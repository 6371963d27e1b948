package coverage

// ByteSet is a set of module-relative byte offsets. Inserts are idempotent,
// so overlapping or repeated basic blocks never double count, and the set
// only ever grows during aggregation.
type ByteSet struct {
	m map[uint32]struct{}
}

func NewByteSet() *ByteSet {
	return &ByteSet{m: make(map[uint32]struct{})}
}

func (s *ByteSet) Add(off uint32) {
	s.m[off] = struct{}{}
}

// AddBlock inserts every offset in [off, off+size).
func (s *ByteSet) AddBlock(off uint32, size uint16) {
	for i := uint32(0); i < uint32(size); i++ {
		s.m[off+i] = struct{}{}
	}
}

func (s *ByteSet) Contains(off uint32) bool {
	_, ok := s.m[off]
	return ok
}

func (s *ByteSet) Len() int {
	return len(s.m)
}
