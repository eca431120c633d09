package runtime

import "sync/atomic"

// seqGen numbers the events of one run. It is shared with child runs so a
// family of runs can be ordered in a single audit stream.
type seqGen struct {
	counter atomic.Uint64
}

func newSeqGen() *seqGen {
	return &seqGen{}
}

// Next returns the next sequence number (1-indexed).
func (s *seqGen) Next() uint64 {
	return s.counter.Add(1)
}

// Last returns the most recently issued number, 0 if none.
func (s *seqGen) Last() uint64 {
	return s.counter.Load()
}
