package obs

import "sync/atomic"

// Sequence hands out increasing correlation ids for log lines that belong
// to the same processing cycle.
type Sequence struct {
	next uint64
}

// NewSequence returns a sequence whose first id is start+1.
func NewSequence(start uint64) *Sequence {
	return &Sequence{next: start}
}

// Next returns the next id. A nil sequence always returns 0.
func (s *Sequence) Next() uint64 {
	if s == nil {
		return 0
	}
	return atomic.AddUint64(&s.next, 1)
}
