// Package gen generates the identifiers used inside a hive: request sequence
// numbers and reply-table keys.
package gen

import "sync/atomic"

// Sequencer hands out strictly increasing 64-bit numbers. It is safe for
// concurrent use.
type Sequencer struct {
	last atomic.Uint64
}

// NewSequencer creates a Sequencer whose first number is after+1.
func NewSequencer(after uint64) *Sequencer {
	s := &Sequencer{}
	s.last.Store(after)
	return s
}

// Next returns the next number.
func (s *Sequencer) Next() uint64 {
	return s.last.Add(1)
}

// Last returns the most recently issued number, or the initial value if none
// has been issued.
func (s *Sequencer) Last() uint64 {
	return s.last.Load()
}

// SkipTo makes sure every number issued from now on is larger than n.
func (s *Sequencer) SkipTo(n uint64) {
	for {
		l := s.last.Load()
		if n <= l || s.last.CompareAndSwap(l, n) {
			return
		}
	}
}
