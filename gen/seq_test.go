package gen

import (
	"sync"
	"testing"
)

func TestSequencerConcurrent(t *testing.T) {
	s := NewSequencer(0)
	const n = 64
	var wg sync.WaitGroup
	seen := make(chan uint64, n*n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < n; j++ {
				seen <- s.Next()
			}
		}()
	}
	wg.Wait()
	close(seen)

	ids := make(map[uint64]bool)
	for id := range seen {
		if ids[id] {
			t.Fatalf("duplicate id %v", id)
		}
		ids[id] = true
	}
	if l := s.Last(); l != n*n {
		t.Errorf("s.Last() = %v; want=%v", l, n*n)
	}
}

func TestSequencerSkipTo(t *testing.T) {
	s := NewSequencer(10)
	if id := s.Next(); id != 11 {
		t.Errorf("s.Next() = %v; want=11", id)
	}
	s.SkipTo(40)
	if id := s.Next(); id != 41 {
		t.Errorf("s.Next() after SkipTo(40) = %v; want=41", id)
	}
	s.SkipTo(5)
	if id := s.Next(); id != 42 {
		t.Errorf("SkipTo must never move backwards: got %v; want=42", id)
	}
}
