package stats

import (
	"math"
	"sync/atomic"
)

// StatAtomic accumulates count, min, max and variance of a sample stream without locks.
type StatAtomic struct {
	overflow   atomic.Bool
	count      atomic.Uint64
	sum        atomic.Uint64
	squaresSum atomic.Uint64
	min        atomic.Uint64
	max        atomic.Uint64
}

type StatSnapshot struct {
	Overflow   bool
	Count      uint64
	Sum        uint64
	SquaresSum uint64
	Min        uint64
	Average    float64
	Max        uint64
	Variance   float64
}

func NewStatAtomic() *StatAtomic {
	s := &StatAtomic{}
	s.min.Store(math.MaxUint64)
	return s
}

func (s *StatAtomic) Update(value uint64) {
	s.count.Add(1)
	s.sum.Add(value)
	for {
		cur := s.max.Load()
		if value <= cur || s.max.CompareAndSwap(cur, value) {
			break
		}
	}
	for {
		cur := s.min.Load()
		if value >= cur || s.min.CompareAndSwap(cur, value) {
			break
		}
	}
	square := value * value
	if s.squaresSum.Add(square) < square {
		// squaresSum will be the first to go by definition. Everything else may follow.
		s.overflow.Store(true)
	}
}

// Snapshot can be inaccurate if updated concurrently with the call.
func (s *StatAtomic) Snapshot() *StatSnapshot {
	snap := StatSnapshot{
		Overflow:   s.overflow.Load(),
		Count:      s.count.Load(),
		Sum:        s.sum.Load(),
		SquaresSum: s.squaresSum.Load(),
		Min:        s.min.Load(),
		Max:        s.max.Load(),
	}
	if snap.Count == 0 {
		snap.Min = 0
		return &snap
	}
	snap.Average = float64(snap.Sum) / float64(snap.Count)
	snap.Variance = float64(snap.SquaresSum)/float64(snap.Count) - snap.Average*snap.Average
	return &snap
}
