package lapic

import (
	"math/bits"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

const vectorWords = NumVectors / 64

// PendingVectorSet is a 256-bit set of vectors. Every operation is safe to
// call concurrently with Set from other producers; no caller can observe a
// torn word.
//
// The zero value is an empty set.
type PendingVectorSet struct {
	words [vectorWords]atomicbitops.Uint64
}

func vectorBit(v Vector) (word int, mask uint64) {
	return int(v) / 64, uint64(1) << (uint(v) % 64)
}

// Set marks v pending.
func (s *PendingVectorSet) Set(v Vector) {
	w, m := vectorBit(v)
	atomicbitops.OrUint64(&s.words[w], m)
}

// Clear removes v from the set.
func (s *PendingVectorSet) Clear(v Vector) {
	w, m := vectorBit(v)
	atomicbitops.AndUint64(&s.words[w], ^m)
}

// Test reports whether v is pending.
func (s *PendingVectorSet) Test(v Vector) bool {
	w, m := vectorBit(v)
	return s.words[w].Load()&m != 0
}

// TestAndClear clears v and reports whether it was set, as one atomic step.
func (s *PendingVectorSet) TestAndClear(v Vector) bool {
	w, m := vectorBit(v)
	for {
		old := s.words[w].Load()
		if old&m == 0 {
			return false
		}
		if atomicbitops.CompareAndSwapUint64(&s.words[w], old, old&^m) == old {
			return true
		}
	}
}

// ClearRange clears the half-open vector range [lo, hi). Out of range bounds
// are clamped; an empty range is a no-op.
func (s *PendingVectorSet) ClearRange(lo, hi int) {
	if lo < 0 {
		lo = 0
	}
	if hi > NumVectors {
		hi = NumVectors
	}
	for lo < hi {
		w := lo / 64
		start := uint(lo % 64)
		end := uint(64)
		if (w+1)*64 > hi {
			end = uint(hi - w*64)
		}
		var mask uint64
		if end-start == 64 {
			mask = ^uint64(0)
		} else {
			mask = ((uint64(1) << (end - start)) - 1) << start
		}
		atomicbitops.AndUint64(&s.words[w], ^mask)
		lo = (w + 1) * 64
	}
}

// ScanLowest returns the lowest-numbered pending vector.
func (s *PendingVectorSet) ScanLowest() (Vector, bool) {
	return s.ScanLowestFrom(0)
}

// ScanLowestFrom returns the lowest pending vector that is >= start.
func (s *PendingVectorSet) ScanLowestFrom(start int) (Vector, bool) {
	if start < 0 {
		start = 0
	}
	for w := start / 64; w < vectorWords; w++ {
		word := s.words[w].Load()
		if w == start/64 {
			word &= ^uint64(0) << uint(start%64)
		}
		if word != 0 {
			return Vector(w*64 + bits.TrailingZeros64(word)), true
		}
	}
	return 0, false
}

// ScanHighest returns the highest-numbered pending vector.
func (s *PendingVectorSet) ScanHighest() (Vector, bool) {
	for w := vectorWords - 1; w >= 0; w-- {
		word := s.words[w].Load()
		if word != 0 {
			return Vector(w*64 + 63 - bits.LeadingZeros64(word)), true
		}
	}
	return 0, false
}

// IsEmpty reports whether no vector is pending.
func (s *PendingVectorSet) IsEmpty() bool {
	for w := range s.words {
		if s.words[w].Load() != 0 {
			return false
		}
	}
	return true
}

// Count returns the number of pending vectors.
func (s *PendingVectorSet) Count() int {
	n := 0
	for w := range s.words {
		n += bits.OnesCount64(s.words[w].Load())
	}
	return n
}

// Vectors returns the pending vectors in ascending order.
func (s *PendingVectorSet) Vectors() []Vector {
	var out []Vector
	for w := range s.words {
		word := s.words[w].Load()
		for word != 0 {
			b := bits.TrailingZeros64(word)
			out = append(out, Vector(w*64+b))
			word &= word - 1
		}
	}
	return out
}

// Words returns a copy of the backing words, word 0 holding vectors 0-63.
func (s *PendingVectorSet) Words() [vectorWords]uint64 {
	var out [vectorWords]uint64
	for w := range s.words {
		out[w] = s.words[w].Load()
	}
	return out
}

// Load replaces the set contents with words.
func (s *PendingVectorSet) Load(words [vectorWords]uint64) {
	for w := range s.words {
		s.words[w].Store(words[w])
	}
}
