package wire

// Before implements RFC 1982 modular sequence comparison: before(a, b) ==
// (int32)(a-b) < 0, i.e. a comes strictly before b in the 32-bit modular
// sequence space. This is what lets a channel operate correctly across
// a sequence-number wraparound (spec §8 boundary behavior).
func Before(a, b uint32) bool {
	return int32(a-b) < 0
}

// After is the complement of Before (a strictly after b).
func After(a, b uint32) bool { return Before(b, a) }

// LE is "a before-or-equal b" in modular space.
func LE(a, b uint32) bool { return a == b || Before(a, b) }

// InWindow reports whether seq falls in the modular half-open range
// [lo, hi) -- used to test retransmit-queue/reorder-buffer membership.
func InWindow(seq, lo, hi uint32) bool {
	return LE(lo, seq) && Before(seq, hi)
}
