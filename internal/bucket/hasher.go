// Package bucket maps users to stable rollout positions.
//
// The hash function is part of the product contract: experiment assignment
// must be reproducible across process restarts and across the other
// implementations of this engine, so the exact arithmetic (a 32-bit rolling
// hash with wraparound) is pinned here and must not change. Re-bucketing a
// population is done by changing the seed, never by changing the hash.
package bucket

// Position returns a deterministic position in [0, 100) for the given seed
// and user ID. The seed is normally a toggle ID, so each toggle shuffles the
// population independently.
func Position(seed, userID string) int {
	h := hash32(seed + ":" + userID)

	// Widen before negating so the int32 minimum is handled exactly.
	v := int64(h)
	if v < 0 {
		v = -v
	}

	return int(v % 100)
}

// hash32 is the classic shift-and-subtract rolling hash over the string's
// Unicode code points, accumulated in two's-complement int32 arithmetic.
func hash32(s string) int32 {
	var h int32
	for _, r := range s {
		h = (h << 5) - h + int32(r)
	}
	return h
}
