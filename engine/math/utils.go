package math

import "golang.org/x/exp/constraints"

// Clamp returns the value `f` clamped to the range [low, high].
// It works for any numeric type (integers and floats).
func Clamp[T constraints.Ordered](f, low, high T) T {
	if f < low {
		return low
	}
	if f > high {
		return high
	}
	return f
}

// AlignUp rounds v up to the next multiple of align. align must be a power of two.
func AlignUp[T constraints.Unsigned](v, align T) T {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// OrDefault returns fallback when v is zero.
func OrDefault[T constraints.Integer | constraints.Float](v, fallback T) T {
	if v == 0 {
		return fallback
	}
	return v
}

// BucketIndex returns the index of the first bound that v does not exceed,
// or len(bounds) when v is larger than every bound.
func BucketIndex[T constraints.Ordered](v T, bounds []T) int {
	for i, b := range bounds {
		if v <= b {
			return i
		}
	}
	return len(bounds)
}
