package sample

// Downsample decimates src to at most maxPoints elements for previews.
// Destination-based: reuses dst if it has sufficient capacity, otherwise
// allocates. Returns the destination slice.
func Downsample[T any](dst []T, src []T, maxPoints int) []T {
	if maxPoints <= 0 {
		return dst[:0]
	}
	if len(src) <= maxPoints {
		if cap(dst) < len(src) {
			dst = make([]T, len(src))
		}
		dst = dst[:len(src)]
		copy(dst, src)
		return dst
	}

	if cap(dst) >= maxPoints {
		dst = dst[:0]
	} else {
		dst = make([]T, 0, maxPoints)
	}

	step := float64(len(src)) / float64(maxPoints)
	for i := range maxPoints {
		dst = append(dst, src[int(float64(i)*step)])
	}
	return dst
}

// Column extracts channel c of samples.
func Column(dst []float64, samples []Sample, c int) []float64 {
	dst = dst[:0]
	for _, s := range samples {
		if c < len(s.Values) {
			dst = append(dst, s.Values[c])
		}
	}
	return dst
}
