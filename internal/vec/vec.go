// Package vec holds the small amount of vector arithmetic shared by the
// embedding, fallback-index and similarity paths.
package vec

import "math"

// Normalize scales v to unit L2 length in place and returns it. A zero
// vector is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// Dot returns the dot product of a and b. For unit vectors this equals
// cosine similarity, which keeps fallback ranking comparable with the
// remote index's cosine distance ordering.
func Dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// WeightedMean pools vectors into a single vector using the given weights,
// then normalizes the result. Inputs shorter than the first vector are
// ignored. Returns nil when nothing can be pooled.
func WeightedMean(vectors [][]float32, weights []float64) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	if dim == 0 {
		return nil
	}
	acc := make([]float64, dim)
	var total float64
	for i, v := range vectors {
		if len(v) != dim {
			continue
		}
		w := 1.0
		if i < len(weights) {
			w = weights[i]
		}
		if w <= 0 {
			continue
		}
		for j := range acc {
			acc[j] += w * float64(v[j])
		}
		total += w
	}
	if total == 0 {
		return nil
	}
	out := make([]float32, dim)
	for j := range acc {
		out[j] = float32(acc[j] / total)
	}
	return Normalize(out)
}
