// Package similarity computes cosine similarity between article embeddings
// and the pairwise matrix the clustering strategies run over.
package similarity

import "math"

// Cosine returns the cosine similarity between two vectors, clamped to [0,1].
// Negative raw cosine is treated as zero: the engine operates in a
// non-negative similarity domain. Mismatched or zero-norm vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// Matrix builds the full symmetric NxN similarity matrix with a unit
// diagonal.
func Matrix(vecs [][]float32) [][]float64 {
	n := len(vecs)
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		m[i][i] = 1
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			s := Cosine(vecs[i], vecs[j])
			m[i][j] = s
			m[j][i] = s
		}
	}
	return m
}

// Distance converts a similarity matrix into the distance matrix used by the
// clustering strategies (1 - similarity, floored at 0).
func Distance(sim [][]float64) [][]float64 {
	d := make([][]float64, len(sim))
	for i, row := range sim {
		d[i] = make([]float64, len(row))
		for j, s := range row {
			dist := 1 - s
			if dist < 0 {
				dist = 0
			}
			d[i][j] = dist
		}
	}
	return d
}

// Centroid returns the arithmetic mean of the given vectors. All vectors must
// share one dimensionality; the result is nil for empty input.
func Centroid(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	out := make([]float64, len(vecs[0]))
	for _, v := range vecs {
		for i := range v {
			out[i] += float64(v[i])
		}
	}
	c := make([]float32, len(out))
	for i, sum := range out {
		c[i] = float32(sum / float64(len(vecs)))
	}
	return c
}

// MeanPairwise returns the mean similarity over all unordered member pairs of
// the given index subset. Single-member subsets score 1 by convention.
func MeanPairwise(sim [][]float64, members []int) float64 {
	if len(members) < 2 {
		return 1
	}
	var total float64
	var pairs int
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			total += sim[members[i]][members[j]]
			pairs++
		}
	}
	return total / float64(pairs)
}
