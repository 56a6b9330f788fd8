package similarity

import (
	"math"
	"testing"
)

func TestCosineIdentical(t *testing.T) {
	v := []float32{0.5, 0.25, 0.8}
	if got := Cosine(v, v); math.Abs(got-1) > 1e-9 {
		t.Fatalf("identical vectors: got %v, want 1", got)
	}
}

func TestCosineOrthogonal(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	if got := Cosine(a, b); got != 0 {
		t.Fatalf("orthogonal vectors: got %v, want 0", got)
	}
}

func TestCosineNegativeClampedToZero(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{-1, 0}
	if got := Cosine(a, b); got != 0 {
		t.Fatalf("opposed vectors: got %v, want 0", got)
	}
}

func TestCosineDegenerateInputs(t *testing.T) {
	if got := Cosine(nil, nil); got != 0 {
		t.Fatalf("nil vectors: got %v, want 0", got)
	}
	if got := Cosine([]float32{1, 2}, []float32{1, 2, 3}); got != 0 {
		t.Fatalf("mismatched lengths: got %v, want 0", got)
	}
	if got := Cosine([]float32{0, 0}, []float32{1, 1}); got != 0 {
		t.Fatalf("zero-norm vector: got %v, want 0", got)
	}
}

func TestMatrixSymmetricUnitDiagonal(t *testing.T) {
	vecs := [][]float32{{1, 0}, {1, 1}, {0, 1}}
	m := Matrix(vecs)
	for i := range m {
		if math.Abs(m[i][i]-1) > 1e-9 {
			t.Fatalf("diagonal [%d][%d] = %v, want 1", i, i, m[i][i])
		}
		for j := range m {
			if m[i][j] != m[j][i] {
				t.Fatalf("matrix not symmetric at [%d][%d]", i, j)
			}
		}
	}
	want := 1 / math.Sqrt2
	if math.Abs(m[0][1]-want) > 1e-6 {
		t.Fatalf("m[0][1] = %v, want %v", m[0][1], want)
	}
}

func TestDistanceComplementsSimilarity(t *testing.T) {
	sim := [][]float64{{1, 0.75}, {0.75, 1}}
	d := Distance(sim)
	if d[0][0] != 0 {
		t.Fatalf("self-distance = %v, want 0", d[0][0])
	}
	if math.Abs(d[0][1]-0.25) > 1e-9 {
		t.Fatalf("d[0][1] = %v, want 0.25", d[0][1])
	}
}

func TestCentroid(t *testing.T) {
	vecs := [][]float32{{1, 0}, {0, 1}}
	c := Centroid(vecs)
	if len(c) != 2 || c[0] != 0.5 || c[1] != 0.5 {
		t.Fatalf("centroid = %v, want [0.5 0.5]", c)
	}
	if Centroid(nil) != nil {
		t.Fatal("empty input should yield nil centroid")
	}
}

func TestMeanPairwise(t *testing.T) {
	sim := [][]float64{
		{1, 0.8, 0.6},
		{0.8, 1, 0.7},
		{0.6, 0.7, 1},
	}
	got := MeanPairwise(sim, []int{0, 1, 2})
	want := (0.8 + 0.6 + 0.7) / 3
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("mean pairwise = %v, want %v", got, want)
	}
	if MeanPairwise(sim, []int{1}) != 1 {
		t.Fatal("single member should score 1")
	}
}
