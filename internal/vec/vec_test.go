package vec

import (
	"math"
	"testing"
)

func TestNormalizeUnitLength(t *testing.T) {
	v := Normalize([]float32{3, 4})
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Fatalf("expected unit length, got %v", sum)
	}
}

func TestNormalizeZeroVector(t *testing.T) {
	v := Normalize([]float32{0, 0, 0})
	for _, x := range v {
		if x != 0 {
			t.Fatalf("zero vector must stay zero, got %v", v)
		}
	}
}

func TestDotEqualsCosineForUnitVectors(t *testing.T) {
	a := Normalize([]float32{1, 1})
	b := Normalize([]float32{1, 0})
	got := Dot(a, b)
	want := math.Cos(math.Pi / 4)
	if math.Abs(got-want) > 1e-6 {
		t.Fatalf("dot = %v, want %v", got, want)
	}
}

func TestWeightedMean(t *testing.T) {
	pooled := WeightedMean([][]float32{{1, 0}, {0, 1}}, []float64{3, 1})
	if pooled == nil {
		t.Fatal("expected pooled vector")
	}
	// Heavier weight pulls the mean toward the first vector.
	if pooled[0] <= pooled[1] {
		t.Fatalf("weighting not applied: %v", pooled)
	}
	var sum float64
	for _, x := range pooled {
		sum += float64(x) * float64(x)
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Fatalf("pooled vector must be re-normalized, length^2 = %v", sum)
	}
}

func TestWeightedMeanEmpty(t *testing.T) {
	if WeightedMean(nil, nil) != nil {
		t.Fatal("expected nil for empty input")
	}
	if WeightedMean([][]float32{{1, 0}}, []float64{0}) != nil {
		t.Fatal("expected nil when all weights are zero")
	}
}
