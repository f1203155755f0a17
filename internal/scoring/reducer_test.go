package scoring

import (
	"errors"
	"math"
	"testing"

	"go.uber.org/zap"
)

func reduceQuiet(p RawPrediction) float64 {
	return NewReducer(zap.NewNop()).Reduce(p)
}

func TestReduceRules(t *testing.T) {
	tests := []struct {
		name string
		pred RawPrediction
		want float64
	}{
		{"scalar in range", Scalar(0.42), 0.42},
		{"scalar below zero", Scalar(-0.3), 0},
		{"scalar above one", Scalar(1.7), 1},
		{"single element vector", Vector(0.42), 0.42},
		{"single element vector clamped", Vector(1.7), 1},
		{"three class vector", Vector(0.1, 0.2, 0.9), 1},
		{"three class vector in range", Vector(0.5, 0.3, 0.2), 0.1 + 0.15 + 0.2},
		{"four class vector uses first three", Vector(0.0, 0.2, 0.3, 0.9), 0.1 + 0.3},
		{"binary vector uses max", Vector(0.25, 0.75), 0.75},
		{"one column matrix", Matrix([]float64{0.33}), 0.33},
		{"one column matrix first row", Matrix([]float64{0.33}, []float64{0.9}), 0.33},
		{"three column matrix", Matrix([]float64{0.5, 0.3, 0.2}, []float64{1, 1, 1}), 0.45},
		{"two column matrix uses row max", Matrix([]float64{0.1, 0.35}, []float64{0.9, 0.9}), 0.35},
		{"rank three uses first element", RawPrediction{Shape: []int{1, 2, 2}, Data: []float64{0.7, 0.1, 0.2, 0.3}}, 0.7},
		{"rank four clamps first element", RawPrediction{Shape: []int{1, 1, 1, 2}, Data: []float64{-4, 0.1}}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := reduceQuiet(tt.pred)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestReduceFallsBackToNeutralScore(t *testing.T) {
	tests := []struct {
		name string
		pred RawPrediction
	}{
		{"ragged matrix", Matrix([]float64{0.1, 0.2, 0.3}, []float64{0.4})},
		{"ragged matrix filling its shape", Matrix([]float64{0.9}, []float64{0.1, 0.2}, []float64{})},
		{"shape larger than data", RawPrediction{Shape: []int{2, 3}, Data: []float64{1}}},
		{"empty vector", Vector()},
		{"empty matrix", RawPrediction{Shape: []int{0, 3}}},
		{"negative dimension", RawPrediction{Shape: []int{-1}, Data: []float64{0.9}}},
		{"not a number", Scalar(math.NaN())},
		{"no data", RawPrediction{}},
	}

	reducer := NewReducer(zap.NewNop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := reducer.Reduce(tt.pred)
			if got != NeutralScore {
				t.Fatalf("expected neutral score, got %v", got)
			}
			if label := Classify(got); label != LabelSomewhatAccessible {
				t.Fatalf("expected %q for neutral score, got %q", LabelSomewhatAccessible, label)
			}
		})
	}
}

func TestReduceClampsInfinity(t *testing.T) {
	if got := reduceQuiet(Scalar(math.Inf(1))); got != 1 {
		t.Fatalf("expected 1, got %v", got)
	}
	if got := reduceQuiet(Scalar(math.Inf(-1))); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}

func TestReduceIsDeterministic(t *testing.T) {
	pred := Matrix([]float64{0.12, 0.4, 0.33})
	first := reduceQuiet(pred)
	for i := 0; i < 10; i++ {
		if got := reduceQuiet(pred); got != first {
			t.Fatalf("run %d: expected %v, got %v", i, first, got)
		}
	}
}

func TestMatrixRejectsUnevenRows(t *testing.T) {
	pred := Matrix([]float64{0.9}, []float64{0.1, 0.2}, []float64{})
	if err := pred.Validate(); !errors.Is(err, ErrIrregularShape) {
		t.Fatalf("expected ErrIrregularShape, got %v (shape %v)", err, pred.Shape)
	}
	if err := Matrix([]float64{0.1, 0.2}, []float64{0.3, 0.4}).Validate(); err != nil {
		t.Fatalf("unexpected error for even rows: %v", err)
	}
}
