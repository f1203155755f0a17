package scoring

import (
	"errors"
	"fmt"
)

// RawPrediction is the untyped output of a predictor: a row-major buffer and
// the shape it was produced with. Rank 0 means a scalar.
type RawPrediction struct {
	Shape []int
	Data  []float64
}

// Scalar builds a rank-0 prediction.
func Scalar(v float64) RawPrediction {
	return RawPrediction{Data: []float64{v}}
}

// Vector builds a rank-1 prediction.
func Vector(values ...float64) RawPrediction {
	return RawPrediction{Shape: []int{len(values)}, Data: values}
}

// Matrix builds a rank-2 prediction from rows. Rows of differing length yield
// an irregular prediction that fails Validate, so the reducer resolves it to
// the neutral score.
func Matrix(rows ...[]float64) RawPrediction {
	cols := 0
	if len(rows) > 0 {
		cols = len(rows[0])
	}
	data := make([]float64, 0, len(rows)*cols)
	for _, row := range rows {
		if len(row) != cols {
			cols = raggedDim
		}
		data = append(data, row...)
	}
	return RawPrediction{Shape: []int{len(rows), cols}, Data: data}
}

// raggedDim marks the column count of a matrix built from uneven rows.
const raggedDim = -1

// Rank returns the number of dimensions.
func (p RawPrediction) Rank() int {
	return len(p.Shape)
}

// ErrIrregularShape reports a prediction whose data does not fill its shape.
var ErrIrregularShape = errors.New("irregular prediction shape")

// Validate checks that the data length matches the product of the shape.
func (p RawPrediction) Validate() error {
	want := 1
	for _, dim := range p.Shape {
		if dim < 0 {
			return fmt.Errorf("%w: negative dimension in %v", ErrIrregularShape, p.Shape)
		}
		want *= dim
	}
	if len(p.Data) != want {
		return fmt.Errorf("%w: shape %v holds %d values, got %d", ErrIrregularShape, p.Shape, want, len(p.Data))
	}
	return nil
}
