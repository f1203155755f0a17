package scoring

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
)

// NeutralScore is returned whenever a prediction cannot be reduced.
const NeutralScore = 0.5

// Class weights applied to [accessible, somewhat, risk] outputs.
var classWeights = [3]float64{0.2, 0.5, 1.0}

type rankClass int

const (
	rankScalar rankClass = iota
	rankVector
	rankMatrix
	rankHigher
)

type sizeClass int

const (
	sizeAny sizeClass = iota
	sizeOne
	sizeTriple
	sizeOther
)

type ruleKey struct {
	rank rankClass
	size sizeClass
}

type rule func(p RawPrediction) (float64, error)

// rules maps (rank, size of the last axis) to the reduction applied.
var rules = map[ruleKey]rule{
	{rankScalar, sizeAny}:    firstElement,
	{rankVector, sizeOne}:    firstElement,
	{rankVector, sizeTriple}: weightedRow,
	{rankVector, sizeOther}:  maxOfRow,
	{rankMatrix, sizeOne}:    firstElement,
	{rankMatrix, sizeTriple}: weightedRow,
	{rankMatrix, sizeOther}:  maxOfRow,
	{rankHigher, sizeAny}:    firstElement,
}

var errEmptyPrediction = errors.New("empty prediction")

// Reducer collapses raw predictions into a single clamped score.
type Reducer struct {
	logger *zap.Logger
}

// NewReducer returns a reducer that logs ambiguous predictions at debug level.
func NewReducer(logger *zap.Logger) *Reducer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reducer{logger: logger.Named("score_reducer")}
}

// Reduce never fails: predictions it cannot interpret score NeutralScore.
func (r *Reducer) Reduce(p RawPrediction) float64 {
	score, err := reduce(p)
	if err != nil {
		r.logger.Debug("prediction reduced to neutral score",
			zap.Ints("shape", p.Shape), zap.Int("values", len(p.Data)), zap.Error(err))
		return NeutralScore
	}
	return score
}

func reduce(p RawPrediction) (score float64, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			score, err = 0, fmt.Errorf("reduction panicked: %v", rec)
		}
	}()

	if err := p.Validate(); err != nil {
		return 0, err
	}
	if len(p.Data) == 0 {
		return 0, errEmptyPrediction
	}

	key := classify(p.Shape)
	fn, ok := rules[key]
	if !ok {
		fn = firstElement
	}
	v, err := fn(p)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) {
		return 0, errors.New("prediction is NaN")
	}
	return Clamp(v), nil
}

func classify(shape []int) ruleKey {
	switch len(shape) {
	case 0:
		return ruleKey{rankScalar, sizeAny}
	case 1, 2:
		rank := rankVector
		if len(shape) == 2 {
			rank = rankMatrix
		}
		switch n := shape[len(shape)-1]; {
		case n == 1:
			return ruleKey{rank, sizeOne}
		case n >= 3:
			return ruleKey{rank, sizeTriple}
		default:
			return ruleKey{rank, sizeOther}
		}
	default:
		return ruleKey{rankHigher, sizeAny}
	}
}

// firstRow returns row 0 of a vector or matrix.
func firstRow(p RawPrediction) []float64 {
	cols := p.Shape[len(p.Shape)-1]
	return p.Data[:cols]
}

func firstElement(p RawPrediction) (float64, error) {
	return p.Data[0], nil
}

func weightedRow(p RawPrediction) (float64, error) {
	row := firstRow(p)
	var sum float64
	for i, w := range classWeights {
		sum += w * row[i]
	}
	return sum, nil
}

func maxOfRow(p RawPrediction) (float64, error) {
	row := firstRow(p)
	if len(row) == 0 {
		return 0, errEmptyPrediction
	}
	best := row[0]
	for _, v := range row[1:] {
		if v > best {
			best = v
		}
	}
	return best, nil
}

// Clamp bounds v to [0,1].
func Clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
