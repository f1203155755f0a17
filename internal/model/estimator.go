package model

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/example/accessibility-check/internal/imageprocessor"
	"github.com/example/accessibility-check/internal/scoring"
)

// Estimator types.
const (
	EstimatorLinear        = "linear"
	EstimatorLogistic      = "logistic"
	EstimatorSoftmax       = "softmax"
	EstimatorMeanIntensity = "mean_intensity"
)

// Feature extractors.
const (
	FeaturePixels       = "pixels"
	FeatureChannelMeans = "channel_means"
	FeatureChannelStats = "channel_stats"
)

// EstimatorDefinition is the serialized form of a generic estimator.
type EstimatorDefinition struct {
	Type       string      `json:"type" yaml:"type"`
	Features   string      `json:"features,omitempty" yaml:"features,omitempty"`
	InputShape []int       `json:"input_shape,omitempty" yaml:"input_shape,omitempty"`
	Weights    [][]float64 `json:"weights,omitempty" yaml:"weights,omitempty"`
	Bias       []float64   `json:"bias,omitempty" yaml:"bias,omitempty"`
}

// inputSize reads [H,W,C] or [N,H,W,C]; anything else yields the default.
func (s *EstimatorDefinition) inputSize() imageprocessor.Size {
	var dims []int
	switch len(s.InputShape) {
	case 3:
		dims = s.InputShape
	case 4:
		dims = s.InputShape[1:]
	default:
		return imageprocessor.DefaultSize
	}
	size := imageprocessor.Size{Height: dims[0], Width: dims[1]}
	if !size.Valid() {
		return imageprocessor.DefaultSize
	}
	return size
}

func featureCount(features string, size imageprocessor.Size) (int, error) {
	switch features {
	case FeaturePixels:
		return size.Height * size.Width * imageprocessor.Channels, nil
	case FeatureChannelMeans:
		return imageprocessor.Channels, nil
	case FeatureChannelStats:
		return 2 * imageprocessor.Channels, nil
	default:
		return 0, fmt.Errorf("unknown feature extractor %q", features)
	}
}

func (s *EstimatorDefinition) validate(size imageprocessor.Size) error {
	if s.Features == "" {
		s.Features = FeatureChannelMeans
	}
	n, err := featureCount(s.Features, size)
	if err != nil {
		return err
	}

	switch s.Type {
	case EstimatorMeanIntensity:
		return nil
	case EstimatorLinear, EstimatorLogistic, EstimatorSoftmax:
	case "":
		return errors.New("estimator type is required")
	default:
		return fmt.Errorf("unsupported estimator type %q", s.Type)
	}

	if len(s.Weights) == 0 {
		return fmt.Errorf("%s estimator has no weights", s.Type)
	}
	for i, row := range s.Weights {
		if len(row) != n {
			return fmt.Errorf("weight row %d has %d values, %s expects %d", i, len(row), s.Features, n)
		}
	}
	if len(s.Bias) != 0 && len(s.Bias) != len(s.Weights) {
		return fmt.Errorf("bias has %d values for %d outputs", len(s.Bias), len(s.Weights))
	}
	return nil
}

// estimator evaluates an EstimatorDefinition on flattened input rows.
type estimator struct {
	def EstimatorDefinition
}

func (e *estimator) Predict(ctx context.Context, tensor *imageprocessor.ImageTensor) (scoring.RawPrediction, error) {
	if err := ctx.Err(); err != nil {
		return scoring.RawPrediction{}, err
	}
	row := tensor.Flat()

	if e.def.Type == EstimatorMeanIntensity {
		var sum float64
		for _, v := range row {
			sum += v
		}
		return scoring.Scalar(sum / float64(len(row))), nil
	}

	features := extractFeatures(e.def.Features, row)
	if len(features) != len(e.def.Weights[0]) {
		return scoring.RawPrediction{}, fmt.Errorf("estimator expects %d features, input produced %d", len(e.def.Weights[0]), len(features))
	}

	out := make([]float64, len(e.def.Weights))
	for i, w := range e.def.Weights {
		var z float64
		for j, f := range features {
			z += w[j] * f
		}
		if len(e.def.Bias) > 0 {
			z += e.def.Bias[i]
		}
		out[i] = z
	}

	switch e.def.Type {
	case EstimatorLogistic:
		for i, z := range out {
			out[i] = 1 / (1 + math.Exp(-z))
		}
	case EstimatorSoftmax:
		softmax(out)
	}
	return scoring.Matrix(out), nil
}

func (e *estimator) Close() error { return nil }

func extractFeatures(kind string, row []float64) []float64 {
	switch kind {
	case FeaturePixels:
		return row
	case FeatureChannelMeans, FeatureChannelStats:
		pixels := float64(len(row) / imageprocessor.Channels)
		var mean, sq [imageprocessor.Channels]float64
		for i, v := range row {
			mean[i%imageprocessor.Channels] += v
			sq[i%imageprocessor.Channels] += v * v
		}
		features := make([]float64, 0, 2*imageprocessor.Channels)
		for c := range mean {
			mean[c] /= pixels
			features = append(features, mean[c])
		}
		if kind == FeatureChannelStats {
			for c := range sq {
				variance := sq[c]/pixels - mean[c]*mean[c]
				features = append(features, math.Sqrt(math.Max(variance, 0)))
			}
		}
		return features
	default:
		return nil
	}
}

func softmax(v []float64) {
	peak := math.Inf(-1)
	for _, x := range v {
		peak = math.Max(peak, x)
	}
	var sum float64
	for i, x := range v {
		v[i] = math.Exp(x - peak)
		sum += v[i]
	}
	for i := range v {
		v[i] /= sum
	}
}

// decodeEstimator picks a decoder by extension. Unknown extensions try gob,
// then YAML, which also accepts JSON documents.
func decodeEstimator(path string, data []byte) (*EstimatorDefinition, error) {
	var def EstimatorDefinition
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("decode json estimator: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("decode yaml estimator: %w", err)
		}
	case ".gob":
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&def); err != nil {
			return nil, fmt.Errorf("decode gob estimator: %w", err)
		}
	default:
		gobErr := gob.NewDecoder(bytes.NewReader(data)).Decode(&def)
		if gobErr == nil {
			break
		}
		def = EstimatorDefinition{}
		if yamlErr := yaml.Unmarshal(data, &def); yamlErr != nil {
			return nil, fmt.Errorf("unrecognized estimator encoding: %w", errors.Join(gobErr, yamlErr))
		}
	}
	return &def, nil
}

// loadEstimator deserializes a generic estimator artifact.
func loadEstimator(path string) (Predictor, imageprocessor.Size, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, imageprocessor.Size{}, err
	}
	def, err := decodeEstimator(path, data)
	if err != nil {
		return nil, imageprocessor.Size{}, err
	}
	size := def.inputSize()
	if err := def.validate(size); err != nil {
		return nil, imageprocessor.Size{}, err
	}
	return &estimator{def: *def}, size, nil
}
