package model

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/example/accessibility-check/internal/imageprocessor"
)

type openFunc func(path string) (Predictor, imageprocessor.Size, error)

// Loader turns a resolved artifact path into a Handle.
type Loader struct {
	openTensorNetwork openFunc
	openEstimator     openFunc
	logger            *zap.Logger
}

// NewLoader returns a loader backed by ONNX Runtime and the estimator codecs.
// onnxLib is the optional path to the onnxruntime shared library.
func NewLoader(onnxLib string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		openTensorNetwork: func(path string) (Predictor, imageprocessor.Size, error) {
			return loadONNX(path, onnxLib)
		},
		openEstimator: loadEstimator,
		logger:        logger.Named("model_loader"),
	}
}

type strategy int

const (
	strategyTensorNetwork strategy = iota
	strategyEstimator
	strategyAmbiguous
)

func strategyFor(path string) strategy {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return strategyTensorNetwork
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".onnx", ".ort":
		return strategyTensorNetwork
	case ".json", ".yaml", ".yml", ".gob":
		return strategyEstimator
	default:
		return strategyAmbiguous
	}
}

// Load picks a strategy from the path and returns the loaded handle. Errors
// are always *ModelLoadError.
func (l *Loader) Load(path string) (*Handle, error) {
	switch strategyFor(path) {
	case strategyTensorNetwork:
		return l.load(path, KindTensorNetwork, l.openTensorNetwork)
	case strategyEstimator:
		return l.load(path, KindGenericEstimator, l.openEstimator)
	}

	h, tnErr := l.load(path, KindTensorNetwork, l.openTensorNetwork)
	if tnErr == nil {
		return h, nil
	}
	l.logger.Info("tensor-network load failed, trying generic estimator",
		zap.String("path", path), zap.Error(tnErr))
	h, estErr := l.load(path, KindGenericEstimator, l.openEstimator)
	if estErr != nil {
		return nil, &ModelLoadError{Path: path, Err: errors.Join(unwrapLoad(tnErr), unwrapLoad(estErr))}
	}
	return h, nil
}

func (l *Loader) load(path string, kind Kind, open openFunc) (*Handle, error) {
	predictor, size, err := open(path)
	if err != nil {
		return nil, &ModelLoadError{Path: path, Err: err}
	}
	h := NewHandle(kind, path, size, predictor)
	l.logger.Info("model loaded",
		zap.String("path", path),
		zap.Stringer("kind", kind),
		zap.Stringer("input_size", h.InputSize()))
	return h, nil
}

func unwrapLoad(err error) error {
	var loadErr *ModelLoadError
	if errors.As(err, &loadErr) {
		return loadErr.Err
	}
	return err
}
