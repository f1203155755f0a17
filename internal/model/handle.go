// Package model locates, loads and owns the accessibility model.
package model

import (
	"context"
	"sync"

	"github.com/example/accessibility-check/internal/imageprocessor"
	"github.com/example/accessibility-check/internal/scoring"
)

// Kind identifies how a predictor was loaded and how it is invoked.
type Kind int

const (
	KindTensorNetwork Kind = iota + 1
	KindGenericEstimator
)

func (k Kind) String() string {
	switch k {
	case KindTensorNetwork:
		return "tensor-network"
	case KindGenericEstimator:
		return "generic-estimator"
	default:
		return "unknown"
	}
}

// Predictor runs a loaded model on one image tensor. Each implementation
// owns its invocation convention.
type Predictor interface {
	Predict(ctx context.Context, tensor *imageprocessor.ImageTensor) (scoring.RawPrediction, error)
	Close() error
}

// serialized is implemented by predictors that must not be invoked
// concurrently.
type serialized interface {
	Serialized() bool
}

// Handle is an immutable reference to a loaded predictor.
type Handle struct {
	kind      Kind
	inputSize imageprocessor.Size
	path      string
	predictor Predictor

	// invokeMu is only used when the predictor is not safe for concurrent use.
	invokeMu sync.Mutex
	exclusive bool
}

// NewHandle wraps predictor. A non-positive size falls back to the default.
func NewHandle(kind Kind, path string, size imageprocessor.Size, predictor Predictor) *Handle {
	if !size.Valid() {
		size = imageprocessor.DefaultSize
	}
	h := &Handle{kind: kind, inputSize: size, path: path, predictor: predictor}
	if s, ok := predictor.(serialized); ok {
		h.exclusive = s.Serialized()
	}
	return h
}

func (h *Handle) Kind() Kind                     { return h.kind }
func (h *Handle) InputSize() imageprocessor.Size { return h.inputSize }
func (h *Handle) Path() string                   { return h.path }

// Predict invokes the predictor.
func (h *Handle) Predict(ctx context.Context, tensor *imageprocessor.ImageTensor) (scoring.RawPrediction, error) {
	if h.exclusive {
		h.invokeMu.Lock()
		defer h.invokeMu.Unlock()
	}
	return h.predictor.Predict(ctx, tensor)
}

// Close releases the predictor.
func (h *Handle) Close() error {
	return h.predictor.Close()
}
