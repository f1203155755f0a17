package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/example/accessibility-check/internal/imageprocessor"
	"github.com/example/accessibility-check/internal/scoring"
)

// onnxDirEntry is the graph file expected inside a model directory.
const onnxDirEntry = "model.onnx"

var (
	envMu    sync.Mutex
	envUsers int
)

// acquireEnvironment initializes the ONNX Runtime environment on first use.
// libPath, when set, points at the onnxruntime shared library.
func acquireEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envUsers == 0 && !ort.IsInitialized() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("initialize onnx runtime: %w", err)
		}
	}
	envUsers++
	return nil
}

func releaseEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	if envUsers == 0 {
		return nil
	}
	envUsers--
	if envUsers == 0 && ort.IsInitialized() {
		return ort.DestroyEnvironment()
	}
	return nil
}

type layout int

const (
	layoutNHWC layout = iota
	layoutNCHW
)

// inputLayout reads the spatial size and channel order from a declared input
// shape. Dynamic or malformed dimensions fall back to the default size.
func inputLayout(dims []int64) (imageprocessor.Size, layout) {
	var h, w int64
	order := layoutNHWC
	switch {
	case len(dims) == 4 && dims[3] == imageprocessor.Channels:
		h, w = dims[1], dims[2]
	case len(dims) == 4 && dims[1] == imageprocessor.Channels:
		h, w = dims[2], dims[3]
		order = layoutNCHW
	case len(dims) == 3 && dims[2] == imageprocessor.Channels:
		h, w = dims[0], dims[1]
	case len(dims) == 2 && dims[1] > 0 && dims[1]%imageprocessor.Channels == 0:
		side := int64(math.Sqrt(float64(dims[1] / imageprocessor.Channels)))
		if side*side*imageprocessor.Channels != dims[1] {
			return imageprocessor.DefaultSize, order
		}
		h, w = side, side
	default:
		return imageprocessor.DefaultSize, order
	}
	size := imageprocessor.Size{Height: int(h), Width: int(w)}
	if !size.Valid() {
		size = imageprocessor.DefaultSize
	}
	return size, order
}

// resolveONNXPath applies the directory convention.
func resolveONNXPath(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		path = filepath.Join(path, onnxDirEntry)
		if _, err := os.Stat(path); err != nil {
			return "", err
		}
	}
	return path, nil
}

type onnxPredictor struct {
	session   *ort.DynamicAdvancedSession
	inputType ort.TensorElementDataType
	order     layout
	rank      int
}

// loadONNX opens path with ONNX Runtime and reads its first input and output.
func loadONNX(path, libPath string) (Predictor, imageprocessor.Size, error) {
	graph, err := resolveONNXPath(path)
	if err != nil {
		return nil, imageprocessor.Size{}, err
	}
	if err := acquireEnvironment(libPath); err != nil {
		return nil, imageprocessor.Size{}, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(graph)
	if err != nil {
		_ = releaseEnvironment()
		return nil, imageprocessor.Size{}, fmt.Errorf("read graph info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		_ = releaseEnvironment()
		return nil, imageprocessor.Size{}, errors.New("graph declares no inputs or outputs")
	}

	session, err := ort.NewDynamicAdvancedSession(graph,
		[]string{inputs[0].Name}, []string{outputs[0].Name}, nil)
	if err != nil {
		_ = releaseEnvironment()
		return nil, imageprocessor.Size{}, fmt.Errorf("create session: %w", err)
	}

	size, order := inputLayout(inputs[0].Dimensions)
	return &onnxPredictor{
		session:   session,
		inputType: inputs[0].DataType,
		order:     order,
		rank:      len(inputs[0].Dimensions),
	}, size, nil
}

// inputShape matches the tensor to the declared input rank. Rank-2 inputs
// take the pixels flattened into a single row.
func inputShape(t *imageprocessor.ImageTensor, rank int, order layout) ort.Shape {
	h, w := int64(t.Height), int64(t.Width)
	switch {
	case rank == 2:
		return ort.NewShape(1, h*w*imageprocessor.Channels)
	case rank == 3:
		return ort.NewShape(h, w, imageprocessor.Channels)
	case order == layoutNCHW:
		return ort.NewShape(1, imageprocessor.Channels, h, w)
	default:
		return ort.NewShape(t.Shape()...)
	}
}

func (p *onnxPredictor) newInput(t *imageprocessor.ImageTensor) (ort.Value, error) {
	data := t.Data
	if p.order == layoutNCHW {
		data = t.CHW()
	}
	shape := inputShape(t, p.rank, p.order)

	if p.inputType == ort.TensorElementDataTypeDouble {
		wide := make([]float64, len(data))
		for i, v := range data {
			wide[i] = float64(v)
		}
		return ort.NewTensor(shape, wide)
	}
	// The runtime reads from the slice, so copy to keep the caller's tensor intact.
	buf := make([]float32, len(data))
	copy(buf, data)
	return ort.NewTensor(shape, buf)
}

func (p *onnxPredictor) Predict(ctx context.Context, t *imageprocessor.ImageTensor) (scoring.RawPrediction, error) {
	if err := ctx.Err(); err != nil {
		return scoring.RawPrediction{}, err
	}
	input, err := p.newInput(t)
	if err != nil {
		return scoring.RawPrediction{}, fmt.Errorf("create input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := p.session.Run([]ort.Value{input}, outputs); err != nil {
		return scoring.RawPrediction{}, fmt.Errorf("run session: %w", err)
	}
	defer outputs[0].Destroy()

	return toRawPrediction(outputs[0])
}

func toRawPrediction(v ort.Value) (scoring.RawPrediction, error) {
	shape := make([]int, len(v.GetShape()))
	for i, d := range v.GetShape() {
		shape[i] = int(d)
	}

	var data []float64
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		data = widen(t.GetData())
	case *ort.Tensor[float64]:
		data = widen(t.GetData())
	case *ort.Tensor[int8]:
		data = widen(t.GetData())
	case *ort.Tensor[uint8]:
		data = widen(t.GetData())
	case *ort.Tensor[int16]:
		data = widen(t.GetData())
	case *ort.Tensor[uint16]:
		data = widen(t.GetData())
	case *ort.Tensor[int32]:
		data = widen(t.GetData())
	case *ort.Tensor[uint32]:
		data = widen(t.GetData())
	case *ort.Tensor[int64]:
		data = widen(t.GetData())
	case *ort.Tensor[uint64]:
		data = widen(t.GetData())
	default:
		return scoring.RawPrediction{}, fmt.Errorf("unsupported output value %T", v)
	}
	return scoring.RawPrediction{Shape: shape, Data: data}, nil
}

// widen copies numeric output data into float64s. The copy outlives the
// runtime buffer, which is released right after the session runs.
func widen[T ort.FloatData | ort.IntData](raw []T) []float64 {
	data := make([]float64, len(raw))
	for i, v := range raw {
		data[i] = float64(v)
	}
	return data
}

func (p *onnxPredictor) Close() error {
	err := p.session.Destroy()
	return errors.Join(err, releaseEnvironment())
}
