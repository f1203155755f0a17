package imageprocessor

import "fmt"

// Channels is the number of color channels every tensor carries.
const Channels = 3

// DefaultSize is used when a model does not declare its input size.
var DefaultSize = Size{Height: 224, Width: 224}

// Size is a spatial input size in pixels.
type Size struct {
	Height int
	Width  int
}

// Valid reports whether both dimensions are positive.
func (s Size) Valid() bool {
	return s.Height > 0 && s.Width > 0
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Height, s.Width)
}

// ImageTensor is a batch-of-one NHWC float tensor with values in [0,1].
type ImageTensor struct {
	Height int
	Width  int
	Data   []float32
}

// NewImageTensor allocates a zeroed tensor of the given size.
func NewImageTensor(size Size) *ImageTensor {
	return &ImageTensor{
		Height: size.Height,
		Width:  size.Width,
		Data:   make([]float32, size.Height*size.Width*Channels),
	}
}

// Shape returns (1, height, width, channels).
func (t *ImageTensor) Shape() []int64 {
	return []int64{1, int64(t.Height), int64(t.Width), Channels}
}

// At returns the value at row y, column x, channel c.
func (t *ImageTensor) At(y, x, c int) float32 {
	return t.Data[(y*t.Width+x)*Channels+c]
}

func (t *ImageTensor) set(y, x, c int, v float32) {
	t.Data[(y*t.Width+x)*Channels+c] = v
}

// CHW returns a copy of the data reordered channels-first, (1, 3, H, W).
func (t *ImageTensor) CHW() []float32 {
	plane := t.Height * t.Width
	out := make([]float32, len(t.Data))
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			for c := 0; c < Channels; c++ {
				out[c*plane+y*t.Width+x] = t.At(y, x, c)
			}
		}
	}
	return out
}

// Flat returns the tensor as a float64 row, the layout generic estimators consume.
func (t *ImageTensor) Flat() []float64 {
	out := make([]float64, len(t.Data))
	for i, v := range t.Data {
		out[i] = float64(v)
	}
	return out
}
