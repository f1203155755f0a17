// Package imageprocessor turns uploaded image bytes into model input tensors.
package imageprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ImageDecodeError reports bytes that could not be decoded as an image.
type ImageDecodeError struct {
	Err error
}

func (e *ImageDecodeError) Error() string {
	return fmt.Sprintf("decode image: %v", e.Err)
}

func (e *ImageDecodeError) Unwrap() error {
	return e.Err
}

// ErrEmptyImage is returned for zero-length input.
var ErrEmptyImage = errors.New("image data is empty")

// Normalizer decodes, converts and resizes images into ImageTensors.
type Normalizer struct {
	interp resize.InterpolationFunction
	logger *zap.Logger
}

// NewNormalizer returns a normalizer that resizes with bilinear interpolation.
func NewNormalizer(logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{interp: resize.Bilinear, logger: logger.Named("normalizer")}
}

// Normalize decodes data and produces a (1, size.Height, size.Width, 3) tensor.
func (n *Normalizer) Normalize(data []byte, size Size) (*ImageTensor, error) {
	if !size.Valid() {
		return nil, fmt.Errorf("invalid target size %s", size)
	}
	if len(data) == 0 {
		return nil, &ImageDecodeError{Err: ErrEmptyImage}
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &ImageDecodeError{Err: err}
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, &ImageDecodeError{Err: fmt.Errorf("%s image has no pixels", format)}
	}
	n.logger.Debug("decoded image",
		zap.String("format", format),
		zap.Int("width", bounds.Dx()),
		zap.Int("height", bounds.Dy()),
		zap.Stringer("target", size))

	rgb := toOpaqueRGB(img)
	resized := resize.Resize(uint(size.Width), uint(size.Height), rgb, n.interp)
	return toTensor(resized, size), nil
}

// toOpaqueRGB drops alpha by un-premultiplying each pixel and expands
// grayscale and paletted images to three channels.
func toOpaqueRGB(img image.Image) *image.RGBA64 {
	bounds := img.Bounds()
	out := image.NewRGBA64(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBA64Model.Convert(img.At(x, y)).(color.NRGBA64)
			out.SetRGBA64(x-bounds.Min.X, y-bounds.Min.Y, color.RGBA64{R: c.R, G: c.G, B: c.B, A: 0xffff})
		}
	}
	return out
}

func toTensor(img image.Image, size Size) *ImageTensor {
	t := NewImageTensor(size)
	bounds := img.Bounds()
	for y := 0; y < size.Height; y++ {
		for x := 0; x < size.Width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			t.set(y, x, 0, float32(r)/0xffff)
			t.set(y, x, 1, float32(g)/0xffff)
			t.set(y, x, 2, float32(b)/0xffff)
		}
	}
	return t
}
