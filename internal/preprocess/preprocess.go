// Package preprocess turns uploaded image bytes into the classifier's
// single-channel input tensor.
package preprocess

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/Brownie44l1/cxr-api/internal/apperr"
	"github.com/Brownie44l1/cxr-api/internal/tensor"
)

const (
	// Size is the square side the classifier was trained on.
	Size = 224
	// DefaultMaxPixels bounds decoded images at roughly 64 megapixels.
	DefaultMaxPixels = 8192 * 8192

	mean = 0.5
	std  = 0.5
)

type Preprocessor struct {
	Device    tensor.Device
	Size      int
	MaxPixels int
}

func New(device tensor.Device, maxPixels int) *Preprocessor {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Preprocessor{Device: device, Size: Size, MaxPixels: maxPixels}
}

// Preprocess decodes data, converts it to luminance, resizes it bilinearly
// to Size x Size and normalizes to [-1, 1]. The result has shape
// [1, 1, Size, Size]. Identical bytes always give identical tensors.
func (p *Preprocessor) Preprocess(data []byte) (*tensor.Tensor, error) {
	if len(data) == 0 {
		return nil, apperr.New(apperr.EmptyImage, "Image data is empty")
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidImageFormat, "Invalid image format: unable to decode image", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > p.maxPixels() {
		return nil, apperr.Wrap(apperr.InvalidImageFormat, "Invalid image format: unsupported image dimensions",
			fmt.Errorf("%s image is %dx%d", format, cfg.Width, cfg.Height))
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidImageFormat, "Invalid image format: unable to decode image", err)
	}
	return p.transform(img)
}

func (p *Preprocessor) transform(img image.Image) (t *tensor.Tensor, err error) {
	defer func() {
		if r := recover(); r != nil {
			t = nil
			err = apperr.Wrap(apperr.PreprocessingFailed,
				fmt.Sprintf("Failed to preprocess image: %v", r), fmt.Errorf("panic: %v", r))
		}
	}()

	size := p.Size
	if size <= 0 {
		size = Size
	}

	gray := Grayscale(img)
	resized := resize.Resize(uint(size), uint(size), gray, resize.Bilinear)

	out := tensor.Zeros(1, 1, size, size)
	out.Device = p.Device
	if out.Device == "" {
		out.Device = tensor.CPU
	}

	b := resized.Bounds()
	if b.Dx() != size || b.Dy() != size {
		return nil, apperr.New(apperr.PreprocessingFailed,
			fmt.Sprintf("Failed to preprocess image: resized to %dx%d", b.Dx(), b.Dy()))
	}
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := luminance(resized, b.Min.X+x, b.Min.Y+y)
			out.Data[y*size+x] = (float32(v)/255 - mean) / std
		}
	}
	return out, nil
}

func (p *Preprocessor) maxPixels() int {
	if p.MaxPixels <= 0 {
		return DefaultMaxPixels
	}
	return p.MaxPixels
}

// Grayscale converts any image to 8-bit luminance (ITU-R 601-2 weights).
// Alpha is ignored: the stored colour channels are weighted as they are,
// never composited against black. Images that are already *image.Gray are
// returned as is.
func Grayscale(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))

	if n, ok := img.(*image.NRGBA); ok {
		for y := 0; y < b.Dy(); y++ {
			row := n.Pix[y*n.Stride : y*n.Stride+4*b.Dx()]
			for x := 0; x < b.Dx(); x++ {
				p := row[4*x : 4*x+3]
				g.Pix[y*g.Stride+x] = weigh(uint32(p[0])*0x101, uint32(p[1])*0x101, uint32(p[2])*0x101)
			}
		}
		return g
	}

	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, gr, bl := straightRGB(img.At(b.Min.X+x, b.Min.Y+y))
			g.Pix[y*g.Stride+x] = weigh(r, gr, bl)
		}
	}
	return g
}

// straightRGB returns 16-bit colour channels without alpha premultiplication.
func straightRGB(c color.Color) (r, g, b uint32) {
	switch c := c.(type) {
	case color.NRGBA:
		return uint32(c.R) * 0x101, uint32(c.G) * 0x101, uint32(c.B) * 0x101
	case color.NRGBA64:
		return uint32(c.R), uint32(c.G), uint32(c.B)
	}
	n := color.NRGBA64Model.Convert(c).(color.NRGBA64)
	return uint32(n.R), uint32(n.G), uint32(n.B)
}

func weigh(r, g, b uint32) uint8 {
	return uint8((19595*r + 38470*g + 7471*b + 1<<15) >> 24)
}

func luminance(img image.Image, x, y int) uint8 {
	if g, ok := img.(*image.Gray); ok {
		return g.GrayAt(x, y).Y
	}
	r, gr, b := straightRGB(img.At(x, y))
	return weigh(r, gr, b)
}
