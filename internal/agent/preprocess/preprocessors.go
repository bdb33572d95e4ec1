package preprocess

import (
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/disintegration/imaging"
)

// Step is one image transformation in a preprocessing chain.
type Step interface {
	Name() string
	Process(img image.Image) (image.Image, error)
}

// GrayscaleStep drops color.
type GrayscaleStep struct{}

func NewGrayscaleStep() *GrayscaleStep {
	return &GrayscaleStep{}
}

func (s *GrayscaleStep) Name() string { return "grayscale" }

func (s *GrayscaleStep) Process(img image.Image) (image.Image, error) {
	return imaging.Grayscale(img), nil
}

// DenoiseStep smooths sensor noise with a light gaussian blur.
type DenoiseStep struct {
	sigma float64
}

func NewDenoiseStep(sigma float64) *DenoiseStep {
	return &DenoiseStep{sigma: sigma}
}

func (s *DenoiseStep) Name() string { return "denoise" }

func (s *DenoiseStep) Process(img image.Image) (image.Image, error) {
	if s.sigma <= 0 {
		return img, nil
	}
	return imaging.Blur(img, s.sigma), nil
}

// MedianStep removes salt-and-pepper noise on a grayscale image.
type MedianStep struct {
	size int
}

func NewMedianStep(size int) *MedianStep {
	return &MedianStep{size: size}
}

func (s *MedianStep) Name() string { return "median" }

func (s *MedianStep) Process(img image.Image) (image.Image, error) {
	if s.size < 3 {
		return img, nil
	}
	if s.size%2 == 0 {
		return nil, fmt.Errorf("median size must be odd, got %d", s.size)
	}

	src := imaging.Clone(img)
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	out := image.NewGray(image.Rect(0, 0, w, h))
	half := s.size / 2
	window := make([]uint8, 0, s.size*s.size)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			window = window[:0]
			for dy := -half; dy <= half; dy++ {
				ny := clamp(y+dy, 0, h-1)
				for dx := -half; dx <= half; dx++ {
					nx := clamp(x+dx, 0, w-1)
					window = append(window, src.Pix[ny*src.Stride+nx*4])
				}
			}
			sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
			out.Pix[y*out.Stride+x] = window[len(window)/2]
		}
	}
	return out, nil
}

// AdaptiveThresholdStep binarizes against a gaussian-weighted local mean,
// so uneven lighting across a photographed certificate does not wash out text.
type AdaptiveThresholdStep struct {
	blockSize int
	constant  float64
}

func NewAdaptiveThresholdStep(blockSize int, constant float64) *AdaptiveThresholdStep {
	return &AdaptiveThresholdStep{blockSize: blockSize, constant: constant}
}

func (s *AdaptiveThresholdStep) Name() string { return "adaptive-threshold" }

func (s *AdaptiveThresholdStep) Process(img image.Image) (image.Image, error) {
	if img == nil {
		return nil, fmt.Errorf("input image is nil")
	}
	if s.blockSize < 3 || s.blockSize%2 == 0 {
		return nil, fmt.Errorf("block size must be odd and >= 3, got %d", s.blockSize)
	}

	gray := imaging.Grayscale(img)
	// same sigma a gaussian kernel of blockSize would get
	sigma := 0.3*(float64(s.blockSize-1)*0.5-1) + 0.8
	mean := imaging.Blur(gray, sigma)

	bounds := gray.Bounds()
	out := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			v := float64(gray.Pix[y*gray.Stride+x*4])
			m := float64(mean.Pix[y*mean.Stride+x*4])
			if v > m-s.constant {
				out.Pix[y*out.Stride+x] = 255
			}
		}
	}
	return out, nil
}

// UnsharpMaskStep computes amount*src + (1-amount)*blur(src).
type UnsharpMaskStep struct {
	sigma  float64
	amount float64
}

func NewUnsharpMaskStep(sigma, amount float64) *UnsharpMaskStep {
	return &UnsharpMaskStep{sigma: sigma, amount: amount}
}

func (s *UnsharpMaskStep) Name() string { return "unsharp-mask" }

func (s *UnsharpMaskStep) Process(img image.Image) (image.Image, error) {
	if s.sigma <= 0 {
		return img, nil
	}
	src := imaging.Clone(img)
	blurred := imaging.Blur(src, s.sigma)
	if len(src.Pix) != len(blurred.Pix) {
		return nil, fmt.Errorf("unsharp mask: size mismatch")
	}

	for i := range src.Pix {
		if i%4 == 3 {
			continue // alpha
		}
		v := s.amount*float64(src.Pix[i]) + (1-s.amount)*float64(blurred.Pix[i])
		src.Pix[i] = uint8(clamp(int(math.Round(v)), 0, 255))
	}
	return src, nil
}

// ContrastStep adjusts contrast by a percentage in [-100, 100].
type ContrastStep struct {
	amount float64
}

func NewContrastStep(amount float64) *ContrastStep {
	return &ContrastStep{amount: amount}
}

func (s *ContrastStep) Name() string { return "contrast" }

func (s *ContrastStep) Process(img image.Image) (image.Image, error) {
	return imaging.AdjustContrast(img, s.amount), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
