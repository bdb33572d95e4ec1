package preprocess

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/certificate-extractor/pkg/logger"
)

// page draws dark "ink" strokes on a background that brightens left to right.
func page(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			bg := uint8(150 + 100*x/w)
			img.Set(x, y, color.NRGBA{R: bg, G: bg, B: bg, A: 255})
		}
	}
	for x := 10; x < w-10; x++ {
		for y := h/2 - 2; y <= h/2+2; y++ {
			img.Set(x, y, color.NRGBA{R: 20, G: 20, B: 20, A: 255})
		}
	}
	return img
}

func TestDefaultChainBinarizes(t *testing.T) {
	chain := NewDefault(DefaultOptions(), logger.NewTestLogger())
	assert.Equal(t, []string{"grayscale", "denoise", "median", "adaptive-threshold", "unsharp-mask"}, chain.Steps())

	out, err := chain.Preprocess(context.Background(), page(120, 60))
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, image.Rect(0, 0, 120, 60), out.Bounds())

	ink := color.GrayModel.Convert(out.At(60, 30)).(color.Gray).Y
	paper := color.GrayModel.Convert(out.At(60, 5)).(color.Gray).Y
	assert.Less(t, ink, uint8(100), "stroke should be dark")
	assert.Greater(t, paper, uint8(200), "background should be white despite the gradient")
}

func TestAdaptiveThresholdValidation(t *testing.T) {
	_, err := NewAdaptiveThresholdStep(4, 3).Process(page(10, 10))
	assert.Error(t, err)
	_, err = NewAdaptiveThresholdStep(29, 3).Process(nil)
	assert.Error(t, err)
}

func TestMedianRemovesSpeckle(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 9, 9))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	img.Set(4, 4, color.NRGBA{A: 255})

	out, err := NewMedianStep(3).Process(img)
	require.NoError(t, err)
	assert.Equal(t, uint8(255), color.GrayModel.Convert(out.At(4, 4)).(color.Gray).Y)

	_, err = NewMedianStep(4).Process(img)
	assert.Error(t, err)
}

type failingStep struct{}

func (failingStep) Name() string { return "broken" }
func (failingStep) Process(image.Image) (image.Image, error) {
	return nil, errors.New("no memory")
}

type nilStep struct{}

func (nilStep) Name() string { return "nil" }

func (nilStep) Process(image.Image) (image.Image, error) {
	return nil, nil
}

func TestChainErrors(t *testing.T) {
	ctx := context.Background()

	_, err := NewChain(nil, failingStep{}).Preprocess(ctx, page(4, 4))
	assert.ErrorContains(t, err, "broken")

	_, err = NewChain(nil, nilStep{}).Preprocess(ctx, page(4, 4))
	assert.ErrorContains(t, err, "nil image")

	_, err = NewChain(nil).Preprocess(ctx, nil)
	assert.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = NewChain(nil, NewGrayscaleStep()).Preprocess(cancelled, page(4, 4))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOptionalStepsPassThrough(t *testing.T) {
	img := page(8, 8)
	for _, s := range []Step{NewDenoiseStep(0), NewMedianStep(1), NewUnsharpMaskStep(0, 1.5)} {
		out, err := s.Process(img)
		require.NoError(t, err)
		assert.Same(t, img, out, s.Name())
	}
}
