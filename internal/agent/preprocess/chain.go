// Package preprocess prepares certificate photos and scans for OCR.
package preprocess

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/feichai0017/certificate-extractor/pkg/logger"
)

// Options configures the default chain.
type Options struct {
	DenoiseSigma      float64
	MedianSize        int
	AdaptiveBlockSize int
	AdaptiveConstant  float64
	SharpenSigma      float64
	SharpenAmount     float64
}

// DefaultOptions mirrors the classic OpenCV recipe for certificate scans:
// grayscale, edge-preserving denoise, 3x3 median, gaussian adaptive threshold
// over 29px blocks with C=3, then an unsharp mask of 1.5/-0.5.
func DefaultOptions() Options {
	return Options{
		DenoiseSigma:      0.8,
		MedianSize:        3,
		AdaptiveBlockSize: 29,
		AdaptiveConstant:  3,
		SharpenSigma:      3,
		SharpenAmount:     1.5,
	}
}

// Chain applies steps in order.
type Chain struct {
	steps  []Step
	logger logger.Logger
}

// NewChain builds a chain from explicit steps.
func NewChain(log logger.Logger, steps ...Step) *Chain {
	if log == nil {
		log = logger.NewNop()
	}
	return &Chain{steps: steps, logger: log.Named("preprocess")}
}

// NewDefault builds the standard certificate chain.
func NewDefault(opts Options, log logger.Logger) *Chain {
	return NewChain(log,
		NewGrayscaleStep(),
		NewDenoiseStep(opts.DenoiseSigma),
		NewMedianStep(opts.MedianSize),
		NewAdaptiveThresholdStep(opts.AdaptiveBlockSize, opts.AdaptiveConstant),
		NewUnsharpMaskStep(opts.SharpenSigma, opts.SharpenAmount),
	)
}

func (c *Chain) Name() string { return "image-chain" }

// Steps returns the step names in order.
func (c *Chain) Steps() []string {
	names := make([]string, len(c.steps))
	for i, s := range c.steps {
		names[i] = s.Name()
	}
	return names
}

// Preprocess runs every step. It stops early if ctx is done.
func (c *Chain) Preprocess(ctx context.Context, img image.Image) (image.Image, error) {
	if img == nil {
		return nil, fmt.Errorf("input image is nil")
	}

	result := img
	for _, step := range c.steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		out, err := step.Process(result)
		if err != nil {
			return nil, fmt.Errorf("preprocessing step %s failed: %w", step.Name(), err)
		}
		if out == nil {
			return nil, fmt.Errorf("preprocessing step %s returned nil image", step.Name())
		}
		result = out
		c.logger.Debug("Preprocessing step done",
			logger.String("step", step.Name()),
			logger.Duration("took", time.Since(start)),
		)
	}
	return result, nil
}
