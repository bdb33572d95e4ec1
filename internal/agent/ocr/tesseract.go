package ocr

import (
	"context"
	"fmt"

	"github.com/otiai10/gosseract/v2"

	"github.com/feichai0017/certificate-extractor/internal/pipeline"
	"github.com/feichai0017/certificate-extractor/internal/readingorder"
	"github.com/feichai0017/certificate-extractor/pkg/logger"
)

// tessClient is the part of *gosseract.Client the recognizer uses.
type tessClient interface {
	SetLanguage(langs ...string) error
	SetPageSegMode(mode gosseract.PageSegMode) error
	SetImageFromBytes(data []byte) error
	GetBoundingBoxes(level gosseract.PageIteratorLevel) ([]gosseract.BoundingBox, error)
	Close() error
}

type TesseractOptions struct {
	Languages   []string
	PageSegMode gosseract.PageSegMode
}

// Tesseract recognizes words locally and reports pixel-space boxes.
type Tesseract struct {
	opts          TesseractOptions
	clientFactory func() tessClient
	logger        logger.Logger
}

func NewTesseract(opts TesseractOptions, log logger.Logger) *Tesseract {
	if len(opts.Languages) == 0 {
		opts.Languages = []string{"eng"}
	}
	if opts.PageSegMode == 0 {
		opts.PageSegMode = gosseract.PSM_AUTO
	}
	return &Tesseract{
		opts:          opts,
		clientFactory: func() tessClient { return gosseract.NewClient() },
		logger:        log.Named("tesseract"),
	}
}

func (t *Tesseract) Name() string { return string(KindTesseract) }

// Recognize runs word-level OCR. A fresh client is used per call since a
// gosseract client is not safe for concurrent use.
func (t *Tesseract) Recognize(ctx context.Context, page pipeline.Page) (pipeline.Recognition, error) {
	data, err := imageBytes(page)
	if err != nil {
		return pipeline.Recognition{}, err
	}
	if err := ctx.Err(); err != nil {
		return pipeline.Recognition{}, err
	}

	client := t.clientFactory()
	defer client.Close()

	if err := client.SetLanguage(t.opts.Languages...); err != nil {
		return pipeline.Recognition{}, fmt.Errorf("failed to set language: %w", err)
	}
	if err := client.SetPageSegMode(t.opts.PageSegMode); err != nil {
		return pipeline.Recognition{}, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	if err := client.SetImageFromBytes(data); err != nil {
		return pipeline.Recognition{}, fmt.Errorf("failed to set image: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return pipeline.Recognition{}, fmt.Errorf("failed to get bounding boxes: %w", err)
	}

	detections := make([]readingorder.Detection, 0, len(boxes))
	for _, b := range boxes {
		r := b.Box
		detections = append(detections, readingorder.Detection{
			Text:       b.Word,
			Confidence: b.Confidence / 100,
			Region: []readingorder.Point{
				{X: float64(r.Min.X), Y: float64(r.Min.Y)},
				{X: float64(r.Max.X), Y: float64(r.Min.Y)},
				{X: float64(r.Max.X), Y: float64(r.Max.Y)},
				{X: float64(r.Min.X), Y: float64(r.Max.Y)},
			},
		})
	}
	t.logger.Debug("Words recognized", logger.Int("words", len(detections)))

	return pipeline.Recognition{
		Detections: detections,
		Geometry:   readingorder.GeometryPolygon,
	}, nil
}
