package pipeline

import (
	"context"
	"image"

	"github.com/feichai0017/certificate-extractor/internal/readingorder"
	"github.com/feichai0017/certificate-extractor/internal/record"
)

// Page is the input handed to preprocessing and recognition.
type Page struct {
	// Image is the decoded raster. It is nil for inputs that are not images,
	// such as PDFs read through their text layer.
	Image    image.Image
	Data     []byte
	MIMEType string
}

// Preprocessor prepares an image for recognition.
type Preprocessor interface {
	Name() string
	Preprocess(ctx context.Context, img image.Image) (image.Image, error)
}

// Recognition is the output of a recognizer. Engines with region output fill
// Detections and Geometry; engines that produce ordered text fill Text.
type Recognition struct {
	Text       string
	Detections []readingorder.Detection
	Geometry   readingorder.Geometry
}

// HasDetections reports whether the recognition still needs reading-order
// reconstruction.
func (r Recognition) HasDetections() bool {
	return r.Detections != nil
}

// Recognizer is an OCR strategy.
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, page Page) (Recognition, error)
}

// Cleaner repairs recognized text. Implementations are expected to return
// their input unchanged when the repair itself fails.
type Cleaner interface {
	Name() string
	Clean(ctx context.Context, text string) (string, error)
}

// Extractor finds certificate fields in normalized text.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, text string) (record.Candidates, error)
}
