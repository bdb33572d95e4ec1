// Package ocr holds the recognizer strategies the pipeline can switch between.
package ocr

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strings"

	"github.com/feichai0017/certificate-extractor/internal/pipeline"
)

// Kind names a recognizer strategy.
type Kind string

const (
	KindTesseract Kind = "tesseract"
	KindTextract  Kind = "textract"
	KindVision    Kind = "vision"
	KindPDFText   Kind = "pdftext"
)

// Kinds lists every recognizer strategy.
func Kinds() []Kind {
	return []Kind{KindTesseract, KindTextract, KindVision, KindPDFText}
}

// ParseKind validates a recognizer name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

var (
	ErrUnknownKind      = errors.New("unknown recognizer")
	ErrUnsupportedInput = errors.New("unsupported input for recognizer")
)

// imageBytes returns an encoding of the page suitable for an OCR backend. The
// decoded (possibly preprocessed) raster wins over the original bytes.
func imageBytes(page pipeline.Page) ([]byte, error) {
	if page.Image != nil {
		return encodePNG(page.Image)
	}
	if len(page.Data) > 0 && strings.HasPrefix(page.MIMEType, "image/") {
		return page.Data, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedInput, page.MIMEType)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}
