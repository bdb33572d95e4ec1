package converters

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/feichai0017/certificate-extractor/internal/pipeline"
	"github.com/feichai0017/certificate-extractor/internal/record"
)

var ErrEmptyDocument = errors.New("no document to convert")

// ResultConverter turns a pipeline document into its stored form.
type ResultConverter interface {
	Convert(doc *pipeline.Document) (*ExtractionResult, error)
}

// ExtractionResult is what gets stored for a finished task and returned by
// the result endpoint.
type ExtractionResult struct {
	TaskID         string            `json:"taskId"`
	Status         string            `json:"status"`
	Record         record.Record     `json:"record"`
	Fields         record.Candidates `json:"fields,omitempty"`
	RawText        string            `json:"rawText"`
	NormalizedText string            `json:"normalizedText"`
	Metadata       ResultMetadata    `json:"metadata"`
	ProcessedAt    time.Time         `json:"processedAt"`
}

type ResultMetadata struct {
	FileName     string `json:"fileName"`
	FileType     string `json:"fileType"`
	FileSize     int64  `json:"fileSize"`
	Recognizer   string `json:"recognizer"`
	Detections   int    `json:"detections"`
	Dropped      int    `json:"dropped"`
	Malformed    int    `json:"malformed"`
	ProcessingMs int64  `json:"processingMs"`
}

// JSONConverter implements ResultConverter.
type JSONConverter struct{}

func NewJSONConverter() *JSONConverter {
	return &JSONConverter{}
}

func (c *JSONConverter) Convert(doc *pipeline.Document) (*ExtractionResult, error) {
	if doc == nil || doc.Record == nil {
		return nil, ErrEmptyDocument
	}

	result := &ExtractionResult{
		Status:         "completed",
		Record:         doc.Record,
		Fields:         doc.Fields,
		RawText:        doc.RawText,
		NormalizedText: doc.NormalizedText,
		ProcessedAt:    time.Now(),
		Metadata: ResultMetadata{
			FileName:   doc.SourceImage,
			Recognizer: doc.Recognizer,
		},
	}
	if r := doc.Reading; r != nil {
		result.Metadata.Detections = r.Kept
		result.Metadata.Dropped = r.Dropped
		result.Metadata.Malformed = r.Malformed
	}
	return result, nil
}

// Encode serializes a result for storage.
func (c *JSONConverter) Encode(result *ExtractionResult) ([]byte, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return data, nil
}

// Decode reads a stored result.
func (c *JSONConverter) Decode(r io.Reader) (*ExtractionResult, error) {
	var result ExtractionResult
	if err := json.NewDecoder(r).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return &result, nil
}
