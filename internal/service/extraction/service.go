// Package extraction is the service facade over the certificate pipeline:
// synchronous prediction, queued tasks, recognizer switching and direct
// Gemini extraction.
package extraction

import (
	"context"
	"errors"

	"github.com/feichai0017/certificate-extractor/internal/models"
	"github.com/feichai0017/certificate-extractor/internal/record"
	"github.com/feichai0017/certificate-extractor/pkg/converters"
	"github.com/feichai0017/certificate-extractor/pkg/queue"
)

var (
	ErrUnsupportedUpload = errors.New("unsupported upload type")
	ErrTaskNotCompleted  = errors.New("task is not completed")
	ErrGeminiUnavailable = errors.New("gemini API client is not initialized")
)

// Upload is one file received from a client.
type Upload struct {
	Filename string
	Data     []byte
}

// ProcessResult is the synchronous answer for one certificate.
type ProcessResult struct {
	Status   string        `json:"status"`
	FileName string        `json:"file_name"`
	FileSize int64         `json:"file_size_bytes"`
	Data     record.Record `json:"extracted_text"`
}

// DocumentInfo is the direct Gemini answer. Missing values are empty strings.
type DocumentInfo struct {
	Type        string   `json:"TYPE"`
	Awardee     string   `json:"AWARDEE"`
	Role        string   `json:"ROLE"`
	Event       string   `json:"EVENT"`
	Date        string   `json:"DATE"`
	Location    string   `json:"LOCATION"`
	Signatories []string `json:"SIGNATORIES"`
}

type CertificateExtractor interface {
	Process(ctx context.Context, upload Upload) (*ProcessResult, error)
	Submit(ctx context.Context, upload Upload) (*models.ExtractionTask, error)
	SubmitBatch(ctx context.Context, uploads []Upload) ([]*models.ExtractionTask, error)
	HandleTask(ctx context.Context, task *queue.Task) error
	Status(ctx context.Context, taskID string) (*models.ExtractionTask, error)
	Result(ctx context.Context, taskID string) (*converters.ExtractionResult, error)
	Cancel(ctx context.Context, taskID string) error
	Cleanup(ctx context.Context) (int, error)
	SwitchModel(ctx context.Context, model string) (string, error)
	ActiveModel() string
	HasGemini() bool
	ProcessGemini(ctx context.Context, upload Upload) (*DocumentInfo, error)
}
