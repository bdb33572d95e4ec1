package ocr

import (
	"context"
	"fmt"
	"strings"

	"github.com/feichai0017/certificate-extractor/internal/pipeline"
	"github.com/feichai0017/certificate-extractor/pkg/logger"
)

const visionPrompt = `Transcribe all text printed on this certificate.
Read it the way a person would: top to bottom, left to right.
Output only the transcribed text on a single line, words separated by single spaces.
Do not add commentary, labels or formatting.`

// Vision reads a page with a multimodal model served by Ollama. The model
// returns ordered text, so no reading-order reconstruction is applied.
type Vision struct {
	pool   *OllamaClientPool
	prompt string
	logger logger.Logger
}

func NewVision(cfg OllamaConfig, log logger.Logger) *Vision {
	return &Vision{
		pool:   NewOllamaClientPool(cfg),
		prompt: visionPrompt,
		logger: log.Named("vision"),
	}
}

func (v *Vision) Name() string { return string(KindVision) }

func (v *Vision) Recognize(ctx context.Context, page pipeline.Page) (pipeline.Recognition, error) {
	data, err := imageBytes(page)
	if err != nil {
		return pipeline.Recognition{}, err
	}

	client, err := v.pool.Get(ctx)
	if err != nil {
		return pipeline.Recognition{}, fmt.Errorf("failed to get ollama client: %w", err)
	}
	defer v.pool.Put(client)

	text, err := client.ReadImage(ctx, data, v.prompt)
	if err != nil {
		return pipeline.Recognition{}, err
	}
	text = strings.Join(strings.Fields(text), " ")
	v.logger.Debug("Vision transcription done", logger.Int("chars", len(text)))

	return pipeline.Recognition{Text: text}, nil
}

// Close releases pooled connections.
func (v *Vision) Close() error {
	return v.pool.Close()
}
