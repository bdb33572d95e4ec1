// Package agent builds the pipeline's collaborators from configuration.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/otiai10/gosseract/v2"

	"github.com/feichai0017/certificate-extractor/config"
	"github.com/feichai0017/certificate-extractor/internal/agent/cleaner"
	"github.com/feichai0017/certificate-extractor/internal/agent/extractor"
	"github.com/feichai0017/certificate-extractor/internal/agent/llm"
	"github.com/feichai0017/certificate-extractor/internal/agent/ocr"
	"github.com/feichai0017/certificate-extractor/internal/agent/preprocess"
	"github.com/feichai0017/certificate-extractor/internal/pipeline"
	"github.com/feichai0017/certificate-extractor/internal/readingorder"
	"github.com/feichai0017/certificate-extractor/pkg/logger"
)

// Factory creates recognizers and extractors on demand. Recognizers are
// expensive to set up, so each kind is built once and reused.
type Factory struct {
	cfg    config.Config
	logger logger.Logger

	mu          sync.Mutex
	recognizers map[ocr.Kind]pipeline.Recognizer
	chat        *llm.Client
	gemini      *extractor.Gemini
}

func NewFactory(cfg config.Config, log logger.Logger) *Factory {
	return &Factory{
		cfg:         cfg,
		logger:      log.Named("factory"),
		recognizers: make(map[ocr.Kind]pipeline.Recognizer),
	}
}

// Recognizer returns the recognizer for kind, creating it on first use.
func (f *Factory) Recognizer(ctx context.Context, kind ocr.Kind) (pipeline.Recognizer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r, ok := f.recognizers[kind]; ok {
		return r, nil
	}

	f.logger.Info("Creating recognizer", logger.String("kind", string(kind)))

	var (
		r   pipeline.Recognizer
		err error
	)
	switch kind {
	case ocr.KindTesseract:
		r = ocr.NewTesseract(ocr.TesseractOptions{
			Languages:   f.cfg.Tesseract.Languages,
			PageSegMode: gosseract.PageSegMode(f.cfg.Tesseract.PageSegMode),
		}, f.logger)
	case ocr.KindTextract:
		r, err = ocr.NewTextract(ctx, ocr.TextractConfig{
			Region:    f.cfg.Textract.Region,
			Endpoint:  f.cfg.Textract.Endpoint,
			AccessKey: f.cfg.Textract.AccessKey,
			SecretKey: f.cfg.Textract.SecretKey,
		}, f.logger)
	case ocr.KindVision:
		r = ocr.NewVision(ocr.OllamaConfig{
			Endpoint:    f.cfg.Ollama.Host,
			Model:       f.cfg.Ollama.VisionModel,
			PoolSize:    f.cfg.Ollama.PoolSize,
			PoolTimeout: 30 * time.Second,
			Timeout:     config.Seconds(f.cfg.Ollama.Timeout, 120*time.Second),
		}, f.logger)
	case ocr.KindPDFText:
		r = ocr.NewPDFText(f.logger)
	default:
		return nil, fmt.Errorf("%w: %q", ocr.ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s recognizer: %w", kind, err)
	}

	f.recognizers[kind] = r
	return r, nil
}

// Extractor returns a new extractor of the given kind.
func (f *Factory) Extractor(kind extractor.Kind) (pipeline.Extractor, error) {
	switch kind {
	case extractor.KindLLM:
		e, err := extractor.NewLLM(f.chatClient(), config.Seconds(f.cfg.LLM.Timeout, 120*time.Second), f.logger)
		if err != nil {
			return nil, err
		}
		return e, nil
	case extractor.KindGemini:
		g := f.Gemini()
		if !g.Enabled() {
			return nil, extractor.ErrGeminiDisabled
		}
		return g, nil
	case extractor.KindNER:
		return extractor.NewNER(f.cfg.NER.URL, config.Seconds(f.cfg.NER.Timeout, 30*time.Second), f.logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", extractor.ErrUnknownKind, kind)
	}
}

// Gemini returns the shared Gemini client, which may be disabled.
func (f *Factory) Gemini() *extractor.Gemini {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gemini == nil {
		f.gemini = extractor.NewGemini(extractor.GeminiConfig{
			APIKey:  f.cfg.Gemini.APIKey,
			Model:   f.cfg.Gemini.Model,
			BaseURL: f.cfg.Gemini.BaseURL,
			Timeout: config.Seconds(f.cfg.Gemini.Timeout, 60*time.Second),
		}, f.logger)
	}
	return f.gemini
}

func (f *Factory) Cleaner() pipeline.Cleaner {
	return cleaner.New(f.chatClient(), config.Seconds(f.cfg.LLM.Timeout, 120*time.Second), f.logger)
}

func (f *Factory) Preprocessor() pipeline.Preprocessor {
	return preprocess.NewDefault(preprocess.DefaultOptions(), f.logger)
}

func (f *Factory) chatClient() *llm.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chat == nil {
		f.chat = llm.NewClient(llm.Config{
			BaseURL:     f.cfg.LLM.BaseURL,
			APIKey:      f.cfg.LLM.APIKey,
			Model:       f.cfg.LLM.Model,
			Temperature: f.cfg.LLM.Temperature,
			TopP:        f.cfg.LLM.TopP,
			MaxTokens:   f.cfg.LLM.MaxTokens,
			Timeout:     config.Seconds(f.cfg.LLM.Timeout, 120*time.Second),
			MaxRetries:  2,
		})
	}
	return f.chat
}

// Pipeline assembles a pipeline from the configured OCR_MODEL, NER_MODEL and
// stage flags.
func (f *Factory) Pipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	pc := f.cfg.Pipeline

	kind, err := ocr.ParseKind(pc.OCRModel)
	if err != nil {
		return nil, err
	}
	recognizer, err := f.Recognizer(ctx, kind)
	if err != nil {
		return nil, err
	}

	extractorKind, err := extractor.ParseKind(pc.NERModel)
	if err != nil {
		return nil, err
	}
	ext, err := f.Extractor(extractorKind)
	if err != nil {
		return nil, err
	}

	stages := pipeline.Stages{Recognizer: recognizer, Extractor: ext}
	if pc.ImagePreprocessing {
		stages.Preprocessor = f.Preprocessor()
	}
	if pc.LLMPostprocessing {
		stages.Cleaner = f.Cleaner()
	}

	return pipeline.New(pipeline.Config{
		Preprocess:   pc.ImagePreprocessing,
		Clean:        pc.LLMPostprocessing,
		RowTolerance: pc.RowTolerance,
		Grouping:     ParseGrouping(pc.RowGrouping),
	}, stages, f.logger)
}

// ParseGrouping maps the config value to a row grouping; anything other than
// "banded" is anchored.
func ParseGrouping(s string) readingorder.Grouping {
	if s == "banded" {
		return readingorder.GroupBanded
	}
	return readingorder.GroupAnchored
}

// Close releases recognizers that hold connections.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for kind, r := range f.recognizers {
		if c, ok := r.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				f.logger.Warn("Failed to close recognizer", logger.String("kind", string(kind)), logger.Error(err))
			}
		}
	}
	return nil
}
