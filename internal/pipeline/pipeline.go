// Package pipeline runs one certificate image through preprocessing,
// recognition, cleaning, normalization, extraction and compilation.
package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/feichai0017/certificate-extractor/internal/normalize"
	"github.com/feichai0017/certificate-extractor/internal/readingorder"
	"github.com/feichai0017/certificate-extractor/internal/record"
	"github.com/feichai0017/certificate-extractor/pkg/logger"
)

// Config fixes which optional stages run. It does not change after New.
type Config struct {
	Preprocess   bool
	Clean        bool
	RowTolerance float64
	Grouping     readingorder.Grouping
}

// Stages holds the collaborators for each pluggable role. Preprocessor and
// Cleaner may be nil when the matching stage is disabled.
type Stages struct {
	Preprocessor Preprocessor
	Recognizer   Recognizer
	Cleaner      Cleaner
	Extractor    Extractor
}

// Document is the unit of work for one request. It is owned by a single Run
// call and never shared.
type Document struct {
	SourceImage    string
	RawText        string
	NormalizedText string
	Fields         record.Candidates
	Record         record.Record
	Recognizer     string
	Reading        *readingorder.Result
}

type recognizerRef struct {
	r Recognizer
}

// Pipeline is safe for concurrent use. Its only mutable state is the active
// recognizer, replaced atomically by SwitchRecognizer.
type Pipeline struct {
	cfg          Config
	preprocessor Preprocessor
	recognizer   atomic.Pointer[recognizerRef]
	cleaner      Cleaner
	normalize    func(string) string
	extractor    Extractor
	logger       logger.Logger
}

// New validates the stages against cfg and builds a pipeline.
func New(cfg Config, stages Stages, log logger.Logger) (*Pipeline, error) {
	if stages.Recognizer == nil {
		return nil, fmt.Errorf("%w: recognizer", ErrMissingStage)
	}
	if stages.Extractor == nil {
		return nil, fmt.Errorf("%w: extractor", ErrMissingStage)
	}
	if cfg.Preprocess && stages.Preprocessor == nil {
		return nil, fmt.Errorf("%w: preprocessor", ErrMissingStage)
	}
	if cfg.Clean && stages.Cleaner == nil {
		return nil, fmt.Errorf("%w: cleaner", ErrMissingStage)
	}
	if cfg.RowTolerance <= 0 {
		cfg.RowTolerance = readingorder.DefaultRowTolerance
	}
	if log == nil {
		log = logger.NewNop()
	}

	p := &Pipeline{
		cfg:          cfg,
		preprocessor: stages.Preprocessor,
		cleaner:      stages.Cleaner,
		normalize:    normalize.Normalize,
		extractor:    stages.Extractor,
		logger:       log.Named("pipeline"),
	}
	p.recognizer.Store(&recognizerRef{r: stages.Recognizer})
	return p, nil
}

// Config returns the configuration the pipeline was built with.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Recognizer returns the active recognizer.
func (p *Pipeline) Recognizer() Recognizer {
	return p.recognizer.Load().r
}

// SwitchRecognizer replaces the active recognizer and returns the previous
// one. Runs already past stage entry keep the recognizer they captured.
func (p *Pipeline) SwitchRecognizer(r Recognizer) (Recognizer, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: recognizer", ErrMissingStage)
	}
	prev := p.recognizer.Swap(&recognizerRef{r: r})
	p.logger.Info("Recognizer switched",
		logger.String("from", prev.r.Name()),
		logger.String("to", r.Name()),
	)
	return prev.r, nil
}

// Predict runs the full pipeline and returns the compiled record.
func (p *Pipeline) Predict(ctx context.Context, ref string, page Page) (record.Record, error) {
	doc, err := p.Run(ctx, ref, page)
	if err != nil {
		return nil, err
	}
	return doc.Record, nil
}

// Run executes every stage in order and returns the populated document.
// Collaborator failures come back as *StageError; nothing is retried.
func (p *Pipeline) Run(ctx context.Context, ref string, page Page) (*Document, error) {
	return p.run(ctx, ref, page, nil)
}

// RunWith is Run with a fixed recognizer instead of the active one. Queued
// work uses it to honor the recognizer chosen when the task was submitted.
func (p *Pipeline) RunWith(ctx context.Context, ref string, page Page, r Recognizer) (*Document, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: recognizer", ErrMissingStage)
	}
	return p.run(ctx, ref, page, r)
}

func (p *Pipeline) run(ctx context.Context, ref string, page Page, rec Recognizer) (*Document, error) {
	doc := &Document{SourceImage: ref}
	log := logger.FromContext(ctx, p.logger).With(logger.String("image", ref))
	start := time.Now()

	if p.cfg.Preprocess {
		if page.Image == nil {
			log.Debug("Skipping preprocessing for non-raster input", logger.String("mime", page.MIMEType))
		} else {
			t := time.Now()
			img, err := p.preprocessor.Preprocess(ctx, page.Image)
			if err == nil && img == nil {
				err = ErrEmptyResult
			}
			if err != nil {
				return nil, p.fail(log, StagePreprocess, err)
			}
			page.Image = img
			log.Debug("Stage completed",
				logger.String("stage", string(StagePreprocess)),
				logger.String("preprocessor", p.preprocessor.Name()),
				logger.Duration("took", time.Since(t)),
			)
		}
	}

	if rec == nil {
		rec = p.Recognizer()
	}
	doc.Recognizer = rec.Name()
	t := time.Now()
	out, err := rec.Recognize(ctx, page)
	if err != nil {
		return nil, p.fail(log, StageRecognize, fmt.Errorf("%s: %w", rec.Name(), err))
	}
	if out.HasDetections() {
		res := readingorder.Reconstructor{
			Geometry:     out.Geometry,
			RowTolerance: p.cfg.RowTolerance,
			Grouping:     p.cfg.Grouping,
		}.Order(out.Detections)
		doc.RawText = res.Text
		doc.Reading = &res
		if res.Malformed > 0 {
			log.Warn("Detections with unreadable regions sorted last", logger.Int("count", res.Malformed))
		}
	} else {
		doc.RawText = out.Text
	}
	log.Debug("Stage completed",
		logger.String("stage", string(StageRecognize)),
		logger.String("recognizer", rec.Name()),
		logger.Int("chars", len(doc.RawText)),
		logger.Duration("took", time.Since(t)),
	)

	text := doc.RawText
	if p.cfg.Clean {
		t = time.Now()
		cleaned, err := p.cleaner.Clean(ctx, text)
		if err != nil {
			return nil, p.fail(log, StageClean, err)
		}
		text = cleaned
		log.Debug("Stage completed",
			logger.String("stage", string(StageClean)),
			logger.String("cleaner", p.cleaner.Name()),
			logger.Duration("took", time.Since(t)),
		)
	}

	doc.NormalizedText = p.normalize(text)

	t = time.Now()
	fields, err := p.extractor.Extract(ctx, doc.NormalizedText)
	if err != nil {
		return nil, p.fail(log, StageExtract, fmt.Errorf("%s: %w", p.extractor.Name(), err))
	}
	doc.Fields = fields
	log.Debug("Stage completed",
		logger.String("stage", string(StageExtract)),
		logger.String("extractor", p.extractor.Name()),
		logger.Int("fields", len(fields)),
		logger.Duration("took", time.Since(t)),
	)

	doc.Record = record.Compile(fields, ref)

	log.Info("Document processed",
		logger.String("recognizer", doc.Recognizer),
		logger.Duration("took", time.Since(start)),
	)
	return doc, nil
}

func (p *Pipeline) fail(log logger.Logger, stage Stage, err error) error {
	log.Error("Stage failed",
		logger.String("stage", string(stage)),
		logger.Error(err),
	)
	return &StageError{Stage: stage, Err: err}
}
