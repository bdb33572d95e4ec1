package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/certificate-extractor/internal/readingorder"
	"github.com/feichai0017/certificate-extractor/internal/record"
	"github.com/feichai0017/certificate-extractor/pkg/logger"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, s)
}

func (c *callLog) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type fakePreprocessor struct {
	log   *callLog
	err   error
	empty bool
}

func (f *fakePreprocessor) Name() string { return "fake-pre" }

func (f *fakePreprocessor) Preprocess(_ context.Context, img image.Image) (image.Image, error) {
	f.log.add("preprocess")
	if f.err != nil {
		return nil, f.err
	}
	if f.empty {
		return nil, nil
	}
	return img, nil
}

type fakeRecognizer struct {
	name  string
	log   *callLog
	out   Recognition
	err   error
	block chan struct{}
	enter chan struct{}
}

func (f *fakeRecognizer) Name() string { return f.name }

func (f *fakeRecognizer) Recognize(_ context.Context, page Page) (Recognition, error) {
	if f.log != nil {
		f.log.add("recognize:" + f.name)
	}
	if f.enter != nil {
		close(f.enter)
	}
	if f.block != nil {
		<-f.block
	}
	return f.out, f.err
}

type fakeCleaner struct {
	log *callLog
	fn  func(string) string
	err error
}

func (f *fakeCleaner) Name() string { return "fake-clean" }

func (f *fakeCleaner) Clean(_ context.Context, text string) (string, error) {
	f.log.add("clean")
	if f.err != nil {
		return "", f.err
	}
	if f.fn != nil {
		return f.fn(text), nil
	}
	return text, nil
}

type fakeExtractor struct {
	log  *callLog
	seen string
	out  record.Candidates
	err  error
}

func (f *fakeExtractor) Name() string { return "fake-extract" }

func (f *fakeExtractor) Extract(_ context.Context, text string) (record.Candidates, error) {
	f.log.add("extract")
	f.seen = text
	return f.out, f.err
}

type staticExtractor struct{}

func (staticExtractor) Name() string { return "static" }

func (staticExtractor) Extract(context.Context, string) (record.Candidates, error) {
	return record.Candidates{"TYPE": {"Certificate"}}, nil
}

func testPage() Page {
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.White)
	return Page{Image: img, MIMEType: "image/png"}
}

func newTestPipeline(t *testing.T, cfg Config, stages Stages) *Pipeline {
	t.Helper()
	p, err := New(cfg, stages, logger.NewTestLogger())
	require.NoError(t, err)
	return p
}

func TestRunStageOrder(t *testing.T) {
	calls := &callLog{}
	ext := &fakeExtractor{log: calls, out: record.Candidates{"AWARDEE": {"Juan Dela Cruz"}}}
	p := newTestPipeline(t, Config{Preprocess: true, Clean: true}, Stages{
		Preprocessor: &fakePreprocessor{log: calls},
		Recognizer:   &fakeRecognizer{name: "ocr", log: calls, out: Recognition{Text: "JUAN  (DELA CRUZ}"}},
		Cleaner:      &fakeCleaner{log: calls},
		Extractor:    ext,
	})

	doc, err := p.Run(context.Background(), "cert.jpg", testPage())
	require.NoError(t, err)

	assert.Equal(t, []string{"preprocess", "recognize:ocr", "clean", "extract"}, calls.get())
	assert.Equal(t, "JUAN  (DELA CRUZ}", doc.RawText)
	assert.Equal(t, "JUAN DELA CRUZ", doc.NormalizedText)
	assert.Equal(t, "JUAN DELA CRUZ", ext.seen)
	assert.Equal(t, "Juan Dela Cruz", doc.Record.Get(record.Awardee))
	assert.Equal(t, "cert.jpg", doc.Record.ImagePath())
	assert.Equal(t, "ocr", doc.Recognizer)
}

func TestRunOptionalStagesDisabled(t *testing.T) {
	calls := &callLog{}
	p := newTestPipeline(t, Config{}, Stages{
		Recognizer: &fakeRecognizer{name: "ocr", log: calls, out: Recognition{Text: "text"}},
		Extractor:  &fakeExtractor{log: calls},
	})

	rec, err := p.Predict(context.Background(), "a.png", testPage())
	require.NoError(t, err)
	assert.Equal(t, []string{"recognize:ocr", "extract"}, calls.get())
	for _, f := range record.Schema() {
		assert.Contains(t, rec, string(f))
	}
}

func TestRunSkipsPreprocessingWithoutRaster(t *testing.T) {
	calls := &callLog{}
	p := newTestPipeline(t, Config{Preprocess: true}, Stages{
		Preprocessor: &fakePreprocessor{log: calls},
		Recognizer:   &fakeRecognizer{name: "pdf", log: calls, out: Recognition{Text: "x"}},
		Extractor:    &fakeExtractor{log: calls},
	})

	_, err := p.Run(context.Background(), "a.pdf", Page{Data: []byte("%PDF"), MIMEType: "application/pdf"})
	require.NoError(t, err)
	assert.Equal(t, []string{"recognize:pdf", "extract"}, calls.get())
}

func TestRunReconstructsDetections(t *testing.T) {
	calls := &callLog{}
	ext := &fakeExtractor{log: calls}
	p := newTestPipeline(t, Config{RowTolerance: 30}, Stages{
		Recognizer: &fakeRecognizer{name: "ocr", log: calls, out: Recognition{
			Geometry: readingorder.GeometryNormalized,
			Detections: []readingorder.Detection{
				{Text: "World", Confidence: 0.9, Region: []readingorder.Point{{X: 60, Y: 2}, {X: 110, Y: 12}}},
				{Text: "noise", Confidence: 0.52, Region: []readingorder.Point{{X: 200, Y: 2}, {X: 210, Y: 12}}},
				{Text: "Hello", Confidence: 0.9, Region: []readingorder.Point{{X: 0, Y: 0}, {X: 50, Y: 10}}},
				{Text: "Broken", Confidence: 0.9},
			},
		}},
		Extractor: ext,
	})

	doc, err := p.Run(context.Background(), "x", testPage())
	require.NoError(t, err)
	assert.Equal(t, "Hello World Broken", doc.RawText)
	require.NotNil(t, doc.Reading)
	assert.Equal(t, 1, doc.Reading.Dropped)
	assert.Equal(t, 1, doc.Reading.Malformed)
	assert.Equal(t, "Hello World Broken", ext.seen)
}

func TestStageFailuresAreTagged(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name   string
		cfg    Config
		stages func(*callLog) Stages
		stage  Stage
	}{
		{
			name: "preprocessing",
			cfg:  Config{Preprocess: true},
			stages: func(c *callLog) Stages {
				return Stages{
					Preprocessor: &fakePreprocessor{log: c, err: boom},
					Recognizer:   &fakeRecognizer{name: "ocr", log: c},
					Extractor:    &fakeExtractor{log: c},
				}
			},
			stage: StagePreprocess,
		},
		{
			name: "recognition",
			stages: func(c *callLog) Stages {
				return Stages{
					Recognizer: &fakeRecognizer{name: "ocr", log: c, err: boom},
					Extractor:  &fakeExtractor{log: c},
				}
			},
			stage: StageRecognize,
		},
		{
			name: "cleaning",
			cfg:  Config{Clean: true},
			stages: func(c *callLog) Stages {
				return Stages{
					Recognizer: &fakeRecognizer{name: "ocr", log: c},
					Cleaner:    &fakeCleaner{log: c, err: boom},
					Extractor:  &fakeExtractor{log: c},
				}
			},
			stage: StageClean,
		},
		{
			name: "extraction",
			stages: func(c *callLog) Stages {
				return Stages{
					Recognizer: &fakeRecognizer{name: "ocr", log: c},
					Extractor:  &fakeExtractor{log: c, err: boom},
				}
			},
			stage: StageExtract,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			calls := &callLog{}
			p := newTestPipeline(t, tc.cfg, tc.stages(calls))

			_, err := p.Predict(context.Background(), "x", testPage())
			require.Error(t, err)
			assert.ErrorIs(t, err, boom)

			stage, ok := FailedStage(err)
			require.True(t, ok)
			assert.Equal(t, tc.stage, stage)

			var se *StageError
			require.ErrorAs(t, err, &se)
			assert.Contains(t, se.Error(), string(tc.stage))
		})
	}
}

func TestPreprocessorWithoutOutput(t *testing.T) {
	calls := &callLog{}
	p := newTestPipeline(t, Config{Preprocess: true}, Stages{
		Preprocessor: &fakePreprocessor{log: calls, empty: true},
		Recognizer:   &fakeRecognizer{name: "ocr", log: calls},
		Extractor:    &fakeExtractor{log: calls},
	})

	_, err := p.Predict(context.Background(), "x", testPage())
	assert.ErrorIs(t, err, ErrEmptyResult)
	stage, _ := FailedStage(err)
	assert.Equal(t, StagePreprocess, stage)
	assert.Equal(t, []string{"preprocess"}, calls.get())
}

func TestNewValidatesStages(t *testing.T) {
	rec := &fakeRecognizer{name: "ocr"}
	ext := &fakeExtractor{}

	_, err := New(Config{}, Stages{Extractor: ext}, nil)
	assert.ErrorIs(t, err, ErrMissingStage)
	_, err = New(Config{}, Stages{Recognizer: rec}, nil)
	assert.ErrorIs(t, err, ErrMissingStage)
	_, err = New(Config{Preprocess: true}, Stages{Recognizer: rec, Extractor: ext}, nil)
	assert.ErrorIs(t, err, ErrMissingStage)
	_, err = New(Config{Clean: true}, Stages{Recognizer: rec, Extractor: ext}, nil)
	assert.ErrorIs(t, err, ErrMissingStage)

	p, err := New(Config{}, Stages{Recognizer: rec, Extractor: ext}, nil)
	require.NoError(t, err)
	assert.Equal(t, readingorder.DefaultRowTolerance, p.Config().RowTolerance)
}

func TestSwitchRecognizer(t *testing.T) {
	calls := &callLog{}
	first := &fakeRecognizer{name: "first", log: calls, out: Recognition{Text: "one"}}
	second := &fakeRecognizer{name: "second", log: calls, out: Recognition{Text: "two"}}
	p := newTestPipeline(t, Config{}, Stages{Recognizer: first, Extractor: &fakeExtractor{log: calls}})

	prev, err := p.SwitchRecognizer(second)
	require.NoError(t, err)
	assert.Same(t, first, prev)
	assert.Same(t, second, p.Recognizer())

	doc, err := p.Run(context.Background(), "x", testPage())
	require.NoError(t, err)
	assert.Equal(t, "two", doc.RawText)
	assert.Equal(t, "second", doc.Recognizer)

	_, err = p.SwitchRecognizer(nil)
	assert.ErrorIs(t, err, ErrMissingStage)
	assert.Same(t, second, p.Recognizer())
}

func TestRunWithFixedRecognizer(t *testing.T) {
	calls := &callLog{}
	active := &fakeRecognizer{name: "active", log: calls, out: Recognition{Text: "one"}}
	pinned := &fakeRecognizer{name: "pinned", log: calls, out: Recognition{Text: "two"}}
	p := newTestPipeline(t, Config{}, Stages{Recognizer: active, Extractor: &fakeExtractor{log: calls}})

	doc, err := p.RunWith(context.Background(), "x", testPage(), pinned)
	require.NoError(t, err)
	assert.Equal(t, "pinned", doc.Recognizer)
	assert.Equal(t, []string{"recognize:pinned", "extract"}, calls.get())
	assert.Same(t, active, p.Recognizer())

	_, err = p.RunWith(context.Background(), "x", testPage(), nil)
	assert.ErrorIs(t, err, ErrMissingStage)
}

func TestSwitchDuringInFlightRun(t *testing.T) {
	calls := &callLog{}
	old := &fakeRecognizer{
		name:  "old",
		log:   calls,
		out:   Recognition{Text: "old text"},
		block: make(chan struct{}),
		enter: make(chan struct{}),
	}
	p := newTestPipeline(t, Config{}, Stages{Recognizer: old, Extractor: &fakeExtractor{log: calls}})

	type result struct {
		doc *Document
		err error
	}
	done := make(chan result)
	go func() {
		doc, err := p.Run(context.Background(), "x", testPage())
		done <- result{doc, err}
	}()

	<-old.enter
	_, err := p.SwitchRecognizer(&fakeRecognizer{name: "new", out: Recognition{Text: "new text"}})
	require.NoError(t, err)
	close(old.block)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "old text", res.doc.RawText)
	assert.Equal(t, "old", res.doc.Recognizer)
	assert.Equal(t, "new", p.Recognizer().Name())
}

func TestConcurrentRunsAndSwaps(t *testing.T) {
	a := &fakeRecognizer{name: "a", out: Recognition{Text: "alpha"}}
	b := &fakeRecognizer{name: "b", out: Recognition{Text: "beta"}}
	p := newTestPipeline(t, Config{}, Stages{Recognizer: a, Extractor: staticExtractor{}})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if i == 0 {
					next := Recognizer(a)
					if j%2 == 0 {
						next = b
					}
					_, _ = p.SwitchRecognizer(next)
					continue
				}
				doc, err := p.Run(context.Background(), "x", testPage())
				if assert.NoError(t, err) {
					want := map[string]string{"a": "alpha", "b": "beta"}[doc.Recognizer]
					assert.Equal(t, want, doc.RawText)
				}
			}
		}(i)
	}
	wg.Wait()
}
