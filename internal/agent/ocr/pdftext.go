package ocr

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/certificate-extractor/internal/pipeline"
	"github.com/feichai0017/certificate-extractor/internal/readingorder"
	"github.com/feichai0017/certificate-extractor/pkg/logger"
)

const (
	// wordGapRatio is the horizontal gap, relative to font size, above which
	// two glyph runs on the same baseline are separate words.
	wordGapRatio = 0.3
	// defaultPageHeight is US Letter in points, used when MediaBox is missing.
	defaultPageHeight = 792.0
	maxPageWorkers    = 4
)

// PDFText reads the embedded text layer of born-digital certificates. Glyph
// positions become word detections so the usual reading-order pass applies.
type PDFText struct {
	logger logger.Logger
}

func NewPDFText(log logger.Logger) *PDFText {
	return &PDFText{logger: log.Named("pdftext")}
}

func (p *PDFText) Name() string { return string(KindPDFText) }

type pageWords struct {
	words  []readingorder.Detection
	height float64
}

func (p *PDFText) Recognize(ctx context.Context, page pipeline.Page) (pipeline.Recognition, error) {
	if page.MIMEType != "application/pdf" || len(page.Data) == 0 {
		return pipeline.Recognition{}, fmt.Errorf("%w: %s", ErrUnsupportedInput, page.MIMEType)
	}

	reader := bytes.NewReader(page.Data)
	pdfReader, err := pdf.NewReader(reader, reader.Size())
	if err != nil {
		return pipeline.Recognition{}, fmt.Errorf("failed to open pdf: %w", err)
	}

	numPages := pdfReader.NumPage()
	pages := make([]pageWords, numPages)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxPageWorkers)
	for i := 1; i <= numPages; i++ {
		pageNum := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			pg := pdfReader.Page(pageNum)
			if pg.V.IsNull() {
				return nil
			}
			texts, err := pageTexts(pg)
			if err != nil {
				return fmt.Errorf("failed to read text from page %d: %w", pageNum, err)
			}
			height := pageHeight(pg)
			pages[pageNum-1] = pageWords{words: mergeGlyphs(texts, height), height: height}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return pipeline.Recognition{}, err
	}

	// Pages are stacked top to bottom so a multi-page file reads in page order.
	detections := make([]readingorder.Detection, 0)
	var offset float64
	for _, pw := range pages {
		for _, d := range pw.words {
			for j := range d.Region {
				d.Region[j].Y += offset
			}
			detections = append(detections, d)
		}
		offset += pw.height
	}
	p.logger.Debug("Text layer read",
		logger.Int("pages", numPages),
		logger.Int("words", len(detections)),
	)

	return pipeline.Recognition{
		Detections: detections,
		Geometry:   readingorder.GeometryPolygon,
	}, nil
}

// pageTexts guards against the parser's panics on malformed content streams.
func pageTexts(pg pdf.Page) (texts []pdf.Text, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed content stream: %v", r)
		}
	}()
	return pg.Content().Text, nil
}

func pageHeight(pg pdf.Page) float64 {
	box := pg.V.Key("MediaBox")
	if box.Len() == 4 {
		h := box.Index(3).Float64() - box.Index(1).Float64()
		if h > 0 {
			return h
		}
	}
	return defaultPageHeight
}

// mergeGlyphs joins glyph runs that share a baseline and sit closer than
// wordGapRatio*fontSize into words. The PDF y axis points up, so it is
// flipped against the page height.
func mergeGlyphs(texts []pdf.Text, height float64) []readingorder.Detection {
	runs := make([]pdf.Text, 0, len(texts))
	for _, t := range texts {
		if t.S == "" {
			continue
		}
		runs = append(runs, t)
	}
	sort.SliceStable(runs, func(i, j int) bool {
		if math.Abs(runs[i].Y-runs[j].Y) > 0.5 {
			return runs[i].Y > runs[j].Y
		}
		return runs[i].X < runs[j].X
	})

	var (
		words   []readingorder.Detection
		current strings.Builder
		x0, x1  float64
		y, size float64
	)
	flush := func() {
		text := strings.TrimSpace(current.String())
		current.Reset()
		if text == "" {
			return
		}
		top := height - (y + size)
		bottom := height - y
		words = append(words, readingorder.Detection{
			Text:       text,
			Confidence: 1.0,
			Region: []readingorder.Point{
				{X: x0, Y: top},
				{X: x1, Y: top},
				{X: x1, Y: bottom},
				{X: x0, Y: bottom},
			},
		})
	}

	for _, r := range runs {
		fs := r.FontSize
		if fs <= 0 {
			fs = 1
		}
		sameLine := current.Len() > 0 && math.Abs(r.Y-y) <= 0.5
		if !sameLine || r.X-x1 >= wordGapRatio*fs || strings.TrimSpace(r.S) == "" {
			flush()
			if strings.TrimSpace(r.S) == "" {
				continue
			}
			x0, y, size = r.X, r.Y, fs
		}
		current.WriteString(r.S)
		x1 = r.X + r.W
		if fs > size {
			size = fs
		}
	}
	flush()
	return words
}
