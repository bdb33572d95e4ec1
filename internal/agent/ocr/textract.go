package ocr

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"

	"github.com/feichai0017/certificate-extractor/internal/pipeline"
	"github.com/feichai0017/certificate-extractor/internal/readingorder"
	"github.com/feichai0017/certificate-extractor/pkg/logger"
)

// textractScale maps Textract's page-relative 0..1 geometry onto 0..1000 so
// the row tolerance means the same thing as for other normalized engines.
const textractScale = 1000

type textractAPI interface {
	DetectDocumentText(ctx context.Context, params *textract.DetectDocumentTextInput, optFns ...func(*textract.Options)) (*textract.DetectDocumentTextOutput, error)
}

type TextractConfig struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// Textract recognizes text lines with AWS Textract.
type Textract struct {
	client textractAPI
	logger logger.Logger
}

func NewTextract(ctx context.Context, cfg TextractConfig, log logger.Logger) (*Textract, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	client := textract.NewFromConfig(awsCfg, func(o *textract.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newTextractWithClient(client, log), nil
}

func newTextractWithClient(client textractAPI, log logger.Logger) *Textract {
	return &Textract{client: client, logger: log.Named("textract")}
}

func (t *Textract) Name() string { return string(KindTextract) }

func (t *Textract) Recognize(ctx context.Context, page pipeline.Page) (pipeline.Recognition, error) {
	var data []byte
	if page.Image == nil && page.MIMEType == "application/pdf" {
		data = page.Data
	} else {
		var err error
		if data, err = imageBytes(page); err != nil {
			return pipeline.Recognition{}, err
		}
	}

	out, err := t.client.DetectDocumentText(ctx, &textract.DetectDocumentTextInput{
		Document: &types.Document{Bytes: data},
	})
	if err != nil {
		return pipeline.Recognition{}, fmt.Errorf("failed to detect document text: %w", err)
	}

	detections := make([]readingorder.Detection, 0, len(out.Blocks))
	for _, block := range out.Blocks {
		if block.BlockType != types.BlockTypeLine || block.Text == nil {
			continue
		}
		detections = append(detections, readingorder.Detection{
			Text:       aws.ToString(block.Text),
			Confidence: float64(aws.ToFloat32(block.Confidence)) / 100,
			Region:     textractRegion(block.Geometry),
		})
	}
	t.logger.Debug("Lines detected",
		logger.Int("blocks", len(out.Blocks)),
		logger.Int("lines", len(detections)),
	)

	return pipeline.Recognition{
		Detections: detections,
		Geometry:   readingorder.GeometryNormalized,
	}, nil
}

// textractRegion prefers the polygon and falls back to the bounding box. A
// block with neither yields an empty region, which sorts last.
func textractRegion(g *types.Geometry) []readingorder.Point {
	if g == nil {
		return nil
	}
	if len(g.Polygon) > 0 {
		pts := make([]readingorder.Point, len(g.Polygon))
		for i, p := range g.Polygon {
			pts[i] = readingorder.Point{X: float64(p.X) * textractScale, Y: float64(p.Y) * textractScale}
		}
		return pts
	}
	if bb := g.BoundingBox; bb != nil {
		left, top := float64(bb.Left)*textractScale, float64(bb.Top)*textractScale
		return []readingorder.Point{
			{X: left, Y: top},
			{X: left + float64(bb.Width)*textractScale, Y: top + float64(bb.Height)*textractScale},
		}
	}
	return nil
}
