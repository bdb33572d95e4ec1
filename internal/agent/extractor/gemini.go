package extractor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/feichai0017/certificate-extractor/internal/record"
	"github.com/feichai0017/certificate-extractor/pkg/logger"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel   = "gemini-2.5-flash"
	maxGeminiResponse    = 4 << 20
)

const geminiImagePrompt = "Analyze the provided image. This image is a document (like a certificate or award). " +
	"Extract all the requested key information into a single JSON object as per the defined schema. " +
	"For the SIGNATORIES field, only provide the names of the people who signed. " +
	"If a field's value is not clearly present in the image, use 'N/A' for that value."

const geminiTextPrompt = "The following text was read from a certificate by OCR. " +
	"Extract the requested key information into a single JSON object as per the defined schema. " +
	"For the SIGNATORIES field, only provide the names of the people who signed. " +
	"If a field's value is not present in the text, use 'N/A' for that value.\n\nText:\n"

var ErrGeminiDisabled = errors.New("gemini API key not configured")

var fieldDescriptions = map[record.Field]string{
	record.Type:        "The type of document or item (e.g., 'Certificate of Participation', 'Award', 'Diploma').",
	record.Awardee:     "The name of the person or entity receiving the award or document.",
	record.Role:        "The role in which the awardee received the item (e.g., 'Speaker', 'Participant', 'Winner').",
	record.Event:       "The name of the event, conference, or program.",
	record.Date:        "The date the document was issued or the event took place, formatted as written.",
	record.Location:    "The complete address or venue where the event or issuance occurred.",
	record.Signatories: "The names of the people who signed the document. Names only, no titles or roles.",
}

type GeminiConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// Gemini extracts fields through the generateContent REST API with a
// response schema, from OCR text or directly from an image.
type Gemini struct {
	cfg        GeminiConfig
	httpClient *http.Client
	logger     logger.Logger
}

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

type geminiGenConfig struct {
	ResponseMIMEType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
	Temperature      *float64       `json:"temperature,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *geminiError `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func NewGemini(cfg GeminiConfig, log logger.Logger) *Gemini {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGeminiBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Gemini{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     log.Named("gemini"),
	}
}

func (g *Gemini) Name() string { return string(KindGemini) }

// Enabled reports whether an API key is configured.
func (g *Gemini) Enabled() bool { return g.cfg.APIKey != "" }

func (g *Gemini) Extract(ctx context.Context, text string) (record.Candidates, error) {
	return g.generate(ctx, []geminiPart{{Text: geminiTextPrompt + text}})
}

// ExtractImage sends the image itself, skipping OCR entirely.
func (g *Gemini) ExtractImage(ctx context.Context, data []byte, mimeType string) (record.Candidates, error) {
	return g.generate(ctx, []geminiPart{
		{InlineData: &geminiInlineData{MIMEType: mimeType, Data: base64.StdEncoding.EncodeToString(data)}},
		{Text: geminiImagePrompt},
	})
}

// ResponseSchema is the OpenAPI-style schema Gemini constrains its answer to.
func ResponseSchema() map[string]any {
	props := make(map[string]any, len(fieldDescriptions))
	required := make([]string, 0, len(fieldDescriptions))
	for _, f := range record.Schema() {
		prop := map[string]any{"type": "STRING", "description": fieldDescriptions[f]}
		if f == record.Signatories {
			prop = map[string]any{
				"type":        "ARRAY",
				"items":       map[string]any{"type": "STRING"},
				"description": fieldDescriptions[f],
			}
		}
		props[string(f)] = prop
		required = append(required, string(f))
	}
	return map[string]any{
		"type":             "OBJECT",
		"properties":       props,
		"required":         required,
		"propertyOrdering": required,
	}
}

func (g *Gemini) generate(ctx context.Context, parts []geminiPart) (record.Candidates, error) {
	if !g.Enabled() {
		return nil, ErrGeminiDisabled
	}

	temperature := 0.0
	body := geminiRequest{
		Contents: []geminiContent{{Parts: parts}},
		GenerationConfig: &geminiGenConfig{
			ResponseMIMEType: "application/json",
			ResponseSchema:   ResponseSchema(),
			Temperature:      &temperature,
		},
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", strings.TrimRight(g.cfg.BaseURL, "/"), g.cfg.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.cfg.APIKey)

	start := time.Now()
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxGeminiResponse))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var gr geminiResponse
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if gr.Error != nil {
		return nil, fmt.Errorf("gemini error [%d]: %s", gr.Error.Code, gr.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gemini returned status %d", resp.StatusCode)
	}

	var answer strings.Builder
	for _, c := range gr.Candidates {
		for _, p := range c.Content.Parts {
			answer.WriteString(p.Text)
		}
		if answer.Len() > 0 {
			break
		}
	}
	block, ok := extractJSONBlock(answer.String())
	if !ok {
		return nil, ErrNoJSON
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(block), &raw); err != nil {
		return nil, fmt.Errorf("decode gemini answer: %w", err)
	}

	g.logger.Debug("Gemini extraction done",
		logger.String("model", g.cfg.Model),
		logger.Duration("elapsed", time.Since(start)),
	)
	return toCandidates(raw, g.logger), nil
}
