package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/feichai0017/certificate-extractor/internal/record"
	"github.com/feichai0017/certificate-extractor/pkg/logger"
)

// Entity is one span reported by the NER service.
type Entity struct {
	Label string `json:"label"`
	Text  string `json:"text"`
	Start int    `json:"start,omitempty"`
	End   int    `json:"end,omitempty"`
}

type nerRequest struct {
	Text string `json:"text"`
}

type nerResponse struct {
	Entities []Entity `json:"entities"`
}

// NER posts text to a trained entity recognizer and groups the returned
// spans by label, keeping their order of appearance.
type NER struct {
	url        string
	httpClient *http.Client
	logger     logger.Logger
}

func NewNER(url string, timeout time.Duration, log logger.Logger) *NER {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &NER{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.Named("ner"),
	}
}

func (n *NER) Name() string { return string(KindNER) }

func (n *NER) Extract(ctx context.Context, text string) (record.Candidates, error) {
	body, err := json.Marshal(nerRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ner request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ner service status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var nr nerResponse
	if err := json.NewDecoder(resp.Body).Decode(&nr); err != nil {
		return nil, fmt.Errorf("decode ner response: %w", err)
	}

	candidates := GroupEntities(nr.Entities)
	n.logger.Debug("Entities recognized",
		logger.Int("entities", len(nr.Entities)),
		logger.Int("labels", len(candidates)),
	)
	return candidates, nil
}

// GroupEntities collects entity texts under their upper-cased label.
func GroupEntities(entities []Entity) record.Candidates {
	out := make(record.Candidates)
	for _, e := range entities {
		label := strings.ToUpper(strings.TrimSpace(e.Label))
		text := strings.TrimSpace(e.Text)
		if label == "" || text == "" {
			continue
		}
		out[label] = append(out[label], text)
	}
	return out
}
