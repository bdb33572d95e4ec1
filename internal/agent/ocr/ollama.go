package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaResponse is the non-streaming /api/generate reply.
type OllamaResponse struct {
	Response        string `json:"response"`
	Model           string `json:"model"`
	Done            bool   `json:"done"`
	TotalDuration   int64  `json:"total_duration,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	Error           string `json:"error,omitempty"`
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Images  []string       `json:"images,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type OllamaConfig struct {
	Endpoint    string
	Model       string
	Temperature float64
	MaxTokens   int
	PoolSize    int
	PoolTimeout time.Duration
	Timeout     time.Duration
}

type OllamaClient struct {
	endpoint    string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
}

func NewOllamaClient(cfg OllamaConfig) *OllamaClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OllamaClient{
		endpoint:    strings.TrimRight(cfg.Endpoint, "/"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// ReadImage sends one image with a prompt and returns the model's answer.
func (c *OllamaClient) ReadImage(ctx context.Context, img []byte, prompt string) (string, error) {
	body := ollamaRequest{
		Model:  c.model,
		Prompt: prompt,
		Images: []string{base64.StdEncoding.EncodeToString(img)},
		Stream: false,
		Options: map[string]any{
			"temperature": c.temperature,
		},
	}
	if c.maxTokens > 0 {
		body.Options["num_predict"] = c.maxTokens
	}

	reqData, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/generate", bytes.NewReader(reqData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result OllamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("ollama error: %s", result.Error)
	}
	return result.Response, nil
}

func (c *OllamaClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// OllamaClientPool bounds how many requests hit the Ollama host at once.
type OllamaClientPool struct {
	clients chan *OllamaClient
	timeout time.Duration
}

func NewOllamaClientPool(cfg OllamaConfig) *OllamaClientPool {
	size := cfg.PoolSize
	if size <= 0 {
		size = 1
	}
	pool := &OllamaClientPool{
		clients: make(chan *OllamaClient, size),
		timeout: cfg.PoolTimeout,
	}
	for i := 0; i < size; i++ {
		pool.clients <- NewOllamaClient(cfg)
	}
	return pool
}

func (p *OllamaClientPool) Get(ctx context.Context) (*OllamaClient, error) {
	var timeout <-chan time.Time
	if p.timeout > 0 {
		timer := time.NewTimer(p.timeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case client := <-p.clients:
		return client, nil
	case <-timeout:
		return nil, fmt.Errorf("timeout waiting for available client")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *OllamaClientPool) Put(client *OllamaClient) {
	select {
	case p.clients <- client:
	default:
	}
}

func (p *OllamaClientPool) Close() error {
	for {
		select {
		case c := <-p.clients:
			c.Close()
		default:
			return nil
		}
	}
}
