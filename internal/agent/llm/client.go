// Package llm wraps an OpenAI-compatible chat endpoint, such as a local
// llama.cpp or vLLM server, for the text cleaner and the LLM extractor.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

var ErrNoChoices = errors.New("no choices in completion response")

type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	TopP        float64
	MaxTokens   int
	Timeout     time.Duration
	MaxRetries  int
}

// Completer sends one system/user exchange and returns the reply text.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

type Client struct {
	client openai.Client
	cfg    Config
}

func NewClient(cfg Config) *Client {
	apiKey := cfg.APIKey
	if apiKey == "" {
		// local servers ignore the key but the header must be present
		apiKey = "no-key"
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/"))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &Client{client: openai.NewClient(opts...), cfg: cfg}
}

func (c *Client) Model() string { return c.cfg.Model }

func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(c.cfg.Temperature),
	}
	if c.cfg.TopP > 0 {
		params.TopP = openai.Float(c.cfg.TopP)
	}
	if c.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.cfg.MaxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
