package config

import "time"

// OllamaConfig configures the vision recognizer's Ollama client pool.
type OllamaConfig struct {
	Host        string `yaml:"host"`
	VisionModel string `yaml:"vision_model"`
	PoolSize    int    `yaml:"pool_size"`
	Timeout     int    `yaml:"timeout"` // seconds
}

// LLMConfig configures the OpenAI-compatible chat endpoint used for text
// cleanup and LLM field extraction.
type LLMConfig struct {
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`
	MaxTokens   int     `yaml:"max_tokens"`
	Timeout     int     `yaml:"timeout"` // seconds
}

type GeminiConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	Timeout int    `yaml:"timeout"` // seconds
}

// Enabled reports whether a Gemini key is configured.
func (g GeminiConfig) Enabled() bool {
	return g.APIKey != ""
}

// NERConfig points at a named-entity recognition service.
type NERConfig struct {
	URL     string `yaml:"url"`
	Timeout int    `yaml:"timeout"` // seconds
}

// Seconds converts a timeout field to a duration, falling back to def.
func Seconds(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}
